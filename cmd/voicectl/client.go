package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crm-voice-sync/internal/types"
)

// apiError is a non-2xx answer from the service, decoded from its error body.
type apiError struct {
	Status     int    `json:"-"`
	Code       string `json:"error"`
	Message    string `json:"message"`
	RequestID  string `json:"requestId"`
	Stage      string `json:"stage"`
	Provider   string `json:"provider"`
	RetryAfter int    `json:"retryAfter"`
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("http %d", e.Status)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Stage != "" {
		msg += fmt.Sprintf(" (stage=%s provider=%s)", e.Stage, e.Provider)
	}
	return msg
}

// Retryable reports whether the service shed the request for load.
func (e *apiError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status == http.StatusServiceUnavailable
}

type processResponse struct {
	Message        string `json:"message"`
	RecordID       string `json:"recordId"`
	Transcript     string `json:"transcript"`
	Analysis       string `json:"analysis"`
	RequestID      string `json:"requestId"`
	ProcessingTime string `json:"processingTime"`
}

type clearResponse struct {
	Message string           `json:"message"`
	Cleared int              `json:"cleared"`
	Stats   types.QueueStats `json:"stats"`
}

type serviceClient struct {
	baseURL    string
	adminToken string
	httpClient *http.Client
}

func newServiceClient(baseURL, adminToken string, timeout time.Duration) *serviceClient {
	return &serviceClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		adminToken: adminToken,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *serviceClient) Stats(ctx context.Context) (types.QueueStats, error) {
	var out types.QueueStats
	err := c.do(ctx, http.MethodGet, "/queue/stats", nil, &out)
	return out, err
}

func (c *serviceClient) Request(ctx context.Context, id string) (types.AdmittedRequest, error) {
	var out types.AdmittedRequest
	err := c.do(ctx, http.MethodGet, "/requests/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *serviceClient) Clear(ctx context.Context) (clearResponse, error) {
	var out clearResponse
	err := c.do(ctx, http.MethodPost, "/admin/queue/clear", nil, &out)
	return out, err
}

func (c *serviceClient) Process(ctx context.Context, payload map[string]any) (processResponse, error) {
	var out processResponse
	err := c.do(ctx, http.MethodPost, "/process-audio", payload, &out)
	return out, err
}

func (c *serviceClient) do(ctx context.Context, method, path string, payload any, target any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.adminToken != "" {
		req.Header.Set("X-Admin-Token", c.adminToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(raw, apiErr); jsonErr != nil {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		if apiErr.RequestID == "" {
			apiErr.RequestID = resp.Header.Get("X-Request-ID")
		}
		return apiErr
	}
	if target == nil {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
