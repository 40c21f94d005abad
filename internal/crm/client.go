package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrRecordNotFound is returned when the CRM has no record for the id.
var ErrRecordNotFound = errors.New("crm: record not found")

// TokenSource hands out the bearer token for CRM calls.
type TokenSource interface {
	GetToken(ctx context.Context, forceRefresh bool) (string, error)
	Invalidate()
}

// APIError is a non-success answer from the CRM REST API.
type APIError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("crm %s: http %d code=%s: %s", e.Op, e.StatusCode, e.Code, strings.TrimSpace(e.Message))
}

// AuthFailure reports whether the provider rejected the access token.
func (e *APIError) AuthFailure() bool {
	if e.StatusCode == http.StatusUnauthorized {
		return true
	}
	switch strings.ToUpper(e.Code) {
	case "INVALID_TOKEN", "AUTHENTICATION_FAILURE":
		return true
	}
	return false
}

// Mentions reports whether the raw error payload references field.
func (e *APIError) Mentions(field string) bool {
	if field == "" {
		return false
	}
	return strings.Contains(strings.ToLower(e.Body), strings.ToLower(field))
}

type ClientConfig struct {
	APIDomain         string
	Module            string
	AuthScheme        string
	RequestsPerSecond float64
	HTTPClient        *http.Client
	Log               *logrus.Entry
}

// Client talks to the CRM records API for a single module.
type Client struct {
	baseURL    string
	module     string
	authScheme string
	tokens     TokenSource
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *logrus.Entry
}

func NewClient(cfg ClientConfig, tokens TokenSource) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	scheme := cfg.AuthScheme
	if scheme == "" {
		scheme = "Bearer"
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.APIDomain, "/") + "/crm/v2",
		module:     cfg.Module,
		authScheme: scheme,
		tokens:     tokens,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, 5),
		log:        log.WithField("component", "crm-client"),
	}
}

type recordEnvelope struct {
	Data []map[string]any `json:"data"`
}

type statusEntry struct {
	Code    string         `json:"code"`
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

type errorEnvelope struct {
	Code    string        `json:"code"`
	Message string        `json:"message"`
	Data    []statusEntry `json:"data"`
}

// GetRecord fetches one record by id.
func (c *Client) GetRecord(ctx context.Context, recordID string) (map[string]any, error) {
	endpoint := fmt.Sprintf("%s/%s/%s", c.baseURL, url.PathEscape(c.module), url.PathEscape(recordID))
	status, body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent || status == http.StatusNotFound {
		return nil, ErrRecordNotFound
	}
	if status >= 300 {
		return nil, newAPIError("get record", status, body)
	}
	var env recordEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("crm get record: decode: %w", err)
	}
	if len(env.Data) == 0 {
		return nil, ErrRecordNotFound
	}
	return env.Data[0], nil
}

// UpdateRecord writes fields onto the record. A 2xx answer can still carry a
// per-record error entry, which is reported as an APIError.
func (c *Client) UpdateRecord(ctx context.Context, recordID string, fields map[string]any) error {
	endpoint := fmt.Sprintf("%s/%s/%s", c.baseURL, url.PathEscape(c.module), url.PathEscape(recordID))
	payload, err := json.Marshal(map[string]any{"data": []map[string]any{fields}})
	if err != nil {
		return fmt.Errorf("crm update record: encode: %w", err)
	}
	status, body, err := c.do(ctx, http.MethodPut, endpoint, payload)
	if err != nil {
		return err
	}
	if status >= 300 {
		return newAPIError("update record", status, body)
	}
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && len(env.Data) > 0 {
		entry := env.Data[0]
		if strings.EqualFold(entry.Status, "error") {
			return &APIError{Op: "update record", StatusCode: status, Code: entry.Code, Message: entry.Message, Body: string(body)}
		}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("crm rate limiter: %w", err)
	}
	token, err := c.tokens.GetToken(ctx, false)
	if err != nil {
		return 0, nil, fmt.Errorf("crm access token: %w", err)
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", c.authScheme+" "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("crm %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	c.log.WithFields(logrus.Fields{
		"method":      method,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("crm request finished")
	return resp.StatusCode, body, nil
}

func newAPIError(op string, status int, body []byte) *APIError {
	apiErr := &APIError{Op: op, StatusCode: status, Body: string(body)}
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil {
		apiErr.Code = env.Code
		apiErr.Message = env.Message
		if apiErr.Code == "" && len(env.Data) > 0 {
			apiErr.Code = env.Data[0].Code
			apiErr.Message = env.Data[0].Message
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = string(body)
	}
	return apiErr
}
