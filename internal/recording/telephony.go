package recording

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// StatusError is a non-2xx answer from the telephony provider.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("telephony: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

type TelephonyConfig struct {
	BaseURL       string
	APIKey        string
	AuthToken     string
	RecordingPath string
	HTTPClient    *http.Client
	MaxElapsed    time.Duration
	Log           *logrus.Entry
}

// TelephonyClient fetches recording metadata from the secondary provider.
type TelephonyClient struct {
	cfg TelephonyConfig
	log *logrus.Entry
}

func NewTelephonyClient(cfg TelephonyConfig) *TelephonyClient {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 20 * time.Second}
	}
	if cfg.RecordingPath == "" {
		cfg.RecordingPath = "/recording/%s"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TelephonyClient{cfg: cfg, log: log.WithField("component", "telephony")}
}

// FetchRecording returns the raw response body for the recording id.
// 5xx and transport failures are retried until MaxElapsed; 4xx is final.
func (c *TelephonyClient) FetchRecording(ctx context.Context, id string) ([]byte, error) {
	endpoint := c.cfg.BaseURL + fmt.Sprintf(c.cfg.RecordingPath, id)

	var body []byte
	attempt := 0
	op := func() error {
		attempt++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		if c.cfg.AuthToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
		}
		if c.cfg.APIKey != "" {
			req.Header.Set("x-api-key", c.cfg.APIKey)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.cfg.HTTPClient.Do(req)
		if err != nil {
			return fmt.Errorf("telephony request: %w", err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return fmt.Errorf("telephony read: %w", err)
		}
		if resp.StatusCode >= 500 {
			return &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
		}
		if resp.StatusCode >= 300 {
			return backoff.Permanent(&StatusError{StatusCode: resp.StatusCode, Body: string(data)})
		}
		body = data
		return nil
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if c.cfg.MaxElapsed > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.MaxElapsedTime = c.cfg.MaxElapsed
		b = eb
	}
	notify := func(err error, wait time.Duration) {
		c.log.WithFields(logrus.Fields{
			"attempt": attempt,
			"wait_ms": wait.Milliseconds(),
			"error":   err.Error(),
		}).Warn("telephony lookup failed, retrying")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return body, nil
}
