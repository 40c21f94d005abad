// Package transcription sends call audio to an OpenAI-compatible
// speech-to-text endpoint.
package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// ErrEmptyTranscript is returned when the provider answers with blank text.
var ErrEmptyTranscript = errors.New("transcription returned empty text")

// StatusError is a non-2xx answer from the provider.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("speech-to-text: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Retryable reports whether the provider may succeed on a later attempt.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type Config struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string
	// Translate selects the translations endpoint when a request does not say.
	Translate  bool
	Timeout    time.Duration
	MaxElapsed time.Duration
	HTTPClient *http.Client
	Log        *logrus.Entry
}

// Options override the configured defaults for one request.
type Options struct {
	Translate *bool
	Language  string
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *logrus.Entry
}

type transcriptResponse struct {
	Text string `json:"text"`
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "whisper-1"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{cfg: cfg, httpClient: httpClient, log: log.WithField("component", "transcription")}
}

// Transcribe uploads the audio file at path and returns the transcript text.
func (c *Client) Transcribe(ctx context.Context, path string, opts Options) (string, error) {
	translate := c.cfg.Translate
	if opts.Translate != nil {
		translate = *opts.Translate
	}
	language := c.cfg.Language
	if opts.Language != "" {
		language = opts.Language
	}
	endpoint := c.cfg.BaseURL + "/audio/transcriptions"
	if translate {
		endpoint = c.cfg.BaseURL + "/audio/translations"
	}

	log := c.log.WithFields(logrus.Fields{
		"file":      filepath.Base(path),
		"translate": translate,
		"language":  language,
	})
	log.Info("uploading audio for transcription")
	start := time.Now()

	build := func() (*http.Request, error) {
		body, contentType, err := c.multipartBody(path, language, translate)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		return req, nil
	}

	var out transcriptResponse
	if err := doJSON(ctx, c.httpClient, build, &out, c.cfg.MaxElapsed, log); err != nil {
		return "", err
	}
	text := strings.TrimSpace(out.Text)
	if text == "" {
		return "", ErrEmptyTranscript
	}
	log.WithFields(logrus.Fields{
		"chars":       len(text),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("transcription finished")
	return text, nil
}

func (c *Client) multipartBody(path, language string, translate bool) (io.Reader, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open audio: %w", err)
	}
	defer f.Close()

	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("read audio: %w", err)
	}
	w.WriteField("model", c.cfg.Model)
	w.WriteField("response_format", "json")
	// the translations endpoint always answers in English
	if language != "" && !translate {
		w.WriteField("language", language)
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &b, w.FormDataContentType(), nil
}

// doJSON sends the request built by build and decodes a JSON answer into
// target. The request is rebuilt on every attempt so bodies can be replayed.
// 5xx, 429 and transport errors are retried until maxElapsed; other 4xx are final.
func doJSON(ctx context.Context, client *http.Client, build func() (*http.Request, error), target any, maxElapsed time.Duration, log *logrus.Entry) error {
	attempt := 0
	op := func() error {
		attempt++
		req, err := build()
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("speech-to-text request: %w", err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("speech-to-text read: %w", err)
		}
		if resp.StatusCode >= 300 {
			statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
			if statusErr.Retryable() {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}
		if err := json.Unmarshal(body, target); err != nil {
			return backoff.Permanent(fmt.Errorf("speech-to-text decode: %w body=%s", err, string(body)))
		}
		return nil
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if maxElapsed > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.MaxElapsedTime = maxElapsed
		b = eb
	}
	notify := func(err error, wait time.Duration) {
		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"wait_ms": wait.Milliseconds(),
			"error":   err.Error(),
		}).Warn("speech-to-text call failed, retrying")
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}
