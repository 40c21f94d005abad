// Package extractor produces the optional call analysis written next to the
// transcript. It talks to an OpenAI-compatible chat completions endpoint.
package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"crm-voice-sync/internal/types"
)

const analysisPrompt = `You are a call quality analyst. Read the call transcript below and return ONLY JSON:
{"summary": "", "sentiment": "positive|neutral|negative", "category": "", "next_best_action": ""}
Keep the summary under %d characters. Do not invent facts that are not in the transcript.

TRANSCRIPT:
%s`

type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxChars   int
	Timeout    time.Duration
	MaxElapsed time.Duration
	HTTPClient *http.Client
	Log        *logrus.Entry
}

// Analyzer summarizes transcripts under a character budget.
type Analyzer struct {
	cfg        Config
	httpClient *http.Client
	log        *logrus.Entry
}

func New(cfg Config) *Analyzer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxChars <= 3 {
		cfg.MaxChars = 1200
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Analyzer{cfg: cfg, httpClient: httpClient, log: log.WithField("component", "extractor")}
}

// Analyze returns the rendered analysis for transcript, truncated to MaxChars.
func (a *Analyzer) Analyze(ctx context.Context, transcript string) (string, error) {
	reqBody := map[string]any{
		"model": a.cfg.Model,
		"messages": []map[string]string{
			{"role": "user", "content": fmt.Sprintf(analysisPrompt, a.cfg.MaxChars, transcript)},
		},
		"temperature": 0.0,
	}
	data, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}
	a.log.WithField("payload_len", len(data)).Debug("sending analysis request")

	var content string
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/chat/completions", bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("analysis: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		if resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("analysis: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
		}
		content = extractContentFromChoices(body)
		if strings.TrimSpace(content) == "" {
			return backoff.Permanent(fmt.Errorf("analysis: no content in response"))
		}
		return nil
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if a.cfg.MaxElapsed > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.MaxElapsedTime = a.cfg.MaxElapsed
		b = eb
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return "", err
	}

	analysis := parseAnalysis(content)
	rendered := Truncate(Render(analysis), a.cfg.MaxChars)
	a.log.WithFields(logrus.Fields{
		"sentiment": analysis.Sentiment,
		"chars":     len(rendered),
	}).Info("analysis ready")
	return rendered, nil
}

// Render formats an analysis as the plain text stored on the CRM record.
func Render(a types.CallAnalysis) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(a.Summary))
	for _, line := range []struct{ label, value string }{
		{"Sentiment", a.Sentiment},
		{"Category", a.Category},
		{"Next action", a.NextBestAction},
	} {
		if v := strings.TrimSpace(line.value); v != "" {
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(line.label + ": " + v)
		}
	}
	return sb.String()
}

// Truncate cuts s to max bytes, ending in "..." when shortened. The cut is
// byte based and may split a multi-byte character.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// parseAnalysis reads the model answer as JSON, falling back to treating the
// whole answer as the summary.
func parseAnalysis(content string) types.CallAnalysis {
	var out types.CallAnalysis
	if raw := extractJSON(content); raw != "" {
		if err := json.Unmarshal([]byte(raw), &out); err == nil && out.Summary != "" {
			return out
		}
	}
	return types.CallAnalysis{Summary: strings.TrimSpace(content)}
}

// extractContentFromChoices reads openai-style choices[0].message.content.
func extractContentFromChoices(body []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return ""
	}
	choices, ok := obj["choices"].([]any)
	if !ok || len(choices) == 0 {
		return ""
	}
	c0, _ := choices[0].(map[string]any)
	if c0 == nil {
		return ""
	}
	msg, _ := c0["message"].(map[string]any)
	if msg == nil {
		return ""
	}
	content, _ := msg["content"].(string)
	return content
}

// extractJSON finds the first balanced JSON object in a string and returns it.
// It strips common markdown fences first.
func extractJSON(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ReplaceAll(s, "\r\n", "\n")
	for _, r := range []string{"```json", "```", "`"} {
		s = strings.ReplaceAll(s, r, "")
	}

	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		switch c := s[i]; {
		case inString && c == '\\':
			i++
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return strings.TrimSpace(s[start : i+1])
			}
		}
	}
	return ""
}
