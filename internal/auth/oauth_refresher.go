package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	RefreshToken string
	HTTPClient   *http.Client
	Now          func() time.Time
	// MaxElapsed bounds retries of 5xx/network failures; zero disables retry.
	MaxElapsed time.Duration
}

// OAuthRefresher exchanges a long-lived refresh token for an access token.
type OAuthRefresher struct {
	cfg OAuthConfig
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
	Error       string `json:"error"`
}

func NewOAuthRefresher(cfg OAuthConfig) *OAuthRefresher {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &OAuthRefresher{cfg: cfg}
}

func (r *OAuthRefresher) Refresh(ctx context.Context) (Credential, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", r.cfg.ClientID)
	form.Set("client_secret", r.cfg.ClientSecret)
	form.Set("refresh_token", r.cfg.RefreshToken)

	var out tokenResponse
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.TokenURL, strings.NewReader(form.Encode()))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := r.cfg.HTTPClient.Do(req)
		if err != nil {
			return fmt.Errorf("token request: %w", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)

		if resp.StatusCode >= 500 {
			return fmt.Errorf("token endpoint: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		if resp.StatusCode >= 300 {
			return backoff.Permanent(fmt.Errorf("token endpoint: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
		}
		out = tokenResponse{}
		if err := json.Unmarshal(body, &out); err != nil {
			return backoff.Permanent(fmt.Errorf("token endpoint: decode: %w", err))
		}
		// some providers answer 200 with an error field
		if out.Error != "" {
			return backoff.Permanent(fmt.Errorf("token endpoint: %s", out.Error))
		}
		if out.AccessToken == "" {
			return backoff.Permanent(fmt.Errorf("token endpoint: response has no access_token"))
		}
		return nil
	}

	var b backoff.BackOff = &backoff.StopBackOff{}
	if r.cfg.MaxElapsed > 0 {
		eb := backoff.NewExponentialBackOff()
		eb.MaxElapsedTime = r.cfg.MaxElapsed
		b = eb
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return Credential{}, err
	}

	expiresIn := time.Duration(out.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = time.Hour
	}
	return Credential{
		Token:     out.AccessToken,
		ExpiresAt: r.cfg.Now().Add(expiresIn),
	}, nil
}
