package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Credential is a bearer token and the instant it stops being valid.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// Refresher obtains a new credential from the identity provider.
type Refresher interface {
	Refresh(ctx context.Context) (Credential, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context) (Credential, error)

func (f RefresherFunc) Refresh(ctx context.Context) (Credential, error) { return f(ctx) }

type CacheConfig struct {
	Skew time.Duration
	Now  func() time.Time
	Log  *logrus.Entry
}

// TokenCache holds the single process-wide CRM credential.
type TokenCache struct {
	refresher Refresher
	skew      time.Duration
	now       func() time.Time
	log       *logrus.Entry

	mu    sync.RWMutex
	cred  Credential
	group singleflight.Group
}

func NewTokenCache(refresher Refresher, cfg CacheConfig) *TokenCache {
	skew := cfg.Skew
	if skew < 0 {
		skew = 0
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &TokenCache{
		refresher: refresher,
		skew:      skew,
		now:       now,
		log:       log.WithField("component", "token-cache"),
	}
}

// GetToken returns the cached token unless it is missing, forced, or within
// the skew window of its expiry. Concurrent refreshes share one provider call.
func (c *TokenCache) GetToken(ctx context.Context, forceRefresh bool) (string, error) {
	if !forceRefresh {
		if token, ok := c.cached(); ok {
			return token, nil
		}
	}

	// forced callers never join a flight that may answer from the cache
	key := "refresh"
	if forceRefresh {
		key = "refresh:forced"
	}
	// the flight outlives any single caller, so it must not inherit cancellation
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		// another caller may have refreshed while we waited on the group
		if !forceRefresh {
			if token, ok := c.cached(); ok {
				return token, nil
			}
		}
		cred, err := c.refresher.Refresh(flightCtx)
		if err != nil {
			return "", err
		}
		if cred.Token == "" {
			return "", errors.New("token refresh returned an empty access token")
		}
		c.mu.Lock()
		c.cred = cred
		c.mu.Unlock()
		c.log.WithField("expires_at", cred.ExpiresAt.Format(time.RFC3339)).Info("crm access token refreshed")
		return cred.Token, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			c.log.WithField("error", res.Err.Error()).Warn("crm access token refresh failed")
			return "", res.Err
		}
		if res.Shared {
			c.log.Debug("joined in-flight token refresh")
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate drops the cached credential so the next GetToken refreshes.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	c.cred = Credential{}
	c.mu.Unlock()
	c.log.Info("crm access token invalidated")
}

func (c *TokenCache) cached() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cred.Token == "" {
		return "", false
	}
	if !c.now().Before(c.cred.ExpiresAt.Add(-c.skew)) {
		return "", false
	}
	return c.cred.Token, true
}
