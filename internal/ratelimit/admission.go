// Package ratelimit holds the per-client admission controller in front of the
// work queue. Windows are fixed and reset lazily on access.
package ratelimit

import (
	"sync"
	"time"

	"crm-voice-sync/internal/apperr"
)

// pruneThreshold is the map size past which expired windows are swept on access.
const pruneThreshold = 10000

type Config struct {
	Window time.Duration
	Max    int
	Now    func() time.Time
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// Controller admits at most Max requests per client per Window.
type Controller struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	now     func() time.Time
	clients map[string]*window
}

func New(cfg Config) *Controller {
	if cfg.Window <= 0 {
		cfg.Window = 60 * time.Second
	}
	if cfg.Max <= 0 {
		cfg.Max = 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		window:  cfg.Window,
		max:     cfg.Max,
		now:     cfg.Now,
		clients: make(map[string]*window),
	}
}

// Allow records one request for clientKey and reports whether it is admitted.
func (c *Controller) Allow(clientKey string) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if len(c.clients) > pruneThreshold {
		c.pruneLocked(now)
	}

	w, ok := c.clients[clientKey]
	if !ok {
		w = &window{resetAt: now.Add(c.window)}
		c.clients[clientKey] = w
	}
	if now.After(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(c.window)
	}
	if w.count >= c.max {
		return Decision{
			Allowed:    false,
			RetryAfter: w.resetAt.Sub(now),
			ResetAt:    w.resetAt,
		}
	}
	w.count++
	return Decision{
		Allowed:   true,
		Remaining: c.max - w.count,
		ResetAt:   w.resetAt,
	}
}

// Admit is Allow returning the AdmissionRejected error on rejection.
func (c *Controller) Admit(clientKey string) (Decision, error) {
	d := c.Allow(clientKey)
	if !d.Allowed {
		return d, apperr.AdmissionRejected(clientKey, d.RetryAfter)
	}
	return d, nil
}

// Len returns the number of tracked clients.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

func (c *Controller) pruneLocked(now time.Time) {
	for k, w := range c.clients {
		if now.After(w.resetAt) {
			delete(c.clients, k)
		}
	}
}
