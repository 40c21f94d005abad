// Package queue bounds how many pipeline runs progress at once. Work waits in
// a FIFO backlog of fixed capacity and is dispatched as slots free up.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"crm-voice-sync/internal/apperr"
	"crm-voice-sync/internal/types"
)

// Task is one unit of work. Its context is not cancelled by the submitter.
type Task func(ctx context.Context) (types.PipelineResult, error)

type Config struct {
	MaxConcurrent int
	MaxQueueSize  int
	HistorySize   int
	Now           func() time.Time
	Log           *logrus.Entry
}

// Ticket is the submitter's handle on a queued task.
type Ticket struct {
	id     string
	done   chan struct{}
	result types.PipelineResult
	err    error
}

func (t *Ticket) ID() string { return t.id }

// Done is closed once the task has settled.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the task settles or ctx is done. A cancelled ctx does not
// cancel the task.
func (t *Ticket) Wait(ctx context.Context) (types.PipelineResult, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return types.PipelineResult{}, ctx.Err()
	}
}

type entry struct {
	req    *types.AdmittedRequest
	task   Task
	ticket *Ticket
}

// Scheduler is the single authority over the backlog and the active set.
type Scheduler struct {
	mu      sync.Mutex
	backlog []*entry
	active  map[string]*entry

	history      map[string]types.AdmittedRequest
	historyOrder []string

	total     int64
	completed int64
	failed    int64
	rejected  int64

	maxConcurrent int
	maxQueueSize  int
	historySize   int
	started       time.Time
	now           func() time.Time
	baseCtx       context.Context
	wg            sync.WaitGroup
	log           *logrus.Entry
}

func New(cfg Config) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 100
	}
	if cfg.HistorySize < 0 {
		cfg.HistorySize = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{
		backlog:       make([]*entry, 0, cfg.MaxQueueSize),
		active:        make(map[string]*entry, cfg.MaxConcurrent),
		history:       make(map[string]types.AdmittedRequest),
		maxConcurrent: cfg.MaxConcurrent,
		maxQueueSize:  cfg.MaxQueueSize,
		historySize:   cfg.HistorySize,
		started:       cfg.Now(),
		now:           cfg.Now,
		baseCtx:       context.Background(),
		log:           log.WithField("component", "scheduler"),
	}
}

// Submit queues task under id. It fails at once with QueueFull when the
// backlog already holds MaxQueueSize entries.
func (s *Scheduler) Submit(id string, payload map[string]any, task Task) (*Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.backlog) >= s.maxQueueSize {
		s.rejected++
		s.log.WithFields(logrus.Fields{
			"request_id": id,
			"queued":     len(s.backlog),
		}).Warn("queue full, rejecting request")
		return nil, apperr.QueueFull(s.maxQueueSize)
	}
	if _, dup := s.active[id]; dup || s.queuedLocked(id) {
		return nil, apperr.Validation("requestId", fmt.Sprintf("request %s is already queued", id))
	}

	e := &entry{
		req: &types.AdmittedRequest{
			ID:         id,
			Payload:    payload,
			Status:     types.StatusQueued,
			EnqueuedAt: s.now(),
		},
		task:   task,
		ticket: &Ticket{id: id, done: make(chan struct{})},
	}
	s.backlog = append(s.backlog, e)
	s.total++
	s.log.WithFields(logrus.Fields{
		"request_id": id,
		"queued":     len(s.backlog),
		"processing": len(s.active),
	}).Debug("request queued")

	s.dispatchLocked()
	return e.ticket, nil
}

// dispatchLocked starts backlog entries, oldest first, while slots are free.
func (s *Scheduler) dispatchLocked() {
	for len(s.active) < s.maxConcurrent && len(s.backlog) > 0 {
		e := s.backlog[0]
		s.backlog[0] = nil
		s.backlog = s.backlog[1:]

		now := s.now()
		e.req.Status = types.StatusProcessing
		e.req.DispatchedAt = &now
		s.active[e.req.ID] = e

		s.log.WithFields(logrus.Fields{
			"request_id": e.req.ID,
			"wait_ms":    now.Sub(e.req.EnqueuedAt).Milliseconds(),
		}).Debug("request dispatched")

		s.wg.Add(1)
		go s.execute(e)
	}
}

func (s *Scheduler) execute(e *entry) {
	defer s.wg.Done()

	result, err := s.runTask(e)

	s.mu.Lock()
	delete(s.active, e.req.ID)
	now := s.now()
	e.req.CompletedAt = &now
	if err != nil {
		s.failed++
		e.req.Status = types.StatusFailed
		e.req.Error = err.Error()
	} else {
		s.completed++
		e.req.Status = types.StatusCompleted
		e.req.Result = &result
	}
	s.rememberLocked(*e.req)
	s.dispatchLocked()
	s.mu.Unlock()

	e.ticket.result, e.ticket.err = result, err
	close(e.ticket.done)
}

func (s *Scheduler) runTask(e *entry) (result types.PipelineResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(logrus.Fields{
				"request_id": e.req.ID,
				"panic":      fmt.Sprint(r),
			}).Error("task panicked")
			err = apperr.Internal(fmt.Errorf("panic: %v", r), "request processing crashed")
		}
	}()
	return e.task(s.baseCtx)
}

// Clear fails every queued entry with QueueCleared and returns how many were
// removed. Dispatched work is untouched.
func (s *Scheduler) Clear() int {
	s.mu.Lock()
	cleared := s.backlog
	s.backlog = make([]*entry, 0, s.maxQueueSize)
	now := s.now()
	for _, e := range cleared {
		s.failed++
		e.req.Status = types.StatusFailed
		e.req.CompletedAt = &now
		e.ticket.err = apperr.QueueCleared(e.req.ID)
		e.req.Error = e.ticket.err.Error()
		s.rememberLocked(*e.req)
	}
	s.mu.Unlock()

	for _, e := range cleared {
		close(e.ticket.done)
	}
	if len(cleared) > 0 {
		s.log.WithField("cleared", len(cleared)).Warn("queue cleared")
	}
	return len(cleared)
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() types.QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	uptime := s.now().Sub(s.started)
	var throughput float64
	if minutes := uptime.Minutes(); minutes > 0 {
		throughput = float64(s.completed) / minutes
	}
	return types.QueueStats{
		Total:      s.total,
		Completed:  s.completed,
		Failed:     s.failed,
		Rejected:   s.rejected,
		Queued:     len(s.backlog),
		Processing: len(s.active),
		Uptime:     uptime.Truncate(time.Second).String(),
		UptimeSec:  uptime.Seconds(),
		Throughput: throughput,
	}
}

// Lookup returns the tracked state of a queued, running or recently settled request.
func (s *Scheduler) Lookup(id string) (types.AdmittedRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.active[id]; ok {
		return *e.req, true
	}
	for _, e := range s.backlog {
		if e.req.ID == id {
			return *e.req, true
		}
	}
	req, ok := s.history[id]
	return req, ok
}

// Shutdown clears the backlog and waits for in-flight work until ctx is done.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.Clear()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) queuedLocked(id string) bool {
	for _, e := range s.backlog {
		if e.req.ID == id {
			return true
		}
	}
	return false
}

func (s *Scheduler) rememberLocked(req types.AdmittedRequest) {
	if s.historySize == 0 {
		return
	}
	if _, exists := s.history[req.ID]; !exists {
		s.historyOrder = append(s.historyOrder, req.ID)
	}
	s.history[req.ID] = req
	for len(s.historyOrder) > s.historySize {
		oldest := s.historyOrder[0]
		s.historyOrder = s.historyOrder[1:]
		delete(s.history, oldest)
	}
}
