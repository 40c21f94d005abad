// Package api exposes the webhook ingress and the read/admin endpoints.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"crm-voice-sync/internal/apperr"
	"crm-voice-sync/internal/logger"
	"crm-voice-sync/internal/pipeline"
	"crm-voice-sync/internal/queue"
	"crm-voice-sync/internal/ratelimit"
	"crm-voice-sync/internal/types"
)

const maxBodyBytes = 1 << 20

type Scheduler interface {
	Submit(id string, payload map[string]any, task queue.Task) (*queue.Ticket, error)
	Stats() types.QueueStats
	Lookup(id string) (types.AdmittedRequest, bool)
	Clear() int
}

type Runner interface {
	Run(ctx context.Context, requestID string, payload map[string]any) (types.PipelineResult, error)
}

type Admission interface {
	Admit(clientKey string) (ratelimit.Decision, error)
}

type Config struct {
	Admission  Admission
	Scheduler  Scheduler
	Runner     Runner
	AdminToken string
	Log        *logger.Logger
}

type Server struct {
	admission  Admission
	scheduler  Scheduler
	runner     Runner
	adminToken string
	log        *logger.Logger
	started    time.Time
}

func NewServer(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = &logger.Logger{Entry: logger.Discard()}
	}
	return &Server{
		admission:  cfg.Admission,
		scheduler:  cfg.Scheduler,
		runner:     cfg.Runner,
		adminToken: cfg.AdminToken,
		log:        log,
		started:    time.Now(),
	}
}

// Routes returns the service mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /process-audio", s.processAudio)
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /queue/stats", s.queueStats)
	mux.HandleFunc("GET /requests/{id}", s.requestStatus)
	mux.HandleFunc("POST /admin/queue/clear", s.clearQueue)
	return mux
}

type processResponse struct {
	Message        string `json:"message"`
	RecordID       string `json:"recordId"`
	Transcript     string `json:"transcript"`
	Analysis       string `json:"analysis,omitempty"`
	RequestID      string `json:"requestId"`
	ProcessingTime string `json:"processingTime"`
}

type errorResponse struct {
	Error      string            `json:"error"`
	Message    string            `json:"message"`
	RequestID  string            `json:"requestId,omitempty"`
	Stage      string            `json:"stage,omitempty"`
	Provider   string            `json:"provider,omitempty"`
	RetryAfter int               `json:"retryAfter,omitempty"`
	Stats      *types.QueueStats `json:"stats,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
}

func (s *Server) processAudio(w http.ResponseWriter, r *http.Request) {
	requestID := logger.RequestID(r)
	reqLog := s.log.WithRequestID(r, requestID).WithField("handler", "process-audio")
	w.Header().Set("X-Request-ID", requestID)

	clientKey := ClientKey(r)
	decision, err := s.admission.Admit(clientKey)
	if err != nil {
		reqLog.WithField("client_key", clientKey).Warn("rate limit exceeded")
		w.Header().Set("Retry-After", fmt.Sprint(apperr.RetryAfterSeconds(decision.RetryAfter)))
		s.writeError(w, reqLog, requestID, err)
		return
	}
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprint(decision.Remaining))

	payload, err := decodePayload(w, r)
	if err != nil {
		s.writeError(w, reqLog, requestID, err)
		return
	}
	// reject bad input before it takes a queue slot
	parsed, err := pipeline.ParseRequest(payload)
	if err != nil {
		s.writeError(w, reqLog, requestID, err)
		return
	}
	reqLog = reqLog.WithField("record_id", parsed.RecordID)

	ticket, err := s.scheduler.Submit(requestID, payload, func(ctx context.Context) (types.PipelineResult, error) {
		return s.runner.Run(ctx, requestID, payload)
	})
	if err != nil {
		s.writeError(w, reqLog, requestID, err)
		return
	}
	reqLog.Info("request admitted")

	// the caller waits through queueing plus the full run, which no server-wide
	// read or write timeout can bound
	rc := http.NewResponseController(w)
	if err := rc.SetReadDeadline(time.Time{}); err != nil {
		reqLog.WithField("error", err.Error()).Debug("could not clear read deadline")
	}
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		reqLog.WithField("error", err.Error()).Debug("could not clear write deadline")
	}

	res, err := ticket.Wait(r.Context())
	if err != nil && r.Context().Err() != nil {
		reqLog.Warn("client went away, processing continues in background")
		return
	}
	if err != nil {
		s.writeError(w, reqLog, requestID, err)
		return
	}

	reqLog.WithField("duration_ms", res.ProcessingTimeMs).Info("request completed")
	writeJSON(w, http.StatusOK, processResponse{
		Message:        "Transcription saved to CRM",
		RecordID:       res.RecordID,
		Transcript:     res.Transcript,
		Analysis:       res.Analysis,
		RequestID:      requestID,
		ProcessingTime: fmt.Sprintf("%dms", res.ProcessingTimeMs),
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	stats := s.scheduler.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Truncate(time.Second).String(),
		"queue":  stats,
	})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.scheduler.Stats())
}

func (s *Server) requestStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	req, ok := s.scheduler.Lookup(id)
	if !ok {
		s.writeError(w, s.log.WithRequest(r), id, apperr.NotFound("request not found", map[string]any{"request_id": id}))
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) clearQueue(w http.ResponseWriter, r *http.Request) {
	reqLog := s.log.WithRequest(r).WithField("handler", "queue-clear")
	if s.adminToken != "" {
		got := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.adminToken)) != 1 {
			s.writeError(w, reqLog, "", apperr.Unauthorized("invalid admin token"))
			return
		}
	}
	cleared := s.scheduler.Clear()
	reqLog.WithField("cleared", cleared).Warn("queue cleared by admin")
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "queue cleared",
		"cleared": cleared,
		"stats":   s.scheduler.Stats(),
	})
}

func (s *Server) writeError(w http.ResponseWriter, log *logrus.Entry, requestID string, err error) {
	rich := apperr.Envelope(err)
	status := apperr.HTTPStatus(err)
	body := errorResponse{
		Error:     rich.TextCode,
		Message:   rich.Message,
		RequestID: requestID,
	}
	if body.Error == "" {
		body.Error = apperr.CodeInternal
	}
	if v, ok := rich.Metadata["stage"].(string); ok {
		body.Stage = v
	}
	if v, ok := rich.Metadata["provider"].(string); ok {
		body.Provider = v
	}
	switch rich.TextCode {
	case apperr.CodeAdmissionRejected:
		if v, ok := rich.Metadata["retry_after"].(int); ok {
			body.RetryAfter = v
		}
	case apperr.CodeQueueFull:
		stats := s.scheduler.Stats()
		body.Stats = &stats
	case apperr.CodeValidation:
		if fields := rich.AllValidationErrors(); len(fields) > 0 {
			body.Fields = make(map[string]string, len(fields))
			for _, f := range fields {
				body.Fields[f.Field] = f.Message
			}
		}
	}

	entry := log.WithFields(logrus.Fields{
		"status":     status,
		"error_code": body.Error,
		"error":      err.Error(),
	})
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		entry.Error("request failed")
	} else {
		entry.Warn("request rejected")
	}
	writeJSON(w, status, body)
}

// ClientKey identifies the caller for admission control: the first
// X-Forwarded-For hop when present, otherwise the remote host.
func ClientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// decodePayload accepts JSON, urlencoded and multipart bodies.
func decodePayload(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		if mediaType == "multipart/form-data" {
			if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
				return nil, apperr.Validation("body", "malformed multipart body")
			}
		} else if err := r.ParseForm(); err != nil {
			return nil, apperr.Validation("body", "malformed form body")
		}
		payload := make(map[string]any, len(r.Form))
		for k, v := range r.Form {
			if len(v) > 0 {
				payload[k] = v[0]
			}
		}
		return payload, nil
	default:
		payload := map[string]any{}
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, apperr.Validation("body", "request body too large")
			}
			// an empty body still reaches ParseRequest and fails on the id
			if errors.Is(err, io.EOF) {
				return payload, nil
			}
			return nil, apperr.Validation("body", "request body must be a JSON object or form data")
		}
		// query parameters fill keys the body did not set
		for k, v := range r.URL.Query() {
			if _, ok := payload[k]; !ok && len(v) > 0 {
				payload[k] = v[0]
			}
		}
		return payload, nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
