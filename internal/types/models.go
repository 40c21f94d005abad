package types

import "time"

type RequestStatus string

const (
	StatusQueued     RequestStatus = "queued"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// AdmittedRequest is one webhook event accepted by the scheduler.
type AdmittedRequest struct {
	ID           string          `json:"requestId"`
	Payload      map[string]any  `json:"payload,omitempty"`
	Status       RequestStatus   `json:"status"`
	EnqueuedAt   time.Time       `json:"enqueuedAt"`
	DispatchedAt *time.Time      `json:"dispatchedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	Result       *PipelineResult `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

type QueueStats struct {
	Total      int64   `json:"total"`
	Completed  int64   `json:"completed"`
	Failed     int64   `json:"failed"`
	Rejected   int64   `json:"rejected"`
	Queued     int     `json:"queued"`
	Processing int     `json:"processing"`
	Uptime     string  `json:"uptime"`
	UptimeSec  float64 `json:"uptimeSeconds"`
	Throughput float64 `json:"throughputPerMinute"`
}

// ParsedRequest is the typed view of an inbound webhook payload.
type ParsedRequest struct {
	RecordID     string
	RecordingURL string
	Translate    *bool
	Language     string
}

// AudioArtifact is the downloaded recording owned by a single pipeline run.
type AudioArtifact struct {
	Bytes       []byte
	ContentType string
	Extension   string
	Path        string
}

type PipelineResult struct {
	RecordID         string `json:"recordId"`
	Transcript       string `json:"transcript"`
	Analysis         string `json:"analysis,omitempty"`
	RequestID        string `json:"requestId"`
	ProcessingTimeMs int64  `json:"processingTimeMs"`
}

// CallAnalysis is the structured summary produced for a transcript.
type CallAnalysis struct {
	Summary        string `json:"summary"`
	Sentiment      string `json:"sentiment"`
	Category       string `json:"category"`
	NextBestAction string `json:"next_best_action"`
}

// BackfillRow is one spreadsheet row replayed against /process-audio.
type BackfillRow struct {
	Row          int
	RecordID     string
	RecordingURL string
}

// BackfillResult is the outcome recorded for a BackfillRow.
type BackfillResult struct {
	BackfillRow
	Status     int
	RequestID  string
	Transcript string
	Code       string
	Stage      string
	Error      string
	Duration   time.Duration
}

// Succeeded reports whether the row was transcribed and saved.
func (r BackfillResult) Succeeded() bool {
	return r.Status == 200 && r.Error == ""
}
