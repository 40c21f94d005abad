// Package pipeline runs one admitted webhook event through resolve, download,
// transcribe, analyze and CRM update. The downloaded audio never outlives the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"crm-voice-sync/internal/apperr"
	"crm-voice-sync/internal/format"
	"crm-voice-sync/internal/transcription"
	"crm-voice-sync/internal/types"
)

// Providers named in error metadata.
const (
	ProviderCRM           = "crm"
	ProviderTelephony     = "telephony"
	ProviderRecordingHost = "recording-host"
	ProviderSpeechToText  = "speech-to-text"
	ProviderFilesystem    = "filesystem"
)

const defaultMaxDownloadBytes = 100 << 20

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

type Resolver interface {
	Resolve(ctx context.Context, recordID string) (string, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, path string, opts transcription.Options) (string, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, transcript string) (string, error)
}

type Updater interface {
	Update(ctx context.Context, recordID, transcript, analysis string) error
}

type Config struct {
	TempDir          string
	DownloadTimeout  time.Duration
	MaxDownloadBytes int64
	HTTPClient       *http.Client
	Now              func() time.Time
	Log              *logrus.Entry
}

// Executor composes the providers into the per-request stage sequence.
type Executor struct {
	resolver    Resolver
	transcriber Transcriber
	analyzer    Analyzer
	updater     Updater
	cfg         Config
	writeFile   func(name string, data []byte, perm os.FileMode) error
	log         *logrus.Entry
}

// New builds an Executor. analyzer may be nil to disable analysis.
func New(resolver Resolver, transcriber Transcriber, analyzer Analyzer, updater Updater, cfg Config) *Executor {
	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(os.TempDir(), "crm-voice-sync")
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 30 * time.Second
	}
	if cfg.MaxDownloadBytes <= 0 {
		cfg.MaxDownloadBytes = defaultMaxDownloadBytes
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Executor{
		resolver:    resolver,
		transcriber: transcriber,
		analyzer:    analyzer,
		updater:     updater,
		cfg:         cfg,
		writeFile:   os.WriteFile,
		log:         log.WithField("component", "pipeline"),
	}
}

// run is the state threaded through the stages of one execution.
type run struct {
	requestID  string
	payload    map[string]any
	started    time.Time
	req        types.ParsedRequest
	url        string
	artifact   types.AudioArtifact
	transcript string
	analysis   string
	log        *logrus.Entry
}

type stage struct {
	name     string
	provider string
	exec     func(ctx context.Context, r *run) error
}

func (e *Executor) stages() []stage {
	return []stage{
		{"parse", "", e.parse},
		{"resolve", ProviderCRM, e.resolve},
		{"download", ProviderRecordingHost, e.download},
		{"detect", "", e.detect},
		{"persist", ProviderFilesystem, e.persist},
		{"transcribe", ProviderSpeechToText, e.transcribe},
		{"analyze", "", e.analyze},
		{"update", ProviderCRM, e.update},
	}
}

// Run executes every stage for payload. The temp artifact is removed before
// Run returns, on success and on every failure path.
func (e *Executor) Run(ctx context.Context, requestID string, payload map[string]any) (types.PipelineResult, error) {
	r := &run{
		requestID: requestID,
		payload:   payload,
		started:   e.cfg.Now(),
		log:       e.log.WithField("request_id", requestID),
	}
	defer e.cleanup(r)

	for _, st := range e.stages() {
		if err := e.runStage(ctx, r, st); err != nil {
			r.log.WithFields(logrus.Fields{
				"stage": st.name,
				"error": err.Error(),
			}).Error("pipeline failed")
			return types.PipelineResult{}, err
		}
	}

	elapsed := e.cfg.Now().Sub(r.started)
	r.log.WithFields(logrus.Fields{
		"record_id":     r.req.RecordID,
		"duration_ms":   elapsed.Milliseconds(),
		"with_analysis": r.analysis != "",
	}).Info("pipeline completed")
	return types.PipelineResult{
		RecordID:         r.req.RecordID,
		Transcript:       r.transcript,
		Analysis:         r.analysis,
		RequestID:        requestID,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}, nil
}

func (e *Executor) runStage(ctx context.Context, r *run, st stage) error {
	log := r.log.WithField("stage", st.name)
	if r.req.RecordID != "" {
		log = log.WithField("record_id", r.req.RecordID)
	}
	start := time.Now()
	log.Debug("stage started")

	err := st.exec(ctx, r)
	log = log.WithField("duration_ms", time.Since(start).Milliseconds())
	if err == nil {
		log.Debug("stage finished")
		return nil
	}

	defaults := map[string]any{"stage": st.name}
	if st.provider != "" {
		defaults["provider"] = st.provider
	}
	err = apperr.AnnotateMissing(err, defaults)
	md := map[string]any{"request_id": r.requestID}
	if r.req.RecordID != "" {
		md["record_id"] = r.req.RecordID
	}
	return apperr.Annotate(err, md)
}

func (e *Executor) parse(ctx context.Context, r *run) error {
	req, err := ParseRequest(r.payload)
	if err != nil {
		return err
	}
	r.req = req
	return nil
}

func (e *Executor) resolve(ctx context.Context, r *run) error {
	if isHTTPURL(r.req.RecordingURL) {
		r.url = r.req.RecordingURL
		return nil
	}
	if r.req.RecordingURL != "" {
		r.log.WithField("recording_ref", r.req.RecordingURL).Warn("ignoring unusable recording url, resolving from CRM")
	}
	url, err := e.resolver.Resolve(ctx, r.req.RecordID)
	if err != nil {
		if apperr.TextCode(err) == apperr.CodeInternal {
			return apperr.Resolution(err, "could not resolve recording url")
		}
		return err
	}
	r.url = url
	return nil
}

func (e *Executor) download(ctx context.Context, r *run) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return apperr.Download(err, "invalid recording url")
	}
	resp, err := e.cfg.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return apperr.Download(err, fmt.Sprintf("recording download timed out after %s", e.cfg.DownloadTimeout))
		}
		return apperr.Download(err, "recording download failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.Download(nil, fmt.Sprintf("recording download failed: http %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.cfg.MaxDownloadBytes+1))
	if err != nil {
		return apperr.Download(err, "recording download interrupted")
	}
	if int64(len(data)) > e.cfg.MaxDownloadBytes {
		return apperr.Download(nil, fmt.Sprintf("recording exceeds %d bytes", e.cfg.MaxDownloadBytes))
	}
	if len(data) == 0 {
		return apperr.Download(nil, "recording download returned an empty body")
	}
	r.artifact.Bytes = data
	r.artifact.ContentType = resp.Header.Get("Content-Type")
	r.log.WithField("bytes", len(data)).Info("recording downloaded")
	return nil
}

func (e *Executor) detect(ctx context.Context, r *run) error {
	r.artifact.Extension = format.Detect(r.artifact.Bytes, r.artifact.ContentType, r.url)
	return nil
}

func (e *Executor) persist(ctx context.Context, r *run) error {
	if err := os.MkdirAll(e.cfg.TempDir, 0o755); err != nil {
		return apperr.Internal(err, "could not create temp directory")
	}
	name := fmt.Sprintf("%s_%d_%s.%s",
		unsafeFileChars.ReplaceAllString(r.req.RecordID, "_"),
		e.cfg.Now().UnixMilli(),
		unsafeFileChars.ReplaceAllString(r.requestID, "_"),
		r.artifact.Extension,
	)
	path := filepath.Join(e.cfg.TempDir, name)
	// path is recorded before the write so a partial file is still cleaned up
	r.artifact.Path = path
	if err := e.writeFile(path, r.artifact.Bytes, 0o600); err != nil {
		return apperr.Internal(err, "could not write audio to temp file")
	}
	return nil
}

func (e *Executor) transcribe(ctx context.Context, r *run) error {
	text, err := e.transcriber.Transcribe(ctx, r.artifact.Path, transcription.Options{
		Translate: r.req.Translate,
		Language:  r.req.Language,
	})
	if err != nil {
		return apperr.Transcription(err, "transcription failed")
	}
	if strings.TrimSpace(text) == "" {
		return apperr.Transcription(transcription.ErrEmptyTranscript, "transcription returned empty text")
	}
	r.transcript = text
	return nil
}

// analyze never fails the run.
func (e *Executor) analyze(ctx context.Context, r *run) error {
	if e.analyzer == nil {
		return nil
	}
	analysis, err := e.analyzer.Analyze(ctx, r.transcript)
	if err != nil {
		r.log.WithField("error", err.Error()).Warn("analysis failed, continuing without it")
		return nil
	}
	r.analysis = analysis
	return nil
}

func (e *Executor) update(ctx context.Context, r *run) error {
	err := e.updater.Update(ctx, r.req.RecordID, r.transcript, r.analysis)
	if err != nil && apperr.TextCode(err) == apperr.CodeInternal {
		return apperr.CRMUpdate(err, "failed to update CRM record")
	}
	return err
}

func (e *Executor) cleanup(r *run) {
	if r.artifact.Path == "" {
		return
	}
	if err := os.Remove(r.artifact.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.log.WithFields(logrus.Fields{
			"path":  r.artifact.Path,
			"error": err.Error(),
		}).Error("failed to remove temp audio")
		return
	}
	r.log.WithField("path", r.artifact.Path).Debug("temp audio removed")
}

func isHTTPURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
