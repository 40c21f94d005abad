package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"crm-voice-sync/internal/apperr"
	"crm-voice-sync/internal/logger"
	"crm-voice-sync/internal/transcription"
)

type fakeResolver struct {
	resolve func(ctx context.Context, recordID string) (string, error)
	calls   int
}

func (f *fakeResolver) Resolve(ctx context.Context, recordID string) (string, error) {
	f.calls++
	return f.resolve(ctx, recordID)
}

type fakeTranscriber struct {
	transcribe func(ctx context.Context, path string, opts transcription.Options) (string, error)
}

func (f fakeTranscriber) Transcribe(ctx context.Context, path string, opts transcription.Options) (string, error) {
	return f.transcribe(ctx, path, opts)
}

type fakeAnalyzer struct {
	analyze func(ctx context.Context, transcript string) (string, error)
}

func (f fakeAnalyzer) Analyze(ctx context.Context, transcript string) (string, error) {
	return f.analyze(ctx, transcript)
}

type fakeUpdater struct {
	update func(ctx context.Context, recordID, transcript, analysis string) error
	got    []string
}

func (f *fakeUpdater) Update(ctx context.Context, recordID, transcript, analysis string) error {
	f.got = []string{recordID, transcript, analysis}
	return f.update(ctx, recordID, transcript, analysis)
}

func audioServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing.mp3":
			http.NotFound(w, r)
		case "/empty.mp3":
			w.WriteHeader(http.StatusOK)
		default:
			w.Header().Set("Content-Type", "audio/wav")
			io.WriteString(w, "RIFF\x00\x00\x00\x00WAVEfmt data")
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func okTranscriber(t *testing.T) fakeTranscriber {
	return fakeTranscriber{transcribe: func(ctx context.Context, path string, opts transcription.Options) (string, error) {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("artifact missing during transcription: %v", err)
		}
		return "hello world", nil
	}}
}

func okUpdater() *fakeUpdater {
	return &fakeUpdater{update: func(context.Context, string, string, string) error { return nil }}
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("read temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("temp dir not empty: %d entries left", len(entries))
	}
}

func TestExecutor_EndToEnd(t *testing.T) {
	srv := audioServer(t)
	tmp := filepath.Join(t.TempDir(), "audio")
	updater := okUpdater()
	var seenPath string
	transcriber := fakeTranscriber{transcribe: func(ctx context.Context, path string, opts transcription.Options) (string, error) {
		seenPath = path
		return "hello world", nil
	}}
	exec := New(&fakeResolver{}, transcriber, nil, updater, Config{TempDir: tmp, Log: logger.Discard()})

	res, err := exec.Run(context.Background(), "req-1", map[string]any{
		"Call_Record_ID":     "REC123",
		"Call_Recording_URL": srv.URL + "/call.mp3",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.RecordID != "REC123" || res.Transcript != "hello world" || res.RequestID != "req-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	// declared audio/wav wins over the .mp3 url
	if !strings.HasSuffix(seenPath, ".wav") || !strings.HasPrefix(filepath.Base(seenPath), "REC123_") {
		t.Fatalf("artifact path = %q", seenPath)
	}
	if updater.got[0] != "REC123" || updater.got[1] != "hello world" || updater.got[2] != "" {
		t.Fatalf("update args = %v", updater.got)
	}
	assertEmptyDir(t, tmp)
}

func TestExecutor_ResolvesWhenURLMissing(t *testing.T) {
	srv := audioServer(t)
	resolver := &fakeResolver{resolve: func(ctx context.Context, recordID string) (string, error) {
		if recordID != "REC9" {
			t.Errorf("record id = %q", recordID)
		}
		return srv.URL + "/resolved.wav", nil
	}}
	exec := New(resolver, okTranscriber(t), nil, okUpdater(), Config{TempDir: t.TempDir(), Log: logger.Discard()})

	if _, err := exec.Run(context.Background(), "req-2", map[string]any{"recordId": "REC9"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if resolver.calls != 1 {
		t.Fatalf("resolver calls = %d, want 1", resolver.calls)
	}
}

func TestExecutor_AnalysisFailureIsNotFatal(t *testing.T) {
	srv := audioServer(t)
	updater := okUpdater()
	analyzer := fakeAnalyzer{analyze: func(context.Context, string) (string, error) {
		return "", errors.New("model overloaded")
	}}
	exec := New(&fakeResolver{}, okTranscriber(t), analyzer, updater, Config{TempDir: t.TempDir(), Log: logger.Discard()})

	res, err := exec.Run(context.Background(), "req-3", map[string]any{"recordId": "R1", "recordingUrl": srv.URL + "/a.mp3"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Analysis != "" || updater.got[2] != "" {
		t.Fatalf("analysis should be dropped, got %q / %q", res.Analysis, updater.got[2])
	}
}

func TestExecutor_CleansUpOnEveryFailure(t *testing.T) {
	srv := audioServer(t)
	failResolver := &fakeResolver{resolve: func(context.Context, string) (string, error) {
		return "", apperr.Annotate(apperr.Resolution(nil, "no recording"), map[string]any{"provider": "telephony"})
	}}
	failTranscriber := fakeTranscriber{transcribe: func(ctx context.Context, path string, opts transcription.Options) (string, error) {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("artifact missing during transcription: %v", err)
		}
		return "", &transcription.StatusError{StatusCode: 500, Body: "boom"}
	}}
	blankTranscriber := fakeTranscriber{transcribe: func(context.Context, string, transcription.Options) (string, error) {
		return "   ", nil
	}}
	failUpdater := &fakeUpdater{update: func(context.Context, string, string, string) error {
		return apperr.CRMUpdate(errors.New("INVALID_DATA"), "failed to update CRM record")
	}}

	tests := []struct {
		name         string
		payload      map[string]any
		resolver     *fakeResolver
		transcriber  fakeTranscriber
		updater      *fakeUpdater
		blockTempDir bool
		wantCode     string
		wantStage    string
		wantProvider string
	}{
		{"parse", map[string]any{"foo": "bar"}, &fakeResolver{}, okTranscriber(t), okUpdater(), false, apperr.CodeValidation, "parse", ""},
		{"resolve", map[string]any{"recordId": "R1"}, failResolver, okTranscriber(t), okUpdater(), false, apperr.CodeResolution, "resolve", ProviderTelephony},
		{"download", map[string]any{"recordId": "R1", "recordingUrl": srv.URL + "/missing.mp3"}, &fakeResolver{}, okTranscriber(t), okUpdater(), false, apperr.CodeDownload, "download", ProviderRecordingHost},
		{"download empty", map[string]any{"recordId": "R1", "recordingUrl": srv.URL + "/empty.mp3"}, &fakeResolver{}, okTranscriber(t), okUpdater(), false, apperr.CodeDownload, "download", ProviderRecordingHost},
		{"persist", map[string]any{"recordId": "R1", "recordingUrl": srv.URL + "/a.mp3"}, &fakeResolver{}, okTranscriber(t), okUpdater(), true, apperr.CodeInternal, "persist", ProviderFilesystem},
		{"transcribe", map[string]any{"recordId": "R1", "recordingUrl": srv.URL + "/a.mp3"}, &fakeResolver{}, failTranscriber, okUpdater(), false, apperr.CodeTranscription, "transcribe", ProviderSpeechToText},
		{"blank transcript", map[string]any{"recordId": "R1", "recordingUrl": srv.URL + "/a.mp3"}, &fakeResolver{}, blankTranscriber, okUpdater(), false, apperr.CodeTranscription, "transcribe", ProviderSpeechToText},
		{"update", map[string]any{"recordId": "R1", "recordingUrl": srv.URL + "/a.mp3"}, &fakeResolver{}, okTranscriber(t), failUpdater, false, apperr.CodeCRMUpdate, "update", ProviderCRM},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			tmp := filepath.Join(root, "audio")
			if tt.blockTempDir {
				if err := os.WriteFile(tmp, []byte("not a dir"), 0o600); err != nil {
					t.Fatalf("block temp dir: %v", err)
				}
			}
			exec := New(tt.resolver, tt.transcriber, nil, tt.updater, Config{TempDir: tmp, Log: logger.Discard()})

			_, err := exec.Run(context.Background(), "req-x", tt.payload)
			if !apperr.Is(err, tt.wantCode) {
				t.Fatalf("expected %s, got %v (%s)", tt.wantCode, err, apperr.TextCode(err))
			}
			if stage, _ := apperr.Metadata(err, "stage"); stage != tt.wantStage {
				t.Fatalf("stage = %v, want %s", stage, tt.wantStage)
			}
			if tt.wantProvider != "" {
				if provider, _ := apperr.Metadata(err, "provider"); provider != tt.wantProvider {
					t.Fatalf("provider = %v, want %s", provider, tt.wantProvider)
				}
			}
			if requestID, _ := apperr.Metadata(err, "request_id"); requestID != "req-x" {
				t.Fatalf("request_id = %v", requestID)
			}
			if !tt.blockTempDir {
				assertEmptyDir(t, tmp)
			}
		})
	}
}

func TestExecutor_RemovesPartialFileWhenWriteFails(t *testing.T) {
	srv := audioServer(t)
	tmp := filepath.Join(t.TempDir(), "audio")
	exec := New(&fakeResolver{}, okTranscriber(t), nil, okUpdater(), Config{TempDir: tmp, Log: logger.Discard()})
	var partial string
	exec.writeFile = func(name string, data []byte, perm os.FileMode) error {
		partial = name
		if err := os.WriteFile(name, data[:len(data)/2], perm); err != nil {
			return err
		}
		return errors.New("no space left on device")
	}

	_, err := exec.Run(context.Background(), "req-partial", map[string]any{"recordId": "R1", "recordingUrl": srv.URL + "/a.mp3"})
	if !apperr.Is(err, apperr.CodeInternal) {
		t.Fatalf("expected %s, got %v", apperr.CodeInternal, err)
	}
	if stage, _ := apperr.Metadata(err, "stage"); stage != "persist" {
		t.Fatalf("stage = %v, want persist", stage)
	}
	if partial == "" {
		t.Fatal("write was never attempted")
	}
	if _, err := os.Stat(partial); !os.IsNotExist(err) {
		t.Fatalf("partial file still present: %v", err)
	}
	assertEmptyDir(t, tmp)
}

func TestExecutor_DownloadTimeout(t *testing.T) {
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)

	tmp := t.TempDir()
	exec := New(&fakeResolver{}, okTranscriber(t), nil, okUpdater(), Config{
		TempDir:         tmp,
		DownloadTimeout: 50 * time.Millisecond,
		Log:             logger.Discard(),
	})
	_, err := exec.Run(context.Background(), "req-t", map[string]any{"recordId": "R1", "recordingUrl": slow.URL + "/a.mp3"})
	if !apperr.Is(err, apperr.CodeDownload) {
		t.Fatalf("expected download error, got %v", err)
	}
	assertEmptyDir(t, tmp)
}

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name      string
		payload   map[string]any
		wantID    string
		wantURL   string
		translate *bool
		wantErr   bool
	}{
		{"canonical keys", map[string]any{"Call_Record_ID": "A", "Call_Recording_URL": "https://x/a.mp3"}, "A", "https://x/a.mp3", nil, false},
		{"first alias wins", map[string]any{"Call_Record_ID": "A", "recordId": "B"}, "A", "", nil, false},
		{"empty alias skipped", map[string]any{"Call_Record_ID": " ", "call_record_id": "C"}, "C", "", nil, false},
		{"numeric id", map[string]any{"recordId": json.Number("4876876000012345678")}, "4876876000012345678", "", nil, false},
		{"form values", map[string]any{"recordId": []string{"F"}, "translate": []string{"true"}}, "F", "", boolPtr(true), false},
		{"translate string", map[string]any{"recordId": "T", "Translate": "no"}, "T", "", boolPtr(false), false},
		{"missing id", map[string]any{"recordingUrl": "https://x/a.mp3"}, "", "", nil, true},
		{"bad translate", map[string]any{"recordId": "T", "translate": "maybe"}, "", "", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRequest(tt.payload)
			if tt.wantErr {
				if !apperr.Is(err, apperr.CodeValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseRequest() error = %v", err)
			}
			if got.RecordID != tt.wantID || got.RecordingURL != tt.wantURL {
				t.Fatalf("ParseRequest() = %+v", got)
			}
			if (got.Translate == nil) != (tt.translate == nil) || (got.Translate != nil && *got.Translate != *tt.translate) {
				t.Fatalf("translate = %v, want %v", got.Translate, tt.translate)
			}
		})
	}
}

func boolPtr(b bool) *bool { return &b }
