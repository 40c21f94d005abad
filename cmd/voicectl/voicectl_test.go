package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crm-voice-sync/internal/types"
)

func TestBackfillRetriesShedRowsAndRecordsFailures(t *testing.T) {
	var mu sync.Mutex
	attempts := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		id, _ := payload["recordId"].(string)
		mu.Lock()
		attempts[id]++
		n := attempts[id]
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch {
		case id == "BUSY" && n == 1:
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]any{"error": "ADMISSION_REJECTED", "retryAfter": 1})
		case id == "BROKEN":
			w.WriteHeader(http.StatusInternalServerError)
			json.NewEncoder(w).Encode(map[string]any{"error": "TRANSCRIPTION_ERROR", "requestId": "req-broken", "stage": "transcribe"})
		default:
			json.NewEncoder(w).Encode(map[string]any{"recordId": id, "transcript": "hi " + id, "requestId": "req-" + id})
		}
	}))
	defer srv.Close()

	rows := []types.BackfillRow{
		{Row: 2, RecordID: "OK1", RecordingURL: "https://cdn.example.com/1.mp3"},
		{Row: 3, RecordID: "BUSY"},
		{Row: 4, RecordID: "BROKEN"},
	}
	client := newServiceClient(srv.URL, "", 5*time.Second)
	results, err := runBackfill(context.Background(), client, rows, backfillOptions{concurrency: 2, retryFor: 10 * time.Second})
	if err != nil {
		t.Fatalf("runBackfill() error = %v", err)
	}

	if results[0].Status != 200 || results[0].Transcript != "hi OK1" || results[0].RequestID != "req-OK1" {
		t.Fatalf("row OK1 = %+v", results[0])
	}
	if results[1].Status != 200 || results[1].Error != "" {
		t.Fatalf("row BUSY = %+v", results[1])
	}
	if results[2].Status != 500 || results[2].RequestID != "req-broken" || !strings.Contains(results[2].Error, "TRANSCRIPTION_ERROR") {
		t.Fatalf("row BROKEN = %+v", results[2])
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts["BUSY"] != 2 {
		t.Fatalf("BUSY attempts = %d, want 2", attempts["BUSY"])
	}
	if attempts["BROKEN"] != 1 {
		t.Fatalf("BROKEN attempts = %d, want 1", attempts["BROKEN"])
	}
}

func TestBackfillDoesNotResubmitAfterTransportFailure(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		time.Sleep(300 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{"recordId": "SLOW", "transcript": "late"})
	}))
	defer srv.Close()

	client := newServiceClient(srv.URL, "", 50*time.Millisecond)
	results, err := runBackfill(context.Background(), client, []types.BackfillRow{{Row: 2, RecordID: "SLOW"}}, backfillOptions{concurrency: 1, retryFor: 10 * time.Second})
	if err != nil {
		t.Fatalf("runBackfill() error = %v", err)
	}
	if results[0].Error == "" || results[0].Status != 0 {
		t.Fatalf("row SLOW = %+v", results[0])
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}
}

func TestStatsCommandRendersTable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/queue/stats" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(types.QueueStats{Total: 7, Completed: 5, Failed: 1, Queued: 1, Uptime: "2m0s", Throughput: 2.5})
	}))
	defer srv.Close()

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"stats", "--server", srv.URL})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("stats: %v", err)
	}
	for _, want := range []string{"Completed", "5", "2.50", "2m0s"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestClearCommandSendsAdminToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Admin-Token") != "s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"error": "UNAUTHORIZED", "message": "invalid admin token"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"message": "queue cleared", "cleared": 3})
	}))
	defer srv.Close()

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"clear", "--server", srv.URL, "--admin-token", "s3cret"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if !strings.Contains(out.String(), "Cleared 3") {
		t.Fatalf("output = %q", out.String())
	}

	cmd = newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"clear", "--server", srv.URL, "--admin-token", "wrong"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("clear with wrong token error = %v", err)
	}
}

func TestDetectCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "call.bin")
	wav := append([]byte("RIFF\x00\x00\x00\x00WAVE"), make([]byte, 16)...)
	if err := os.WriteFile(path, wav, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"detect", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("detect: %v", err)
	}
	if strings.TrimSpace(out.String()) != "wav" {
		t.Fatalf("detect output = %q", out.String())
	}
}
