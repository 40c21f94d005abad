package recording

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"crm-voice-sync/internal/apperr"
	"crm-voice-sync/internal/logger"
)

type fakeRecords struct {
	record map[string]any
	err    error
}

func (f fakeRecords) GetRecord(ctx context.Context, recordID string) (map[string]any, error) {
	return f.record, f.err
}

type fakeLookup struct {
	calls int
	ids   []string
	fetch func(id string) ([]byte, error)
}

func (f *fakeLookup) FetchRecording(ctx context.Context, id string) ([]byte, error) {
	f.calls++
	f.ids = append(f.ids, id)
	return f.fetch(id)
}

func newTestResolver(record map[string]any, lookup *fakeLookup) *Resolver {
	return NewResolver(fakeRecords{record: record}, lookup, ResolverConfig{
		RecordingField: "Voice_Recording",
		ReauthDomains:  []string{"api.telephony.example"},
		Log:            logger.Discard(),
	})
}

func TestResolver_PassesThroughDirectURL(t *testing.T) {
	lookup := &fakeLookup{fetch: func(string) ([]byte, error) { return nil, errors.New("unexpected") }}
	r := newTestResolver(map[string]any{"Voice_Recording": "  https://cdn.example.com/a.mp3 "}, lookup)

	got, err := r.Resolve(context.Background(), "REC1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "https://cdn.example.com/a.mp3" {
		t.Fatalf("Resolve() = %q", got)
	}
	if lookup.calls != 0 {
		t.Fatalf("telephony calls = %d, want 0", lookup.calls)
	}
}

func TestResolver_ReauthDomainGoesThroughTelephony(t *testing.T) {
	lookup := &fakeLookup{fetch: func(id string) ([]byte, error) {
		return []byte(`{"status":"ok","data":"{\"recording\":{\"secure_url\":\"https://secure.example.com/r.wav?sig=abc\"}}"}`), nil
	}}
	ref := "https://api.telephony.example/v1/recording/11aff2d5-39e7-4a0b-b7cd-461fde93f44c?serviceID=9"
	r := newTestResolver(map[string]any{"Voice_Recording": ref}, lookup)

	got, err := r.Resolve(context.Background(), "REC1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "https://secure.example.com/r.wav?sig=abc" {
		t.Fatalf("Resolve() = %q", got)
	}
	if len(lookup.ids) != 1 || lookup.ids[0] != "11aff2d5-39e7-4a0b-b7cd-461fde93f44c" {
		t.Fatalf("lookup ids = %v", lookup.ids)
	}
}

func TestResolver_MissingReference(t *testing.T) {
	r := newTestResolver(map[string]any{"Voice_Recording": ""}, &fakeLookup{})
	_, err := r.Resolve(context.Background(), "REC1")
	if !apperr.Is(err, apperr.CodeResolution) {
		t.Fatalf("expected resolution error, got %v", err)
	}
}

func TestResolver_RecordLookupFailure(t *testing.T) {
	r := NewResolver(fakeRecords{err: errors.New("crm: record not found")}, &fakeLookup{}, ResolverConfig{Log: logger.Discard()})
	_, err := r.Resolve(context.Background(), "REC1")
	if !apperr.Is(err, apperr.CodeResolution) {
		t.Fatalf("expected resolution error, got %v", err)
	}
	if provider, _ := apperr.Metadata(err, "provider"); provider != "crm" {
		t.Fatalf("provider = %v, want crm", provider)
	}
}

func TestResolver_NoSecuredURL(t *testing.T) {
	lookup := &fakeLookup{fetch: func(string) ([]byte, error) { return []byte(`{"status":"pending"}`), nil }}
	r := newTestResolver(map[string]any{"Voice_Recording": "11aff2d5-39e7-4a0b-b7cd-461fde93f44c"}, lookup)

	_, err := r.Resolve(context.Background(), "REC1")
	if !apperr.Is(err, apperr.CodeResolution) {
		t.Fatalf("expected resolution error, got %v", err)
	}
	if provider, _ := apperr.Metadata(err, "provider"); provider != "telephony" {
		t.Fatalf("provider = %v, want telephony", provider)
	}
}

func TestExtractID(t *testing.T) {
	tests := []struct {
		name string
		ref  string
		want string
		ok   bool
	}{
		{"uuid after marker", "https://x.example/recording/11aff2d5-39e7-4a0b-b7cd-461fde93f44c?serviceID=9", "11aff2d5-39e7-4a0b-b7cd-461fde93f44c", true},
		{"any token after marker", "/v2/recording/abc123?x=1", "abc123", true},
		{"bare uuid", "call 11AFF2D5-39E7-4A0B-B7CD-461FDE93F44C done", "11AFF2D5-39E7-4A0B-B7CD-461FDE93F44C", true},
		{"uuid marker wins over earlier token", "/recording/x/recording/11aff2d5-39e7-4a0b-b7cd-461fde93f44c", "11aff2d5-39e7-4a0b-b7cd-461fde93f44c", true},
		{"nothing", "not a recording", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractID(tt.ref)
			if got != tt.want || ok != tt.ok {
				t.Fatalf("ExtractID(%q) = %q, %v; want %q, %v", tt.ref, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestSecuredURL_Shapes(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"flat", `{"secured_url":"https://s.example/a.mp3"}`, "https://s.example/a.mp3"},
		{"nested", `{"data":{"items":[{"meta":{"securedUrl":"https://s.example/b.mp3"}}]}}`, "https://s.example/b.mp3"},
		{"string encoded", `{"payload":"{\"link\":\"https://s.example/c.mp3\"}"}`, "https://s.example/c.mp3"},
		{"secured key beats sibling link", `{"data":{"link":"https://portal.example/calls/42","secure_url":"https://signed.example/rec.mp3?sig=abc"}}`, "https://signed.example/rec.mp3?sig=abc"},
		{"nested secured url beats top-level self link", `{"url":"https://api.telephony.example/recording/abc","data":{"secured_url":"https://signed.example/rec.mp3"}}`, "https://signed.example/rec.mp3"},
		{"recording url beats generic link", `{"link":"https://portal.example/calls/7","meta":{"recording_url":"https://cdn.example/r.wav"}}`, "https://cdn.example/r.wav"},
		{"regex fallback", `recording ready at https://s.example/d.mp3 (expires soon)`, "https://s.example/d.mp3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SecuredURL([]byte(tt.body))
			if !ok || got != tt.want {
				t.Fatalf("SecuredURL() = %q, %v; want %q", got, ok, tt.want)
			}
		})
	}
}

func TestTelephonyClient_SendsCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/recording/abc" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" || r.Header.Get("x-api-key") != "key" {
			t.Errorf("missing credentials: %v", r.Header)
		}
		io.WriteString(w, `{"secure_url":"https://s.example/a.mp3"}`)
	}))
	defer srv.Close()

	c := NewTelephonyClient(TelephonyConfig{BaseURL: srv.URL + "/", APIKey: "key", AuthToken: "tok", Log: logger.Discard()})
	body, err := c.FetchRecording(context.Background(), "abc")
	if err != nil {
		t.Fatalf("FetchRecording() error = %v", err)
	}
	if got, _ := SecuredURL(body); got != "https://s.example/a.mp3" {
		t.Fatalf("secured url = %q", got)
	}
}

func TestTelephonyClient_ClientErrorIsFinal(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewTelephonyClient(TelephonyConfig{BaseURL: srv.URL, MaxElapsed: 5 * time.Second, Log: logger.Discard()})
	_, err := c.FetchRecording(context.Background(), "abc")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 StatusError, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
