package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/fieldqueue/internal/config"
	"github.com/austindbirch/fieldqueue/internal/contacts"
	"github.com/austindbirch/fieldqueue/internal/logging"
)

func TestMain(m *testing.M) {
	logging.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		length   int
		expected string
	}{
		{
			name:     "string shorter than limit",
			input:    "hello",
			length:   10,
			expected: "hello",
		},
		{
			name:     "string equal to limit",
			input:    "hello",
			length:   5,
			expected: "hello",
		},
		{
			name:     "string longer than limit",
			input:    "hello world",
			length:   5,
			expected: "hello...",
		},
		{
			name:     "empty string",
			input:    "",
			length:   5,
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := truncate(tt.input, tt.length)
			if result != tt.expected {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.length, result, tt.expected)
			}
		})
	}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestFailFirstN(t *testing.T) {
	cfg := config.FakeAPI{FailFirstN: 2}
	h := newHandler(cfg, contacts.NewMemoryLog())

	want := []int{http.StatusInternalServerError, http.StatusInternalServerError, http.StatusOK}
	for i, status := range want {
		w := do(t, h, http.MethodPost, "/api/call", `{"voter_id":"V1"}`)
		if w.Code != status {
			t.Errorf("request %d status = %d, want %d", i+1, w.Code, status)
		}
		if status == http.StatusInternalServerError && !strings.Contains(w.Body.String(), "temporary failure") {
			t.Errorf("request %d body = %q, want temporary failure", i+1, w.Body.String())
		}
	}
}

func TestProbesAreNeverFailed(t *testing.T) {
	h := newHandler(config.FakeAPI{FailFirstN: 100}, contacts.NewMemoryLog())

	for _, path := range []string{"/api/ping", "/healthz"} {
		w := do(t, h, http.MethodGet, path, "")
		if w.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, w.Code)
		}
	}
}

func TestReplayedWriteIsDuplicate(t *testing.T) {
	log := contacts.NewMemoryLog()
	h := newHandler(config.FakeAPI{}, log)

	first := do(t, h, http.MethodPost, "/api/canvass", `{"voter_id":"V9","action":"door knock"}`)
	second := do(t, h, http.MethodPost, "/api/canvass", `{"voter_id":"V9","action":"door knock"}`)

	for i, w := range []*httptest.ResponseRecorder{first, second} {
		if w.Code != http.StatusOK {
			t.Fatalf("write %d status = %d, want 200 (%s)", i+1, w.Code, w.Body.String())
		}
	}
	var out map[string]any
	if err := json.Unmarshal(second.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out["duplicate"] != true {
		t.Errorf("second write duplicate = %v, want true", out["duplicate"])
	}

	rows := log.Contacts()
	if len(rows) != 1 {
		t.Fatalf("stored %d contacts, want 1", len(rows))
	}
	if rows[0].Volunteer != devVolunteer || rows[0].Outcome != "Contacted" {
		t.Errorf("stored contact = %+v", rows[0])
	}
}

func TestDebugContacts(t *testing.T) {
	h := newHandler(config.FakeAPI{}, contacts.NewMemoryLog())

	w := do(t, h, http.MethodGet, "/debug/contacts", "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("empty listing = %q, want []", w.Body.String())
	}

	do(t, h, http.MethodPost, "/api/pulse", `{"voter_id":"V3","contact_method":"sms","consent_source":"webform"}`)
	w = do(t, h, http.MethodGet, "/debug/contacts", "")
	var rows []contacts.Contact
	if err := json.Unmarshal(w.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if len(rows) != 1 || rows[0].Channel != contacts.ChannelPulse {
		t.Errorf("listing = %+v", rows)
	}
}

func TestDelay(t *testing.T) {
	h := newHandler(config.FakeAPI{ResponseDelayMS: 100}, contacts.NewMemoryLog())

	start := time.Now()
	w := do(t, h, http.MethodPost, "/api/call", `{"voter_id":"V1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("write answered after %v, want at least 100ms", elapsed)
	}

	start = time.Now()
	do(t, h, http.MethodGet, "/api/ping", "")
	if elapsed := time.Since(start); elapsed >= 100*time.Millisecond {
		t.Errorf("ping answered after %v, want no injected delay", elapsed)
	}
}
