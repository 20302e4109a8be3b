package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/fieldqueue/internal/deadletter"
	"github.com/austindbirch/fieldqueue/internal/logging"
	"github.com/austindbirch/fieldqueue/internal/queue"
)

func TestMain(m *testing.M) {
	logging.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func TestUpdateMetrics(t *testing.T) {
	testCases := []struct {
		name         string
		payload      string
		status       int
		wantErr      bool
		wantBacklog  float64
		wantDepth    map[string]float64
		wantInflight map[string]float64
	}{
		{
			name: "audit channel sets backlog",
			payload: `{
				"topics": [
					{
						"topic_name": "submissions_dlq",
						"channels": [
							{"channel_name": "audit", "depth": 7, "in_flight_count": 1},
							{"channel_name": "archive", "depth": 2, "in_flight_count": 0}
						],
						"depth": 9
					},
					{
						"topic_name": "other",
						"channels": [{"channel_name": "audit", "depth": 99, "in_flight_count": 99}]
					}
				]
			}`,
			wantBacklog:  7,
			wantDepth:    map[string]float64{"audit": 7, "archive": 2},
			wantInflight: map[string]float64{"audit": 1, "archive": 0},
		},
		{
			name: "no audit channel leaves backlog",
			payload: `{
				"topics": [
					{
						"topic_name": "submissions_dlq",
						"channels": [{"channel_name": "archive", "depth": 5, "in_flight_count": 2}]
					}
				]
			}`,
			wantDepth:    map[string]float64{"archive": 5},
			wantInflight: map[string]float64{"archive": 2},
		},
		{
			name:    "invalid payload returns error",
			payload: `invalid-json`,
			wantErr: true,
		},
		{
			name:    "non-200 returns error",
			status:  http.StatusInternalServerError,
			payload: `{}`,
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := newMonitor("submissions_dlq", "audit", prometheus.NewRegistry())

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/stats" {
					t.Errorf("unexpected path %q", r.URL.Path)
				}
				if r.URL.Query().Get("topic") != "submissions_dlq" {
					t.Errorf("topic filter = %q", r.URL.Query().Get("topic"))
				}
				if tc.status != 0 {
					w.WriteHeader(tc.status)
				}
				_, _ = w.Write([]byte(tc.payload))
			}))
			defer server.Close()

			err := m.updateMetrics(context.Background(), strings.TrimPrefix(server.URL, "http://"))
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("updateMetrics returned error: %v", err)
			}

			if got := testutil.ToFloat64(m.backlog); got != tc.wantBacklog {
				t.Errorf("backlog = %v, want %v", got, tc.wantBacklog)
			}
			for ch, want := range tc.wantDepth {
				if got := testutil.ToFloat64(m.channelDepth.WithLabelValues(ch)); got != want {
					t.Errorf("channelDepth[%s] = %v, want %v", ch, got, want)
				}
			}
			for ch, want := range tc.wantInflight {
				if got := testutil.ToFloat64(m.channelInflight.WithLabelValues(ch)); got != want {
					t.Errorf("channelInflight[%s] = %v, want %v", ch, got, want)
				}
			}
		})
	}
}

func TestHandleMessage(t *testing.T) {
	m := newMonitor("submissions_dlq", "audit", prometheus.NewRegistry())

	envelope := func(typ queue.Type, status int) []byte {
		env := deadletter.NewEnvelope(queue.Operation{ID: 4, Endpoint: "/api/" + string(typ), Type: typ}, 5, status, "", "ceiling")
		env.Device = "tablet-1"
		b, err := json.Marshal(env)
		if err != nil {
			t.Fatalf("marshal envelope: %v", err)
		}
		return b
	}

	messages := [][]byte{
		envelope(queue.TypeCanvass, http.StatusBadRequest),
		envelope(queue.TypeCanvass, http.StatusUnprocessableEntity),
		envelope(queue.TypePulse, 0),
		[]byte(`not json`),
		[]byte(`{"type":"delivery.dlq"}`),
	}
	for _, body := range messages {
		if err := m.handleMessage(context.Background(), body); err != nil {
			t.Errorf("handleMessage() error = %v, want nil so the message is finished", err)
		}
	}

	if got := testutil.ToFloat64(m.received.WithLabelValues("canvass", "rejected")); got != 2 {
		t.Errorf("received[canvass,rejected] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.received.WithLabelValues("pulse", "network")); got != 1 {
		t.Errorf("received[pulse,network] = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.malformed); got != 2 {
		t.Errorf("malformed = %v, want 2", got)
	}
}

func TestPoll_StopsOnCancel(t *testing.T) {
	m := newMonitor("submissions_dlq", "audit", prometheus.NewRegistry())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"topics":[]}`))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.poll(ctx, strings.TrimPrefix(server.URL, "http://"), 10*time.Millisecond) }()
	cancel()
	if err := <-done; err != nil {
		t.Errorf("poll() error = %v", err)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate() = %q", got)
	}
	if got := truncate("abcdefgh", 3); got != "abc..." {
		t.Errorf("truncate() = %q, want abc...", got)
	}
}
