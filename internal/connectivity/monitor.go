// Package connectivity decides when queued writes are replayed.
package connectivity

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/austindbirch/fieldqueue/internal/logging"
	"github.com/austindbirch/fieldqueue/internal/metrics"
)

// Monitor tracks whether the upstream API is reachable. It starts offline,
// so the first successful probe counts as a transition to online.
type Monitor struct {
	probeURL string
	interval time.Duration
	client   *http.Client
	logger   *logging.Logger

	mu        sync.RWMutex
	online    bool
	listeners []func(online bool)
}

func NewMonitor(probeURL string, interval time.Duration, client *http.Client) *Monitor {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{
		probeURL: probeURL,
		interval: interval,
		client:   client,
		logger:   logging.New("connectivity"),
	}
}

// OnChange registers fn for offline/online transitions.
func (m *Monitor) OnChange(fn func(online bool)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Report records an observation, from a probe or from proxied traffic.
// Listeners run synchronously and only when the state changes.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()

	metrics.UpdateUpstreamOnline(online)
	m.logger.Plain().WithField("online", online).Info("upstream connectivity changed")
	for _, fn := range listeners {
		fn(online)
	}
}

// Probe requests the probe URL once. Any HTTP response means online.
func (m *Monitor) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, nil)
	if err != nil {
		m.Report(false)
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.Report(false)
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()
	m.Report(true)
	return true
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
