// Package agent is the background execution context: it sits between pages
// and the field API, captures writes that cannot reach the network, and
// answers pages over a message channel.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/fieldqueue/internal/connectivity"
	"github.com/austindbirch/fieldqueue/internal/health"
	"github.com/austindbirch/fieldqueue/internal/logging"
	"github.com/austindbirch/fieldqueue/internal/metrics"
	"github.com/austindbirch/fieldqueue/internal/queue"
)

type Options struct {
	Upstream  string        // base URL of the field API
	Timeout   time.Duration // foreground request timeout
	Transport http.RoundTripper
	Health    map[string]health.Pinger
	Gatherer  prometheus.Gatherer // serves /metrics when set
}

type Agent struct {
	q        queue.Queue
	coord    *connectivity.Coordinator
	monitor  *connectivity.Monitor
	hub      *Hub
	upstream *url.URL
	opts     Options
	logger   *logging.Logger
}

func New(q queue.Queue, coord *connectivity.Coordinator, monitor *connectivity.Monitor, hub *Hub, opts Options) (*Agent, error) {
	u, err := url.Parse(opts.Upstream)
	if err != nil {
		return nil, fmt.Errorf("parse upstream: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream %q must be an absolute URL", opts.Upstream)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	return &Agent{
		q:        q,
		coord:    coord,
		monitor:  monitor,
		hub:      hub,
		upstream: u,
		opts:     opts,
		logger:   logging.New("agent"),
	}, nil
}

// Handler serves the intercepted API surface, the page channel and the
// agent-local endpoints.
func (a *Agent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/", a.proxy())
	mux.HandleFunc("/agent/ws", a.serveWS)
	mux.HandleFunc("GET /agent/status", a.handleStatus)
	mux.HandleFunc("POST /agent/sync", a.handleSync)
	mux.HandleFunc("GET /agent/queue", a.handleListQueue)
	mux.HandleFunc("DELETE /agent/queue", a.handleClearQueue)
	mux.HandleFunc("GET /agent/dead", a.handleListDead)
	mux.HandleFunc("DELETE /agent/dead", a.handleClearDead)
	mux.HandleFunc("/healthz", health.HTTPHandler(a.opts.Health))
	if a.opts.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(a.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Handle processes one page message. The second result is false when the
// message has no reply.
func (a *Agent) Handle(ctx context.Context, msg Message) (Message, bool) {
	switch msg.Type {
	case MsgQueueSubmission:
		var sub queue.Submission
		if len(msg.Data) == 0 {
			return errorReply(msg, "QUEUE_SUBMISSION requires data"), true
		}
		if err := json.Unmarshal(msg.Data, &sub); err != nil {
			return errorReply(msg, "invalid submission: %v", err), true
		}
		if sub.Endpoint == "" {
			return errorReply(msg, "submission endpoint is required"), true
		}
		if sub.Type != "" && !sub.Type.Valid() {
			return errorReply(msg, "unknown submission type %q", sub.Type), true
		}
		if sub.Method == "" {
			sub.Method = http.MethodPost
		}
		if len(sub.Body) > 0 && !json.Valid(sub.Body) {
			return errorReply(msg, "submission body must be JSON"), true
		}
		if _, err := a.queueSubmission(ctx, sub); err != nil {
			return errorReply(msg, "queue submission: %v", err), true
		}
		return Message{}, false

	case MsgGetQueueStatus:
		st, err := a.coord.GetQueueStatus(ctx)
		if err != nil {
			return errorReply(msg, "queue status: %v", err), true
		}
		return reply(msg, MsgQueueStatus, st), true

	case MsgForceSync:
		a.coord.ForceSyncAsync()
		return Message{}, false

	default:
		return errorReply(msg, "unsupported message type %q", msg.Type), true
	}
}

// queueSubmission stores sub, asks for a deferred sync and tells every page.
func (a *Agent) queueSubmission(ctx context.Context, sub queue.Submission) (SubmissionQueued, error) {
	id, err := a.q.SavePending(ctx, sub)
	if err != nil {
		a.logger.WithContext(ctx).WithEndpoint(sub.Endpoint).WithError(err).Error("save pending failed")
		return SubmissionQueued{}, err
	}

	// best-effort; without deferred sync the page's force sync drains it
	if err := a.coord.RegisterSync(); errors.Is(err, connectivity.ErrUnsupported) {
		a.logger.WithContext(ctx).WithOperation(id).Debug("deferred sync unsupported")
	}

	typ := queue.Classify(sub.Endpoint)
	if sub.Type != "" {
		typ = sub.Type
	}
	queued := SubmissionQueued{ID: id, Type: typ, Endpoint: sub.Endpoint, Durable: a.q.Durable()}

	metrics.RecordQueued(string(typ))
	a.logger.WithContext(ctx).
		WithOperation(id).
		WithEndpoint(sub.Endpoint).
		WithField("type", typ).
		WithField("durable", queued.Durable).
		Info("submission queued for sync")

	a.hub.notify(MsgSubmissionQueued, queued)
	return queued, nil
}

func (a *Agent) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.coord.GetQueueStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *Agent) handleSync(w http.ResponseWriter, r *http.Request) {
	res, err := a.coord.ForceSync(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *Agent) handleListQueue(w http.ResponseWriter, r *http.Request) {
	ops, err := a.q.GetPending(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if ops == nil {
		ops = []queue.Operation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

func (a *Agent) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	if err := a.q.ClearAllPending(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	metrics.UpdateQueueDepth(0)
	a.logger.WithContext(r.Context()).Warn("pending queue cleared by operator")
	w.WriteHeader(http.StatusNoContent)
}

func (a *Agent) handleListDead(w http.ResponseWriter, r *http.Request) {
	dead, err := a.q.DeadLetters(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if dead == nil {
		dead = []queue.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, dead)
}

func (a *Agent) handleClearDead(w http.ResponseWriter, r *http.Request) {
	if err := a.q.ClearDeadLetters(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
}
