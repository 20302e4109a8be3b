package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httputil"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/fieldqueue/internal/metrics"
	"github.com/austindbirch/fieldqueue/internal/queue"
	"github.com/austindbirch/fieldqueue/internal/tracing"
)

const maxBodyBytes = 1 << 20

const (
	queuedMessage  = "Request queued for sync when online"
	offlineMessage = "Network unavailable"
)

type queuedResponse struct {
	OK      bool   `json:"ok"`
	Queued  bool   `json:"queued"`
	Durable bool   `json:"durable"`
	Message string `json:"message"`
}

type offlineResponse struct {
	OK      bool   `json:"ok"`
	Offline bool   `json:"offline"`
	Message string `json:"message"`
}

// intercepted is the inbound request as the page sent it, kept for the
// error handler.
type intercepted struct {
	endpoint string
	header   http.Header
	body     []byte
}

type interceptedKey struct{}

// Dropped from the headers stored with a queued record; the replay request
// sets its own.
var unstoredHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
	"Accept-Encoding",
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func (a *Agent) proxy() http.Handler {
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(a.upstream)
		},
		Transport: a.opts.Transport,
		ModifyResponse: func(*http.Response) error {
			a.monitor.Report(true)
			return nil
		},
		ErrorHandler: a.offline,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracing.StartSpan(r.Context(), "agent.intercept",
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		)
		defer span.End()

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, offlineResponse{Message: "could not read request body"})
			return
		}
		if len(body) > maxBodyBytes {
			writeJSON(w, http.StatusRequestEntityTooLarge, offlineResponse{Message: "request body too large"})
			return
		}

		// The page may give up first; the upstream call still runs to the
		// foreground timeout so a write is either delivered or queued.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.Timeout)
		defer cancel()
		ctx = context.WithValue(ctx, interceptedKey{}, &intercepted{
			endpoint: r.URL.RequestURI(),
			header:   r.Header.Clone(),
			body:     body,
		})

		out := r.WithContext(ctx)
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.ContentLength = int64(len(body))
		rp.ServeHTTP(w, out)
	})
}

// offline answers a request whose upstream call never produced a response.
func (a *Agent) offline(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	a.monitor.Report(false)
	tracing.SetSpanError(ctx, err)

	in, _ := ctx.Value(interceptedKey{}).(*intercepted)
	if in == nil {
		in = &intercepted{endpoint: r.URL.RequestURI(), header: r.Header}
	}
	log := a.logger.WithContext(ctx).WithEndpoint(in.endpoint).WithField("method", r.Method).WithError(err)

	if !isMutating(r.Method) {
		metrics.RecordOfflineRead()
		log.Debug("read failed while offline")
		writeJSON(w, http.StatusServiceUnavailable, offlineResponse{Offline: true, Message: offlineMessage})
		return
	}

	body := bytes.TrimSpace(in.body)
	if len(body) > 0 && !json.Valid(body) {
		log.Warn("write failed while offline, body is not JSON so it was not queued")
		writeJSON(w, http.StatusServiceUnavailable, offlineResponse{Offline: true, Message: offlineMessage})
		return
	}

	sub := queue.Submission{
		Endpoint: in.endpoint,
		Method:   r.Method,
		Headers:  captureHeaders(in.header),
	}
	if len(body) > 0 {
		sub.Body = json.RawMessage(body)
	}

	// stored with a fresh context: the request one may already be expired
	queued, qerr := a.queueSubmission(context.WithoutCancel(ctx), sub)
	if qerr != nil {
		writeJSON(w, http.StatusServiceUnavailable, offlineResponse{Offline: true, Message: offlineMessage})
		return
	}
	writeJSON(w, http.StatusAccepted, queuedResponse{Queued: true, Durable: queued.Durable, Message: queuedMessage})
}

// captureHeaders flattens the request headers for storage. Repeated values
// are joined the way they would be folded on the wire.
func captureHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vs := range h {
		out[http.CanonicalHeaderKey(k)] = strings.Join(vs, ", ")
	}
	for _, k := range unstoredHeaders {
		delete(out, k)
	}
	return out
}
