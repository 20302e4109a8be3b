package contacts

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/fieldqueue/internal/auth"
	"github.com/austindbirch/fieldqueue/internal/health"
	"github.com/austindbirch/fieldqueue/internal/logging"
	"github.com/austindbirch/fieldqueue/internal/tracing"
)

const maxBodyBytes = 1 << 20

type writeResponse struct {
	OK        bool    `json:"ok"`
	Duplicate bool    `json:"duplicate,omitempty"`
	ContactID string  `json:"contact_id"`
	Channel   Channel `json:"channel"`
	Outcome   string  `json:"outcome"`
}

type errorResponse struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// Handler serves the write endpoints.
type Handler struct {
	guard  *Guard
	lister Lister
	logger *logging.Logger
}

// NewHandler accepts a nil lister when recent contacts are not served.
func NewHandler(g *Guard, lister Lister) *Handler {
	return &Handler{guard: g, lister: lister, logger: logging.New("contacts")}
}

// Routes mounts the write endpoints. They expect a volunteer in the request
// context.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/api/call", h.call)
	r.Post("/api/canvass", h.canvass)
	r.Post("/api/pulse", h.pulse)
}

type RouterOptions struct {
	Identifier *auth.Identifier
	Health     map[string]health.Pinger
	Gatherer   prometheus.Gatherer
	// Recent serves GET /api/contacts/recent when set.
	Recent Lister
	// Middleware wraps the write endpoints only.
	Middleware []func(http.Handler) http.Handler
}

// NewRouter assembles the API: open probes plus the guarded write endpoints.
func NewRouter(g *Guard, opts RouterOptions) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", health.HTTPHandler(opts.Health))
	r.Get("/api/ping", Ping)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	h := NewHandler(g, opts.Recent)
	r.Group(func(r chi.Router) {
		if opts.Identifier != nil {
			r.Use(opts.Identifier.HTTPMiddleware)
		}
		if h.lister != nil {
			r.Get("/api/contacts/recent", h.recent)
		}
		r.Group(func(r chi.Router) {
			for _, mw := range opts.Middleware {
				r.Use(mw)
			}
			h.Routes(r)
		})
	})
	return r
}

// Ping answers connectivity probes.
func Ping(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "method": r.Method})
}

func (h *Handler) call(w http.ResponseWriter, r *http.Request) {
	body, raw, ok := decodeBody(w, r)
	if !ok {
		return
	}
	voterID := field(body, "voter_id")
	if voterID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Missing required parameters: voter_id"})
		return
	}
	outcome := field(body, "outcome", "call_result", "result")
	if outcome == "" {
		outcome = "contacted"
	}
	h.record(w, r, Contact{
		VoterID: voterID,
		Channel: ChannelCall,
		Outcome: outcome,
		Notes:   field(body, "notes", "comments"),
		Payload: raw,
	})
}

func (h *Handler) canvass(w http.ResponseWriter, r *http.Request) {
	body, raw, ok := decodeBody(w, r)
	if !ok {
		return
	}
	voterID := field(body, "voter_id")
	rawOutcome := field(body, "action", "result", "outcome")
	if voterID == "" || rawOutcome == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Missing voter_id or action"})
		return
	}
	outcome, known := NormalizeCanvassOutcome(rawOutcome)
	if !known {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Unsupported canvass result", Detail: rawOutcome})
		return
	}
	h.record(w, r, Contact{
		VoterID: voterID,
		Channel: ChannelCanvass,
		Outcome: outcome,
		Notes:   field(body, "note", "notes"),
		Payload: raw,
	})
}

func (h *Handler) pulse(w http.ResponseWriter, r *http.Request) {
	body, raw, ok := decodeBody(w, r)
	if !ok {
		return
	}
	voterID := field(body, "voter_id")
	method := strings.ToLower(field(body, "contact_method"))
	source := field(body, "consent_source")
	if voterID == "" || method == "" || source == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Missing required parameters: voter_id, contact_method, consent_source"})
		return
	}
	h.record(w, r, Contact{
		VoterID: voterID,
		Channel: ChannelPulse,
		Outcome: method,
		Notes:   "consent_source=" + NormalizeConsentSource(source),
		Payload: raw,
	})
}

func (h *Handler) record(w http.ResponseWriter, r *http.Request, c Contact) {
	ctx := tracing.ExtractHTTP(r.Context(), r.Header)
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		w.Header().Set("X-Trace-Id", traceID)
	}

	volunteer, ok := auth.VolunteerFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
		return
	}
	c.Volunteer = volunteer

	rec, err := h.guard.Record(ctx, c)
	switch {
	case errors.Is(err, ErrMissingVolunteer):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
		return
	case errors.Is(err, ErrMissingVoter):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	case err != nil:
		h.logger.WithContext(ctx).WithVolunteer(volunteer).WithVoter(c.VoterID).WithError(err).Error("contact write failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "storage error"})
		return
	}

	writeJSON(w, http.StatusOK, writeResponse{
		OK:        true,
		Duplicate: rec.Duplicate,
		ContactID: rec.ContactID,
		Channel:   c.Channel,
		Outcome:   c.Outcome,
	})
}

// recent lists the caller's newest contacts so a volunteer can confirm that
// replayed submissions landed.
func (h *Handler) recent(w http.ResponseWriter, r *http.Request) {
	volunteer, ok := auth.VolunteerFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid limit"})
			return
		}
		limit = n
	}

	rows, err := h.lister.Recent(r.Context(), volunteer, limit)
	if err != nil {
		h.logger.WithContext(r.Context()).WithVolunteer(volunteer).WithError(err).Error("recent contacts failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "storage error"})
		return
	}
	if rows == nil {
		rows = []Contact{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "contacts": rows})
}

// decodeBody reads a JSON object body. It writes the 400 itself and reports
// false when the body is unusable.
func decodeBody(w http.ResponseWriter, r *http.Request) (map[string]any, json.RawMessage, bool) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "could not read body"})
		return nil, nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil || body == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid JSON body"})
		return nil, nil, false
	}
	return body, json.RawMessage(raw), true
}

// field returns the first non-empty value among keys, as a string.
func field(body map[string]any, keys ...string) string {
	for _, k := range keys {
		var s string
		switch v := body[k].(type) {
		case string:
			s = strings.TrimSpace(v)
		case json.Number:
			s = v.String()
		case bool:
			s = strconv.FormatBool(v)
		}
		if s != "" {
			return s
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
