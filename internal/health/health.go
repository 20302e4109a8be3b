package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// Pinger is satisfied by *pgxpool.Pool and *store.Store
type Pinger interface {
	Ping(ctx context.Context) error
}

type Status struct {
	OK      bool            `json:"ok"`
	Message string          `json:"message,omitempty"`
	Checks  map[string]bool `json:"checks,omitempty"`
}

// HTTPHandler returns an HTTP handler that reports the health status of the service.
// Each named dependency is pinged with a short timeout; nil entries are skipped.
func HTTPHandler(deps map[string]Pinger) http.HandlerFunc {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok"}

		for _, name := range names {
			p := deps[name]
			if p == nil {
				continue
			}
			if st.Checks == nil {
				st.Checks = make(map[string]bool, len(deps))
			}
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			err := p.Ping(ctx)
			cancel()
			st.Checks[name] = err == nil
			if err != nil && st.OK {
				st.OK = false
				st.Message = name + " ping failed"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
