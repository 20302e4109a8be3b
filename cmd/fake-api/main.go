package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/austindbirch/fieldqueue/internal/auth"
	"github.com/austindbirch/fieldqueue/internal/config"
	"github.com/austindbirch/fieldqueue/internal/contacts"
	"github.com/austindbirch/fieldqueue/internal/logging"
)

const devVolunteer = "field-drill@example.org"

var logger = logging.New("fake-api")

func main() {
	cfg := config.FromEnv()
	logging.SetDefaultService("fake-api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := contacts.NewMemoryLog()
	srv := &http.Server{
		Addr:         cfg.FakeAPI.Port,
		Handler:      newHandler(cfg.FakeAPI, log),
		ReadTimeout:  cfg.FakeAPI.ReadTimeout,
		WriteTimeout: cfg.FakeAPI.WriteTimeout,
		IdleTimeout:  cfg.FakeAPI.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	logger.Plain().
		WithField("addr", srv.Addr).
		WithField("fail_first_n", cfg.FakeAPI.FailFirstN).
		WithField("response_delay_ms", cfg.FakeAPI.ResponseDelayMS).
		Info("fake-api listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("fake-api server failed")
	}
}

// newHandler serves the real write endpoints over an in-memory log, with
// injected failures and latency on the writes, plus a listing of what landed.
func newHandler(cfg config.FakeAPI, log *contacts.MemoryLog) http.Handler {
	f := &flaky{failFirstN: cfg.FailFirstN}
	router := contacts.NewRouter(contacts.NewGuard(log, 0), contacts.RouterOptions{
		Identifier: auth.NewIdentifier(nil, true, devVolunteer),
		Recent:     log,
		Middleware: []func(http.Handler) http.Handler{
			delay(time.Duration(cfg.ResponseDelayMS) * time.Millisecond),
			f.middleware,
		},
	})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /debug/contacts", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		rows := log.Contacts()
		if rows == nil {
			rows = []contacts.Contact{}
		}
		_ = json.NewEncoder(w).Encode(rows)
	})
	mux.Handle("/", router)
	return mux
}

// flaky fails the first failFirstN writes with a 500.
type flaky struct {
	mu         sync.Mutex
	failFirstN int
	reqCount   int
}

func (f *flaky) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.reqCount++
		n := f.reqCount
		f.mu.Unlock()

		if n <= f.failFirstN {
			b, _ := io.ReadAll(r.Body)
			logger.WithContext(r.Context()).
				WithEndpoint(r.URL.Path).
				WithField("body", truncate(string(b), 160)).
				Warnf("FAILING (%d/%d)", n, f.failFirstN)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"ok":false,"error":"temporary failure"}`))
			return
		}

		b, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(b))
		logger.WithContext(r.Context()).
			WithEndpoint(r.URL.Path).
			WithField("body", truncate(string(b), 160)).
			Info("fake-api OK")
		next.ServeHTTP(w, r)
	})
}

// delay holds every write for d before handling it.
func delay(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(d):
			case <-r.Context().Done():
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
