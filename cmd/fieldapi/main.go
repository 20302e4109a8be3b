package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/fieldqueue/internal/auth"
	"github.com/austindbirch/fieldqueue/internal/config"
	"github.com/austindbirch/fieldqueue/internal/contacts"
	"github.com/austindbirch/fieldqueue/internal/db"
	"github.com/austindbirch/fieldqueue/internal/health"
	"github.com/austindbirch/fieldqueue/internal/logging"
	"github.com/austindbirch/fieldqueue/internal/metrics"
	"github.com/austindbirch/fieldqueue/internal/tracing"
)

var logger = logging.New("fieldapi")

func main() {
	cfg := config.FromEnv()
	logging.SetDefaultService("fieldapi")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracing.InitTracing(ctx, "fieldapi")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	pool, err := db.Connect(ctx, cfg.DSN(), db.Options{
		AppName:         "fieldapi",
		MaxConns:        int32(cfg.DB.MaxConns),
		MinConns:        int32(cfg.DB.MinConns),
		MaxConnIdleTime: cfg.DB.MaxConnIdle,
	})
	if err != nil {
		logger.Plain().WithError(err).Fatal("db connect failed")
	}
	defer pool.Close()

	version, err := db.Migrate(ctx, pool)
	if err != nil {
		logger.Plain().WithError(err).Fatal("db migrate failed")
	}
	logger.Plain().WithField("schema_version", version).Info("database ready")

	ident, err := newIdentifier(cfg.API)
	if err != nil {
		logger.Plain().WithError(err).Fatal("identity setup failed")
	}

	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	log := contacts.NewPostgresLog(pool)
	guard := contacts.NewGuard(log, cfg.API.IdempotencyWindow)
	router := contacts.NewRouter(guard, contacts.RouterOptions{
		Identifier: ident,
		Health:     map[string]health.Pinger{"postgres": pool},
		Gatherer:   reg,
		Recent:     log,
	})

	ln, err := net.Listen("tcp", cfg.API.HTTPPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("listen failed")
	}
	logger.Plain().
		WithField("addr", ln.Addr().String()).
		WithField("idempotency_window", guard.Window().String()).
		Info("fieldapi listening")

	if err := serve(ctx, ln, router); err != nil {
		logger.Plain().WithError(err).Fatal("fieldapi stopped with error")
	}
}

// newIdentifier builds the volunteer identity chain from config. At least
// one source has to be configured.
func newIdentifier(cfg config.API) (*auth.Identifier, error) {
	var v *auth.JWTValidator
	if cfg.AccessPublicKey != "" {
		// env files commonly carry the PEM with escaped newlines
		key := strings.ReplaceAll(cfg.AccessPublicKey, `\n`, "\n")
		var err error
		v, err = auth.NewJWTValidator(key, cfg.AccessIssuer, cfg.AccessAudience)
		if err != nil {
			return nil, err
		}
	}
	if v == nil && !cfg.TrustEmailHeader && cfg.DevEmail == "" {
		return nil, errors.New("no volunteer identity source configured")
	}
	if cfg.DevEmail != "" {
		logger.Plain().WithVolunteer(cfg.DevEmail).Warn("dev volunteer email enabled; unauthenticated writes are attributed to it")
	}
	return auth.NewIdentifier(v, cfg.TrustEmailHeader, cfg.DevEmail), nil
}

func serve(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
