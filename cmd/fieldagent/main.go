package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/fieldqueue/internal/agent"
	"github.com/austindbirch/fieldqueue/internal/config"
	"github.com/austindbirch/fieldqueue/internal/connectivity"
	"github.com/austindbirch/fieldqueue/internal/deadletter"
	"github.com/austindbirch/fieldqueue/internal/health"
	"github.com/austindbirch/fieldqueue/internal/logging"
	"github.com/austindbirch/fieldqueue/internal/metrics"
	"github.com/austindbirch/fieldqueue/internal/queue"
	"github.com/austindbirch/fieldqueue/internal/replay"
	"github.com/austindbirch/fieldqueue/internal/store"
	"github.com/austindbirch/fieldqueue/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

var logger = logging.New("fieldagent")

func main() {
	cfg := config.FromEnv()
	logging.SetDefaultService("fieldagent")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize OpenTelemetry tracing
	shutdown, err := tracing.InitTracing(ctx, "fieldagent")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	c, err := build(cfg)
	if err != nil {
		logger.Plain().WithError(err).Fatal("agent setup failed")
	}
	defer c.Close()

	ln, err := net.Listen("tcp", cfg.Agent.ListenAddr)
	if err != nil {
		logger.Plain().WithError(err).Fatal("listen failed")
	}
	logger.Plain().
		WithField("addr", ln.Addr().String()).
		WithField("upstream", cfg.Agent.UpstreamURL).
		WithField("durable", c.queue.Durable()).
		Info("fieldagent starting")

	if err := serve(ctx, ln, c); err != nil {
		logger.Plain().WithError(err).Fatal("fieldagent stopped with error")
	}
	logger.Plain().Info("fieldagent stopped")
}

// components is the wired agent, built in dependency order: the hub first so
// the queue can warn pages, the queue before the replay engine, the engine
// before the coordinator that triggers it.
type components struct {
	store   *store.Store // nil when the durable store could not be opened
	queue   *queue.Fallback
	hub     *agent.Hub
	dlq     deadletter.Publisher
	monitor *connectivity.Monitor
	coord   *connectivity.Coordinator
	agent   *agent.Agent
	reg     *prometheus.Registry
}

func build(cfg config.Config) (*components, error) {
	ac := cfg.Agent
	c := &components{hub: agent.NewHub(), reg: prometheus.NewRegistry()}
	metrics.MustRegister(c.reg)

	st, storeErr := store.Open(ac.StorePath)
	var primary queue.Queue
	if storeErr == nil {
		c.store = st
		primary = queue.NewManager(st)
	}
	c.queue = queue.NewFallback(primary, c.hub.NotifyStorageUnavailable)
	if storeErr != nil {
		c.queue.Degrade(storeErr)
	}

	dlq, err := newDeadLetterPublisher(cfg.NSQ)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.dlq = dlq

	engine := replay.New(c.queue, replay.Options{
		Upstream:    ac.UpstreamURL,
		Timeout:     ac.RequestTimeout,
		Ceiling:     ac.RetryCeiling,
		Client:      &http.Client{},
		DeadLetters: c.dlq,
		OnComplete:  c.hub.NotifySyncComplete,
	})

	c.monitor = connectivity.NewMonitor(ac.UpstreamURL+ac.ProbePath, ac.ProbeInterval, &http.Client{Timeout: 5 * time.Second})
	syncMgr := connectivity.NewSyncManager(ac.BackgroundSync)
	c.coord = connectivity.NewCoordinator(c.queue, engine, c.monitor, syncMgr, ac.SyncTag)

	checks := map[string]health.Pinger{}
	if c.store != nil {
		checks["store"] = c.store
	}
	c.agent, err = agent.New(c.queue, c.coord, c.monitor, c.hub, agent.Options{
		Upstream: ac.UpstreamURL,
		Timeout:  ac.RequestTimeout,
		Health:   checks,
		Gatherer: c.reg,
	})
	if err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// newDeadLetterPublisher returns an NSQ publisher when dropped records are
// to leave the device, and a no-op otherwise.
func newDeadLetterPublisher(cfg config.NSQ) (deadletter.Publisher, error) {
	if !cfg.PublishDLQ {
		return deadletter.Nop{}, nil
	}
	p, err := deadletter.NewNSQPublisher(cfg.NsqdTCPAddr, cfg.DLQTopic, agentID())
	if err != nil {
		return nil, err
	}
	logger.Plain().WithField("topic", p.Topic()).Info("dead letters will be published to NSQ")
	return p, nil
}

// agentID names this agent in dead-letter envelopes.
func agentID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h + "/" + uuid.NewString()[:8]
	}
	return uuid.NewString()
}

// Close waits for background passes, then releases the store and the
// dead-letter producer.
func (c *components) Close() {
	if c.coord != nil {
		c.coord.Wait()
	}
	if p, ok := c.dlq.(*deadletter.NSQPublisher); ok {
		p.Stop()
	}
	if c.hub != nil {
		c.hub.Close()
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			logger.Plain().WithError(err).Warn("store close failed")
		}
	}
}

// serve runs the HTTP surface and the connectivity probe until ctx ends.
func serve(ctx context.Context, ln net.Listener, c *components) error {
	srv := &http.Server{
		Handler:           c.agent.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := c.coord.Start(ctx); err != nil {
		logger.Plain().WithError(err).Warn("could not read pending records at startup")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.monitor.Run(gctx)
	})
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
