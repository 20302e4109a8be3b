// Command dlq-monitor watches the dead letter topic agents publish dropped
// submissions to. It logs every envelope and exports backlog and drop
// counts for alerting.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/fieldqueue/internal/config"
	"github.com/austindbirch/fieldqueue/internal/deadletter"
	"github.com/austindbirch/fieldqueue/internal/logging"
	"github.com/austindbirch/fieldqueue/internal/tracing"
)

var logger = logging.New("dlq-monitor")

// NSQStats represents the JSON structure returned by the nsqd stats API
type NSQStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
		Depth int64 `json:"depth"`
	} `json:"topics"`
}

type monitor struct {
	topic   string
	channel string
	client  *http.Client

	backlog         prometheus.Gauge
	channelDepth    *prometheus.GaugeVec
	channelInflight *prometheus.GaugeVec
	received        *prometheus.CounterVec
	malformed       prometheus.Counter
}

func newMonitor(topic, channel string, reg prometheus.Registerer) *monitor {
	m := &monitor{
		topic:   topic,
		channel: channel,
		client:  &http.Client{Timeout: 5 * time.Second},
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldqueue_dlq_backlog",
			Help: "Dropped submissions waiting on the monitor's DLQ channel",
		}),
		channelDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldqueue_dlq_channel_depth",
			Help: "Depth of DLQ topic channels",
		}, []string{"channel"}),
		channelInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldqueue_dlq_channel_inflight",
			Help: "In-flight messages for DLQ topic channels",
		}, []string{"channel"}),
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldqueue_dlq_received_total",
			Help: "Dropped submissions received by type and cause",
		}, []string{"type", "cause"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldqueue_dlq_malformed_total",
			Help: "DLQ messages that were not submission envelopes",
		}),
	}
	reg.MustRegister(m.backlog, m.channelDepth, m.channelInflight, m.received, m.malformed)
	return m
}

// updateMetrics polls nsqd for the DLQ topic's channel depths.
func (m *monitor) updateMetrics(ctx context.Context, nsqdHost string) error {
	url := fmt.Sprintf("http://%s/stats?format=json&topic=%s", nsqdHost, m.topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("NSQ stats returned HTTP %d", resp.StatusCode)
	}

	var stats NSQStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if topic.TopicName != m.topic {
			continue
		}
		for _, ch := range topic.Channels {
			if ch.ChannelName == m.channel {
				m.backlog.Set(float64(ch.Depth))
			}
			m.channelDepth.WithLabelValues(ch.ChannelName).Set(float64(ch.Depth))
			m.channelInflight.WithLabelValues(ch.ChannelName).Set(float64(ch.InFlightCount))
		}
	}
	return nil
}

func (m *monitor) poll(ctx context.Context, nsqdHost string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := m.updateMetrics(ctx, nsqdHost); err != nil && ctx.Err() == nil {
			logger.Plain().WithError(err).Warn("error updating DLQ metrics")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// handleMessage records one envelope. Malformed payloads are finished, not
// requeued.
func (m *monitor) handleMessage(ctx context.Context, body []byte) error {
	var env deadletter.Envelope
	if err := json.Unmarshal(body, &env); err != nil || env.Type != deadletter.EnvelopeType {
		m.malformed.Inc()
		logger.Plain().WithField("body", truncate(string(body), 200)).Warn("ignoring non-envelope DLQ message")
		return nil
	}

	ctx = tracing.ExtractMap(ctx, env.Trace)
	ctx, span := tracing.StartSpan(ctx, "dlq.received",
		attribute.Int64("operation_id", env.Operation.ID),
		attribute.String("endpoint", env.Operation.Endpoint),
		attribute.String("device", env.Device),
		attribute.Int("attempts", env.Attempts),
	)
	defer span.End()

	cause := "network"
	if env.HTTPStatus > 0 {
		cause = "rejected"
	}
	m.received.WithLabelValues(string(env.Operation.Type), cause).Inc()

	logger.WithContext(ctx).
		WithOperation(env.Operation.ID).
		WithEndpoint(env.Operation.Endpoint).
		WithField("device", env.Device).
		WithField("attempts", env.Attempts).
		WithField("http_status", env.HTTPStatus).
		WithField("reason", env.Reason).
		Warn("submission dropped at retry ceiling")
	return nil
}

func main() {
	cfg := config.FromEnv()
	logging.SetDefaultService("dlq-monitor")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := tracing.InitTracing(ctx, "dlq-monitor")
	if err != nil {
		logger.Plain().WithError(err).Warn("tracing disabled")
	} else {
		defer shutdown()
	}

	reg := prometheus.NewRegistry()
	m := newMonitor(cfg.NSQ.DLQTopic, cfg.NSQ.DLQChannel, reg)

	consumer, err := nsq.NewConsumer(cfg.NSQ.DLQTopic, cfg.NSQ.DLQChannel, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	consumer.SetLogger(log.New(os.Stderr, "nsq ", log.LstdFlags), nsq.LogLevelWarning)
	consumer.AddHandler(nsq.HandlerFunc(func(msg *nsq.Message) error {
		return m.handleMessage(ctx, msg.Body)
	}))
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("nsq connect failed")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})
	srv := &http.Server{Addr: cfg.NSQ.MonitorPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	logger.Plain().
		WithField("topic", cfg.NSQ.DLQTopic).
		WithField("channel", cfg.NSQ.DLQChannel).
		WithField("nsqd", cfg.NSQ.NsqdHTTPAddr).
		WithField("interval", cfg.NSQ.PollInterval.String()).
		Info("dlq-monitor starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.poll(gctx, cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.PollInterval) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		consumer.Stop()
		<-consumer.StopChan
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		logger.Plain().WithError(err).Fatal("dlq-monitor failed")
	}
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
