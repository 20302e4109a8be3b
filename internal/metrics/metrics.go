package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SubmissionsQueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldqueue_submissions_queued_total",
			Help: "Total number of writes captured into the offline queue by type.",
		},
		[]string{"type"},
	)

	OfflineReadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldqueue_offline_reads_total",
			Help: "Total number of reads answered with a synthetic offline response.",
		},
	)

	ReplayAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldqueue_replay_attempts_total",
			Help: "Total number of replay attempts by outcome.",
		},
		[]string{"outcome"}, // success, duplicate, rejected, network
	)

	ReplayDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fieldqueue_replay_dropped_total",
			Help: "Total number of queued writes dropped at the retry ceiling.",
		},
	)

	ReplayLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fieldqueue_replay_latency_seconds",
			Help:    "Latency of individual replay requests.",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncPassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldqueue_sync_passes_total",
			Help: "Total number of replay passes by trigger.",
		},
		[]string{"trigger"}, // sync_tag, force_sync, startup
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldqueue_queue_depth",
			Help: "Number of writes waiting in the offline queue.",
		},
	)

	UpstreamOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldqueue_upstream_online",
			Help: "1 when the upstream API is reachable, 0 otherwise.",
		},
	)

	ContactsRecordedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldqueue_contacts_recorded_total",
			Help: "Total number of contact rows inserted by channel.",
		},
		[]string{"channel"},
	)

	ContactsDuplicateTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fieldqueue_contacts_duplicate_total",
			Help: "Total number of submissions acknowledged by the idempotency window by channel.",
		},
		[]string{"channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		SubmissionsQueuedTotal, OfflineReadsTotal,
		ReplayAttemptsTotal, ReplayDroppedTotal, ReplayLatency,
		SyncPassesTotal, QueueDepth, UpstreamOnline,
		ContactsRecordedTotal, ContactsDuplicateTotal,
	)
}

// RecordQueued counts a write captured while offline
func RecordQueued(typ string) {
	SubmissionsQueuedTotal.WithLabelValues(typ).Inc()
}

// RecordOfflineRead counts a read answered with 503 offline
func RecordOfflineRead() {
	OfflineReadsTotal.Inc()
}

// RecordReplay counts one replay attempt and, when it reached the server, its latency
func RecordReplay(outcome string, latency time.Duration) {
	ReplayAttemptsTotal.WithLabelValues(outcome).Inc()
	if latency > 0 {
		ReplayLatency.Observe(latency.Seconds())
	}
}

// RecordDropped counts a record removed at the retry ceiling
func RecordDropped() {
	ReplayDroppedTotal.Inc()
}

// RecordSyncPass counts a replay pass by what triggered it
func RecordSyncPass(trigger string) {
	SyncPassesTotal.WithLabelValues(trigger).Inc()
}

// UpdateQueueDepth sets the pending record gauge
func UpdateQueueDepth(n int) {
	QueueDepth.Set(float64(n))
}

// UpdateUpstreamOnline sets the connectivity gauge
func UpdateUpstreamOnline(online bool) {
	if online {
		UpstreamOnline.Set(1)
		return
	}
	UpstreamOnline.Set(0)
}

// RecordContact counts a guard decision for a write endpoint
func RecordContact(channel string, duplicate bool) {
	if duplicate {
		ContactsDuplicateTotal.WithLabelValues(channel).Inc()
		return
	}
	ContactsRecordedTotal.WithLabelValues(channel).Inc()
}
