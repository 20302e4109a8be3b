package client

import (
	"context"
	"time"

	"github.com/austindbirch/fieldqueue/internal/connectivity"
	"github.com/austindbirch/fieldqueue/internal/logging"
)

// Syncer is satisfied by *Conn.
type Syncer interface {
	ForceSync(ctx context.Context) error
}

// Watcher is the foreground fallback for platforms without deferred sync:
// it watches the page's own connectivity and asks the agent for a pass each
// time the network comes back.
type Watcher struct {
	monitor *connectivity.Monitor
	syncer  Syncer
	timeout time.Duration
	logger  *logging.Logger
}

func NewWatcher(monitor *connectivity.Monitor, syncer Syncer) *Watcher {
	w := &Watcher{
		monitor: monitor,
		syncer:  syncer,
		timeout: DefaultTimeout,
		logger:  logging.New("client"),
	}
	monitor.OnChange(w.onChange)
	return w
}

func (w *Watcher) onChange(online bool) {
	if !online {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.syncer.ForceSync(ctx); err != nil {
		w.logger.Plain().WithError(err).Warn("force sync after reconnect failed")
		return
	}
	w.logger.Plain().Info("back online, sync requested")
}

// Run probes until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	return w.monitor.Run(ctx)
}
