package connectivity

import (
	"context"
	"errors"
	"sync"

	"github.com/austindbirch/fieldqueue/internal/logging"
	"github.com/austindbirch/fieldqueue/internal/metrics"
	"github.com/austindbirch/fieldqueue/internal/queue"
	"github.com/austindbirch/fieldqueue/internal/replay"
)

const (
	TriggerSyncTag   = "sync_tag"
	TriggerForceSync = "force_sync"
)

// Status is the read-only snapshot served to pages.
type Status struct {
	HasPending  bool         `json:"hasPending"`
	Counts      queue.Counts `json:"counts"`
	DeadLetters int          `json:"deadLetters"`
	Durable     bool         `json:"durable"`
	Online      bool         `json:"online"`
}

// Replayer is satisfied by *replay.Engine.
type Replayer interface {
	ProcessOfflineQueue(ctx context.Context) (replay.Result, error)
}

// Coordinator connects the two replay triggers, a fired sync tag and an
// explicit force sync, to the replay engine.
type Coordinator struct {
	q       queue.Queue
	engine  Replayer
	monitor *Monitor
	sync    *SyncManager
	tag     string
	logger  *logging.Logger

	wg sync.WaitGroup
}

func NewCoordinator(q queue.Queue, engine Replayer, monitor *Monitor, syncMgr *SyncManager, tag string) *Coordinator {
	c := &Coordinator{
		q:       q,
		engine:  engine,
		monitor: monitor,
		sync:    syncMgr,
		tag:     tag,
		logger:  logging.New("coordinator"),
	}

	syncMgr.Handle(tag, func(ctx context.Context) {
		_, _ = c.runPass(ctx, TriggerSyncTag)
	})
	monitor.OnChange(func(online bool) {
		if !online {
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			syncMgr.Fire(context.Background())
		}()
	})
	return c
}

// RegisterSync asks for a replay once the upstream is reachable. It reports
// ErrUnsupported when deferred sync is disabled.
func (c *Coordinator) RegisterSync() error {
	err := c.sync.Register(c.tag)
	if err != nil && !errors.Is(err, ErrUnsupported) {
		c.logger.Plain().WithError(err).Warn("sync registration failed")
	}
	return err
}

// Start registers the sync tag when records survived a restart.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.sync.Enabled() {
		c.logger.Plain().Info("deferred sync disabled; replay runs on FORCE_SYNC from pages")
	}
	counts, err := c.q.GetPendingCount(ctx)
	if err != nil {
		return err
	}
	metrics.UpdateQueueDepth(counts.Total)
	if counts.Total > 0 {
		c.logger.Plain().WithField("pending", counts.Total).Info("pending records found at startup")
		_ = c.RegisterSync()
	}
	return nil
}

// ForceSync runs a pass in the caller's goroutine.
func (c *Coordinator) ForceSync(ctx context.Context) (replay.Result, error) {
	return c.runPass(ctx, TriggerForceSync)
}

// ForceSyncAsync runs a pass in the background; Wait blocks until it ends.
func (c *Coordinator) ForceSyncAsync() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_, _ = c.runPass(context.Background(), TriggerForceSync)
	}()
}

func (c *Coordinator) runPass(ctx context.Context, trigger string) (replay.Result, error) {
	metrics.RecordSyncPass(trigger)
	res, err := c.engine.ProcessOfflineQueue(ctx)
	if err != nil {
		c.logger.WithContext(ctx).WithError(err).WithField("trigger", trigger).Error("sync pass failed")
	}
	// Fire cleared the tag before this pass ran. Records left behind wait
	// for the next time the upstream comes back.
	if err != nil || res.Remaining > 0 {
		_ = c.RegisterSync()
	}
	return res, err
}

// GetQueueStatus never mutates the queue; during a pass it shows a mid-drain
// snapshot.
func (c *Coordinator) GetQueueStatus(ctx context.Context) (Status, error) {
	counts, err := c.q.GetPendingCount(ctx)
	if err != nil {
		return Status{}, err
	}
	dead, err := c.q.DeadLetters(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		HasPending:  counts.Total > 0,
		Counts:      counts,
		DeadLetters: len(dead),
		Durable:     c.q.Durable(),
		Online:      c.monitor.Online(),
	}, nil
}

// Wait blocks until background passes finish.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}
