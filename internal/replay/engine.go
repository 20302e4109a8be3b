// Package replay drains the offline queue against the upstream API.
package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/fieldqueue/internal/deadletter"
	"github.com/austindbirch/fieldqueue/internal/logging"
	"github.com/austindbirch/fieldqueue/internal/metrics"
	"github.com/austindbirch/fieldqueue/internal/queue"
	"github.com/austindbirch/fieldqueue/internal/tracing"
)

const DefaultCeiling = 5

// Result is the summary of one pass. Failed counts rejections and network
// errors; Dropped is the subset of rejections removed at the ceiling.
type Result struct {
	Processed int `json:"processed"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
	Remaining int `json:"remaining"`
}

type Options struct {
	Upstream    string        // base URL records are replayed against
	Timeout     time.Duration // per-request timeout
	Ceiling     int           // failed replays before a record is dropped
	Client      *http.Client
	DeadLetters deadletter.Publisher
	OnComplete  func(context.Context, Result) // not called for an empty queue
	Logger      *logging.Logger
}

// Engine replays queued writes. Passes are not serialized: overlapping calls
// rely on per-record transactions and the server's idempotency window.
type Engine struct {
	q    queue.Queue
	opts Options
}

func New(q queue.Queue, opts Options) *Engine {
	if opts.Ceiling <= 0 {
		opts.Ceiling = DefaultCeiling
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.DeadLetters == nil {
		opts.DeadLetters = deadletter.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.New("replay")
	}
	return &Engine{q: q, opts: opts}
}

type attempt struct {
	outcome Outcome
	status  int
	err     error
	latency time.Duration
}

// ProcessOfflineQueue drains a snapshot of the queue once, sequentially in
// insertion order. It runs to completion even if ctx is cancelled.
func (e *Engine) ProcessOfflineQueue(ctx context.Context) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracing.StartSpan(ctx, "replay.pass")
	defer span.End()

	logger := e.opts.Logger

	ops, err := e.q.GetPending(ctx)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return Result{}, fmt.Errorf("load pending: %w", err)
	}
	if len(ops) == 0 {
		metrics.UpdateQueueDepth(0)
		return Result{}, nil
	}

	var res Result
pass:
	for _, op := range ops {
		res.Processed++
		a := e.replay(ctx, op)
		metrics.RecordReplay(string(a.outcome), a.latency)

		entry := logger.WithContext(ctx).WithOperation(op.ID).WithEndpoint(op.Endpoint)

		switch a.outcome {
		case OutcomeSuccess, OutcomeDuplicate:
			res.Success++
			if err := e.q.ClearPending(ctx, op.ID); err != nil {
				entry.WithError(err).Error("clear replayed record failed")
			}
			entry.WithFields(map[string]any{"status": a.status, "outcome": a.outcome}).Debug("replayed")

		case OutcomeRejected:
			res.Failed++
			next := op.Retries + 1
			if next < e.opts.Ceiling {
				if err := e.q.UpdateRetryCount(ctx, op.ID, next); err != nil {
					entry.WithError(err).Error("update retry count failed")
				}
				entry.WithFields(map[string]any{"status": a.status, "retries": next}).Info("replay rejected, will retry")
				continue
			}
			if e.drop(ctx, op, next, a) {
				res.Dropped++
			}

		case OutcomeNetwork:
			res.Failed++
			reason := classifyReason(a.err)
			entry.WithError(a.err).WithField("reason", reason).Info("replay did not reach server")
			if connectionDown(reason) {
				tracing.AddSpanEvent(ctx, "replay.stopped", attribute.String("reason", reason))
				break pass
			}
		}
	}

	if c, err := e.q.GetPendingCount(ctx); err == nil {
		res.Remaining = c.Total
	} else {
		logger.WithContext(ctx).WithError(err).Error("count remaining failed")
		res.Remaining = len(ops) - res.Success - res.Dropped
	}
	metrics.UpdateQueueDepth(res.Remaining)

	span.SetAttributes(
		attribute.Int("replay.processed", res.Processed),
		attribute.Int("replay.success", res.Success),
		attribute.Int("replay.failed", res.Failed),
		attribute.Int("replay.dropped", res.Dropped),
		attribute.Int("replay.remaining", res.Remaining),
	)
	logger.WithContext(ctx).WithFields(map[string]any{
		"processed": res.Processed,
		"success":   res.Success,
		"failed":    res.Failed,
		"dropped":   res.Dropped,
		"remaining": res.Remaining,
	}).Info("sync pass complete")

	if e.opts.OnComplete != nil {
		e.opts.OnComplete(ctx, res)
	}
	return res, nil
}

// drop removes a record at the ceiling and archives it. It reports false
// when an overlapping pass got there first.
func (e *Engine) drop(ctx context.Context, op queue.Operation, attempts int, a attempt) bool {
	reason := fmt.Sprintf("retry ceiling reached (%d), last status=%d", attempts, a.status)
	entry := e.opts.Logger.WithContext(ctx).WithOperation(op.ID).WithEndpoint(op.Endpoint)

	dropped, err := e.q.DropPending(ctx, op.ID, reason)
	if err != nil {
		entry.WithError(err).Error("drop record failed")
		return false
	}
	if !dropped {
		return false
	}

	metrics.RecordDropped()
	tracing.AddSpanEvent(ctx, "replay.dropped", attribute.Int64("operation.id", op.ID), attribute.Int("attempts", attempts))
	entry.WithFields(map[string]any{
		"attempts": attempts,
		"status":   a.status,
		"type":     op.Type,
	}).Warn("queued write dropped at retry ceiling")

	env := deadletter.NewEnvelope(op, attempts, a.status, errString(a.err), reason)
	if err := e.opts.DeadLetters.Publish(ctx, env); err != nil {
		entry.WithError(err).Error("dead letter publish failed")
	}
	return true
}

func (e *Engine) replay(ctx context.Context, op queue.Operation) attempt {
	ctx, span := tracing.StartSpan(ctx, "replay.operation",
		attribute.Int64("operation.id", op.ID),
		attribute.String("http.method", op.Method),
		attribute.String("endpoint", op.Endpoint),
		attribute.Int("retries", op.Retries),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	var body io.Reader
	if len(op.Body) > 0 {
		body = bytes.NewReader(op.Body)
	}
	req, err := http.NewRequestWithContext(ctx, op.Method, e.opts.Upstream+op.Endpoint, body)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return attempt{outcome: OutcomeNetwork, err: err}
	}
	for k, v := range op.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := e.opts.Client.Do(req)
	latency := time.Since(start)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return attempt{outcome: OutcomeNetwork, err: err}
	}
	defer resp.Body.Close()

	var ack struct {
		Duplicate bool `json:"duplicate"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &ack)

	outcome := classifyStatus(resp.StatusCode, ack.Duplicate)
	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.String("replay.outcome", string(outcome)),
	)
	return attempt{outcome: outcome, status: resp.StatusCode, latency: latency}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
