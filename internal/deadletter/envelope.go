package deadletter

import (
	"time"

	"github.com/austindbirch/fieldqueue/internal/queue"
)

const EnvelopeType = "submission.dlq"

// Envelope is the audit record published when a queued write is dropped at
// the retry ceiling.
type Envelope struct {
	Type       string            `json:"type"`    // "submission.dlq"
	Version    string            `json:"version"` // schema version
	At         string            `json:"at"`      // RFC3339 time the record was dropped
	Device     string            `json:"device,omitempty"`
	Reason     string            `json:"reason"`
	Attempts   int               `json:"attempts"`
	HTTPStatus int               `json:"http_status,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
	Operation  queue.Operation   `json:"operation"`
	Trace      map[string]string `json:"trace,omitempty"`
}

func NewEnvelope(op queue.Operation, attempts, httpStatus int, lastErr, reason string) Envelope {
	return Envelope{
		Type:       EnvelopeType,
		Version:    "v1",
		At:         time.Now().UTC().Format(time.RFC3339Nano),
		Reason:     reason,
		Attempts:   attempts,
		HTTPStatus: httpStatus,
		LastError:  lastErr,
		Operation:  op,
	}
}
