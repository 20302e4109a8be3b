// Package queue holds writes the server has not yet accepted.
package queue

import (
	"context"
	"encoding/json"
	"strings"
)

// Type is the coarse category shown in UI counters. It is decided once, at
// enqueue, and stored on the record.
type Type string

const (
	TypeCall    Type = "call"
	TypeCanvass Type = "canvass"
	TypePulse   Type = "pulse"
	TypeUnknown Type = "unknown"
)

// routes maps the first path segment under /api/ to a Type.
var routes = map[string]Type{
	"call":    TypeCall,
	"canvass": TypeCanvass,
	"pulse":   TypePulse,
}

// Classify returns the Type for an API path such as "/api/canvass?x=1".
func Classify(path string) Type {
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimPrefix(strings.TrimPrefix(path, "/"), "api/")
	seg, _, _ := strings.Cut(path, "/")
	if t, ok := routes[strings.ToLower(seg)]; ok {
		return t
	}
	return TypeUnknown
}

// Valid reports whether t is one of the stored categories.
func (t Type) Valid() bool {
	switch t {
	case TypeCall, TypeCanvass, TypePulse, TypeUnknown:
		return true
	}
	return false
}

// Submission is a write captured for later replay.
type Submission struct {
	Endpoint string            `json:"endpoint"`
	Method   string            `json:"method"`
	Body     json.RawMessage   `json:"body,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Type     Type              `json:"type,omitempty"` // derived from Endpoint when empty or invalid
}

// Operation is one durable queue record.
type Operation struct {
	ID          int64             `json:"id"`
	Endpoint    string            `json:"endpoint"`
	Method      string            `json:"method"`
	Body        json.RawMessage   `json:"body,omitempty"`
	Headers     map[string]string `json:"headers"`
	Type        Type              `json:"type"`
	Timestamp   int64             `json:"timestamp"`
	Retries     int               `json:"retries"`
	LastAttempt *int64            `json:"lastAttempt"`
}

// DeadLetter is an operation dropped at the retry ceiling. Attempts counts
// the final failed replay.
type DeadLetter struct {
	ID          int64             `json:"id"`
	OperationID int64             `json:"operationId"`
	Endpoint    string            `json:"endpoint"`
	Method      string            `json:"method"`
	Body        json.RawMessage   `json:"body,omitempty"`
	Headers     map[string]string `json:"headers"`
	Type        Type              `json:"type"`
	Timestamp   int64             `json:"timestamp"`
	Attempts    int               `json:"attempts"`
	Reason      string            `json:"reason"`
	DroppedAt   int64             `json:"droppedAt"`
}

// Counts is the per-type breakdown of pending records. Unknown records count
// only toward Total.
type Counts struct {
	Call    int `json:"call"`
	Canvass int `json:"canvass"`
	Pulse   int `json:"pulse"`
	Total   int `json:"total"`
}

func (c *Counts) add(t Type, n int) {
	switch t {
	case TypeCall:
		c.Call += n
	case TypeCanvass:
		c.Canvass += n
	case TypePulse:
		c.Pulse += n
	}
	c.Total += n
}

// Queue is the set of operations shared by the durable and session queues.
// Every method is a single transaction; operations on an id that no longer
// exists are no-ops.
type Queue interface {
	SavePending(ctx context.Context, sub Submission) (int64, error)
	GetPending(ctx context.Context) ([]Operation, error)
	ClearPending(ctx context.Context, id int64) error
	UpdateRetryCount(ctx context.Context, id int64, retries int) error
	DropPending(ctx context.Context, id int64, reason string) (bool, error)
	GetPendingCount(ctx context.Context) (Counts, error)
	ClearAllPending(ctx context.Context) error
	DeadLetters(ctx context.Context) ([]DeadLetter, error)
	ClearDeadLetters(ctx context.Context) error
	Durable() bool
}

func normalize(sub Submission) Submission {
	sub.Method = strings.ToUpper(sub.Method)
	if !sub.Type.Valid() {
		sub.Type = Classify(sub.Endpoint)
	}
	if sub.Headers == nil {
		sub.Headers = map[string]string{}
	}
	return sub
}
