package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Session is a best-effort in-memory Queue for processes whose durable store
// could not be opened. Its contents are lost when the process exits.
type Session struct {
	mu       sync.RWMutex
	items    map[int64]*Operation
	dead     []DeadLetter
	nextID   int64
	nextDead int64
	now      func() time.Time
}

// NewSession creates an empty session queue.
func NewSession() *Session {
	return &Session{
		items: make(map[int64]*Operation),
		now:   time.Now,
	}
}

func (s *Session) Durable() bool { return false }

func (s *Session) SavePending(_ context.Context, sub Submission) (int64, error) {
	sub = normalize(sub)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	headers := make(map[string]string, len(sub.Headers))
	for k, v := range sub.Headers {
		headers[k] = v
	}
	s.items[s.nextID] = &Operation{
		ID:        s.nextID,
		Endpoint:  sub.Endpoint,
		Method:    sub.Method,
		Body:      append([]byte(nil), sub.Body...),
		Headers:   headers,
		Type:      sub.Type,
		Timestamp: s.now().UnixMilli(),
	}
	return s.nextID, nil
}

func (s *Session) GetPending(_ context.Context) ([]Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ops := make([]Operation, 0, len(s.items))
	for _, op := range s.items {
		ops = append(ops, *op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID < ops[j].ID })
	return ops, nil
}

func (s *Session) ClearPending(_ context.Context, id int64) error {
	s.mu.Lock()
	delete(s.items, id)
	s.mu.Unlock()
	return nil
}

func (s *Session) UpdateRetryCount(_ context.Context, id int64, retries int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.items[id]
	if !ok {
		return nil
	}
	if retries > op.Retries {
		op.Retries = retries
	}
	now := s.now().UnixMilli()
	op.LastAttempt = &now
	return nil
}

func (s *Session) DropPending(_ context.Context, id int64, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, ok := s.items[id]
	if !ok {
		return false, nil
	}
	delete(s.items, id)
	s.nextDead++
	s.dead = append(s.dead, DeadLetter{
		ID:          s.nextDead,
		OperationID: op.ID,
		Endpoint:    op.Endpoint,
		Method:      op.Method,
		Body:        op.Body,
		Headers:     op.Headers,
		Type:        op.Type,
		Timestamp:   op.Timestamp,
		Attempts:    op.Retries + 1,
		Reason:      reason,
		DroppedAt:   s.now().UnixMilli(),
	})
	return true, nil
}

func (s *Session) GetPendingCount(_ context.Context) (Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c Counts
	for _, op := range s.items {
		c.add(op.Type, 1)
	}
	return c, nil
}

func (s *Session) ClearAllPending(_ context.Context) error {
	s.mu.Lock()
	s.items = make(map[int64]*Operation)
	s.mu.Unlock()
	return nil
}

func (s *Session) DeadLetters(_ context.Context) ([]DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]DeadLetter(nil), s.dead...), nil
}

func (s *Session) ClearDeadLetters(_ context.Context) error {
	s.mu.Lock()
	s.dead = nil
	s.mu.Unlock()
	return nil
}
