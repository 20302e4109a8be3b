package connectivity

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrUnsupported is returned by Register when deferred sync is disabled.
var ErrUnsupported = errors.New("deferred sync unsupported")

// SyncManager is a registry of deferred tasks that fire once the upstream is
// reachable again. Registering a tag that is already pending is a no-op.
type SyncManager struct {
	enabled bool

	mu       sync.Mutex
	pending  map[string]struct{}
	handlers map[string]func(context.Context)
}

func NewSyncManager(enabled bool) *SyncManager {
	return &SyncManager{
		enabled:  enabled,
		pending:  make(map[string]struct{}),
		handlers: make(map[string]func(context.Context)),
	}
}

func (s *SyncManager) Enabled() bool { return s.enabled }

// Handle sets the function run when tag fires.
func (s *SyncManager) Handle(tag string, fn func(context.Context)) {
	s.mu.Lock()
	s.handlers[tag] = fn
	s.mu.Unlock()
}

func (s *SyncManager) Register(tag string) error {
	if !s.enabled {
		return ErrUnsupported
	}
	s.mu.Lock()
	s.pending[tag] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Pending returns the registered tags in name order.
func (s *SyncManager) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tags := make([]string, 0, len(s.pending))
	for tag := range s.pending {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Fire clears every pending tag and runs its handler once. Tags registered
// while handlers run stay pending for the next Fire.
func (s *SyncManager) Fire(ctx context.Context) int {
	s.mu.Lock()
	type job struct {
		tag string
		fn  func(context.Context)
	}
	var jobs []job
	for tag := range s.pending {
		if fn, ok := s.handlers[tag]; ok {
			jobs = append(jobs, job{tag, fn})
		}
		delete(s.pending, tag)
	}
	s.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].tag < jobs[j].tag })
	for _, j := range jobs {
		j.fn(ctx)
	}
	return len(jobs)
}
