package contacts

import (
	"context"
	"sync"
	"time"
)

// MemoryLog keeps contacts in process. The dev fake API and tests use it.
type MemoryLog struct {
	mu   sync.Mutex
	rows []Contact
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (m *MemoryLog) InsertIfNotRecent(_ context.Context, c Contact, since time.Time) (Recorded, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(c)
	for i := len(m.rows) - 1; i >= 0; i-- {
		row := m.rows[i]
		if key(row) == k && !row.CreatedAt.Before(since) {
			return Recorded{ContactID: row.ID, Duplicate: true}, nil
		}
	}
	m.rows = append(m.rows, c)
	return Recorded{ContactID: c.ID}, nil
}

// Contacts returns a copy of the stored rows in insertion order.
func (m *MemoryLog) Contacts() []Contact {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Contact(nil), m.rows...)
}

func (m *MemoryLog) Recent(_ context.Context, volunteer string, limit int) ([]Contact, error) {
	limit = clampLimit(limit)
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Contact
	for i := len(m.rows) - 1; i >= 0 && len(out) < limit; i-- {
		if m.rows[i].Volunteer == volunteer {
			out = append(out, m.rows[i])
		}
	}
	return out, nil
}

func (m *MemoryLog) Ping(context.Context) error { return nil }
