package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/austindbirch/fieldqueue/internal/store"
)

var (
	_ Queue = (*Manager)(nil)
	_ Queue = (*Session)(nil)
	_ Queue = (*Fallback)(nil)
)

func newManager(t *testing.T) (*Manager, *store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offline.db")
	st, err := store.Open(path)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewManager(st), st, path
}

func callSubmission(voter string) Submission {
	return Submission{
		Endpoint: "/api/call",
		Method:   "post",
		Body:     json.RawMessage(`{"voter_id":"` + voter + `","outcome":"contacted"}`),
		Headers:  map[string]string{"Content-Type": "application/json"},
	}
}

// queues returns a fresh instance of every implementation.
func queues(t *testing.T) map[string]Queue {
	m, _, _ := newManager(t)
	wrapped, _, _ := newManager(t)
	return map[string]Queue{
		"manager":  m,
		"session":  NewSession(),
		"fallback": NewFallback(wrapped, nil),
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		path string
		want Type
	}{
		{"/api/call", TypeCall},
		{"/api/call?x=1", TypeCall},
		{"/api/canvass", TypeCanvass},
		{"/api/canvass/nearby", TypeCanvass},
		{"/api/pulse", TypePulse},
		{"api/PULSE", TypePulse},
		{"/api/complete", TypeUnknown},
		{"/api/callback", TypeUnknown},
		{"/api/", TypeUnknown},
		{"", TypeUnknown},
	}
	for _, tt := range tests {
		if got := Classify(tt.path); got != tt.want {
			t.Errorf("Classify(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestSavePending_CountsByType(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			id, err := q.SavePending(ctx, callSubmission("V1"))
			if err != nil {
				t.Fatalf("SavePending() error: %v", err)
			}
			if id <= 0 {
				t.Errorf("SavePending() id = %d, want > 0", id)
			}

			c, err := q.GetPendingCount(ctx)
			if err != nil {
				t.Fatalf("GetPendingCount() error: %v", err)
			}
			want := Counts{Call: 1, Canvass: 0, Pulse: 0, Total: 1}
			if c != want {
				t.Errorf("GetPendingCount() = %+v, want %+v", c, want)
			}

			_, _ = q.SavePending(ctx, Submission{Endpoint: "/api/canvass", Method: "POST"})
			_, _ = q.SavePending(ctx, Submission{Endpoint: "/api/pulse", Method: "POST"})
			_, _ = q.SavePending(ctx, Submission{Endpoint: "/api/other", Method: "POST"})

			c, _ = q.GetPendingCount(ctx)
			want = Counts{Call: 1, Canvass: 1, Pulse: 1, Total: 4}
			if c != want {
				t.Errorf("GetPendingCount() = %+v, want %+v", c, want)
			}
		})
	}
}

func TestSavePending_StampsRecord(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			before := time.Now().UnixMilli()

			id, err := q.SavePending(ctx, callSubmission("V1"))
			if err != nil {
				t.Fatalf("SavePending() error: %v", err)
			}

			ops, err := q.GetPending(ctx)
			if err != nil {
				t.Fatalf("GetPending() error: %v", err)
			}
			if len(ops) != 1 {
				t.Fatalf("GetPending() len = %d, want 1", len(ops))
			}
			op := ops[0]
			if op.ID != id {
				t.Errorf("ID = %d, want %d", op.ID, id)
			}
			if op.Method != "POST" {
				t.Errorf("Method = %q, want POST", op.Method)
			}
			if op.Type != TypeCall {
				t.Errorf("Type = %q, want call", op.Type)
			}
			if op.Retries != 0 || op.LastAttempt != nil {
				t.Errorf("Retries = %d, LastAttempt = %v; want 0, nil", op.Retries, op.LastAttempt)
			}
			if op.Timestamp < before {
				t.Errorf("Timestamp = %d, want >= %d", op.Timestamp, before)
			}
			if string(op.Body) != `{"voter_id":"V1","outcome":"contacted"}` {
				t.Errorf("Body = %s", op.Body)
			}
			if op.Headers["Content-Type"] != "application/json" {
				t.Errorf("Headers = %v", op.Headers)
			}
		})
	}
}

func TestSavePending_NoDedupe(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, _ := q.SavePending(ctx, callSubmission("V1"))
			b, _ := q.SavePending(ctx, callSubmission("V1"))
			if a == b {
				t.Errorf("identical submissions got the same id %d", a)
			}
			if c, _ := q.GetPendingCount(ctx); c.Total != 2 {
				t.Errorf("Total = %d, want 2", c.Total)
			}
		})
	}
}

func TestGetPending_InsertionOrder(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var ids []int64
			for _, v := range []string{"A", "B", "C", "D"} {
				id, err := q.SavePending(ctx, callSubmission(v))
				if err != nil {
					t.Fatalf("SavePending(%s): %v", v, err)
				}
				ids = append(ids, id)
			}

			ops, _ := q.GetPending(ctx)
			if len(ops) != len(ids) {
				t.Fatalf("GetPending() len = %d, want %d", len(ops), len(ids))
			}
			for i, op := range ops {
				if op.ID != ids[i] {
					t.Errorf("ops[%d].ID = %d, want %d", i, op.ID, ids[i])
				}
			}
		})
	}
}

func TestClearPending(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, _ := q.SavePending(ctx, callSubmission("V1"))

			if err := q.ClearPending(ctx, id); err != nil {
				t.Fatalf("ClearPending() error: %v", err)
			}
			// a second clear, as from an overlapping pass, is a no-op
			if err := q.ClearPending(ctx, id); err != nil {
				t.Errorf("ClearPending() on missing id error: %v", err)
			}
			if ops, _ := q.GetPending(ctx); len(ops) != 0 {
				t.Errorf("GetPending() = %v, want empty", ops)
			}
		})
	}
}

func TestIDsNeverReused(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first, _ := q.SavePending(ctx, callSubmission("V1"))
			_ = q.ClearAllPending(ctx)
			second, _ := q.SavePending(ctx, callSubmission("V1"))
			if second <= first {
				t.Errorf("id after clear = %d, want > %d", second, first)
			}
		})
	}
}

func TestUpdateRetryCount(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, _ := q.SavePending(ctx, callSubmission("V1"))

			if err := q.UpdateRetryCount(ctx, id, 2); err != nil {
				t.Fatalf("UpdateRetryCount() error: %v", err)
			}
			// a stale pass must not lower the count
			if err := q.UpdateRetryCount(ctx, id, 1); err != nil {
				t.Fatalf("UpdateRetryCount() error: %v", err)
			}

			ops, _ := q.GetPending(ctx)
			if ops[0].Retries != 2 {
				t.Errorf("Retries = %d, want 2", ops[0].Retries)
			}
			if ops[0].LastAttempt == nil {
				t.Error("LastAttempt should be set")
			}
			if string(ops[0].Body) != `{"voter_id":"V1","outcome":"contacted"}` {
				t.Errorf("Body mutated: %s", ops[0].Body)
			}

			if err := q.UpdateRetryCount(ctx, id+100, 3); err != nil {
				t.Errorf("UpdateRetryCount() on missing id error: %v", err)
			}
		})
	}
}

func TestDropPending(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, _ := q.SavePending(ctx, Submission{Endpoint: "/api/pulse", Method: "POST", Body: json.RawMessage(`{"voter_id":"V9"}`)})
			_ = q.UpdateRetryCount(ctx, id, 4)

			dropped, err := q.DropPending(ctx, id, "http 500")
			if err != nil {
				t.Fatalf("DropPending() error: %v", err)
			}
			if !dropped {
				t.Error("DropPending() = false, want true")
			}
			if again, _ := q.DropPending(ctx, id, "http 500"); again {
				t.Error("second DropPending() = true, want false")
			}

			if c, _ := q.GetPendingCount(ctx); c.Total != 0 {
				t.Errorf("pending after drop = %d, want 0", c.Total)
			}

			dl, err := q.DeadLetters(ctx)
			if err != nil {
				t.Fatalf("DeadLetters() error: %v", err)
			}
			if len(dl) != 1 {
				t.Fatalf("DeadLetters() len = %d, want 1", len(dl))
			}
			if dl[0].OperationID != id || dl[0].Attempts != 5 || dl[0].Reason != "http 500" || dl[0].Type != TypePulse {
				t.Errorf("dead letter = %+v", dl[0])
			}

			if err := q.ClearDeadLetters(ctx); err != nil {
				t.Fatalf("ClearDeadLetters() error: %v", err)
			}
			if dl, _ := q.DeadLetters(ctx); len(dl) != 0 {
				t.Errorf("DeadLetters() after clear len = %d", len(dl))
			}
		})
	}
}

func TestManager_DurableAcrossReopen(t *testing.T) {
	m, st, path := newManager(t)
	ctx := context.Background()

	id, err := m.SavePending(ctx, callSubmission("V1"))
	if err != nil {
		t.Fatalf("SavePending() error: %v", err)
	}
	st.Close()

	st2, err := store.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	ops, err := NewManager(st2).GetPending(ctx)
	if err != nil {
		t.Fatalf("GetPending() error: %v", err)
	}
	if len(ops) != 1 || ops[0].ID != id {
		t.Errorf("GetPending() after reopen = %+v, want record %d", ops, id)
	}
}

func TestManager_ConcurrentUpdates(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	id, _ := m.SavePending(ctx, callSubmission("V1"))

	var wg sync.WaitGroup
	for i := 1; i <= 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := m.UpdateRetryCount(ctx, id, n); err != nil {
				t.Errorf("UpdateRetryCount(%d): %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	ops, _ := m.GetPending(ctx)
	if ops[0].Retries != 4 {
		t.Errorf("Retries = %d, want 4", ops[0].Retries)
	}
}

func TestManager_Unavailable(t *testing.T) {
	m, st, _ := newManager(t)
	st.Close()

	_, err := m.SavePending(context.Background(), callSubmission("V1"))
	if !IsUnavailable(err) {
		t.Errorf("SavePending() on closed store error = %v, want ErrUnavailable", err)
	}
	var se *store.StorageError
	if !errors.As(err, &se) {
		t.Errorf("error %v is not a *store.StorageError", err)
	}
}

func TestFallback_DegradesOnce(t *testing.T) {
	m, st, _ := newManager(t)
	ctx := context.Background()

	var calls int
	var reported error
	f := NewFallback(m, func(err error) {
		calls++
		reported = err
	})

	if !f.Durable() {
		t.Error("Durable() = false before any failure")
	}

	st.Close()

	id, err := f.SavePending(ctx, callSubmission("V1"))
	if err != nil {
		t.Fatalf("SavePending() after store loss error: %v", err)
	}
	if id <= 0 {
		t.Errorf("session id = %d", id)
	}
	if f.Durable() {
		t.Error("Durable() = true after degradation")
	}
	if calls != 1 || !IsUnavailable(reported) {
		t.Errorf("onDegrade calls = %d, err = %v", calls, reported)
	}

	_, _ = f.SavePending(ctx, callSubmission("V2"))
	if calls != 1 {
		t.Errorf("onDegrade calls = %d, want 1", calls)
	}

	if c, _ := f.GetPendingCount(ctx); c.Call != 2 {
		t.Errorf("session counts = %+v, want 2 calls", c)
	}
}

func TestFallback_NilPrimary(t *testing.T) {
	f := NewFallback(nil, nil)
	if f.Durable() {
		t.Error("Durable() = true with no primary")
	}
	if _, err := f.SavePending(context.Background(), callSubmission("V1")); err != nil {
		t.Errorf("SavePending() error: %v", err)
	}

	var calls int
	f = NewFallback(nil, func(error) { calls++ })
	f.Degrade(store.ErrUnavailable)
	f.Degrade(store.ErrUnavailable)
	if calls != 1 {
		t.Errorf("onDegrade calls = %d, want 1", calls)
	}
}

func TestFallback_CancelledContextKeepsDurable(t *testing.T) {
	m, _, _ := newManager(t)

	var calls int
	f := NewFallback(m, func(error) { calls++ })
	if _, err := f.SavePending(context.Background(), callSubmission("V1")); err != nil {
		t.Fatalf("SavePending() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := f.GetPendingCount(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("GetPendingCount() error = %v, want context.Canceled", err)
	}
	if _, err := f.GetPending(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("GetPending() error = %v, want context.Canceled", err)
	}
	if _, err := f.DeadLetters(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("DeadLetters() error = %v, want context.Canceled", err)
	}

	if !f.Durable() {
		t.Error("Durable() = false after a cancelled read")
	}
	if calls != 0 {
		t.Errorf("onDegrade calls = %d, want 0", calls)
	}

	ops, err := f.GetPending(context.Background())
	if err != nil {
		t.Fatalf("GetPending() error: %v", err)
	}
	if len(ops) != 1 {
		t.Errorf("pending = %d, want the durable record", len(ops))
	}
}

func TestSavePending_InvalidTypeReclassified(t *testing.T) {
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			subs := []Submission{
				{Endpoint: "/api/canvass", Method: "POST", Type: "bogus"},
				{Endpoint: "/api/complete", Method: "POST", Type: "CALL"},
				{Endpoint: "/api/call", Method: "POST", Type: TypePulse},
			}
			for _, sub := range subs {
				if _, err := q.SavePending(ctx, sub); err != nil {
					t.Fatalf("SavePending(%+v) error: %v", sub, err)
				}
			}

			ops, err := q.GetPending(ctx)
			if err != nil {
				t.Fatalf("GetPending() error: %v", err)
			}
			want := []Type{TypeCanvass, TypeUnknown, TypePulse}
			if len(ops) != len(want) {
				t.Fatalf("GetPending() len = %d, want %d", len(ops), len(want))
			}
			for i, op := range ops {
				if op.Type != want[i] {
					t.Errorf("ops[%d].Type = %q, want %q", i, op.Type, want[i])
				}
			}
		})
	}
}
