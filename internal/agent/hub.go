package agent

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/austindbirch/fieldqueue/internal/logging"
	"github.com/austindbirch/fieldqueue/internal/replay"
)

const subscriberBuffer = 64

type subscriber struct {
	id   string
	send chan Message
}

// Hub fans notifications out to every connected page. A subscriber whose
// buffer is full is disconnected rather than blocking the others.
type Hub struct {
	subs       map[string]*subscriber
	broadcast  chan Message
	unregister chan *subscriber
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
	logger     *logging.Logger
}

func NewHub() *Hub {
	h := &Hub{
		subs:       make(map[string]*subscriber),
		broadcast:  make(chan Message, 256),
		unregister: make(chan *subscriber),
		done:       make(chan struct{}),
		logger:     logging.New("hub"),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case s := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.subs[s.id]; ok {
				delete(h.subs, s.id)
				close(s.send)
			}
			n := len(h.subs)
			h.mu.Unlock()
			h.logger.Plain().WithField("subscriber", s.id).WithField("total", n).Debug("page disconnected")

		case msg := <-h.broadcast:
			h.mu.Lock()
			for id, s := range h.subs {
				select {
				case s.send <- msg:
				default:
					close(s.send)
					delete(h.subs, id)
					h.logger.Plain().WithField("subscriber", id).Warn("page too slow, disconnected")
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			for id, s := range h.subs {
				close(s.send)
				delete(h.subs, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Subscribe attaches a page. The channel is closed when the page is
// unsubscribed, dropped for being slow, or the hub closes.
func (h *Hub) Subscribe() (<-chan Message, func()) {
	s := &subscriber{id: uuid.NewString(), send: make(chan Message, subscriberBuffer)}

	// registered before returning so the caller sees every later broadcast
	h.mu.Lock()
	select {
	case <-h.done:
		h.mu.Unlock()
		close(s.send)
		return s.send, func() {}
	default:
	}
	h.subs[s.id] = s
	n := len(h.subs)
	h.mu.Unlock()
	h.logger.Plain().WithField("subscriber", s.id).WithField("total", n).Debug("page connected")

	var once sync.Once
	return s.send, func() {
		once.Do(func() {
			select {
			case h.unregister <- s:
			case <-h.done:
			}
		})
	}
}

// Broadcast queues msg for every connected page.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

func (h *Hub) notify(t MessageType, data any) {
	msg, err := NewMessage(t, data)
	if err != nil {
		h.logger.Plain().WithError(err).Error("build notification")
		return
	}
	h.Broadcast(msg)
}

// NotifySyncComplete matches replay.Options.OnComplete.
func (h *Hub) NotifySyncComplete(_ context.Context, res replay.Result) {
	h.notify(MsgSyncComplete, SyncComplete{
		Success:   res.Success,
		Failed:    res.Failed,
		Dropped:   res.Dropped,
		Remaining: res.Remaining,
	})
}

// NotifyStorageUnavailable matches the queue.Fallback degrade callback.
func (h *Hub) NotifyStorageUnavailable(err error) {
	h.logger.Plain().WithError(err).Warn("offline storage unavailable, queued writes last for this session only")
	h.notify(MsgStorageUnavailable, StorageUnavailable{
		Message: "Offline storage is unavailable. Submissions made while offline will be lost if the agent restarts.",
	})
}

// Count returns the number of connected pages.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}
