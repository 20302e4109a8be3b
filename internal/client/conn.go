package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/austindbirch/fieldqueue/internal/agent"
	"github.com/austindbirch/fieldqueue/internal/connectivity"
	"github.com/austindbirch/fieldqueue/internal/logging"
	"github.com/austindbirch/fieldqueue/internal/queue"
)

const writeWait = 10 * time.Second

var ErrClosed = errors.New("agent channel closed")

// Conn is a page's message channel to the agent. Replies are matched to
// requests by id; everything else is delivered on Notifications.
type Conn struct {
	ws     *websocket.Conn
	logger *logging.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan agent.Message
	closed  bool

	notes     chan agent.Message
	done      chan struct{}
	closeOnce sync.Once
}

// Dial opens the channel at agentURL + /agent/ws.
func Dial(ctx context.Context, agentURL string, header http.Header) (*Conn, error) {
	u, err := url.Parse(strings.TrimRight(agentURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse agent url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path += "/agent/ws"

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrAgentUnreachable, u.Redacted(), err)
	}

	c := &Conn{
		ws:      ws,
		logger:  logging.New("client"),
		pending: make(map[string]chan agent.Message),
		notes:   make(chan agent.Message, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Notifications delivers broadcasts and unmatched replies. It is closed when
// the channel goes away.
func (c *Conn) Notifications() <-chan agent.Message { return c.notes }

// Done is closed when the channel goes away.
func (c *Conn) Done() <-chan struct{} { return c.done }

// QueueSubmission asks the agent to store sub. Success has no reply; the
// agent broadcasts SUBMISSION_QUEUED, and a rejection arrives as ERROR.
func (c *Conn) QueueSubmission(ctx context.Context, sub queue.Submission) error {
	msg, err := agent.NewMessage(agent.MsgQueueSubmission, sub)
	if err != nil {
		return err
	}
	return c.send(ctx, msg)
}

// ForceSync asks for a replay pass now. The outcome arrives as SYNC_COMPLETE.
func (c *Conn) ForceSync(ctx context.Context) error {
	msg, err := agent.NewMessage(agent.MsgForceSync, nil)
	if err != nil {
		return err
	}
	return c.send(ctx, msg)
}

// GetQueueStatus asks for the queue status and waits for the reply.
func (c *Conn) GetQueueStatus(ctx context.Context) (connectivity.Status, error) {
	msg, err := agent.NewMessage(agent.MsgGetQueueStatus, nil)
	if err != nil {
		return connectivity.Status{}, err
	}
	rep, err := c.request(ctx, msg)
	if err != nil {
		return connectivity.Status{}, err
	}

	switch rep.Type {
	case agent.MsgQueueStatus:
		var st connectivity.Status
		if err := json.Unmarshal(rep.Data, &st); err != nil {
			return connectivity.Status{}, fmt.Errorf("decode queue status: %w", err)
		}
		return st, nil
	case agent.MsgError:
		var e agent.ErrorData
		_ = json.Unmarshal(rep.Data, &e)
		return connectivity.Status{}, fmt.Errorf("agent: %s", e.Message)
	default:
		return connectivity.Status{}, fmt.Errorf("unexpected reply %s", rep.Type)
	}
}

func (c *Conn) request(ctx context.Context, msg agent.Message) (agent.Message, error) {
	ch := make(chan agent.Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return agent.Message{}, ErrClosed
	}
	c.pending[msg.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	if err := c.send(ctx, msg); err != nil {
		return agent.Message{}, err
	}

	select {
	case rep, ok := <-ch:
		if !ok {
			return agent.Message{}, ErrClosed
		}
		return rep, nil
	case <-ctx.Done():
		return agent.Message{}, ctx.Err()
	}
}

func (c *Conn) send(ctx context.Context, msg agent.Message) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Conn) readLoop() {
	defer c.shutdown()
	for {
		var msg agent.Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, net.ErrClosed) {
				c.logger.Plain().WithError(err).Debug("agent channel read ended")
			}
			return
		}

		if msg.ReplyTo != "" {
			c.mu.Lock()
			ch, ok := c.pending[msg.ReplyTo]
			c.mu.Unlock()
			if ok {
				ch <- msg
				continue
			}
		}

		select {
		case c.notes <- msg:
		default:
			c.logger.Plain().WithField("type", msg.Type).Warn("notification dropped, reader too slow")
		}
	}
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.done)
		close(c.notes)
	})
}

// Close sends a close frame and releases the connection.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}
