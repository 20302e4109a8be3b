package agent

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/austindbirch/fieldqueue/internal/queue"
)

type MessageType string

// Page to agent.
const (
	MsgQueueSubmission MessageType = "QUEUE_SUBMISSION"
	MsgGetQueueStatus  MessageType = "GET_QUEUE_STATUS"
	MsgForceSync       MessageType = "FORCE_SYNC"
)

// Agent to page.
const (
	MsgQueueStatus        MessageType = "QUEUE_STATUS"
	MsgSubmissionQueued   MessageType = "SUBMISSION_QUEUED"
	MsgSyncComplete       MessageType = "SYNC_COMPLETE"
	MsgStorageUnavailable MessageType = "STORAGE_UNAVAILABLE"
	MsgError              MessageType = "ERROR"
)

// Message is the envelope on the agent channel. Replies carry the id of the
// request in ReplyTo.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    MessageType     `json:"type"`
	ReplyTo string          `json:"replyTo,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type SubmissionQueued struct {
	ID       int64      `json:"id"`
	Type     queue.Type `json:"type"`
	Endpoint string     `json:"endpoint"`
	Durable  bool       `json:"durable"`
}

type SyncComplete struct {
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Dropped   int `json:"dropped"`
	Remaining int `json:"remaining"`
}

type StorageUnavailable struct {
	Message string `json:"message"`
}

type ErrorData struct {
	Message string `json:"message"`
}

// NewMessage builds a message with a fresh id.
func NewMessage(t MessageType, data any) (Message, error) {
	msg := Message{ID: uuid.NewString(), Type: t}
	if data == nil {
		return msg, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s: %w", t, err)
	}
	msg.Data = raw
	return msg, nil
}

func reply(to Message, t MessageType, data any) Message {
	msg, err := NewMessage(t, data)
	if err != nil {
		msg, _ = NewMessage(MsgError, ErrorData{Message: err.Error()})
	}
	msg.ReplyTo = to.ID
	return msg
}

func errorReply(to Message, format string, args ...any) Message {
	return reply(to, MsgError, ErrorData{Message: fmt.Sprintf(format, args...)})
}
