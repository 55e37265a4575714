package session

import (
	"encoding/json"
	"time"

	"github.com/adred-codev/broadcastd/internal/domain"
)

// Envelope is one wire frame sent to a recipient connection. Seq is
// assigned per-connection at enqueue time so a client can detect gaps
// across a reconnect.
type Envelope struct {
	Seq       int64              `json:"seq"`
	Type      domain.WireEventType `json:"type"`
	Timestamp int64              `json:"timestamp"`
	Payload   any                `json:"payload,omitempty"`
}

func wrap(seq int64, typ domain.WireEventType, payload any) Envelope {
	return Envelope{Seq: seq, Type: typ, Timestamp: time.Now().UnixMilli(), Payload: payload}
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// MessagePayload is the MESSAGE frame body.
type MessagePayload struct {
	MessageID   string `json:"messageId"`
	BroadcastID string `json:"broadcastId"`
	SenderName  string `json:"senderName"`
	Content     string `json:"content"`
	Priority    string `json:"priority"`
	Category    string `json:"category"`
}

// ReadReceiptPayload is the READ_RECEIPT frame body.
type ReadReceiptPayload struct {
	MessageID string `json:"messageId"`
	ReadAt    int64  `json:"readAt"`
}

// MessageRemovedPayload is the MESSAGE_REMOVED frame body, sent when a
// broadcast is cancelled or expires while still cached client-side.
type MessageRemovedPayload struct {
	BroadcastID string `json:"broadcastId"`
	Reason      string `json:"reason"`
}
