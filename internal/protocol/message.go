package protocol

import (
	"time"

	"github.com/google/uuid"
)

// MessageStatus tracks a chat message through its delivery lifecycle.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// ChatMessage is the canonical message shape handed to the conversation
// store. The id is generated client-side at send time and is never
// reassigned; server echoes and receipts correlate against it.
type ChatMessage struct {
	ID          string        `json:"id"`
	SenderID    string        `json:"senderId"`
	ReceiverID  string        `json:"receiverId"`
	Text        string        `json:"text"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
	Status      MessageStatus `json:"status"`
}

// NewMessageID returns a globally unique client-generated message id.
func NewMessageID() string {
	return uuid.NewString()
}

// ParseTimestamp reads a wire timestamp, accepting RFC3339 with or
// without sub-second precision. The zero time and an error are returned
// for anything else; callers typically substitute time.Now.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05.999999", s)
}

// WireTimestamp formats a timestamp the way the server emits them.
func WireTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
