// Package store provides an in-memory conversation store: the local
// collaborator that accepts inbound events and backs the UI.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/aldenis/chatwire/internal/protocol"
)

// typingTTL bounds how long a typing flag stays truthful without a
// follow-up frame.
const typingTTL = 10 * time.Second

// Memory is a process-local conversation store. It satisfies
// dispatch.Store and adds the read accessors a front end needs.
type Memory struct {
	mu       sync.RWMutex
	messages map[string]*protocol.ChatMessage
	order    []string // message ids in arrival order
	typing   map[string]time.Time
	statuses map[string]string
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		messages: make(map[string]*protocol.ChatMessage),
		typing:   make(map[string]time.Time),
		statuses: make(map[string]string),
		now:      time.Now,
	}
}

// AddMessage appends a message, deduping against server echoes of a
// message this client already holds under the same id.
func (s *Memory) AddMessage(msg protocol.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.messages[msg.ID]; ok {
		// Keep the local copy; echoes may carry a newer status.
		if rank(msg.Status) > rank(existing.Status) {
			existing.Status = msg.Status
		}
		return
	}
	stored := msg
	s.messages[msg.ID] = &stored
	s.order = append(s.order, msg.ID)
}

func (s *Memory) SetTypingIndicator(userID string, isTyping bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if isTyping {
		s.typing[userID] = s.now()
	} else {
		delete(s.typing, userID)
	}
}

func (s *Memory) UpdateContactStatus(userID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[userID] = status
}

// UpdateMessageStatus advances a message's delivery status. Status only
// moves forward: a late delivery receipt never demotes a read message.
func (s *Memory) UpdateMessageStatus(messageID, contactID string, status protocol.MessageStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return
	}
	if status == protocol.StatusFailed || rank(status) > rank(msg.Status) {
		msg.Status = status
	}
}

// Message returns a copy of one message by id.
func (s *Memory) Message(id string) (protocol.ChatMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return protocol.ChatMessage{}, false
	}
	return *msg, true
}

// Conversation returns the messages exchanged with one peer, in
// timestamp order.
func (s *Memory) Conversation(peerID string) []protocol.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []protocol.ChatMessage
	for _, id := range s.order {
		msg := s.messages[id]
		if msg.SenderID == peerID || msg.ReceiverID == peerID {
			out = append(out, *msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// IsTyping reports whether a peer's typing flag is set and fresh.
func (s *Memory) IsTyping(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	since, ok := s.typing[userID]
	return ok && s.now().Sub(since) < typingTTL
}

// ContactStatus returns a contact's last known presence status.
func (s *Memory) ContactStatus(userID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if status, ok := s.statuses[userID]; ok {
		return status
	}
	return "offline"
}

func rank(status protocol.MessageStatus) int {
	switch status {
	case protocol.StatusSent:
		return 1
	case protocol.StatusDelivered:
		return 2
	case protocol.StatusRead:
		return 3
	}
	return 0
}
