// Package dispatch routes decoded inbound envelopes to conversation
// store mutations, one mutation per envelope, by payload type.
package dispatch

import (
	"fmt"
	"time"

	"github.com/aldenis/chatwire/internal/conn"
	"github.com/aldenis/chatwire/internal/logger"
	"github.com/aldenis/chatwire/internal/metrics"
	"github.com/aldenis/chatwire/internal/protocol"
)

// Store is the conversation-store collaborator contract. The dispatcher
// only writes through it; it never reads conversation state.
type Store interface {
	AddMessage(msg protocol.ChatMessage)
	SetTypingIndicator(userID string, isTyping bool)
	UpdateContactStatus(userID, status string)
	UpdateMessageStatus(messageID, contactID string, status protocol.MessageStatus)
}

// Notifier is the error-notification channel for protocol and
// connection faults that are worth surfacing but never fatal.
type Notifier interface {
	Notify(err error)
}

// LogNotifier is the default Notifier; it logs and nothing else.
type LogNotifier struct {
	Log *logger.Logger
}

func (n *LogNotifier) Notify(err error) {
	if n.Log != nil {
		n.Log.Warnf("notification: %v", err)
	}
}

// Dispatcher turns envelopes into store mutations.
type Dispatcher struct {
	store  Store
	notify Notifier
	log    *logger.Logger
	met    *metrics.Set
}

func New(store Store, notify Notifier, log *logger.Logger, met *metrics.Set) *Dispatcher {
	if log == nil {
		log = logger.New("dispatch")
	}
	if notify == nil {
		notify = &LogNotifier{Log: log}
	}
	return &Dispatcher{store: store, notify: notify, log: log, met: met}
}

// Run consumes the manager's event stream until it closes or the done
// channel fires. Envelopes are dispatched; decode failures, auth
// failures, and reconnect exhaustion are forwarded to the notifier.
func (d *Dispatcher) Run(done <-chan struct{}, events <-chan conn.Event) {
	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case conn.EventEnvelope:
				d.Dispatch(ev.Envelope)
			case conn.EventDecodeError, conn.EventAuthError, conn.EventGaveUp:
				d.notify.Notify(ev.Err)
			case conn.EventStateChanged:
				d.log.Debugf("connection state: %s", ev.State)
			}
		}
	}
}

// Dispatch applies exactly one store mutation for a well-formed
// envelope. Envelopes missing required data for their kind are dropped
// with a warning; that is local recovery, not a connection fault.
func (d *Dispatcher) Dispatch(env protocol.Envelope) {
	switch p := env.Payload.(type) {
	case protocol.MessagePayload:
		d.handleMessage(env, p)
	case protocol.TypingPayload:
		if env.From == "" {
			d.drop(env, "sender")
			return
		}
		d.store.SetTypingIndicator(env.From, p.IsTyping)
	case protocol.StatusPayload:
		if p.Message != "" {
			// Out-of-band acknowledgement (e.g. timezone updated), not a
			// presence change.
			d.log.Debugf("server ack: %s", p.Message)
			return
		}
		d.handleStatus(env, p.Status)
	case protocol.PresencePayload:
		d.handleStatus(env, p.Status)
	case protocol.ReceiptPayload:
		status := protocol.StatusDelivered
		if env.Type == protocol.KindReadReceipt {
			status = protocol.StatusRead
		}
		contact := p.ContactID
		if contact == "" {
			contact = env.From
		}
		if p.MessageID == "" {
			d.drop(env, "messageId")
			return
		}
		d.store.UpdateMessageStatus(p.MessageID, contact, status)
	case protocol.ErrorPayload:
		// Tolerate servers that send bare error frames.
		msg := p.Message
		if msg == "" {
			msg = "unspecified server error"
		}
		d.notify.Notify(fmt.Errorf("server error %d: %s", p.Code, msg))
	case protocol.TimezonePayload:
		// Timezone frames are outbound-only; an echo carries nothing to
		// store.
		d.log.Debugf("ignoring inbound timezone frame from %q", env.From)
	case nil:
		d.drop(env, "payload")
	default:
		// Unreachable while the union stays closed; decode rejects
		// unknown kinds first.
		d.log.Warnf("no route for payload %T", p)
	}
}

func (d *Dispatcher) handleMessage(env protocol.Envelope, p protocol.MessagePayload) {
	sender := env.From
	if sender == "" {
		sender = p.SenderID
	}
	receiver := env.To
	if receiver == "" {
		receiver = p.ReceiverID
	}
	if sender == "" {
		d.drop(env, "sender")
		return
	}
	if p.ID == "" {
		d.drop(env, "id")
		return
	}

	ts, err := protocol.ParseTimestamp(p.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}
	status := protocol.MessageStatus(p.Status)
	switch status {
	case protocol.StatusSent, protocol.StatusDelivered, protocol.StatusRead:
	default:
		status = protocol.StatusSent
	}

	d.store.AddMessage(protocol.ChatMessage{
		ID:          p.ID,
		SenderID:    sender,
		ReceiverID:  receiver,
		Text:        p.Text,
		Attachments: p.Attachments,
		Timestamp:   ts,
		Status:      status,
	})
}

func (d *Dispatcher) handleStatus(env protocol.Envelope, status string) {
	user := env.From
	if user == "" {
		d.drop(env, "sender")
		return
	}
	if status == "" {
		d.drop(env, "status")
		return
	}
	d.store.UpdateContactStatus(user, status)
}

func (d *Dispatcher) drop(env protocol.Envelope, field string) {
	d.log.Warnf("dropping %s envelope: missing %s", env.Type, field)
}
