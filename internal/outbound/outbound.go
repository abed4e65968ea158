// Package outbound builds well-formed envelopes for each client action
// and hands them to the connection manager for transmission.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aldenis/chatwire/internal/auth"
	"github.com/aldenis/chatwire/internal/conn"
	"github.com/aldenis/chatwire/internal/dispatch"
	"github.com/aldenis/chatwire/internal/logger"
	"github.com/aldenis/chatwire/internal/metrics"
	"github.com/aldenis/chatwire/internal/protocol"
)

// ErrSendAbandoned means the bounded reconnect-and-retry did not get
// the socket open in time and the send was dropped. There is no
// internal queue: bounding growth is a deliberate backpressure choice.
var ErrSendAbandoned = errors.New("outbound: send abandoned, connection not open")

// ErrNotAuthenticated means no current user is available to stamp as
// the sender.
var ErrNotAuthenticated = errors.New("outbound: not authenticated")

const defaultRetryDelay = 1500 * time.Millisecond

// API is the typed send surface. All methods are safe for concurrent
// use.
type API struct {
	mgr        *conn.Manager
	store      dispatch.Store
	auth       auth.Provider
	log        *logger.Logger
	met        *metrics.Set
	retryDelay time.Duration
	tracer     trace.Tracer
	now        func() time.Time
}

func New(mgr *conn.Manager, store dispatch.Store, provider auth.Provider, log *logger.Logger, met *metrics.Set, retryDelay time.Duration) *API {
	if log == nil {
		log = logger.New("outbound")
	}
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	return &API{
		mgr:        mgr,
		store:      store,
		auth:       provider,
		log:        log,
		met:        met,
		retryDelay: retryDelay,
		tracer:     otel.Tracer("github.com/aldenis/chatwire/internal/outbound"),
		now:        time.Now,
	}
}

// SendChatMessage pushes the message to the local store with status
// "sent" before transmission, so the conversation reflects it
// immediately and independent of network latency, then transmits the
// envelope. The generated message id is returned even on failure so the
// caller can correlate the failed entry.
func (a *API) SendChatMessage(ctx context.Context, receiverID, text string, attachments []protocol.Attachment) (string, error) {
	sender, ok := a.auth.CurrentUser()
	if !ok {
		return "", ErrNotAuthenticated
	}

	id := protocol.NewMessageID()
	ts := a.now().UTC()
	a.store.AddMessage(protocol.ChatMessage{
		ID:          id,
		SenderID:    sender,
		ReceiverID:  receiverID,
		Text:        text,
		Attachments: attachments,
		Timestamp:   ts,
		Status:      protocol.StatusSent,
	})

	env := protocol.Envelope{
		Type: protocol.KindMessage,
		From: sender,
		To:   receiverID,
		Payload: protocol.MessagePayload{
			ID:          id,
			Text:        text,
			Timestamp:   protocol.WireTimestamp(ts),
			Status:      string(protocol.StatusSent),
			Attachments: attachments,
		},
	}
	if err := a.send(ctx, env); err != nil {
		a.store.UpdateMessageStatus(id, receiverID, protocol.StatusFailed)
		return id, err
	}
	return id, nil
}

// SendTyping signals the start or end of typing to a peer.
func (a *API) SendTyping(ctx context.Context, receiverID string, isTyping bool) error {
	sender, ok := a.auth.CurrentUser()
	if !ok {
		return ErrNotAuthenticated
	}
	return a.send(ctx, protocol.Envelope{
		Type:    protocol.KindTyping,
		From:    sender,
		To:      receiverID,
		Payload: protocol.TypingPayload{IsTyping: isTyping},
	})
}

// SendReadReceipt marks a peer's message as read on their side.
func (a *API) SendReadReceipt(ctx context.Context, receiverID, messageID string) error {
	sender, ok := a.auth.CurrentUser()
	if !ok {
		return ErrNotAuthenticated
	}
	return a.send(ctx, protocol.Envelope{
		Type: protocol.KindReadReceipt,
		From: sender,
		To:   receiverID,
		Payload: protocol.ReceiptPayload{
			MessageID: messageID,
			ContactID: sender,
			Status:    string(protocol.StatusRead),
			Timestamp: protocol.WireTimestamp(a.now()),
		},
	})
}

// SendPresence reports this user's own presence status.
func (a *API) SendPresence(ctx context.Context, status string) error {
	sender, ok := a.auth.CurrentUser()
	if !ok {
		return ErrNotAuthenticated
	}
	return a.send(ctx, protocol.Envelope{
		Type: protocol.KindPresence,
		From: sender,
		Payload: protocol.PresencePayload{
			Status:   status,
			LastSeen: protocol.WireTimestamp(a.now()),
		},
	})
}

// SendTimezone reports the local timezone. With verifyOnly the server
// validates the zone without persisting it.
func (a *API) SendTimezone(ctx context.Context, tz string, verifyOnly bool) error {
	sender, ok := a.auth.CurrentUser()
	if !ok {
		return ErrNotAuthenticated
	}
	return a.send(ctx, protocol.Envelope{
		Type:    protocol.KindTimezone,
		From:    sender,
		Payload: protocol.TimezonePayload{Timezone: tz, VerifyOnly: verifyOnly},
	})
}

// send transmits once, and on ErrNotConnected triggers Connect, waits a
// short fixed delay for the new connection to come up, and retries
// exactly once. A still-closed socket abandons the send.
func (a *API) send(ctx context.Context, env protocol.Envelope) error {
	ctx, span := a.tracer.Start(ctx, "chatwire.send",
		trace.WithAttributes(attribute.String("envelope.type", string(env.Type))))
	defer span.End()

	err := a.mgr.Send(env)
	if err == nil {
		return nil
	}
	if !errors.Is(err, conn.ErrNotConnected) {
		span.RecordError(err)
		return err
	}

	a.log.Infof("socket not open for %s envelope, reconnecting", env.Type)
	a.mgr.Connect()
	select {
	case <-time.After(a.retryDelay):
	case <-ctx.Done():
		span.RecordError(ctx.Err())
		return ctx.Err()
	}

	if err := a.mgr.Send(env); err != nil {
		a.met.IncSendFailure()
		span.RecordError(err)
		if errors.Is(err, conn.ErrNotConnected) {
			return fmt.Errorf("%w: %s", ErrSendAbandoned, env.Type)
		}
		return err
	}
	return nil
}
