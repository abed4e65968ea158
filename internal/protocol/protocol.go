// Package protocol defines the wire envelope exchanged with the chat
// server and the codec that encodes and decodes it.
//
// An envelope is a small JSON object {"type", "from", "to", "payload"}
// whose payload shape is determined by the type. Keepalive frames are
// the bare literals "ping" and "pong" and are not envelopes.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind identifies the payload shape of an envelope. The set is closed:
// decoding any other value yields ReasonUnknownType.
type Kind string

const (
	KindMessage         Kind = "message"
	KindTyping          Kind = "typing"
	KindStatus          Kind = "status"
	KindDeliveryReceipt Kind = "delivery_receipt"
	KindReadReceipt     Kind = "read_receipt"
	KindError           Kind = "error"
	KindPresence        Kind = "presence"
	KindTimezone        Kind = "timezone"
)

// Kinds lists every supported kind, for exhaustive table tests.
var Kinds = []Kind{
	KindMessage,
	KindTyping,
	KindStatus,
	KindDeliveryReceipt,
	KindReadReceipt,
	KindError,
	KindPresence,
	KindTimezone,
}

func (k Kind) Valid() bool {
	switch k {
	case KindMessage, KindTyping, KindStatus, KindDeliveryReceipt,
		KindReadReceipt, KindError, KindPresence, KindTimezone:
		return true
	}
	return false
}

// Keepalive frame literals. The client sends ping on a fixed interval;
// the server answers pong. Neither passes through the dispatcher.
var (
	PingFrame = []byte("ping")
	PongFrame = []byte("pong")
)

func IsPing(data []byte) bool { return bytes.Equal(bytes.TrimSpace(data), PingFrame) }
func IsPong(data []byte) bool { return bytes.Equal(bytes.TrimSpace(data), PongFrame) }

// Envelope is the wire unit. From and To are user ids and may be empty
// for frames that do not address a peer (server errors, acks).
// Envelopes are built for a single send or receive and never retained.
type Envelope struct {
	Type    Kind
	From    string
	To      string
	Payload Payload
}

// Payload is the closed union of per-kind payload shapes. The dispatcher
// switches exhaustively over the concrete value types.
type Payload interface {
	payloadKinds() []Kind
}

// MessagePayload carries a chat message. SenderID and ReceiverID are
// populated from historical field aliases when present; the envelope
// from/to fields remain authoritative when they are set.
type MessagePayload struct {
	ID          string       `json:"id"`
	Text        string       `json:"text"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Status      string       `json:"status,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyTo     string       `json:"reply_to,omitempty"`
	SenderID    string       `json:"-"`
	ReceiverID  string       `json:"-"`
}

func (MessagePayload) payloadKinds() []Kind { return []Kind{KindMessage} }

// message payload field aliases, newest protocol revision first.
var (
	msgIDAliases       = []string{"id", "messageId", "_id"}
	msgTextAliases     = []string{"text", "content", "body"}
	msgTimeAliases     = []string{"timestamp", "time", "created_at"}
	msgSenderAliases   = []string{"senderId", "sender_id", "from"}
	msgReceiverAliases = []string{"receiverId", "recipient_id", "to"}
)

func (p *MessagePayload) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	pick := func(dst *string, aliases ...string) error {
		for _, key := range aliases {
			if v, ok := raw[key]; ok {
				return json.Unmarshal(v, dst)
			}
		}
		return nil
	}
	if err := pick(&p.ID, msgIDAliases...); err != nil {
		return err
	}
	if err := pick(&p.Text, msgTextAliases...); err != nil {
		return err
	}
	if err := pick(&p.Timestamp, msgTimeAliases...); err != nil {
		return err
	}
	if err := pick(&p.SenderID, msgSenderAliases...); err != nil {
		return err
	}
	if err := pick(&p.ReceiverID, msgReceiverAliases...); err != nil {
		return err
	}
	if err := pick(&p.Status, "status"); err != nil {
		return err
	}
	if err := pick(&p.ReplyTo, "reply_to", "replyTo"); err != nil {
		return err
	}
	if v, ok := raw["attachments"]; ok {
		if err := json.Unmarshal(v, &p.Attachments); err != nil {
			return err
		}
	}
	return nil
}

// TypingPayload flags the start or end of typing by the envelope sender.
type TypingPayload struct {
	IsTyping bool `json:"isTyping"`
}

func (TypingPayload) payloadKinds() []Kind { return []Kind{KindTyping} }

// StatusPayload reports a contact's presence status, or acknowledges an
// out-of-band update ("ok" acks carry a Message instead of LastSeen).
type StatusPayload struct {
	Status   string `json:"status"`
	LastSeen string `json:"lastSeen,omitempty"`
	Message  string `json:"message,omitempty"`
}

func (StatusPayload) payloadKinds() []Kind { return []Kind{KindStatus} }

// PresencePayload mirrors StatusPayload on the dedicated presence kind.
type PresencePayload struct {
	Status   string `json:"status"`
	LastSeen string `json:"lastSeen,omitempty"`
}

func (PresencePayload) payloadKinds() []Kind { return []Kind{KindPresence} }

// ReceiptPayload is shared by delivery and read receipts; the envelope
// type disambiguates. ContactID names the peer whose copy of the message
// changed state; older servers leave it empty and rely on the envelope
// from field.
type ReceiptPayload struct {
	MessageID string `json:"messageId"`
	ContactID string `json:"contactId,omitempty"`
	Status    string `json:"status,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

func (ReceiptPayload) payloadKinds() []Kind {
	return []Kind{KindDeliveryReceipt, KindReadReceipt}
}

// ErrorPayload is a server-reported fault. Both fields are optional; a
// bare {"type":"error"} frame decodes cleanly.
type ErrorPayload struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func (ErrorPayload) payloadKinds() []Kind { return []Kind{KindError} }

// TimezonePayload informs the server of the local IANA timezone.
// VerifyOnly asks the server to validate without persisting.
type TimezonePayload struct {
	Timezone   string `json:"timezone"`
	VerifyOnly bool   `json:"verifyOnly,omitempty"`
}

func (TimezonePayload) payloadKinds() []Kind { return []Kind{KindTimezone} }

// Attachment describes a file referenced by a message. The blob itself
// lives behind the URL; the envelope never carries file bytes.
type Attachment struct {
	Type     string            `json:"type"`
	URL      string            `json:"url"`
	Name     string            `json:"name"`
	Size     int64             `json:"size"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func payloadMatches(p Payload, kind Kind) bool {
	for _, k := range p.payloadKinds() {
		if k == kind {
			return true
		}
	}
	return false
}

type wireEnvelope struct {
	Type    Kind            `json:"type"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes an envelope to its wire form.
func Encode(env Envelope) ([]byte, error) {
	if !env.Type.Valid() {
		return nil, fmt.Errorf("protocol: encode: unknown kind %q", env.Type)
	}
	var payload json.RawMessage
	if env.Payload != nil {
		if !payloadMatches(env.Payload, env.Type) {
			return nil, fmt.Errorf("protocol: encode: payload %T does not match envelope kind %q",
				env.Payload, env.Type)
		}
		data, err := json.Marshal(env.Payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: encode payload: %w", err)
		}
		payload = data
	}
	return json.Marshal(wireEnvelope{Type: env.Type, From: env.From, To: env.To, Payload: payload})
}

// Decode parses a wire frame into an envelope. Failures are reported as
// *DecodeError and are never fatal to the connection; callers should
// check IsPing/IsPong first since keepalive frames are not envelopes.
func Decode(data []byte) (Envelope, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, &DecodeError{Reason: ReasonMalformed, cause: err}
	}
	if !wire.Type.Valid() {
		return Envelope{}, &DecodeError{Reason: ReasonUnknownType, Kind: wire.Type}
	}

	payload, err := decodePayload(wire.Type, wire.Payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: wire.Type, From: wire.From, To: wire.To, Payload: payload}, nil
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	fields := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, &DecodeError{Reason: ReasonMalformed, Kind: kind, cause: err}
		}
	}
	missing := func(field string) error {
		return &DecodeError{Reason: ReasonMissingField, Kind: kind, Field: field}
	}
	malformed := func(err error) error {
		return &DecodeError{Reason: ReasonMalformed, Kind: kind, cause: err}
	}

	switch kind {
	case KindMessage:
		var p MessagePayload
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, malformed(err)
			}
		}
		if p.ID == "" {
			return nil, missing("id")
		}
		if p.Text == "" && len(p.Attachments) == 0 {
			return nil, missing("text")
		}
		return p, nil
	case KindTyping:
		if _, ok := fields["isTyping"]; !ok {
			return nil, missing("isTyping")
		}
		var p TypingPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, malformed(err)
		}
		return p, nil
	case KindStatus:
		if _, ok := fields["status"]; !ok {
			return nil, missing("status")
		}
		var p StatusPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, malformed(err)
		}
		return p, nil
	case KindPresence:
		if _, ok := fields["status"]; !ok {
			return nil, missing("status")
		}
		var p PresencePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, malformed(err)
		}
		return p, nil
	case KindDeliveryReceipt, KindReadReceipt:
		if _, ok := fields["messageId"]; !ok {
			return nil, missing("messageId")
		}
		var p ReceiptPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, malformed(err)
		}
		return p, nil
	case KindError:
		// Error frames tolerate any shape, including an absent payload.
		var p ErrorPayload
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &p)
		}
		return p, nil
	case KindTimezone:
		if _, ok := fields["timezone"]; !ok {
			return nil, missing("timezone")
		}
		var p TimezonePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, malformed(err)
		}
		return p, nil
	}
	return nil, &DecodeError{Reason: ReasonUnknownType, Kind: kind}
}
