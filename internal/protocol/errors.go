package protocol

import "fmt"

// DecodeReason classifies why a wire frame failed to decode.
type DecodeReason int

const (
	// ReasonMalformed means the frame was not parseable JSON, or a
	// payload field had the wrong shape.
	ReasonMalformed DecodeReason = iota
	// ReasonUnknownType means the type field is outside the closed enum.
	ReasonUnknownType
	// ReasonMissingField means a field required by the frame's kind was
	// absent.
	ReasonMissingField
)

func (r DecodeReason) String() string {
	switch r {
	case ReasonMalformed:
		return "malformed"
	case ReasonUnknownType:
		return "unknown type"
	case ReasonMissingField:
		return "missing field"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// DecodeError reports a rejected inbound frame. Decode errors are
// local-recovery events: the connection stays up and the frame is
// dropped after notification.
type DecodeError struct {
	Reason DecodeReason
	Kind   Kind   // envelope kind, when it could be read
	Field  string // set for ReasonMissingField
	cause  error
}

func (e *DecodeError) Error() string {
	switch e.Reason {
	case ReasonUnknownType:
		return fmt.Sprintf("protocol: unknown envelope type %q", e.Kind)
	case ReasonMissingField:
		return fmt.Sprintf("protocol: %s envelope missing required field %q", e.Kind, e.Field)
	}
	if e.cause != nil {
		return fmt.Sprintf("protocol: malformed frame: %v", e.cause)
	}
	return "protocol: malformed frame"
}

func (e *DecodeError) Unwrap() error { return e.cause }
