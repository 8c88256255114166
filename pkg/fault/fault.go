// Package fault defines the error kinds shared by every layer that talks to the device.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	Transport
	MalformedBody
	MissingField
	DeviceRejected
	Validation
	FatalDisconnect
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case MalformedBody:
		return "malformed_body"
	case MissingField:
		return "missing_field"
	case DeviceRejected:
		return "device_rejected"
	case Validation:
		return "validation"
	case FatalDisconnect:
		return "fatal_disconnect"
	default:
		return "unknown"
	}
}

// Error is the single error type produced by the device client.
type Error struct {
	Kind  Kind
	Op    string // operation that failed, e.g. "toggle recording"
	Field string // node name for MissingField
	Code  string // device status code for DeviceRejected
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	var detail string
	switch e.Kind {
	case MissingField:
		detail = fmt.Sprintf("missing field %s", e.Field)
	case DeviceRejected:
		detail = fmt.Sprintf("device rejected command (status %s)", e.Code)
	default:
		detail = e.Kind.String()
	}
	if e.Msg != "" {
		detail += ": " + e.Msg
	}
	if e.Err != nil {
		detail += ": " + e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + detail
	}
	return detail
}

func (e *Error) Unwrap() error {
	return e.Err
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	if fe, ok := As(err); ok {
		return fe.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// Code returns the device status code of a DeviceRejected error.
func Code(err error) (string, bool) {
	fe, ok := As(err)
	if !ok || fe.Kind != DeviceRejected {
		return "", false
	}
	return fe.Code, true
}

// Terminal reports whether err means the device could not be reached or
// did not speak the protocol at all.
func Terminal(err error) bool {
	k := KindOf(err)
	return k == Transport || k == MalformedBody
}

// WithOp returns a copy of err tagged with op, if err is an *Error
// without one. Other errors are wrapped.
func WithOp(op string, err error) error {
	if err == nil {
		return nil
	}
	if fe, ok := As(err); ok {
		if fe.Op != "" {
			return err
		}
		cp := *fe
		cp.Op = op
		return &cp
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Transportf wraps a network level error.
func Transportf(err error, format string, args ...interface{}) error {
	return &Error{Kind: Transport, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Malformed reports an unparseable body.
func Malformed(err error) error {
	return &Error{Kind: MalformedBody, Err: err}
}

// Missing reports an absent XML node.
func Missing(field string) error {
	return &Error{Kind: MissingField, Field: field}
}

// Rejected reports a non-zero device status.
func Rejected(code string) error {
	return &Error{Kind: DeviceRejected, Code: code}
}

// Invalid reports a local precondition failure.
func Invalid(op, format string, args ...interface{}) error {
	return &Error{Kind: Validation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Disconnected reports that the session has been declared dead.
func Disconnected(op string) error {
	return &Error{Kind: FatalDisconnect, Op: op, Msg: "session disconnected, reset required"}
}
