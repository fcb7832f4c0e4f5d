// Package apperr defines the flat error taxonomy shared by the chat engine,
// the model runtime adapters and the stdio service.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error. Kinds are flat; there is no hierarchy.
type Kind int

const (
	ModelError Kind = iota + 1
	TokenizationError
	ConfigError
	DeviceError
	IoError
	SerializationError
	FeatureNotEnabled
)

var kindLabels = map[Kind]string{
	ModelError:         "Model error",
	TokenizationError:  "Tokenization error",
	ConfigError:        "Configuration error",
	DeviceError:        "Device error",
	IoError:            "IO error",
	SerializationError: "JSON error",
	FeatureNotEnabled:  "Feature not enabled",
}

func (k Kind) String() string {
	if s, ok := kindLabels[k]; ok {
		return s
	}
	return "Error"
}

// Error carries a Kind, a human message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string { return e.Kind.String() + ": " + e.body() }

// body is the message without the kind label. A directly wrapped *Error
// contributes its body only, so the label appears once.
func (e *Error) body() string {
	if e.Err == nil {
		return e.Msg
	}
	cause := e.Err.Error()
	if inner, ok := e.Err.(*Error); ok {
		cause = inner.body()
	}
	if e.Msg == "" {
		return cause
	}
	return e.Msg + ": " + cause
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind.
func New(kind Kind, msg string) error { return &Error{Kind: kind, Msg: msg} }

// Newf is New with fmt.Sprintf formatting.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. Errors that already carry a Kind keep it,
// so the innermost classification wins.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// Wrapf is Wrap with a message prefix. The prefix is kept even when err
// already carries a Kind; only the Kind of err wins.
func Wrapf(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		kind = ae.Kind
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind of err, or 0 when err is unclassified.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return 0
}

// IsKind reports whether err (or anything it wraps) has the given Kind.
func IsKind(err error, kind Kind) bool { return err != nil && KindOf(err) == kind }

func IsModel(err error) bool             { return IsKind(err, ModelError) }
func IsTokenization(err error) bool      { return IsKind(err, TokenizationError) }
func IsConfig(err error) bool            { return IsKind(err, ConfigError) }
func IsDevice(err error) bool            { return IsKind(err, DeviceError) }
func IsFeatureNotEnabled(err error) bool { return IsKind(err, FeatureNotEnabled) }
