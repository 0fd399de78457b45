// Package rterr defines the error taxonomy shared by the realtime connection
// subsystem. Every error carries a machine-readable Kind plus a message that
// is safe to show to an end user.
package rterr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/antoniostano/rtvoice/internal/reliability"
)

type Kind string

const (
	KindCredential         Kind = "credential"
	KindNegotiation        Kind = "negotiation"
	KindNegotiationTimeout Kind = "negotiation_timeout"
	KindPermission         Kind = "permission"
	KindDevice             Kind = "device"
	KindNotConnected       Kind = "not_connected"
	KindProtocol           Kind = "protocol"
	KindRemote             Kind = "remote"
	KindConfig             Kind = "config"
)

// Error is the concrete error type for every Kind.
type Error struct {
	Kind      Kind
	Message   string
	Detail    string
	Status    int
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Status > 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " [%s]", e.Code)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// UserMessage returns display text, falling back to a generic message per kind.
func (e *Error) UserMessage() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Message) != "" {
		return e.Message
	}
	return defaultMessage(e.Kind)
}

func defaultMessage(k Kind) string {
	switch k {
	case KindCredential:
		return "Could not obtain a session token. Please try again."
	case KindNegotiation:
		return "Could not establish a connection with the voice service."
	case KindNegotiationTimeout:
		return "Connecting to the voice service took too long."
	case KindPermission:
		return "Microphone access was denied."
	case KindDevice:
		return "No audio input device is available."
	case KindNotConnected:
		return "You are not connected."
	case KindProtocol:
		return "Received an unreadable message from the voice service."
	case KindRemote:
		return "The voice service reported an error."
	case KindConfig:
		return "The session settings are invalid."
	default:
		return "Something went wrong."
	}
}

func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func Wrap(kind Kind, err error, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// Credential and Negotiation treat status 0 (no HTTP response) as transient.
func Credential(status int, detail string, err error) *Error {
	return &Error{Kind: KindCredential, Status: status, Detail: detail, Err: err, Retryable: retryableStatus(status)}
}

func Negotiation(status int, detail string, err error) *Error {
	return &Error{Kind: KindNegotiation, Status: status, Detail: detail, Err: err, Retryable: retryableStatus(status)}
}

func retryableStatus(status int) bool {
	return status == 0 || reliability.IsRetryableHTTPStatus(status)
}

func NegotiationTimeout(detail string) *Error {
	return &Error{Kind: KindNegotiationTimeout, Detail: detail, Retryable: true}
}

func NotConnected(detail string) *Error {
	return &Error{Kind: KindNotConnected, Detail: detail}
}

func Protocol(err error, detail string) *Error {
	return &Error{Kind: KindProtocol, Detail: detail, Err: err}
}

// Remote builds an error from an error-typed inbound event; the remote
// message is what the user sees.
func Remote(code, message string) *Error {
	return &Error{Kind: KindRemote, Code: code, Detail: message, Message: message}
}

func Config(detail string) *Error {
	return &Error{Kind: KindConfig, Detail: detail, Message: "Invalid session settings: " + detail}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether a reconnection attempt may cure err.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Retryable
}

// UserMessage returns the display text for err, wrapping foreign errors.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.UserMessage()
	}
	return defaultMessage("")
}
