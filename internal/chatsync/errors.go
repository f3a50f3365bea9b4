package chatsync

import (
	"errors"
	"fmt"
)

var (
	ErrAuthTokenUnavailable = errors.New("auth token unavailable")
	ErrTransport            = errors.New("transport error")
	ErrProtocol             = errors.New("protocol error")
	ErrUncleanClose         = errors.New("connection closed uncleanly")
	ErrCleanClose           = errors.New("connection closed cleanly")

	// ErrCredentialRejected marks a protocol failure caused by the broker refusing the credential.
	ErrCredentialRejected = errors.New("credential rejected")
	// ErrHeartbeatTimeout marks an unclean close detected by missing heart-beats.
	ErrHeartbeatTimeout = errors.New("heart-beat timeout")

	// ErrSubscriptionFailure means subscribe was attempted without a usable connection.
	// Callers retry after the next successful connect.
	ErrSubscriptionFailure = errors.New("subscription failure: connection not ready")

	ErrNotReady      = errors.New("not ready")
	ErrPublishFailed = errors.New("publish failed")

	ErrConnectionClosed = errors.New("connection closed")
	ErrNoIdentity       = errors.New("identity required")
	ErrNoConversation   = errors.New("conversation required")
)

// FailureKind classifies what went wrong with the connection.
type FailureKind int

const (
	FailureAuthTokenUnavailable FailureKind = iota + 1
	FailureTransport
	FailureProtocol
	FailureUncleanClose
	FailureCleanClose
)

func (k FailureKind) String() string {
	switch k {
	case FailureAuthTokenUnavailable:
		return "auth_token_unavailable"
	case FailureTransport:
		return "transport_error"
	case FailureProtocol:
		return "protocol_error"
	case FailureUncleanClose:
		return "unclean_close"
	case FailureCleanClose:
		return "clean_close"
	default:
		return "unknown"
	}
}

// Retryable reports whether the manager heals this failure on its own.
func (k FailureKind) Retryable() bool {
	return k == FailureTransport || k == FailureUncleanClose
}

func (k FailureKind) sentinel() error {
	switch k {
	case FailureAuthTokenUnavailable:
		return ErrAuthTokenUnavailable
	case FailureTransport:
		return ErrTransport
	case FailureProtocol:
		return ErrProtocol
	case FailureUncleanClose:
		return ErrUncleanClose
	case FailureCleanClose:
		return ErrCleanClose
	default:
		return nil
	}
}

// Failure is a classified connection failure reported to the owner.
type Failure struct {
	Kind FailureKind
	Err  error
}

func newFailure(kind FailureKind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Kind.String()
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Is matches the sentinel of the failure kind.
func (f *Failure) Is(target error) bool {
	return target != nil && target == f.Kind.sentinel()
}

// Send error codes.
const (
	SendCodeNotReady      = "not_ready"
	SendCodePublishFailed = "publish_failed"
)

// SendError is returned by Publisher.Send.
type SendError struct {
	Code   string
	Reason string
	Err    error
}

func notReady(reason string) *SendError {
	return &SendError{Code: SendCodeNotReady, Reason: reason}
}

func (e *SendError) Error() string {
	msg := e.Code
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Is matches ErrNotReady or ErrPublishFailed by code.
func (e *SendError) Is(target error) bool {
	switch target {
	case ErrNotReady:
		return e.Code == SendCodeNotReady
	case ErrPublishFailed:
		return e.Code == SendCodePublishFailed
	}
	return false
}
