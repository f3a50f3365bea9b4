// Package transport defines the physical connection the sync layer runs on.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrClosedCleanly is returned by Read after the peer closed the connection
// with a normal or going-away status.
var ErrClosedCleanly = errors.New("connection closed cleanly")

// RejectedError reports an upgrade the server refused with an HTTP status.
type RejectedError struct {
	StatusCode int
	Err        error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("upgrade rejected with status %d: %v", e.StatusCode, e.Err)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// Unauthorized reports whether the rejection was about the credential.
func (e *RejectedError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Conn is one message-oriented physical connection.
// Read may be called from one goroutine while Write is called from others.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	// Close shuts the connection down; clean selects a normal closure
	// instead of an abnormal one.
	Close(clean bool, reason string) error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}
