// Package ws implements transport.Dialer on top of websocket.
package ws

import (
	"context"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/vovakirdan/wirechat-sync/internal/proto"
	"github.com/vovakirdan/wirechat-sync/internal/transport"
)

const defaultReadLimit = 1 << 20

// Dialer dials STOMP-over-websocket connections.
type Dialer struct {
	HTTPClient *http.Client
	ReadLimit  int64
}

// NewDialer returns a dialer with default settings.
func NewDialer() *Dialer {
	return &Dialer{ReadLimit: defaultReadLimit}
}

// Dial opens a websocket to url with the given upgrade headers.
func (d *Dialer) Dial(ctx context.Context, url string, header http.Header) (transport.Conn, error) {
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		HTTPHeader:   header,
		Subprotocols: []string{proto.Subprotocol},
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &transport.RejectedError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, err
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	return Wrap(conn), nil
}

// Conn adapts *websocket.Conn to transport.Conn.
type Conn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// Wrap adapts an established websocket.
func Wrap(conn *websocket.Conn) *Conn {
	return &Conn{conn: conn}
}

// Read returns the next text or binary message.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return data, nil
}

// Write sends one text message.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return classify(err)
	}
	return nil
}

// Close closes the websocket once.
func (c *Conn) Close(clean bool, reason string) error {
	c.closeOnce.Do(func() {
		status := websocket.StatusNormalClosure
		if !clean {
			// GoingAway would read as clean on the other side.
			status = websocket.StatusInternalError
		}
		c.closeErr = c.conn.Close(status, reason)
	})
	return c.closeErr
}

// classify maps clean close statuses onto transport.ErrClosedCleanly.
func classify(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return transport.ErrClosedCleanly
	}
	return err
}
