package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/proto"
	"github.com/vovakirdan/wirechat-sync/internal/transport"
)

// FrameHandler receives MESSAGE frames for one subscription.
// It runs on the read goroutine, in arrival order.
type FrameHandler func(f *frame.Frame)

// Connection is one established STOMP session over a transport connection.
// It is only valid until the manager drops it.
type Connection struct {
	id           string
	tc           transport.Conn
	log          *zerolog.Logger
	writeTimeout time.Duration
	readTimeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]FrameHandler
	receipts map[string]chan error
	closed   bool
	closeErr error
}

func newConnection(parent context.Context, tc transport.Conn, logger *zerolog.Logger, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()
	l := logger.With().Str("conn_id", id).Logger()
	return &Connection{
		id:           id,
		tc:           tc,
		log:          &l,
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
		handlers:     make(map[string]FrameHandler),
		receipts:     make(map[string]chan error),
	}
}

// ID identifies the physical connection. A reconnect yields a new ID.
func (c *Connection) ID() string {
	return c.id
}

// Done is closed once the connection has been dropped.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Subscribe registers h and sends SUBSCRIBE for destination.
// It returns the subscription id used on the wire.
func (c *Connection) Subscribe(ctx context.Context, destination string, h FrameHandler) (string, error) {
	id := "sub-" + uuid.NewString()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrConnectionClosed
	}
	c.handlers[id] = h
	c.mu.Unlock()

	if err := c.write(ctx, proto.Subscribe(id, destination)); err != nil {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
		return "", fmt.Errorf("subscribe %s: %w", destination, err)
	}
	return id, nil
}

// Unsubscribe removes the handler first, then tells the broker.
func (c *Connection) Unsubscribe(ctx context.Context, id string) error {
	c.mu.Lock()
	_, ok := c.handlers[id]
	delete(c.handlers, id)
	closed := c.closed
	c.mu.Unlock()
	if !ok || closed {
		return nil
	}
	return c.write(ctx, proto.Unsubscribe(id))
}

// Publish sends a JSON body to destination. With waitReceipt it blocks until
// the broker acknowledges the frame, ctx ends or the connection drops.
func (c *Connection) Publish(ctx context.Context, destination string, body []byte, waitReceipt bool) error {
	if !waitReceipt {
		return c.write(ctx, proto.Send(destination, proto.ContentTypeJSON, body, ""))
	}

	receipt := "rcpt-" + uuid.NewString()
	ack := make(chan error, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.receipts[receipt] = ack
	c.mu.Unlock()

	forget := func() {
		c.mu.Lock()
		delete(c.receipts, receipt)
		c.mu.Unlock()
	}

	if err := c.write(ctx, proto.Send(destination, proto.ContentTypeJSON, body, receipt)); err != nil {
		forget()
		return err
	}

	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		forget()
		return fmt.Errorf("waiting for receipt: %w", ctx.Err())
	}
}

func (c *Connection) write(ctx context.Context, f *frame.Frame) error {
	data, err := proto.Encode(f)
	if err != nil {
		return err
	}
	return c.writeRaw(ctx, data)
}

func (c *Connection) writeRaw(ctx context.Context, data []byte) error {
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.tc.Write(ctx, data); err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return nil
}

// dispatch routes one inbound frame. A non-nil error means the broker ended
// the session with an ERROR frame.
func (c *Connection) dispatch(f *frame.Frame) error {
	switch f.Command {
	case frame.MESSAGE:
		sub := f.Header.Get(frame.Subscription)
		c.mu.Lock()
		h := c.handlers[sub]
		c.mu.Unlock()
		if h == nil {
			c.log.Debug().Str("subscription", sub).Msg("message for unknown subscription dropped")
			return nil
		}
		h(f)
	case frame.RECEIPT:
		id := f.Header.Get(frame.ReceiptId)
		c.mu.Lock()
		ack, ok := c.receipts[id]
		delete(c.receipts, id)
		c.mu.Unlock()
		if ok {
			ack <- nil
		}
	case frame.ERROR:
		return brokerError(f)
	default:
		c.log.Warn().Str("command", f.Command).Msg("unexpected frame ignored")
	}
	return nil
}

// heartbeatLoop writes keep-alives until the connection is dropped.
func (c *Connection) heartbeatLoop(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeRaw(c.ctx, proto.Heartbeat()); err != nil {
				// the read side notices the broken connection
				c.log.Debug().Err(err).Msg("heart-beat write failed")
				return
			}
		}
	}
}

// markClosed fails pending receipts and stops accepting work. It reports
// whether this call did the transition.
func (c *Connection) markClosed(cause error) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	c.closeErr = cause
	receipts := c.receipts
	c.receipts = make(map[string]chan error)
	c.handlers = make(map[string]FrameHandler)
	c.mu.Unlock()

	err := fmt.Errorf("%w: %v", ErrConnectionClosed, cause)
	for _, ack := range receipts {
		ack <- err
	}
	return true
}

// disconnect ends the session cleanly.
func (c *Connection) disconnect() {
	if !c.markClosed(ErrCleanClose) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.write(ctx, proto.Disconnect("")); err != nil {
		c.log.Debug().Err(err).Msg("disconnect frame not sent")
	}
	if err := c.tc.Close(true, "client disconnect"); err != nil {
		c.log.Debug().Err(err).Msg("close")
	}
	c.cancel()
}

// abort drops the connection without the STOMP goodbye.
func (c *Connection) abort(cause error) {
	c.markClosed(cause)
	if err := c.tc.Close(false, "client abort"); err != nil {
		c.log.Debug().Err(err).Msg("close")
	}
	c.cancel()
}

func brokerError(f *frame.Frame) error {
	msg := f.Header.Get(frame.Message)
	if msg == "" {
		msg = "broker error"
	}
	if len(f.Body) > 0 {
		msg = fmt.Sprintf("%s: %s", msg, string(f.Body))
	}
	err := errors.New(msg)
	if isAuthRejection(msg) {
		return fmt.Errorf("%w: %w", ErrCredentialRejected, err)
	}
	return err
}
