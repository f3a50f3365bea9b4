package chatsync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/auth"
	"github.com/vovakirdan/wirechat-sync/internal/log"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
	"github.com/vovakirdan/wirechat-sync/internal/transport"
)

// Default connection timings.
const (
	DefaultHeartbeatInterval = 4 * time.Second
	DefaultReconnectDelay    = 5 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultPublishTimeout    = 5 * time.Second
)

// Options configures a ConnectionManager.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// HeartbeatInterval is offered in both directions on CONNECT.
	HeartbeatInterval time.Duration
	// ReconnectDelay is the fixed wait before every automatic retry.
	ReconnectDelay time.Duration
	// HandshakeTimeout bounds dial plus CONNECT/CONNECTED.
	HandshakeTimeout time.Duration
	// PublishTimeout bounds a SEND waiting for its RECEIPT. Zero sends without a receipt.
	PublishTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval < 0 {
		o.HeartbeatInterval = 0
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return o
}

// Hooks are invoked outside the manager's lock. They may run on different
// goroutines, so owners guard them with their own liveness check.
type Hooks struct {
	OnConnected   func(conn *Connection)
	OnStateChange func(state ConnectionState)
	OnFailure     func(f *Failure)
}

// ConnectionManager owns at most one physical connection and heals it with a
// fixed-delay retry. Close invalidates every in-flight continuation.
type ConnectionManager struct {
	opts   Options
	dialer transport.Dialer
	hooks  Hooks
	log    *zerolog.Logger

	mu          sync.Mutex
	state       ConnectionState
	gen         uint64
	src         auth.TokenSource
	ctx         context.Context
	cancel      context.CancelFunc
	conn        *Connection
	retry       *time.Timer
	retrySeq    uint64
	authRetried bool
}

// NewConnectionManager creates an idle manager.
func NewConnectionManager(opts Options, dialer transport.Dialer, hooks Hooks, logger *zerolog.Logger) *ConnectionManager {
	l := log.OrNop(logger).With().Str("component", "connection").Logger()
	return &ConnectionManager{
		opts:   opts.withDefaults(),
		dialer: dialer,
		hooks:  hooks,
		log:    &l,
		state:  StateIdle,
	}
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected is true exactly when the state is Connected.
func (m *ConnectionManager) IsConnected() bool {
	return m.State() == StateConnected
}

// Current returns the live connection, or nil.
func (m *ConnectionManager) Current() *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return nil
	}
	return m.conn
}

// Connect starts connecting with credentials from src and returns at once.
// It is a no-op while Connecting or Connected.
func (m *ConnectionManager) Connect(src auth.TokenSource) {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateConnected {
		state := m.state
		m.mu.Unlock()
		m.log.Debug().Stringer("state", state).Msg("connect ignored")
		return
	}
	m.src = src
	m.stopRetryLocked()
	if m.cancel == nil {
		m.ctx, m.cancel = context.WithCancel(context.Background())
	}
	m.authRetried = false
	m.state = StateConnecting
	gen := m.gen
	m.mu.Unlock()

	m.notifyState(StateConnecting)
	go m.attempt(gen)
}

// Reconnect drops the current connection and starts exactly one new attempt.
// It does nothing while Idle or already Connecting.
func (m *ConnectionManager) Reconnect() {
	m.mu.Lock()
	if m.src == nil || m.state == StateIdle || m.state == StateConnecting {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.stopRetryLocked()
	m.state = StateConnecting
	gen := m.gen
	m.mu.Unlock()

	if conn != nil {
		conn.abort(errors.New("reconnect requested"))
	}
	m.log.Info().Msg("reconnecting")
	m.notifyState(StateConnecting)
	go m.attempt(gen)
}

// Close tears the connection down cleanly and cancels any pending retry.
// Continuations started before Close do nothing afterwards.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	m.gen++
	m.stopRetryLocked()
	conn := m.conn
	m.conn = nil
	cancel := m.cancel
	m.cancel = nil
	m.ctx = nil
	prev := m.state
	m.state = StateIdle
	m.authRetried = false
	m.mu.Unlock()

	if conn != nil {
		conn.disconnect()
	}
	if cancel != nil {
		cancel()
	}
	if prev != StateIdle {
		m.log.Debug().Stringer("from", prev).Msg("closed")
		m.notifyState(StateIdle)
	}
}

func (m *ConnectionManager) attempt(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	src := m.src
	m.mu.Unlock()

	token, err := fetchToken(ctx, src)
	if err != nil {
		m.fail(gen, newFailure(FailureAuthTokenUnavailable, err), false)
		return
	}

	hsCtx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	defer cancel()

	header := http.Header{}
	header.Set(proto.HeaderAuthorization, "Bearer "+token)
	tc, err := m.dialer.Dial(hsCtx, m.opts.URL, header)
	if err != nil {
		var rejected *transport.RejectedError
		if errors.As(err, &rejected) && rejected.Unauthorized() {
			m.rejected(gen, src, token, err)
			return
		}
		m.fail(gen, newFailure(FailureTransport, err), true)
		return
	}

	conn := newConnection(ctx, tc, m.log, m.opts.HandshakeTimeout)
	outgoing, err := m.handshake(hsCtx, conn, token)
	if err != nil {
		conn.abort(err)
		if errors.Is(err, ErrCredentialRejected) {
			m.rejected(gen, src, token, err)
			return
		}
		var f *Failure
		if !errors.As(err, &f) {
			f = newFailure(FailureTransport, err)
		}
		m.fail(gen, f, f.Kind.Retryable())
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		conn.disconnect()
		return
	}
	m.conn = conn
	m.state = StateConnected
	m.authRetried = false
	m.mu.Unlock()

	m.log.Info().Str("conn_id", conn.ID()).Dur("heartbeat", outgoing).Msg("connected")
	go m.readLoop(gen, conn)
	go conn.heartbeatLoop(outgoing)
	m.notifyState(StateConnected)
	if m.hooks.OnConnected != nil {
		m.hooks.OnConnected(conn)
	}
}

// handshake exchanges CONNECT/CONNECTED and returns the outgoing heart-beat interval.
func (m *ConnectionManager) handshake(ctx context.Context, conn *Connection, token string) (time.Duration, error) {
	hb := m.opts.HeartbeatInterval
	if err := conn.write(ctx, proto.Connect(hostOf(m.opts.URL), token, hb)); err != nil {
		return 0, newFailure(FailureTransport, err)
	}
	for {
		data, err := conn.tc.Read(ctx)
		if err != nil {
			return 0, newFailure(FailureTransport, fmt.Errorf("awaiting CONNECTED: %w", err))
		}
		f, err := proto.Decode(data)
		if err != nil {
			return 0, newFailure(FailureProtocol, err)
		}
		if f == nil {
			continue
		}
		switch f.Command {
		case frame.CONNECTED:
			outgoing, incoming, err := proto.NegotiateHeartbeat(hb, hb, f.Header.Get(frame.HeartBeat))
			if err != nil {
				return 0, newFailure(FailureProtocol, err)
			}
			if incoming > 0 {
				// STOMP allows the peer some slack before it is considered dead.
				conn.readTimeout = 2 * incoming
			}
			return outgoing, nil
		case frame.ERROR:
			err := brokerError(f)
			if errors.Is(err, ErrCredentialRejected) {
				return 0, err
			}
			return 0, newFailure(FailureProtocol, err)
		default:
			return 0, newFailure(FailureProtocol, fmt.Errorf("unexpected %s before CONNECTED", f.Command))
		}
	}
}

func (m *ConnectionManager) readLoop(gen uint64, conn *Connection) {
	for {
		ctx, cancel := conn.ctx, context.CancelFunc(func() {})
		if conn.readTimeout > 0 {
			ctx, cancel = context.WithTimeout(conn.ctx, conn.readTimeout)
		}
		data, err := conn.tc.Read(ctx)
		cancel()
		if err != nil {
			if conn.ctx.Err() != nil {
				return
			}
			m.dropped(gen, conn, classifyRead(err))
			return
		}
		f, err := proto.Decode(data)
		if err != nil {
			conn.log.Warn().Err(err).Msg("malformed frame dropped")
			continue
		}
		if f == nil {
			continue
		}
		if err := conn.dispatch(f); err != nil {
			m.dropped(gen, conn, newFailure(FailureProtocol, err))
			return
		}
	}
}

func classifyRead(err error) *Failure {
	switch {
	case errors.Is(err, transport.ErrClosedCleanly):
		return newFailure(FailureCleanClose, err)
	case errors.Is(err, context.DeadlineExceeded):
		return newFailure(FailureUncleanClose, ErrHeartbeatTimeout)
	default:
		return newFailure(FailureUncleanClose, err)
	}
}

// dropped handles the loss of an established connection.
func (m *ConnectionManager) dropped(gen uint64, conn *Connection, f *Failure) {
	m.mu.Lock()
	if gen != m.gen || m.conn != conn {
		m.mu.Unlock()
		conn.abort(f)
		return
	}
	m.conn = nil
	var next ConnectionState
	switch f.Kind {
	case FailureCleanClose:
		next = StateIdle
	case FailureProtocol:
		next = StateFailed
	default:
		next = StateDisconnected
		m.scheduleRetryLocked(gen)
	}
	m.state = next
	m.mu.Unlock()

	conn.abort(f)
	m.log.Warn().Err(f).Str("conn_id", conn.ID()).Stringer("state", next).Msg("connection lost")
	m.notifyState(next)
	m.notifyFailure(f)
}

// fail handles a failed attempt while Connecting.
func (m *ConnectionManager) fail(gen uint64, f *Failure, retry bool) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.state = StateFailed
	if retry {
		m.scheduleRetryLocked(gen)
	}
	m.mu.Unlock()

	m.log.Warn().Err(f).Bool("retry", retry).Msg("connect failed")
	m.notifyState(StateFailed)
	m.notifyFailure(f)
}

// rejected invalidates the refused credential and retries once. A second
// consecutive rejection stops the loop.
func (m *ConnectionManager) rejected(gen uint64, src auth.TokenSource, token string, err error) {
	if inv, ok := src.(auth.Invalidator); ok {
		inv.Invalidate(token)
	}
	if !errors.Is(err, ErrCredentialRejected) {
		err = fmt.Errorf("%w: %w", ErrCredentialRejected, err)
	}
	f := newFailure(FailureProtocol, err)

	m.mu.Lock()
	if gen != m.gen || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	retry := !m.authRetried
	m.authRetried = true
	m.state = StateFailed
	if retry {
		m.scheduleRetryLocked(gen)
	}
	m.mu.Unlock()

	m.log.Warn().Err(err).Bool("retry", retry).Msg("credential rejected")
	m.notifyState(StateFailed)
	m.notifyFailure(f)
}

func (m *ConnectionManager) scheduleRetryLocked(gen uint64) {
	if m.retry != nil {
		return
	}
	m.retrySeq++
	seq := m.retrySeq
	m.retry = time.AfterFunc(m.opts.ReconnectDelay, func() {
		m.retryFired(gen, seq)
	})
}

func (m *ConnectionManager) stopRetryLocked() {
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

// retryFired runs retry timer seq. A timer that was stopped after it had
// already fired finds a different seq and does nothing.
func (m *ConnectionManager) retryFired(gen, seq uint64) {
	m.mu.Lock()
	if gen != m.gen || m.retry == nil || seq != m.retrySeq {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	if m.state != StateFailed && m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = StateConnecting
	m.mu.Unlock()

	m.log.Debug().Msg("retrying")
	m.notifyState(StateConnecting)
	m.attempt(gen)
}

func (m *ConnectionManager) notifyState(state ConnectionState) {
	if m.hooks.OnStateChange != nil {
		m.hooks.OnStateChange(state)
	}
}

func (m *ConnectionManager) notifyFailure(f *Failure) {
	if m.hooks.OnFailure != nil {
		m.hooks.OnFailure(f)
	}
}

func fetchToken(ctx context.Context, src auth.TokenSource) (string, error) {
	if src == nil {
		return "", auth.ErrNoToken
	}
	token, err := src.Token(ctx)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(token) == "" {
		return "", auth.ErrNoToken
	}
	return token, nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "localhost"
	}
	return u.Hostname()
}

var authMarkers = []string{"unauthorized", "forbidden", "auth", "token", "credential", "jwt"}

func isAuthRejection(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range authMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
