package http

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/auth"
	"github.com/vovakirdan/wirechat-sync/internal/broker"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
	"github.com/vovakirdan/wirechat-sync/internal/transport"
	"github.com/vovakirdan/wirechat-sync/internal/transport/ws"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 5 * time.Second
	maxFrameBytes           = 1 << 20
)

// WSOptions tunes the STOMP endpoint.
type WSOptions struct {
	// Heartbeat is offered in both directions on CONNECTED. Zero disables it.
	Heartbeat        time.Duration
	HandshakeTimeout time.Duration
	// SendRateLimit caps SEND frames per connection per minute. Zero disables it.
	SendRateLimit int
}

// WSHandler upgrades HTTP connections to STOMP sessions bridged to broker.Client.
type WSHandler struct {
	hub  *broker.Hub
	auth *auth.Service
	opts WSOptions
	log  *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(hub *broker.Hub, authService *auth.Service, opts WSOptions, logger *zerolog.Logger) stdhttp.Handler {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &WSHandler{hub: hub, auth: authService, opts: opts, log: logger}
}

// protocolError is a violation already reported to the peer with an ERROR frame.
type protocolError struct {
	msg string
}

func (e *protocolError) Error() string {
	return e.msg
}

// stompConn is one accepted STOMP session.
type stompConn struct {
	tc       transport.Conn
	client   *broker.Client
	outgoing time.Duration
	incoming time.Duration
	limiter  *sendLimiter
	log      zerolog.Logger
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	// A credential on the upgrade request must be valid; CONNECT may carry
	// it instead.
	var upgradeClaims *auth.Claims
	if header := r.Header.Get("Authorization"); header != "" {
		claims, err := h.auth.ValidateBearer(header)
		if err != nil {
			h.log.Debug().Err(err).Msg("ws upgrade rejected")
			stdhttp.Error(w, "unauthorized", stdhttp.StatusUnauthorized)
			return
		}
		upgradeClaims = claims
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{proto.Subprotocol},
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	conn.SetReadLimit(maxFrameBytes)
	tc := ws.Wrap(conn)
	defer tc.Close(false, "internal error")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sc, err := h.handshake(ctx, tc, upgradeClaims)
	if err != nil {
		h.log.Debug().Err(err).Msg("stomp handshake failed")
		h.closeWith(tc, err)
		return
	}

	h.hub.RegisterClient(sc.client)
	defer h.hub.UnregisterClient(sc.client)

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, sc)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, sc)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	h.closeWith(tc, err)
}

// closeWith closes tc with a status derived from the error that ended the session.
func (h *WSHandler) closeWith(tc transport.Conn, err error) {
	var perr *protocolError
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, transport.ErrClosedCleanly):
		_ = tc.Close(true, "closing")
	case errors.As(err, &perr):
		_ = tc.Close(true, perr.msg)
	default:
		h.log.Warn().Err(err).Msg("ws connection closed with error")
		_ = tc.Close(false, truncateReason(err.Error()))
	}
}

func (h *WSHandler) handshake(ctx context.Context, tc transport.Conn, upgradeClaims *auth.Claims) (*stompConn, error) {
	hctx, cancel := context.WithTimeout(ctx, h.opts.HandshakeTimeout)
	defer cancel()

	var connect *frame.Frame
	for connect == nil {
		data, err := tc.Read(hctx)
		if err != nil {
			return nil, fmt.Errorf("read connect: %w", err)
		}
		connect, err = proto.Decode(data)
		if err != nil {
			return nil, h.reject(ctx, tc, "malformed frame", err.Error())
		}
	}
	if connect.Command != frame.CONNECT && connect.Command != frame.STOMP {
		return nil, h.reject(ctx, tc, "expected CONNECT", "first frame was "+connect.Command)
	}
	if versions := connect.Header.Get(frame.AcceptVersion); versions != "" && !strings.Contains(versions, proto.Version) {
		return nil, h.reject(ctx, tc, "unsupported protocol version", "supported version is "+proto.Version)
	}

	claims := upgradeClaims
	if header := connect.Header.Get(proto.HeaderAuthorization); header != "" {
		c, err := h.auth.ValidateBearer(header)
		if err != nil {
			return nil, h.reject(ctx, tc, "Unauthorized", "invalid token")
		}
		if claims != nil && claims.Subject != c.Subject {
			return nil, h.reject(ctx, tc, "Unauthorized", "token subject mismatch")
		}
		claims = c
	}
	if claims == nil {
		return nil, h.reject(ctx, tc, "Unauthorized", "missing token")
	}

	outgoing, incoming, err := proto.NegotiateHeartbeat(h.opts.Heartbeat, h.opts.Heartbeat, connect.Header.Get(frame.HeartBeat))
	if err != nil {
		return nil, h.reject(ctx, tc, "malformed frame", err.Error())
	}

	sc := &stompConn{
		tc:       tc,
		client:   broker.NewClient(uuid.NewString(), claims.Subject),
		outgoing: outgoing,
		incoming: incoming,
		limiter:  newSendLimiter(h.opts.SendRateLimit),
	}
	sc.log = h.log.With().Str("client_id", sc.client.ID).Str("user_id", sc.client.UserID).Logger()
	if err := sc.write(ctx, proto.Connected(sc.client.ID, h.opts.Heartbeat)); err != nil {
		return nil, err
	}
	sc.log.Debug().Dur("outgoing", outgoing).Dur("incoming", incoming).Msg("stomp session started")
	return sc, nil
}

// reject sends an ERROR frame and returns the matching protocolError.
func (h *WSHandler) reject(ctx context.Context, tc transport.Conn, msg, detail string) error {
	data, err := proto.Encode(proto.Error(msg, detail))
	if err == nil {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		_ = tc.Write(wctx, data)
		cancel()
	}
	return &protocolError{msg: msg}
}

func (h *WSHandler) readLoop(ctx context.Context, sc *stompConn) error {
	for {
		data, err := sc.read(ctx)
		if err != nil {
			return err
		}
		f, err := proto.Decode(data)
		if err != nil {
			return h.reject(ctx, sc.tc, "malformed frame", err.Error())
		}
		if f == nil {
			continue
		}

		switch f.Command {
		case frame.SUBSCRIBE:
			if err := h.hub.Subscribe(sc.client, f.Header.Get(frame.Id), f.Header.Get(frame.Destination)); err != nil {
				sc.log.Debug().Err(err).Msg("subscribe rejected")
				return h.reject(ctx, sc.tc, "subscribe failed", err.Error())
			}
		case frame.UNSUBSCRIBE:
			if err := h.hub.Unsubscribe(sc.client, f.Header.Get(frame.Id)); err != nil {
				return h.reject(ctx, sc.tc, "unsubscribe failed", err.Error())
			}
		case frame.SEND:
			if err := h.handleSend(ctx, sc, f); err != nil {
				return err
			}
		case frame.DISCONNECT:
			if receipt := f.Header.Get(frame.Receipt); receipt != "" {
				_ = sc.write(ctx, proto.Receipt(receipt))
			}
			return nil
		default:
			return h.reject(ctx, sc.tc, "unknown command", f.Command)
		}

		if receipt := f.Header.Get(frame.Receipt); receipt != "" {
			if err := sc.write(ctx, proto.Receipt(receipt)); err != nil {
				return err
			}
		}
	}
}

// handleSend routes a SEND. Chat-level failures go to the chat's error topic
// and keep the session open; an unknown destination ends it.
func (h *WSHandler) handleSend(ctx context.Context, sc *stompConn, f *frame.Frame) error {
	dest := f.Header.Get(frame.Destination)
	chatID, ok := broker.ParseChatDestination(dest)
	if !ok {
		return h.reject(ctx, sc.tc, "unknown destination", dest)
	}
	if !sc.limiter.allow() {
		sc.log.Warn().Int64("chat_id", chatID).Msg("send rate limited")
		h.hub.ReportSendFailure(chatID, broker.ErrRateLimited)
		return nil
	}
	if _, err := h.hub.Send(sc.client, dest, f.Body); err != nil {
		sc.log.Debug().Err(err).Int64("chat_id", chatID).Msg("send failed")
	}
	return nil
}

func (h *WSHandler) writeLoop(ctx context.Context, sc *stompConn) error {
	var beat <-chan time.Time
	if sc.outgoing > 0 {
		ticker := time.NewTicker(sc.outgoing)
		defer ticker.Stop()
		beat = ticker.C
	}

	for {
		select {
		case d, ok := <-sc.client.Events:
			if !ok {
				return nil
			}
			if err := sc.write(ctx, proto.Message(d.Subscription, d.Destination, uuid.NewString(), d.Body)); err != nil {
				sc.log.Error().Err(err).Msg("write ws delivery")
				return err
			}
		case <-beat:
			if err := sc.writeRaw(ctx, proto.Heartbeat()); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// read waits for the next frame, bounded by twice the incoming heart-beat.
func (sc *stompConn) read(ctx context.Context) ([]byte, error) {
	if sc.incoming <= 0 {
		return sc.tc.Read(ctx)
	}
	rctx, cancel := context.WithTimeout(ctx, 2*sc.incoming)
	defer cancel()
	data, err := sc.tc.Read(rctx)
	if err != nil && ctx.Err() == nil && errors.Is(rctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("heart-beat timeout: %w", err)
	}
	return data, err
}

func (sc *stompConn) write(ctx context.Context, f *frame.Frame) error {
	data, err := proto.Encode(f)
	if err != nil {
		return err
	}
	return sc.writeRaw(ctx, data)
}

func (sc *stompConn) writeRaw(ctx context.Context, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return sc.tc.Write(wctx, data)
}

// truncateReason keeps a close reason within the 123 bytes a close frame allows.
func truncateReason(reason string) string {
	if len(reason) > 120 {
		return reason[:120]
	}
	return reason
}
