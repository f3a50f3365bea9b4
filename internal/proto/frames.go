// Package proto holds the STOMP wire format spoken over the websocket and the
// JSON bodies carried inside frames.
package proto

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
)

const (
	// Version is the STOMP protocol version negotiated on CONNECT.
	Version = "1.2"
	// Subprotocol is the websocket subprotocol for STOMP 1.2.
	Subprotocol = "v12.stomp"

	// ContentTypeJSON is the content-type of every JSON body.
	ContentTypeJSON = "application/json"
	// HeaderAuthorization carries the bearer credential on CONNECT.
	HeaderAuthorization = "Authorization"
)

// ErrMalformedFrame is returned for data that does not decode to a STOMP frame.
var ErrMalformedFrame = errors.New("malformed frame")

var heartbeatPayload = []byte{'\n'}

// Heartbeat returns the keep-alive payload.
func Heartbeat() []byte {
	return heartbeatPayload
}

// Encode serializes a frame. A nil frame encodes as a heart-beat.
func Encode(f *frame.Frame) ([]byte, error) {
	if f == nil {
		return Heartbeat(), nil
	}
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("encode %s: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

// Decode parses one websocket message. It returns a nil frame for a heart-beat.
func Decode(data []byte) (*frame.Frame, error) {
	if len(bytes.Trim(data, "\r\n")) == 0 {
		return nil, nil
	}
	f, err := frame.NewReader(bytes.NewReader(data)).Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: truncated", ErrMalformedFrame)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f == nil {
		return nil, nil
	}
	return f, nil
}

// Connect builds the CONNECT frame.
func Connect(host, token string, heartbeat time.Duration) *frame.Frame {
	f := frame.New(frame.CONNECT,
		frame.AcceptVersion, Version,
		frame.Host, host,
		frame.HeartBeat, FormatHeartbeat(heartbeat, heartbeat),
	)
	if token != "" {
		f.Header.Set(HeaderAuthorization, "Bearer "+token)
	}
	return f
}

// Connected builds the CONNECTED reply.
func Connected(session string, heartbeat time.Duration) *frame.Frame {
	return frame.New(frame.CONNECTED,
		frame.Version, Version,
		frame.Session, session,
		frame.HeartBeat, FormatHeartbeat(heartbeat, heartbeat),
	)
}

// Subscribe builds a SUBSCRIBE frame.
func Subscribe(id, destination string) *frame.Frame {
	return frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
		frame.Ack, "auto",
	)
}

// Unsubscribe builds an UNSUBSCRIBE frame.
func Unsubscribe(id string) *frame.Frame {
	return frame.New(frame.UNSUBSCRIBE, frame.Id, id)
}

// Send builds a SEND frame. An empty receipt asks for no acknowledgement.
func Send(destination, contentType string, body []byte, receipt string) *frame.Frame {
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, contentType,
	)
	if receipt != "" {
		f.Header.Set(frame.Receipt, receipt)
	}
	f.Body = body
	return f
}

// Message builds a MESSAGE frame delivered to a subscription.
func Message(subscription, destination, messageID string, body []byte) *frame.Frame {
	f := frame.New(frame.MESSAGE,
		frame.Subscription, subscription,
		frame.Destination, destination,
		frame.MessageId, messageID,
		frame.ContentType, ContentTypeJSON,
	)
	f.Body = body
	return f
}

// Receipt builds a RECEIPT frame.
func Receipt(id string) *frame.Frame {
	return frame.New(frame.RECEIPT, frame.ReceiptId, id)
}

// Error builds an ERROR frame.
func Error(message, detail string) *frame.Frame {
	f := frame.New(frame.ERROR, frame.Message, message)
	if detail != "" {
		f.Header.Set(frame.ContentType, "text/plain")
		f.Body = []byte(detail)
	}
	return f
}

// Disconnect builds a DISCONNECT frame.
func Disconnect(receipt string) *frame.Frame {
	f := frame.New(frame.DISCONNECT)
	if receipt != "" {
		f.Header.Set(frame.Receipt, receipt)
	}
	return f
}

// FormatHeartbeat renders the heart-beat header value "cx,cy" in milliseconds.
func FormatHeartbeat(send, receive time.Duration) string {
	return strconv.FormatInt(send.Milliseconds(), 10) + "," + strconv.FormatInt(receive.Milliseconds(), 10)
}

// ParseHeartbeat parses a heart-beat header value. An empty value means 0,0.
func ParseHeartbeat(value string) (send, receive time.Duration, err error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, 0, nil
	}
	parts := strings.Split(value, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: heart-beat %q", ErrMalformedFrame, value)
	}
	sx, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil || sx < 0 {
		return 0, 0, fmt.Errorf("%w: heart-beat %q", ErrMalformedFrame, value)
	}
	rx, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil || rx < 0 {
		return 0, 0, fmt.Errorf("%w: heart-beat %q", ErrMalformedFrame, value)
	}
	return time.Duration(sx) * time.Millisecond, time.Duration(rx) * time.Millisecond, nil
}

// NegotiateHeartbeat resolves the effective intervals for one side, given what
// it offers locally and the peer's heart-beat header. Zero disables a direction.
//
// outgoing is how often this side must send; incoming is how often it should
// expect to hear from the peer.
func NegotiateHeartbeat(localSend, localReceive time.Duration, remote string) (outgoing, incoming time.Duration, err error) {
	remoteSend, remoteReceive, err := ParseHeartbeat(remote)
	if err != nil {
		return 0, 0, err
	}
	if localSend > 0 && remoteReceive > 0 {
		outgoing = max(localSend, remoteReceive)
	}
	if localReceive > 0 && remoteSend > 0 {
		incoming = max(localReceive, remoteSend)
	}
	return outgoing, incoming, nil
}
