package chatsync

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-sync/internal/auth"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
	"github.com/vovakirdan/wirechat-sync/internal/transport"
)

const (
	testDelay  = 30 * time.Millisecond
	waitFor    = 2 * time.Second
	pollEvery  = 5 * time.Millisecond
	testToken  = "token-1"
	testChatID = int64(7)
	testUserID = "u1"
)

func testOptions() Options {
	return Options{
		URL:              "ws://broker.test/ws",
		ReconnectDelay:   testDelay,
		HandshakeTimeout: time.Second,
		PublishTimeout:   time.Second,
	}
}

func staticToken() auth.TokenSource {
	return auth.TokenSourceFunc(func(context.Context) (string, error) {
		return testToken, nil
	})
}

// fakeBroker is an in-memory Dialer speaking just enough STOMP.
type fakeBroker struct {
	mu    sync.Mutex
	conns []*fakeConn

	dials atomic.Int32

	// dialErr, if set, decides the outcome of dial n (1-based).
	dialErr func(n int) error
	// connectReply, if set, replaces CONNECTED for connection n.
	connectReply func(n int) *frame.Frame
	// heartbeat is the server heart-beat header on CONNECTED.
	heartbeat string
	// gate, if set, holds every dial until it is closed.
	gate chan struct{}
	// noReceipts suppresses RECEIPT frames.
	noReceipts atomic.Bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{heartbeat: "0,0"}
}

func (b *fakeBroker) Dial(ctx context.Context, _ string, header http.Header) (transport.Conn, error) {
	n := int(b.dials.Add(1))
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.dialErr != nil {
		if err := b.dialErr(n); err != nil {
			return nil, err
		}
	}
	c := &fakeConn{
		broker: b,
		n:      n,
		header: header.Clone(),
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
		subs:   make(map[string]string),
	}
	b.mu.Lock()
	b.conns = append(b.conns, c)
	b.mu.Unlock()
	return c, nil
}

func (b *fakeBroker) dialCount() int {
	return int(b.dials.Load())
}

func (b *fakeBroker) connCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *fakeBroker) conn(i int) *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[i]
}

func (b *fakeBroker) last() *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[len(b.conns)-1]
}

type fakeConn struct {
	broker *fakeBroker
	n      int
	header http.Header

	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	readErr   error

	failWrites atomic.Bool
	heartbeats atomic.Int32
	cleanClose atomic.Bool

	mu   sync.Mutex
	subs map[string]string
	sent []*frame.Frame
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, c.readErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}
	if c.failWrites.Load() {
		return errors.New("broken pipe")
	}
	f, err := proto.Decode(data)
	if err != nil {
		return err
	}
	if f == nil {
		c.heartbeats.Add(1)
		return nil
	}

	var reply *frame.Frame
	c.mu.Lock()
	c.sent = append(c.sent, f)
	switch f.Command {
	case frame.CONNECT:
		reply = proto.Connected("session-1", 0)
		reply.Header.Set(frame.HeartBeat, c.broker.heartbeat)
		if c.broker.connectReply != nil {
			if r := c.broker.connectReply(c.n); r != nil {
				reply = r
			}
		}
	case frame.SUBSCRIBE:
		c.subs[f.Header.Get(frame.Id)] = f.Header.Get(frame.Destination)
	case frame.UNSUBSCRIBE:
		delete(c.subs, f.Header.Get(frame.Id))
	case frame.SEND:
		if r := f.Header.Get(frame.Receipt); r != "" && !c.broker.noReceipts.Load() {
			reply = proto.Receipt(r)
		}
	}
	c.mu.Unlock()

	if reply != nil {
		c.push(reply)
	}
	return nil
}

func (c *fakeConn) Close(clean bool, _ string) error {
	if clean {
		c.cleanClose.Store(true)
	}
	c.shut(errors.New("closed locally"))
	return nil
}

func (c *fakeConn) shut(readErr error) {
	c.closeOnce.Do(func() {
		c.readErr = readErr
		close(c.closed)
	})
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// dropUnclean simulates a network failure.
func (c *fakeConn) dropUnclean() {
	c.shut(errors.New("connection reset by peer"))
}

// dropClean simulates the broker closing normally.
func (c *fakeConn) dropClean() {
	c.shut(transport.ErrClosedCleanly)
}

func (c *fakeConn) push(f *frame.Frame) {
	data, err := proto.Encode(f)
	if err != nil {
		panic(err)
	}
	c.pushRaw(data)
}

func (c *fakeConn) pushRaw(data []byte) {
	select {
	case c.in <- data:
	case <-c.closed:
	}
}

func messageFrame(subscription, destination, body string) *frame.Frame {
	return proto.Message(subscription, destination, uuid.NewString(), []byte(body))
}

// deliver sends body as a MESSAGE to every subscription on destination.
func (c *fakeConn) deliver(destination string, body []byte) int {
	c.mu.Lock()
	var ids []string
	for id, dest := range c.subs {
		if dest == destination {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.push(proto.Message(id, destination, uuid.NewString(), body))
	}
	return len(ids)
}

func (c *fakeConn) destinations() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for _, dest := range c.subs {
		out = append(out, dest)
	}
	sort.Strings(out)
	return out
}

func (c *fakeConn) frames(command string) []*frame.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*frame.Frame
	for _, f := range c.sent {
		if f.Command == command {
			out = append(out, f)
		}
	}
	return out
}

// recorder collects hook calls.
type recorder struct {
	mu        sync.Mutex
	states    []ConnectionState
	failures  []*Failure
	connected []*Connection
}

func (r *recorder) hooks() Hooks {
	return Hooks{
		OnConnected: func(conn *Connection) {
			r.mu.Lock()
			r.connected = append(r.connected, conn)
			r.mu.Unlock()
		},
		OnStateChange: func(state ConnectionState) {
			r.mu.Lock()
			r.states = append(r.states, state)
			r.mu.Unlock()
		},
		OnFailure: func(f *Failure) {
			r.mu.Lock()
			r.failures = append(r.failures, f)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) connectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connected)
}

func (r *recorder) conn(i int) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected[i]
}

func (r *recorder) stateList() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionState(nil), r.states...)
}

func (r *recorder) failureCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.failures)
}

func (r *recorder) waitConnected(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.connectedCount() == n }, waitFor, pollEvery,
		"expected %d connected events", n)
}

func (r *recorder) waitFailures(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return r.failureCount() == n }, waitFor, pollEvery,
		"expected %d failures", n)
}

func (r *recorder) failureKinds() []FailureKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FailureKind, 0, len(r.failures))
	for _, f := range r.failures {
		out = append(out, f.Kind)
	}
	return out
}

func (r *recorder) lastFailure() *Failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.failures) == 0 {
		return nil
	}
	return r.failures[len(r.failures)-1]
}

func waitState(t *testing.T, m interface{ State() ConnectionState }, want ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, waitFor, pollEvery,
		"state never became %s", want)
}
