package chatsync

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/vovakirdan/wirechat-sync/internal/auth"
	"github.com/vovakirdan/wirechat-sync/internal/auth/mocks"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
	"github.com/vovakirdan/wirechat-sync/internal/transport"
)

func newTestManager(t *testing.T, broker *fakeBroker, opts Options) (*ConnectionManager, *recorder) {
	t.Helper()
	rec := &recorder{}
	m := NewConnectionManager(opts, broker, rec.hooks(), nil)
	t.Cleanup(m.Close)
	return m, rec
}

func TestConnectSendsBearerAndReachesConnected(t *testing.T) {
	broker := newFakeBroker()
	m, rec := newTestManager(t, broker, testOptions())

	require.False(t, m.IsConnected())
	m.Connect(staticToken())
	rec.waitConnected(t, 1)

	require.True(t, m.IsConnected())
	conn := broker.last()
	require.Equal(t, "Bearer "+testToken, conn.header.Get("Authorization"))

	connects := conn.frames(frame.CONNECT)
	require.Len(t, connects, 1)
	require.Equal(t, "Bearer "+testToken, connects[0].Header.Get(proto.HeaderAuthorization))
	require.Equal(t, "broker.test", connects[0].Header.Get(frame.Host))
	require.Equal(t, []ConnectionState{StateConnecting, StateConnected}, rec.stateList())
}

func TestConnectTwiceWhileConnectingDialsOnce(t *testing.T) {
	broker := newFakeBroker()
	broker.gate = make(chan struct{})
	m, rec := newTestManager(t, broker, testOptions())

	m.Connect(staticToken())
	require.Equal(t, StateConnecting, m.State())
	m.Connect(staticToken())
	m.Connect(staticToken())

	require.Eventually(t, func() bool { return broker.dialCount() == 1 }, waitFor, pollEvery)
	close(broker.gate)
	waitState(t, m, StateConnected)

	m.Connect(staticToken())
	time.Sleep(3 * testDelay)
	require.Equal(t, 1, broker.dialCount())
	require.Equal(t, 1, rec.connectedCount())
}

func TestTokenUnavailableFailsWithoutDial(t *testing.T) {
	cases := map[string]auth.TokenSource{
		"error": auth.TokenSourceFunc(func(context.Context) (string, error) {
			return "", errors.New("identity provider down")
		}),
		"empty": auth.TokenSourceFunc(func(context.Context) (string, error) {
			return "  ", nil
		}),
		"nil": nil,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			broker := newFakeBroker()
			m, rec := newTestManager(t, broker, testOptions())

			m.Connect(src)
			waitState(t, m, StateFailed)
			rec.waitFailures(t, 1)
			require.Equal(t, []FailureKind{FailureAuthTokenUnavailable}, rec.failureKinds())
			require.ErrorIs(t, rec.lastFailure(), ErrAuthTokenUnavailable)

			time.Sleep(3 * testDelay)
			require.Equal(t, 0, broker.dialCount())
			require.Equal(t, StateFailed, m.State())
		})
	}
}

func TestTransportErrorRetriesAfterDelay(t *testing.T) {
	broker := newFakeBroker()
	broker.dialErr = func(n int) error {
		if n == 1 {
			return errors.New("connection refused")
		}
		return nil
	}
	opts := testOptions()
	opts.ReconnectDelay = 80 * time.Millisecond
	m, rec := newTestManager(t, broker, opts)

	start := time.Now()
	m.Connect(staticToken())
	waitState(t, m, StateConnected)

	require.GreaterOrEqual(t, time.Since(start), opts.ReconnectDelay)
	require.Equal(t, 2, broker.dialCount())
	require.Equal(t, []FailureKind{FailureTransport}, rec.failureKinds())
	require.ErrorIs(t, rec.lastFailure(), ErrTransport)
}

func TestUncleanCloseReconnects(t *testing.T) {
	broker := newFakeBroker()
	m, rec := newTestManager(t, broker, testOptions())

	m.Connect(staticToken())
	rec.waitConnected(t, 1)
	first := rec.conn(0)

	broker.last().dropUnclean()
	rec.waitConnected(t, 2)

	require.Equal(t, StateConnected, m.State())
	require.Equal(t, 2, broker.dialCount())
	require.Equal(t, []FailureKind{FailureUncleanClose}, rec.failureKinds())
	require.NotEqual(t, first.ID(), m.Current().ID())
	require.Contains(t, rec.stateList(), StateDisconnected)
}

func TestCleanCloseByBrokerGoesIdle(t *testing.T) {
	broker := newFakeBroker()
	m, rec := newTestManager(t, broker, testOptions())

	m.Connect(staticToken())
	waitState(t, m, StateConnected)

	broker.last().dropClean()
	waitState(t, m, StateIdle)
	rec.waitFailures(t, 1)
	time.Sleep(3 * testDelay)

	require.Equal(t, 1, broker.dialCount())
	require.Equal(t, []FailureKind{FailureCleanClose}, rec.failureKinds())
}

func TestCloseCancelsPendingRetry(t *testing.T) {
	broker := newFakeBroker()
	broker.dialErr = func(int) error { return errors.New("connection refused") }
	opts := testOptions()
	opts.ReconnectDelay = 60 * time.Millisecond
	m, _ := newTestManager(t, broker, opts)

	m.Connect(staticToken())
	waitState(t, m, StateFailed)
	m.Close()

	time.Sleep(3 * opts.ReconnectDelay)
	require.Equal(t, 1, broker.dialCount())
	require.Equal(t, StateIdle, m.State())
}

func TestCloseDuringHandshakeDiscardsConnection(t *testing.T) {
	broker := newFakeBroker()
	broker.gate = make(chan struct{})
	m, rec := newTestManager(t, broker, testOptions())

	m.Connect(staticToken())
	require.Eventually(t, func() bool { return broker.dialCount() == 1 }, waitFor, pollEvery)
	m.Close()
	close(broker.gate)

	time.Sleep(3 * testDelay)
	require.Equal(t, StateIdle, m.State())
	require.Equal(t, 0, rec.connectedCount())
	require.Nil(t, m.Current())
}

func TestCloseSendsDisconnect(t *testing.T) {
	broker := newFakeBroker()
	m, rec := newTestManager(t, broker, testOptions())

	m.Connect(staticToken())
	waitState(t, m, StateConnected)
	conn := broker.last()

	m.Close()
	require.Equal(t, StateIdle, m.State())
	require.Len(t, conn.frames(frame.DISCONNECT), 1)
	require.True(t, conn.cleanClose.Load())
	require.True(t, conn.isClosed())

	time.Sleep(3 * testDelay)
	require.Equal(t, 1, broker.dialCount())
	require.Empty(t, rec.failureKinds())
}

func TestProtocolErrorIsNotRetried(t *testing.T) {
	broker := newFakeBroker()
	broker.connectReply = func(int) *frame.Frame {
		return proto.Error("unsupported protocol version", "")
	}
	m, rec := newTestManager(t, broker, testOptions())

	m.Connect(staticToken())
	waitState(t, m, StateFailed)
	rec.waitFailures(t, 1)
	time.Sleep(3 * testDelay)

	require.Equal(t, 1, broker.dialCount())
	require.Equal(t, []FailureKind{FailureProtocol}, rec.failureKinds())
	require.NotErrorIs(t, rec.lastFailure(), ErrCredentialRejected)
}

type invalidatingSource struct {
	*mocks.MockTokenSource
	inv *mocks.MockInvalidator
}

func (s invalidatingSource) Invalidate(token string) {
	s.inv.Invalidate(token)
}

func TestRejectedCredentialIsInvalidatedAndRetriedOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	tokens := mocks.NewMockTokenSource(ctrl)
	inv := mocks.NewMockInvalidator(ctrl)
	gomock.InOrder(
		tokens.EXPECT().Token(gomock.Any()).Return("stale", nil),
		inv.EXPECT().Invalidate("stale"),
		tokens.EXPECT().Token(gomock.Any()).Return("fresh", nil),
	)

	broker := newFakeBroker()
	broker.dialErr = func(n int) error {
		if n == 1 {
			return &transport.RejectedError{StatusCode: http.StatusUnauthorized, Err: errors.New("expired")}
		}
		return nil
	}
	m, rec := newTestManager(t, broker, testOptions())

	m.Connect(invalidatingSource{MockTokenSource: tokens, inv: inv})
	waitState(t, m, StateConnected)

	require.Equal(t, 2, broker.dialCount())
	require.Equal(t, "Bearer fresh", broker.last().header.Get("Authorization"))
	require.ErrorIs(t, rec.lastFailure(), ErrCredentialRejected)
}

func TestSecondRejectionStops(t *testing.T) {
	broker := newFakeBroker()
	broker.connectReply = func(int) *frame.Frame {
		return proto.Error("Unauthorized", "invalid token")
	}
	m, rec := newTestManager(t, broker, testOptions())

	m.Connect(staticToken())
	rec.waitFailures(t, 2)
	time.Sleep(3 * testDelay)

	require.Equal(t, 2, broker.dialCount())
	require.Equal(t, []FailureKind{FailureProtocol, FailureProtocol}, rec.failureKinds())
	require.ErrorIs(t, rec.lastFailure(), ErrProtocol)
	require.ErrorIs(t, rec.lastFailure(), ErrCredentialRejected)
}

func TestHeartbeatTimeoutIsUncleanClose(t *testing.T) {
	broker := newFakeBroker()
	broker.heartbeat = "20,20"
	opts := testOptions()
	opts.HeartbeatInterval = 20 * time.Millisecond
	opts.ReconnectDelay = time.Second
	m, rec := newTestManager(t, broker, opts)

	m.Connect(staticToken())
	waitState(t, m, StateConnected)
	conn := broker.last()

	waitState(t, m, StateDisconnected)
	rec.waitFailures(t, 1)
	require.Equal(t, []FailureKind{FailureUncleanClose}, rec.failureKinds())
	require.ErrorIs(t, rec.lastFailure(), ErrHeartbeatTimeout)
	require.Positive(t, conn.heartbeats.Load())
}

func TestReconnectStartsOneAttempt(t *testing.T) {
	broker := newFakeBroker()
	m, rec := newTestManager(t, broker, testOptions())

	m.Reconnect()
	require.Equal(t, StateIdle, m.State())

	m.Connect(staticToken())
	rec.waitConnected(t, 1)
	old := broker.last()

	m.Reconnect()
	rec.waitConnected(t, 2)
	require.Equal(t, 2, broker.dialCount())
	require.True(t, old.isClosed())
	require.Empty(t, rec.failureKinds())
}

func TestFailureIs(t *testing.T) {
	f := newFailure(FailureUncleanClose, ErrHeartbeatTimeout)
	require.ErrorIs(t, f, ErrUncleanClose)
	require.ErrorIs(t, f, ErrHeartbeatTimeout)
	require.NotErrorIs(t, f, ErrCleanClose)
	require.True(t, FailureTransport.Retryable())
	require.False(t, FailureProtocol.Retryable())
	require.Equal(t, "unclean_close", FailureUncleanClose.String())
	require.Equal(t, "connected", StateConnected.String())
}

func TestStaleRetryTimerLeavesNewerRetryArmed(t *testing.T) {
	broker := newFakeBroker()
	opts := testOptions()
	opts.ReconnectDelay = time.Hour
	m, _ := newTestManager(t, broker, opts)

	m.mu.Lock()
	m.src = staticToken()
	m.state = StateFailed
	gen := m.gen
	m.scheduleRetryLocked(gen)
	staleSeq := m.retrySeq
	m.stopRetryLocked()
	m.scheduleRetryLocked(gen)
	armed := m.retry
	m.mu.Unlock()

	// The first timer fired just before it was stopped.
	m.retryFired(gen, staleSeq)

	m.mu.Lock()
	require.Same(t, armed, m.retry)
	m.mu.Unlock()
	require.Equal(t, StateFailed, m.State())
	require.Equal(t, 0, broker.dialCount())
}
