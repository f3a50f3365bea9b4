package chatsync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

func TestSendNotReadyNeverWrites(t *testing.T) {
	broker := newFakeBroker()
	m, _ := newTestManager(t, broker, testOptions())
	pub := NewPublisher(m, m, time.Second, nil)

	cases := map[string]OutboundDraft{
		"disconnected":  {ChatID: testChatID, SenderID: testUserID, Content: "hi"},
		"no identity":   {ChatID: testChatID, Content: "hi"},
		"no chat":       {SenderID: testUserID, Content: "hi"},
		"blank content": {ChatID: testChatID, SenderID: testUserID, Content: "  \n\t"},
	}
	for name, draft := range cases {
		t.Run(name, func(t *testing.T) {
			err := pub.Send(context.Background(), draft)
			require.ErrorIs(t, err, ErrNotReady)
			require.NotErrorIs(t, err, ErrPublishFailed)
		})
	}
	require.Equal(t, 0, broker.dialCount())
}

func TestSendBlankContentWhileConnected(t *testing.T) {
	broker := newFakeBroker()
	m, rec := newTestManager(t, broker, testOptions())
	pub := NewPublisher(m, m, time.Second, nil)
	m.Connect(staticToken())
	rec.waitConnected(t, 1)

	err := pub.Send(context.Background(), OutboundDraft{ChatID: testChatID, SenderID: testUserID, Content: "   "})
	require.ErrorIs(t, err, ErrNotReady)
	require.Empty(t, broker.last().frames(frame.SEND))
}

func TestSendPublishesTrimmedJSON(t *testing.T) {
	broker := newFakeBroker()
	m, rec := newTestManager(t, broker, testOptions())
	pub := NewPublisher(m, m, time.Second, nil)
	m.Connect(staticToken())
	rec.waitConnected(t, 1)

	require.NoError(t, pub.Send(context.Background(), OutboundDraft{ChatID: testChatID, SenderID: testUserID, Content: "  hello "}))

	sends := broker.last().frames(frame.SEND)
	require.Len(t, sends, 1)
	require.Equal(t, proto.PublishDestination(testChatID), sends[0].Header.Get(frame.Destination))
	require.Equal(t, proto.ContentTypeJSON, sends[0].Header.Get(frame.ContentType))
	require.NotEmpty(t, sends[0].Header.Get(frame.Receipt))

	var body proto.SendBody
	require.NoError(t, json.Unmarshal(sends[0].Body, &body))
	require.Equal(t, proto.SendBody{SenderID: testUserID, Content: "hello"}, body)
}

func TestSendWithoutReceipt(t *testing.T) {
	broker := newFakeBroker()
	broker.noReceipts.Store(true)
	m, rec := newTestManager(t, broker, testOptions())
	pub := NewPublisher(m, m, 0, nil)
	m.Connect(staticToken())
	rec.waitConnected(t, 1)

	require.NoError(t, pub.Send(context.Background(), OutboundDraft{ChatID: testChatID, SenderID: testUserID, Content: "hi"}))
	sends := broker.last().frames(frame.SEND)
	require.Len(t, sends, 1)
	require.Empty(t, sends[0].Header.Get(frame.Receipt))
}

func TestPublishFailureTriggersOneReconnect(t *testing.T) {
	broker := newFakeBroker()
	m, rec := newTestManager(t, broker, testOptions())
	pub := NewPublisher(m, m, time.Second, nil)
	m.Connect(staticToken())
	rec.waitConnected(t, 1)
	broker.last().failWrites.Store(true)

	err := pub.Send(context.Background(), OutboundDraft{ChatID: testChatID, SenderID: testUserID, Content: "hi"})
	require.ErrorIs(t, err, ErrPublishFailed)

	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	require.Equal(t, SendCodePublishFailed, sendErr.Code)

	rec.waitConnected(t, 2)
	time.Sleep(3 * testDelay)
	require.Equal(t, 2, broker.dialCount())
}

func TestMissingReceiptFailsPublish(t *testing.T) {
	broker := newFakeBroker()
	broker.noReceipts.Store(true)
	m, rec := newTestManager(t, broker, testOptions())
	pub := NewPublisher(m, m, 50*time.Millisecond, nil)
	m.Connect(staticToken())
	rec.waitConnected(t, 1)

	err := pub.Send(context.Background(), OutboundDraft{ChatID: testChatID, SenderID: testUserID, Content: "hi"})
	require.ErrorIs(t, err, ErrPublishFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	rec.waitConnected(t, 2)
}

func TestCallerCancelDoesNotReconnect(t *testing.T) {
	broker := newFakeBroker()
	broker.noReceipts.Store(true)
	m, rec := newTestManager(t, broker, testOptions())
	pub := NewPublisher(m, m, time.Second, nil)
	m.Connect(staticToken())
	rec.waitConnected(t, 1)
	conn := broker.last()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pub.Send(ctx, OutboundDraft{ChatID: testChatID, SenderID: testUserID, Content: "hi"})
	require.ErrorIs(t, err, ErrPublishFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	time.Sleep(3 * testDelay)
	require.Equal(t, 1, broker.dialCount())
	require.False(t, conn.isClosed())
	require.Equal(t, StateConnected, m.State())
}
