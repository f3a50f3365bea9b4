package chatsync

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/auth"
	"github.com/vovakirdan/wirechat-sync/internal/log"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
	"github.com/vovakirdan/wirechat-sync/internal/transport"
)

const teardownTimeout = 2 * time.Second

// Identity is the user a Session acts for.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// Conversation is the chat a Session is bound to.
type Conversation struct {
	ID   int64
	Type string
	Name string
}

// Message is a delivered chat message.
type Message struct {
	ID        int64
	ChatID    int64
	SenderID  string
	Content   string
	Timestamp time.Time
}

// Status reports a connection state change, with the failure that caused it if any.
type Status struct {
	State   ConnectionState
	Failure *Failure
}

// Observer receives everything a Session delivers to the application.
// Callbacks must not call Deactivate or SwitchConversation: those wait for
// callbacks in progress to return.
type Observer interface {
	OnMessage(msg Message)
	OnConversation(conv Conversation)
	OnStatus(status Status)
	OnBrokerError(chatID int64, text string)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Message      func(Message)
	Conversation func(Conversation)
	Status       func(Status)
	BrokerError  func(chatID int64, text string)
}

func (o ObserverFuncs) OnMessage(msg Message) {
	if o.Message != nil {
		o.Message(msg)
	}
}

func (o ObserverFuncs) OnConversation(conv Conversation) {
	if o.Conversation != nil {
		o.Conversation(conv)
	}
}

func (o ObserverFuncs) OnStatus(status Status) {
	if o.Status != nil {
		o.Status(status)
	}
}

func (o ObserverFuncs) OnBrokerError(chatID int64, text string) {
	if o.BrokerError != nil {
		o.BrokerError(chatID, text)
	}
}

// Session binds one identity and one open conversation to a connection.
// Switching conversations tears every resource down and builds new ones.
type Session struct {
	opts     Options
	dialer   transport.Dialer
	creds    auth.TokenSource
	observer Observer
	log      *zerolog.Logger

	mu   sync.Mutex
	gen  uint64
	live *activation
}

// activation is everything owned by one activate/deactivate cycle.
type activation struct {
	gen          uint64
	identity     Identity
	conversation Conversation
	alive        atomic.Bool
	// inflight is read-held by observer callbacks; Deactivate write-locks it
	// once alive is false so no callback outlives it.
	inflight sync.RWMutex

	mgr      *ConnectionManager
	reg      *SubscriptionRegistry
	pub      *Publisher
	messages *Deduplicator[int64]
	chats    *Deduplicator[int64]
	log      *zerolog.Logger
}

// NewSession creates an inactive session.
func NewSession(opts Options, dialer transport.Dialer, creds auth.TokenSource, observer Observer, logger *zerolog.Logger) *Session {
	if observer == nil {
		observer = ObserverFuncs{}
	}
	return &Session{
		opts:     opts,
		dialer:   dialer,
		creds:    creds,
		observer: observer,
		log:      log.OrNop(logger),
	}
}

// Activate binds the session to identity and conversation and starts
// connecting. An already active session is deactivated first.
func (s *Session) Activate(identity Identity, conversation Conversation) error {
	if identity.UserID == "" {
		return ErrNoIdentity
	}
	if conversation.ID == 0 {
		return ErrNoConversation
	}
	s.Deactivate()

	s.mu.Lock()
	s.gen++
	act := s.newActivation(s.gen, identity, conversation)
	act.alive.Store(true)
	s.live = act
	s.mu.Unlock()

	act.log.Info().Msg("session activated")
	act.mgr.Connect(s.creds)
	return nil
}

// SwitchConversation is Deactivate followed by Activate with the same identity.
func (s *Session) SwitchConversation(conversation Conversation) error {
	s.mu.Lock()
	act := s.live
	s.mu.Unlock()
	if act == nil {
		return ErrNoIdentity
	}
	return s.Activate(act.identity, conversation)
}

// Deactivate marks the session dead, unsubscribes and closes the connection.
// It is safe at any point, including mid-handshake and mid-retry.
func (s *Session) Deactivate() {
	s.mu.Lock()
	act := s.live
	s.live = nil
	s.gen++
	s.mu.Unlock()
	if act == nil {
		return
	}

	act.alive.Store(false)
	act.inflight.Lock()
	act.inflight.Unlock() //nolint:staticcheck // waits out callbacks in progress
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	act.reg.UnsubscribeAll(ctx)
	act.mgr.Close()
	act.log.Info().Msg("session deactivated")
}

// Send publishes draft. Missing chat or sender are filled from the active session.
func (s *Session) Send(ctx context.Context, draft OutboundDraft) error {
	act := s.current()
	if act == nil {
		return notReady("no active session")
	}
	if draft.ChatID == 0 {
		draft.ChatID = act.conversation.ID
	}
	if draft.SenderID == "" {
		draft.SenderID = act.identity.UserID
	}
	return act.pub.Send(ctx, draft)
}

// Seed records already fetched history so a live redelivery of it is dropped.
// It returns the messages that were not seen before, in input order.
func (s *Session) Seed(history []Message) []Message {
	act := s.current()
	if act == nil {
		return nil
	}
	fresh := make([]Message, 0, len(history))
	for _, msg := range history {
		if act.messages.Admit(msg.ID) {
			fresh = append(fresh, msg)
		}
	}
	return fresh
}

// State returns the connection state, Idle when inactive.
func (s *Session) State() ConnectionState {
	act := s.current()
	if act == nil {
		return StateIdle
	}
	return act.mgr.State()
}

// Conversation returns the active conversation.
func (s *Session) Conversation() (Conversation, bool) {
	act := s.current()
	if act == nil {
		return Conversation{}, false
	}
	return act.conversation, true
}

// Subscriptions returns the live subscriptions of the active conversation.
func (s *Session) Subscriptions() []Subscription {
	act := s.current()
	if act == nil {
		return nil
	}
	return act.reg.Active()
}

func (s *Session) current() *activation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

func (s *Session) newActivation(gen uint64, identity Identity, conversation Conversation) *activation {
	l := s.log.With().
		Uint64("gen", gen).
		Str("user_id", identity.UserID).
		Int64("chat_id", conversation.ID).
		Logger()
	act := &activation{
		gen:          gen,
		identity:     identity,
		conversation: conversation,
		messages:     NewDeduplicator[int64](),
		chats:        NewDeduplicator[int64](),
		log:          &l,
	}
	act.mgr = NewConnectionManager(s.opts, s.dialer, Hooks{
		OnConnected:   func(conn *Connection) { s.connected(act, conn) },
		OnStateChange: func(state ConnectionState) { s.stateChanged(act, state, nil) },
		OnFailure:     func(f *Failure) { s.stateChanged(act, act.mgr.State(), f) },
	}, &l)
	act.reg = NewSubscriptionRegistry(act.mgr, func(topic string, body []byte) {
		s.deliver(act, topic, body)
	}, &l)
	act.pub = NewPublisher(act.mgr, act.mgr, s.opts.PublishTimeout, &l)
	return act
}

// topics are the subscriptions of one activation, all on the same connection.
func (a *activation) topics() []string {
	return []string{
		proto.ChatTopic(a.conversation.ID),
		proto.UserQueue(a.conversation.ID),
		proto.ChatErrorTopic(a.conversation.ID),
		proto.UserChatsTopic(a.identity.UserID),
	}
}

func (s *Session) connected(act *activation, conn *Connection) {
	if !act.alive.Load() {
		return
	}
	ctx, cancel := context.WithTimeout(conn.ctx, teardownTimeout)
	defer cancel()
	if err := act.reg.Resubscribe(ctx); err != nil {
		act.log.Warn().Err(err).Msg("resubscribe failed")
		return
	}
	if _, err := act.reg.Subscribe(ctx, act.topics()...); err != nil {
		// the next successful connect retries
		act.log.Warn().Err(err).Msg("subscribe failed")
	}
}

func (s *Session) stateChanged(act *activation, state ConnectionState, f *Failure) {
	act.inflight.RLock()
	defer act.inflight.RUnlock()
	if !act.alive.Load() {
		return
	}
	s.observer.OnStatus(Status{State: state, Failure: f})
}

func (s *Session) deliver(act *activation, topic string, body []byte) {
	act.inflight.RLock()
	defer act.inflight.RUnlock()
	if !act.alive.Load() {
		return
	}
	conv := act.conversation
	switch topic {
	case proto.ChatTopic(conv.ID), proto.UserQueue(conv.ID):
		var mb proto.MessageBody
		if err := json.Unmarshal(body, &mb); err != nil {
			act.log.Warn().Err(err).Str("topic", topic).Msg("malformed message dropped")
			return
		}
		if err := mb.Validate(); err != nil {
			act.log.Warn().Err(err).Str("topic", topic).Msg("invalid message dropped")
			return
		}
		if mb.Chat.ID != conv.ID {
			act.log.Warn().Int64("msg_chat_id", mb.Chat.ID).Msg("message for another chat dropped")
			return
		}
		if !act.messages.Admit(mb.ID) {
			act.log.Debug().Int64("msg_id", mb.ID).Msg("duplicate dropped")
			return
		}
		s.observer.OnMessage(Message{
			ID:        mb.ID,
			ChatID:    mb.Chat.ID,
			SenderID:  mb.Sender.ID,
			Content:   mb.Content,
			Timestamp: mb.Timestamp.Time,
		})
	case proto.UserChatsTopic(act.identity.UserID):
		var cb proto.ChatBody
		if err := json.Unmarshal(body, &cb); err != nil || cb.ID == 0 {
			act.log.Warn().Err(err).Str("topic", topic).Msg("malformed chat notification dropped")
			return
		}
		if !act.chats.Admit(cb.ID) {
			return
		}
		s.observer.OnConversation(Conversation{ID: cb.ID, Type: cb.Type, Name: cb.Name})
	case proto.ChatErrorTopic(conv.ID):
		s.observer.OnBrokerError(conv.ID, string(body))
	default:
		act.log.Debug().Str("topic", topic).Msg("frame on unexpected topic dropped")
	}
}
