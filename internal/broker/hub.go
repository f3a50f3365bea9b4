package broker

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/log"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

const (
	userPrefix      = "/user/"
	appChatPrefix   = "/app/chat/"
	userTopicPrefix = "/topic/user/"
	chatTopicPrefix = "/topic/chat/"
)

// Hub routes published bodies to subscribed clients and owns the store.
type Hub struct {
	store *Store
	log   *zerolog.Logger

	mu      sync.RWMutex
	rooms   map[string]*Room
	clients map[string]*Client
}

// NewHub creates a hub over store.
func NewHub(store *Store, logger *zerolog.Logger) *Hub {
	if store == nil {
		store = NewStore()
	}
	l := log.OrNop(logger).With().Str("component", "hub").Logger()
	return &Hub{
		store:   store,
		log:     &l,
		rooms:   make(map[string]*Room),
		clients: make(map[string]*Client),
	}
}

// Store returns the backing store.
func (h *Hub) Store() *Store {
	return h.store
}

// RegisterClient makes c eligible for subscriptions.
func (h *Hub) RegisterClient(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	h.log.Debug().Str("client_id", c.ID).Str("user_id", c.UserID).Msg("client registered")
}

// UnregisterClient drops c and all its subscriptions.
func (h *Hub) UnregisterClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c.ID)

	c.mu.Lock()
	for id, key := range c.subs {
		if room, ok := h.rooms[key]; ok {
			room.RemoveSubscriber(c, id)
			if room.Empty() {
				delete(h.rooms, key)
			}
		}
	}
	c.subs = make(map[string]string)
	c.mu.Unlock()
	h.log.Debug().Str("client_id", c.ID).Msg("client unregistered")
}

// Clients returns the number of registered clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Subscribe routes destination to subscription subID of c.
func (h *Hub) Subscribe(c *Client, subID, destination string) error {
	if subID == "" || destination == "" {
		return brokerError(ErrCodeBadRequest, fmt.Errorf("%w: subscription needs id and destination", ErrBadDestination))
	}
	if owner, ok := strings.CutPrefix(destination, userTopicPrefix); ok {
		if uid, _, _ := strings.Cut(owner, "/"); uid != c.UserID {
			return brokerError(ErrCodeForbidden, ErrForbidden)
		}
	}
	if chatID, ok := chatTopicID(destination); ok {
		chat, err := h.store.Chat(chatID)
		if err != nil {
			return brokerError(ErrCodeChatNotFound, err)
		}
		if !slices.Contains(chat.Members, c.UserID) {
			return brokerError(ErrCodeNotMember, ErrNotMember)
		}
	}
	key := routingKey(c.UserID, destination)

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; !ok {
		return ErrClientNotActive
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.subs[subID]; exists {
		return brokerError(ErrCodeBadRequest, ErrAlreadyExists)
	}
	room, ok := h.rooms[key]
	if !ok {
		room = NewRoom(key, destination)
		h.rooms[key] = room
	}
	room.AddSubscriber(c, subID)
	c.subs[subID] = key
	h.log.Debug().Str("client_id", c.ID).Str("sub_id", subID).Str("destination", destination).Msg("subscribed")
	return nil
}

// Unsubscribe removes subscription subID of c.
func (h *Hub) Unsubscribe(c *Client, subID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	key, ok := c.subs[subID]
	if !ok {
		return brokerError(ErrCodeBadRequest, ErrNoSubscription)
	}
	delete(c.subs, subID)
	if room, ok := h.rooms[key]; ok {
		room.RemoveSubscriber(c, subID)
		if room.Empty() {
			delete(h.rooms, key)
		}
	}
	return nil
}

// Subscribers counts the subscriptions routed to a broadcast destination.
func (h *Hub) Subscribers(destination string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room, ok := h.rooms[destination]
	if !ok {
		return 0
	}
	return room.Len()
}

// Publish delivers body to every subscriber of a broadcast destination.
func (h *Hub) Publish(destination string, body []byte) int {
	return h.broadcast(destination, body)
}

// PublishToUser delivers body to the sessions of userID subscribed to the
// user destination, e.g. /user/queue/chat/7.
func (h *Hub) PublishToUser(userID, destination string, body []byte) int {
	return h.broadcast(routingKey(userID, destination), body)
}

func (h *Hub) broadcast(key string, body []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room, ok := h.rooms[key]
	if !ok {
		return 0
	}
	delivered, dropped := room.Broadcast(body)
	if dropped > 0 {
		h.log.Warn().Str("room", key).Int("dropped", dropped).Msg("slow consumers, deliveries dropped")
	}
	return delivered
}

// Send handles a SEND from c. Chat-level failures are also reported on the
// chat's error topic.
func (h *Hub) Send(c *Client, destination string, body []byte) (Message, error) {
	chatID, ok := ParseChatDestination(destination)
	if !ok {
		return Message{}, brokerError(ErrCodeBadRequest, fmt.Errorf("%w: %s", ErrBadDestination, destination))
	}

	var req proto.SendBody
	if err := json.Unmarshal(body, &req); err != nil {
		err = brokerError(ErrCodeBadRequest, fmt.Errorf("decode body: %w", err))
		h.ReportSendFailure(chatID, err)
		return Message{}, err
	}
	if req.SenderID != c.UserID {
		err := brokerError(ErrCodeForbidden, ErrSenderMismatch)
		h.ReportSendFailure(chatID, err)
		return Message{}, err
	}

	msg, err := h.store.AppendMessage(chatID, req.SenderID, req.Content)
	if err != nil {
		h.ReportSendFailure(chatID, err)
		return Message{}, brokerError(codeFor(err), err)
	}
	chat, err := h.store.Chat(chatID)
	if err != nil {
		return Message{}, brokerError(ErrCodeChatNotFound, err)
	}

	payload, err := json.Marshal(MessageBody(msg))
	if err != nil {
		return Message{}, fmt.Errorf("encode message: %w", err)
	}
	n := h.Publish(proto.ChatTopic(chatID), payload)
	for _, member := range chat.Members {
		n += h.PublishToUser(member, proto.UserQueue(chatID), payload)
	}
	h.log.Debug().Int64("chat_id", chatID).Int64("msg_id", msg.ID).Int("deliveries", n).Msg("message routed")
	return msg, nil
}

// ReportSendFailure publishes a text notice on the chat's error topic.
func (h *Hub) ReportSendFailure(chatID int64, err error) {
	h.log.Warn().Err(err).Int64("chat_id", chatID).Msg("send failed")
	h.Publish(proto.ChatErrorTopic(chatID), []byte("Failed to send message: "+err.Error()))
}

// CreateChat stores a chat and announces it to every member.
func (h *Hub) CreateChat(creatorID, chatType, name string, emails []string) (Chat, []string, error) {
	chat, skipped, err := h.store.CreateChat(creatorID, chatType, name, emails)
	if err != nil {
		return Chat{}, nil, brokerError(codeFor(err), err)
	}
	payload, err := json.Marshal(ChatBody(chat))
	if err != nil {
		return Chat{}, nil, fmt.Errorf("encode chat: %w", err)
	}
	for _, member := range chat.Members {
		h.Publish(proto.UserChatsTopic(member), payload)
	}
	h.log.Info().Int64("chat_id", chat.ID).Int("members", len(chat.Members)).Strs("skipped", skipped).Msg("chat created")
	return chat, skipped, nil
}

// ParseChatDestination extracts the chat id of /app/chat/{id}.
func ParseChatDestination(destination string) (int64, bool) {
	rest, ok := strings.CutPrefix(destination, appChatPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// chatTopicID extracts the chat id of /topic/chat/{id} and its sub-topics.
func chatTopicID(destination string) (int64, bool) {
	rest, ok := strings.CutPrefix(destination, chatTopicPrefix)
	if !ok {
		return 0, false
	}
	raw, _, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func routingKey(userID, destination string) string {
	if strings.HasPrefix(destination, userPrefix) {
		return "user:" + userID + ":" + destination
	}
	return destination
}

func codeFor(err error) string {
	switch err {
	case ErrUserNotFound:
		return ErrCodeUserNotFound
	case ErrChatNotFound:
		return ErrCodeChatNotFound
	case ErrNotMember:
		return ErrCodeNotMember
	default:
		return ErrCodeBadRequest
	}
}
