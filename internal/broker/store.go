package broker

import (
	"cmp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
)

// User is a registered identity. ID is the token subject.
type User struct {
	ID    string
	Email string
	Name  string
}

// Chat types.
const (
	ChatTypePrivate = "PRIVATE"
	ChatTypeGroup   = "GROUP"
)

// Chat is a conversation and its members.
type Chat struct {
	ID        int64
	Type      string
	Name      string
	Members   []string
	CreatedAt time.Time
}

// Message is a stored chat message.
type Message struct {
	ID        int64
	ChatID    int64
	SenderID  string
	Content   string
	Timestamp time.Time
}

// Store keeps users, chats and messages in memory.
type Store struct {
	mu       sync.RWMutex
	users    map[string]User
	chats    map[int64]*Chat
	messages map[int64][]Message
	nextChat int64
	nextMsg  int64
	now      func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		users:    make(map[string]User),
		chats:    make(map[int64]*Chat),
		messages: make(map[int64][]Message),
		now:      time.Now,
	}
}

// UpsertUser creates the user or updates its email and name.
// It reports whether the user was created.
func (s *Store) UpsertUser(u User) (User, bool, error) {
	u.Email = strings.TrimSpace(u.Email)
	if u.ID == "" {
		return User{}, false, ErrUserNotFound
	}
	if u.Email == "" {
		return User{}, false, ErrEmailRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.users[u.ID]
	s.users[u.ID] = u
	return u, !existed, nil
}

// User looks a user up by id.
func (s *Store) User(id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

// CreateChat creates a chat owned by creatorID. Emails that match no user are
// skipped and returned.
func (s *Store) CreateChat(creatorID, chatType, name string, emails []string) (Chat, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[creatorID]; !ok {
		return Chat{}, nil, ErrUserNotFound
	}

	members := []string{creatorID}
	var skipped []string
	for _, email := range lo.Uniq(emails) {
		u, ok := lo.Find(lo.Values(s.users), func(u User) bool {
			return strings.EqualFold(u.Email, strings.TrimSpace(email))
		})
		if !ok {
			skipped = append(skipped, email)
			continue
		}
		if !slices.Contains(members, u.ID) {
			members = append(members, u.ID)
		}
	}
	if chatType == "" {
		chatType = ChatTypePrivate
		if len(members) > 2 {
			chatType = ChatTypeGroup
		}
	}

	s.nextChat++
	chat := &Chat{
		ID:        s.nextChat,
		Type:      strings.ToUpper(chatType),
		Name:      name,
		Members:   members,
		CreatedAt: s.now().UTC(),
	}
	s.chats[chat.ID] = chat
	return chat.clone(), skipped, nil
}

// Chat looks a chat up by id.
func (s *Store) Chat(id int64) (Chat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chats[id]
	if !ok {
		return Chat{}, ErrChatNotFound
	}
	return c.clone(), nil
}

// ChatsFor lists the chats userID belongs to, oldest first.
func (s *Store) ChatsFor(userID string) []Chat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Chat, 0)
	for _, c := range s.chats {
		if slices.Contains(c.Members, userID) {
			out = append(out, c.clone())
		}
	}
	slices.SortFunc(out, func(a, b Chat) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// AppendMessage stores a message and assigns its id.
func (s *Store) AppendMessage(chatID int64, senderID, content string) (Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return Message{}, ErrEmptyContent
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return Message{}, ErrChatNotFound
	}
	if _, ok := s.users[senderID]; !ok {
		return Message{}, ErrUserNotFound
	}
	if !slices.Contains(chat.Members, senderID) {
		return Message{}, ErrNotMember
	}
	s.nextMsg++
	msg := Message{
		ID:        s.nextMsg,
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		Timestamp: s.now().UTC(),
	}
	s.messages[chatID] = append(s.messages[chatID], msg)
	return msg, nil
}

// Messages returns the history of a chat in send order.
func (s *Store) Messages(chatID int64) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.chats[chatID]; !ok {
		return nil, ErrChatNotFound
	}
	return slices.Clone(s.messages[chatID]), nil
}

func (c *Chat) clone() Chat {
	out := *c
	out.Members = slices.Clone(c.Members)
	return out
}
