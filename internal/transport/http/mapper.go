package http

import (
	"github.com/samber/lo"

	"github.com/vovakirdan/wirechat-sync/internal/broker"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

// UserResponse represents a user in API responses.
type UserResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// ChatResponse represents a created chat.
type ChatResponse struct {
	proto.ChatBody
	Members []string `json:"members"`
	Skipped []string `json:"skippedEmails,omitempty"`
}

func userResponse(u broker.User) UserResponse {
	return UserResponse{ID: u.ID, Email: u.Email, Name: u.Name}
}

func chatResponse(c broker.Chat, skipped []string) ChatResponse {
	return ChatResponse{ChatBody: broker.ChatBody(c), Members: c.Members, Skipped: skipped}
}

func chatsResponse(chats []broker.Chat) []proto.ChatBody {
	return lo.Map(chats, func(c broker.Chat, _ int) proto.ChatBody {
		return broker.ChatBody(c)
	})
}

func messagesResponse(history []broker.Message) []proto.MessageBody {
	return lo.Map(history, func(m broker.Message, _ int) proto.MessageBody {
		return broker.MessageBody(m)
	})
}
