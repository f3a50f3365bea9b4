package http

import (
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/broker"
)

// ChatHandlers serves the REST collaborator API of the dev broker.
type ChatHandlers struct {
	hub *broker.Hub
	log *zerolog.Logger
}

// NewChatHandlers creates a new chat handlers instance.
func NewChatHandlers(hub *broker.Hub, logger *zerolog.Logger) *ChatHandlers {
	return &ChatHandlers{
		hub: hub,
		log: logger,
	}
}

// UpsertUserRequest represents the user upsert request body.
type UpsertUserRequest struct {
	Email string `json:"email" binding:"required,email"`
	Name  string `json:"name" binding:"max=128"`
}

// CreateChatRequest represents the create chat request body.
type CreateChatRequest struct {
	Type       string   `json:"type" binding:"omitempty,oneof=PRIVATE GROUP private group"`
	Name       string   `json:"name" binding:"max=128"`
	UserEmails []string `json:"userEmails" binding:"dive,email"`
}

// ErrorResponse represents an error response body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// UpsertUser creates or updates the caller's profile.
// POST /api/users
func (h *ChatHandlers) UpsertUser(c *gin.Context) {
	claims := caller(c)
	uid := claims.Subject

	var req UpsertUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid upsert user request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "email is required", Code: broker.ErrCodeBadRequest})
		return
	}

	name := req.Name
	if name == "" {
		name = claims.Name
	}
	user, created, err := h.hub.Store().UpsertUser(broker.User{ID: uid, Email: req.Email, Name: name})
	if err != nil {
		h.writeError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.log.Info().Str("user_id", uid).Msg("user registered")
	}
	c.JSON(status, userResponse(user))
}

// ListChats lists the caller's chats.
// GET /api/users/:id/chats
func (h *ChatHandlers) ListChats(c *gin.Context) {
	uid := caller(c).Subject
	if c.Param("id") != uid {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "cannot list chats of another user", Code: broker.ErrCodeForbidden})
		return
	}
	c.JSON(http.StatusOK, chatsResponse(h.hub.Store().ChatsFor(uid)))
}

// CreateChat creates a chat with the caller and the users behind userEmails.
// POST /api/chats
func (h *ChatHandlers) CreateChat(c *gin.Context) {
	uid := caller(c).Subject

	var req CreateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid create chat request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: broker.ErrCodeBadRequest})
		return
	}

	chat, skipped, err := h.hub.CreateChat(uid, req.Type, req.Name, req.UserEmails)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, chatResponse(chat, skipped))
}

// ListMessages returns a chat's history, oldest first.
// GET /api/chats/:id/messages
func (h *ChatHandlers) ListMessages(c *gin.Context) {
	uid := caller(c).Subject
	chatID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || chatID <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid chat id", Code: broker.ErrCodeBadRequest})
		return
	}

	chat, err := h.hub.Store().Chat(chatID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !slices.Contains(chat.Members, uid) {
		h.writeError(c, broker.ErrNotMember)
		return
	}
	history, err := h.hub.Store().Messages(chatID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, messagesResponse(history))
}

func (h *ChatHandlers) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, broker.ErrChatNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: broker.ErrCodeChatNotFound})
	case errors.Is(err, broker.ErrUserNotFound):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "current user not found, register first", Code: broker.ErrCodeUserNotFound})
	case errors.Is(err, broker.ErrNotMember):
		c.JSON(http.StatusForbidden, ErrorResponse{Error: err.Error(), Code: broker.ErrCodeNotMember})
	case errors.Is(err, broker.ErrEmailRequired):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: broker.ErrCodeBadRequest})
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}
