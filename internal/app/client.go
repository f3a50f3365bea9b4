package app

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/vovakirdan/wirechat-sync/internal/api"
	"github.com/vovakirdan/wirechat-sync/internal/auth"
	"github.com/vovakirdan/wirechat-sync/internal/chatsync"
	"github.com/vovakirdan/wirechat-sync/internal/config"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
	"github.com/vovakirdan/wirechat-sync/internal/transport/ws"
)

// tokenLeeway is how long before expiry a cached token is replaced.
const tokenLeeway = 30 * time.Second

// SyncOptions maps configuration onto the connection manager settings.
func SyncOptions(cfg *config.Config) chatsync.Options {
	return chatsync.Options{
		URL:               cfg.WSURL,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReconnectDelay:    cfg.ReconnectDelay,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		PublishTimeout:    cfg.PublishTimeout,
	}
}

// Credentials picks the token source for identity: the configured static
// token if set, otherwise a dev token minted with the configured secret.
// Either way tokens are cached and can be invalidated on rejection.
func Credentials(cfg *config.Config, identity chatsync.Identity) auth.TokenSource {
	var upstream auth.TokenSource
	if cfg.Token != "" {
		upstream = auth.NewStaticSource(cfg.Token)
	} else {
		svc := auth.NewService(JWTConfig(cfg))
		upstream = auth.NewSigningSource(svc, identity.UserID, identity.Email, identity.Name)
	}
	return auth.NewCachingSource(upstream, tokenLeeway)
}

// Client bundles what the chat CLI needs for one identity.
type Client struct {
	API     *api.Client
	Session *chatsync.Session
}

// NewClient builds the REST client and an inactive Session sharing creds.
func NewClient(cfg *config.Config, creds auth.TokenSource, observer chatsync.Observer, logger *zerolog.Logger) (*Client, error) {
	restClient, err := api.NewClient(cfg.APIURL, creds, nil, logger)
	if err != nil {
		return nil, err
	}
	session := chatsync.NewSession(SyncOptions(cfg), ws.NewDialer(), creds, observer, logger)
	return &Client{API: restClient, Session: session}, nil
}

// Messages converts fetched history into Session messages.
func Messages(history []proto.MessageBody) []chatsync.Message {
	return lo.Map(history, func(m proto.MessageBody, _ int) chatsync.Message {
		return chatsync.Message{
			ID:        m.ID,
			ChatID:    m.Chat.ID,
			SenderID:  m.Sender.ID,
			Content:   m.Content,
			Timestamp: m.Timestamp.Time,
		}
	})
}

// Conversation converts a chat listing entry.
func Conversation(c proto.ChatBody) chatsync.Conversation {
	return chatsync.Conversation{ID: c.ID, Type: c.Type, Name: c.Name}
}
