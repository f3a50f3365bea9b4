package http

import (
	"fmt"
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/auth"
	"github.com/vovakirdan/wirechat-sync/internal/broker"
	"github.com/vovakirdan/wirechat-sync/internal/config"
	"github.com/vovakirdan/wirechat-sync/internal/log"
)

// NewServer builds the dev broker HTTP server: REST routes under /api and the
// STOMP websocket endpoint on /ws.
func NewServer(hub *broker.Hub, authService *auth.Service, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	logger = log.OrNop(logger)
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))

	router.GET("/health", healthHandler)

	chats := NewChatHandlers(hub, logger)
	api := router.Group("/api")
	api.Use(AuthMiddleware(authService, logger))
	{
		api.POST("/users", chats.UpsertUser)
		api.GET("/users/:id/chats", chats.ListChats)
		api.POST("/chats", chats.CreateChat)
		api.GET("/chats/:id/messages", chats.ListMessages)
	}

	// The websocket endpoint bypasses gin: its response writer refuses to
	// hijack once the upgrade headers are written.
	mux := stdhttp.NewServeMux()
	mux.Handle("/ws", NewWSHandler(hub, authService, WSOptions{
		Heartbeat:        cfg.HeartbeatInterval,
		HandshakeTimeout: cfg.HandshakeTimeout,
		SendRateLimit:    cfg.SendRateLimit,
	}, logger))
	mux.Handle("/", router)

	return &stdhttp.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func healthHandler(c *gin.Context) {
	_, _ = fmt.Fprint(c.Writer, "ok")
}
