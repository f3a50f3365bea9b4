package app

import (
	"context"
	"errors"
	"net"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/auth"
	"github.com/vovakirdan/wirechat-sync/internal/broker"
	"github.com/vovakirdan/wirechat-sync/internal/config"
	"github.com/vovakirdan/wirechat-sync/internal/log"
	transporthttp "github.com/vovakirdan/wirechat-sync/internal/transport/http"
)

// App wires the dev broker: hub, auth and HTTP transport.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	hub             *broker.Hub
	log             *zerolog.Logger
}

// New constructs the dev broker with provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	logger = log.OrNop(logger)
	if cfg.JWTSecret == "" {
		return nil, errors.New("jwt secret is required")
	}

	authService := auth.NewService(JWTConfig(cfg))
	hub := broker.NewHub(broker.NewStore(), logger)
	server := transporthttp.NewServer(hub, authService, cfg, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		hub:             hub,
		log:             logger,
	}, nil
}

// JWTConfig maps configuration onto the token settings shared by the broker
// and dev token minting.
func JWTConfig(cfg *config.Config) *auth.JWTConfig {
	ttl := cfg.JWTTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      ttl,
	}
}

// Run starts the HTTP server and blocks until context cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	// Websocket sessions are hijacked and outlive Shutdown; they end with ctx.
	a.server.BaseContext = func(net.Listener) context.Context { return ctx }

	serverErr := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", ln.Addr().String()).Msg("dev broker listening")
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		a.log.Info().Int("clients", a.hub.Clients()).Msg("http server stopped")
		return <-serverErr
	}
}
