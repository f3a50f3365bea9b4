package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/auth"
)

const (
	contextKeyClaims    = "claims"
	contextKeyRequestID = "request_id"
	headerRequestID     = "X-Request-ID"
)

// AuthMiddleware rejects requests without a valid bearer token and stores
// the token claims on the context.
func AuthMiddleware(authService *auth.Service, logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			abortUnauthorized(c, "missing authorization header")
			return
		}
		claims, err := authService.ValidateBearer(header)
		if err != nil {
			logger.Debug().Err(err).Str(contextKeyRequestID, c.GetString(contextKeyRequestID)).Msg("bearer rejected")
			abortUnauthorized(c, "invalid token")
			return
		}
		c.Set(contextKeyClaims, claims)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: msg, Code: "unauthorized"})
}

// caller returns the authenticated claims set by AuthMiddleware.
func caller(c *gin.Context) *auth.Claims {
	if v, ok := c.Get(contextKeyClaims); ok {
		if claims, ok := v.(*auth.Claims); ok {
			return claims
		}
	}
	return &auth.Claims{}
}

// LoggerMiddleware tags each request with an id and logs it once served.
func LoggerMiddleware(logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(headerRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(contextKeyRequestID, requestID)
		c.Header(headerRequestID, requestID)

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Info()
		if status >= http.StatusInternalServerError {
			event = logger.Warn()
		}
		event.
			Str(contextKeyRequestID, requestID).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("user_id", caller(c).Subject).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("http request")
	}
}
