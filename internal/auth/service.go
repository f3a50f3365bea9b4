package auth

import (
	"strings"
)

// Service issues and validates bearer tokens for the dev broker.
type Service struct {
	jwtConfig *JWTConfig
}

// NewService creates a new authentication service.
func NewService(jwtConfig *JWTConfig) *Service {
	return &Service{jwtConfig: jwtConfig}
}

// IssueToken creates a signed token for the user.
func (s *Service) IssueToken(userID, email, name string) (string, error) {
	return GenerateToken(s.jwtConfig, strings.TrimSpace(userID), email, name)
}

// ValidateToken validates a JWT token and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	return ValidateToken(s.jwtConfig, tokenString)
}

// ValidateBearer validates an "Authorization: Bearer <token>" header value.
func (s *Service) ValidateBearer(header string) (*Claims, error) {
	token, ok := BearerToken(header)
	if !ok {
		return nil, ErrMalformedHeader
	}
	return s.ValidateToken(token)
}

// BearerToken extracts the token from "Bearer <token>".
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}
