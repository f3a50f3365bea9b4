// Package api is a client for the REST collaborator: identity upsert,
// conversation listing and creation, and message history.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirechat-sync/internal/auth"
	"github.com/vovakirdan/wirechat-sync/internal/log"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

const (
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 4 << 10
)

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: status %d: %s", e.Code, e.Body)
}

// User is the collaborator's view of an identity.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// CreateChatRequest asks for a new conversation with the users behind Emails.
type CreateChatRequest struct {
	Type   string   `json:"type,omitempty"`
	Name   string   `json:"name,omitempty"`
	Emails []string `json:"userEmails"`
}

// Client calls the REST collaborator with a bearer credential.
type Client struct {
	base  *url.URL
	http  *http.Client
	creds auth.TokenSource
	log   *zerolog.Logger
}

// NewClient creates a client for baseURL, e.g. http://localhost:8080.
// A nil httpClient uses a client with a ten second timeout.
func NewClient(baseURL string, creds auth.TokenSource, httpClient *http.Client, logger *zerolog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api url %q: scheme must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	l := log.OrNop(logger).With().Str("component", "api").Logger()
	return &Client{base: base, http: httpClient, creds: creds, log: &l}, nil
}

// UpsertUser registers or updates the identity behind the credential.
func (c *Client) UpsertUser(ctx context.Context, email, name string) (User, error) {
	var out User
	err := c.do(ctx, http.MethodPost, "/api/users", User{Email: email, Name: name}, &out)
	return out, err
}

// ListChats lists the conversations userID belongs to.
func (c *Client) ListChats(ctx context.Context, userID string) ([]proto.ChatBody, error) {
	var out []proto.ChatBody
	err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID)+"/chats", nil, &out)
	return out, err
}

// CreateChat creates a conversation with the caller as a member.
func (c *Client) CreateChat(ctx context.Context, req CreateChatRequest) (proto.ChatBody, error) {
	if req.Emails == nil {
		req.Emails = []string{}
	}
	var out proto.ChatBody
	err := c.do(ctx, http.MethodPost, "/api/chats", req, &out)
	return out, err
}

// FetchHistory returns a conversation's messages, oldest first.
func (c *Client) FetchHistory(ctx context.Context, chatID int64) ([]proto.MessageBody, error) {
	var out []proto.MessageBody
	err := c.do(ctx, http.MethodGet, "/api/chats/"+strconv.FormatInt(chatID, 10)+"/messages", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	token, err := c.creds.Token(ctx)
	if err != nil {
		return fmt.Errorf("api: credential: %w", err)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", proto.ContentTypeJSON)
	if in != nil {
		req.Header.Set("Content-Type", proto.ContentTypeJSON)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("api request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		if resp.StatusCode == http.StatusUnauthorized {
			if inv, ok := c.creds.(auth.Invalidator); ok {
				inv.Invalidate(token)
			}
		}
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode response: %w", err)
	}
	return nil
}
