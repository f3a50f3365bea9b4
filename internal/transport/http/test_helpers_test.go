package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-stomp/stomp/v3/frame"

	"github.com/vovakirdan/wirechat-sync/internal/auth"
	"github.com/vovakirdan/wirechat-sync/internal/broker"
	"github.com/vovakirdan/wirechat-sync/internal/config"
	"github.com/vovakirdan/wirechat-sync/internal/log"
	"github.com/vovakirdan/wirechat-sync/internal/proto"
)

const testSecret = "test-secret"

type testEnv struct {
	hub    *broker.Hub
	auth   *auth.Service
	server *http.Server
	ts     *httptest.Server
}

func startTestServer(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.ListenAddr = ":0"
	cfg.JWTSecret = testSecret
	cfg.ReadHeaderTimeout = time.Second
	cfg.HandshakeTimeout = 2 * time.Second
	for _, m := range mutate {
		m(&cfg)
	}

	authService := createTestAuthService(t, cfg)
	hub := broker.NewHub(nil, log.Nop())
	server := NewServer(hub, authService, &cfg, log.Nop())

	ts := httptest.NewServer(server.Handler)
	t.Cleanup(ts.Close)

	return &testEnv{hub: hub, auth: authService, server: server, ts: ts}
}

// createTestAuthService creates an auth service for testing.
func createTestAuthService(t *testing.T, cfg config.Config) *auth.Service {
	t.Helper()

	return auth.NewService(&auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      time.Hour,
	})
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := e.auth.IssueToken(userID, userID+"@example.com", "")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (e *testEnv) register(t *testing.T, userID string) {
	t.Helper()
	if _, _, err := e.hub.Store().UpsertUser(broker.User{ID: userID, Email: userID + "@example.com"}); err != nil {
		t.Fatalf("register %s: %v", userID, err)
	}
}

func (e *testEnv) wsURL() string {
	return strings.Replace(e.ts.URL, "http", "ws", 1) + "/ws"
}

func (e *testEnv) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Buffer
	if body != "" {
		reader = bytes.NewBufferString(body)
	} else {
		reader = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp := httptest.NewRecorder()
	e.server.Handler.ServeHTTP(resp, req)
	return resp
}

func decodeJSON(t *testing.T, resp *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(resp.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to unmarshal response %q: %v", resp.Body.String(), err)
	}
}

// dialSTOMP opens a raw websocket speaking the STOMP subprotocol.
func dialSTOMP(ctx context.Context, t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader:   header,
		Subprotocols: []string{proto.Subprotocol},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func writeFrame(ctx context.Context, t *testing.T, conn *websocket.Conn, f *frame.Frame) {
	t.Helper()
	data, err := proto.Encode(f)
	if err != nil {
		t.Fatalf("encode %s: %v", f.Command, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write %s: %v", f.Command, err)
	}
}

// readFrame returns the next non-heartbeat frame.
func readFrame(ctx context.Context, t *testing.T, conn *websocket.Conn) *frame.Frame {
	t.Helper()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		f, err := proto.Decode(data)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if f != nil {
			return f
		}
	}
}

// connectSTOMP dials and completes CONNECT/CONNECTED as userID.
func (e *testEnv) connectSTOMP(ctx context.Context, t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn := dialSTOMP(ctx, t, e.wsURL(), nil)
	writeFrame(ctx, t, conn, proto.Connect("localhost", e.token(t, userID), 0))
	if f := readFrame(ctx, t, conn); f.Command != frame.CONNECTED {
		t.Fatalf("expected CONNECTED, got %s: %s", f.Command, f.Header.Get(frame.Message))
	}
	return conn
}
