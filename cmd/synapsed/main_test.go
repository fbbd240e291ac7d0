package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/synapse-sync/synapse/server/internal/auth"
	"github.com/synapse-sync/synapse/server/internal/hub"
	"github.com/synapse-sync/synapse/server/internal/protocol"
	"github.com/synapse-sync/synapse/server/internal/store"
)

var testJWTSecret = []byte("integration-test-secret")

type testServer struct {
	hub     *hub.Hub
	history *hub.History
	server  *httptest.Server
}

type serverOption func(*serverConfig)

func withAuthLimiter(l *rate.Limiter) serverOption {
	return func(cfg *serverConfig) { cfg.authLimiter = l }
}

func withOrigins(allowed map[string]struct{}, patterns []string) serverOption {
	return func(cfg *serverConfig) {
		cfg.allowedOrigins = allowed
		cfg.originPatterns = patterns
	}
}

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()

	db, err := store.Open("file:" + t.Name() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	users, err := store.NewUserStore(ctx, db)
	if err != nil {
		t.Fatalf("init user store: %v", err)
	}

	cfg := serverConfig{
		jwtSecret:      testJWTSecret,
		allowedOrigins: map[string]struct{}{},
		users:          users,
		hub:            hub.NewHub(),
		limiter:        hub.NewRateLimiter(),
		history:        hub.NewHistory(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	srv := httptest.NewServer(newRouter(ctx, cfg))

	// Cancel runs before Close so blocked session handlers unwind first.
	t.Cleanup(srv.Close)
	t.Cleanup(cancel)

	return &testServer{
		hub:     cfg.hub,
		history: cfg.history,
		server:  srv,
	}
}

func registerUser(t *testing.T, ts *testServer, email string) (token, userID string) {
	t.Helper()

	body := fmt.Sprintf(`{"email":%q,"password":"hunter2hunter2"}`, email)
	resp, err := http.Post(ts.server.URL+"/auth/register", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("register request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 from register, got %d", resp.StatusCode)
	}

	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	userID, err = auth.VerifyToken(payload.Token, testJWTSecret)
	if err != nil {
		t.Fatalf("issued token failed verification: %v", err)
	}
	return payload.Token, userID
}

func dialWS(t *testing.T, ts *testServer, token string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func waitForSubscribers(t *testing.T, h *hub.Hub, userID string, expected int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if h.Subscribers(userID) == expected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d subscribers for %s, got %d", expected, userID, h.Subscribers(userID))
}

func readMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) protocol.ClipboardMessage {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("expected text frame, got type %d", typ)
	}

	var msg protocol.ClipboardMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return msg
}

func writeFrame(t *testing.T, conn *websocket.Conn, data []byte) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.server.URL + "/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "OK" {
		t.Fatalf("expected body OK, got %q", body)
	}
}

func TestRegisterAndLoginFlow(t *testing.T) {
	ts := newTestServer(t)
	registerUser(t, ts, "alice@example.com")

	// Duplicate email is rejected.
	body := `{"email":"alice@example.com","password":"another"}`
	resp, err := http.Post(ts.server.URL+"/auth/register", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("duplicate register request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate email, got %d", resp.StatusCode)
	}

	// Login with the right password succeeds.
	body = `{"email":"alice@example.com","password":"hunter2hunter2"}`
	resp, err = http.Post(ts.server.URL+"/auth/login", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from login, got %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if _, err := auth.VerifyToken(payload.Token, testJWTSecret); err != nil {
		t.Fatalf("login token failed verification: %v", err)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	ts := newTestServer(t)
	registerUser(t, ts, "alice@example.com")

	cases := []string{
		`{"email":"alice@example.com","password":"wrong"}`,
		`{"email":"nobody@example.com","password":"hunter2hunter2"}`,
	}
	for _, body := range cases {
		resp, err := http.Post(ts.server.URL+"/auth/login", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("login request: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %s, got %d", body, resp.StatusCode)
		}
	}
}

func TestRegisterValidation(t *testing.T) {
	ts := newTestServer(t)

	cases := []string{
		`not json`,
		`{"email":"","password":"secret"}`,
		`{"email":"alice@example.com","password":""}`,
	}
	for _, body := range cases {
		resp, err := http.Post(ts.server.URL+"/auth/register", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("register request: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 for %q, got %d", body, resp.StatusCode)
		}
	}
}

func TestAuthEndpointsAreThrottled(t *testing.T) {
	ts := newTestServer(t, withAuthLimiter(rate.NewLimiter(rate.Limit(0.01), 1)))

	registerUser(t, ts, "alice@example.com")

	body := `{"email":"bob@example.com","password":"hunter2hunter2"}`
	resp, err := http.Post(ts.server.URL+"/auth/register", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("register request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst exhaustion, got %d", resp.StatusCode)
	}
}

func TestProtectedEndpoint(t *testing.T) {
	ts := newTestServer(t)
	token, userID := registerUser(t, ts, "alice@example.com")

	// Missing token is rejected.
	resp, err := http.Get(ts.server.URL + "/protected")
	if err != nil {
		t.Fatalf("protected request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.server.URL+"/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("protected request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(userID)) {
		t.Fatalf("expected response to contain user id %q, got %q", userID, body)
	}
}

func TestWSRejectsInvalidToken(t *testing.T) {
	ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/ws?token=garbage"
	_, resp, err := websocket.Dial(context.Background(), url, nil)
	if err == nil {
		t.Fatal("expected dial with invalid token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got resp=%v err=%v", resp, err)
	}
}

func TestClipboardRelayBetweenDevices(t *testing.T) {
	ts := newTestServer(t)
	token, userID := registerUser(t, ts, "alice@example.com")

	connA := dialWS(t, ts, token)
	connB := dialWS(t, ts, token)
	waitForSubscribers(t, ts.hub, userID, 2, 2*time.Second)

	// The client-supplied device id must not survive the relay.
	writeFrame(t, connA, []byte(`{"device_id":"spoofed","content":"copied text","encrypted":false}`))

	msg := readMessage(t, connB, 2*time.Second)
	if msg.Content != "copied text" {
		t.Fatalf("expected relayed content, got %q", msg.Content)
	}
	if msg.DeviceID == "spoofed" || msg.DeviceID == "" {
		t.Fatalf("expected server-assigned device id, got %q", msg.DeviceID)
	}
	if msg.Timestamp == 0 {
		t.Fatal("expected timestamp to be set")
	}

	// The sender must not receive its own message back.
	echoCtx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, _, err := connA.Read(echoCtx); err == nil {
		t.Fatal("sender received an echo of its own message")
	}
}

func TestRelayDoesNotCrossUsers(t *testing.T) {
	ts := newTestServer(t)
	aliceToken, aliceID := registerUser(t, ts, "alice@example.com")
	bobToken, bobID := registerUser(t, ts, "bob@example.com")

	aliceConn := dialWS(t, ts, aliceToken)
	bobConn := dialWS(t, ts, bobToken)
	waitForSubscribers(t, ts.hub, aliceID, 1, 2*time.Second)
	waitForSubscribers(t, ts.hub, bobID, 1, 2*time.Second)

	writeFrame(t, aliceConn, []byte(`{"content":"alice only"}`))

	readCtx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, _, err := bobConn.Read(readCtx); err == nil {
		t.Fatal("bob received a message belonging to alice")
	}
}

func TestMalformedFrameIsWrapped(t *testing.T) {
	ts := newTestServer(t)
	token, userID := registerUser(t, ts, "alice@example.com")

	connA := dialWS(t, ts, token)
	connB := dialWS(t, ts, token)
	waitForSubscribers(t, ts.hub, userID, 2, 2*time.Second)

	writeFrame(t, connA, []byte("just plain text"))

	msg := readMessage(t, connB, 2*time.Second)
	if msg.Content != "just plain text" {
		t.Fatalf("expected raw text wrapped as content, got %q", msg.Content)
	}
	if msg.Encrypted {
		t.Fatal("expected wrapped frame to be unencrypted")
	}
}

func TestHistoryEndpoint(t *testing.T) {
	ts := newTestServer(t)
	token, userID := registerUser(t, ts, "alice@example.com")

	// Unauthenticated requests are rejected.
	resp, err := http.Get(ts.server.URL + "/history")
	if err != nil {
		t.Fatalf("history request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	conn := dialWS(t, ts, token)
	waitForSubscribers(t, ts.hub, userID, 1, 2*time.Second)

	// Spaced past the per-device minimum interval so every frame is admitted.
	for i := 0; i < 3; i++ {
		writeFrame(t, conn, []byte(fmt.Sprintf(`{"content":"clip %d"}`, i)))
		time.Sleep(150 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(ts.history.Snapshot(userID)) == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.server.URL+"/history", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("history request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var msgs []protocol.ClipboardMessage
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 history entries, got %d", len(msgs))
	}
	if msgs[0].Content != "clip 2" || msgs[2].Content != "clip 0" {
		t.Fatalf("expected newest-first ordering, got %q ... %q", msgs[0].Content, msgs[2].Content)
	}
}

func TestRapidFireMessagesAreDropped(t *testing.T) {
	ts := newTestServer(t)
	token, userID := registerUser(t, ts, "alice@example.com")

	conn := dialWS(t, ts, token)
	waitForSubscribers(t, ts.hub, userID, 1, 2*time.Second)

	// Back-to-back frames violate the minimum spacing; only the first lands.
	writeFrame(t, conn, []byte(`{"content":"first"}`))
	writeFrame(t, conn, []byte(`{"content":"second"}`))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(ts.history.Snapshot(userID)) >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	msgs := ts.history.Snapshot(userID)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 recorded message, got %d", len(msgs))
	}
	if msgs[0].Content != "first" {
		t.Fatalf("expected the first message to land, got %q", msgs[0].Content)
	}
}

func TestGroupRemovedAfterDisconnect(t *testing.T) {
	ts := newTestServer(t)
	token, userID := registerUser(t, ts, "alice@example.com")

	conn := dialWS(t, ts, token)
	waitForSubscribers(t, ts.hub, userID, 1, 2*time.Second)

	_ = conn.Close(websocket.StatusNormalClosure, "done")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if ts.hub.GroupCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected group removal after disconnect, got %d groups", ts.hub.GroupCount())
}

func TestWSRejectsUnknownOrigin(t *testing.T) {
	ts := newTestServer(t)
	token, _ := registerUser(t, ts, "alice@example.com")

	headers := http.Header{}
	headers.Set("Origin", "https://evil.example.com")
	url := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/ws?token=" + token
	_, resp, err := websocket.Dial(context.Background(), url, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err == nil {
		t.Fatal("expected browser origin dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 forbidden, got resp=%v err=%v", resp, err)
	}
}

func TestWSAllowsConfiguredOrigin(t *testing.T) {
	ts := newTestServer(t, withOrigins(
		map[string]struct{}{"https://app.example.com": {}},
		[]string{"https://app.example.com"},
	))
	token, userID := registerUser(t, ts, "alice@example.com")

	headers := http.Header{}
	headers.Set("Origin", "https://app.example.com")
	url := "ws" + strings.TrimPrefix(ts.server.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.Dial(context.Background(), url, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "done") })

	waitForSubscribers(t, ts.hub, userID, 1, 2*time.Second)
}

func TestParseAllowedOrigins(t *testing.T) {
	allowed, patterns, err := parseAllowedOrigins("https://app.example.com, http://localhost:5173")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(allowed) != 2 || len(patterns) != 2 {
		t.Fatalf("expected 2 origins, got %d/%d", len(allowed), len(patterns))
	}
	if _, ok := allowed["https://app.example.com"]; !ok {
		t.Fatal("expected app.example.com in allowed set")
	}
	if _, ok := allowed["http://localhost:5173"]; !ok {
		t.Fatal("expected localhost origin in allowed set")
	}

	if _, _, err := parseAllowedOrigins("not-an-origin"); err == nil {
		t.Fatal("expected error for origin without scheme")
	}
	if _, _, err := parseAllowedOrigins("https://example.com/path"); err == nil {
		t.Fatal("expected error for origin with path")
	}
}
