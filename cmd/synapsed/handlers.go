package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"runtime"
	"strings"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/synapse-sync/synapse/server/internal/auth"
	"github.com/synapse-sync/synapse/server/internal/hub"
	"github.com/synapse-sync/synapse/server/internal/store"
)

// serverConfig bundles the dependencies shared by all handlers.
type serverConfig struct {
	jwtSecret      []byte
	allowedOrigins map[string]struct{}
	originPatterns []string
	users          *store.UserStore
	hub            *hub.Hub
	limiter        *hub.RateLimiter
	history        *hub.History
	authLimiter    *rate.Limiter
}

type contextKey string

// userContextKey stores the authenticated user id in the request context.
const userContextKey contextKey = "user"

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// newRouter wires all routes. serverCtx bounds the lifetime of WebSocket
// sessions so shutdown tears down active connections.
func newRouter(serverCtx context.Context, cfg serverConfig) *chi.Mux {
	r := chi.NewRouter()
	r.Get("/health", healthHandler)
	r.Get("/stats", statsHandler(cfg.hub))
	r.Post("/auth/register", registerHandler(cfg))
	r.Post("/auth/login", loginHandler(cfg))
	r.Get("/ws", wsHandler(serverCtx, cfg))
	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(cfg.jwtSecret))
		r.Get("/protected", protectedHandler)
		r.Get("/history", historyHandler(cfg))
	})
	return r
}

// healthHandler returns a fixed OK response for external health checks.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	_, _ = io.WriteString(w, "OK")
}

// statsHandler reports goroutine and group counts for operational checks.
func statsHandler(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]int{
			"goroutines": runtime.NumGoroutine(),
			"groups":     h.GroupCount(),
		})
	}
}

// registerHandler creates an account and returns a bearer token.
func registerHandler(cfg serverConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.authLimiter != nil && !cfg.authLimiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		req, ok := decodeCredentials(w, r)
		if !ok {
			return
		}

		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			slog.Error("password hash failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}

		user, err := cfg.users.Create(r.Context(), req.Email, hash)
		if errors.Is(err, store.ErrEmailTaken) {
			writeError(w, http.StatusConflict, "Email already exists")
			return
		}
		if err != nil {
			slog.Error("create user failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}

		token, err := auth.IssueToken(user.ID, cfg.jwtSecret, auth.TokenTTL)
		if err != nil {
			slog.Error("token issue failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}

		slog.Info("user registered", "user", user.ID)
		writeJSON(w, http.StatusCreated, tokenResponse{Token: token})
	}
}

// loginHandler verifies credentials and returns a bearer token. Unknown
// emails and wrong passwords produce the same response.
func loginHandler(cfg serverConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.authLimiter != nil && !cfg.authLimiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		req, ok := decodeCredentials(w, r)
		if !ok {
			return
		}

		user, err := cfg.users.ByEmail(r.Context(), req.Email)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		if err != nil {
			slog.Error("user lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}
		if !auth.VerifyPassword(req.Password, user.PasswordHash) {
			writeError(w, http.StatusUnauthorized, "Invalid credentials")
			return
		}

		token, err := auth.IssueToken(user.ID, cfg.jwtSecret, auth.TokenTTL)
		if err != nil {
			slog.Error("token issue failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
			return
		}

		writeJSON(w, http.StatusOK, tokenResponse{Token: token})
	}
}

// wsHandler verifies the bearer token supplied as a query parameter, then
// upgrades the connection and runs a session until it ends. The token rides
// a query parameter because the protocol offers no header negotiation after
// the upgrade handshake begins.
func wsHandler(serverCtx context.Context, cfg serverConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := auth.VerifyToken(r.URL.Query().Get("token"), cfg.jwtSecret)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token")
			return
		}

		if !isOriginAllowed(r.Header.Get("Origin"), cfg.allowedOrigins) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: cfg.originPatterns,
		})
		if err != nil {
			slog.Error("websocket accept error", "error", err)
			return
		}

		sess := hub.NewSession(cfg.hub, conn, userID, cfg.limiter, cfg.history)
		slog.Info("device connected", "user", userID, "device", sess.DeviceID())
		sess.Run(serverCtx)
	}
}

// protectedHandler is an auth-gated ping check.
func protectedHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "Welcome! Your ID is: %s", userFromContext(r.Context()))
}

// historyHandler returns the caller's history buffer, newest first.
func historyHandler(cfg serverConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, cfg.history.Snapshot(userFromContext(r.Context())))
	}
}

// bearerAuth validates the Authorization header and stores the user id in
// the request context. Requests without a valid token are rejected with 401.
func bearerAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
				writeError(w, http.StatusUnauthorized, "Missing or invalid Authorization header")
				return
			}

			userID, err := auth.VerifyToken(parts[1], secret)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), userContextKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func userFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userContextKey).(string)
	return userID
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (credentialsRequest, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 4096))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return credentialsRequest{}, false
	}

	var req credentialsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return credentialsRequest{}, false
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return credentialsRequest{}, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func parseAllowedOrigins(raw string) (map[string]struct{}, []string, error) {
	allowed := make(map[string]struct{})
	if strings.TrimSpace(raw) == "" {
		return allowed, nil, nil
	}

	parts := strings.Split(raw, ",")
	patterns := make([]string, 0, len(parts))
	for _, part := range parts {
		origin, err := canonicalOrigin(part)
		if err != nil {
			return nil, nil, err
		}
		if origin == "" {
			continue
		}
		allowed[origin] = struct{}{}
		patterns = append(patterns, origin)
	}
	return allowed, patterns, nil
}

func isOriginAllowed(originHeader string, allowed map[string]struct{}) bool {
	if originHeader == "" {
		return true
	}
	origin, err := canonicalOrigin(originHeader)
	if err != nil {
		return false
	}
	_, ok := allowed[origin]
	return ok
}

func canonicalOrigin(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", nil
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", errors.New("origin must include scheme and host")
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return "", errors.New("origin must not include a path")
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", errors.New("origin must not include query or fragment")
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), nil
}
