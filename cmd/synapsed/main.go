package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/synapse-sync/synapse/server/internal/hub"
	"github.com/synapse-sync/synapse/server/internal/store"
)

const (
	defaultPort                  = "3000"
	defaultAuthRateLimit float64 = 1.0
	defaultAuthRateBurst         = 5
)

func main() {
	port := os.Getenv("SYNAPSE_PORT")
	if port == "" {
		port = defaultPort
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		slog.Error("missing required DATABASE_URL")
		os.Exit(1)
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		slog.Error("missing required JWT_SECRET")
		os.Exit(1)
	}

	logLevel := parseLogLevel(os.Getenv("SYNAPSE_LOG_LEVEL"))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))

	allowedOrigins, originPatterns, err := parseAllowedOrigins(os.Getenv("SYNAPSE_ALLOWED_ORIGINS"))
	if err != nil {
		slog.Error("invalid SYNAPSE_ALLOWED_ORIGINS", "error", err)
		os.Exit(1)
	}

	authRateLimit := defaultAuthRateLimit
	if v := os.Getenv("SYNAPSE_AUTH_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			authRateLimit = f
		}
	}

	authRateBurst := defaultAuthRateBurst
	if v := os.Getenv("SYNAPSE_AUTH_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			authRateBurst = n
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("connecting to database")
	db, err := store.Open(databaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	users, err := store.NewUserStore(ctx, db)
	if err != nil {
		slog.Error("failed to initialize user store", "error", err)
		os.Exit(1)
	}
	slog.Info("database ready")

	limiter := hub.NewRateLimiter()
	limiter.StartSweep(ctx)

	cfg := serverConfig{
		jwtSecret:      []byte(jwtSecret),
		allowedOrigins: allowedOrigins,
		originPatterns: originPatterns,
		users:          users,
		hub:            hub.NewHub(),
		limiter:        limiter,
		history:        hub.NewHistory(),
		authLimiter:    rate.NewLimiter(rate.Limit(authRateLimit), authRateBurst),
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: newRouter(ctx, cfg),
	}

	go func() {
		slog.Info("server starting", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("server stopped")
}

func parseLogLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
