package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/synapse-sync/synapse/server/internal/protocol"
)

const (
	// heartbeatInterval is how often the server pings the peer.
	heartbeatInterval = 30 * time.Second

	// pongTimeout is how long to wait for a pong response.
	pongTimeout = 10 * time.Second

	// writeTimeout is the maximum time to wait for a write to complete.
	writeTimeout = 10 * time.Second

	// maxFrameSize is the WebSocket read limit for inbound frames.
	maxFrameSize = 1 << 20
)

// Session drives one WebSocket connection for one authenticated user's
// device. It owns a fresh device id for the lifetime of the connection,
// runs read, write, and heartbeat goroutines, and tears all three down
// together: the first to fail cancels the rest, and only after every
// goroutine has returned does the session leave its group.
type Session struct {
	hub      *Hub
	conn     *websocket.Conn
	userID   string
	deviceID string
	limiter  *RateLimiter
	history  *History
	sub      *Subscription
}

// NewSession creates a session for an upgraded connection. The device id is
// generated fresh per connection and never reused; a reconnecting client
// gets a new one.
func NewSession(h *Hub, conn *websocket.Conn, userID string, rl *RateLimiter, hist *History) *Session {
	return &Session{
		hub:      h,
		conn:     conn,
		userID:   userID,
		deviceID: uuid.NewString(),
		limiter:  rl,
		history:  hist,
	}
}

// DeviceID returns the session's server-assigned device id.
func (s *Session) DeviceID() string {
	return s.deviceID
}

// UserID returns the authenticated user the session belongs to.
func (s *Session) UserID() string {
	return s.userID
}

// Run joins the user's group and blocks until the session ends. Whichever
// pump exits first cancels the session context; the remaining pumps are
// interrupted and joined before the group subscription is released, so the
// subscriber count never leaks.
func (s *Session) Run(ctx context.Context) {
	s.sub = s.hub.Join(s.userID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		defer cancel()
		s.readPump(ctx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		s.writePump(ctx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		s.heartbeatLoop(ctx)
	}()
	wg.Wait()

	s.hub.Leave(s.sub)
	_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	slog.Info("device disconnected", "user", s.userID, "device", s.deviceID)
}

// readPump ingests frames from the peer. Text frames are rate-checked,
// decoded (malformed input is wrapped, never rejected), stamped with this
// session's device id, recorded in history, and published to the group.
// A read error or close frame ends ingestion.
func (s *Session) readPump(ctx context.Context) {
	s.conn.SetReadLimit(maxFrameSize)

	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Debug("read error", "device", s.deviceID, "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		if !s.limiter.Admit(s.deviceID) {
			slog.Warn("rate limited", "device", s.deviceID)
			continue
		}

		msg := protocol.Decode(data, s.deviceID)
		s.history.Append(s.userID, msg)
		s.sub.Publish(msg)
	}
}

// writePump relays group messages to the peer, discarding echoes of this
// session's own messages. A write failure is terminal.
func (s *Session) writePump(ctx context.Context) {
	for {
		select {
		case msg, ok := <-s.sub.ch:
			if !ok {
				return
			}
			if msg.DeviceID == s.deviceID {
				continue
			}
			data, err := protocol.Encode(msg)
			if err != nil {
				slog.Error("failed to encode message", "device", s.deviceID, "error", err)
				continue
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, writeTimeout)
			err = s.conn.Write(writeCtx, websocket.MessageText, data)
			writeCancel()
			if err != nil {
				slog.Debug("write error", "device", s.deviceID, "error", err)
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// heartbeatLoop pings the peer on a fixed period to verify the connection
// is alive. A failed ping closes the connection; the read pump observes
// the closure and the session tears down.
func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, pongTimeout)
			err := s.conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				slog.Info("heartbeat failed", "device", s.deviceID, "error", err)
				_ = s.conn.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
				return
			}
		}
	}
}
