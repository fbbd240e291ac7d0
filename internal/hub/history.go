package hub

import (
	"sync"

	"github.com/synapse-sync/synapse/server/internal/protocol"
)

// maxHistorySize caps the number of messages retained per user.
const maxHistorySize = 50

// History keeps a bounded, newest-first in-memory record of recent messages
// per user. Buffers are created lazily and guarded individually so appends
// for different users never contend.
type History struct {
	mu      sync.RWMutex
	buffers map[string]*historyBuffer
	max     int
}

type historyBuffer struct {
	mu   sync.Mutex
	msgs []protocol.ClipboardMessage
}

// NewHistory creates an empty history store with the default 50-entry cap.
func NewHistory() *History {
	return &History{
		buffers: make(map[string]*historyBuffer),
		max:     maxHistorySize,
	}
}

func (h *History) buffer(userID string) *historyBuffer {
	h.mu.RLock()
	b, ok := h.buffers[userID]
	h.mu.RUnlock()
	if ok {
		return b
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok := h.buffers[userID]; ok {
		return b
	}
	b = &historyBuffer{}
	h.buffers[userID] = b
	return b
}

// Append inserts a message at the front of the user's buffer, discarding
// the oldest entries beyond the cap.
func (h *History) Append(userID string, msg protocol.ClipboardMessage) {
	b := h.buffer(userID)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.msgs = append([]protocol.ClipboardMessage{msg}, b.msgs...)
	if len(b.msgs) > h.max {
		b.msgs = b.msgs[:h.max]
	}
}

// Snapshot returns a copy of the user's buffer, newest first. Users with no
// history get an empty slice, never nil, so callers can encode it directly.
func (h *History) Snapshot(userID string) []protocol.ClipboardMessage {
	h.mu.RLock()
	b, ok := h.buffers[userID]
	h.mu.RUnlock()
	if !ok {
		return []protocol.ClipboardMessage{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]protocol.ClipboardMessage, len(b.msgs))
	copy(out, b.msgs)
	return out
}
