// Package hub implements the realtime clipboard synchronization engine:
// a registry of per-user broadcast groups, the per-connection session that
// pumps messages in and out of them, per-device rate limiting, and the
// bounded per-user history of recent messages.
package hub

import (
	"log/slog"
	"sync"

	"github.com/synapse-sync/synapse/server/internal/protocol"
)

// groupBufferSize is the capacity of each subscriber's delivery channel.
// A subscriber whose channel is full misses messages rather than stalling
// the group.
const groupBufferSize = 100

// Hub is a registry of broadcast groups keyed by user id. It holds no
// per-connection state; sessions attach and detach subscriptions. Groups
// are created lazily on first join and removed when the last subscriber
// leaves.
type Hub struct {
	mu     sync.Mutex
	groups map[string]*Group
}

// Group is the set of subscriptions for one user's connected devices,
// sharing one fan-out channel per subscriber.
type Group struct {
	userID string

	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	removed bool
}

// Subscription is one session's attachment to a group. Messages published
// to the group are delivered on ch; the session filters out its own echoes.
type Subscription struct {
	group *Group
	ch    chan protocol.ClipboardMessage
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{groups: make(map[string]*Group)}
}

// Join attaches a new subscription to the user's group, creating the group
// if none exists. Concurrent first joins for the same user resolve to a
// single group. The returned subscription must be released with Leave.
func (h *Hub) Join(userID string) *Subscription {
	for {
		h.mu.Lock()
		g, ok := h.groups[userID]
		if !ok {
			g = &Group{userID: userID, subs: make(map[*Subscription]struct{})}
			h.groups[userID] = g
		}
		h.mu.Unlock()

		g.mu.Lock()
		if g.removed {
			// Lost a race with a last-subscriber Leave that deleted this
			// group from the registry; start over with a fresh group.
			g.mu.Unlock()
			continue
		}
		sub := &Subscription{
			group: g,
			ch:    make(chan protocol.ClipboardMessage, groupBufferSize),
		}
		g.subs[sub] = struct{}{}
		g.mu.Unlock()
		return sub
	}
}

// Leave detaches the subscription and closes its delivery channel. If the
// group is left empty, it is removed from the registry; the zero-count
// re-check happens under both the hub and group locks so a concurrent Join
// is never attached to a deleted group. Leave is idempotent.
func (h *Hub) Leave(sub *Subscription) {
	g := sub.group

	g.mu.Lock()
	if _, ok := g.subs[sub]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.subs, sub)
	close(sub.ch)
	empty := len(g.subs) == 0
	g.mu.Unlock()

	if !empty {
		return
	}

	h.mu.Lock()
	g.mu.Lock()
	if len(g.subs) == 0 && h.groups[g.userID] == g {
		g.removed = true
		delete(h.groups, g.userID)
		slog.Debug("group removed", "user", g.userID)
	}
	g.mu.Unlock()
	h.mu.Unlock()
}

// Publish enqueues the message for every current subscriber of the group.
// Delivery is best-effort: a subscriber with a full channel misses the
// message so a stalled device never blocks the publisher.
func (g *Group) Publish(msg protocol.ClipboardMessage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for sub := range g.subs {
		select {
		case sub.ch <- msg:
		default:
			slog.Debug("subscriber buffer full, dropping message", "user", g.userID)
		}
	}
}

// Publish forwards the message to the subscription's group.
func (s *Subscription) Publish(msg protocol.ClipboardMessage) {
	s.group.Publish(msg)
}

// C returns the subscription's delivery channel. It is closed by Leave.
func (s *Subscription) C() <-chan protocol.ClipboardMessage {
	return s.ch
}

// GroupCount returns the number of active groups. Safe for concurrent use.
func (h *Hub) GroupCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.groups)
}

// Subscribers returns the number of subscriptions attached to the user's
// group, or zero if no group exists.
func (h *Hub) Subscribers(userID string) int {
	h.mu.Lock()
	g, ok := h.groups[userID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}
