// Package hub owns the registry of connected viewer sessions and filters
// outbound stream events against their subscriptions. Subscription changes for
// file-backed streams drive worker start/stop commands through a Commander.
package hub

import (
	"sync"

	"github.com/technosupport/ts-nvr-relay/internal/wire"
)

// Commander receives worker start/stop commands derived from subscription
// diffs. Implemented by the relay orchestrator.
type Commander interface {
	StartStreamFile(key wire.StreamKey)
	StopStreamFile(key wire.StreamKey)
}

type Hub struct {
	commander Commander

	mu      sync.Mutex
	clients map[*Client]struct{}
}

func New(commander Commander) *Hub {
	return &Hub{
		commander: commander,
		clients:   make(map[*Client]struct{}),
	}
}

// Register adds a viewer connection and returns its handle.
func (h *Hub) Register(conn ClientConn) *Client {
	c := newClient(conn)
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

// Unregister marks the handle destroyed and removes it from the registry.
// Stale references held elsewhere become silent no-ops.
func (h *Hub) Unregister(c *Client) {
	c.destroy()
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// UpdateSubscription replaces the client's subscription wholesale and issues
// stop/start commands for the symmetric difference of file-backed streams.
// Live streams (no file_name) never trigger worker commands; their workers are
// started at process startup.
func (h *Hub) UpdateSubscription(c *Client, sub *wire.Subscription) {
	prev := c.Subscription()
	c.updateSubscription(sub)

	if h.commander == nil {
		return
	}
	for _, key := range fileStreams(prev) {
		if !sub.Contains(key) {
			h.commander.StopStreamFile(key)
		}
	}
	for _, key := range fileStreams(sub) {
		if !prev.Contains(key) {
			h.commander.StartStreamFile(key)
		}
	}
}

// Broadcast fans an event out to every registered client; each client applies
// its own subscription filter.
func (h *Hub) Broadcast(event any) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.Send(event)
	}
}

// Count returns the number of registered viewers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func fileStreams(sub *wire.Subscription) []wire.StreamKey {
	if sub == nil {
		return nil
	}
	var keys []wire.StreamKey
	for _, s := range sub.Streams {
		if s.FileName != "" {
			keys = append(keys, s)
		}
	}
	return keys
}
