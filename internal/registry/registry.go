// Package registry tracks which peers currently hold a live channel to the
// relay. It is the one structure shared across every connection-handling
// goroutine, so it carries its own synchronisation; no caller ever holds a
// mutable reference into the map.
package registry

import (
	"sort"
	"sync"
)

// Channel is the transport handle for a live peer connection. The registry
// entry owns the only strong reference; the router uses it to push frames.
//
// WriteFrame must be safe for concurrent use — the websocket binding
// serialises writes internally.
type Channel interface {
	WriteFrame(v any) error
	Close() error
}

// Registry is the in-memory map from peer id to live channel.
// All methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]Channel
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{peers: make(map[string]Channel)}
}

// Register stores ch as the live channel for peerID, overwriting any existing
// entry. Last writer wins when a peer opens a second channel; the previous
// channel is not force-closed, it simply stops being routable.
func (r *Registry) Register(peerID string, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[peerID] = ch
}

// Lookup returns the newest channel for peerID, or false if the peer has no
// live channel.
func (r *Registry) Lookup(peerID string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.peers[peerID]
	return ch, ok
}

// Unregister removes peerID from the map. No-op if absent.
func (r *Registry) Unregister(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, peerID)
}

// UnregisterChannel removes peerID only if its registered channel is still ch.
// A connection handler tearing down a stale channel must not evict the newer
// channel a reconnecting peer has already registered.
func (r *Registry) UnregisterChannel(peerID string, ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.peers[peerID]; ok && cur == ch {
		delete(r.peers, peerID)
	}
}

// ListPeers returns the sorted ids of all peers with a live channel.
func (r *Registry) ListPeers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns every peer id and channel pair at call time. The router
// uses it for broadcast so pushes happen outside the registry lock.
func (r *Registry) Snapshot() map[string]Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Channel, len(r.peers))
	for id, ch := range r.peers {
		out[id] = ch
	}
	return out
}

// Count returns the number of peers with a live channel.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
