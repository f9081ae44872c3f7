package media

import (
	"context"
	"sync"
)

// Loopback is an in-process Transport used by tests and the
// single-process deployment mode. Endpoints registered on the same Hub
// can dial each other; everything else is unreachable.
type Hub struct {
	mu        sync.Mutex
	endpoints map[string]*Loopback
}

func NewHub() *Hub {
	return &Hub{endpoints: make(map[string]*Loopback)}
}

// Endpoint registers a new endpoint under the given address.
func (h *Hub) Endpoint(address string) *Loopback {
	h.mu.Lock()
	defer h.mu.Unlock()
	lb := &Loopback{hub: h, address: address, links: make(map[string]bool)}
	h.endpoints[address] = lb
	return lb
}

func (h *Hub) lookup(address string) *Loopback {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.endpoints[address]
}

type Loopback struct {
	hub     *Hub
	address string

	mu    sync.Mutex
	links map[string]bool
}

func (l *Loopback) PublishAddress() string { return l.address }

func (l *Loopback) Connect(_ context.Context, peerAddress string) error {
	peer := l.hub.lookup(peerAddress)
	if peer == nil {
		return ErrPeerUnreachable
	}
	l.mu.Lock()
	l.links[peerAddress] = true
	l.mu.Unlock()
	peer.mu.Lock()
	peer.links[l.address] = true
	peer.mu.Unlock()
	return nil
}

func (l *Loopback) Disconnect(peerAddress string) {
	l.mu.Lock()
	delete(l.links, peerAddress)
	l.mu.Unlock()
	if peer := l.hub.lookup(peerAddress); peer != nil {
		peer.mu.Lock()
		delete(peer.links, l.address)
		peer.mu.Unlock()
	}
}

// ConnectedTo reports whether a live link to the peer exists.
func (l *Loopback) ConnectedTo(peerAddress string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.links[peerAddress]
}
