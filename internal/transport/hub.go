package transport

import (
	"context"
	"fmt"
	"sync"
)

// Hub connects nodes living in the same process. Used for tests and for
// running both roles in one binary.
type Hub struct {
	mu    sync.RWMutex
	nodes map[string]*HubNode
	order []string
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{nodes: make(map[string]*HubNode)}
}

// Join adds a node to the hub, or returns the existing node with that id.
func (h *Hub) Join(id, displayName string, nearby bool) *HubNode {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n, ok := h.nodes[id]; ok {
		return n
	}
	n := &HubNode{
		hub:          h,
		endpoint:     Endpoint{ID: id, DisplayName: displayName, Nearby: nearby},
		capabilities: make(map[string]struct{}),
	}
	n.refs = refCount{
		open: func(context.Context) error {
			n.setOnline(true)
			return nil
		},
		close: func() { n.setOnline(false) },
	}
	h.nodes[id] = n
	h.order = append(h.order, id)
	return n
}

func (h *Hub) node(id string) (*HubNode, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n, ok := h.nodes[id]
	return n, ok
}

func (h *Hub) peers(self string) []*HubNode {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*HubNode, 0, len(h.order))
	for _, id := range h.order {
		if id != self {
			out = append(out, h.nodes[id])
		}
	}
	return out
}

// HubNode is one node attached to a Hub. It is reachable by peers while a
// connection is acquired. Handlers run on the sender's goroutine.
type HubNode struct {
	hub      *Hub
	endpoint Endpoint
	refs     refCount

	mu           sync.RWMutex
	online       bool
	capabilities map[string]struct{}

	messages registry[MessageHandler]
	data     registry[DataHandler]
}

var _ Transport = (*HubNode)(nil)

func (n *HubNode) setOnline(v bool) {
	n.mu.Lock()
	n.online = v
	n.mu.Unlock()
}

func (n *HubNode) isOnline() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.online
}

func (n *HubNode) hasCapability(c string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.capabilities[c]
	return ok
}

// Acquire implements Transport.Acquire.
func (n *HubNode) Acquire(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return n.refs.acquire(ctx)
}

// NodeID implements Transport.NodeID.
func (n *HubNode) NodeID() string { return n.endpoint.ID }

// Discover implements Transport.Discover. Peers are listed in join order.
func (n *HubNode) Discover(ctx context.Context, capability string) ([]Endpoint, error) {
	if !n.refs.held() {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Endpoint
	for _, p := range n.hub.peers(n.endpoint.ID) {
		if p.isOnline() && p.hasCapability(capability) {
			out = append(out, p.endpoint)
		}
	}
	return out, nil
}

// Advertise implements Transport.Advertise.
func (n *HubNode) Advertise(ctx context.Context, capability string) error {
	if !n.refs.held() {
		return ErrNotConnected
	}
	n.mu.Lock()
	n.capabilities[capability] = struct{}{}
	n.mu.Unlock()
	return nil
}

// SendMessage implements Transport.SendMessage.
func (n *HubNode) SendMessage(ctx context.Context, endpointID, path string, payload []byte) error {
	if !n.refs.held() {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	target, ok := n.hub.node(endpointID)
	if !ok || !target.isOnline() {
		return fmt.Errorf("%w: %s", ErrUnreachable, endpointID)
	}
	for _, h := range target.messages.get(normalizePath(path)) {
		h(ctx, n.endpoint.ID, append([]byte(nil), payload...))
	}
	return nil
}

// PublishDataItem implements Transport.PublishDataItem. Every online peer
// except this node receives the item.
func (n *HubNode) PublishDataItem(ctx context.Context, path string, payload []byte) error {
	if !n.refs.held() {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	path = normalizePath(path)
	for _, p := range n.hub.peers(n.endpoint.ID) {
		if !p.isOnline() {
			continue
		}
		for _, h := range p.data.get(path) {
			h(ctx, append([]byte(nil), payload...))
		}
	}
	return nil
}

// OnMessage implements Transport.OnMessage.
func (n *HubNode) OnMessage(path string, h MessageHandler) func() {
	return n.messages.add(normalizePath(path), h)
}

// OnDataItemChanged implements Transport.OnDataItemChanged.
func (n *HubNode) OnDataItemChanged(path string, h DataHandler) func() {
	return n.data.add(normalizePath(path), h)
}
