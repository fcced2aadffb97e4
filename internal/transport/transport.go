// Package transport moves requests and data items between paired nodes.
// A node discovers peers by capability tag, sends fire-and-forget messages
// to one peer, and publishes data items that every other node receives.
package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var (
	// ErrNotConnected is returned by operations issued outside an acquired connection.
	ErrNotConnected = errors.New("transport not connected")
	// ErrUnreachable is returned when the addressed endpoint is not reachable.
	ErrUnreachable = errors.New("endpoint unreachable")
)

// Endpoint is a reachable peer node.
type Endpoint struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	Nearby      bool   `json:"nearby"`
}

// MessageHandler receives a message sent to this node on a registered path.
type MessageHandler func(ctx context.Context, from string, payload []byte)

// DataHandler receives a data item published by another node on a registered path.
type DataHandler func(ctx context.Context, payload []byte)

// Transport is the node's view of the device network.
// Discover, Advertise, SendMessage and PublishDataItem require an acquired
// connection; handlers registered with OnMessage/OnDataItemChanged are only
// invoked while one is held.
type Transport interface {
	// Acquire opens the connection if needed and returns a release func.
	// The connection closes when every acquirer has released it.
	Acquire(ctx context.Context) (release func(), err error)
	// NodeID identifies this node to its peers.
	NodeID() string
	Discover(ctx context.Context, capability string) ([]Endpoint, error)
	Advertise(ctx context.Context, capability string) error
	SendMessage(ctx context.Context, endpointID, path string, payload []byte) error
	PublishDataItem(ctx context.Context, path string, payload []byte) error
	OnMessage(path string, h MessageHandler) (cancel func())
	OnDataItemChanged(path string, h DataHandler) (cancel func())
}

// WithConnection runs fn inside an acquired connection and releases it on every path.
func WithConnection(ctx context.Context, t Transport, fn func(ctx context.Context) error) error {
	release, err := t.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// refCount opens a connection for the first acquirer and closes it after the last release.
type refCount struct {
	mu    sync.Mutex
	n     int
	open  func(ctx context.Context) error
	close func()
}

func (r *refCount) acquire(ctx context.Context) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n == 0 {
		if err := r.open(ctx); err != nil {
			return nil, err
		}
	}
	r.n++

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.n--
			if r.n == 0 {
				r.close()
			}
		})
	}, nil
}

func (r *refCount) held() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n > 0
}

// registry holds handlers keyed by path.
type registry[H any] struct {
	mu     sync.RWMutex
	byPath map[string]map[uint64]H
	nextID uint64
}

func (r *registry[H]) add(path string, h H) func() {
	r.mu.Lock()
	if r.byPath == nil {
		r.byPath = make(map[string]map[uint64]H)
	}
	if r.byPath[path] == nil {
		r.byPath[path] = make(map[uint64]H)
	}
	id := r.nextID
	r.nextID++
	r.byPath[path][id] = h
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.byPath[path], id)
			if len(r.byPath[path]) == 0 {
				delete(r.byPath, path)
			}
			r.mu.Unlock()
		})
	}
}

func (r *registry[H]) get(path string) []H {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]H, 0, len(r.byPath[path]))
	for _, h := range r.byPath[path] {
		out = append(out, h)
	}
	return out
}

// normalizePath returns path with exactly one leading slash.
func normalizePath(path string) string {
	return "/" + strings.Trim(path, "/")
}
