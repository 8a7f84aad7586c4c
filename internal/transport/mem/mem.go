// Package mem is an in-process datagram binding. Delivery is synchronous:
// Send runs the receiver's handler on the caller's goroutine and returns
// its error, so rejections such as a busy ingress slot reach the sender.
package mem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/danmuck/msgconn/internal/transport"
)

var ErrAlreadyAttached = errors.New("mem: identity already attached")

// Hub connects endpoints by identity.
type Hub struct {
	mu         sync.RWMutex
	endpoints  map[transport.Identity]transport.Handler
	maxPayload int
}

func NewHub(maxPayload int) *Hub {
	if maxPayload <= 0 {
		maxPayload = transport.DefaultMaxPayload
	}
	return &Hub{
		endpoints:  make(map[transport.Identity]transport.Handler),
		maxPayload: maxPayload,
	}
}

// Attach registers handler for id and returns the endpoint's binding.
func (h *Hub) Attach(id transport.Identity, handler transport.Handler) (*Endpoint, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("mem: empty identity")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.endpoints[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyAttached, id)
	}
	h.endpoints[id] = handler
	return &Endpoint{hub: h, id: id}, nil
}

func (h *Hub) detach(id transport.Identity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints, id)
}

func (h *Hub) handler(id transport.Identity) (transport.Handler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	handler, ok := h.endpoints[id]
	return handler, ok
}

// Endpoint is one attached identity; it implements transport.Binding.
type Endpoint struct {
	hub    *Hub
	id     transport.Identity
	closed atomic.Bool
}

func (e *Endpoint) Identity() transport.Identity {
	return e.id
}

func (e *Endpoint) MaxPayload() int {
	return e.hub.maxPayload
}

func (e *Endpoint) Send(ctx context.Context, to transport.Identity, d transport.Datagram) error {
	if e.closed.Load() {
		return transport.ErrBindingClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(d.Payload) > e.hub.maxPayload {
		return transport.ErrPayloadTooLarge
	}
	handler, ok := e.hub.handler(to)
	if !ok || handler == nil {
		return fmt.Errorf("%w: %s", transport.ErrUnknownPeer, to)
	}
	d.Sender = e.id
	d.Payload = append([]byte(nil), d.Payload...)
	return handler.HandleDatagram(d)
}

func (e *Endpoint) Close() error {
	if e.closed.CompareAndSwap(false, true) {
		e.hub.detach(e.id)
	}
	return nil
}
