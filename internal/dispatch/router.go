// Package dispatch routes inbound datagrams to the Connection bound to the
// sending peer.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/msgconn/internal/conn"
	"github.com/danmuck/msgconn/internal/logging"
	"github.com/danmuck/msgconn/internal/transport"
	"github.com/rs/zerolog"
)

var (
	ErrDuplicatePeer = errors.New("dispatch: peer already registered")
	ErrRouterClosed  = errors.New("dispatch: router closed")
	ErrAcceptBacklog = errors.New("dispatch: accept backlog full")
)

// AcceptFunc builds a Connection for a first datagram from an unknown peer.
// token is the correlation marker that datagram carried.
type AcceptFunc func(peer transport.Identity, token uint32) (*conn.Connection, error)

// Info is a snapshot of one routed connection.
type Info struct {
	Peer     transport.Identity `json:"peer"`
	Token    uint32             `json:"token"`
	Buffered int                `json:"buffered"`
}

// Router maps peer identities to connections. It implements
// transport.Handler.
type Router struct {
	mu       sync.RWMutex
	conns    map[transport.Identity]*conn.Connection
	accept   AcceptFunc
	accepted chan *conn.Connection
	closed   bool
	log      zerolog.Logger
}

func NewRouter() *Router {
	return &Router{
		conns: make(map[transport.Identity]*conn.Connection),
		log:   logging.Logger("dispatch"),
	}
}

// EnableAccept turns unknown senders into new connections built by fn.
// Accepted connections are handed out by Accept. Calling it again swaps fn
// and keeps any pending backlog.
func (r *Router) EnableAccept(fn AcceptFunc, backlog int) {
	if backlog <= 0 {
		backlog = 16
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accept = fn
	if r.accepted == nil {
		r.accepted = make(chan *conn.Connection, backlog)
	}
}

// Accept blocks until a connection from a new peer is available.
func (r *Router) Accept(ctx context.Context) (*conn.Connection, error) {
	r.mu.RLock()
	ch := r.accepted
	r.mu.RUnlock()
	if ch == nil {
		return nil, fmt.Errorf("dispatch: accept not enabled")
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case c, ok := <-ch:
		if !ok {
			return nil, ErrRouterClosed
		}
		return c, nil
	}
}

func (r *Router) Register(c *conn.Connection) error {
	peer := c.Peer()
	if peer.IsZero() {
		return conn.ErrNotConnected
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRouterClosed
	}
	if _, ok := r.conns[peer]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePeer, peer)
	}
	r.conns[peer] = c
	return nil
}

func (r *Router) Unregister(peer transport.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, peer)
}

func (r *Router) Lookup(peer transport.Identity) (*conn.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[peer]
	return c, ok
}

// List returns routed connections ordered by peer.
func (r *Router) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.conns))
	for peer, c := range r.conns {
		out = append(out, Info{Peer: peer, Token: c.Token(), Buffered: c.Buffered()})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Peer < out[j].Peer
	})
	return out
}

// HandleDatagram hands d to the connection registered for its sender.
func (r *Router) HandleDatagram(d transport.Datagram) error {
	r.mu.RLock()
	c, ok := r.conns[d.Sender]
	closed := r.closed
	accept := r.accept
	r.mu.RUnlock()
	if closed {
		return ErrRouterClosed
	}
	if ok {
		return c.Process(d)
	}
	if accept == nil {
		r.log.Debug().Str("sender", d.Sender.String()).Msg("datagram for unknown peer dropped")
		return fmt.Errorf("%w: %s", transport.ErrUnknownPeer, d.Sender)
	}
	c, err := r.acceptPeer(d, accept)
	if err != nil {
		return err
	}
	return c.Process(d)
}

func (r *Router) acceptPeer(d transport.Datagram, accept AcceptFunc) (*conn.Connection, error) {
	c, err := accept(d.Sender, d.Seq)
	if err != nil {
		return nil, fmt.Errorf("dispatch: accept %s: %w", d.Sender, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = c.Close()
		return nil, ErrRouterClosed
	}
	if existing, ok := r.conns[d.Sender]; ok {
		// lost the race against a concurrent first datagram
		r.mu.Unlock()
		_ = c.Close()
		return existing, nil
	}
	select {
	case r.accepted <- c:
	default:
		r.mu.Unlock()
		_ = c.Close()
		r.log.Warn().Str("sender", d.Sender.String()).Msg("accept backlog full, datagram dropped")
		return nil, ErrAcceptBacklog
	}
	r.conns[d.Sender] = c
	r.mu.Unlock()

	r.log.Info().Str("peer", d.Sender.String()).Uint32("token", d.Seq).Msg("accepted connection")
	return c, nil
}

// Close closes every routed connection and stops accepting.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conns := make([]*conn.Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[transport.Identity]*conn.Connection)
	if r.accepted != nil {
		close(r.accepted)
	}
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}
