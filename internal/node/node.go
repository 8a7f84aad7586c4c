// Package node wires a UDP binding, a dispatch router and an optional admin
// server into one runnable msgconn endpoint.
package node

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/danmuck/msgconn/internal/admin"
	"github.com/danmuck/msgconn/internal/config"
	"github.com/danmuck/msgconn/internal/conn"
	"github.com/danmuck/msgconn/internal/dispatch"
	"github.com/danmuck/msgconn/internal/logging"
	"github.com/danmuck/msgconn/internal/observability"
	"github.com/danmuck/msgconn/internal/transport"
	"github.com/danmuck/msgconn/internal/transport/udp"
	"github.com/rs/zerolog"
)

var (
	ErrNotStarted = errors.New("node: not started")
	ErrClosed     = errors.New("node: closed")
)

type Node struct {
	cfg    config.NodeConfig
	routes *dispatch.Router
	log    zerolog.Logger

	mu      sync.Mutex
	binding *udp.Binding
	admin   *admin.Server
	rng     *rand.Rand
	closed  bool

	// wg.Add only happens under mu while !closed, so Close's Wait never
	// races a late Add.
	wg sync.WaitGroup
}

func New(cfg config.NodeConfig) *Node {
	return &Node{
		cfg:    cfg,
		routes: dispatch.NewRouter(),
		log:    logging.Logger("node").With().Str("node", cfg.Identity.String()).Logger(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start opens the UDP binding and, when configured, the admin server.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return ErrClosed
	}
	udpCfg := udp.DefaultConfig()
	udpCfg.ListenAddr = n.cfg.ListenAddr
	udpCfg.Peers = n.cfg.Peers
	udpCfg.Limits.MaxPayloadBytes = n.cfg.Conn.MaxPayload

	b, err := udp.Listen(ctx, n.cfg.Identity, udpCfg, n.routes)
	if err != nil {
		return err
	}
	var srv *admin.Server
	if n.cfg.AdminAddr != "" {
		srv = admin.New(n.cfg.Identity.String(), n.cfg.AdminAddr, n.cfg.CorsOrigins, n.routes)
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return errors.Join(ErrClosed, b.Close())
	}
	n.binding = b
	n.admin = srv
	if srv != nil {
		n.wg.Add(1)
	}
	n.mu.Unlock()

	if srv != nil {
		go func() {
			defer n.wg.Done()
			if err := srv.Serve(); err != nil {
				n.log.Error().Err(err).Msg("admin server stopped")
			}
		}()
	}
	return nil
}

// track counts one background goroutine, refusing once Close has begun.
func (n *Node) track() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}
	n.wg.Add(1)
	return true
}

func (n *Node) Addr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.binding == nil {
		return nil
	}
	return n.binding.LocalAddr()
}

func (n *Node) Routes() *dispatch.Router {
	return n.routes
}

func (n *Node) connConfig(token uint32) conn.Config {
	cfg := n.cfg.Conn
	cfg.Recorder = observability.NewConnRecorder(n.cfg.Identity.String())
	if token != 0 {
		cfg.Token = token
	}
	return cfg
}

func (n *Node) bindingOrErr() (*udp.Binding, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.binding == nil {
		return nil, ErrNotStarted
	}
	return n.binding, nil
}

// Dial opens a routed connection to peer, adding addr to the address book
// when non-empty.
func (n *Node) Dial(peer transport.Identity, addr string) (*conn.Connection, error) {
	b, err := n.bindingOrErr()
	if err != nil {
		return nil, err
	}
	if addr != "" {
		if err := b.AddPeer(peer, addr); err != nil {
			return nil, err
		}
	}
	c, err := conn.Dial(n.cfg.Identity, peer, b, n.connConfig(0))
	if err != nil {
		return nil, err
	}
	if err := n.routes.Register(c); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// EnableAccept makes datagrams from unknown peers open new connections that
// adopt the sender's correlation token.
func (n *Node) EnableAccept() error {
	b, err := n.bindingOrErr()
	if err != nil {
		return err
	}
	n.routes.EnableAccept(func(peer transport.Identity, token uint32) (*conn.Connection, error) {
		return conn.Dial(n.cfg.Identity, peer, b, n.connConfig(token))
	}, 16)
	return nil
}

// ServeEcho accepts connections and writes every byte read back to its
// sender until ctx is done.
func (n *Node) ServeEcho(ctx context.Context) error {
	if err := n.EnableAccept(); err != nil {
		return err
	}
	for {
		c, err := n.routes.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, dispatch.ErrRouterClosed) {
				return nil
			}
			return err
		}
		if !n.track() {
			n.routes.Unregister(c.Peer())
			_ = c.Close()
			continue
		}
		go func() {
			defer n.wg.Done()
			n.echo(ctx, c)
		}()
	}
}

func (n *Node) echo(ctx context.Context, c *conn.Connection) {
	defer n.routes.Unregister(c.Peer())
	defer c.Close()
	buf := make([]byte, n.cfg.Conn.MaxPayload)
	for {
		nr, err := c.ReadContext(ctx, buf, -1)
		if err != nil {
			if !errors.Is(err, conn.ErrClosed) {
				n.log.Debug().Err(err).Str("peer", c.Peer().String()).Msg("echo read stopped")
			}
			return
		}
		if err := n.writeChunk(ctx, c, buf[:nr]); err != nil {
			n.log.Warn().Err(err).Str("peer", c.Peer().String()).Msg("echo write failed")
			return
		}
	}
}

func (n *Node) writeChunk(ctx context.Context, c *conn.Connection, p []byte) error {
	n.mu.Lock()
	rng := rand.New(rand.NewSource(n.rng.Int63()))
	n.mu.Unlock()
	return transport.SendWithBackoff(ctx, n.cfg.Backoff, rng, func(ctx context.Context) error {
		_, err := c.WriteContext(ctx, p)
		return err
	})
}

// Exchange sends payload to c in max-payload chunks and waits for the peer
// to answer each chunk with the same number of bytes, returning the
// concatenated answer.
func (n *Node) Exchange(ctx context.Context, c *conn.Connection, payload []byte) ([]byte, error) {
	unit := n.cfg.Conn.MaxPayload
	out := make([]byte, 0, len(payload))
	for off := 0; off < len(payload); off += unit {
		end := min(off+unit, len(payload))
		chunk := payload[off:end]
		if err := n.writeChunk(ctx, c, chunk); err != nil {
			return out, fmt.Errorf("node: write chunk at %d: %w", off, err)
		}
		want := len(chunk)
		for want > 0 {
			buf := make([]byte, want)
			nr, err := c.ReadContext(ctx, buf, n.cfg.ReadTimeout)
			if err != nil {
				return out, fmt.Errorf("node: read reply at %d: %w", off, err)
			}
			out = append(out, buf[:nr]...)
			want -= nr
		}
	}
	return out, nil
}

func (n *Node) Close() error {
	n.mu.Lock()
	n.closed = true
	b := n.binding
	srv := n.admin
	n.mu.Unlock()

	_ = n.routes.Close()
	var errs []error
	if srv != nil {
		errs = append(errs, srv.Close())
	}
	if b != nil {
		errs = append(errs, b.Close())
	}
	n.wg.Wait()
	return errors.Join(errs...)
}
