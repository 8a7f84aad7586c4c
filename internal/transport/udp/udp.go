// Package udp carries one datagram per UDP packet using the transport wire
// codec. Peer identities resolve through a static address book; senders seen
// on the wire are learned so a listener can answer them.
package udp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/danmuck/msgconn/internal/logging"
	"github.com/danmuck/msgconn/internal/transport"
	"github.com/rs/zerolog"
)

const readBufferSize = 64 * 1024

// Config configures one UDP binding.
type Config struct {
	ListenAddr string
	Peers      map[transport.Identity]string
	Limits     transport.Limits
	// LearnPeers records the source address of inbound senders.
	LearnPeers bool
}

func DefaultConfig() Config {
	return Config{
		ListenAddr: "127.0.0.1:0",
		Peers:      map[transport.Identity]string{},
		Limits:     transport.DefaultLimits(),
		LearnPeers: true,
	}
}

// Binding implements transport.Binding over a UDP socket.
type Binding struct {
	self    transport.Identity
	conn    *net.UDPConn
	handler transport.Handler
	limits  transport.Limits
	learn   bool
	log     zerolog.Logger

	mu    sync.RWMutex
	peers map[transport.Identity]*net.UDPAddr

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// Listen opens the socket and starts delivering inbound datagrams to
// handler. The binding closes when ctx is done or Close is called.
func Listen(ctx context.Context, self transport.Identity, cfg Config, handler transport.Handler) (*Binding, error) {
	if self.IsZero() {
		return nil, fmt.Errorf("udp: empty identity")
	}
	if handler == nil {
		return nil, fmt.Errorf("udp: nil handler")
	}
	if cfg.Limits.MaxPayloadBytes <= 0 {
		cfg.Limits = transport.DefaultLimits()
	}
	laddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("udp: resolve listen addr: %w", err)
	}
	c, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("udp: listen: %w", err)
	}
	b := &Binding{
		self:    self,
		conn:    c,
		handler: handler,
		limits:  cfg.Limits,
		learn:   cfg.LearnPeers,
		log:     logging.Logger("udp").With().Str("self", self.String()).Logger(),
		peers:   make(map[transport.Identity]*net.UDPAddr),
		closeCh: make(chan struct{}),
	}
	for id, addr := range cfg.Peers {
		if err := b.AddPeer(id, addr); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	b.wg.Add(1)
	go b.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = b.Close()
		case <-b.closeCh:
		}
	}()
	b.log.Info().Str("addr", c.LocalAddr().String()).Msg("listening")
	return b, nil
}

func (b *Binding) AddPeer(id transport.Identity, addr string) error {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("udp: resolve peer %s: %w", id, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peers[id] = raddr
	return nil
}

func (b *Binding) peerAddr(id transport.Identity) (*net.UDPAddr, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	addr, ok := b.peers[id]
	return addr, ok
}

func (b *Binding) LocalAddr() net.Addr {
	return b.conn.LocalAddr()
}

func (b *Binding) MaxPayload() int {
	return b.limits.MaxPayloadBytes
}

func (b *Binding) Send(ctx context.Context, to transport.Identity, d transport.Datagram) error {
	select {
	case <-b.closeCh:
		return transport.ErrBindingClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	raddr, ok := b.peerAddr(to)
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownPeer, to)
	}
	d.Sender = b.self
	wire, err := transport.EncodeDatagram(d, b.limits)
	if err != nil {
		return err
	}
	deadline, _ := ctx.Deadline()
	if err := b.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if _, err := b.conn.WriteToUDP(wire, raddr); err != nil {
		return fmt.Errorf("udp: send to %s: %w", to, err)
	}
	return nil
}

func (b *Binding) readLoop() {
	defer b.wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, raddr, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-b.closeCh:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			b.log.Warn().Err(err).Msg("read failed")
			continue
		}
		d, err := transport.DecodeDatagram(buf[:n], b.limits)
		if err != nil {
			b.log.Debug().Err(err).Str("from", raddr.String()).Msg("malformed datagram dropped")
			continue
		}
		if b.learn && !d.Sender.IsZero() {
			b.learnPeer(d.Sender, raddr)
		}
		if err := b.handler.HandleDatagram(d); err != nil {
			b.log.Debug().Err(err).Str("sender", d.Sender.String()).Msg("datagram not delivered")
		}
	}
}

func (b *Binding) learnPeer(id transport.Identity, raddr *net.UDPAddr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.peers[id]; ok && cur.String() == raddr.String() {
		return
	}
	b.peers[id] = raddr
}

func (b *Binding) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.closeCh)
		err = b.conn.Close()
		b.wg.Wait()
	})
	return err
}
