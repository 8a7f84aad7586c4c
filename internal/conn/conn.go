package conn

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/msgconn/internal/logging"
	"github.com/danmuck/msgconn/internal/transport"
	"github.com/rs/zerolog"
)

type state int

const (
	stateIdle state = iota
	stateConnected
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateConnected:
		return "connected"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection turns inbound datagrams into a byte stream for one peer.
// At most one goroutine may block in a read at a time; Process, Write and
// Close are safe to call from any goroutine.
type Connection struct {
	self    transport.Identity
	binding transport.Binding
	cfg     Config
	token   uint32
	log     zerolog.Logger

	mu    sync.Mutex
	state state
	peer  transport.Identity
	in    ingress
	gate  *gate
}

// New allocates a disconnected Connection bound to self.
func New(self transport.Identity, binding transport.Binding, cfg Config) (*Connection, error) {
	if self.IsZero() {
		return nil, ErrInvalidIdentity
	}
	if binding == nil {
		return nil, ErrNilBinding
	}
	cfg = cfg.WithDefaults()
	token := cfg.Token
	if token == 0 {
		var err error
		if token, err = newToken(); err != nil {
			return nil, err
		}
	}
	return &Connection{
		self:    self,
		binding: binding,
		cfg:     cfg,
		token:   token,
		log:     logging.Logger("conn").With().Str("self", self.String()).Logger(),
		gate:    newGate(),
	}, nil
}

// Dial creates a Connection and connects it to peer.
func Dial(self, peer transport.Identity, binding transport.Binding, cfg Config) (*Connection, error) {
	c, err := New(self, binding, cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(peer); err != nil {
		return nil, err
	}
	return c, nil
}

func newToken() (uint32, error) {
	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("conn: generate token: %w", err)
		}
		if v := binary.BigEndian.Uint32(b[:]); v != 0 {
			return v, nil
		}
	}
}

// Connect binds the peer. Reconnecting to the same peer is a no-op.
func (c *Connection) Connect(peer transport.Identity) error {
	if peer.IsZero() {
		return fmt.Errorf("%w: empty identity", ErrInvalidPeer)
	}
	if peer == c.self {
		return fmt.Errorf("%w: peer is self (%s)", ErrInvalidPeer, peer)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateClosed:
		return ErrClosed
	case stateConnected:
		if c.peer == peer {
			return nil
		}
		return fmt.Errorf("%w: bound=%s requested=%s", ErrAlreadyConnected, c.peer, peer)
	}
	c.peer = peer
	c.state = stateConnected
	c.log.Debug().Str("peer", peer.String()).Uint32("token", c.token).Msg("connected")
	return nil
}

func (c *Connection) Self() transport.Identity {
	return c.self
}

func (c *Connection) Peer() transport.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// Token is the correlation token every inbound datagram must carry.
func (c *Connection) Token() uint32 {
	return c.token
}

func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateConnected
}

// Buffered returns the number of unread bytes in the ingress slot.
func (c *Connection) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.in.remaining()
}

// Process ingests one routed datagram. A second datagram arriving while the
// slot still holds unread bytes is dropped and ErrBusy is returned; retry is
// the sender's concern.
func (c *Connection) Process(d transport.Datagram) error {
	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		c.reject(err, rejectReason(err), d)
		return err
	}
	if d.Sender != c.peer {
		c.mu.Unlock()
		err := fmt.Errorf("%w: got=%s want=%s", ErrUnexpectedSender, d.Sender, c.peer)
		c.reject(err, RejectSender, d)
		return err
	}
	if d.Seq != c.token {
		c.mu.Unlock()
		err := fmt.Errorf("%w: got=%d", ErrTokenMismatch, d.Seq)
		c.reject(err, RejectToken, d)
		return err
	}
	if len(d.Payload) > c.cfg.MaxPayload {
		c.mu.Unlock()
		err := fmt.Errorf("%w: len=%d max=%d", ErrPayloadTooLarge, len(d.Payload), c.cfg.MaxPayload)
		c.reject(err, RejectTooLarge, d)
		return err
	}
	if len(d.Payload) == 0 {
		c.mu.Unlock()
		return nil
	}
	if !c.in.empty() {
		pending := c.in.remaining()
		c.mu.Unlock()
		c.cfg.Recorder.Rejected(RejectBusy)
		c.log.Warn().
			Str("peer", d.Sender.String()).
			Int("dropped", len(d.Payload)).
			Int("pending", pending).
			Msg("ingress slot busy, message dropped")
		return ErrBusy
	}
	c.in.store(d.Payload)
	c.mu.Unlock()

	c.gate.post()
	c.cfg.Recorder.Ingested(len(d.Payload))
	return nil
}

func (c *Connection) reject(err error, reason string, d transport.Datagram) {
	c.cfg.Recorder.Rejected(reason)
	c.log.Debug().
		Err(err).
		Str("sender", d.Sender.String()).
		Int("len", len(d.Payload)).
		Msg("datagram rejected")
}

func rejectReason(err error) string {
	if errors.Is(err, ErrClosed) {
		return RejectClosedConn
	}
	return RejectNotReady
}

// Read blocks until at least one byte is available and copies up to len(p)
// bytes. It implements io.Reader.
func (c *Connection) Read(p []byte) (int, error) {
	return c.ReadContext(context.Background(), p, -1)
}

// ReadTimeout is Read bounded by timeout: negative waits forever, zero
// polls. No data within the bound yields ErrTimeout.
func (c *Connection) ReadTimeout(p []byte, timeout time.Duration) (int, error) {
	return c.ReadContext(context.Background(), p, timeout)
}

// ReadContext is ReadTimeout that also gives up with ErrWaitFailed when ctx
// is done.
func (c *Connection) ReadContext(ctx context.Context, p []byte, timeout time.Duration) (int, error) {
	c.mu.Lock()
	err := c.usableLocked()
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	if err := c.gate.wait(ctx, timeout); err != nil {
		if errors.Is(err, ErrTimeout) {
			c.cfg.Recorder.ReadTimeout()
		}
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return 0, ErrClosed
	}
	if c.in.empty() {
		return 0, fmt.Errorf("%w: signaled with empty ingress", ErrWaitFailed)
	}
	n, drained := c.in.drain(p)
	if !drained {
		c.gate.post()
	}
	c.cfg.Recorder.BytesRead(n)
	return n, nil
}

// Write sends p to the peer as one datagram. Payloads above the max
// payload are refused, never fragmented.
func (c *Connection) Write(p []byte) (int, error) {
	ctx := context.Background()
	if c.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.WriteTimeout)
		defer cancel()
	}
	return c.WriteContext(ctx, p)
}

func (c *Connection) WriteContext(ctx context.Context, p []byte) (int, error) {
	c.mu.Lock()
	err := c.usableLocked()
	peer := c.peer
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}

	limit := c.maxPayload()
	if len(p) > limit {
		c.cfg.Recorder.WriteFailed()
		return 0, fmt.Errorf("%w: %w: len=%d max=%d", ErrTransport, ErrPayloadTooLarge, len(p), limit)
	}
	if len(p) == 0 {
		return 0, nil
	}

	d := transport.Datagram{Sender: c.self, Seq: c.token, Payload: p}
	if err := c.binding.Send(ctx, peer, d); err != nil {
		c.cfg.Recorder.WriteFailed()
		c.log.Debug().Err(err).Str("peer", peer.String()).Int("len", len(p)).Msg("send failed")
		return 0, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	c.cfg.Recorder.BytesWritten(len(p))
	return len(p), nil
}

func (c *Connection) maxPayload() int {
	limit := c.cfg.MaxPayload
	if bm := c.binding.MaxPayload(); bm > 0 && bm < limit {
		limit = bm
	}
	return limit
}

// Close discards buffered bytes and wakes any blocked reader with
// ErrClosed. It is idempotent.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == stateClosed {
		return nil
	}
	prev := c.state
	discarded := c.in.remaining()
	c.in.reset()
	c.state = stateClosed
	c.gate.close()
	c.log.Debug().
		Str("peer", c.peer.String()).
		Str("prev_state", prev.String()).
		Int("discarded", discarded).
		Msg("closed")
	return nil
}

func (c *Connection) usableLocked() error {
	switch c.state {
	case stateClosed:
		return ErrClosed
	case stateIdle:
		return ErrNotConnected
	}
	return nil
}
