package conn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/msgconn/internal/testutil/testlog"
	"github.com/danmuck/msgconn/internal/transport"
)

const (
	selfID transport.Identity = "daemon"
	peerID transport.Identity = "client.7"
)

type sent struct {
	to transport.Identity
	d  transport.Datagram
}

type fakeBinding struct {
	mu   sync.Mutex
	max  int
	err  error
	sent []sent
}

func (b *fakeBinding) Send(_ context.Context, to transport.Identity, d transport.Datagram) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	payload := append([]byte(nil), d.Payload...)
	d.Payload = payload
	b.sent = append(b.sent, sent{to: to, d: d})
	return nil
}

func (b *fakeBinding) MaxPayload() int {
	return b.max
}

func (b *fakeBinding) Sent() []sent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sent(nil), b.sent...)
}

func newConnected(t *testing.T, cfg Config) (*Connection, *fakeBinding) {
	t.Helper()
	b := &fakeBinding{max: transport.DefaultMaxPayload}
	c, err := Dial(selfID, peerID, b, cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, b
}

func datagramFor(c *Connection, payload string) transport.Datagram {
	return transport.Datagram{Sender: c.Peer(), Seq: c.Token(), Payload: []byte(payload)}
}

func TestPartialReadsDrainOneMessage(t *testing.T) {
	testlog.Start(t)
	c, _ := newConnected(t, DefaultConfig())

	if err := c.Process(datagramFor(c, "0123456789")); err != nil {
		t.Fatalf("process: %v", err)
	}

	buf := make([]byte, 4)
	n, err := c.ReadTimeout(buf, time.Second)
	if err != nil || n != 4 || string(buf[:n]) != "0123" {
		t.Fatalf("first read n=%d err=%v got=%q", n, err, buf[:n])
	}
	if got := c.Buffered(); got != 6 {
		t.Fatalf("buffered got=%d want=6", got)
	}

	big := make([]byte, 100)
	n, err = c.ReadTimeout(big, time.Second)
	if err != nil || n != 6 || string(big[:n]) != "456789" {
		t.Fatalf("second read n=%d err=%v got=%q", n, err, big[:n])
	}

	n, err = c.ReadTimeout(buf[:1], 0)
	if !errors.Is(err, ErrTimeout) || n != 0 {
		t.Fatalf("poll after drain n=%d err=%v", n, err)
	}
}

func TestBlockingReadReturnsAvailableBytes(t *testing.T) {
	testlog.Start(t)
	c, _ := newConnected(t, DefaultConfig())

	done := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, err := c.Read(buf)
		if err != nil {
			done <- "err: " + err.Error()
			return
		}
		done <- string(buf[:n])
	}()

	time.Sleep(20 * time.Millisecond)
	if err := c.Process(datagramFor(c, "hello")); err != nil {
		t.Fatalf("process: %v", err)
	}
	select {
	case got := <-done:
		if got != "hello" {
			t.Fatalf("unexpected read: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("blocked read never returned")
	}
}

func TestReadZeroLengthDoesNotBlock(t *testing.T) {
	testlog.Start(t)
	c, _ := newConnected(t, DefaultConfig())

	done := make(chan error, 1)
	go func() {
		n, err := c.Read(nil)
		if n != 0 {
			err = fmt.Errorf("n=%d", n)
		}
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("zero length read: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("zero length read blocked")
	}

	if err := c.Process(datagramFor(c, "abc")); err != nil {
		t.Fatalf("process: %v", err)
	}
	if n, err := c.ReadTimeout([]byte{}, -1); n != 0 || err != nil {
		t.Fatalf("zero length read with data n=%d err=%v", n, err)
	}
	if got := c.Buffered(); got != 3 {
		t.Fatalf("zero length read consumed data: buffered=%d", got)
	}
}

func TestReadNeverExceedsBufferOrAvailable(t *testing.T) {
	testlog.Start(t)
	c, _ := newConnected(t, DefaultConfig())

	if err := c.Process(datagramFor(c, "abcdefg")); err != nil {
		t.Fatalf("process: %v", err)
	}
	buf := make([]byte, 3)
	var got []byte
	for _, want := range []int{3, 3, 1} {
		n, err := c.ReadTimeout(buf, time.Second)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if n != want {
			t.Fatalf("read n=%d want=%d", n, want)
		}
		got = append(got, buf[:n]...)
	}
	if string(got) != "abcdefg" {
		t.Fatalf("reassembled=%q", got)
	}
}

func TestReadTimeoutOnEmptyBuffer(t *testing.T) {
	testlog.Start(t)
	c, _ := newConnected(t, DefaultConfig())

	const timeout = 50 * time.Millisecond
	start := time.Now()
	n, err := c.ReadTimeout(make([]byte, 8), timeout)
	elapsed := time.Since(start)
	if n != 0 {
		t.Fatalf("unexpected n=%d", n)
	}
	if !errors.Is(err, ErrTimeout) || errors.Is(err, ErrWaitFailed) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed < timeout || elapsed > timeout+time.Second {
		t.Fatalf("elapsed=%v outside tolerance of %v", elapsed, timeout)
	}
}

func TestReadContextCancelledIsWaitFailed(t *testing.T) {
	testlog.Start(t)
	c, _ := newConnected(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.ReadContext(ctx, make([]byte, 4), -1)
	if !errors.Is(err, ErrWaitFailed) {
		t.Fatalf("expected ErrWaitFailed, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected wrapped context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatalf("wait failure must not look like timeout")
	}
}

func TestProcessBusyKeepsPendingMessage(t *testing.T) {
	testlog.Start(t)
	rec := newCountingRecorder()
	cfg := DefaultConfig()
	cfg.Recorder = rec
	c, _ := newConnected(t, cfg)

	if err := c.Process(datagramFor(c, "first")); err != nil {
		t.Fatalf("process first: %v", err)
	}
	buf := make([]byte, 2)
	if _, err := c.ReadTimeout(buf, time.Second); err != nil {
		t.Fatalf("partial read: %v", err)
	}

	err := c.Process(datagramFor(c, "second"))
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if !errors.Is(err, transport.ErrRetryable) {
		t.Fatalf("ErrBusy should be retryable")
	}
	if got := rec.rejected(RejectBusy); got != 1 {
		t.Fatalf("busy rejections got=%d", got)
	}

	rest := make([]byte, 16)
	n, err := c.ReadTimeout(rest, time.Second)
	if err != nil || string(rest[:n]) != "rst" {
		t.Fatalf("pending message mutated: n=%d err=%v got=%q", n, err, rest[:n])
	}
	if err := c.Process(datagramFor(c, "second")); err != nil {
		t.Fatalf("process after drain: %v", err)
	}
}

func TestProcessRejectsForeignTraffic(t *testing.T) {
	testlog.Start(t)
	rec := newCountingRecorder()
	cfg := DefaultConfig()
	cfg.Recorder = rec
	c, _ := newConnected(t, cfg)

	wrongToken := datagramFor(c, "x")
	wrongToken.Seq = c.Token() + 1
	if err := c.Process(wrongToken); !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("expected ErrTokenMismatch, got %v", err)
	}

	wrongSender := datagramFor(c, "x")
	wrongSender.Sender = "client.8"
	if err := c.Process(wrongSender); !errors.Is(err, ErrUnexpectedSender) {
		t.Fatalf("expected ErrUnexpectedSender, got %v", err)
	}

	tooLarge := datagramFor(c, string(bytes.Repeat([]byte{'z'}, transport.DefaultMaxPayload+1)))
	if err := c.Process(tooLarge); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}

	if c.Buffered() != 0 {
		t.Fatalf("rejected datagram was buffered")
	}
	if rec.rejected(RejectToken) != 1 || rec.rejected(RejectSender) != 1 || rec.rejected(RejectTooLarge) != 1 {
		t.Fatalf("unexpected reject counters: %+v", rec.snapshot())
	}
	if _, err := c.ReadTimeout(make([]byte, 1), 0); !errors.Is(err, ErrTimeout) {
		t.Fatalf("rejected datagram signaled readers: %v", err)
	}
}

func TestProcessEmptyPayloadIsNoop(t *testing.T) {
	testlog.Start(t)
	c, _ := newConnected(t, DefaultConfig())

	if err := c.Process(datagramFor(c, "")); err != nil {
		t.Fatalf("empty payload: %v", err)
	}
	if _, err := c.ReadTimeout(make([]byte, 1), 0); !errors.Is(err, ErrTimeout) {
		t.Fatalf("empty payload should not signal, got %v", err)
	}
	if err := c.Process(datagramFor(c, "ok")); err != nil {
		t.Fatalf("empty payload occupied the slot: %v", err)
	}
}

func TestCloseWakesBlockedReader(t *testing.T) {
	testlog.Start(t)
	c, _ := newConnected(t, DefaultConfig())

	done := make(chan error, 1)
	go func() {
		_, err := c.ReadTimeout(make([]byte, 1), -1)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("blocked read hung after close")
	}
}

func TestOperationsAfterClose(t *testing.T) {
	testlog.Start(t)
	c, b := newConnected(t, DefaultConfig())

	if err := c.Process(datagramFor(c, "left behind")); err != nil {
		t.Fatalf("process: %v", err)
	}
	d := datagramFor(c, "late")
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if c.Buffered() != 0 {
		t.Fatalf("close kept pending bytes")
	}
	if c.Connected() {
		t.Fatalf("closed connection reports connected")
	}

	if _, err := c.Read(make([]byte, 4)); !errors.Is(err, ErrClosed) {
		t.Fatalf("read after close: %v", err)
	}
	if _, err := c.Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("write after close: %v", err)
	}
	if err := c.Process(d); !errors.Is(err, ErrClosed) {
		t.Fatalf("process after close: %v", err)
	}
	if err := c.Connect(peerID); !errors.Is(err, ErrClosed) {
		t.Fatalf("connect after close: %v", err)
	}
	if len(b.Sent()) != 0 {
		t.Fatalf("closed connection sent datagrams")
	}
}

func TestOperationsBeforeConnect(t *testing.T) {
	testlog.Start(t)
	b := &fakeBinding{}
	c, err := New(selfID, b, DefaultConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close()

	if c.Token() == 0 {
		t.Fatalf("expected generated token")
	}
	if _, err := c.Read(make([]byte, 1)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("read: %v", err)
	}
	if _, err := c.Write([]byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("write: %v", err)
	}
	err = c.Process(transport.Datagram{Sender: peerID, Seq: c.Token(), Payload: []byte("x")})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("process: %v", err)
	}
}

func TestNewAndConnectValidation(t *testing.T) {
	testlog.Start(t)
	if _, err := New("", &fakeBinding{}, DefaultConfig()); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("empty self: %v", err)
	}
	if _, err := New(selfID, nil, DefaultConfig()); !errors.Is(err, ErrNilBinding) {
		t.Fatalf("nil binding: %v", err)
	}

	c, err := New(selfID, &fakeBinding{}, Config{Token: 42})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close()
	if c.Token() != 42 {
		t.Fatalf("pinned token got=%d", c.Token())
	}
	if err := c.Connect(" "); !errors.Is(err, ErrInvalidPeer) {
		t.Fatalf("blank peer: %v", err)
	}
	if err := c.Connect(selfID); !errors.Is(err, ErrInvalidPeer) {
		t.Fatalf("self peer: %v", err)
	}
	if err := c.Connect(peerID); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := c.Connect(peerID); err != nil {
		t.Fatalf("reconnect same peer: %v", err)
	}
	if err := c.Connect("client.9"); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("connect other peer: %v", err)
	}
	if c.Peer() != peerID {
		t.Fatalf("peer changed to %q", c.Peer())
	}
}

func TestTokensDifferPerConnection(t *testing.T) {
	testlog.Start(t)
	seen := make(map[uint32]bool)
	for i := 0; i < 16; i++ {
		c, err := New(selfID, &fakeBinding{}, DefaultConfig())
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		seen[c.Token()] = true
	}
	if len(seen) < 2 {
		t.Fatalf("tokens are not random: %v", seen)
	}
}

func TestWriteSendsOneDatagram(t *testing.T) {
	testlog.Start(t)
	c, b := newConnected(t, DefaultConfig())

	n, err := c.Write([]byte("ping"))
	if err != nil || n != 4 {
		t.Fatalf("write n=%d err=%v", n, err)
	}
	out := b.Sent()
	if len(out) != 1 {
		t.Fatalf("sent=%d datagrams", len(out))
	}
	if out[0].to != peerID || out[0].d.Sender != selfID || out[0].d.Seq != c.Token() {
		t.Fatalf("unexpected datagram: %+v", out[0])
	}
	if string(out[0].d.Payload) != "ping" {
		t.Fatalf("payload=%q", out[0].d.Payload)
	}

	if n, err := c.Write(nil); n != 0 || err != nil {
		t.Fatalf("empty write n=%d err=%v", n, err)
	}
	if len(b.Sent()) != 1 {
		t.Fatalf("empty write sent a datagram")
	}
}

func TestWriteRejectsOversizedPayload(t *testing.T) {
	testlog.Start(t)
	c, b := newConnected(t, DefaultConfig())

	n, err := c.Write(make([]byte, transport.DefaultMaxPayload+1))
	if n != 0 {
		t.Fatalf("oversized write reported n=%d", n)
	}
	if !errors.Is(err, ErrPayloadTooLarge) || !errors.Is(err, ErrTransport) {
		t.Fatalf("expected too large transport failure, got %v", err)
	}
	if len(b.Sent()) != 0 {
		t.Fatalf("oversized write sent %d datagrams", len(b.Sent()))
	}

	if n, err := c.Write(make([]byte, transport.DefaultMaxPayload)); err != nil || n != transport.DefaultMaxPayload {
		t.Fatalf("max-size write n=%d err=%v", n, err)
	}
}

func TestWriteHonorsSmallerBindingLimit(t *testing.T) {
	testlog.Start(t)
	c, b := newConnected(t, DefaultConfig())
	b.max = 16

	if _, err := c.Write(make([]byte, 17)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected binding limit to apply, got %v", err)
	}
}

func TestWriteTransportFailure(t *testing.T) {
	testlog.Start(t)
	c, b := newConnected(t, DefaultConfig())
	peerGone := errors.New("peer gone")
	b.err = peerGone

	n, err := c.Write([]byte("x"))
	if n != 0 || !errors.Is(err, ErrTransport) || !errors.Is(err, peerGone) {
		t.Fatalf("write n=%d err=%v", n, err)
	}
}

func TestConcurrentProducerPreservesOrder(t *testing.T) {
	testlog.Start(t)
	c, _ := newConnected(t, DefaultConfig())

	var want bytes.Buffer
	messages := make([]string, 200)
	for i := range messages {
		messages[i] = fmt.Sprintf("msg-%03d|", i)
		want.WriteString(messages[i])
	}

	produceErr := make(chan error, 1)
	go func() {
		for _, m := range messages {
			for {
				err := c.Process(datagramFor(c, m))
				if err == nil {
					break
				}
				if !errors.Is(err, ErrBusy) {
					produceErr <- err
					return
				}
				time.Sleep(50 * time.Microsecond)
			}
		}
		produceErr <- nil
	}()

	var got bytes.Buffer
	sizes := []int{1, 3, 7, 64}
	for i := 0; got.Len() < want.Len(); i++ {
		buf := make([]byte, sizes[i%len(sizes)])
		n, err := c.ReadTimeout(buf, 2*time.Second)
		if err != nil {
			t.Fatalf("read after %d bytes: %v", got.Len(), err)
		}
		got.Write(buf[:n])
	}
	if err := <-produceErr; err != nil {
		t.Fatalf("producer: %v", err)
	}
	if !bytes.Equal(got.Bytes(), want.Bytes()) {
		t.Fatalf("stream mismatch:\n got=%q\nwant=%q", got.String(), want.String())
	}
}

type countingRecorder struct {
	mu      sync.Mutex
	reasons map[string]int
	in      int
	read    int
	written int
	timeout int
	failed  int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{reasons: make(map[string]int)}
}

func (r *countingRecorder) Ingested(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.in += n
}

func (r *countingRecorder) Rejected(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons[reason]++
}

func (r *countingRecorder) BytesRead(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.read += n
}

func (r *countingRecorder) BytesWritten(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.written += n
}

func (r *countingRecorder) ReadTimeout() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeout++
}

func (r *countingRecorder) WriteFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed++
}

func (r *countingRecorder) rejected(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reasons[reason]
}

func (r *countingRecorder) snapshot() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.reasons))
	for k, v := range r.reasons {
		out[k] = v
	}
	return out
}

func TestRecorderCountsTraffic(t *testing.T) {
	testlog.Start(t)
	rec := newCountingRecorder()
	cfg := DefaultConfig()
	cfg.Recorder = rec
	c, _ := newConnected(t, cfg)

	_ = c.Process(datagramFor(c, "abcd"))
	_, _ = c.ReadTimeout(make([]byte, 8), time.Second)
	_, _ = c.ReadTimeout(make([]byte, 8), 0)
	_, _ = c.Write([]byte("xy"))
	_, _ = c.Write(make([]byte, 200))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.in != 4 || rec.read != 4 || rec.written != 2 || rec.timeout != 1 || rec.failed != 1 {
		t.Fatalf("unexpected counters: in=%d read=%d written=%d timeout=%d failed=%d",
			rec.in, rec.read, rec.written, rec.timeout, rec.failed)
	}
}

func TestConfigWriteTimeoutDefaults(t *testing.T) {
	testlog.Start(t)
	def := DefaultConfig()
	if got := (Config{}).WithDefaults().WriteTimeout; got != def.WriteTimeout {
		t.Fatalf("zero write timeout got=%v want=%v", got, def.WriteTimeout)
	}
	if got := (Config{WriteTimeout: -1}).WithDefaults().WriteTimeout; got != -1 {
		t.Fatalf("negative write timeout got=%v want=-1ns", got)
	}
	if got := (Config{WriteTimeout: time.Second}).WithDefaults().WriteTimeout; got != time.Second {
		t.Fatalf("explicit write timeout got=%v want=1s", got)
	}
}

func TestWriteWithUnboundedTimeout(t *testing.T) {
	testlog.Start(t)
	c, b := newConnected(t, Config{WriteTimeout: -1})
	if n, err := c.Write([]byte("free")); err != nil || n != 4 {
		t.Fatalf("write got n=%d err=%v", n, err)
	}
	if got := len(b.Sent()); got != 1 {
		t.Fatalf("sent got=%d want=1", got)
	}
}
