package transport

import (
	"context"
	"errors"
	"strings"
)

// DefaultMaxPayload is the largest payload one datagram carries unless a
// binding is configured otherwise.
const DefaultMaxPayload = 128

var (
	// ErrRetryable marks send failures the sender may retry after a delay.
	ErrRetryable = errors.New("transport: retryable")

	ErrUnknownPeer   = errors.New("transport: unknown peer")
	ErrBindingClosed = errors.New("transport: binding closed")
)

// Identity is an opaque, comparable endpoint handle.
type Identity string

func (id Identity) IsZero() bool {
	return strings.TrimSpace(string(id)) == ""
}

func (id Identity) String() string {
	return string(id)
}

// Datagram is one discrete transport message.
type Datagram struct {
	Sender  Identity
	Seq     uint32
	Payload []byte
}

// Binding sends discrete datagrams to a peer identity.
type Binding interface {
	Send(ctx context.Context, to Identity, d Datagram) error
	MaxPayload() int
}

// Handler consumes inbound datagrams already addressed to this endpoint.
type Handler interface {
	HandleDatagram(d Datagram) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(d Datagram) error

func (f HandlerFunc) HandleDatagram(d Datagram) error {
	return f(d)
}
