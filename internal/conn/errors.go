package conn

import (
	"errors"
	"fmt"

	"github.com/danmuck/msgconn/internal/transport"
)

var (
	ErrNotConnected = errors.New("conn: not connected")
	ErrTimeout      = errors.New("conn: read timed out with no data")
	ErrWaitFailed   = errors.New("conn: wait failed")
	ErrTransport    = errors.New("conn: transport failure")
	ErrClosed       = errors.New("conn: closed")

	// ErrBusy reports a dropped inbound message because the single slot is
	// still occupied. It matches transport.ErrRetryable.
	ErrBusy = fmt.Errorf("conn: busy, message dropped: %w", transport.ErrRetryable)

	ErrPayloadTooLarge  = errors.New("conn: payload too large")
	ErrInvalidIdentity  = errors.New("conn: invalid identity")
	ErrInvalidPeer      = errors.New("conn: invalid peer")
	ErrAlreadyConnected = errors.New("conn: already connected to a different peer")
	ErrTokenMismatch    = errors.New("conn: correlation token mismatch")
	ErrUnexpectedSender = errors.New("conn: unexpected sender")
	ErrNilBinding       = errors.New("conn: nil transport binding")
)
