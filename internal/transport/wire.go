package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	WireMagic     uint32 = 0x4D43_4E31
	WireVersion   uint16 = 1
	FixedHeaderLen       = 16
)

var (
	ErrShortHeader        = errors.New("transport: short fixed header")
	ErrInvalidMagic       = errors.New("transport: invalid magic")
	ErrUnsupportedVersion = errors.New("transport: unsupported version")
	ErrPayloadTooLarge    = errors.New("transport: payload too large")
	ErrSenderTooLarge     = errors.New("transport: sender too large")
	ErrTruncated          = errors.New("transport: truncated datagram")
)

// Limits constrains datagram encode/decode memory use.
type Limits struct {
	MaxSenderBytes  int
	MaxPayloadBytes int
}

func DefaultLimits() Limits {
	return Limits{
		MaxSenderBytes:  255,
		MaxPayloadBytes: DefaultMaxPayload,
	}
}

// EncodeDatagram renders d as one wire datagram:
// magic u32 | version u16 | sender_len u16 | seq u32 | payload_len u32 | sender | payload
func EncodeDatagram(d Datagram, limits Limits) ([]byte, error) {
	if len(d.Sender) > limits.MaxSenderBytes {
		return nil, ErrSenderTooLarge
	}
	if len(d.Payload) > limits.MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, FixedHeaderLen+len(d.Sender)+len(d.Payload))
	binary.BigEndian.PutUint32(buf[0:4], WireMagic)
	binary.BigEndian.PutUint16(buf[4:6], WireVersion)
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(d.Sender)))
	binary.BigEndian.PutUint32(buf[8:12], d.Seq)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(d.Payload)))
	n := copy(buf[FixedHeaderLen:], d.Sender)
	copy(buf[FixedHeaderLen+n:], d.Payload)
	return buf, nil
}

// DecodeDatagram parses one wire datagram. The returned payload does not
// alias b.
func DecodeDatagram(b []byte, limits Limits) (Datagram, error) {
	if len(b) < FixedHeaderLen {
		return Datagram{}, ErrShortHeader
	}
	if magic := binary.BigEndian.Uint32(b[0:4]); magic != WireMagic {
		return Datagram{}, fmt.Errorf("%w: 0x%08x", ErrInvalidMagic, magic)
	}
	if v := binary.BigEndian.Uint16(b[4:6]); v != WireVersion {
		return Datagram{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	senderLen := int(binary.BigEndian.Uint16(b[6:8]))
	seq := binary.BigEndian.Uint32(b[8:12])
	payloadLen := int(binary.BigEndian.Uint32(b[12:16]))
	if senderLen > limits.MaxSenderBytes {
		return Datagram{}, ErrSenderTooLarge
	}
	if payloadLen > limits.MaxPayloadBytes {
		return Datagram{}, ErrPayloadTooLarge
	}
	body := b[FixedHeaderLen:]
	if len(body) != senderLen+payloadLen {
		return Datagram{}, fmt.Errorf("%w: have=%d want=%d", ErrTruncated, len(body), senderLen+payloadLen)
	}
	payload := make([]byte, payloadLen)
	copy(payload, body[senderLen:])
	return Datagram{
		Sender:  Identity(body[:senderLen]),
		Seq:     seq,
		Payload: payload,
	}, nil
}
