package conn

// ingress holds the unconsumed remainder of one inbound payload.
// Invariant: 0 <= cursor <= len(msg); msg == nil means the slot is free.
type ingress struct {
	msg    []byte
	cursor int
}

func (b *ingress) empty() bool {
	return b.msg == nil
}

func (b *ingress) remaining() int {
	return len(b.msg) - b.cursor
}

// store takes a private copy of p. p must be non-empty.
func (b *ingress) store(p []byte) {
	b.msg = make([]byte, len(p))
	copy(b.msg, p)
	b.cursor = 0
}

// drain copies up to len(dst) bytes and reports whether the slot emptied.
func (b *ingress) drain(dst []byte) (int, bool) {
	n := copy(dst, b.msg[b.cursor:])
	b.cursor += n
	if b.cursor == len(b.msg) {
		b.reset()
		return n, true
	}
	return n, false
}

func (b *ingress) reset() {
	b.msg = nil
	b.cursor = 0
}
