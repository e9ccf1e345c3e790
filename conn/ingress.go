package conn

import "github.com/valyala/bytebufferpool"

// IngressBuffer is the mutable handle a Connection passes to its
// message callback. The application may consume any prefix of it;
// whatever is left after the callback returns stays buffered for the
// next read event.
type IngressBuffer struct {
	bb *bytebufferpool.ByteBuffer
}

func newIngressBuffer() *IngressBuffer {
	return &IngressBuffer{bb: bytebufferpool.Get()}
}

// Bytes returns the currently buffered, unconsumed bytes.
func (b *IngressBuffer) Bytes() []byte { return b.bb.B }

// Len returns the number of unconsumed bytes.
func (b *IngressBuffer) Len() int { return len(b.bb.B) }

// Retrieve discards the first n bytes.
func (b *IngressBuffer) Retrieve(n int) {
	if n <= 0 {
		return
	}
	if n >= len(b.bb.B) {
		b.bb.Reset()
		return
	}
	copy(b.bb.B, b.bb.B[n:])
	b.bb.B = b.bb.B[:len(b.bb.B)-n]
}

// RetrieveAll discards everything currently buffered.
func (b *IngressBuffer) RetrieveAll() { b.bb.Reset() }

func (b *IngressBuffer) append(p []byte) { _, _ = b.bb.Write(p) }

func (b *IngressBuffer) release() { bytebufferpool.Put(b.bb) }
