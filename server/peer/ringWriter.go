package peer

import (
	"github.com/touka-aoi/relay-chat/core/buffer"
	terrors "github.com/touka-aoi/relay-chat/core/errors"
)

// RingWriter holds bytes the kernel would not take yet. It is bounded: a
// payload that does not fit is refused as a whole.
type RingWriter struct {
	ring *buffer.RingBuffer
}

func NewRingWriter(size int) *RingWriter {
	if size <= 0 {
		size = 4096
	}
	return &RingWriter{
		ring: buffer.NewRingBuffer(size),
	}
}

func (p *RingWriter) Write(b []byte) (int, error) {
	if len(b) > p.ring.Free() {
		return 0, terrors.ErrWouldBlock
	}
	return p.ring.Write(b)
}

// Pending returns the queued bytes as at most two contiguous slices.
func (p *RingWriter) Pending() ([]byte, []byte) {
	a, b, _ := p.ring.View(p.ring.Length())
	return a, b
}

func (p *RingWriter) Advance(n int) {
	p.ring.Advance(n)
}

func (p *RingWriter) Length() int {
	return p.ring.Length()
}
