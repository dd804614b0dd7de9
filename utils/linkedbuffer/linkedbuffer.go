// Package linkedbuffer provides an output buffer that mixes owned scratch
// segments with spans referenced from elsewhere, flushed with one vectored
// write. Referencing large payloads avoids copying them on the encode path.
package linkedbuffer

import (
	"io"
	"net"
)

type Buffer struct {
	segs net.Buffers
	cur  []byte
	size int
}

func New() *Buffer {
	return &Buffer{}
}

// Reserve grows the current scratch segment so the next n copied bytes do
// not reallocate.
func (b *Buffer) Reserve(n int) {
	if cap(b.cur)-len(b.cur) >= n {
		return
	}
	next := make([]byte, len(b.cur), len(b.cur)+n)
	copy(next, b.cur)
	b.cur = next
}

func (b *Buffer) Len() int { return b.size }

func (b *Buffer) WriteByte(c byte) {
	b.cur = append(b.cur, c)
	b.size++
}

func (b *Buffer) Write(p []byte) {
	b.cur = append(b.cur, p...)
	b.size += len(p)
}

// AppendRef splices p in by reference. The caller must not mutate p until
// the buffer is flushed.
func (b *Buffer) AppendRef(p []byte) {
	if len(p) == 0 {
		return
	}
	if len(b.cur) > 0 {
		b.segs = append(b.segs, b.cur)
		b.cur = b.cur[len(b.cur):]
	}
	b.segs = append(b.segs, p)
	b.size += len(p)
}

// WriteTo flushes all segments with a single vectored write.
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	// net.Buffers.WriteTo consumes the slice, so hand it a throwaway copy
	v := make(net.Buffers, 0, len(b.segs)+1)
	v = append(v, b.segs...)
	if len(b.cur) > 0 {
		v = append(v, b.cur)
	}
	return v.WriteTo(w)
}

// Bytes returns a contiguous copy of the buffered content.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, 0, b.size)
	for _, s := range b.segs {
		out = append(out, s...)
	}
	return append(out, b.cur...)
}

func (b *Buffer) Reset() {
	b.segs = b.segs[:0]
	b.cur = b.cur[:0]
	b.size = 0
}
