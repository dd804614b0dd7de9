package codec

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/ozontech/thriftrpc/consts"
	"github.com/ozontech/thriftrpc/message"
	"github.com/ozontech/thriftrpc/protocol"
	"github.com/ozontech/thriftrpc/rpcerror"
	"github.com/ozontech/thriftrpc/rpcinfo"
	"github.com/ozontech/thriftrpc/utils/linkedbuffer"
)

// IsFramed reports whether buf starts with a 4-byte length prefix followed
// by a thrift message. It needs consts.FramedDetectLength bytes: a framed
// payload begins with a protocol marker right after the prefix, an unframed
// one begins with the marker at byte zero.
func IsFramed(buf []byte) bool {
	if len(buf) < consts.FramedDetectLength {
		return false
	}
	if buf[4] == protocol.MarkerBinaryStrict && buf[5] == 0x01 {
		return true
	}
	return buf[4] == protocol.MarkerCompact
}

func checkFrameLen(n, max int32) error {
	if n < 0 {
		return rpcerror.NewProtocolf(rpcerror.ProtocolNegativeSize, "negative frame length: %d", n)
	}
	if n > max {
		return rpcerror.NewProtocolf(rpcerror.ProtocolSizeLimit,
			"frame length %d exceeds limit %d", n, max)
	}
	return nil
}

func maxFrameSize(cx rpcinfo.Context) int32 {
	if max := cx.MaxFrameSize(); max > 0 {
		return max
	}
	return consts.DefaultMaxFrameSize
}

// FramedEncoder prepends the 4-byte big-endian length prefix. Clients
// always frame; servers frame only when the request arrived framed.
type FramedEncoder struct {
	inner     ZeroCopyEncoder
	innerSize int
}

func NewFramedEncoder(inner ZeroCopyEncoder) *FramedEncoder {
	return &FramedEncoder{inner: inner}
}

func (e *FramedEncoder) framed(cx rpcinfo.Context) bool {
	if cx.Role() == rpcinfo.RoleClient {
		return true
	}
	framed, known := cx.Extensions().Framed()
	return known && framed
}

func (e *FramedEncoder) Size(cx rpcinfo.Context, msg *message.Message) (real, malloc int, err error) {
	real, malloc, err = e.inner.Size(cx, msg)
	if err != nil {
		return 0, 0, err
	}
	if err := checkFrameLen(int32(real), maxFrameSize(cx)); err != nil {
		return 0, 0, err
	}
	e.innerSize = real
	if e.framed(cx) {
		real += consts.FrameHeaderSize
		malloc += consts.FrameHeaderSize
	}
	return real, malloc, nil
}

func (e *FramedEncoder) EncodeInto(cx rpcinfo.Context, buf *linkedbuffer.Buffer, msg *message.Message) error {
	if e.framed(cx) {
		var hdr [consts.FrameHeaderSize]byte
		binary.BigEndian.PutUint32(hdr[:], uint32(e.innerSize))
		buf.Write(hdr[:])
	}
	return e.inner.EncodeInto(cx, buf, msg)
}

// FramedDecoder strips the length prefix when one is present. The first
// message on a connection decides; the verdict is cached so later messages
// skip detection, and is published to each call context so replies mirror
// the request's framing.
type FramedDecoder struct {
	inner  ZeroCopyDecoder
	framed bool
	known  bool
}

func NewFramedDecoder(inner ZeroCopyDecoder) *FramedDecoder {
	return &FramedDecoder{inner: inner}
}

func (d *FramedDecoder) Decode(cx rpcinfo.Context, buf []byte) (*message.Message, error) {
	if !d.known {
		d.framed = IsFramed(buf)
		d.known = true
	}
	if !d.framed {
		cx.Extensions().SetFramed(false)
		return d.inner.Decode(cx, buf)
	}
	if len(buf) < consts.FrameHeaderSize {
		return nil, rpcerror.NewProtocol(rpcerror.ProtocolInvalidData, "frame header truncated")
	}
	n := int32(binary.BigEndian.Uint32(buf[:consts.FrameHeaderSize]))
	if err := checkFrameLen(n, maxFrameSize(cx)); err != nil {
		return nil, err
	}
	if len(buf)-consts.FrameHeaderSize < int(n) {
		return nil, rpcerror.NewProtocolf(rpcerror.ProtocolInvalidData,
			"frame truncated: declared %d bytes, have %d", n, len(buf)-consts.FrameHeaderSize)
	}
	cx.Extensions().SetFramed(true)
	cx.Stats().ReadSize = int(n) + consts.FrameHeaderSize
	return d.inner.Decode(cx, buf[consts.FrameHeaderSize:consts.FrameHeaderSize+int(n)])
}

func (d *FramedDecoder) DecodeFrom(cx rpcinfo.Context, r *bufio.Reader) (*message.Message, error) {
	if !d.known {
		head, err := r.Peek(consts.FramedDetectLength)
		if err != nil {
			// too short even for an unframed header, let the inner
			// decoder produce the precise error
			cx.Extensions().SetFramed(false)
			return d.inner.DecodeFrom(cx, r)
		}
		d.framed = IsFramed(head)
		d.known = true
	}
	if !d.framed {
		cx.Extensions().SetFramed(false)
		return d.inner.DecodeFrom(cx, r)
	}

	stats := cx.Stats()
	stats.RecordReadStart()
	var hdr [consts.FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, rpcerror.FromIO(err)
	}
	n := int32(binary.BigEndian.Uint32(hdr[:]))
	// bounds are enforced before a single payload byte is read
	if err := checkFrameLen(n, maxFrameSize(cx)); err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, rpcerror.FromIO(err)
	}
	stats.RecordReadEnd()
	stats.ReadSize = int(n) + consts.FrameHeaderSize

	cx.Extensions().SetFramed(true)
	return d.inner.Decode(cx, payload)
}
