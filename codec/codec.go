// Package codec turns message envelopes into wire bytes and back. The
// default chain is Framed(Thrift): a thrift binary/compact codec wrapped
// by a 4-byte length-prefix framing layer.
//
// The inner layer is a zero-copy codec: a size pass computes the exact
// encoded length (so the output buffer is allocated once) plus the smaller
// share that actually needs copying; the encode pass then produces exactly
// that many bytes, splicing large payloads in by reference.
package codec

import (
	"bufio"
	"errors"
	"io"

	"github.com/ozontech/thriftrpc/message"
	"github.com/ozontech/thriftrpc/protocol"
	"github.com/ozontech/thriftrpc/rpcerror"
	"github.com/ozontech/thriftrpc/rpcinfo"
	"github.com/ozontech/thriftrpc/utils/linkedbuffer"
)

// Encoder writes one envelope to the connection.
type Encoder interface {
	Encode(cx rpcinfo.Context, msg *message.Message) error
}

// Decoder reads one envelope from the connection. A clean EOF before any
// byte of a message returns (nil, nil).
type Decoder interface {
	Decode(cx rpcinfo.Context) (*message.Message, error)
}

// ZeroCopyEncoder is the inner, buffer-level encoder. Size must be called
// before EncodeInto and returns (exact length, recommended allocation).
type ZeroCopyEncoder interface {
	Size(cx rpcinfo.Context, msg *message.Message) (real, malloc int, err error)
	EncodeInto(cx rpcinfo.Context, buf *linkedbuffer.Buffer, msg *message.Message) error
}

// ZeroCopyDecoder decodes either a complete buffered payload or,
// incrementally, from a buffered reader.
type ZeroCopyDecoder interface {
	Decode(cx rpcinfo.Context, buf []byte) (*message.Message, error)
	DecodeFrom(cx rpcinfo.Context, r *bufio.Reader) (*message.Message, error)
}

// Options configure a codec chain for one connection.
type Options struct {
	// Protocol is the client-side outgoing wire protocol. Servers ignore it
	// and always mirror the protocol detected on decode.
	Protocol protocol.Kind
	// Factory produces payload instances for decoded requests/replies.
	Factory message.Factory
}

// New builds the default Framed(Thrift) codec chain over one connection's
// read and write halves.
func New(r io.Reader, w io.Writer, opts Options) (Encoder, Decoder) {
	if opts.Protocol == protocol.KindUnknown {
		opts.Protocol = protocol.KindBinary
	}
	enc := NewFramedEncoder(NewThriftEncoder(opts.Protocol))
	dec := NewFramedDecoder(NewThriftDecoder(opts.Factory))
	return NewDefaultEncoder(enc, w), NewDefaultDecoder(dec, r)
}

// DefaultEncoder drives a ZeroCopyEncoder: size, reserve once, encode,
// flush with one vectored write.
type DefaultEncoder struct {
	inner ZeroCopyEncoder
	w     io.Writer
	buf   *linkedbuffer.Buffer
}

func NewDefaultEncoder(inner ZeroCopyEncoder, w io.Writer) *DefaultEncoder {
	return &DefaultEncoder{inner: inner, w: w, buf: linkedbuffer.New()}
}

func (e *DefaultEncoder) Encode(cx rpcinfo.Context, msg *message.Message) error {
	stats := cx.Stats()
	stats.RecordEncodeStart()

	real, malloc, err := e.inner.Size(cx, msg)
	if err != nil {
		stats.RecordEncodeEnd()
		return err
	}
	e.buf.Reserve(malloc)
	if err := e.inner.EncodeInto(cx, e.buf, msg); err != nil {
		e.buf.Reset()
		stats.RecordEncodeEnd()
		return err
	}
	stats.RecordEncodeEnd()

	stats.RecordWriteStart()
	_, err = e.buf.WriteTo(e.w)
	stats.RecordWriteEnd()
	stats.WriteSize = real
	e.buf.Reset()
	if err != nil {
		return rpcerror.FromIO(err)
	}
	return nil
}

// DefaultDecoder drives a ZeroCopyDecoder over a buffered reader.
type DefaultDecoder struct {
	inner ZeroCopyDecoder
	r     *bufio.Reader
}

func NewDefaultDecoder(inner ZeroCopyDecoder, r io.Reader) *DefaultDecoder {
	return &DefaultDecoder{inner: inner, r: bufio.NewReader(r)}
}

func (d *DefaultDecoder) Decode(cx rpcinfo.Context) (*message.Message, error) {
	// distinguish clean EOF from a truncated message
	if _, err := d.r.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, rpcerror.FromIO(err)
	}
	return d.inner.DecodeFrom(cx, d.r)
}

// wrapIO maps raw reader errors to transport errors, leaving engine errors
// untouched.
func wrapIO(err error) error {
	if err == nil {
		return nil
	}
	var (
		te *rpcerror.Transport
		pe *rpcerror.Protocol
		ae *rpcerror.Application
	)
	if errors.As(err, &te) || errors.As(err, &pe) || errors.As(err, &ae) {
		return err
	}
	return rpcerror.FromIO(err)
}
