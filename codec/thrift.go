package codec

import (
	"bufio"

	"github.com/ozontech/thriftrpc/message"
	"github.com/ozontech/thriftrpc/protocol"
	"github.com/ozontech/thriftrpc/rpcerror"
	"github.com/ozontech/thriftrpc/rpcinfo"
	"github.com/ozontech/thriftrpc/utils/linkedbuffer"
	"github.com/ozontech/thriftrpc/utils/lru"
)

// ThriftEncoder picks the wire protocol for a call and drives the matching
// sizer/writer pair. Servers mirror the protocol the decode side stored in
// the call context; clients fall back to the configured kind.
type ThriftEncoder struct {
	kind protocol.Kind
}

func NewThriftEncoder(kind protocol.Kind) *ThriftEncoder {
	return &ThriftEncoder{kind: kind}
}

func (e *ThriftEncoder) pick(cx rpcinfo.Context) (protocol.Kind, error) {
	k := cx.Extensions().Protocol()
	if k == protocol.KindUnknown {
		k = e.kind
	}
	switch k {
	case protocol.KindBinary, protocol.KindApacheCompact:
		return k, nil
	case protocol.KindAlternateCompact:
		return k, rpcerror.NewProtocol(
			rpcerror.ProtocolNotImplemented, "alternate compact protocol is not supported")
	default:
		return k, rpcerror.NewProtocolf(
			rpcerror.ProtocolBadVersion, "cannot encode with protocol %q", k)
	}
}

func (e *ThriftEncoder) Size(cx rpcinfo.Context, msg *message.Message) (real, malloc int, err error) {
	kind, err := e.pick(cx)
	if err != nil {
		return 0, 0, err
	}
	var s protocol.Sizer
	switch kind {
	case protocol.KindApacheCompact:
		s = protocol.NewCompactSizer()
	default:
		s = protocol.NewBinarySizer()
	}
	real, err = message.Size(s, msg)
	if err != nil {
		return 0, 0, err
	}
	return real, real - s.ZeroCopyLen(), nil
}

func (e *ThriftEncoder) EncodeInto(cx rpcinfo.Context, buf *linkedbuffer.Buffer, msg *message.Message) error {
	kind, err := e.pick(cx)
	if err != nil {
		return err
	}
	var w protocol.Writer
	switch kind {
	case protocol.KindApacheCompact:
		w = protocol.NewCompactWriter(buf)
	default:
		w = protocol.NewBinaryWriter(buf)
	}
	return message.Encode(w, msg)
}

// ThriftDecoder detects the wire protocol from the first payload byte and
// dispatches to the matching reader. Detection runs once per connection;
// the result is cached here and published to every call context so the
// encode side can mirror it.
type ThriftDecoder struct {
	factory  message.Factory
	detected protocol.Kind
	names    *lru.Cache
}

func NewThriftDecoder(factory message.Factory) *ThriftDecoder {
	return &ThriftDecoder{factory: factory, names: lru.New(methodNameCacheSize)}
}

const methodNameCacheSize = 256

func (d *ThriftDecoder) detect(first byte) error {
	if d.detected != protocol.KindUnknown {
		return nil
	}
	kind, err := protocol.Detect([]byte{first})
	if err != nil {
		return err
	}
	d.detected = kind
	return nil
}

func (d *ThriftDecoder) decode(cx rpcinfo.Context, src protocol.Source) (*message.Message, error) {
	cx.Extensions().SetProtocol(d.detected)

	var r protocol.Reader
	switch d.detected {
	case protocol.KindApacheCompact:
		cr := protocol.NewCompactReader(src)
		cr.SetNameInterner(d.names)
		cr.SetSizeLimit(int(cx.MaxFrameSize()))
		r = cr
	default:
		br := protocol.NewBinaryReader(src)
		br.SetNameInterner(d.names)
		br.SetSizeLimit(int(cx.MaxFrameSize()))
		r = br
	}

	stats := cx.Stats()
	stats.RecordDecodeStart()
	msg, err := message.Decode(r, d.factory, cx.HandleDecodedMeta)
	stats.RecordDecodeEnd()
	if err != nil {
		return nil, wrapIO(err)
	}
	return msg, nil
}

func (d *ThriftDecoder) Decode(cx rpcinfo.Context, buf []byte) (*message.Message, error) {
	if len(buf) == 0 {
		return nil, rpcerror.NewProtocol(rpcerror.ProtocolInvalidData, "empty message payload")
	}
	if err := d.detect(buf[0]); err != nil {
		return nil, err
	}
	return d.decode(cx, protocol.NewBytesSource(buf))
}

func (d *ThriftDecoder) DecodeFrom(cx rpcinfo.Context, r *bufio.Reader) (*message.Message, error) {
	first, err := r.Peek(1)
	if err != nil {
		return nil, rpcerror.FromIO(err)
	}
	if err := d.detect(first[0]); err != nil {
		return nil, err
	}
	return d.decode(cx, protocol.NewStreamSource(r))
}
