package protocol

import (
	"encoding/binary"
	"math"

	"github.com/ozontech/thriftrpc/consts"
	"github.com/ozontech/thriftrpc/rpcerror"
	"github.com/ozontech/thriftrpc/utils/linkedbuffer"
	"github.com/ozontech/thriftrpc/utils/lru"
)

// Strict binary message header: version in the two high bytes, message type
// in the low byte.
const (
	binaryVersionMask = 0xffff0000
	binaryVersion1    = 0x80010000
)

const maxSkipDepth = 64

// BinaryWriter encodes the thrift binary protocol into a linked buffer.
// The buffer must be pre-sized with BinarySizer, writes never fail.
type BinaryWriter struct {
	buf *linkedbuffer.Buffer
}

func NewBinaryWriter(buf *linkedbuffer.Buffer) *BinaryWriter {
	return &BinaryWriter{buf}
}

func (w *BinaryWriter) writeU32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *BinaryWriter) writeU64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *BinaryWriter) WriteMessageBegin(ident MessageIdentifier) {
	w.writeU32(binaryVersion1 | uint32(ident.Type))
	w.WriteString(ident.Name)
	w.WriteI32(ident.SeqID)
}

func (w *BinaryWriter) WriteMessageEnd() {}
func (w *BinaryWriter) WriteStructBegin() {}
func (w *BinaryWriter) WriteStructEnd()  {}

func (w *BinaryWriter) WriteFieldBegin(t Type, id int16) {
	w.buf.WriteByte(byte(t))
	w.WriteI16(id)
}

func (w *BinaryWriter) WriteFieldEnd()  {}
func (w *BinaryWriter) WriteFieldStop() { w.buf.WriteByte(byte(TypeStop)) }

func (w *BinaryWriter) WriteMapBegin(keyType, valueType Type, size int) {
	w.buf.WriteByte(byte(keyType))
	w.buf.WriteByte(byte(valueType))
	w.WriteI32(int32(size))
}

func (w *BinaryWriter) WriteMapEnd() {}

func (w *BinaryWriter) WriteListBegin(elemType Type, size int) {
	w.buf.WriteByte(byte(elemType))
	w.WriteI32(int32(size))
}

func (w *BinaryWriter) WriteListEnd() {}

func (w *BinaryWriter) WriteSetBegin(elemType Type, size int) {
	w.WriteListBegin(elemType, size)
}

func (w *BinaryWriter) WriteSetEnd() {}

func (w *BinaryWriter) WriteBool(v bool) {
	if v {
		w.buf.WriteByte(1)
	} else {
		w.buf.WriteByte(0)
	}
}

func (w *BinaryWriter) WriteByte(v int8)     { w.buf.WriteByte(byte(v)) }
func (w *BinaryWriter) WriteI16(v int16)     { w.writeU32Short(uint16(v)) }
func (w *BinaryWriter) WriteI32(v int32)     { w.writeU32(uint32(v)) }
func (w *BinaryWriter) WriteI64(v int64)     { w.writeU64(uint64(v)) }
func (w *BinaryWriter) WriteDouble(v float64) { w.writeU64(math.Float64bits(v)) }

func (w *BinaryWriter) writeU32Short(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *BinaryWriter) WriteString(v string) {
	w.WriteI32(int32(len(v)))
	w.buf.Write([]byte(v))
}

// WriteBinary splices large payloads in by reference instead of copying.
func (w *BinaryWriter) WriteBinary(v []byte) {
	w.WriteI32(int32(len(v)))
	if len(v) >= consts.ZeroCopyThreshold {
		w.buf.AppendRef(v)
		return
	}
	w.buf.Write(v)
}

// BinarySizer accumulates the exact encoded length of a message and the
// share of it that WriteBinary will splice by reference.
type BinarySizer struct {
	zeroCopy int
}

func NewBinarySizer() *BinarySizer { return &BinarySizer{} }

func (s *BinarySizer) MessageBeginLen(ident MessageIdentifier) int {
	return 4 + s.StringLen(ident.Name) + 4
}

func (s *BinarySizer) MessageEndLen() int                 { return 0 }
func (s *BinarySizer) StructBeginLen() int                { return 0 }
func (s *BinarySizer) StructEndLen() int                  { return 0 }
func (s *BinarySizer) FieldBeginLen(Type, int16) int      { return 3 }
func (s *BinarySizer) FieldEndLen() int                   { return 0 }
func (s *BinarySizer) FieldStopLen() int                  { return 1 }
func (s *BinarySizer) MapBeginLen(Type, Type, int) int    { return 6 }
func (s *BinarySizer) MapEndLen() int                     { return 0 }
func (s *BinarySizer) ListBeginLen(Type, int) int         { return 5 }
func (s *BinarySizer) ListEndLen() int                    { return 0 }
func (s *BinarySizer) SetBeginLen(t Type, n int) int      { return s.ListBeginLen(t, n) }
func (s *BinarySizer) SetEndLen() int                     { return 0 }
func (s *BinarySizer) BoolLen(bool) int                   { return 1 }
func (s *BinarySizer) ByteLen(int8) int                   { return 1 }
func (s *BinarySizer) I16Len(int16) int                   { return 2 }
func (s *BinarySizer) I32Len(int32) int                   { return 4 }
func (s *BinarySizer) I64Len(int64) int                   { return 8 }
func (s *BinarySizer) DoubleLen(float64) int              { return 8 }
func (s *BinarySizer) StringLen(v string) int             { return 4 + len(v) }

func (s *BinarySizer) BinaryLen(v []byte) int {
	if len(v) >= consts.ZeroCopyThreshold {
		s.zeroCopy += len(v)
	}
	return 4 + len(v)
}

func (s *BinarySizer) ZeroCopyLen() int { return s.zeroCopy }

// BinaryReader decodes the thrift binary protocol, both the strict version
// header and the legacy headerless form.
type BinaryReader struct {
	src   Source
	names *lru.Cache
	limit int
}

func NewBinaryReader(src Source) *BinaryReader {
	return &BinaryReader{src: src, limit: consts.DefaultMaxFrameSize}
}

// SetNameInterner installs a cache used to intern message names on decode.
func (r *BinaryReader) SetNameInterner(c *lru.Cache) { r.names = c }

// SetSizeLimit caps every declared length before the bytes behind it are
// read. Framed connections are bounded by the frame check already; on
// unframed ones this is the only thing standing between a hostile length
// and the allocator.
func (r *BinaryReader) SetSizeLimit(n int) {
	if n > 0 {
		r.limit = n
	}
}

func (r *BinaryReader) checkSize(n int) error {
	if n > r.limit {
		err := rpcerror.NewProtocolf(rpcerror.ProtocolSizeLimit,
			"declared size %d exceeds limit %d", n, r.limit)
		err.SizeHint = n
		return err
	}
	return nil
}

func (r *BinaryReader) internName(b []byte) string {
	if r.names != nil {
		return r.names.GetOrAdd(b)
	}
	return string(b)
}

func (r *BinaryReader) ReadMessageBegin() (MessageIdentifier, error) {
	var ident MessageIdentifier
	first, err := r.ReadI32()
	if err != nil {
		return ident, err
	}
	if first < 0 {
		// strict header
		version := uint32(first) & binaryVersionMask
		if version != binaryVersion1 {
			return ident, rpcerror.NewProtocolf(rpcerror.ProtocolBadVersion,
				"bad binary protocol version: %#x", version)
		}
		ident.Type = MessageType(uint32(first) & 0xff)
		n, err := r.readContainerSize()
		if err != nil {
			return ident, err
		}
		name, err := r.src.Next(n)
		if err != nil {
			return ident, err
		}
		ident.Name = r.internName(name)
		ident.SeqID, err = r.ReadI32()
		return ident, err
	}
	// legacy header: name length first, no version
	if err := r.checkSize(int(first)); err != nil {
		return ident, err
	}
	name, err := r.src.Next(int(first))
	if err != nil {
		return ident, err
	}
	ident.Name = r.internName(name)
	t, err := r.src.ReadByte()
	if err != nil {
		return ident, err
	}
	ident.Type = MessageType(t)
	ident.SeqID, err = r.ReadI32()
	return ident, err
}

func (r *BinaryReader) ReadMessageEnd() error { return nil }
func (r *BinaryReader) ReadStructBegin() error { return nil }
func (r *BinaryReader) ReadStructEnd() error  { return nil }

func (r *BinaryReader) ReadFieldBegin() (Type, int16, error) {
	t, err := r.src.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	if Type(t) == TypeStop {
		return TypeStop, 0, nil
	}
	id, err := r.ReadI16()
	return Type(t), id, err
}

func (r *BinaryReader) ReadFieldEnd() error { return nil }

func (r *BinaryReader) ReadMapBegin() (Type, Type, int, error) {
	kt, err := r.src.ReadByte()
	if err != nil {
		return 0, 0, 0, err
	}
	vt, err := r.src.ReadByte()
	if err != nil {
		return 0, 0, 0, err
	}
	size, err := r.readContainerSize()
	return Type(kt), Type(vt), size, err
}

func (r *BinaryReader) ReadMapEnd() error { return nil }

func (r *BinaryReader) ReadListBegin() (Type, int, error) {
	et, err := r.src.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	size, err := r.readContainerSize()
	return Type(et), size, err
}

func (r *BinaryReader) ReadListEnd() error { return nil }

func (r *BinaryReader) ReadSetBegin() (Type, int, error) { return r.ReadListBegin() }
func (r *BinaryReader) ReadSetEnd() error                { return nil }

func (r *BinaryReader) readContainerSize() (int, error) {
	size, err := r.ReadI32()
	if err != nil {
		return 0, err
	}
	if size < 0 {
		return 0, rpcerror.NewProtocolf(rpcerror.ProtocolNegativeSize,
			"negative container size: %d", size)
	}
	if err := r.checkSize(int(size)); err != nil {
		return 0, err
	}
	return int(size), nil
}

func (r *BinaryReader) ReadBool() (bool, error) {
	b, err := r.src.ReadByte()
	return b == 1, err
}

func (r *BinaryReader) ReadByte() (int8, error) {
	b, err := r.src.ReadByte()
	return int8(b), err
}

func (r *BinaryReader) ReadI16() (int16, error) {
	b, err := r.src.Next(2)
	if err != nil {
		return 0, err
	}
	return int16(binary.BigEndian.Uint16(b)), nil
}

func (r *BinaryReader) ReadI32() (int32, error) {
	b, err := r.src.Next(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (r *BinaryReader) ReadI64() (int64, error) {
	b, err := r.src.Next(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (r *BinaryReader) ReadDouble() (float64, error) {
	b, err := r.src.Next(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
}

func (r *BinaryReader) ReadString() (string, error) {
	n, err := r.readContainerSize()
	if err != nil {
		return "", err
	}
	b, err := r.src.Next(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadBinary aliases the decode buffer where possible.
func (r *BinaryReader) ReadBinary() ([]byte, error) {
	n, err := r.readContainerSize()
	if err != nil {
		return nil, err
	}
	return r.src.Bytes(n)
}

func (r *BinaryReader) Skip(t Type) error {
	return r.skip(t, maxSkipDepth)
}

func (r *BinaryReader) skip(t Type, depth int) error {
	if depth <= 0 {
		return rpcerror.NewProtocol(rpcerror.ProtocolDepthLimit, "skip depth limit exceeded")
	}
	switch t {
	case TypeBool, TypeByte:
		_, err := r.src.ReadByte()
		return err
	case TypeI16:
		_, err := r.src.Next(2)
		return err
	case TypeI32:
		_, err := r.src.Next(4)
		return err
	case TypeI64, TypeDouble:
		_, err := r.src.Next(8)
		return err
	case TypeString:
		n, err := r.readContainerSize()
		if err != nil {
			return err
		}
		_, err = r.src.Next(n)
		return err
	case TypeStruct:
		for {
			ft, _, err := r.ReadFieldBegin()
			if err != nil {
				return err
			}
			if ft == TypeStop {
				return nil
			}
			if err := r.skip(ft, depth-1); err != nil {
				return err
			}
		}
	case TypeMap:
		kt, vt, size, err := r.ReadMapBegin()
		if err != nil {
			return err
		}
		for i := 0; i < size; i++ {
			if err := r.skip(kt, depth-1); err != nil {
				return err
			}
			if err := r.skip(vt, depth-1); err != nil {
				return err
			}
		}
		return nil
	case TypeList, TypeSet:
		et, size, err := r.ReadListBegin()
		if err != nil {
			return err
		}
		for i := 0; i < size; i++ {
			if err := r.skip(et, depth-1); err != nil {
				return err
			}
		}
		return nil
	default:
		return rpcerror.NewProtocolf(rpcerror.ProtocolInvalidData,
			"cannot skip unknown type %d", t)
	}
}
