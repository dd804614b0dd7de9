package protocol

import (
	"encoding/binary"
	"math"

	"github.com/ozontech/thriftrpc/consts"
	"github.com/ozontech/thriftrpc/rpcerror"
	"github.com/ozontech/thriftrpc/utils/linkedbuffer"
	"github.com/ozontech/thriftrpc/utils/lru"
)

// Apache compact protocol constants.
// https://github.com/apache/thrift/blob/master/doc/specs/thrift-compact-protocol.md
const (
	compactVersion     = 0x01
	compactVersionMask = 0x1f
	compactTypeShift   = 5
	compactTypeBits    = 0x07
)

// compact wire type ids
const (
	ctStop      = 0x00
	ctBoolTrue  = 0x01
	ctBoolFalse = 0x02
	ctByte      = 0x03
	ctI16       = 0x04
	ctI32       = 0x05
	ctI64       = 0x06
	ctDouble    = 0x07
	ctBinary    = 0x08
	ctList      = 0x09
	ctSet       = 0x0A
	ctMap       = 0x0B
	ctStruct    = 0x0C
)

func toCompactType(t Type) byte {
	switch t {
	case TypeBool:
		return ctBoolTrue
	case TypeByte:
		return ctByte
	case TypeI16:
		return ctI16
	case TypeI32:
		return ctI32
	case TypeI64:
		return ctI64
	case TypeDouble:
		return ctDouble
	case TypeString:
		return ctBinary
	case TypeList:
		return ctList
	case TypeSet:
		return ctSet
	case TypeMap:
		return ctMap
	case TypeStruct:
		return ctStruct
	default:
		return ctStop
	}
}

func fromCompactType(ct byte) (Type, error) {
	switch ct {
	case ctBoolTrue, ctBoolFalse:
		return TypeBool, nil
	case ctByte:
		return TypeByte, nil
	case ctI16:
		return TypeI16, nil
	case ctI32:
		return TypeI32, nil
	case ctI64:
		return TypeI64, nil
	case ctDouble:
		return TypeDouble, nil
	case ctBinary:
		return TypeString, nil
	case ctList:
		return TypeList, nil
	case ctSet:
		return TypeSet, nil
	case ctMap:
		return TypeMap, nil
	case ctStruct:
		return TypeStruct, nil
	default:
		return 0, rpcerror.NewProtocolf(rpcerror.ProtocolInvalidData,
			"unknown compact type %#x", ct)
	}
}

func zigzag32(v int32) uint64  { return uint64(uint32((v << 1) ^ (v >> 31))) }
func zigzag64(v int64) uint64  { return uint64((v << 1) ^ (v >> 63)) }
func unzigzag32(v uint64) int32 { return int32(uint32(v>>1) ^ -uint32(v&1)) }
func unzigzag64(v uint64) int64 { return int64(v>>1) ^ -int64(v&1) }

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

// CompactWriter encodes the apache compact protocol into a linked buffer.
type CompactWriter struct {
	buf *linkedbuffer.Buffer

	lastFieldID  int16
	fieldIDStack []int16
	// bool fields fold their value into the field header, so WriteFieldBegin
	// for a bool is deferred until WriteBool supplies the value.
	pendingBoolID    int16
	pendingBoolField bool
}

func NewCompactWriter(buf *linkedbuffer.Buffer) *CompactWriter {
	return &CompactWriter{buf: buf}
}

func (w *CompactWriter) writeUvarint(v uint64) {
	var b [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(b[:], v)
	w.buf.Write(b[:n])
}

func (w *CompactWriter) WriteMessageBegin(ident MessageIdentifier) {
	w.buf.WriteByte(MarkerCompact)
	w.buf.WriteByte(compactVersion | byte(ident.Type)<<compactTypeShift)
	w.writeUvarint(uint64(uint32(ident.SeqID)))
	w.writeUvarint(uint64(len(ident.Name)))
	w.buf.Write([]byte(ident.Name))
}

func (w *CompactWriter) WriteMessageEnd() {}

func (w *CompactWriter) WriteStructBegin() {
	w.fieldIDStack = append(w.fieldIDStack, w.lastFieldID)
	w.lastFieldID = 0
}

func (w *CompactWriter) WriteStructEnd() {
	l := len(w.fieldIDStack)
	if l > 0 {
		w.lastFieldID = w.fieldIDStack[l-1]
		w.fieldIDStack = w.fieldIDStack[:l-1]
	}
}

func (w *CompactWriter) WriteFieldBegin(t Type, id int16) {
	if t == TypeBool {
		w.pendingBoolField = true
		w.pendingBoolID = id
		return
	}
	w.writeFieldHeader(toCompactType(t), id)
}

func (w *CompactWriter) writeFieldHeader(ct byte, id int16) {
	delta := id - w.lastFieldID
	if delta > 0 && delta <= 15 {
		w.buf.WriteByte(byte(delta)<<4 | ct)
	} else {
		w.buf.WriteByte(ct)
		w.writeUvarint(zigzag32(int32(id)))
	}
	w.lastFieldID = id
}

func (w *CompactWriter) WriteFieldEnd()  {}
func (w *CompactWriter) WriteFieldStop() { w.buf.WriteByte(ctStop) }

func (w *CompactWriter) WriteMapBegin(keyType, valueType Type, size int) {
	if size == 0 {
		w.buf.WriteByte(0)
		return
	}
	w.writeUvarint(uint64(size))
	w.buf.WriteByte(toCompactType(keyType)<<4 | toCompactType(valueType))
}

func (w *CompactWriter) WriteMapEnd() {}

func (w *CompactWriter) WriteListBegin(elemType Type, size int) {
	w.writeContainerBegin(toCompactType(elemType), size)
}

func (w *CompactWriter) WriteListEnd() {}

func (w *CompactWriter) WriteSetBegin(elemType Type, size int) {
	w.writeContainerBegin(toCompactType(elemType), size)
}

func (w *CompactWriter) WriteSetEnd() {}

func (w *CompactWriter) writeContainerBegin(ct byte, size int) {
	if size < 15 {
		w.buf.WriteByte(byte(size)<<4 | ct)
		return
	}
	w.buf.WriteByte(0xf0 | ct)
	w.writeUvarint(uint64(size))
}

func (w *CompactWriter) WriteBool(v bool) {
	ct := byte(ctBoolFalse)
	if v {
		ct = ctBoolTrue
	}
	if w.pendingBoolField {
		w.pendingBoolField = false
		w.writeFieldHeader(ct, w.pendingBoolID)
		return
	}
	w.buf.WriteByte(ct)
}

func (w *CompactWriter) WriteByte(v int8) { w.buf.WriteByte(byte(v)) }

func (w *CompactWriter) WriteI16(v int16) { w.writeUvarint(zigzag32(int32(v))) }
func (w *CompactWriter) WriteI32(v int32) { w.writeUvarint(zigzag32(v)) }
func (w *CompactWriter) WriteI64(v int64) { w.writeUvarint(zigzag64(v)) }

// Doubles are little-endian on the wire, matching the deployed apache
// implementations rather than the written spec.
func (w *CompactWriter) WriteDouble(v float64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
	w.buf.Write(b[:])
}

func (w *CompactWriter) WriteString(v string) {
	w.writeUvarint(uint64(len(v)))
	w.buf.Write([]byte(v))
}

func (w *CompactWriter) WriteBinary(v []byte) {
	w.writeUvarint(uint64(len(v)))
	if len(v) >= consts.ZeroCopyThreshold {
		w.buf.AppendRef(v)
		return
	}
	w.buf.Write(v)
}

// CompactSizer mirrors CompactWriter, including the field-delta state, so
// the computed length is exact.
type CompactSizer struct {
	lastFieldID  int16
	fieldIDStack []int16
	pendingBool  bool
	zeroCopy     int
}

func NewCompactSizer() *CompactSizer { return &CompactSizer{} }

func (s *CompactSizer) MessageBeginLen(ident MessageIdentifier) int {
	return 2 + uvarintLen(uint64(uint32(ident.SeqID))) +
		uvarintLen(uint64(len(ident.Name))) + len(ident.Name)
}

func (s *CompactSizer) MessageEndLen() int { return 0 }

func (s *CompactSizer) StructBeginLen() int {
	s.fieldIDStack = append(s.fieldIDStack, s.lastFieldID)
	s.lastFieldID = 0
	return 0
}

func (s *CompactSizer) StructEndLen() int {
	l := len(s.fieldIDStack)
	if l > 0 {
		s.lastFieldID = s.fieldIDStack[l-1]
		s.fieldIDStack = s.fieldIDStack[:l-1]
	}
	return 0
}

func (s *CompactSizer) FieldBeginLen(t Type, id int16) int {
	if t == TypeBool {
		// header is accounted by BoolLen, which knows the delta
		s.pendingBool = true
	}
	return s.fieldHeaderLen(id)
}

func (s *CompactSizer) fieldHeaderLen(id int16) int {
	delta := id - s.lastFieldID
	s.lastFieldID = id
	if delta > 0 && delta <= 15 {
		return 1
	}
	return 1 + uvarintLen(zigzag32(int32(id)))
}

func (s *CompactSizer) FieldEndLen() int  { return 0 }
func (s *CompactSizer) FieldStopLen() int { return 1 }

func (s *CompactSizer) MapBeginLen(keyType, valueType Type, size int) int {
	if size == 0 {
		return 1
	}
	return uvarintLen(uint64(size)) + 1
}

func (s *CompactSizer) MapEndLen() int { return 0 }

func (s *CompactSizer) ListBeginLen(elemType Type, size int) int {
	if size < 15 {
		return 1
	}
	return 1 + uvarintLen(uint64(size))
}

func (s *CompactSizer) ListEndLen() int { return 0 }

func (s *CompactSizer) SetBeginLen(elemType Type, size int) int {
	return s.ListBeginLen(elemType, size)
}

func (s *CompactSizer) SetEndLen() int { return 0 }

func (s *CompactSizer) BoolLen(bool) int {
	if s.pendingBool {
		// value is folded into the already-counted field header
		s.pendingBool = false
		return 0
	}
	return 1
}

func (s *CompactSizer) ByteLen(int8) int      { return 1 }
func (s *CompactSizer) I16Len(v int16) int    { return uvarintLen(zigzag32(int32(v))) }
func (s *CompactSizer) I32Len(v int32) int    { return uvarintLen(zigzag32(v)) }
func (s *CompactSizer) I64Len(v int64) int    { return uvarintLen(zigzag64(v)) }
func (s *CompactSizer) DoubleLen(float64) int { return 8 }

func (s *CompactSizer) StringLen(v string) int {
	return uvarintLen(uint64(len(v))) + len(v)
}

func (s *CompactSizer) BinaryLen(v []byte) int {
	if len(v) >= consts.ZeroCopyThreshold {
		s.zeroCopy += len(v)
	}
	return uvarintLen(uint64(len(v))) + len(v)
}

func (s *CompactSizer) ZeroCopyLen() int { return s.zeroCopy }

// CompactReader decodes the apache compact protocol.
type CompactReader struct {
	src   Source
	names *lru.Cache
	limit int

	lastFieldID  int16
	fieldIDStack []int16
	// bool field values arrive in the field header
	pendingBoolValue bool
	pendingBool      bool
}

func NewCompactReader(src Source) *CompactReader {
	return &CompactReader{src: src, limit: consts.DefaultMaxFrameSize}
}

// SetNameInterner installs a cache used to intern message names on decode.
func (r *CompactReader) SetNameInterner(c *lru.Cache) { r.names = c }

// SetSizeLimit caps every declared length before the bytes behind it are
// read, same contract as BinaryReader.SetSizeLimit.
func (r *CompactReader) SetSizeLimit(n int) {
	if n > 0 {
		r.limit = n
	}
}

// readSize reads a varint-declared length and bounds it.
func (r *CompactReader) readSize() (int, error) {
	v, err := r.readUvarint()
	if err != nil {
		return 0, err
	}
	if v > uint64(r.limit) {
		serr := rpcerror.NewProtocolf(rpcerror.ProtocolSizeLimit,
			"declared size %d exceeds limit %d", v, r.limit)
		if v <= math.MaxInt32 {
			serr.SizeHint = int(v)
		}
		return 0, serr
	}
	return int(v), nil
}

func (r *CompactReader) readUvarint() (uint64, error) {
	var v uint64
	var shift uint
	for {
		b, err := r.src.ReadByte()
		if err != nil {
			return 0, err
		}
		v |= uint64(b&0x7f) << shift
		if b < 0x80 {
			return v, nil
		}
		shift += 7
		if shift > 63 {
			return 0, rpcerror.NewProtocol(rpcerror.ProtocolInvalidData, "varint overflow")
		}
	}
}

func (r *CompactReader) ReadMessageBegin() (MessageIdentifier, error) {
	var ident MessageIdentifier
	pid, err := r.src.ReadByte()
	if err != nil {
		return ident, err
	}
	if pid != MarkerCompact {
		return ident, rpcerror.NewProtocolf(rpcerror.ProtocolBadVersion,
			"bad compact protocol id: %#x", pid)
	}
	vt, err := r.src.ReadByte()
	if err != nil {
		return ident, err
	}
	if vt&compactVersionMask != compactVersion {
		return ident, rpcerror.NewProtocolf(rpcerror.ProtocolBadVersion,
			"bad compact protocol version: %#x", vt&compactVersionMask)
	}
	ident.Type = MessageType(vt >> compactTypeShift & compactTypeBits)
	seq, err := r.readUvarint()
	if err != nil {
		return ident, err
	}
	ident.SeqID = int32(uint32(seq))
	nameLen, err := r.readSize()
	if err != nil {
		return ident, err
	}
	name, err := r.src.Next(nameLen)
	if err != nil {
		return ident, err
	}
	if r.names != nil {
		ident.Name = r.names.GetOrAdd(name)
	} else {
		ident.Name = string(name)
	}
	return ident, nil
}

func (r *CompactReader) ReadMessageEnd() error { return nil }

func (r *CompactReader) ReadStructBegin() error {
	r.fieldIDStack = append(r.fieldIDStack, r.lastFieldID)
	r.lastFieldID = 0
	return nil
}

func (r *CompactReader) ReadStructEnd() error {
	l := len(r.fieldIDStack)
	if l > 0 {
		r.lastFieldID = r.fieldIDStack[l-1]
		r.fieldIDStack = r.fieldIDStack[:l-1]
	}
	return nil
}

func (r *CompactReader) ReadFieldBegin() (Type, int16, error) {
	header, err := r.src.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	if header == ctStop {
		return TypeStop, 0, nil
	}
	ct := header & 0x0f
	var id int16
	if delta := header >> 4; delta != 0 {
		id = r.lastFieldID + int16(delta)
	} else {
		v, err := r.readUvarint()
		if err != nil {
			return 0, 0, err
		}
		id = int16(unzigzag32(v))
	}
	r.lastFieldID = id

	t, err := fromCompactType(ct)
	if err != nil {
		return 0, 0, err
	}
	if t == TypeBool {
		r.pendingBool = true
		r.pendingBoolValue = ct == ctBoolTrue
	}
	return t, id, nil
}

func (r *CompactReader) ReadFieldEnd() error { return nil }

func (r *CompactReader) ReadMapBegin() (Type, Type, int, error) {
	size, err := r.readSize()
	if err != nil {
		return 0, 0, 0, err
	}
	if size == 0 {
		return 0, 0, 0, nil
	}
	kv, err := r.src.ReadByte()
	if err != nil {
		return 0, 0, 0, err
	}
	kt, err := fromCompactType(kv >> 4)
	if err != nil {
		return 0, 0, 0, err
	}
	vt, err := fromCompactType(kv & 0x0f)
	if err != nil {
		return 0, 0, 0, err
	}
	return kt, vt, size, nil
}

func (r *CompactReader) ReadMapEnd() error { return nil }

func (r *CompactReader) ReadListBegin() (Type, int, error) {
	header, err := r.src.ReadByte()
	if err != nil {
		return 0, 0, err
	}
	et, err := fromCompactType(header & 0x0f)
	if err != nil {
		return 0, 0, err
	}
	size := int(header >> 4)
	if size == 15 {
		if size, err = r.readSize(); err != nil {
			return 0, 0, err
		}
	}
	return et, size, nil
}

func (r *CompactReader) ReadListEnd() error { return nil }

func (r *CompactReader) ReadSetBegin() (Type, int, error) { return r.ReadListBegin() }
func (r *CompactReader) ReadSetEnd() error                { return nil }

func (r *CompactReader) ReadBool() (bool, error) {
	if r.pendingBool {
		r.pendingBool = false
		return r.pendingBoolValue, nil
	}
	b, err := r.src.ReadByte()
	return b == ctBoolTrue, err
}

func (r *CompactReader) ReadByte() (int8, error) {
	b, err := r.src.ReadByte()
	return int8(b), err
}

func (r *CompactReader) ReadI16() (int16, error) {
	v, err := r.readUvarint()
	return int16(unzigzag32(v)), err
}

func (r *CompactReader) ReadI32() (int32, error) {
	v, err := r.readUvarint()
	return unzigzag32(v), err
}

func (r *CompactReader) ReadI64() (int64, error) {
	v, err := r.readUvarint()
	return unzigzag64(v), err
}

func (r *CompactReader) ReadDouble() (float64, error) {
	b, err := r.src.Next(8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

func (r *CompactReader) ReadString() (string, error) {
	n, err := r.readSize()
	if err != nil {
		return "", err
	}
	b, err := r.src.Next(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *CompactReader) ReadBinary() ([]byte, error) {
	n, err := r.readSize()
	if err != nil {
		return nil, err
	}
	return r.src.Bytes(n)
}

func (r *CompactReader) Skip(t Type) error {
	return r.skip(t, maxSkipDepth)
}

func (r *CompactReader) skip(t Type, depth int) error {
	if depth <= 0 {
		return rpcerror.NewProtocol(rpcerror.ProtocolDepthLimit, "skip depth limit exceeded")
	}
	switch t {
	case TypeBool:
		_, err := r.ReadBool()
		return err
	case TypeByte:
		_, err := r.src.ReadByte()
		return err
	case TypeI16, TypeI32, TypeI64:
		_, err := r.readUvarint()
		return err
	case TypeDouble:
		_, err := r.src.Next(8)
		return err
	case TypeString:
		n, err := r.readSize()
		if err != nil {
			return err
		}
		_, err = r.src.Next(n)
		return err
	case TypeStruct:
		if err := r.ReadStructBegin(); err != nil {
			return err
		}
		for {
			ft, _, err := r.ReadFieldBegin()
			if err != nil {
				return err
			}
			if ft == TypeStop {
				return r.ReadStructEnd()
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
