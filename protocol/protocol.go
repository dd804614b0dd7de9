// Package protocol implements the thrift binary and compact wire protocols:
// typed readers, writers and exact size pre-computation.
package protocol

import (
	"bufio"
	"io"

	"github.com/ozontech/thriftrpc/rpcerror"
)

// MessageType is the thrift message kind.
type MessageType uint8

const (
	MessageTypeInvalid   MessageType = 0
	MessageTypeCall      MessageType = 1
	MessageTypeReply     MessageType = 2
	MessageTypeException MessageType = 3
	MessageTypeOneWay    MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeCall:
		return "call"
	case MessageTypeReply:
		return "reply"
	case MessageTypeException:
		return "exception"
	case MessageTypeOneWay:
		return "oneway"
	default:
		return "invalid"
	}
}

// Type is the thrift field type id.
type Type byte

const (
	TypeStop   Type = 0
	TypeVoid   Type = 1
	TypeBool   Type = 2
	TypeByte   Type = 3
	TypeDouble Type = 4
	TypeI16    Type = 6
	TypeI32    Type = 8
	TypeI64    Type = 10
	TypeString Type = 11
	TypeStruct Type = 12
	TypeMap    Type = 13
	TypeSet    Type = 14
	TypeList   Type = 15
)

// Kind is the wire protocol detected on a connection.
type Kind int

const (
	KindUnknown Kind = iota
	KindBinary
	KindApacheCompact
	KindAlternateCompact
)

func (k Kind) String() string {
	switch k {
	case KindBinary:
		return "binary"
	case KindApacheCompact:
		return "apache-compact"
	case KindAlternateCompact:
		return "alternate-compact"
	default:
		return "unknown"
	}
}

// 1-byte protocol id markers.
// https://github.com/apache/thrift/blob/master/doc/specs/thrift-rpc.md#compatibility
const (
	MarkerBinaryStrict = 0x80
	MarkerBinaryLegacy = 0x00
	MarkerCompact      = 0x82
)

// Detect inspects the first byte of a message and returns the wire protocol.
func Detect(buf []byte) (Kind, error) {
	if len(buf) < 1 {
		return KindUnknown, rpcerror.NewProtocol(
			rpcerror.ProtocolBadVersion, "not enough bytes to detect protocol")
	}
	switch buf[0] {
	case MarkerBinaryStrict, MarkerBinaryLegacy:
		return KindBinary, nil
	case MarkerCompact:
		return KindApacheCompact, nil
	default:
		return KindUnknown, rpcerror.NewProtocolf(
			rpcerror.ProtocolBadVersion, "unknown protocol, first byte: %#x", buf[0])
	}
}

// MessageIdentifier is the decoded message header.
type MessageIdentifier struct {
	Name  string
	Type  MessageType
	SeqID int32
}

// Reader decodes typed values from the wire.
type Reader interface {
	ReadMessageBegin() (MessageIdentifier, error)
	ReadMessageEnd() error
	ReadStructBegin() error
	ReadStructEnd() error
	ReadFieldBegin() (Type, int16, error)
	ReadFieldEnd() error
	ReadMapBegin() (keyType, valueType Type, size int, err error)
	ReadMapEnd() error
	ReadListBegin() (elemType Type, size int, err error)
	ReadListEnd() error
	ReadSetBegin() (elemType Type, size int, err error)
	ReadSetEnd() error
	ReadBool() (bool, error)
	ReadByte() (int8, error)
	ReadI16() (int16, error)
	ReadI32() (int32, error)
	ReadI64() (int64, error)
	ReadDouble() (float64, error)
	ReadString() (string, error)
	ReadBinary() ([]byte, error)
	Skip(t Type) error
}

// Writer encodes typed values. Writers never fail on the value path: the
// output buffer is pre-sized by the matching Sizer pass.
type Writer interface {
	WriteMessageBegin(MessageIdentifier)
	WriteMessageEnd()
	WriteStructBegin()
	WriteStructEnd()
	WriteFieldBegin(t Type, id int16)
	WriteFieldEnd()
	WriteFieldStop()
	WriteMapBegin(keyType, valueType Type, size int)
	WriteMapEnd()
	WriteListBegin(elemType Type, size int)
	WriteListEnd()
	WriteSetBegin(elemType Type, size int)
	WriteSetEnd()
	WriteBool(bool)
	WriteByte(int8)
	WriteI16(int16)
	WriteI32(int32)
	WriteI64(int64)
	WriteDouble(float64)
	WriteString(string)
	WriteBinary([]byte)
}

// Sizer mirrors Writer and accumulates the exact encoded length.
// ZeroCopyLen reports the share of the total that the writer will splice in
// by reference instead of copying.
type Sizer interface {
	MessageBeginLen(MessageIdentifier) int
	MessageEndLen() int
	StructBeginLen() int
	StructEndLen() int
	FieldBeginLen(t Type, id int16) int
	FieldEndLen() int
	FieldStopLen() int
	MapBeginLen(keyType, valueType Type, size int) int
	MapEndLen() int
	ListBeginLen(elemType Type, size int) int
	ListEndLen() int
	SetBeginLen(elemType Type, size int) int
	SetEndLen() int
	BoolLen(bool) int
	ByteLen(int8) int
	I16Len(int16) int
	I32Len(int32) int
	I64Len(int64) int
	DoubleLen(float64) int
	StringLen(string) int
	BinaryLen([]byte) int
	ZeroCopyLen() int
}

// Source is the byte feed under a Reader.
//
// Next returns transient bytes, valid only until the next call. Bytes
// returns stable bytes: a subslice of the decode buffer where possible, a
// fresh copy otherwise.
type Source interface {
	ReadByte() (byte, error)
	Next(n int) ([]byte, error)
	Bytes(n int) ([]byte, error)
}

type bytesSource struct {
	buf []byte
}

// NewBytesSource returns a Source over one decoded frame. Next returns
// subslices of buf without copying.
func NewBytesSource(buf []byte) Source {
	return &bytesSource{buf}
}

func (s *bytesSource) ReadByte() (byte, error) {
	if len(s.buf) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	b := s.buf[0]
	s.buf = s.buf[1:]
	return b, nil
}

func (s *bytesSource) Next(n int) ([]byte, error) {
	if len(s.buf) < n {
		return nil, io.ErrUnexpectedEOF
	}
	b := s.buf[:n]
	s.buf = s.buf[n:]
	return b, nil
}

func (s *bytesSource) Bytes(n int) ([]byte, error) {
	return s.Next(n)
}

type streamSource struct {
	r       *bufio.Reader
	scratch [16]byte
}

// NewStreamSource returns a Source over a buffered reader, for unframed
// connections where the message length is unknown up front.
func NewStreamSource(r *bufio.Reader) Source {
	return &streamSource{r: r}
}

func (s *streamSource) ReadByte() (byte, error) {
	return s.r.ReadByte()
}

func (s *streamSource) Next(n int) ([]byte, error) {
	if n <= len(s.scratch) {
		b := s.scratch[:n]
		if _, err := io.ReadFull(s.r, b); err != nil {
			return nil, err
		}
		return b, nil
	}
	return s.Bytes(n)
}

func (s *streamSource) Bytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(s.r, b); err != nil {
		return nil, err
	}
	return b, nil
}
