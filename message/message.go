// Package message defines the envelope passed between codecs and
// transports: a typed payload (or a captured error) plus the method,
// sequence id and message kind that correlate it.
package message

import (
	"errors"
	"fmt"

	"github.com/ozontech/thriftrpc/protocol"
	"github.com/ozontech/thriftrpc/rpcerror"
)

// Meta correlates a message with its call.
type Meta struct {
	Type   protocol.MessageType
	Method string
	SeqID  int32
}

// Message is the encode/decode unit. Exactly one of Data and Err is set.
// Owned exclusively by the call that produced it.
type Message struct {
	Data EntryMessage
	Err  error
	Meta Meta
}

// EntryMessage is the contract generated request/response types satisfy.
type EntryMessage interface {
	Encode(w protocol.Writer) error
	Decode(r protocol.Reader) error
	Size(s protocol.Sizer) int
}

// Factory produces a payload instance for a decoded message header. It
// returns ApplicationUnknownMethod for methods it does not serve.
type Factory func(meta Meta) (EntryMessage, error)

// NewClient builds the envelope for an outgoing client call.
func NewClient(method string, seqID int32, t protocol.MessageType, req EntryMessage) *Message {
	return &Message{
		Data: req,
		Meta: Meta{Type: t, Method: method, SeqID: seqID},
	}
}

// NewServerReply builds the reply envelope for a handled request. A non-nil
// err yields an Exception-kind message.
func NewServerReply(method string, seqID int32, resp EntryMessage, err error) *Message {
	t := protocol.MessageTypeReply
	if err != nil {
		t = protocol.MessageTypeException
	}
	return &Message{
		Data: resp,
		Err:  err,
		Meta: Meta{Type: t, Method: method, SeqID: seqID},
	}
}

// Size returns the exact encoded length and the recommended allocation
// (exact minus payload spans the writer will splice in by reference).
func Size(s protocol.Sizer, msg *Message) (int, error) {
	ident := protocol.MessageIdentifier{Name: msg.Meta.Method, Type: msg.Meta.Type, SeqID: msg.Meta.SeqID}
	n := s.MessageBeginLen(ident)
	switch {
	case msg.Err != nil:
		exc, err := exceptionFor(msg.Err)
		if err != nil {
			return 0, err
		}
		n += exc.Size(s)
	case msg.Data == nil:
		return 0, rpcerror.NewApplicationf(rpcerror.ApplicationMissingResult,
			"method %s produced no result", msg.Meta.Method)
	default:
		n += msg.Data.Size(s)
	}
	return n + s.MessageEndLen(), nil
}

// Encode writes the whole envelope. The writer's buffer must already be
// reserved via Size.
func Encode(w protocol.Writer, msg *Message) error {
	ident := protocol.MessageIdentifier{Name: msg.Meta.Method, Type: msg.Meta.Type, SeqID: msg.Meta.SeqID}
	w.WriteMessageBegin(ident)
	if msg.Err != nil {
		exc, err := exceptionFor(msg.Err)
		if err != nil {
			return err
		}
		if err := exc.Encode(w); err != nil {
			return err
		}
	} else if err := msg.Data.Encode(w); err != nil {
		return err
	}
	w.WriteMessageEnd()
	return nil
}

// exceptionFor maps an engine error to its wire exception. Transport errors
// have no wire form: encountering one here is a caller bug.
func exceptionFor(err error) (*Exception, error) {
	var app *rpcerror.Application
	if errors.As(err, &app) {
		return &Exception{Kind: app.Kind, Message: app.Message}, nil
	}
	var proto *rpcerror.Protocol
	if errors.As(err, &proto) {
		return &Exception{Kind: rpcerror.ApplicationProtocolError, Message: proto.Message}, nil
	}
	var biz *rpcerror.Biz
	if errors.As(err, &biz) {
		return &Exception{Kind: rpcerror.ApplicationUnknown, Message: biz.Error()}, nil
	}
	var tr *rpcerror.Transport
	if errors.As(err, &tr) {
		return nil, fmt.Errorf("cannot encode a transport error as a reply: %w", err)
	}
	return &Exception{Kind: rpcerror.ApplicationUnknown, Message: err.Error()}, nil
}

// Decode reads one envelope. onMeta is invoked as soon as the header is
// parsed, before the body, so body errors can still be attributed to the
// right method.
func Decode(r protocol.Reader, factory Factory, onMeta func(protocol.MessageIdentifier)) (*Message, error) {
	ident, err := r.ReadMessageBegin()
	if err != nil {
		return nil, err
	}
	if onMeta != nil {
		onMeta(ident)
	}
	meta := Meta{Type: ident.Type, Method: ident.Name, SeqID: ident.SeqID}

	msg := &Message{Meta: meta}
	if ident.Type == protocol.MessageTypeException {
		exc := new(Exception)
		if err := exc.Decode(r); err != nil {
			rpcerror.AppendMsg(err, fmt.Sprintf(", method: %s", ident.Name))
			return nil, err
		}
		msg.Err = rpcerror.NewApplication(exc.Kind, exc.Message)
	} else {
		data, err := factory(meta)
		if err != nil {
			return nil, err
		}
		if err := data.Decode(r); err != nil {
			rpcerror.AppendMsg(err, fmt.Sprintf(", method: %s", ident.Name))
			return nil, err
		}
		msg.Data = data
	}
	if err := r.ReadMessageEnd(); err != nil {
		return nil, err
	}
	return msg, nil
}

const exceptionStruct = "TApplicationException"

// Exception is the thrift TApplicationException wire form.
type Exception struct {
	Kind    rpcerror.ApplicationKind
	Message string
}

func (e *Exception) Encode(w protocol.Writer) error {
	w.WriteStructBegin()
	w.WriteFieldBegin(protocol.TypeString, 1)
	w.WriteString(e.Message)
	w.WriteFieldEnd()
	w.WriteFieldBegin(protocol.TypeI32, 2)
	w.WriteI32(int32(e.Kind))
	w.WriteFieldEnd()
	w.WriteFieldStop()
	w.WriteStructEnd()
	return nil
}

func (e *Exception) Decode(r protocol.Reader) error {
	e.Kind = rpcerror.ApplicationUnknown
	e.Message = "general remote error"

	if err := r.ReadStructBegin(); err != nil {
		return err
	}
	for {
		ft, id, err := r.ReadFieldBegin()
		if err != nil {
			return rpcerror.DecodeField(exceptionStruct, id, err)
		}
		if ft == protocol.TypeStop {
			break
		}
		switch id {
		case 1:
			if e.Message, err = r.ReadString(); err != nil {
				return rpcerror.DecodeField(exceptionStruct, id, err)
			}
		case 2:
			v, err := r.ReadI32()
			if err != nil {
				return rpcerror.DecodeField(exceptionStruct, id, err)
			}
			e.Kind = rpcerror.ApplicationKind(v)
		default:
			if err := r.Skip(ft); err != nil {
				return rpcerror.DecodeField(exceptionStruct, id, err)
			}
		}
		if err := r.ReadFieldEnd(); err != nil {
			return err
		}
	}
	return r.ReadStructEnd()
}

func (e *Exception) Size(s protocol.Sizer) int {
	return s.StructBeginLen() +
		s.FieldBeginLen(protocol.TypeString, 1) +
		s.StringLen(e.Message) +
		s.FieldEndLen() +
		s.FieldBeginLen(protocol.TypeI32, 2) +
		s.I32Len(int32(e.Kind)) +
		s.FieldEndLen() +
		s.FieldStopLen() +
		s.StructEndLen()
}
