package main

import (
	"context"

	"github.com/ozontech/thriftrpc/message"
	"github.com/ozontech/thriftrpc/protocol"
	"github.com/ozontech/thriftrpc/rpcerror"
	"github.com/ozontech/thriftrpc/rpcinfo"
)

const (
	methodEcho = "echo"
	methodPing = "ping"
)

// EchoRequest is the interop request payload: a text field plus an opaque
// blob large enough to exercise the by-reference encode path.
type EchoRequest struct {
	Text    string
	Payload []byte
}

func (r *EchoRequest) Encode(w protocol.Writer) error {
	w.WriteStructBegin()
	w.WriteFieldBegin(protocol.TypeString, 1)
	w.WriteString(r.Text)
	w.WriteFieldEnd()
	if len(r.Payload) > 0 {
		w.WriteFieldBegin(protocol.TypeString, 2)
		w.WriteBinary(r.Payload)
		w.WriteFieldEnd()
	}
	w.WriteFieldStop()
	w.WriteStructEnd()
	return nil
}

func (r *EchoRequest) Decode(rd protocol.Reader) error {
	return decodeEcho(rd, "EchoRequest", &r.Text, &r.Payload)
}

func (r *EchoRequest) Size(s protocol.Sizer) int {
	return sizeEcho(s, r.Text, r.Payload)
}

// EchoReply mirrors the request back.
type EchoReply struct {
	Text    string
	Payload []byte
}

func (r *EchoReply) Encode(w protocol.Writer) error {
	w.WriteStructBegin()
	w.WriteFieldBegin(protocol.TypeString, 1)
	w.WriteString(r.Text)
	w.WriteFieldEnd()
	if len(r.Payload) > 0 {
		w.WriteFieldBegin(protocol.TypeString, 2)
		w.WriteBinary(r.Payload)
		w.WriteFieldEnd()
	}
	w.WriteFieldStop()
	w.WriteStructEnd()
	return nil
}

func (r *EchoReply) Decode(rd protocol.Reader) error {
	return decodeEcho(rd, "EchoReply", &r.Text, &r.Payload)
}

func (r *EchoReply) Size(s protocol.Sizer) int {
	return sizeEcho(s, r.Text, r.Payload)
}

func decodeEcho(rd protocol.Reader, strct string, text *string, payload *[]byte) error {
	if err := rd.ReadStructBegin(); err != nil {
		return err
	}
	for {
		ft, id, err := rd.ReadFieldBegin()
		if err != nil {
			return rpcerror.DecodeField(strct, id, err)
		}
		if ft == protocol.TypeStop {
			break
		}
		switch {
		case id == 1 && ft == protocol.TypeString:
			if *text, err = rd.ReadString(); err != nil {
				return rpcerror.DecodeField(strct, id, err)
			}
		case id == 2 && ft == protocol.TypeString:
			if *payload, err = rd.ReadBinary(); err != nil {
				return rpcerror.DecodeField(strct, id, err)
			}
		default:
			if err := rd.Skip(ft); err != nil {
				return rpcerror.DecodeField(strct, id, err)
			}
		}
		if err := rd.ReadFieldEnd(); err != nil {
			return err
		}
	}
	return rd.ReadStructEnd()
}

func sizeEcho(s protocol.Sizer, text string, payload []byte) int {
	n := s.StructBeginLen() +
		s.FieldBeginLen(protocol.TypeString, 1) +
		s.StringLen(text) +
		s.FieldEndLen()
	if len(payload) > 0 {
		n += s.FieldBeginLen(protocol.TypeString, 2) +
			s.BinaryLen(payload) +
			s.FieldEndLen()
	}
	return n + s.FieldStopLen() + s.StructEndLen()
}

// EchoFactory builds payload instances for both directions of the echo
// service.
func EchoFactory(meta message.Meta) (message.EntryMessage, error) {
	switch meta.Method {
	case methodEcho, methodPing:
	default:
		return nil, rpcerror.NewApplicationf(rpcerror.ApplicationUnknownMethod,
			"unknown method %q", meta.Method)
	}
	if meta.Type == protocol.MessageTypeReply {
		return &EchoReply{}, nil
	}
	return &EchoRequest{}, nil
}

// EchoService answers echo with the same payload and swallows ping.
type EchoService struct{}

func (EchoService) Handle(_ context.Context, cx *rpcinfo.ServerContext, req *message.Message) (message.EntryMessage, error) {
	switch cx.Method {
	case methodEcho:
		r, ok := req.Data.(*EchoRequest)
		if !ok {
			return nil, rpcerror.NewApplication(rpcerror.ApplicationInternalError, "unexpected payload type")
		}
		return &EchoReply{Text: r.Text, Payload: r.Payload}, nil
	case methodPing:
		return nil, nil
	default:
		return nil, rpcerror.NewApplicationf(rpcerror.ApplicationUnknownMethod,
			"unknown method %q", cx.Method)
	}
}
