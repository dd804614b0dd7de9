// Package rpcerror defines the error taxonomy of the engine.
//
// Transport errors are I/O level and retryable by the caller's policy.
// Protocol errors mean the byte stream is unusable and the connection must
// be torn down. Application errors carry a thrift exception kind/message
// pair. Biz errors are caller-defined structured errors, not framework
// faults.
package rpcerror

import (
	"errors"
	"fmt"
	"io"
)

type TransportKind int32

const (
	TransportUnknown TransportKind = iota
	TransportNotOpen
	TransportTimedOut
	TransportEndOfFile
)

// Transport is an I/O failure: connect, read, write or unexpected EOF.
type Transport struct {
	Kind    TransportKind
	Message string
	cause   error
}

func NewTransport(kind TransportKind, msg string) *Transport {
	return &Transport{Kind: kind, Message: msg}
}

func FromIO(err error) *Transport {
	kind := TransportUnknown
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		kind = TransportEndOfFile
	}
	return &Transport{Kind: kind, Message: err.Error(), cause: err}
}

func (e *Transport) Error() string { return "transport error: " + e.Message }
func (e *Transport) Unwrap() error { return e.cause }

// AppendMsg adds breadcrumb context as the error propagates.
func (e *Transport) AppendMsg(msg string) { e.Message += msg }

type ProtocolKind int32

const (
	ProtocolUnknown ProtocolKind = iota
	ProtocolInvalidData
	ProtocolNegativeSize
	ProtocolSizeLimit
	ProtocolBadVersion
	ProtocolNotImplemented
	ProtocolDepthLimit
)

func (k ProtocolKind) String() string {
	switch k {
	case ProtocolInvalidData:
		return "invalid data"
	case ProtocolNegativeSize:
		return "negative size"
	case ProtocolSizeLimit:
		return "size limit"
	case ProtocolBadVersion:
		return "bad version"
	case ProtocolNotImplemented:
		return "not implemented"
	case ProtocolDepthLimit:
		return "depth limit"
	default:
		return "unknown"
	}
}

// Protocol is a malformed-bytes error. Not retryable: the stream position
// is lost, the connection must be closed.
type Protocol struct {
	Kind    ProtocolKind
	Message string

	// SizeHint carries the size that triggered a limit error, for
	// diagnostics only.
	SizeHint int
}

func NewProtocol(kind ProtocolKind, msg string) *Protocol {
	return &Protocol{Kind: kind, Message: msg}
}

func NewProtocolf(kind ProtocolKind, format string, args ...any) *Protocol {
	return &Protocol{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Protocol) Error() string {
	return "protocol error (" + e.Kind.String() + "): " + e.Message
}

func (e *Protocol) AppendMsg(msg string) { e.Message += msg }

type ApplicationKind int32

// Thrift TApplicationException types.
const (
	ApplicationUnknown ApplicationKind = iota
	ApplicationUnknownMethod
	ApplicationInvalidMessageType
	ApplicationWrongMethodName
	ApplicationBadSequenceID
	ApplicationMissingResult
	ApplicationInternalError
	ApplicationProtocolError
	ApplicationInvalidTransform
	ApplicationInvalidProtocol
	ApplicationUnsupportedClientType
)

func (k ApplicationKind) String() string {
	switch k {
	case ApplicationUnknownMethod:
		return "unknown service method"
	case ApplicationInvalidMessageType:
		return "wrong message type received"
	case ApplicationWrongMethodName:
		return "unknown method reply received"
	case ApplicationBadSequenceID:
		return "out of order sequence id"
	case ApplicationMissingResult:
		return "missing method result"
	case ApplicationInternalError:
		return "remote service threw exception"
	case ApplicationProtocolError:
		return "protocol error"
	default:
		return "service error"
	}
}

// Application is an error from generated code or a service handler,
// encodable as a thrift Exception message.
type Application struct {
	Kind    ApplicationKind
	Message string
}

func NewApplication(kind ApplicationKind, msg string) *Application {
	return &Application{Kind: kind, Message: msg}
}

func NewApplicationf(kind ApplicationKind, format string, args ...any) *Application {
	return &Application{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Application) Error() string { return e.Kind.String() + ", msg: " + e.Message }

func (e *Application) AppendMsg(msg string) { e.Message += msg }

// Biz is a caller-defined structured error. It is surfaced to the caller
// as-is and never treated as a framework fault.
type Biz struct {
	StatusCode int32
	Message    string
	Extra      map[string]string
}

func NewBiz(code int32, msg string) *Biz {
	return &Biz{StatusCode: code, Message: msg}
}

func (e *Biz) WithExtra(k, v string) *Biz {
	if e.Extra == nil {
		e.Extra = make(map[string]string)
	}
	e.Extra[k] = v
	return e
}

func (e *Biz) Error() string {
	return fmt.Sprintf("biz error: code=%d, msg=%s", e.StatusCode, e.Message)
}

// Retryable reports whether the caller may retry the call on another
// connection. Only transport errors qualify.
func Retryable(err error) bool {
	var te *Transport
	return errors.As(err, &te)
}

// AppendMsg adds breadcrumb context to any engine error; other errors are
// left untouched.
func AppendMsg(err error, msg string) {
	switch e := err.(type) {
	case *Transport:
		e.AppendMsg(msg)
	case *Protocol:
		e.AppendMsg(msg)
	case *Application:
		e.AppendMsg(msg)
	}
}

// DecodeField wraps an error with "decode struct X field(#N) failed"
// context so the final error keeps a breadcrumb trail.
func DecodeField(strct string, fieldID int16, err error) error {
	AppendMsg(err, fmt.Sprintf(", decode struct %s field(#%d) failed", strct, fieldID))
	return err
}
