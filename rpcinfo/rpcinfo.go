// Package rpcinfo carries the per-call state shared by codecs and
// transports: role, endpoints, config snapshot, detected wire properties
// and timing stats. A context lives for exactly one call; server contexts
// may be pooled and reset between calls.
package rpcinfo

import (
	"time"

	"github.com/ozontech/thriftrpc/consts"
	"github.com/ozontech/thriftrpc/protocol"
)

type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// Endpoint describes one side of a call.
type Endpoint struct {
	ServiceName string
	Address     string
	Tags        map[string]string
}

// Config is the per-call configuration snapshot.
type Config struct {
	RPCTimeout     time.Duration
	ConnectTimeout time.Duration
	MaxFrameSize   int32
}

func DefaultConfig() Config {
	return Config{
		RPCTimeout:     consts.DefaultRPCTimeout,
		ConnectTimeout: consts.DefaultConnectTimeout,
		MaxFrameSize:   consts.DefaultMaxFrameSize,
	}
}

// Context is the codec-facing view of a call context.
type Context interface {
	Role() Role
	RPCMethod() string
	SequenceID() int32
	// MessageKind is the kind of the message this context is sending.
	MessageKind() protocol.MessageType
	Extensions() *Extensions
	Stats() *CommonStats
	MaxFrameSize() int32
	// HandleDecodedMeta is invoked as soon as a message header is parsed,
	// before the body is decoded.
	HandleDecodedMeta(protocol.MessageIdentifier)
}

// Extensions is the typed property bag attached to a context: wire
// properties detected on the connection plus free-form key/values.
type Extensions struct {
	proto        protocol.Kind
	framed       bool
	framingKnown bool
	connReset    bool
	kv           map[any]any
}

// Protocol returns the wire protocol detected on decode, KindUnknown if
// none was detected yet.
func (e *Extensions) Protocol() protocol.Kind     { return e.proto }
func (e *Extensions) SetProtocol(k protocol.Kind) { e.proto = k }

// Framed reports the detected framing flag and whether detection ran.
func (e *Extensions) Framed() (framed, known bool) { return e.framed, e.framingKnown }

func (e *Extensions) SetFramed(framed bool) {
	e.framed = framed
	e.framingKnown = true
}

// ConnReset marks that the connection must not be reused after this call.
func (e *Extensions) ConnReset() bool     { return e.connReset }
func (e *Extensions) SetConnReset(v bool) { e.connReset = v }

func (e *Extensions) Set(k, v any) {
	if e.kv == nil {
		e.kv = make(map[any]any, 4)
	}
	e.kv[k] = v
}

func (e *Extensions) Get(k any) (any, bool) {
	v, ok := e.kv[k]
	return v, ok
}

func (e *Extensions) Reset() {
	*e = Extensions{}
}
