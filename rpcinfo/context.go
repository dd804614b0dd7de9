package rpcinfo

import (
	"github.com/ozontech/thriftrpc/consts"
	"github.com/ozontech/thriftrpc/protocol"
	"github.com/ozontech/thriftrpc/utils/pool"
)

// ClientContext is the context of one outgoing call. It owns the sequence
// id and message kind it is sending.
type ClientContext struct {
	Caller Endpoint
	Callee Endpoint
	Method string

	SeqID       int32
	MessageType protocol.MessageType

	// ShouldReuse is the caller's connection-reuse intent; cleared when the
	// peer signals the connection must not be pooled.
	ShouldReuse bool

	Config Config
	Ext    Extensions

	CommonStats CommonStats
	ClientStats ClientStats
}

func NewClientContext(method string, seqID int32, t protocol.MessageType) *ClientContext {
	return &ClientContext{
		Method:      method,
		SeqID:       seqID,
		MessageType: t,
		ShouldReuse: true,
		Config:      DefaultConfig(),
	}
}

func (c *ClientContext) Role() Role                        { return RoleClient }
func (c *ClientContext) RPCMethod() string                 { return c.Method }
func (c *ClientContext) SequenceID() int32                 { return c.SeqID }
func (c *ClientContext) MessageKind() protocol.MessageType { return c.MessageType }
func (c *ClientContext) Extensions() *Extensions           { return &c.Ext }
func (c *ClientContext) Stats() *CommonStats               { return &c.CommonStats }

func (c *ClientContext) MaxFrameSize() int32 {
	if c.Config.MaxFrameSize > 0 {
		return c.Config.MaxFrameSize
	}
	return consts.DefaultMaxFrameSize
}

// HandleDecodedMeta is a no-op on the client: the reply header carries no
// state the client context does not already own.
func (c *ClientContext) HandleDecodedMeta(protocol.MessageIdentifier) {}

// Reset prepares the context for another call on the same client.
func (c *ClientContext) Reset(method string, seqID int32, t protocol.MessageType) {
	c.Method = method
	c.SeqID = seqID
	c.MessageType = t
	c.ShouldReuse = true
	c.Ext.Reset()
	c.CommonStats.Reset()
	c.ClientStats.Reset()
}

// ServerContext is the context of one inbound call. It is populated
// incrementally: method and sequence id become known only once the header
// is parsed.
type ServerContext struct {
	Caller Endpoint
	Callee Endpoint
	Method string

	SeqID       int32
	ReqType     protocol.MessageType
	MessageType protocol.MessageType // kind of the reply being sent

	// ConnReset forces the connection to be closed after the reply.
	ConnReset bool

	Config Config
	Ext    Extensions

	CommonStats CommonStats
	ServerStats ServerStats
}

func NewServerContext() *ServerContext {
	return &ServerContext{Config: DefaultConfig()}
}

func (c *ServerContext) Role() Role                        { return RoleServer }
func (c *ServerContext) RPCMethod() string                 { return c.Method }
func (c *ServerContext) SequenceID() int32                 { return c.SeqID }
func (c *ServerContext) MessageKind() protocol.MessageType { return c.MessageType }
func (c *ServerContext) Extensions() *Extensions           { return &c.Ext }
func (c *ServerContext) Stats() *CommonStats               { return &c.CommonStats }

func (c *ServerContext) MaxFrameSize() int32 {
	if c.Config.MaxFrameSize > 0 {
		return c.Config.MaxFrameSize
	}
	return consts.DefaultMaxFrameSize
}

func (c *ServerContext) HandleDecodedMeta(ident protocol.MessageIdentifier) {
	c.Method = ident.Name
	c.SeqID = ident.SeqID
	c.ReqType = ident.Type
}

// OneWay reports whether the decoded request must not be answered.
func (c *ServerContext) OneWay() bool {
	return c.ReqType == protocol.MessageTypeOneWay
}

// Reset clears per-call state so the context can be pooled. The framing
// and protocol flags are cleared too: they are re-recorded by the codec on
// the next decode from its per-connection cache.
func (c *ServerContext) Reset() {
	cfg := c.Config
	*c = ServerContext{Config: cfg}
}

// ContextPool is a bounded free list of server contexts, owned by one
// server loop.
type ContextPool struct {
	p *pool.SlicePool[*ServerContext]
}

func NewContextPool() *ContextPool {
	return &ContextPool{p: pool.NewSlicePool[*ServerContext](consts.ContextPoolSize)}
}

func (cp *ContextPool) Acquire() *ServerContext {
	if cx, ok := cp.p.Acquire(); ok {
		return cx
	}
	return NewServerContext()
}

func (cp *ContextPool) Release(cx *ServerContext) {
	cx.Reset()
	cp.p.Release(cx)
}
