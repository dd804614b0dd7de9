// Package pingpong implements the one-in-flight transport discipline:
// exactly one request on the wire per connection, reply awaited before the
// next send.
package pingpong

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ozontech/thriftrpc/codec"
	"github.com/ozontech/thriftrpc/message"
	"github.com/ozontech/thriftrpc/protocol"
	"github.com/ozontech/thriftrpc/rpcerror"
	"github.com/ozontech/thriftrpc/rpcinfo"
	"github.com/ozontech/thriftrpc/transport"
)

// Client performs request/response exchanges, one connection per call.
type Client struct {
	provider transport.Provider
	proto    protocol.Kind
	factory  message.Factory
	log      *zap.Logger
}

func NewClient(provider transport.Provider, proto protocol.Kind, factory message.Factory, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{provider: provider, proto: proto, factory: factory, log: log.Named("pingpong")}
}

// Call sends one request and, unless it is oneway, awaits exactly one
// reply. The connection is handed back on success and dropped on any
// error or when the caller or peer vetoed reuse.
func (c *Client) Call(ctx context.Context, cx *rpcinfo.ClientContext, req *message.Message) (*message.Message, error) {
	cx.ClientStats.RecordMakeTransportStart()
	conn, err := c.provider.MakeTransport(ctx, cx.Callee, transport.ModePingPong)
	cx.ClientStats.RecordMakeTransportEnd()
	if err != nil {
		return nil, err
	}

	resp, err := c.roundTrip(ctx, cx, conn, req)
	if err != nil || !cx.ShouldReuse || cx.Ext.ConnReset() {
		conn.Discard()
	} else {
		conn.Reuse()
	}
	return resp, err
}

func (c *Client) roundTrip(ctx context.Context, cx *rpcinfo.ClientContext, conn transport.Conn, req *message.Message) (*message.Message, error) {
	if deadline, ok := callDeadline(ctx, cx.Config.RPCTimeout); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			c.log.Warn("set deadline failed", zap.Error(err))
		}
	}

	enc, dec := codec.New(conn, conn, codec.Options{Protocol: c.proto, Factory: c.factory})
	if err := enc.Encode(cx, req); err != nil {
		return nil, err
	}
	if req.Meta.Type == protocol.MessageTypeOneWay {
		return nil, nil
	}

	resp, err := dec.Decode(cx)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		// the peer closed without answering a call that expects a reply
		return nil, rpcerror.NewTransport(rpcerror.TransportEndOfFile, "unexpected end of file")
	}
	if resp.Meta.SeqID != cx.SequenceID() {
		return nil, rpcerror.NewApplicationf(rpcerror.ApplicationBadSequenceID,
			"sequence id mismatch: got %d, expected %d", resp.Meta.SeqID, cx.SequenceID())
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return resp, nil
}

func callDeadline(ctx context.Context, timeout time.Duration) (time.Time, bool) {
	if d, ok := ctx.Deadline(); ok {
		return d, true
	}
	if timeout > 0 {
		return time.Now().Add(timeout), true
	}
	return time.Time{}, false
}
