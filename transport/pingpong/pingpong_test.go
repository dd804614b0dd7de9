package pingpong

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ozontech/thriftrpc/codec"
	"github.com/ozontech/thriftrpc/message"
	"github.com/ozontech/thriftrpc/protocol"
	"github.com/ozontech/thriftrpc/rpcerror"
	"github.com/ozontech/thriftrpc/rpcinfo"
	"github.com/ozontech/thriftrpc/stats"
	"github.com/ozontech/thriftrpc/transport"
)

type echoPayload struct {
	Text string
}

func (p *echoPayload) Encode(w protocol.Writer) error {
	w.WriteStructBegin()
	w.WriteFieldBegin(protocol.TypeString, 1)
	w.WriteString(p.Text)
	w.WriteFieldEnd()
	w.WriteFieldStop()
	w.WriteStructEnd()
	return nil
}

func (p *echoPayload) Decode(r protocol.Reader) error {
	if err := r.ReadStructBegin(); err != nil {
		return err
	}
	for {
		ft, id, err := r.ReadFieldBegin()
		if err != nil {
			return err
		}
		if ft == protocol.TypeStop {
			return r.ReadStructEnd()
		}
		if id == 1 && ft == protocol.TypeString {
			if p.Text, err = r.ReadString(); err != nil {
				return err
			}
		} else if err := r.Skip(ft); err != nil {
			return err
		}
		if err := r.ReadFieldEnd(); err != nil {
			return err
		}
	}
}

func (p *echoPayload) Size(s protocol.Sizer) int {
	return s.StructBeginLen() +
		s.FieldBeginLen(protocol.TypeString, 1) +
		s.StringLen(p.Text) +
		s.FieldEndLen() +
		s.FieldStopLen() +
		s.StructEndLen()
}

func echoFactory(message.Meta) (message.EntryMessage, error) {
	return &echoPayload{}, nil
}

func echoHandler(_ context.Context, _ *rpcinfo.ServerContext, req *message.Message) (message.EntryMessage, error) {
	return &echoPayload{Text: req.Data.(*echoPayload).Text}, nil
}

// serveProvider hands out one end of a fresh pipe and serves the other end.
type serveProvider struct {
	serve func(net.Conn)
}

func (p *serveProvider) MakeTransport(context.Context, rpcinfo.Endpoint, transport.Mode) (transport.Conn, error) {
	c1, c2 := net.Pipe()
	go p.serve(c2)
	return transport.WrapConn(c1), nil
}

func TestCallExchange(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	srv := NewServer(HandlerFunc(echoHandler), echoFactory, zaptest.NewLogger(t), nil)
	provider := &serveProvider{serve: func(c net.Conn) { srv.ServeConn(context.Background(), c) }}

	for _, proto := range []protocol.Kind{protocol.KindBinary, protocol.KindApacheCompact} {
		client := NewClient(provider, proto, echoFactory, zaptest.NewLogger(t))
		cx := rpcinfo.NewClientContext("echo", 1, protocol.MessageTypeCall)
		req := message.NewClient("echo", 1, protocol.MessageTypeCall, &echoPayload{Text: "hello"})
		resp, err := client.Call(context.Background(), cx, req)
		require.NoError(t, err)
		a.Equal("hello", resp.Data.(*echoPayload).Text)
		a.Equal(int32(1), resp.Meta.SeqID)
	}
}

func TestOnewayProducesNoReplyBytes(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	handled := make(chan struct{}, 1)
	handler := HandlerFunc(func(_ context.Context, cx *rpcinfo.ServerContext, _ *message.Message) (message.EntryMessage, error) {
		handled <- struct{}{}
		return nil, rpcerror.NewApplication(rpcerror.ApplicationInternalError, "boom")
	})
	srv := NewServer(handler, echoFactory, zaptest.NewLogger(t), nil)

	c1, c2 := net.Pipe()
	go srv.ServeConn(context.Background(), c2)

	enc, _ := codec.New(c1, c1, codec.Options{Factory: echoFactory})
	cx := rpcinfo.NewClientContext("echo", 1, protocol.MessageTypeOneWay)
	req := message.NewClient("echo", 1, protocol.MessageTypeOneWay, &echoPayload{Text: "fire and forget"})
	require.NoError(t, enc.Encode(cx, req))

	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}

	// even a failed oneway handler must not produce reply bytes
	require.NoError(t, c1.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	buf := make([]byte, 1)
	_, err := c1.Read(buf)
	nerr, ok := err.(net.Error)
	require.True(t, ok, "expected a read timeout, got %v", err)
	a.True(nerr.Timeout())
}

func TestSequenceIDMismatch(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	provider := &serveProvider{serve: func(c net.Conn) {
		defer c.Close()
		enc, dec := codec.New(c, c, codec.Options{Factory: echoFactory})
		cx := rpcinfo.NewServerContext()
		req, err := dec.Decode(cx)
		if err != nil || req == nil {
			return
		}
		reply := message.NewServerReply(cx.Method, cx.SeqID+1, &echoPayload{Text: "x"}, nil)
		cx.MessageType = reply.Meta.Type
		_ = enc.Encode(cx, reply)
	}}
	client := NewClient(provider, protocol.KindBinary, echoFactory, zaptest.NewLogger(t))

	cx := rpcinfo.NewClientContext("echo", 5, protocol.MessageTypeCall)
	req := message.NewClient("echo", 5, protocol.MessageTypeCall, &echoPayload{Text: "y"})
	_, err := client.Call(context.Background(), cx, req)

	var app *rpcerror.Application
	require.ErrorAs(t, err, &app)
	a.Equal(rpcerror.ApplicationBadSequenceID, app.Kind)
}

func TestExceptionReplySurfacesAsApplicationError(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	handler := HandlerFunc(func(context.Context, *rpcinfo.ServerContext, *message.Message) (message.EntryMessage, error) {
		return nil, rpcerror.NewApplication(rpcerror.ApplicationInternalError, "handler blew up")
	})
	srv := NewServer(handler, echoFactory, zaptest.NewLogger(t), nil)
	provider := &serveProvider{serve: func(c net.Conn) { srv.ServeConn(context.Background(), c) }}
	client := NewClient(provider, protocol.KindBinary, echoFactory, zaptest.NewLogger(t))

	cx := rpcinfo.NewClientContext("echo", 1, protocol.MessageTypeCall)
	req := message.NewClient("echo", 1, protocol.MessageTypeCall, &echoPayload{Text: "z"})
	_, err := client.Call(context.Background(), cx, req)

	var app *rpcerror.Application
	require.ErrorAs(t, err, &app)
	a.Equal(rpcerror.ApplicationInternalError, app.Kind)
	a.Equal("handler blew up", app.Message)
}

func TestEOFWithoutReply(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	provider := &serveProvider{serve: func(c net.Conn) {
		// swallow the request, close without answering
		buf := make([]byte, 4096)
		_, _ = c.Read(buf)
		c.Close()
	}}
	client := NewClient(provider, protocol.KindBinary, echoFactory, zaptest.NewLogger(t))

	cx := rpcinfo.NewClientContext("echo", 1, protocol.MessageTypeCall)
	req := message.NewClient("echo", 1, protocol.MessageTypeCall, &echoPayload{Text: "q"})
	_, err := client.Call(context.Background(), cx, req)

	var te *rpcerror.Transport
	require.ErrorAs(t, err, &te)
	a.Equal(rpcerror.TransportEndOfFile, te.Kind)
	a.True(rpcerror.Retryable(err))
}

func TestUnknownMethodGetsExceptionReply(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	factory := func(meta message.Meta) (message.EntryMessage, error) {
		if meta.Type == protocol.MessageTypeReply || meta.Method == "echo" {
			return &echoPayload{}, nil
		}
		return nil, rpcerror.NewApplicationf(rpcerror.ApplicationUnknownMethod, "unknown method %q", meta.Method)
	}
	srv := NewServer(HandlerFunc(echoHandler), factory, zaptest.NewLogger(t), nil)
	provider := &serveProvider{serve: func(c net.Conn) { srv.ServeConn(context.Background(), c) }}
	client := NewClient(provider, protocol.KindBinary, factory, zaptest.NewLogger(t))

	cx := rpcinfo.NewClientContext("nope", 1, protocol.MessageTypeCall)
	req := message.NewClient("nope", 1, protocol.MessageTypeCall, &echoPayload{Text: "?"})
	_, err := client.Call(context.Background(), cx, req)

	var app *rpcerror.Application
	require.ErrorAs(t, err, &app)
	a.Equal(rpcerror.ApplicationUnknownMethod, app.Kind)
}

func TestDecodeErrorIsTraced(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	var mu sync.Mutex
	var statuses []string
	tracer := func(cx rpcinfo.Context) {
		mu.Lock()
		statuses = append(statuses, stats.Status(cx))
		mu.Unlock()
	}
	srv := NewServer(HandlerFunc(echoHandler), echoFactory, zaptest.NewLogger(t), tracer)

	c1, c2 := net.Pipe()
	served := make(chan struct{})
	go func() {
		srv.ServeConn(context.Background(), c2)
		close(served)
	}()
	go io.Copy(io.Discard, c1) //nolint:errcheck

	// unframed binary message with a bad version word
	garbage := []byte{0x80, 0x02, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00}
	_, err := c1.Write(garbage)
	require.NoError(t, err)

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("serve loop did not exit")
	}

	mu.Lock()
	defer mu.Unlock()
	a.Contains(statuses, "decode_error")
}

// fixedConn hands the same connection back on every acquisition and records
// the order of its reads and writes.
type fixedConn struct {
	net.Conn
	mu     *sync.Mutex
	events *[]byte
}

func (c *fixedConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.mu.Lock()
		*c.events = append(*c.events, 'R')
		c.mu.Unlock()
	}
	return n, err
}

func (c *fixedConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	*c.events = append(*c.events, 'W')
	c.mu.Unlock()
	return c.Conn.Write(p)
}

func (c *fixedConn) Reuse()   {}
func (c *fixedConn) Discard() {}

type fixedProvider struct {
	conn transport.Conn
}

func (p *fixedProvider) MakeTransport(context.Context, rpcinfo.Endpoint, transport.Mode) (transport.Conn, error) {
	return p.conn, nil
}

func TestCallsAlternateOnWire(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	srv := NewServer(HandlerFunc(echoHandler), echoFactory, zaptest.NewLogger(t), nil)
	c1, c2 := net.Pipe()
	go srv.ServeConn(context.Background(), c2)

	var mu sync.Mutex
	var events []byte
	conn := &fixedConn{Conn: c1, mu: &mu, events: &events}
	client := NewClient(&fixedProvider{conn: conn}, protocol.KindBinary, echoFactory, zaptest.NewLogger(t))

	for seq := int32(1); seq <= 2; seq++ {
		cx := rpcinfo.NewClientContext("echo", seq, protocol.MessageTypeCall)
		req := message.NewClient("echo", seq, protocol.MessageTypeCall, &echoPayload{Text: "turn"})
		resp, err := client.Call(context.Background(), cx, req)
		require.NoError(t, err)
		a.Equal(seq, resp.Meta.SeqID)
	}

	// request 2 must hit the wire strictly after reply 1 was read back
	mu.Lock()
	var collapsed []byte
	for _, e := range events {
		if len(collapsed) == 0 || collapsed[len(collapsed)-1] != e {
			collapsed = append(collapsed, e)
		}
	}
	mu.Unlock()
	a.Equal("WRWR", string(collapsed))
}

func TestShutdownMarksConnReset(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	srv := NewServer(HandlerFunc(echoHandler), echoFactory, zaptest.NewLogger(t), func(cx rpcinfo.Context) {
		a.True(cx.Extensions().ConnReset())
	})
	srv.Shutdown()

	provider := &serveProvider{serve: func(c net.Conn) { srv.ServeConn(context.Background(), c) }}
	client := NewClient(provider, protocol.KindBinary, echoFactory, zaptest.NewLogger(t))

	cx := rpcinfo.NewClientContext("echo", 1, protocol.MessageTypeCall)
	req := message.NewClient("echo", 1, protocol.MessageTypeCall, &echoPayload{Text: "last"})
	resp, err := client.Call(context.Background(), cx, req)
	require.NoError(t, err)
	a.Equal("last", resp.Data.(*echoPayload).Text)
}
