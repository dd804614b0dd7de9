package multiplex

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ozontech/thriftrpc/message"
	"github.com/ozontech/thriftrpc/protocol"
	"github.com/ozontech/thriftrpc/rpcerror"
	"github.com/ozontech/thriftrpc/rpcinfo"
	"github.com/ozontech/thriftrpc/stats"
	"github.com/ozontech/thriftrpc/transport"
	"github.com/ozontech/thriftrpc/transport/pingpong"
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

func startEchoServer(t *testing.T, handler pingpong.Handler) *Transport {
	t.Helper()
	srv := NewServer(handler, echoFactory, zaptest.NewLogger(t), nil)
	c1, c2 := net.Pipe()
	go srv.ServeConn(context.Background(), c2)

	tr := NewTransport(transport.WrapConn(c1), protocol.KindBinary, echoFactory, zaptest.NewLogger(t))
	t.Cleanup(tr.Close)
	return tr
}

func TestConcurrentCallsCorrelate(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	// jittered handler shuffles reply order, correlation must still hold
	handler := pingpong.HandlerFunc(func(_ context.Context, cx *rpcinfo.ServerContext, req *message.Message) (message.EntryMessage, error) {
		time.Sleep(time.Duration(cx.SeqID%5) * time.Millisecond)
		return &echoPayload{Text: req.Data.(*echoPayload).Text}, nil
	})
	tr := startEchoServer(t, handler)

	const calls = 100
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := fmt.Sprintf("call-%d", i)
			cx := rpcinfo.NewClientContext("echo", 0, protocol.MessageTypeCall)
			req := message.NewClient("echo", 0, protocol.MessageTypeCall, &echoPayload{Text: text})

			resp, err := tr.Call(context.Background(), cx, req)
			if a.NoError(err) {
				a.Equal(text, resp.Data.(*echoPayload).Text)
				a.Equal(cx.SeqID, resp.Meta.SeqID)
			}
		}(i)
	}
	wg.Wait()
}

func TestOnewayReturnsAfterWrite(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	handled := make(chan string, 1)
	handler := pingpong.HandlerFunc(func(_ context.Context, _ *rpcinfo.ServerContext, req *message.Message) (message.EntryMessage, error) {
		handled <- req.Data.(*echoPayload).Text
		return nil, nil
	})
	tr := startEchoServer(t, handler)

	cx := rpcinfo.NewClientContext("ping", 0, protocol.MessageTypeOneWay)
	req := message.NewClient("ping", 0, protocol.MessageTypeOneWay, &echoPayload{Text: "notify"})
	resp, err := tr.Call(context.Background(), cx, req)
	require.NoError(t, err)
	a.Nil(resp)

	select {
	case text := <-handled:
		a.Equal("notify", text)
	case <-time.After(time.Second):
		t.Fatal("oneway request never reached the handler")
	}

	// the connection stays usable for regular calls afterwards
	cx = rpcinfo.NewClientContext("echo", 0, protocol.MessageTypeCall)
	req = message.NewClient("echo", 0, protocol.MessageTypeCall, &echoPayload{Text: "still alive"})
	resp, err = tr.Call(context.Background(), cx, req)
	require.NoError(t, err)
	a.Equal("still alive", resp.Data.(*echoPayload).Text)
}

func TestPeerCloseFailsPendingAndRefusesNewCalls(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	c1, c2 := net.Pipe()
	tr := NewTransport(transport.WrapConn(c1), protocol.KindBinary, echoFactory, zaptest.NewLogger(t))
	t.Cleanup(tr.Close)

	pendingErr := make(chan error, 1)
	go func() {
		cx := rpcinfo.NewClientContext("echo", 0, protocol.MessageTypeCall)
		req := message.NewClient("echo", 0, protocol.MessageTypeCall, &echoPayload{Text: "doomed"})
		_, err := tr.Call(context.Background(), cx, req)
		pendingErr <- err
	}()

	// absorb the request, then drop the connection
	buf := make([]byte, 4096)
	_, err := c2.Read(buf)
	require.NoError(t, err)
	c2.Close()

	select {
	case err := <-pendingErr:
		var te *rpcerror.Transport
		require.ErrorAs(t, err, &te)
	case <-time.After(time.Second):
		t.Fatal("pending call was not failed")
	}

	// poisoned transport refuses new sends immediately
	cx := rpcinfo.NewClientContext("echo", 0, protocol.MessageTypeCall)
	req := message.NewClient("echo", 0, protocol.MessageTypeCall, &echoPayload{Text: "refused"})
	_, err = tr.Call(context.Background(), cx, req)
	var te *rpcerror.Transport
	require.ErrorAs(t, err, &te)
	a.True(rpcerror.Retryable(err))
}

func TestCallTimeout(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	// a handler that answers long after the caller gave up
	handler := pingpong.HandlerFunc(func(context.Context, *rpcinfo.ServerContext, *message.Message) (message.EntryMessage, error) {
		time.Sleep(500 * time.Millisecond)
		return &echoPayload{Text: "late"}, nil
	})
	tr := startEchoServer(t, handler)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	cx := rpcinfo.NewClientContext("echo", 0, protocol.MessageTypeCall)
	req := message.NewClient("echo", 0, protocol.MessageTypeCall, &echoPayload{Text: "slow"})
	_, err := tr.Call(ctx, cx, req)

	var te *rpcerror.Transport
	require.ErrorAs(t, err, &te)
	a.Equal(rpcerror.TransportTimedOut, te.Kind)
}

func TestExceptionRepliesResolveCalls(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	handler := pingpong.HandlerFunc(func(_ context.Context, cx *rpcinfo.ServerContext, _ *message.Message) (message.EntryMessage, error) {
		if cx.SeqID%2 == 0 {
			return nil, rpcerror.NewApplication(rpcerror.ApplicationInternalError, "even calls fail")
		}
		return &echoPayload{Text: "odd"}, nil
	})
	tr := startEchoServer(t, handler)

	var okCount, failCount int
	for i := 0; i < 10; i++ {
		cx := rpcinfo.NewClientContext("echo", 0, protocol.MessageTypeCall)
		req := message.NewClient("echo", 0, protocol.MessageTypeCall, &echoPayload{Text: "x"})
		resp, err := tr.Call(context.Background(), cx, req)
		if err != nil {
			var app *rpcerror.Application
			require.ErrorAs(t, err, &app)
			a.Equal(rpcerror.ApplicationInternalError, app.Kind)
			failCount++
		} else {
			a.Equal("odd", resp.Data.(*echoPayload).Text)
			okCount++
		}
	}
	a.Equal(5, okCount)
	a.Equal(5, failCount)
}

func TestShutdownClosesConnection(t *testing.T) {
	t.Parallel()

	handler := pingpong.HandlerFunc(func(_ context.Context, _ *rpcinfo.ServerContext, req *message.Message) (message.EntryMessage, error) {
		return &echoPayload{Text: req.Data.(*echoPayload).Text}, nil
	})
	srv := NewServer(handler, echoFactory, zaptest.NewLogger(t), nil)
	c1, c2 := net.Pipe()
	served := make(chan struct{})
	go func() {
		srv.ServeConn(context.Background(), c2)
		close(served)
	}()

	tr := NewTransport(transport.WrapConn(c1), protocol.KindBinary, echoFactory, zaptest.NewLogger(t))
	t.Cleanup(tr.Close)

	cx := rpcinfo.NewClientContext("echo", 0, protocol.MessageTypeCall)
	req := message.NewClient("echo", 0, protocol.MessageTypeCall, &echoPayload{Text: "before"})
	_, err := tr.Call(context.Background(), cx, req)
	require.NoError(t, err)

	srv.Shutdown()

	// at most the request in flight when the flag is seen gets answered;
	// after that the server closes the connection and calls fail
	answered := 0
	for {
		callCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		cx := rpcinfo.NewClientContext("echo", 0, protocol.MessageTypeCall)
		req := message.NewClient("echo", 0, protocol.MessageTypeCall, &echoPayload{Text: "after"})
		_, err := tr.Call(callCtx, cx, req)
		cancel()
		if err != nil {
			var te *rpcerror.Transport
			require.ErrorAs(t, err, &te)
			break
		}
		answered++
		require.Less(t, answered, 3, "server kept answering after shutdown")
	}

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("serve loop did not exit after shutdown")
	}
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
	handler := pingpong.HandlerFunc(func(_ context.Context, _ *rpcinfo.ServerContext, req *message.Message) (message.EntryMessage, error) {
		return &echoPayload{Text: req.Data.(*echoPayload).Text}, nil
	})
	srv := NewServer(handler, echoFactory, zaptest.NewLogger(t), tracer)

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

func TestAbandonedCallReplyIsNotAnError(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	handler := pingpong.HandlerFunc(func(_ context.Context, _ *rpcinfo.ServerContext, req *message.Message) (message.EntryMessage, error) {
		time.Sleep(150 * time.Millisecond)
		return &echoPayload{Text: req.Data.(*echoPayload).Text}, nil
	})
	srv := NewServer(handler, echoFactory, zaptest.NewLogger(t), nil)
	c1, c2 := net.Pipe()
	go srv.ServeConn(context.Background(), c2)

	core, logs := observer.New(zap.DebugLevel)
	tr := NewTransport(transport.WrapConn(c1), protocol.KindBinary, echoFactory, zap.New(core))
	t.Cleanup(tr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	cx := rpcinfo.NewClientContext("echo", 0, protocol.MessageTypeCall)
	req := message.NewClient("echo", 0, protocol.MessageTypeCall, &echoPayload{Text: "slow"})
	_, err := tr.Call(ctx, cx, req)
	var te *rpcerror.Transport
	require.ErrorAs(t, err, &te)
	a.Equal(rpcerror.TransportTimedOut, te.Kind)

	// the late reply must be absorbed quietly, not reported as a
	// correlation bug
	deadline := time.Now().Add(time.Second)
	for logs.FilterMessage("reply for abandoned call").Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("late reply was never observed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	a.Zero(logs.FilterMessage("no pending call for reply").Len())
}

func TestRegistryForget(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	p := newShardedPending()
	a.True(p.Insert(9, make(chan result, 1)))
	p.Forget(9)

	_, ok := p.Remove(9)
	a.False(ok, "forgotten entry is gone from the pending set")
	a.True(p.WasForgotten(9))
	a.False(p.WasForgotten(9), "the record is consumed on first check")

	p.Forget(11)
	a.False(p.WasForgotten(11), "forget of an unknown seq id is a no-op")
}

func TestRegistryInsertRemove(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	p := newShardedPending()
	ch := make(chan result, 1)
	a.True(p.Insert(7, ch))
	a.False(p.Insert(7, ch), "duplicate sequence ids are refused")

	got, ok := p.Remove(7)
	a.True(ok)
	a.NotNil(got)

	_, ok = p.Remove(7)
	a.False(ok, "remove is exactly-once")

	for i := int32(0); i < 40; i++ {
		p.Insert(i, make(chan result, 1))
	}
	p.FailAll(rpcerror.NewTransport(rpcerror.TransportNotOpen, "closed"))
	_, ok = p.Remove(3)
	a.False(ok, "failed registry is empty")
}
