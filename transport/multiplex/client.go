// Package multiplex implements the many-in-flight transport discipline:
// concurrent calls share one connection, correlated by sequence id. A
// single writer goroutine serializes encodes, a reader goroutine resolves
// replies against the pending-call registry.
package multiplex

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ozontech/thriftrpc/codec"
	"github.com/ozontech/thriftrpc/message"
	"github.com/ozontech/thriftrpc/protocol"
	"github.com/ozontech/thriftrpc/rpcerror"
	"github.com/ozontech/thriftrpc/rpcinfo"
	"github.com/ozontech/thriftrpc/transport"
)

type call struct {
	cx   *rpcinfo.ClientContext
	msg  *message.Message
	sent chan error
}

// Transport multiplexes calls over one connection. Safe for concurrent
// use. A read or write error poisons it: all pending calls fail, new
// calls are refused, the connection is discarded and must not be pooled.
type Transport struct {
	conn transport.Conn
	log  *zap.Logger

	enc codec.Encoder // writer goroutine only
	dec codec.Decoder // reader goroutine only

	pending *shardedPending
	sendq   chan *call
	seq     atomic.Int32

	closed    chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error

	wg sync.WaitGroup
}

// NewTransport takes ownership of conn and starts the writer and reader
// goroutines.
func NewTransport(conn transport.Conn, proto protocol.Kind, factory message.Factory, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	enc, dec := codec.New(conn, conn, codec.Options{Protocol: proto, Factory: factory})
	t := &Transport{
		conn:    conn,
		log:     log.Named("multiplex"),
		enc:     enc,
		dec:     dec,
		pending: newShardedPending(),
		sendq:   make(chan *call),
		closed:  make(chan struct{}),
	}
	t.wg.Add(2)
	go t.writeLoop()
	go t.readLoop()
	return t
}

// Call sends req and awaits the matching reply. The sequence id the caller
// put in req is replaced with a transport-unique one.
func (t *Transport) Call(ctx context.Context, cx *rpcinfo.ClientContext, req *message.Message) (*message.Message, error) {
	seq := t.seq.Add(1)
	cx.SeqID = seq
	req.Meta.SeqID = seq
	oneway := req.Meta.Type == protocol.MessageTypeOneWay

	var replyCh chan result
	if !oneway {
		replyCh = make(chan result, 1)
		if !t.pending.Insert(seq, replyCh) {
			return nil, rpcerror.NewApplicationf(rpcerror.ApplicationBadSequenceID,
				"duplicate in-flight sequence id %d", seq)
		}
	}
	cleanup := func() {
		if !oneway {
			t.pending.Remove(seq)
		}
	}
	// abandoning marks the seq id so its late reply is not mistaken for a
	// correlation bug
	abandon := func() {
		if !oneway {
			t.pending.Forget(seq)
		}
	}

	c := &call{cx: cx, msg: req, sent: make(chan error, 1)}
	select {
	case t.sendq <- c:
	case <-t.closed:
		cleanup()
		return nil, t.failure()
	case <-ctx.Done():
		cleanup()
		return nil, ctxError(ctx)
	}

	select {
	case err := <-c.sent:
		if err != nil {
			cleanup()
			return nil, err
		}
	case <-t.closed:
		cleanup()
		return nil, t.failure()
	case <-ctx.Done():
		abandon()
		return nil, ctxError(ctx)
	}
	if oneway {
		return nil, nil
	}

	select {
	case res := <-replyCh:
		return res.msg, res.err
	case <-ctx.Done():
		abandon()
		return nil, ctxError(ctx)
	case <-t.closed:
		// the reader may have resolved this call right before closing
		select {
		case res := <-replyCh:
			return res.msg, res.err
		default:
		}
		cleanup()
		return nil, t.failure()
	}
}

// Close poisons the transport and waits for both loops to stop.
func (t *Transport) Close() {
	t.poison(rpcerror.NewTransport(rpcerror.TransportNotOpen, "multiplex transport closed"))
	t.wg.Wait()
}

func (t *Transport) writeLoop() {
	defer t.wg.Done()
	for {
		select {
		case c := <-t.sendq:
			err := t.enc.Encode(c.cx, c.msg)
			c.sent <- err
			if err != nil {
				t.poison(err)
				return
			}
		case <-t.closed:
			return
		}
	}
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	// a private context: reply headers carry everything needed to resolve
	readCx := rpcinfo.NewClientContext("", 0, protocol.MessageTypeReply)
	for {
		readCx.CommonStats.Reset()
		msg, err := t.dec.Decode(readCx)
		if err != nil {
			t.poison(err)
			return
		}
		if msg == nil {
			t.poison(rpcerror.NewTransport(rpcerror.TransportEndOfFile, "unexpected end of file"))
			return
		}

		ch, ok := t.pending.Remove(msg.Meta.SeqID)
		if !ok {
			if t.pending.WasForgotten(msg.Meta.SeqID) {
				t.log.Debug("reply for abandoned call",
					zap.Int32("seq_id", msg.Meta.SeqID),
					zap.String("method", msg.Meta.Method))
			} else {
				// a reply that never had a call is a correlation bug
				t.log.Error("no pending call for reply",
					zap.Int32("seq_id", msg.Meta.SeqID),
					zap.String("method", msg.Meta.Method))
			}
			continue
		}
		if msg.Err != nil {
			ch <- result{err: msg.Err}
		} else {
			ch <- result{msg: msg}
		}
	}
}

func (t *Transport) poison(err error) {
	t.closeOnce.Do(func() {
		t.errMu.Lock()
		t.err = err
		t.errMu.Unlock()

		close(t.closed)
		t.conn.Discard()
		t.pending.FailAll(err)
	})
}

func (t *Transport) failure() error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	if t.err != nil {
		return t.err
	}
	return rpcerror.NewTransport(rpcerror.TransportNotOpen, "multiplex transport closed")
}

func ctxError(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return rpcerror.NewTransport(rpcerror.TransportTimedOut, "rpc timeout")
	}
	return rpcerror.NewTransport(rpcerror.TransportUnknown, "rpc canceled: "+ctx.Err().Error())
}
