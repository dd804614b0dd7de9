package pingpong

import (
	"context"
	"errors"
	"net"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/thriftrpc/codec"
	"github.com/ozontech/thriftrpc/message"
	"github.com/ozontech/thriftrpc/rpcerror"
	"github.com/ozontech/thriftrpc/rpcinfo"
	"github.com/ozontech/thriftrpc/stats"
)

// Handler processes one decoded request and produces the reply payload.
type Handler interface {
	Handle(ctx context.Context, cx *rpcinfo.ServerContext, req *message.Message) (message.EntryMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, cx *rpcinfo.ServerContext, req *message.Message) (message.EntryMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, cx *rpcinfo.ServerContext, req *message.Message) (message.EntryMessage, error) {
	return f(ctx, cx, req)
}

// Server serves connections serially: decode, handle, reply, repeat.
type Server struct {
	// Config is snapshotted into every request context. Set before Serve.
	Config rpcinfo.Config

	handler Handler
	factory message.Factory
	log     *zap.Logger
	tracer  stats.Tracer
	pool    *rpcinfo.ContextPool
	done    chan struct{}
}

func NewServer(handler Handler, factory message.Factory, log *zap.Logger, tracer stats.Tracer) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		Config:  rpcinfo.DefaultConfig(),
		handler: handler,
		factory: factory,
		log:     log.Named("pingpong"),
		tracer:  tracer,
		pool:    rpcinfo.NewContextPool(),
		done:    make(chan struct{}),
	}
}

// Shutdown flags the server: each connection finishes its current exchange,
// marks the reply conn-reset and closes.
func (s *Server) Shutdown() {
	close(s.done)
}

func (s *Server) shuttingDown() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Serve accepts connections until the listener is closed, serving each on
// its own goroutine.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			return multierr.Append(err, g.Wait())
		}
		g.Go(func() error {
			s.ServeConn(ctx, conn)
			return nil
		})
	}
}

// ServeConn runs the pingpong loop on one connection until clean EOF, an
// unrecoverable error or shutdown.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := s.log.With(zap.Stringer("remote", conn.RemoteAddr()))

	enc, dec := codec.New(conn, conn, codec.Options{Factory: s.factory})
	for {
		shutdown := s.shuttingDown()

		cx := s.pool.Acquire()
		cx.Config = s.Config
		req, err := dec.Decode(cx)
		if err != nil {
			s.replyDecodeError(enc, cx, err, log)
			s.tracer.Trace(cx, log)
			s.pool.Release(cx)
			return
		}
		if req == nil {
			// clean EOF, the peer is done with the connection
			s.pool.Release(cx)
			return
		}
		if shutdown {
			cx.ConnReset = true
			cx.Ext.SetConnReset(true)
		}

		closing, err := s.handleOne(ctx, cx, enc, req)
		s.tracer.Trace(cx, log)
		s.pool.Release(cx)
		if err != nil {
			log.Warn("connection closed on error", zap.Error(err))
			return
		}
		if closing || shutdown {
			return
		}
	}
}

// handleOne invokes the handler and writes the reply. The returned error
// is terminal for the connection; closing asks for a close after a
// successfully written reply.
func (s *Server) handleOne(ctx context.Context, cx *rpcinfo.ServerContext, enc codec.Encoder, req *message.Message) (closing bool, err error) {
	cx.ServerStats.RecordProcessStart()
	resp, herr := s.handler.Handle(ctx, cx, req)
	cx.ServerStats.RecordProcessEnd()

	if herr != nil {
		stats.SetStatus(cx, "error")
	}
	if cx.OneWay() {
		// oneway requests are never answered, not even with an error
		return false, nil
	}
	reply := message.NewServerReply(cx.Method, cx.SeqID, resp, herr)
	cx.MessageType = reply.Meta.Type
	if err := enc.Encode(cx, reply); err != nil {
		return false, err
	}
	return herr != nil, nil
}

// replyDecodeError answers a malformed request with a well-formed
// exception when the failure is not transport-level, then lets the
// connection close.
func (s *Server) replyDecodeError(enc codec.Encoder, cx *rpcinfo.ServerContext, err error, log *zap.Logger) {
	stats.SetStatus(cx, "decode_error")

	var te *rpcerror.Transport
	if errors.As(err, &te) {
		log.Warn("decode failed", zap.Error(err))
		return
	}
	log.Warn("decode failed, replying with exception", zap.Error(err))

	reply := message.NewServerReply(cx.Method, cx.SeqID, nil, err)
	cx.MessageType = reply.Meta.Type
	if encErr := enc.Encode(cx, reply); encErr != nil {
		log.Warn("exception reply failed", zap.Error(encErr))
	}
}
