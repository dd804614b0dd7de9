package multiplex

import (
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/thriftrpc/codec"
	"github.com/ozontech/thriftrpc/consts"
	"github.com/ozontech/thriftrpc/message"
	"github.com/ozontech/thriftrpc/rpcerror"
	"github.com/ozontech/thriftrpc/rpcinfo"
	"github.com/ozontech/thriftrpc/stats"
	"github.com/ozontech/thriftrpc/transport/pingpong"
)

// reply pairs an encoded-ready envelope with the context of its request.
type reply struct {
	cx  *rpcinfo.ServerContext
	msg *message.Message
}

// Server handles each decoded request on its own goroutine; replies funnel
// through a bounded channel into the single encoder goroutine, so writes
// stay serialized while handlers run concurrently.
type Server struct {
	// Config is snapshotted into every request context. Set before Serve.
	Config rpcinfo.Config

	handler pingpong.Handler
	factory message.Factory
	log     *zap.Logger
	tracer  stats.Tracer
	pool    *rpcinfo.ContextPool
	done    chan struct{}
}

func NewServer(handler pingpong.Handler, factory message.Factory, log *zap.Logger, tracer stats.Tracer) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		Config:  rpcinfo.DefaultConfig(),
		handler: handler,
		factory: factory,
		log:     log.Named("multiplex"),
		tracer:  tracer,
		pool:    rpcinfo.NewContextPool(),
		done:    make(chan struct{}),
	}
}

// Shutdown flags the server; in-flight requests finish, their replies are
// marked conn-reset, connections close after draining.
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

// Serve accepts connections until the listener is closed.
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

// ServeConn decodes requests in a loop and dispatches each to its own
// goroutine. It returns once the peer is done or the connection fails.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := s.log.With(zap.Stringer("remote", conn.RemoteAddr()))

	enc, dec := codec.New(conn, conn, codec.Options{Factory: s.factory})
	replies := make(chan reply, consts.ReplyChannelSize)
	fatal := make(chan reply, 1)

	encoderDone := make(chan struct{})
	go s.encodeLoop(enc, replies, fatal, log, encoderDone)

	var handlers sync.WaitGroup
	for {
		cx := s.pool.Acquire()
		cx.Config = s.Config
		req, err := dec.Decode(cx)
		if err != nil {
			s.deliverFatal(fatal, cx, err, log)
			break
		}
		if req == nil {
			s.pool.Release(cx)
			break
		}
		shutdown := s.shuttingDown()
		if shutdown {
			cx.ConnReset = true
			cx.Ext.SetConnReset(true)
		}

		handlers.Add(1)
		go func() {
			defer handlers.Done()
			s.handleOne(ctx, cx, req, replies, log)
		}()
		if shutdown {
			// the conn-reset reply is the last one; stop decoding, drain
			// the in-flight handlers and close
			break
		}
	}

	handlers.Wait()
	close(replies)
	<-encoderDone
}

func (s *Server) handleOne(ctx context.Context, cx *rpcinfo.ServerContext, req *message.Message, replies chan<- reply, log *zap.Logger) {
	cx.ServerStats.RecordProcessStart()
	resp, herr := s.handler.Handle(ctx, cx, req)
	cx.ServerStats.RecordProcessEnd()

	if herr != nil {
		stats.SetStatus(cx, "error")
	}
	if cx.OneWay() {
		s.tracer.Trace(cx, log)
		s.pool.Release(cx)
		return
	}
	msg := message.NewServerReply(cx.Method, cx.SeqID, resp, herr)
	cx.MessageType = msg.Meta.Type
	replies <- reply{cx: cx, msg: msg}
}

// deliverFatal hands the terminal decode error to the encoder so a
// well-formed exception goes out before teardown. Transport errors have no
// wire form and are only logged.
func (s *Server) deliverFatal(fatal chan<- reply, cx *rpcinfo.ServerContext, err error, log *zap.Logger) {
	stats.SetStatus(cx, "decode_error")

	var te *rpcerror.Transport
	if errors.As(err, &te) {
		log.Warn("decode failed", zap.Error(err))
		s.tracer.Trace(cx, log)
		s.pool.Release(cx)
		return
	}
	log.Warn("decode failed, replying with exception", zap.Error(err))

	msg := message.NewServerReply(cx.Method, cx.SeqID, nil, err)
	cx.MessageType = msg.Meta.Type
	select {
	case fatal <- reply{cx: cx, msg: msg}:
	default:
		s.tracer.Trace(cx, log)
		s.pool.Release(cx)
	}
}

// encodeLoop is the only writer on the connection. It drains replies until
// the channel closes, then delivers the terminal error reply if one is
// queued.
func (s *Server) encodeLoop(enc codec.Encoder, replies <-chan reply, fatal <-chan reply, log *zap.Logger, done chan<- struct{}) {
	defer close(done)

	flush := func(r reply) {
		if err := enc.Encode(r.cx, r.msg); err != nil {
			log.Warn("encode failed", zap.Error(err))
		}
		s.tracer.Trace(r.cx, log)
		s.pool.Release(r.cx)
	}

	for r := range replies {
		flush(r)
	}
	select {
	case r := <-fatal:
		flush(r)
	default:
	}
}
