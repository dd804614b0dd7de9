package main

import (
	"context"
	"crypto/rand"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/thriftrpc/message"
	"github.com/ozontech/thriftrpc/protocol"
	"github.com/ozontech/thriftrpc/rpcinfo"
	"github.com/ozontech/thriftrpc/transport"
	"github.com/ozontech/thriftrpc/transport/multiplex"
	"github.com/ozontech/thriftrpc/transport/pingpong"
)

type CallCommand struct {
	Addr        string        `arg:"" required:"" help:"Server address."`
	Text        string        `default:"hello" help:"Echo text."`
	PayloadSize string        `default:"0" help:"Random payload size per request (4KiB, 1MiB...)."`
	Count       int           `default:"1" help:"Requests to send."`
	Concurrency int           `default:"1" help:"Concurrent callers (multiplexed mode shares one connection)."`
	Multiplexed bool          `help:"Use the multiplex discipline."`
	Compact     bool          `help:"Use the compact protocol instead of binary."`
	Oneway      bool          `help:"Send oneway pings instead of echo calls."`
	Timeout     time.Duration `default:"1s" help:"Per-call timeout."`
}

func (c *CallCommand) Run(ctx context.Context) error {
	log := newLogger(CLI.Verbose)
	defer log.Sync() //nolint:errcheck

	proto := protocol.KindBinary
	if c.Compact {
		proto = protocol.KindApacheCompact
	}
	payloadSize, err := humanize.ParseBytes(c.PayloadSize)
	if err != nil {
		return err
	}
	payload := make([]byte, payloadSize)
	if _, err := rand.Read(payload); err != nil {
		return err
	}

	dest := rpcinfo.Endpoint{ServiceName: "echo", Address: c.Addr}
	method, msgType := methodEcho, protocol.MessageTypeCall
	if c.Oneway {
		method, msgType = methodPing, protocol.MessageTypeOneWay
	}

	start := time.Now()
	var done atomic.Int64

	call := func(ctx context.Context, cx *rpcinfo.ClientContext, doCall func(context.Context, *rpcinfo.ClientContext, *message.Message) (*message.Message, error)) error {
		callCtx, cancel := context.WithTimeout(ctx, c.Timeout)
		defer cancel()

		req := message.NewClient(method, cx.SeqID, msgType, &EchoRequest{Text: c.Text, Payload: payload})
		resp, err := doCall(callCtx, cx, req)
		if err != nil {
			return err
		}
		done.Add(1)
		if resp != nil {
			log.Debug("reply", zap.String("text", resp.Data.(*EchoReply).Text))
		}
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	if c.Multiplexed {
		dialer := &transport.Dialer{}
		conn, err := dialer.MakeTransport(ctx, dest, transport.ModeMultiplex)
		if err != nil {
			return err
		}
		tr := multiplex.NewTransport(conn, proto, EchoFactory, log)
		defer tr.Close()

		perWorker := c.Count / c.Concurrency
		for w := 0; w < c.Concurrency; w++ {
			g.Go(func() error {
				for i := 0; i < perWorker; i++ {
					cx := rpcinfo.NewClientContext(method, 0, msgType)
					cx.Callee = dest
					if err := call(ctx, cx, tr.Call); err != nil {
						return err
					}
				}
				return nil
			})
		}
	} else {
		for w := 0; w < c.Concurrency; w++ {
			g.Go(func() error {
				client := pingpong.NewClient(&transport.Dialer{}, proto, EchoFactory, log)
				var seq int32
				for i := 0; i < c.Count/c.Concurrency; i++ {
					seq++
					cx := rpcinfo.NewClientContext(method, seq, msgType)
					cx.Callee = dest
					if err := call(ctx, cx, client.Call); err != nil {
						return err
					}
				}
				return nil
			})
		}
	}
	err = g.Wait()

	log.Info("finished",
		zap.Int64("calls", done.Load()),
		zap.Duration("elapsed", time.Since(start)))
	return err
}
