package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/thriftrpc/rpcinfo"
	"github.com/ozontech/thriftrpc/stats"
	"github.com/ozontech/thriftrpc/transport/multiplex"
	"github.com/ozontech/thriftrpc/transport/pingpong"
)

type server interface {
	Serve(ctx context.Context, l net.Listener) error
	Shutdown()
}

type ServeCommand struct {
	Addr         string `default:":9090" help:"Listen address."`
	MetricsAddr  string `default:":9091" help:"Prometheus metrics address."`
	MaxConns     int    `default:"1024" help:"Concurrent connections limit."`
	MaxFrameSize string `default:"16MiB" help:"Frame size limit (128KiB, 16MiB...)."`
	Multiplexed  bool   `help:"Serve with the multiplex discipline instead of pingpong."`
}

func (c *ServeCommand) Run(ctx context.Context) error {
	log := newLogger(CLI.Verbose)
	defer log.Sync() //nolint:errcheck

	maxFrame, err := humanize.ParseBytes(c.MaxFrameSize)
	if err != nil {
		return err
	}
	cfg := rpcinfo.DefaultConfig()
	cfg.MaxFrameSize = int32(maxFrame)

	reg := prometheus.NewRegistry()
	tracer := stats.NewPrometheus(reg).Tracer()

	var srv server
	if c.Multiplexed {
		s := multiplex.NewServer(EchoService{}, EchoFactory, log, tracer)
		s.Config = cfg
		srv = s
	} else {
		s := pingpong.NewServer(EchoService{}, EchoFactory, log, tracer)
		s.Config = cfg
		srv = s
	}

	l, err := net.Listen("tcp", c.Addr)
	if err != nil {
		return err
	}
	l = netutil.LimitListener(l, c.MaxConns)
	log.Info("serving",
		zap.String("addr", c.Addr),
		zap.String("metrics_addr", c.MetricsAddr),
		zap.Bool("multiplexed", c.Multiplexed))

	metrics := &http.Server{
		Addr:              c.MetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx, l)
	})
	g.Go(func() error {
		err := metrics.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		srv.Shutdown()
		_ = l.Close()
		return metrics.Shutdown(context.Background())
	})
	return g.Wait()
}
