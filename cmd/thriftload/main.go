package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	mangokong "github.com/alecthomas/mango-kong"
	"go.uber.org/zap"
)

var CLI struct {
	Serve   ServeCommand      `cmd:"" help:"Run the echo server."`
	Call    CallCommand       `cmd:"" help:"Send echo calls to a server."`
	Man     mangokong.ManFlag `help:"Write man page." hidden:""`
	Verbose bool              `help:"Verbose output."`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(
		&CLI,
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.ConfigureHelp(kong.HelpOptions{
			Tree:    true,
			Compact: true,
		}),
		kong.Description(`thrift rpc interop tool

Runs an echo service over the raw thrift wire protocols and generates
pingpong or multiplexed calls against it.
		`),
	)
	err := kongCtx.Run()
	kongCtx.FatalIfErrorf(err)
}

func newLogger(verbose bool) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	log, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return log
}
