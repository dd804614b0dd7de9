// Package transport defines the connection provider boundary of the engine
// and a minimal TCP dialer. A production connection pool lives outside the
// engine and plugs in through Provider; Reuse is its hand-back hook.
package transport

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/ozontech/thriftrpc/consts"
	"github.com/ozontech/thriftrpc/rpcerror"
	"github.com/ozontech/thriftrpc/rpcinfo"
)

// Mode is the transport discipline a connection will be used under.
type Mode int

const (
	ModePingPong Mode = iota
	ModeMultiplex
)

func (m Mode) String() string {
	switch m {
	case ModeMultiplex:
		return "multiplex"
	default:
		return "pingpong"
	}
}

// Conn is a bidirectional connection plus the hand-back hooks. Reuse
// returns a healthy connection to its provider, Discard drops it. Exactly
// one of the two must be called once the caller is done.
type Conn interface {
	io.Reader
	io.Writer
	Reuse()
	Discard()
	RemoteAddr() net.Addr
	SetDeadline(t time.Time) error
}

// Provider hands out connections to a destination.
type Provider interface {
	MakeTransport(ctx context.Context, dest rpcinfo.Endpoint, mode Mode) (Conn, error)
}

// Dialer is the minimal Provider: a fresh TCP connection per call, both
// Reuse and Discard close it.
type Dialer struct {
	Timeout time.Duration
}

func (d *Dialer) MakeTransport(ctx context.Context, dest rpcinfo.Endpoint, _ Mode) (Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = consts.DefaultConnectTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var nd net.Dialer
	conn, err := nd.DialContext(dialCtx, "tcp", dest.Address)
	if err != nil {
		return nil, rpcerror.NewTransport(rpcerror.TransportNotOpen,
			"dial "+dest.Address+" failed: "+err.Error())
	}
	return &netConn{Conn: conn}, nil
}

type netConn struct {
	net.Conn
}

func (c *netConn) Reuse()   { _ = c.Close() }
func (c *netConn) Discard() { _ = c.Close() }

// WrapConn adapts a raw net.Conn (e.g. from net.Pipe or a test listener)
// into a Conn with close-on-hand-back semantics.
func WrapConn(c net.Conn) Conn { return &netConn{Conn: c} }
