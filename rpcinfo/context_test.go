package rpcinfo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ozontech/thriftrpc/consts"
	"github.com/ozontech/thriftrpc/protocol"
)

func TestServerContextHandleDecodedMeta(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cx := NewServerContext()
	cx.HandleDecodedMeta(protocol.MessageIdentifier{
		Name:  "echo",
		Type:  protocol.MessageTypeCall,
		SeqID: 7,
	})

	a.Equal("echo", cx.RPCMethod())
	a.Equal(int32(7), cx.SequenceID())
	a.False(cx.OneWay())

	cx.HandleDecodedMeta(protocol.MessageIdentifier{
		Name:  "notify",
		Type:  protocol.MessageTypeOneWay,
		SeqID: 8,
	})
	a.True(cx.OneWay())
}

func TestServerContextResetPreservesConfig(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cx := NewServerContext()
	cx.Config.MaxFrameSize = 1 << 10
	cx.Method = "echo"
	cx.SeqID = 42
	cx.ConnReset = true
	cx.Ext.SetProtocol(protocol.KindApacheCompact)
	cx.Ext.SetFramed(true)
	cx.Ext.SetConnReset(true)
	cx.Ext.Set("k", "v")
	cx.CommonStats.RecordReadStart()
	cx.ServerStats.RecordProcessStart()

	cx.Reset()

	a.Equal(int32(1<<10), cx.Config.MaxFrameSize)
	a.Empty(cx.Method)
	a.Zero(cx.SeqID)
	a.False(cx.ConnReset)
	a.Equal(protocol.KindUnknown, cx.Ext.Protocol())
	framed, known := cx.Ext.Framed()
	a.False(framed)
	a.False(known)
	a.False(cx.Ext.ConnReset())
	_, ok := cx.Ext.Get("k")
	a.False(ok)
	a.True(cx.CommonStats.ReadStartAt.IsZero())
	a.True(cx.ServerStats.ProcessStartAt.IsZero())
}

func TestContextPoolRecycles(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	p := NewContextPool()
	cx := p.Acquire()
	cx.Method = "echo"
	cx.Ext.SetFramed(true)
	p.Release(cx)

	got := p.Acquire()
	a.Same(cx, got)
	a.Empty(got.Method)
	_, known := got.Ext.Framed()
	a.False(known)
}

func TestClientContextReset(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cx := NewClientContext("echo", 1, protocol.MessageTypeCall)
	cx.ShouldReuse = false
	cx.Ext.SetProtocol(protocol.KindBinary)
	cx.CommonStats.RecordWriteEnd()
	cx.ClientStats.RecordMakeTransportStart()

	cx.Reset("ping", 2, protocol.MessageTypeOneWay)

	a.Equal("ping", cx.RPCMethod())
	a.Equal(int32(2), cx.SequenceID())
	a.Equal(protocol.MessageTypeOneWay, cx.MessageKind())
	a.True(cx.ShouldReuse)
	a.Equal(protocol.KindUnknown, cx.Ext.Protocol())
	a.True(cx.CommonStats.WriteEndAt.IsZero())
	a.True(cx.ClientStats.MakeTransportStartAt.IsZero())
}

func TestMaxFrameSizeFallsBackToDefault(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	cx := NewClientContext("echo", 1, protocol.MessageTypeCall)
	a.Equal(int32(consts.DefaultMaxFrameSize), cx.MaxFrameSize())

	cx.Config.MaxFrameSize = 0
	a.Equal(int32(consts.DefaultMaxFrameSize), cx.MaxFrameSize())

	cx.Config.MaxFrameSize = 512
	a.Equal(int32(512), cx.MaxFrameSize())
}
