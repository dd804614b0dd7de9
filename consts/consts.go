package consts

import "time"

const (
	// DefaultMaxFrameSize is the framed-transport payload limit.
	// https://github.com/apache/thrift/blob/master/doc/specs/thrift-rpc.md#framed-vs-unframed-transport
	DefaultMaxFrameSize = 16 * 1024 * 1024

	// ZeroCopyThreshold - binary/string payloads at or above this length are
	// referenced instead of copied into the output buffer.
	ZeroCopyThreshold = 4 * 1024

	FrameHeaderSize = 4

	// ProtocolDetectLength - 1-byte protocol id.
	ProtocolDetectLength = 1
	// FramedDetectLength - 4-byte frame length plus 2 bytes of protocol id.
	FramedDetectLength = 6

	ReplyChannelSize = 1024

	DefaultRPCTimeout     = time.Second
	DefaultConnectTimeout = 50 * time.Millisecond

	ContextPoolSize = 128
)
