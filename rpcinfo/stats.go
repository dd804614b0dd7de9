package rpcinfo

import "time"

// CommonStats records wall-clock instants around the read/decode/encode/
// write phases of one call. Observability only, never correctness.
type CommonStats struct {
	ReadStartAt   time.Time
	ReadEndAt     time.Time
	DecodeStartAt time.Time
	DecodeEndAt   time.Time
	EncodeStartAt time.Time
	EncodeEndAt   time.Time
	WriteStartAt  time.Time
	WriteEndAt    time.Time

	// sizes are known only on length-prefixed transports
	ReadSize  int
	WriteSize int
}

func (s *CommonStats) RecordReadStart()   { s.ReadStartAt = time.Now() }
func (s *CommonStats) RecordReadEnd()     { s.ReadEndAt = time.Now() }
func (s *CommonStats) RecordDecodeStart() { s.DecodeStartAt = time.Now() }
func (s *CommonStats) RecordDecodeEnd()   { s.DecodeEndAt = time.Now() }
func (s *CommonStats) RecordEncodeStart() { s.EncodeStartAt = time.Now() }
func (s *CommonStats) RecordEncodeEnd()   { s.EncodeEndAt = time.Now() }
func (s *CommonStats) RecordWriteStart()  { s.WriteStartAt = time.Now() }
func (s *CommonStats) RecordWriteEnd()    { s.WriteEndAt = time.Now() }

func (s *CommonStats) Reset() { *s = CommonStats{} }

// ClientStats times the transport acquisition on the client side.
type ClientStats struct {
	MakeTransportStartAt time.Time
	MakeTransportEndAt   time.Time
}

func (s *ClientStats) RecordMakeTransportStart() { s.MakeTransportStartAt = time.Now() }
func (s *ClientStats) RecordMakeTransportEnd()   { s.MakeTransportEndAt = time.Now() }
func (s *ClientStats) Reset()                    { *s = ClientStats{} }

// ServerStats times the handler invocation.
type ServerStats struct {
	ProcessStartAt time.Time
	ProcessEndAt   time.Time
}

func (s *ServerStats) RecordProcessStart() { s.ProcessStartAt = time.Now() }
func (s *ServerStats) RecordProcessEnd()   { s.ProcessEndAt = time.Now() }
func (s *ServerStats) Reset()              { *s = ServerStats{} }
