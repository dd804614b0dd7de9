// Package stats exposes per-call observability: a Tracer hook invoked once
// per completed call, plus a Prometheus implementation of it.
package stats

import (
	"go.uber.org/zap"

	"github.com/ozontech/thriftrpc/rpcinfo"
)

// Tracer observes one completed call. It runs on the serving goroutine, so
// implementations must be fast and must not block.
type Tracer func(cx rpcinfo.Context)

// Trace invokes the tracer with a recover guard: a panicking tracer must
// not take the connection loop down with it.
func (t Tracer) Trace(cx rpcinfo.Context, log *zap.Logger) {
	if t == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil && log != nil {
			log.Error("tracer panicked", zap.Any("reason", r))
		}
	}()
	t(cx)
}

type statusKey struct{}

// SetStatus records the call outcome in the context extensions for tracers
// to pick up.
func SetStatus(cx rpcinfo.Context, status string) {
	cx.Extensions().Set(statusKey{}, status)
}

// Status returns the recorded call outcome, defaulting to "ok".
func Status(cx rpcinfo.Context) string {
	if v, ok := cx.Extensions().Get(statusKey{}); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return "ok"
}
