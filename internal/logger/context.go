package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

// logContextKey is the key for LogContext in context.Context
var logContextKey = contextKey{}

// LogContext holds request-scoped logging context
type LogContext struct {
	TraceID      string    // OpenTelemetry-style trace ID
	SpanID       string    // OpenTelemetry-style span ID
	Command      string    // wire command name (Get, Put, Monitor, Search, ...)
	Channel      string    // channel name
	ConnectionID uint64    // TCP connection identifier
	ChannelID    uint32    // server-assigned SID, or client-side channel handle ID
	RequestID    uint32    // operation request ID
	StartTime    time.Time // for duration calculation
}

// WithContext returns a new context with the given LogContext
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from context, or nil if not present
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a new LogContext for a connection.
func NewLogContext(connectionID uint64) *LogContext {
	return &LogContext{
		ConnectionID: connectionID,
		StartTime:    time.Now(),
	}
}

// Clone creates a copy of the LogContext
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	clone := *lc
	return &clone
}

// WithCommand returns a copy with the wire command set
func (lc *LogContext) WithCommand(command string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Command = command
	}
	return clone
}

// WithChannel returns a copy with the channel name and ID set
func (lc *LogContext) WithChannel(name string, channelID uint32) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Channel = name
		clone.ChannelID = channelID
	}
	return clone
}

// WithRequest returns a copy with the operation request ID set
func (lc *LogContext) WithRequest(requestID uint32) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.RequestID = requestID
	}
	return clone
}

// WithTrace returns a copy with trace info set
func (lc *LogContext) WithTrace(traceID, spanID string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.TraceID = traceID
		clone.SpanID = spanID
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
