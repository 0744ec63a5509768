package logger

import (
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements for log aggregation and querying.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"

	// ========================================================================
	// Wire protocol
	// ========================================================================
	KeyCommand   = "command"    // wire command name: Get, Put, Monitor, Search, ...
	KeySubcmd    = "subcommand" // data-operation subcommand bitfield
	KeyRole      = "role"       // client or server
	KeyByteOrder = "byte_order" // big or little

	// ========================================================================
	// Channel & operation identity
	// ========================================================================
	KeyChannel      = "channel"       // channel name
	KeyChannelID    = "channel_id"    // server-assigned SID or client channel handle
	KeyRequestID    = "request_id"    // operation request ID
	KeyOperation    = "operation"     // operation kind: Get, Put, PutGet, Process, RPC, Array, Monitor
	KeyConnectionID = "connection_id" // TCP connection identifier
	KeyProvider     = "provider"      // channel provider name

	// ========================================================================
	// Status & errors
	// ========================================================================
	KeyStatus    = "status"     // status type: OK, WARNING, ERROR, FATAL
	KeyStatusMsg = "status_msg" // human-readable status message
	KeyError     = "error"      // error message
	KeyErrorCode = "error_code" // numeric/sentinel error code

	// ========================================================================
	// Search & beacon
	// ========================================================================
	KeyBucket    = "bucket"     // search back-off bucket index
	KeyAttempt   = "attempt"    // search attempt counter
	KeyGUID      = "guid"       // 12-byte server GUID (hex)
	KeyRTTMillis = "rtt_millis" // estimated round-trip time

	// ========================================================================
	// Monitor FIFO
	// ========================================================================
	KeyQueueDepth = "queue_depth" // elements currently posted
	KeyFreeCount  = "free_count"  // elements available for post
	KeyFlowCount  = "flow_count"  // pipeline credit

	// ========================================================================
	// Network
	// ========================================================================
	KeyClientAddr = "client_addr" // remote address (host:port)
	KeyLocalAddr  = "local_addr"  // local bind address

	// ========================================================================
	// Operation metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // operation duration in milliseconds
	KeyPayloadLen = "payload_len" // wire payload length in bytes
)

// TraceID returns a slog.Attr for a trace ID.
func TraceID(id string) slog.Attr { return slog.String(KeyTraceID, id) }

// SpanID returns a slog.Attr for a span ID.
func SpanID(id string) slog.Attr { return slog.String(KeySpanID, id) }

// Command returns a slog.Attr for the wire command name.
func Command(cmd string) slog.Attr { return slog.String(KeyCommand, cmd) }

// Role returns a slog.Attr for client/server role.
func Role(role string) slog.Attr { return slog.String(KeyRole, role) }

// Channel returns a slog.Attr for a channel name.
func Channel(name string) slog.Attr { return slog.String(KeyChannel, name) }

// ChannelID returns a slog.Attr for a channel/SID.
func ChannelID(id uint32) slog.Attr { return slog.Any(KeyChannelID, id) }

// RequestID returns a slog.Attr for an operation request ID.
func RequestID(id uint32) slog.Attr { return slog.Any(KeyRequestID, id) }

// Operation returns a slog.Attr for the operation kind.
func Operation(kind string) slog.Attr { return slog.String(KeyOperation, kind) }

// ConnectionID returns a slog.Attr for a connection identifier.
func ConnectionID(id uint64) slog.Attr { return slog.Uint64(KeyConnectionID, id) }

// Provider returns a slog.Attr for a channel provider name.
func Provider(name string) slog.Attr { return slog.String(KeyProvider, name) }

// Status returns a slog.Attr for a status type string.
func Status(statusType string) slog.Attr { return slog.String(KeyStatus, statusType) }

// StatusMsg returns a slog.Attr for a human-readable status message.
func StatusMsg(msg string) slog.Attr { return slog.String(KeyStatusMsg, msg) }

// Err returns a slog.Attr for an error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// ErrorCode returns a slog.Attr for a sentinel/numeric error code.
func ErrorCode(code string) slog.Attr { return slog.String(KeyErrorCode, code) }

// Bucket returns a slog.Attr for a search back-off bucket index.
func Bucket(idx int) slog.Attr { return slog.Int(KeyBucket, idx) }

// Attempt returns a slog.Attr for a search attempt counter.
func Attempt(n int) slog.Attr { return slog.Int(KeyAttempt, n) }

// GUID returns a slog.Attr for a 12-byte server GUID, hex-encoded by the caller.
func GUID(hex string) slog.Attr { return slog.String(KeyGUID, hex) }

// RTTMillis returns a slog.Attr for an estimated round-trip time.
func RTTMillis(ms float64) slog.Attr { return slog.Float64(KeyRTTMillis, ms) }

// QueueDepth returns a slog.Attr for monitor queue depth.
func QueueDepth(n int) slog.Attr { return slog.Int(KeyQueueDepth, n) }

// FreeCount returns a slog.Attr for monitor free-element count.
func FreeCount(n int) slog.Attr { return slog.Int(KeyFreeCount, n) }

// FlowCount returns a slog.Attr for pipeline flow credit.
func FlowCount(n int) slog.Attr { return slog.Int(KeyFlowCount, n) }

// ClientAddr returns a slog.Attr for a remote address.
func ClientAddr(addr string) slog.Attr { return slog.String(KeyClientAddr, addr) }

// LocalAddr returns a slog.Attr for a local bind address.
func LocalAddr(addr string) slog.Attr { return slog.String(KeyLocalAddr, addr) }

// DurationMs returns a slog.Attr for a duration in milliseconds.
func DurationMs(ms float64) slog.Attr { return slog.Float64(KeyDurationMs, ms) }

// PayloadLen returns a slog.Attr for a wire payload length.
func PayloadLen(n int) slog.Attr { return slog.Int(KeyPayloadLen, n) }
