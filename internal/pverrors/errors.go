// Package pverrors defines the sentinel error taxonomy from spec.md §7,
// grouped by category (Protocol, Request, Transport, Auth, Fatal). Each
// sentinel is wrapped with context via fmt.Errorf("...: %w", ...) at the
// call site and compared with errors.Is, mirroring the typed sentinel-error
// pattern the teacher uses per subsystem (e.g. v4/state.NFS4StateError),
// generalized here to one flat taxonomy since PV Access has a single status
// type rather than one per protocol version.
package pverrors

import "errors"

// Protocol errors are fatal to the connection that produced them.
var (
	ErrBadMagic      = errors.New("pvaccess: bad magic byte")
	ErrBadVersion    = errors.New("pvaccess: unsupported protocol version")
	ErrShortFrame    = errors.New("pvaccess: short frame")
	ErrUnknownTypeID = errors.New("pvaccess: unknown introspection type id")
	ErrUnalignedData = errors.New("pvaccess: unaligned data")
)

// Request errors are reported through an operation's done callback; the
// request may be retried.
var (
	ErrInvalidRequest       = errors.New("pvaccess: invalid request")
	ErrChannelNotFound      = errors.New("pvaccess: channel not found")
	ErrOperationNotSupported = errors.New("pvaccess: operation not supported")
	ErrAlreadyInFlight      = errors.New("pvaccess: operation already in flight")
)

// Transport errors fan out to all operations on a connection.
var (
	ErrDisconnected = errors.New("pvaccess: disconnected")
	ErrTimeout      = errors.New("pvaccess: timeout")
	ErrUnresponsive = errors.New("pvaccess: peer unresponsive")
	ErrCancelled    = errors.New("pvaccess: cancelled")
)

// Auth errors reject the connection.
var (
	ErrAuthRejected = errors.New("pvaccess: authentication rejected")
)

// Fatal indicates a bug in the core itself, not a peer or caller error.
var (
	ErrInternal = errors.New("pvaccess: internal error")
)
