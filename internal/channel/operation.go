package channel

import (
	"fmt"
	"sync"

	"github.com/epics-go/pvaccess/internal/pverrors"
)

// OpState is an operation's lifecycle state, the common shape shared by
// Get/Put/PutGet/Process/RPC/Array/Monitor per spec.md §4.7.
type OpState int

const (
	OpCreated OpState = iota
	OpReady
	OpInFlight
	OpDestroyed
)

func (s OpState) String() string {
	switch s {
	case OpCreated:
		return "Created"
	case OpReady:
		return "Ready"
	case OpInFlight:
		return "InFlight"
	case OpDestroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// Operation is the generic per-request state machine a channel hangs
// Get/Put/PutGet/Process/RPC/Array/Monitor operations off of. Callers
// embed it and supply the hooks it invokes at each transition; the type-
// specific request/done payload shapes live one layer up.
type Operation struct {
	id      uint32
	channel *Channel

	mu          sync.Mutex
	state       OpState
	lastRequest bool

	// OnInit is called once to send the init request after the channel
	// assigns this operation an id; the caller reports the result back
	// via InitDone.
	OnInit func()
	// OnReinitialize is called when a reconnect brings this operation
	// back to life after a disconnect, per spec.md §4.6.
	OnReinitialize func()
	// OnChannelDisconnected marks the operation inactive without
	// destroying it, per spec.md §4.6.
	OnChannelDisconnected func()
	// OnDestroyed is invoked exactly once, regardless of the path that
	// led to destruction, per spec.md §4.7's invariant.
	OnDestroyed func()

	destroyOnce sync.Once
}

// NewOperation returns an operation in the Created state. Call
// (*Channel).AddOperation to bind it to a channel and assign its id.
func NewOperation() *Operation {
	return &Operation{state: OpCreated}
}

// ID returns the operation's channel-scoped id.
func (o *Operation) ID() uint32 { return o.id }

// State returns the operation's current lifecycle state.
func (o *Operation) State() OpState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Start fires OnInit if set, transitioning Created toward the init
// round-trip. Called once the operation has been registered with a
// channel (AddOperation) and the channel is Connected.
func (o *Operation) Start() {
	if o.OnInit != nil {
		o.OnInit()
	}
}

// InitDone reports the init round-trip's result: ok transitions
// Created -> Ready; failure transitions Created -> Destroyed.
func (o *Operation) InitDone(ok bool) {
	o.mu.Lock()
	if o.state != OpCreated {
		o.mu.Unlock()
		return
	}
	if ok {
		o.state = OpReady
		o.mu.Unlock()
		return
	}
	o.state = OpDestroyed
	o.mu.Unlock()
	o.fireDestroyed()
}

// BeginMethod transitions Ready -> InFlight for one method invocation
// (get/put/process/request/...). It returns ErrAlreadyInFlight if a
// prior call's done callback has not yet fired, per spec.md §4.7's
// "at most one in-flight method call" invariant. lastRequest piggy-backs
// the last_request flag: once the in-flight call's MethodDone fires, the
// operation destroys itself.
func (o *Operation) BeginMethod(lastRequest bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == OpDestroyed {
		return fmt.Errorf("operation: %w", pverrors.ErrChannelNotFound)
	}
	if o.state != OpReady {
		return fmt.Errorf("operation: %w", pverrors.ErrAlreadyInFlight)
	}
	o.state = OpInFlight
	o.lastRequest = lastRequest
	return nil
}

// MethodDone reports a method's done callback has fired. It transitions
// InFlight back to Ready, unless lastRequest was set on BeginMethod, in
// which case the operation destroys itself immediately afterward, per
// spec.md §4.7.
func (o *Operation) MethodDone() {
	o.mu.Lock()
	if o.state != OpInFlight {
		o.mu.Unlock()
		return
	}
	last := o.lastRequest
	if last {
		o.state = OpDestroyed
		o.mu.Unlock()
		o.fireDestroyed()
		return
	}
	o.state = OpReady
	o.mu.Unlock()
}

// channelDisconnected marks the operation inactive (Ready/InFlight ->
// Ready, staying bound but not destroyed) and fires
// OnChannelDisconnected, per spec.md §4.6.
func (o *Operation) channelDisconnected() {
	o.mu.Lock()
	if o.state == OpDestroyed {
		o.mu.Unlock()
		return
	}
	o.state = OpReady
	o.mu.Unlock()
	if o.OnChannelDisconnected != nil {
		o.OnChannelDisconnected()
	}
}

// reinitialize re-runs the init round-trip after a reconnect, per
// spec.md §4.6's "auto-reinitialize on the next CONNECTED transition".
func (o *Operation) reinitialize() {
	o.mu.Lock()
	if o.state == OpDestroyed {
		o.mu.Unlock()
		return
	}
	o.state = OpCreated
	o.mu.Unlock()
	if o.OnReinitialize != nil {
		o.OnReinitialize()
	}
}

// Destroy transitions any non-terminal state to Destroyed and reports
// it to the requester exactly once, regardless of the path taken to get
// here (spec.md §4.7's invariant), then unregisters from the owning
// channel.
func (o *Operation) Destroy() {
	o.mu.Lock()
	already := o.state == OpDestroyed
	o.state = OpDestroyed
	ch := o.channel
	id := o.id
	o.mu.Unlock()

	if !already {
		o.fireDestroyed()
	}
	if ch != nil {
		ch.RemoveOperation(id)
	}
}

func (o *Operation) fireDestroyed() {
	o.destroyOnce.Do(func() {
		if o.OnDestroyed != nil {
			o.OnDestroyed()
		}
	})
}
