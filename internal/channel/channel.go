// Package channel implements the client-side channel lifecycle and
// operation state machines from spec.md §4.6/§4.7: a durable handle
// bound to a name/priority/provider, its connection state machine, and
// the auto-reinitializing operations hung off it. Grounded on the
// teacher's connection-scoped, mutex-protected state machines in
// internal/adapter/nfs/v4/state (slot tables and lease tracking keyed
// by a numeric id, transitions guarded by a single mutex, upcalls fired
// outside the lock).
package channel

import (
	"sync"

	"github.com/epics-go/pvaccess/internal/pverrors"
)

// State is a client channel's connection state, per spec.md §4.6.
type State int

const (
	NeverConnected State = iota
	Searching
	Connected
	Disconnected
	Destroyed
)

func (s State) String() string {
	switch s {
	case NeverConnected:
		return "NeverConnected"
	case Searching:
		return "Searching"
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case Destroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// StateChangeFunc is invoked outside the channel's lock on every
// transition, with the previous and new state.
type StateChangeFunc func(prev, next State)

// Requester is the embedding application's channel-scoped callback
// surface, analogous to the teacher's per-subsystem requester
// interfaces (e.g. a Requester sees channelDisconnect/channelDestroy
// independent of any one operation).
type Requester interface {
	ChannelStateChange(ch *Channel, prev, next State)
}

// Channel is a durable client-side handle bound at creation to a name,
// priority, and provider. Its SID (server-assigned channel id) is valid
// only while Connected.
type Channel struct {
	Name     string
	Priority uint8
	Provider string

	mu         sync.Mutex
	state      State
	sid        uint32
	requester  Requester
	operations map[uint32]*Operation
	nextOpID   uint32
}

// New creates a channel in NeverConnected state.
func New(name string, priority uint8, provider string, requester Requester) *Channel {
	return &Channel{
		Name:       name,
		Priority:   priority,
		Provider:   provider,
		requester:  requester,
		operations: make(map[uint32]*Operation),
	}
}

// State returns the channel's current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SID returns the server-assigned channel id, valid only while
// Connected.
func (c *Channel) SID() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid, c.state == Connected
}

// BeginSearch transitions NeverConnected -> Searching, the createChannel
// edge in spec.md §4.6's diagram.
func (c *Channel) BeginSearch() error {
	return c.transition(func(s State) (State, error) {
		if s != NeverConnected {
			return s, pverrors.ErrInvalidRequest
		}
		return Searching, nil
	})
}

// Connect transitions Searching -> Connected (first connect) or
// Disconnected -> Connected (reconnect), recording the server-assigned
// SID. On reconnect, every inactive operation is reinitialized, per
// spec.md §4.6 ("auto-reinitialize on the next CONNECTED transition").
func (c *Channel) Connect(sid uint32) error {
	var toReinit []*Operation
	err := c.transition(func(s State) (State, error) {
		if s != Searching && s != Disconnected {
			return s, pverrors.ErrInvalidRequest
		}
		c.sid = sid
		if s == Disconnected {
			for _, op := range c.operations {
				toReinit = append(toReinit, op)
			}
		}
		return Connected, nil
	})
	if err != nil {
		return err
	}
	for _, op := range toReinit {
		op.reinitialize()
	}
	return nil
}

// Disconnect transitions Connected -> Disconnected on transport loss.
// Every operation is notified (channelDisconnect) and becomes inactive
// without being destroyed, per spec.md §4.6.
func (c *Channel) Disconnect() error {
	var ops []*Operation
	err := c.transition(func(s State) (State, error) {
		if s != Connected {
			return s, pverrors.ErrInvalidRequest
		}
		for _, op := range c.operations {
			ops = append(ops, op)
		}
		return Disconnected, nil
	})
	if err != nil {
		return err
	}
	for _, op := range ops {
		op.channelDisconnected()
	}
	return nil
}

// Destroy transitions any non-terminal state to Destroyed: every
// operation is destroyed first, then the caller is expected to release
// the server-side SID and remove the channel from the transport's
// table, per spec.md §4.6's ordering.
func (c *Channel) Destroy() error {
	var ops []*Operation
	err := c.transition(func(s State) (State, error) {
		if s == Destroyed {
			return s, pverrors.ErrInvalidRequest
		}
		for _, op := range c.operations {
			ops = append(ops, op)
		}
		return Destroyed, nil
	})
	if err != nil {
		return err
	}
	for _, op := range ops {
		op.Destroy()
	}
	return nil
}

func (c *Channel) transition(fn func(State) (State, error)) error {
	c.mu.Lock()
	prev := c.state
	next, err := fn(prev)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.state = next
	c.mu.Unlock()

	if c.requester != nil && next != prev {
		c.requester.ChannelStateChange(c, prev, next)
	}
	return nil
}

// AddOperation registers op under a freshly assigned id and returns it.
func (c *Channel) AddOperation(op *Operation) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextOpID++
	id := c.nextOpID
	op.id = id
	op.channel = c
	c.operations[id] = op
	return id
}

// RemoveOperation drops op from the channel's table, called once an
// operation reaches Destroyed.
func (c *Channel) RemoveOperation(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.operations, id)
}
