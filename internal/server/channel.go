package server

import (
	"context"
	"sync"

	"github.com/epics-go/pvaccess/internal/pvdata"
	"github.com/epics-go/pvaccess/internal/pvstatus"
)

// serverOperation is the server side of spec.md §4.7's operation state
// machine, keyed by the client-assigned request id rather than by the
// channel-scoped id internal/channel uses on the client side -- the
// server never originates a request, it only answers one.
type serverOperation struct {
	requestID   uint32
	command     byte
	lastReply   bool
	unsubscribe func()
}

// serverChannel is one CREATE_CHANNEL's worth of server-side state: the
// server-assigned SID, the resolved PV, and the in-flight operations
// hung off it by request id.
type serverChannel struct {
	sid  uint32
	name string
	pv   PV

	mu         sync.Mutex
	operations map[uint32]*serverOperation
}

func newServerChannel(sid uint32, name string, pv PV) *serverChannel {
	return &serverChannel{
		sid:        sid,
		name:       name,
		pv:         pv,
		operations: make(map[uint32]*serverOperation),
	}
}

func (c *serverChannel) beginOperation(requestID uint32, command byte) *serverOperation {
	c.mu.Lock()
	defer c.mu.Unlock()
	op := &serverOperation{requestID: requestID, command: command}
	c.operations[requestID] = op
	return op
}

func (c *serverChannel) endOperation(requestID uint32) {
	c.mu.Lock()
	op, found := c.operations[requestID]
	delete(c.operations, requestID)
	c.mu.Unlock()
	if found && op.unsubscribe != nil {
		op.unsubscribe()
	}
}

func (c *serverChannel) setUnsubscribe(requestID uint32, unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if op, ok := c.operations[requestID]; ok {
		op.unsubscribe = unsubscribe
	}
}

// doGet dispatches a Get request to the PV if it implements Getter,
// returning a BadRequest-flavored failure status otherwise.
func (c *serverChannel) doGet(ctx context.Context) (pvstatus.Status, pvdata.Value, *pvdata.BitSet) {
	g, ok := c.pv.(Getter)
	if !ok {
		return pvstatus.Errorf("channel %q does not support get", c.name), pvdata.Value{}, nil
	}
	return g.Get(ctx)
}

func (c *serverChannel) doPut(ctx context.Context, value pvdata.Value, mask *pvdata.BitSet) pvstatus.Status {
	p, ok := c.pv.(Putter)
	if !ok {
		return pvstatus.Errorf("channel %q does not support put", c.name)
	}
	return p.Put(ctx, value, mask)
}

func (c *serverChannel) doPutGet(ctx context.Context, value pvdata.Value, mask *pvdata.BitSet) (pvstatus.Status, pvdata.Value, *pvdata.BitSet) {
	pg, ok := c.pv.(PutGetter)
	if !ok {
		return pvstatus.Errorf("channel %q does not support putGet", c.name), pvdata.Value{}, nil
	}
	return pg.PutGet(ctx, value, mask)
}

func (c *serverChannel) doProcess(ctx context.Context) pvstatus.Status {
	p, ok := c.pv.(Processor)
	if !ok {
		return pvstatus.Errorf("channel %q does not support process", c.name)
	}
	return p.Process(ctx)
}

func (c *serverChannel) doRPC(ctx context.Context, arg pvdata.Value) (pvstatus.Status, pvdata.Value) {
	r, ok := c.pv.(RPCHandler)
	if !ok {
		return pvstatus.Errorf("channel %q does not support rpc", c.name), pvdata.Value{}
	}
	return r.RPC(ctx, arg)
}

func (c *serverChannel) doGetArray(ctx context.Context, offset, count int) (pvstatus.Status, pvdata.Value) {
	a, ok := c.pv.(ArrayHandler)
	if !ok {
		return pvstatus.Errorf("channel %q does not support array", c.name), pvdata.Value{}
	}
	return a.GetArray(ctx, offset, count)
}

func (c *serverChannel) doPutArray(ctx context.Context, offset, count int, values pvdata.Value) pvstatus.Status {
	a, ok := c.pv.(ArrayHandler)
	if !ok {
		return pvstatus.Errorf("channel %q does not support array", c.name)
	}
	return a.PutArray(ctx, offset, count, values)
}

func (c *serverChannel) doArrayLength(ctx context.Context) (pvstatus.Status, int) {
	a, ok := c.pv.(ArrayHandler)
	if !ok {
		return pvstatus.Errorf("channel %q does not support array", c.name), 0
	}
	return a.ArrayLength(ctx)
}

func (c *serverChannel) doSetArrayLength(ctx context.Context, length, capacity int) pvstatus.Status {
	a, ok := c.pv.(ArrayHandler)
	if !ok {
		return pvstatus.Errorf("channel %q does not support array", c.name)
	}
	return a.SetArrayLength(ctx, length, capacity)
}

// doMonitorInit subscribes post against the PV if it supports Monitor,
// returning the unsubscribe func to hang off the requestID's operation.
func (c *serverChannel) doMonitorInit(post func(value pvdata.Value, changeMask, overrunMask *pvdata.BitSet)) (pvstatus.Status, func()) {
	s, ok := c.pv.(Subscribable)
	if !ok {
		return pvstatus.Errorf("channel %q does not support monitor", c.name), nil
	}
	return pvstatus.Ok, s.Subscribe(post)
}
