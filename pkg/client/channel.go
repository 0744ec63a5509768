package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/epics-go/pvaccess/internal/channel"
	"github.com/epics-go/pvaccess/internal/pvdata"
	"github.com/epics-go/pvaccess/internal/pverrors"
	"github.com/epics-go/pvaccess/internal/pvstatus"
	"github.com/epics-go/pvaccess/internal/wire"
)

// Channel is a durable handle to one named PV on one server, per
// spec.md §4.6. Obtain one via Context.Channel or Context.Find, and call
// Destroy when done with it.
type Channel struct {
	conn            *ServerConn
	name            string
	clientChannelID uint32

	internal *channel.Channel

	typeDescOnce sync.Once
	typeDesc     pvdata.Descriptor
	typeDescErr  error

	mu        sync.Mutex
	getOp     *channel.GetOp
	getReqID  uint32
	putOp     *channel.PutOp
	putReqID  uint32
	processOp *channel.ProcessOp
	procReqID uint32
	rpcOp     *channel.RPCOp
	rpcReqID  uint32

	monitorsMu sync.Mutex
	monitors   map[uint32]struct{}
}

// ChannelStateChange implements channel.Requester. This package's
// blocking call style has no use for asynchronous state notifications;
// callers that need them can drive internal/channel directly instead.
func (ch *Channel) ChannelStateChange(*channel.Channel, channel.State, channel.State) {}

// Channel dials addr (if not already connected) and creates a channel
// bound to name.
func (cx *Context) Channel(ctx context.Context, addr, name string) (*Channel, error) {
	sc, err := cx.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return sc.createChannel(ctx, name)
}

// Find searches for name, then creates a channel against whichever
// server answers first.
func (cx *Context) Find(ctx context.Context, name string) (*Channel, error) {
	addr, err := cx.FindChannel(ctx, name)
	if err != nil {
		return nil, err
	}
	return cx.Channel(ctx, addr.String(), name)
}

func (sc *ServerConn) createChannel(ctx context.Context, name string) (*Channel, error) {
	clientChannelID := sc.allocChannelID()
	result := sc.registerCreate(clientChannelID)

	w := newPayloadWriter()
	writeU32(w, clientChannelID)
	w.WriteString(name)
	if err := sc.enqueue(wire.CmdCreateChannel, w.Bytes()); err != nil {
		return nil, err
	}

	select {
	case res := <-result:
		if !res.status.IsSuccess() {
			return nil, res.status
		}
		ch := &Channel{conn: sc, name: name, clientChannelID: clientChannelID, monitors: make(map[uint32]struct{})}
		ch.internal = channel.New(name, 0, "", ch)
		if err := ch.internal.BeginSearch(); err != nil {
			return nil, err
		}
		if err := ch.internal.Connect(res.sid); err != nil {
			return nil, err
		}
		sc.registerChannel(clientChannelID, ch)
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-sc.Done():
		return nil, pverrors.ErrDisconnected
	}
}

// sid returns the channel's server-assigned id, failing if it isn't
// currently connected.
func (ch *Channel) sid() (uint32, error) {
	sid, ok := ch.internal.SID()
	if !ok {
		return 0, pverrors.ErrDisconnected
	}
	return sid, nil
}

// typeDescriptor performs the GetField introspection round-trip once and
// caches the result, per spec.md §4.7 ("sent on every operation's init
// round-trip").
func (ch *Channel) typeDescriptor(ctx context.Context) (pvdata.Descriptor, error) {
	ch.typeDescOnce.Do(func() {
		ch.typeDesc, ch.typeDescErr = ch.fetchTypeDescriptor(ctx)
	})
	return ch.typeDesc, ch.typeDescErr
}

func (ch *Channel) fetchTypeDescriptor(ctx context.Context) (pvdata.Descriptor, error) {
	sid, err := ch.sid()
	if err != nil {
		return pvdata.Descriptor{}, err
	}
	requestID := ch.conn.allocRequestID()
	result := make(chan struct {
		desc pvdata.Descriptor
		err  error
	}, 1)
	ch.conn.registerRequest(requestID, func(r *pvdata.Reader) {
		status, err := pvstatus.Decode(r)
		if err != nil {
			result <- struct {
				desc pvdata.Descriptor
				err  error
			}{err: err}
			return
		}
		if !status.IsSuccess() {
			result <- struct {
				desc pvdata.Descriptor
				err  error
			}{err: status}
			return
		}
		desc, err := pvdata.DecodeDescriptor(r)
		result <- struct {
			desc pvdata.Descriptor
			err  error
		}{desc: desc, err: err}
	})

	w := newPayloadWriter()
	writeU32(w, sid)
	writeU32(w, requestID)
	w.WriteString("")
	if err := ch.conn.enqueue(wire.CmdGetField, w.Bytes()); err != nil {
		ch.conn.cancelRequest(requestID)
		return pvdata.Descriptor{}, err
	}

	select {
	case res := <-result:
		return res.desc, res.err
	case <-ctx.Done():
		ch.conn.cancelRequest(requestID)
		return pvdata.Descriptor{}, ctx.Err()
	case <-ch.conn.Done():
		ch.conn.cancelRequest(requestID)
		return pvdata.Descriptor{}, pverrors.ErrDisconnected
	}
}

// Get issues one get() call, per spec.md §4.7.
func (ch *Channel) Get(ctx context.Context) (pvdata.Value, error) {
	desc, err := ch.typeDescriptor(ctx)
	if err != nil {
		return pvdata.Value{}, fmt.Errorf("pva client: get: %w", err)
	}

	op := ch.getOperation()
	type result struct {
		status pvstatus.Status
		value  pvdata.Value
	}
	resultCh := make(chan result, 1)
	op.GetDone = func(status pvstatus.Status, value pvdata.Value, _ *pvdata.BitSet) {
		resultCh <- result{status, value}
	}

	ch.mu.Lock()
	requestID := ch.conn.allocRequestID()
	ch.getReqID = requestID
	ch.mu.Unlock()

	ch.conn.registerRequest(requestID, func(r *pvdata.Reader) {
		status, err := pvstatus.Decode(r)
		if err != nil {
			op.Complete(pvstatus.Errorf("get: decode status: %v", err), pvdata.Value{}, nil)
			return
		}
		if !status.IsSuccess() {
			op.Complete(status, pvdata.Value{}, nil)
			return
		}
		value, err := pvdata.DecodeValue(r, desc)
		if err != nil {
			op.Complete(pvstatus.Errorf("get: decode value: %v", err), pvdata.Value{}, nil)
			return
		}
		mask, _ := r.ReadBitSet()
		op.Complete(status, value, mask)
	})

	if err := op.Get(false); err != nil {
		ch.conn.cancelRequest(requestID)
		return pvdata.Value{}, err
	}

	select {
	case res := <-resultCh:
		if res.status.IsFailure() {
			return pvdata.Value{}, res.status
		}
		return res.value, nil
	case <-ctx.Done():
		ch.conn.cancelRequest(requestID)
		return pvdata.Value{}, ctx.Err()
	case <-ch.conn.Done():
		ch.conn.cancelRequest(requestID)
		return pvdata.Value{}, pverrors.ErrDisconnected
	}
}

func (ch *Channel) getOperation() *channel.GetOp {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.getOp != nil {
		return ch.getOp
	}
	op := channel.NewGetOp(func() {
		sid, err := ch.sid()
		if err != nil {
			return
		}
		w := newPayloadWriter()
		writeU32(w, sid)
		writeU32(w, ch.getReqID)
		_ = ch.conn.enqueue(wire.CmdGet, w.Bytes())
	})
	op.OnReinitialize = func() { op.InitDone(true) }
	ch.internal.AddOperation(op.Operation)
	op.InitDone(true)
	ch.getOp = op
	return op
}

// Put issues one put() call, per spec.md §4.7.
func (ch *Channel) Put(ctx context.Context, value pvdata.Value, mask *pvdata.BitSet) error {
	if _, err := ch.typeDescriptor(ctx); err != nil {
		return fmt.Errorf("pva client: put: %w", err)
	}

	op := ch.putOperation()
	resultCh := make(chan pvstatus.Status, 1)
	op.PutDone = func(status pvstatus.Status) { resultCh <- status }

	ch.mu.Lock()
	requestID := ch.conn.allocRequestID()
	ch.putReqID = requestID
	ch.mu.Unlock()

	ch.conn.registerRequest(requestID, func(r *pvdata.Reader) {
		status, err := pvstatus.Decode(r)
		if err != nil {
			op.CompletePut(pvstatus.Errorf("put: decode status: %v", err))
			return
		}
		op.CompletePut(status)
	})

	if err := op.Put(value, mask, false); err != nil {
		ch.conn.cancelRequest(requestID)
		return err
	}

	select {
	case status := <-resultCh:
		if status.IsFailure() {
			return status
		}
		return nil
	case <-ctx.Done():
		ch.conn.cancelRequest(requestID)
		return ctx.Err()
	case <-ch.conn.Done():
		ch.conn.cancelRequest(requestID)
		return pverrors.ErrDisconnected
	}
}

func (ch *Channel) putOperation() *channel.PutOp {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.putOp != nil {
		return ch.putOp
	}
	op := channel.NewPutOp(func(value pvdata.Value, mask *pvdata.BitSet) {
		sid, err := ch.sid()
		if err != nil {
			return
		}
		w := newPayloadWriter()
		writeU32(w, sid)
		writeU32(w, ch.putReqID)
		_ = pvdata.EncodeValue(w, value)
		if mask == nil {
			mask = pvdata.NewBitSet(0)
		}
		w.WriteBitSet(mask)
		_ = ch.conn.enqueue(wire.CmdPut, w.Bytes())
	}, nil)
	op.OnReinitialize = func() { op.InitDone(true) }
	ch.internal.AddOperation(op.Operation)
	op.InitDone(true)
	ch.putOp = op
	return op
}

// Process issues one process() call, per spec.md §4.7.
func (ch *Channel) Process(ctx context.Context) error {
	op := ch.processOperation()
	resultCh := make(chan pvstatus.Status, 1)
	op.ProcessDone = func(status pvstatus.Status) { resultCh <- status }

	ch.mu.Lock()
	requestID := ch.conn.allocRequestID()
	ch.procReqID = requestID
	ch.mu.Unlock()

	ch.conn.registerRequest(requestID, func(r *pvdata.Reader) {
		status, err := pvstatus.Decode(r)
		if err != nil {
			op.Complete(pvstatus.Errorf("process: decode status: %v", err))
			return
		}
		op.Complete(status)
	})

	if err := op.Process(false); err != nil {
		ch.conn.cancelRequest(requestID)
		return err
	}

	select {
	case status := <-resultCh:
		if status.IsFailure() {
			return status
		}
		return nil
	case <-ctx.Done():
		ch.conn.cancelRequest(requestID)
		return ctx.Err()
	case <-ch.conn.Done():
		ch.conn.cancelRequest(requestID)
		return pverrors.ErrDisconnected
	}
}

func (ch *Channel) processOperation() *channel.ProcessOp {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.processOp != nil {
		return ch.processOp
	}
	op := channel.NewProcessOp(func() {
		sid, err := ch.sid()
		if err != nil {
			return
		}
		w := newPayloadWriter()
		writeU32(w, sid)
		writeU32(w, ch.procReqID)
		_ = ch.conn.enqueue(wire.CmdProcess, w.Bytes())
	})
	op.OnReinitialize = func() { op.InitDone(true) }
	ch.internal.AddOperation(op.Operation)
	op.InitDone(true)
	ch.processOp = op
	return op
}

// Request issues one RPC call, per spec.md §4.7.
func (ch *Channel) Request(ctx context.Context, arg pvdata.Value) (pvdata.Value, error) {
	op := ch.rpcOperation()
	type result struct {
		status   pvstatus.Status
		response pvdata.Value
	}
	resultCh := make(chan result, 1)
	op.RequestDone = func(status pvstatus.Status, response pvdata.Value) {
		resultCh <- result{status, response}
	}

	ch.mu.Lock()
	requestID := ch.conn.allocRequestID()
	ch.rpcReqID = requestID
	ch.mu.Unlock()

	ch.conn.registerRequest(requestID, func(r *pvdata.Reader) {
		status, err := pvstatus.Decode(r)
		if err != nil {
			op.Complete(pvstatus.Errorf("rpc: decode status: %v", err), pvdata.Value{})
			return
		}
		if !status.IsSuccess() {
			op.Complete(status, pvdata.Value{})
			return
		}
		response, err := pvdata.DecodeValue(r, pvdata.Descriptor{})
		if err != nil {
			op.Complete(pvstatus.Errorf("rpc: decode response: %v", err), pvdata.Value{})
			return
		}
		op.Complete(status, response)
	})

	if err := op.Request(arg, false); err != nil {
		ch.conn.cancelRequest(requestID)
		return pvdata.Value{}, err
	}

	select {
	case res := <-resultCh:
		if res.status.IsFailure() {
			return pvdata.Value{}, res.status
		}
		return res.response, nil
	case <-ctx.Done():
		ch.conn.cancelRequest(requestID)
		return pvdata.Value{}, ctx.Err()
	case <-ch.conn.Done():
		ch.conn.cancelRequest(requestID)
		return pvdata.Value{}, pverrors.ErrDisconnected
	}
}

func (ch *Channel) rpcOperation() *channel.RPCOp {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.rpcOp != nil {
		return ch.rpcOp
	}
	op := channel.NewRPCOp(func(arg pvdata.Value) {
		sid, err := ch.sid()
		if err != nil {
			return
		}
		w := newPayloadWriter()
		writeU32(w, sid)
		writeU32(w, ch.rpcReqID)
		_ = pvdata.EncodeValue(w, arg)
		_ = ch.conn.enqueue(wire.CmdRPC, w.Bytes())
	})
	op.OnReinitialize = func() { op.InitDone(true) }
	ch.internal.AddOperation(op.Operation)
	op.InitDone(true)
	ch.rpcOp = op
	return op
}

// Monitor starts a subscription and returns the channel of value
// updates plus an unsubscribe func, per spec.md §4.7's Monitor
// operation.
func (ch *Channel) Monitor(ctx context.Context) (<-chan MonitorUpdate, func(), error) {
	sid, err := ch.sid()
	if err != nil {
		return nil, nil, err
	}
	requestID := ch.conn.allocRequestID()
	sub := ch.conn.registerMonitor(requestID)

	w := newPayloadWriter()
	writeU32(w, sid)
	writeU32(w, requestID)
	w.WriteByte(byte(wire.SubcmdInit))
	if err := ch.conn.enqueue(wire.CmdMonitor, w.Bytes()); err != nil {
		ch.conn.removeMonitor(requestID)
		return nil, nil, err
	}

	select {
	case status := <-sub.initDone:
		if status.IsFailure() {
			ch.conn.removeMonitor(requestID)
			return nil, nil, status
		}
	case <-ctx.Done():
		ch.conn.removeMonitor(requestID)
		return nil, nil, ctx.Err()
	case <-ch.conn.Done():
		ch.conn.removeMonitor(requestID)
		return nil, nil, pverrors.ErrDisconnected
	}

	ch.monitorsMu.Lock()
	ch.monitors[requestID] = struct{}{}
	ch.monitorsMu.Unlock()

	unsubscribe := func() {
		dw := newPayloadWriter()
		writeU32(dw, sid)
		writeU32(dw, requestID)
		dw.WriteByte(byte(wire.SubcmdDestroy))
		_ = ch.conn.enqueue(wire.CmdMonitor, dw.Bytes())
		ch.conn.removeMonitor(requestID)
		ch.monitorsMu.Lock()
		delete(ch.monitors, requestID)
		ch.monitorsMu.Unlock()
	}
	return sub.updates, unsubscribe, nil
}

// resubscribeMonitors re-sends the Monitor init subcommand for every
// subscription still open on this channel, after a reconnect has
// assigned it a fresh server-side SID. Existing callers' update
// channels keep working: registerMonitor's entry and the original
// sub.updates channel are untouched, only the wire subscription is
// recreated against the new connection.
func (ch *Channel) resubscribeMonitors() {
	sid, err := ch.sid()
	if err != nil {
		return
	}
	ch.monitorsMu.Lock()
	ids := make([]uint32, 0, len(ch.monitors))
	for id := range ch.monitors {
		ids = append(ids, id)
	}
	ch.monitorsMu.Unlock()

	for _, requestID := range ids {
		w := newPayloadWriter()
		writeU32(w, sid)
		writeU32(w, requestID)
		w.WriteByte(byte(wire.SubcmdInit))
		_ = ch.conn.enqueue(wire.CmdMonitor, w.Bytes())
	}
}

// Destroy releases the channel's server-side SID and destroys every
// operation hung off it, per spec.md §4.6.
func (ch *Channel) Destroy() error {
	ch.conn.unregisterChannel(ch.clientChannelID)
	sid, ok := ch.internal.SID()
	if err := ch.internal.Destroy(); err != nil {
		return err
	}
	if !ok {
		return nil
	}
	w := newPayloadWriter()
	writeU32(w, sid)
	return ch.conn.enqueue(wire.CmdDestroyChannel, w.Bytes())
}

// Name returns the channel's PV name.
func (ch *Channel) Name() string { return ch.name }

// State returns the channel's current connection state.
func (ch *Channel) State() channel.State { return ch.internal.State() }
