package channel

import (
	"fmt"

	"github.com/epics-go/pvaccess/internal/pvdata"
	"github.com/epics-go/pvaccess/internal/pverrors"
	"github.com/epics-go/pvaccess/internal/pvstatus"
)

// GetOp implements spec.md §4.7's Get operation: get() -> getDone.
type GetOp struct {
	*Operation
	Send    func()
	GetDone func(status pvstatus.Status, value pvdata.Value, changeMask *pvdata.BitSet)
}

// NewGetOp wraps a fresh Operation as a GetOp.
func NewGetOp(send func()) *GetOp {
	return &GetOp{Operation: NewOperation(), Send: send}
}

// Get issues one get() call; lastRequest piggy-backs auto-destroy after
// the done callback fires.
func (g *GetOp) Get(lastRequest bool) error {
	if err := g.BeginMethod(lastRequest); err != nil {
		return err
	}
	if g.Send != nil {
		g.Send()
	}
	return nil
}

// Complete delivers the get's result and retires the in-flight call.
func (g *GetOp) Complete(status pvstatus.Status, value pvdata.Value, changeMask *pvdata.BitSet) {
	if g.GetDone != nil {
		g.GetDone(status, value, changeMask)
	}
	g.MethodDone()
}

// PutOp implements spec.md §4.7's Put operation: put()/get() -> putDone/getDone.
type PutOp struct {
	*Operation
	SendPut func(value pvdata.Value, mask *pvdata.BitSet)
	SendGet func()
	PutDone func(status pvstatus.Status)
	GetDone func(status pvstatus.Status, value pvdata.Value, mask *pvdata.BitSet)
}

// NewPutOp wraps a fresh Operation as a PutOp.
func NewPutOp(sendPut func(pvdata.Value, *pvdata.BitSet), sendGet func()) *PutOp {
	return &PutOp{Operation: NewOperation(), SendPut: sendPut, SendGet: sendGet}
}

// Put issues one put() call with the given value/mask.
func (p *PutOp) Put(value pvdata.Value, mask *pvdata.BitSet, lastRequest bool) error {
	if err := p.BeginMethod(lastRequest); err != nil {
		return err
	}
	if p.SendPut != nil {
		p.SendPut(value, mask)
	}
	return nil
}

// Get issues a get() call to fetch the put operation's current value.
func (p *PutOp) Get(lastRequest bool) error {
	if err := p.BeginMethod(lastRequest); err != nil {
		return err
	}
	if p.SendGet != nil {
		p.SendGet()
	}
	return nil
}

// CompletePut delivers the put's result and retires the in-flight call.
func (p *PutOp) CompletePut(status pvstatus.Status) {
	if p.PutDone != nil {
		p.PutDone(status)
	}
	p.MethodDone()
}

// CompleteGet delivers the put-side get's result and retires the
// in-flight call.
func (p *PutOp) CompleteGet(status pvstatus.Status, value pvdata.Value, mask *pvdata.BitSet) {
	if p.GetDone != nil {
		p.GetDone(status, value, mask)
	}
	p.MethodDone()
}

// PutGetOp implements spec.md §4.7's PutGet operation and its getPut/
// getGet half-operations.
type PutGetOp struct {
	*Operation
	SendPutGet func(value pvdata.Value, mask *pvdata.BitSet)
	SendGetPut func()
	SendGetGet func()
	PutGetDone func(status pvstatus.Status, getValue pvdata.Value, getMask *pvdata.BitSet)
	GetPutDone func(status pvstatus.Status, value pvdata.Value, mask *pvdata.BitSet)
	GetGetDone func(status pvstatus.Status, value pvdata.Value, mask *pvdata.BitSet)
}

// NewPutGetOp wraps a fresh Operation as a PutGetOp.
func NewPutGetOp() *PutGetOp {
	return &PutGetOp{Operation: NewOperation()}
}

func (pg *PutGetOp) PutGet(value pvdata.Value, mask *pvdata.BitSet, lastRequest bool) error {
	if err := pg.BeginMethod(lastRequest); err != nil {
		return err
	}
	if pg.SendPutGet != nil {
		pg.SendPutGet(value, mask)
	}
	return nil
}

func (pg *PutGetOp) GetPut(lastRequest bool) error {
	if err := pg.BeginMethod(lastRequest); err != nil {
		return err
	}
	if pg.SendGetPut != nil {
		pg.SendGetPut()
	}
	return nil
}

func (pg *PutGetOp) GetGet(lastRequest bool) error {
	if err := pg.BeginMethod(lastRequest); err != nil {
		return err
	}
	if pg.SendGetGet != nil {
		pg.SendGetGet()
	}
	return nil
}

func (pg *PutGetOp) CompletePutGet(status pvstatus.Status, getValue pvdata.Value, getMask *pvdata.BitSet) {
	if pg.PutGetDone != nil {
		pg.PutGetDone(status, getValue, getMask)
	}
	pg.MethodDone()
}

func (pg *PutGetOp) CompleteGetPut(status pvstatus.Status, value pvdata.Value, mask *pvdata.BitSet) {
	if pg.GetPutDone != nil {
		pg.GetPutDone(status, value, mask)
	}
	pg.MethodDone()
}

func (pg *PutGetOp) CompleteGetGet(status pvstatus.Status, value pvdata.Value, mask *pvdata.BitSet) {
	if pg.GetGetDone != nil {
		pg.GetGetDone(status, value, mask)
	}
	pg.MethodDone()
}

// ProcessOp implements spec.md §4.7's Process operation: process() -> processDone.
type ProcessOp struct {
	*Operation
	Send        func()
	ProcessDone func(status pvstatus.Status)
}

func NewProcessOp(send func()) *ProcessOp {
	return &ProcessOp{Operation: NewOperation(), Send: send}
}

func (p *ProcessOp) Process(lastRequest bool) error {
	if err := p.BeginMethod(lastRequest); err != nil {
		return err
	}
	if p.Send != nil {
		p.Send()
	}
	return nil
}

func (p *ProcessOp) Complete(status pvstatus.Status) {
	if p.ProcessDone != nil {
		p.ProcessDone(status)
	}
	p.MethodDone()
}

// RPCOp implements spec.md §4.7's RPC operation: request(arg) ->
// requestDone. One-shot per call, but an arbitrary number of calls may
// be made over the operation's lifetime; like Get/Put, at most one call
// is in flight at a time.
type RPCOp struct {
	*Operation
	Send        func(arg pvdata.Value)
	RequestDone func(status pvstatus.Status, response pvdata.Value)
}

func NewRPCOp(send func(pvdata.Value)) *RPCOp {
	return &RPCOp{Operation: NewOperation(), Send: send}
}

func (r *RPCOp) Request(arg pvdata.Value, lastRequest bool) error {
	if err := r.BeginMethod(lastRequest); err != nil {
		return err
	}
	if r.Send != nil {
		r.Send(arg)
	}
	return nil
}

func (r *RPCOp) Complete(status pvstatus.Status, response pvdata.Value) {
	if r.RequestDone != nil {
		r.RequestDone(status, response)
	}
	r.MethodDone()
}

// NoChange is the sentinel spec.md §4.7 gives setLength's len/capacity
// parameters: "-1 means do not change".
const NoChange = -1

// ArrayOp implements spec.md §4.7's Array operation: getArray/putArray/
// getLength/setLength, each with its own done callback.
type ArrayOp struct {
	*Operation
	SendGetArray  func(offset, count int)
	SendPutArray  func(offset, count int, values pvdata.Value)
	SendGetLength func()
	SendSetLength func(length, capacity int)

	GetArrayDone  func(status pvstatus.Status, values pvdata.Value)
	PutArrayDone  func(status pvstatus.Status)
	GetLengthDone func(status pvstatus.Status, length int)
	SetLengthDone func(status pvstatus.Status)
}

func NewArrayOp() *ArrayOp {
	return &ArrayOp{Operation: NewOperation()}
}

func (a *ArrayOp) GetArray(offset, count int, lastRequest bool) error {
	if err := a.BeginMethod(lastRequest); err != nil {
		return err
	}
	if a.SendGetArray != nil {
		a.SendGetArray(offset, count)
	}
	return nil
}

func (a *ArrayOp) PutArray(offset, count int, values pvdata.Value, lastRequest bool) error {
	if err := a.BeginMethod(lastRequest); err != nil {
		return err
	}
	if a.SendPutArray != nil {
		a.SendPutArray(offset, count, values)
	}
	return nil
}

func (a *ArrayOp) GetLength(lastRequest bool) error {
	if err := a.BeginMethod(lastRequest); err != nil {
		return err
	}
	if a.SendGetLength != nil {
		a.SendGetLength()
	}
	return nil
}

func (a *ArrayOp) SetLength(length, capacity int, lastRequest bool) error {
	if length < 0 && length != NoChange {
		return fmt.Errorf("array: %w: negative length %d", pverrors.ErrInvalidRequest, length)
	}
	if capacity < 0 && capacity != NoChange {
		return fmt.Errorf("array: %w: negative capacity %d", pverrors.ErrInvalidRequest, capacity)
	}
	if err := a.BeginMethod(lastRequest); err != nil {
		return err
	}
	if a.SendSetLength != nil {
		a.SendSetLength(length, capacity)
	}
	return nil
}

func (a *ArrayOp) CompleteGetArray(status pvstatus.Status, values pvdata.Value) {
	if a.GetArrayDone != nil {
		a.GetArrayDone(status, values)
	}
	a.MethodDone()
}

func (a *ArrayOp) CompletePutArray(status pvstatus.Status) {
	if a.PutArrayDone != nil {
		a.PutArrayDone(status)
	}
	a.MethodDone()
}

func (a *ArrayOp) CompleteGetLength(status pvstatus.Status, length int) {
	if a.GetLengthDone != nil {
		a.GetLengthDone(status, length)
	}
	a.MethodDone()
}

func (a *ArrayOp) CompleteSetLength(status pvstatus.Status) {
	if a.SetLengthDone != nil {
		a.SetLengthDone(status)
	}
	a.MethodDone()
}
