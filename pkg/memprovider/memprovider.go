// Package memprovider is a built-in, in-memory server.Provider: each PV is
// a single NTScalar double backed by a mutex-guarded float64, with no
// persistence or external data source. It exists so cmd/pvaserver has
// something to serve out of the box, and so cmd/pvaclient's get/monitor
// demo and the end-to-end tests have a known-good channel to talk to.
// Grounded on internal/server/provider_test.go's fakeProvider/fakePV
// fixtures, generalized into a real Getter/Putter/Subscribable PV.
package memprovider

import (
	"context"
	"sync"

	"github.com/epics-go/pvaccess/internal/pvdata"
	"github.com/epics-go/pvaccess/internal/pvstatus"
	"github.com/epics-go/pvaccess/internal/server"
)

// scalarPV is one named double-valued PV. It implements Getter, Putter,
// Processor (a no-op, since there is nothing to process), and
// Subscribable.
type scalarPV struct {
	mu    sync.Mutex
	value float64

	subMu     sync.Mutex
	subs      map[int]func(pvdata.Value, *pvdata.BitSet, *pvdata.BitSet)
	nextSubID int
}

func newScalarPV(initial float64) *scalarPV {
	return &scalarPV{value: initial, subs: make(map[int]func(pvdata.Value, *pvdata.BitSet, *pvdata.BitSet))}
}

func (p *scalarPV) TypeDesc() pvdata.Descriptor { return pvdata.NTScalar(pvdata.KindF64) }

func (p *scalarPV) Get(ctx context.Context) (pvstatus.Status, pvdata.Value, *pvdata.BitSet) {
	p.mu.Lock()
	v := p.value
	p.mu.Unlock()
	return pvstatus.Ok, pvdata.NewNTScalarValue(pvdata.KindF64, v), nil
}

func (p *scalarPV) Put(ctx context.Context, value pvdata.Value, mask *pvdata.BitSet) pvstatus.Status {
	field, ok := value.Field("value")
	if !ok {
		return pvstatus.Errorf("memprovider: put missing value field")
	}
	v, ok := field.Scalar.(float64)
	if !ok {
		return pvstatus.Errorf("memprovider: value field is not a double")
	}

	p.mu.Lock()
	p.value = v
	p.mu.Unlock()

	p.notify()
	return pvstatus.Ok
}

func (p *scalarPV) Process(ctx context.Context) pvstatus.Status { return pvstatus.Ok }

func (p *scalarPV) Subscribe(post func(value pvdata.Value, changeMask, overrunMask *pvdata.BitSet)) func() {
	p.subMu.Lock()
	id := p.nextSubID
	p.nextSubID++
	p.subs[id] = post
	p.subMu.Unlock()

	return func() {
		p.subMu.Lock()
		delete(p.subs, id)
		p.subMu.Unlock()
	}
}

func (p *scalarPV) notify() {
	p.mu.Lock()
	v := p.value
	p.mu.Unlock()

	value := pvdata.NewNTScalarValue(pvdata.KindF64, v)
	mask := pvdata.NewBitSet(1)
	mask.Set(0)

	p.subMu.Lock()
	posts := make([]func(pvdata.Value, *pvdata.BitSet, *pvdata.BitSet), 0, len(p.subs))
	for _, post := range p.subs {
		posts = append(posts, post)
	}
	p.subMu.Unlock()

	for _, post := range posts {
		post(value, mask, nil)
	}
}

// Provider serves a fixed set of named scalarPVs under the name "memory".
type Provider struct {
	pvs map[string]*scalarPV
}

// New builds a Provider exposing one scalarPV per name in names, each
// initialized to 0.
func New(names ...string) *Provider {
	p := &Provider{pvs: make(map[string]*scalarPV, len(names))}
	for _, name := range names {
		p.pvs[name] = newScalarPV(0)
	}
	return p
}

func (p *Provider) Name() string { return "memory" }

func (p *Provider) ChannelFind(ctx context.Context, name string) bool {
	_, ok := p.pvs[name]
	return ok
}

func (p *Provider) CreateChannel(ctx context.Context, name string) (server.PV, bool) {
	pv, ok := p.pvs[name]
	return pv, ok
}
