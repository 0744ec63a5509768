// Package server implements the server side of the PV Access wire
// protocol from spec.md §4.9: a provider registry that resolves channel
// names to a PV implementation, and the per-connection dispatch that
// turns CreateChannel/Get/Put/PutGet/Process/RPC/Array/Monitor/
// DestroyChannel wire requests into calls against that PV. Grounded on
// the teacher's portmap.Registry/Handler split (a name->implementation
// registry consulted by a thin per-request dispatcher).
package server

import (
	"context"
	"sync"

	"github.com/epics-go/pvaccess/internal/pvdata"
	"github.com/epics-go/pvaccess/internal/pvstatus"
)

// PV is the interface a channel provider hands back for a resolved
// channel name. A concrete PV need only implement the methods relevant
// to the operations it supports; a connection checks each against the
// narrower Getter/Putter/... interfaces below before dispatching.
type PV interface {
	// TypeDesc returns the channel's introspection type, sent on every
	// operation's init round-trip.
	TypeDesc() pvdata.Descriptor
}

// Getter is implemented by a PV that supports the Get operation.
type Getter interface {
	Get(ctx context.Context) (pvstatus.Status, pvdata.Value, *pvdata.BitSet)
}

// Putter is implemented by a PV that supports the Put operation.
type Putter interface {
	Put(ctx context.Context, value pvdata.Value, mask *pvdata.BitSet) pvstatus.Status
}

// PutGetter is implemented by a PV that supports the combined PutGet
// operation and its getPut/getGet halves.
type PutGetter interface {
	PutGet(ctx context.Context, value pvdata.Value, mask *pvdata.BitSet) (pvstatus.Status, pvdata.Value, *pvdata.BitSet)
	GetPut(ctx context.Context) (pvstatus.Status, pvdata.Value, *pvdata.BitSet)
}

// Processor is implemented by a PV that supports the Process operation.
type Processor interface {
	Process(ctx context.Context) pvstatus.Status
}

// RPCHandler is implemented by a PV that supports the RPC operation.
type RPCHandler interface {
	RPC(ctx context.Context, arg pvdata.Value) (pvstatus.Status, pvdata.Value)
}

// ArrayHandler is implemented by a PV that supports the Array operation.
type ArrayHandler interface {
	GetArray(ctx context.Context, offset, count int) (pvstatus.Status, pvdata.Value)
	PutArray(ctx context.Context, offset, count int, values pvdata.Value) pvstatus.Status
	ArrayLength(ctx context.Context) (pvstatus.Status, int)
	SetArrayLength(ctx context.Context, length, capacity int) pvstatus.Status
}

// Subscribable is implemented by a PV that supports Monitor. Subscribe
// registers post to be called on every value change and returns an
// unsubscribe func; the monitor.FIFO that post feeds is owned by the
// connection-side operation, not the PV.
type Subscribable interface {
	Subscribe(post func(value pvdata.Value, changeMask, overrunMask *pvdata.BitSet)) (unsubscribe func())
}

// Provider resolves channel names to a PV, per spec.md §4.9. Name
// mirrors the teacher's service-registry lookup by name; priority
// orders providers when more than one could serve the same name.
type Provider interface {
	Name() string
	// ChannelFind reports whether this provider can serve name, without
	// creating anything -- used to answer Search requests.
	ChannelFind(ctx context.Context, name string) bool
	// CreateChannel resolves name to a PV, or returns ok=false if this
	// provider cannot serve it after all (e.g. it raced a delete).
	CreateChannel(ctx context.Context, name string) (pv PV, ok bool)
}

// Registry holds providers in registration order; the first provider
// whose ChannelFind/CreateChannel succeeds wins, mirroring the
// teacher's Registry type used by the portmap handler set.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
}

// NewRegistry returns an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends provider to the registry. Providers are consulted in
// registration order, so register higher-priority providers first.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
}

// Providers returns a snapshot of the registered providers in lookup
// order.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// Find reports whether any registered provider can serve name, and which
// one answered first.
func (r *Registry) Find(ctx context.Context, name string) (Provider, bool) {
	for _, p := range r.Providers() {
		if p.ChannelFind(ctx, name) {
			return p, true
		}
	}
	return nil, false
}

// Create resolves name through the first provider willing to create it.
func (r *Registry) Create(ctx context.Context, name string) (PV, Provider, bool) {
	for _, p := range r.Providers() {
		if pv, ok := p.CreateChannel(ctx, name); ok {
			return pv, p, true
		}
	}
	return nil, nil, false
}
