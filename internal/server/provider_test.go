package server

import (
	"context"
	"testing"

	"github.com/epics-go/pvaccess/internal/pvdata"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name  string
	names map[string]bool
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) ChannelFind(ctx context.Context, name string) bool {
	return p.names[name]
}

func (p *fakeProvider) CreateChannel(ctx context.Context, name string) (PV, bool) {
	if !p.names[name] {
		return nil, false
	}
	return fakePV{}, true
}

type fakePV struct{}

func (fakePV) TypeDesc() pvdata.Descriptor { return pvdata.Scalar(pvdata.KindI32) }

func TestRegistryConsultsInRegistrationOrder(t *testing.T) {
	first := &fakeProvider{name: "first", names: map[string]bool{"a:pv": true}}
	second := &fakeProvider{name: "second", names: map[string]bool{"a:pv": true, "b:pv": true}}

	reg := NewRegistry()
	reg.Register(first)
	reg.Register(second)

	p, ok := reg.Find(context.Background(), "a:pv")
	require.True(t, ok)
	require.Equal(t, "first", p.Name())

	p, ok = reg.Find(context.Background(), "b:pv")
	require.True(t, ok)
	require.Equal(t, "second", p.Name())

	_, ok = reg.Find(context.Background(), "missing:pv")
	require.False(t, ok)
}

func TestRegistryCreateReturnsFirstWillingProvider(t *testing.T) {
	first := &fakeProvider{name: "first", names: map[string]bool{}}
	second := &fakeProvider{name: "second", names: map[string]bool{"x:pv": true}}

	reg := NewRegistry()
	reg.Register(first)
	reg.Register(second)

	pv, p, ok := reg.Create(context.Background(), "x:pv")
	require.True(t, ok)
	require.Equal(t, "second", p.Name())
	require.NotNil(t, pv)
}
