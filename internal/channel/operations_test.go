package channel

import (
	"testing"

	"github.com/epics-go/pvaccess/internal/pvdata"
	"github.com/epics-go/pvaccess/internal/pvstatus"
	"github.com/stretchr/testify/require"
)

func TestGetOpRoundTrip(t *testing.T) {
	sent := 0
	g := NewGetOp(func() { sent++ })
	g.InitDone(true)

	var gotValue pvdata.Value
	g.GetDone = func(status pvstatus.Status, value pvdata.Value, mask *pvdata.BitSet) {
		gotValue = value
	}

	require.NoError(t, g.Get(false))
	require.Equal(t, 1, sent)
	g.Complete(pvstatus.Ok, pvdata.Value{}, nil)
	require.Equal(t, OpReady, g.State())
	require.Equal(t, pvdata.Value{}, gotValue)
}

func TestGetOpLastRequestDestroysAfterComplete(t *testing.T) {
	g := NewGetOp(func() {})
	g.InitDone(true)
	require.NoError(t, g.Get(true))
	g.Complete(pvstatus.Ok, pvdata.Value{}, nil)
	require.Equal(t, OpDestroyed, g.State())
}

func TestPutOpPutThenGetSequenced(t *testing.T) {
	var putCalls, getCalls int
	p := NewPutOp(
		func(v pvdata.Value, m *pvdata.BitSet) { putCalls++ },
		func() { getCalls++ },
	)
	p.InitDone(true)

	require.NoError(t, p.Put(pvdata.Value{}, nil, false))
	require.Error(t, p.Get(false))
	p.CompletePut(pvstatus.Ok)

	require.NoError(t, p.Get(false))
	require.Equal(t, 1, putCalls)
	require.Equal(t, 1, getCalls)
	p.CompleteGet(pvstatus.Ok, pvdata.Value{}, nil)
	require.Equal(t, OpReady, p.State())
}

func TestArrayOpSetLengthRejectsNegativeWithoutNoChange(t *testing.T) {
	a := NewArrayOp()
	a.InitDone(true)
	err := a.SetLength(-5, NoChange, false)
	require.Error(t, err)
	require.Equal(t, OpReady, a.State())
}

func TestArrayOpSetLengthAllowsNoChangeSentinel(t *testing.T) {
	var gotLen, gotCap int
	a := NewArrayOp()
	a.InitDone(true)
	a.SendSetLength = func(length, capacity int) {
		gotLen, gotCap = length, capacity
	}
	require.NoError(t, a.SetLength(10, NoChange, false))
	require.Equal(t, 10, gotLen)
	require.Equal(t, NoChange, gotCap)
	a.CompleteSetLength(pvstatus.Ok)
	require.Equal(t, OpReady, a.State())
}

func TestRPCOpMultipleCallsOverLifetime(t *testing.T) {
	calls := 0
	r := NewRPCOp(func(arg pvdata.Value) { calls++ })
	r.InitDone(true)

	require.NoError(t, r.Request(pvdata.Value{}, false))
	r.Complete(pvstatus.Ok, pvdata.Value{})
	require.NoError(t, r.Request(pvdata.Value{}, false))
	r.Complete(pvstatus.Ok, pvdata.Value{})

	require.Equal(t, 2, calls)
	require.Equal(t, OpReady, r.State())
}
