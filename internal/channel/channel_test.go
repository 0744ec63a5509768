package channel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingRequester struct {
	mu   sync.Mutex
	prev []State
	next []State
}

func (r *recordingRequester) ChannelStateChange(ch *Channel, prev, next State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prev = append(r.prev, prev)
	r.next = append(r.next, next)
}

func TestChannelHappyPathTransitions(t *testing.T) {
	req := &recordingRequester{}
	ch := New("test:pv", 0, "pva", req)
	require.Equal(t, NeverConnected, ch.State())

	require.NoError(t, ch.BeginSearch())
	require.Equal(t, Searching, ch.State())

	require.NoError(t, ch.Connect(42))
	require.Equal(t, Connected, ch.State())
	sid, ok := ch.SID()
	require.True(t, ok)
	require.Equal(t, uint32(42), sid)

	require.NoError(t, ch.Disconnect())
	require.Equal(t, Disconnected, ch.State())
	_, ok = ch.SID()
	require.False(t, ok)

	require.NoError(t, ch.Connect(43))
	require.Equal(t, Connected, ch.State())

	require.NoError(t, ch.Destroy())
	require.Equal(t, Destroyed, ch.State())

	require.Equal(t, []State{NeverConnected, Searching, Connected, Disconnected, Connected}, req.prev)
	require.Equal(t, []State{Searching, Connected, Disconnected, Connected, Destroyed}, req.next)
}

func TestChannelRejectsInvalidTransitions(t *testing.T) {
	ch := New("test:pv", 0, "pva", nil)

	require.Error(t, ch.Connect(1))
	require.Equal(t, NeverConnected, ch.State())

	require.NoError(t, ch.BeginSearch())
	require.Error(t, ch.Disconnect())

	require.NoError(t, ch.Connect(1))
	require.Error(t, ch.BeginSearch())

	require.NoError(t, ch.Destroy())
	require.Error(t, ch.Destroy())
	require.Error(t, ch.Connect(2))
}

func TestReconnectReinitializesBoundOperations(t *testing.T) {
	ch := New("test:pv", 0, "pva", nil)
	require.NoError(t, ch.BeginSearch())
	require.NoError(t, ch.Connect(1))

	op := NewOperation()
	reinitCalled := make(chan struct{}, 1)
	op.OnReinitialize = func() { reinitCalled <- struct{}{} }
	ch.AddOperation(op)
	op.InitDone(true)
	require.Equal(t, OpReady, op.State())

	require.NoError(t, ch.Disconnect())
	require.Equal(t, OpReady, op.State())

	require.NoError(t, ch.Connect(2))
	select {
	case <-reinitCalled:
	default:
		t.Fatal("expected OnReinitialize to fire on reconnect")
	}
	require.Equal(t, OpCreated, op.State())
}

func TestDisconnectMarksOperationsInactiveWithoutDestroying(t *testing.T) {
	ch := New("test:pv", 0, "pva", nil)
	require.NoError(t, ch.BeginSearch())
	require.NoError(t, ch.Connect(1))

	op := NewOperation()
	destroyed := false
	op.OnDestroyed = func() { destroyed = true }
	ch.AddOperation(op)
	op.InitDone(true)

	disconnected := make(chan struct{}, 1)
	op.OnChannelDisconnected = func() { disconnected <- struct{}{} }

	require.NoError(t, ch.Disconnect())
	select {
	case <-disconnected:
	default:
		t.Fatal("expected OnChannelDisconnected to fire")
	}
	require.False(t, destroyed)
	require.Equal(t, OpReady, op.State())
}

func TestDestroyDestroysOperationsFirst(t *testing.T) {
	ch := New("test:pv", 0, "pva", nil)
	require.NoError(t, ch.BeginSearch())
	require.NoError(t, ch.Connect(1))

	op := NewOperation()
	ch.AddOperation(op)
	op.InitDone(true)

	require.NoError(t, ch.Destroy())
	require.Equal(t, OpDestroyed, op.State())
	require.Equal(t, Destroyed, ch.State())
}
