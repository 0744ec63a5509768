package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/epics-go/pvaccess/internal/pvdata"
	"github.com/epics-go/pvaccess/internal/pvstatus"
	"github.com/epics-go/pvaccess/internal/tcp"
	"github.com/epics-go/pvaccess/internal/wire"
	"github.com/stretchr/testify/require"
)

type counterPV struct {
	value int32
}

func (p *counterPV) TypeDesc() pvdata.Descriptor { return pvdata.Scalar(pvdata.KindI32) }

func (p *counterPV) Get(ctx context.Context) (pvstatus.Status, pvdata.Value, *pvdata.BitSet) {
	return pvstatus.Ok, pvdata.Value{Desc: p.TypeDesc(), Scalar: p.value}, nil
}

func (p *counterPV) Put(ctx context.Context, value pvdata.Value, mask *pvdata.BitSet) pvstatus.Status {
	n, ok := value.Scalar.(int32)
	if !ok {
		return pvstatus.Errorf("expected int32")
	}
	p.value = n
	return pvstatus.Ok
}

type counterProvider struct{ pv *counterPV }

func (p *counterProvider) Name() string { return "counter" }
func (p *counterProvider) ChannelFind(ctx context.Context, name string) bool {
	return name == "counter:pv"
}
func (p *counterProvider) CreateChannel(ctx context.Context, name string) (PV, bool) {
	if name != "counter:pv" {
		return nil, false
	}
	return p.pv, true
}

func TestConnectionCreateChannelAssignsSID(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	reg := NewRegistry()
	reg.Register(&counterProvider{pv: &counterPV{}})

	sc := NewConnection(serverConn, reg, nil, [12]byte{})
	sc.Start()
	defer sc.Close()

	replies := make(chan []byte, 1)
	client, validated := newValidatingTestClient(clientConn, func(cmd wire.Command, payload []byte) {
		if cmd == wire.CmdCreateChannel {
			replies <- append([]byte(nil), payload...)
		}
	})
	client.Start()
	defer client.Close()
	requireValidated(t, validated)

	w := newPayloadWriter()
	writeU32(w, 7)
	w.WriteString("counter:pv")
	require.NoError(t, client.Enqueue(wire.CmdCreateChannel, w.Bytes()))

	select {
	case payload := <-replies:
		r := pvdata.NewReader(payload, payloadOrder)
		clientChannelID, err := r.ReadUint32Raw()
		require.NoError(t, err)
		require.Equal(t, uint32(7), clientChannelID)
		sid, err := r.ReadUint32Raw()
		require.NoError(t, err)
		require.Equal(t, uint32(1), sid)
		status, err := pvstatus.Decode(r)
		require.NoError(t, err)
		require.True(t, status.IsSuccess())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CreateChannel reply")
	}
}

func TestConnectionCreateChannelUnknownNameFails(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	reg := NewRegistry()
	reg.Register(&counterProvider{pv: &counterPV{}})

	sc := NewConnection(serverConn, reg, nil, [12]byte{})
	sc.Start()
	defer sc.Close()

	replies := make(chan []byte, 1)
	client, validated := newValidatingTestClient(clientConn, func(cmd wire.Command, payload []byte) {
		if cmd == wire.CmdCreateChannel {
			replies <- append([]byte(nil), payload...)
		}
	})
	client.Start()
	defer client.Close()
	requireValidated(t, validated)

	w := newPayloadWriter()
	writeU32(w, 1)
	w.WriteString("no:such:pv")
	require.NoError(t, client.Enqueue(wire.CmdCreateChannel, w.Bytes()))

	select {
	case payload := <-replies:
		r := pvdata.NewReader(payload, payloadOrder)
		_, err := r.ReadUint32Raw()
		require.NoError(t, err)
		sid, err := r.ReadUint32Raw()
		require.NoError(t, err)
		require.Equal(t, uint32(0), sid)
		status, err := pvstatus.Decode(r)
		require.NoError(t, err)
		require.True(t, status.IsFailure())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CreateChannel reply")
	}
}

func TestConnectionGetRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	reg := NewRegistry()
	reg.Register(&counterProvider{pv: &counterPV{value: 42}})

	sc := NewConnection(serverConn, reg, nil, [12]byte{})
	sc.Start()
	defer sc.Close()

	createReplies := make(chan []byte, 1)
	getReplies := make(chan []byte, 1)
	client, validated := newValidatingTestClient(clientConn, func(cmd wire.Command, payload []byte) {
		switch cmd {
		case wire.CmdCreateChannel:
			createReplies <- append([]byte(nil), payload...)
		case wire.CmdGet:
			getReplies <- append([]byte(nil), payload...)
		}
	})
	client.Start()
	defer client.Close()
	requireValidated(t, validated)

	w := newPayloadWriter()
	writeU32(w, 1)
	w.WriteString("counter:pv")
	require.NoError(t, client.Enqueue(wire.CmdCreateChannel, w.Bytes()))

	var sid uint32
	select {
	case payload := <-createReplies:
		r := pvdata.NewReader(payload, payloadOrder)
		_, _ = r.ReadUint32Raw()
		sid, _ = r.ReadUint32Raw()
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for CreateChannel reply")
	}

	gw := newPayloadWriter()
	writeU32(gw, sid)
	writeU32(gw, 100)
	require.NoError(t, client.Enqueue(wire.CmdGet, gw.Bytes()))

	select {
	case payload := <-getReplies:
		r := pvdata.NewReader(payload, payloadOrder)
		requestID, err := r.ReadUint32Raw()
		require.NoError(t, err)
		require.Equal(t, uint32(100), requestID)
		status, err := pvstatus.Decode(r)
		require.NoError(t, err)
		require.True(t, status.IsSuccess())
		value, err := pvdata.DecodeValue(r, pvdata.Scalar(pvdata.KindI32))
		require.NoError(t, err)
		require.Equal(t, int32(42), value.Scalar)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Get reply")
	}
}

// newValidatingTestClient wraps conn in a client-role tcp.Codec that
// transparently completes spec.md §4.3's validation handshake as the
// anonymous plugin before forwarding any other command to onApp, and
// returns a channel closed once ConnectionValidated arrives.
func newValidatingTestClient(conn net.Conn, onApp func(cmd wire.Command, payload []byte)) (*tcp.Codec, chan pvstatus.Status) {
	validated := make(chan pvstatus.Status, 1)
	var codec *tcp.Codec
	codec = tcp.New(conn, tcp.RoleClient, 0, func(cmd wire.Command, payload []byte, c *tcp.Codec) {
		switch cmd {
		case wire.CmdConnectionValidation:
			w := newPayloadWriter()
			w.WriteString("ca")
			w.WriteSize(0)
			writeU32(w, serverReceiveBufferSize)
			_ = codec.Enqueue(wire.CmdConnectionValidation, w.Bytes())
		case wire.CmdConnectionValidated:
			r := pvdata.NewReader(payload, payloadOrder)
			status, _ := pvstatus.Decode(r)
			validated <- status
		default:
			onApp(cmd, payload)
		}
	})
	return codec, validated
}

func requireValidated(t *testing.T, validated chan pvstatus.Status) {
	t.Helper()
	select {
	case status := <-validated:
		require.True(t, status.IsSuccess())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ConnectionValidated")
	}
}
