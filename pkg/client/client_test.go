package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/epics-go/pvaccess/internal/pvdata"
	"github.com/epics-go/pvaccess/internal/pvstatus"
	"github.com/epics-go/pvaccess/internal/server"
	"github.com/stretchr/testify/require"

	"github.com/epics-go/pvaccess/pkg/client"
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

func (p *counterPV) Process(ctx context.Context) pvstatus.Status {
	p.value++
	return pvstatus.Ok
}

type counterProvider struct{ pv *counterPV }

func (p *counterProvider) Name() string { return "counter" }
func (p *counterProvider) ChannelFind(ctx context.Context, name string) bool {
	return name == "counter:pv"
}
func (p *counterProvider) CreateChannel(ctx context.Context, name string) (server.PV, bool) {
	if name != "counter:pv" {
		return nil, false
	}
	return p.pv, true
}

func startTestServer(t *testing.T) string {
	t.Helper()
	reg := server.NewRegistry()
	reg.Register(&counterProvider{pv: &counterPV{value: 42}})
	srv := server.NewServer(server.Config{ListenAddr: "127.0.0.1:0", Registry: reg})

	ready := make(chan struct{})
	go func() {
		go func() {
			for srv.Addr() == "" {
				time.Sleep(time.Millisecond)
			}
			close(ready)
		}()
		_ = srv.Serve(context.Background())
	}()
	<-ready
	t.Cleanup(srv.Stop)
	return srv.Addr()
}

func TestChannelGetPutRoundTrip(t *testing.T) {
	addr := startTestServer(t)

	cx, err := client.NewContext(client.DefaultConfig())
	require.NoError(t, err)
	defer cx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := cx.Channel(ctx, addr, "counter:pv")
	require.NoError(t, err)
	defer ch.Destroy()

	value, err := ch.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(42), value.Scalar)

	err = ch.Put(ctx, pvdata.Value{Desc: value.Desc, Scalar: int32(7)}, nil)
	require.NoError(t, err)

	value, err = ch.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(7), value.Scalar)
}

func TestChannelProcess(t *testing.T) {
	addr := startTestServer(t)

	cx, err := client.NewContext(client.DefaultConfig())
	require.NoError(t, err)
	defer cx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := cx.Channel(ctx, addr, "counter:pv")
	require.NoError(t, err)
	defer ch.Destroy()

	require.NoError(t, ch.Process(ctx))

	value, err := ch.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(43), value.Scalar)
}

func TestChannelCreateUnknownNameFails(t *testing.T) {
	addr := startTestServer(t)

	cx, err := client.NewContext(client.DefaultConfig())
	require.NoError(t, err)
	defer cx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = cx.Channel(ctx, addr, "does:not:exist")
	require.Error(t, err)
}
