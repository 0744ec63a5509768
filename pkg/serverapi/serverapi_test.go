package serverapi_test

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/epics-go/pvaccess/internal/pvdata"
	"github.com/epics-go/pvaccess/internal/pvstatus"
	"github.com/epics-go/pvaccess/internal/search"
	"github.com/epics-go/pvaccess/internal/server"
	"github.com/epics-go/pvaccess/internal/wire"
	"github.com/epics-go/pvaccess/pkg/client"
	"github.com/epics-go/pvaccess/pkg/serverapi"
)

type counterPV struct{ value int32 }

func (p *counterPV) TypeDesc() pvdata.Descriptor { return pvdata.Scalar(pvdata.KindI32) }
func (p *counterPV) Get(ctx context.Context) (pvstatus.Status, pvdata.Value, *pvdata.BitSet) {
	return pvstatus.Ok, pvdata.Value{Desc: p.TypeDesc(), Scalar: p.value}, nil
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

func startTestServer(t *testing.T) (*serverapi.Server, *net.UDPAddr) {
	t.Helper()
	reg := server.NewRegistry()
	reg.Register(&counterProvider{pv: &counterPV{value: 1}})

	udpConn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	require.NoError(t, err)
	broadcastPort := udpConn.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, udpConn.Close())

	srv := serverapi.NewServer(serverapi.Config{
		ListenAddr:    "127.0.0.1:0",
		BroadcastPort: broadcastPort,
		BeaconPeriod:  50 * time.Millisecond,
		Registry:      reg,
	})

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

	return srv, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: broadcastPort}
}

func TestServerGUIDIsStablePerInstance(t *testing.T) {
	srv := serverapi.NewServer(serverapi.Config{})
	a := srv.GUID()
	b := srv.GUID()
	require.Equal(t, a, b)

	other := serverapi.NewServer(serverapi.Config{})
	require.NotEqual(t, a, other.GUID(), "two server instances should not collide on GUID")
}

func TestSearchResponseResolvesKnownChannel(t *testing.T) {
	_, broadcastAddr := startTestServer(t)

	respConn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	require.NoError(t, err)
	defer respConn.Close()
	respAddr := respConn.LocalAddr().(*net.UDPAddr)

	sendConn, err := net.DialUDP("udp4", nil, broadcastAddr)
	require.NoError(t, err)
	defer sendConn.Close()

	w := pvdata.NewWriter(binary.LittleEndian)
	search.EncodeRequest(w, search.Request{
		SequenceID:      42,
		Flags:           search.FlagReplyRequired,
		ResponseAddress: respAddr.IP,
		ResponsePort:    uint16(respAddr.Port),
		Protocols:       []string{"tcp"},
		Channels:        []search.RequestedChannel{{ChannelID: 7, Name: "counter:pv"}},
	})
	datagram := wire.EncodeDatagram(wire.CmdSearch, false, false, w.Bytes())
	_, err = sendConn.Write(datagram)
	require.NoError(t, err)

	buf := make([]byte, 1<<16)
	require.NoError(t, respConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := respConn.ReadFromUDP(buf)
	require.NoError(t, err)

	h, body, err := wire.DecodeDatagram(buf[:n])
	require.NoError(t, err)
	require.Equal(t, wire.CmdSearchResponse, h.Command)

	r := pvdata.NewReader(body, binary.LittleEndian)
	resp, err := search.DecodeResponse(r)
	require.NoError(t, err)
	require.True(t, resp.WasFound)
	require.Equal(t, []uint32{7}, resp.ChannelIDs)
	require.Equal(t, uint32(42), resp.SequenceID)
}

func TestClientFindAndGetAgainstRunningServer(t *testing.T) {
	_, broadcastAddr := startTestServer(t)

	cx, err := client.NewContext(client.Config{
		BroadcastPort: broadcastAddr.Port,
		SearchTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	defer cx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := cx.Find(ctx, "counter:pv")
	require.NoError(t, err)
	defer ch.Destroy()

	value, err := ch.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(1), value.Scalar)
}
