package udp

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/epics-go/pvaccess/internal/pvdata"
	"github.com/stretchr/testify/require"
)

func listenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	return conn
}

func TestCodecSendReceive(t *testing.T) {
	serverConn := listenUDP(t)
	defer serverConn.Close()
	clientConn := listenUDP(t)
	defer clientConn.Close()

	received := make(chan []byte, 1)
	server := New(serverConn, func(payload []byte, src *net.UDPAddr) {
		received <- payload
	})
	server.Start()
	defer server.Stop()

	client := New(clientConn, nil)
	err := client.Send([]byte("search"), serverConn.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	select {
	case got := <-received:
		require.Equal(t, []byte("search"), got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestCodecIgnoredAddressDropsBeforeHandler(t *testing.T) {
	serverConn := listenUDP(t)
	defer serverConn.Close()
	clientConn := listenUDP(t)
	defer clientConn.Close()

	received := make(chan []byte, 1)
	server := New(serverConn, func(payload []byte, src *net.UDPAddr) {
		received <- payload
	})
	clientAddr := clientConn.LocalAddr().(*net.UDPAddr)
	server.IgnoreAddress(clientAddr.IP)
	server.Start()
	defer server.Stop()

	client := New(clientConn, nil)
	require.NoError(t, client.Send([]byte("dropped"), serverConn.LocalAddr().(*net.UDPAddr)))

	select {
	case <-received:
		t.Fatal("expected datagram to be dropped")
	case <-time.After(3 * ReadTimeout):
	}
}

func TestTapListAcceptsOnlyListedOrigins(t *testing.T) {
	conn := listenUDP(t)
	defer conn.Close()
	c := New(conn, nil)

	allowed := net.ParseIP("192.168.1.5")
	require.True(t, c.AcceptFromTap(allowed)) // empty tap list accepts all

	c.SetTapList([]net.IP{allowed})
	require.True(t, c.AcceptFromTap(allowed))
	require.False(t, c.AcceptFromTap(net.ParseIP("10.0.0.9")))
}

func TestOriginTagRoundTrip(t *testing.T) {
	addr := net.ParseIP("::ffff:10.1.2.3")
	w := pvdata.NewWriter(binary.BigEndian)
	EncodeOriginTag(w, addr)
	r := pvdata.NewReader(w.Bytes(), binary.BigEndian)
	got, err := DecodeOriginTag(r)
	require.NoError(t, err)
	require.True(t, addr.Equal(got))
}

func TestStopIsIdempotent(t *testing.T) {
	conn := listenUDP(t)
	c := New(conn, nil)
	c.Start()
	c.Stop()
	require.NotPanics(t, func() { c.Stop() })
}
