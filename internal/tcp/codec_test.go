package tcp

import (
	"net"
	"testing"
	"time"

	"github.com/epics-go/pvaccess/internal/wire"
	"github.com/stretchr/testify/require"
)

func TestCodecSendReceiveRoundTrip(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	received := make(chan []byte, 1)
	server := New(serverConn, RoleServer, 0, func(cmd wire.Command, payload []byte, c *Codec) {
		if cmd == wire.CmdCreateChannel {
			received <- append([]byte(nil), payload...)
		}
	})
	server.Start()
	defer server.Close()

	client := New(clientConn, RoleClient, 0, nil)
	client.Start()
	defer client.Close()

	require.NoError(t, client.Enqueue(wire.CmdCreateChannel, []byte("hello")))

	select {
	case got := <-received:
		require.Equal(t, []byte("hello"), got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestCodecEchoServerRepliesSilently(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	server := New(serverConn, RoleServer, 0, nil)
	server.Start()
	defer server.Close()

	echoed := make(chan struct{}, 1)
	client := New(clientConn, RoleClient, 0, func(cmd wire.Command, payload []byte, c *Codec) {})
	client.Start()
	defer client.Close()

	client.mu.Lock()
	client.echoPending = true
	client.mu.Unlock()
	require.NoError(t, client.Enqueue(wire.CmdEcho, nil))

	// The echo reply flips echoPending back to false on the client side;
	// poll the client's echoPending flag under its lock until it clears.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		client.mu.Lock()
		pending := client.echoPending
		client.mu.Unlock()
		if !pending {
			close(echoed)
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case <-echoed:
	default:
		t.Fatal("client did not observe echo reply")
	}
}

func TestCodecEnqueueAfterCloseFails(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	client := New(clientConn, RoleClient, 0, nil)
	client.Start()
	client.Close()
	client.Wait()

	err := client.Enqueue(wire.CmdEcho, nil)
	require.Error(t, err)
}
