package client_test

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/epics-go/pvaccess/internal/server"
	"github.com/epics-go/pvaccess/pkg/client"
	"github.com/epics-go/pvaccess/pkg/memprovider"
)

// tcpProxy sits between the client and a real PVA server so a test can
// sever the client's transport without touching the server itself,
// simulating the transport loss ServerConn's reconnect loop is meant to
// recover from.
type tcpProxy struct {
	upstream string
	ln       net.Listener

	mu    sync.Mutex
	conns []net.Conn
}

func newTCPProxy(t *testing.T, upstream string) *tcpProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &tcpProxy{upstream: upstream, ln: ln}
	go p.acceptLoop()
	t.Cleanup(func() { _ = ln.Close() })
	return p
}

func (p *tcpProxy) Addr() string { return p.ln.Addr().String() }

func (p *tcpProxy) acceptLoop() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		go p.handle(conn)
	}
}

func (p *tcpProxy) handle(downstream net.Conn) {
	upstream, err := net.Dial("tcp", p.upstream)
	if err != nil {
		_ = downstream.Close()
		return
	}

	p.mu.Lock()
	p.conns = append(p.conns, downstream, upstream)
	p.mu.Unlock()

	done := make(chan struct{}, 2)
	go func() { _, _ = io.Copy(upstream, downstream); done <- struct{}{} }()
	go func() { _, _ = io.Copy(downstream, upstream); done <- struct{}{} }()
	<-done
	_ = downstream.Close()
	_ = upstream.Close()
}

// killAll forcibly closes every connection the proxy has forwarded so
// far, dropping the client's transport out from under it while the
// proxy listener (and the real server behind it) stay up to accept the
// reconnect.
func (p *tcpProxy) killAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func startMemProviderServer(t *testing.T, names ...string) string {
	t.Helper()
	reg := server.NewRegistry()
	reg.Register(memprovider.New(names...))
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

func TestServerConnReconnectsAfterTransportLoss(t *testing.T) {
	addr := startMemProviderServer(t, "memory:pv")
	proxy := newTCPProxy(t, addr)

	cx, err := client.NewContext(client.DefaultConfig())
	require.NoError(t, err)
	defer cx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := cx.Channel(ctx, proxy.Addr(), "memory:pv")
	require.NoError(t, err)
	defer ch.Destroy()

	_, err = ch.Get(ctx)
	require.NoError(t, err)

	proxy.killAll()

	require.Eventually(t, func() bool {
		getCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err := ch.Get(getCtx)
		return err == nil
	}, 20*time.Second, 200*time.Millisecond, "channel should recover once the transport reconnects")
}

func TestChannelMonitorResubscribesAfterReconnect(t *testing.T) {
	addr := startMemProviderServer(t, "memory:pv")
	proxy := newTCPProxy(t, addr)

	cx, err := client.NewContext(client.DefaultConfig())
	require.NoError(t, err)
	defer cx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := cx.Channel(ctx, proxy.Addr(), "memory:pv")
	require.NoError(t, err)
	defer ch.Destroy()

	updates, unsubscribe, err := ch.Monitor(ctx)
	require.NoError(t, err)
	defer unsubscribe()

	proxy.killAll()

	require.Eventually(t, func() bool {
		putCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		value, err := ch.Get(putCtx)
		if err != nil {
			return false
		}
		field, ok := value.Field("value")
		if !ok {
			return false
		}
		field.Scalar = field.Scalar.(float64) + 1
		if err := value.SetField("value", field); err != nil {
			return false
		}
		return ch.Put(putCtx, value, nil) == nil
	}, 20*time.Second, 200*time.Millisecond, "put should succeed once the channel reconnects")

	select {
	case <-updates:
	case <-time.After(5 * time.Second):
		t.Fatal("expected a monitor update once the resubscribed channel sees a new value")
	}
}
