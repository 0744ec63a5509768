// Package client is the public, library-first entry point for talking to
// PV Access servers: it owns one process's UDP discovery plane (search
// requests, beacon/anomaly tracking) and the pool of TCP connections
// opened to resolved servers, handing out Channel handles bound to
// individual PVs. Grounded on the teacher's top-level client package
// shape (a long-lived Context composing the lower internal/ codecs),
// generalized from dittofs's single-backend dial to PVA's
// search-then-connect two-plane model.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/epics-go/pvaccess/internal/auth"
	"github.com/epics-go/pvaccess/internal/beacon"
	"github.com/epics-go/pvaccess/internal/logger"
	"github.com/epics-go/pvaccess/internal/search"
	"github.com/epics-go/pvaccess/internal/udp"
	"github.com/epics-go/pvaccess/internal/wire"
)

// Config controls one Context's discovery and connection behavior.
type Config struct {
	// BroadcastPort is the UDP port search requests are broadcast to.
	BroadcastPort int
	// SearchTimeout is defaulted to 5s when unset. FindChannel and Channel
	// do not apply it: they wait until a server answers or ctx is done.
	SearchTimeout time.Duration
	// HeartbeatInterval is passed to every TCP codec this Context opens;
	// 0 disables client-originated heartbeats.
	HeartbeatInterval time.Duration
	// AuthPlugin is offered during every connection's ConnectionValidation
	// handshake; nil falls back to the anonymous plugin.
	AuthPlugin auth.Plugin
}

// DefaultConfig returns the PV Access default UDP port, a 5 second
// search timeout, and a 15 second heartbeat, per spec.md §6.
func DefaultConfig() Config {
	return Config{
		BroadcastPort:     wire.DefaultUDPPort,
		SearchTimeout:     5 * time.Second,
		HeartbeatInterval: 15 * time.Second,
	}
}

// Context is one client's discovery plane plus its pool of open server
// connections. Create one per process; share it across every Channel
// that process opens.
type Context struct {
	cfg Config

	udpConn *net.UDPConn
	codec   *udp.Codec
	mgr     *search.Manager
	tracker *beacon.Tracker

	findsMu   sync.Mutex
	finds     map[uint32]chan foundResult
	sendTimes map[uint32]time.Time
	nextChID  uint32
	nextSeq   uint32

	connsMu sync.Mutex
	conns   map[string]*ServerConn

	shutdown chan struct{}
	wg       sync.WaitGroup
}

type foundResult struct {
	addr *net.UDPAddr
}

// NewContext opens an ephemeral UDP socket for the discovery plane and
// starts the search scheduler and its receive loop.
func NewContext(cfg Config) (*Context, error) {
	if cfg.BroadcastPort == 0 {
		cfg.BroadcastPort = wire.DefaultUDPPort
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = 5 * time.Second
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("pva client: listen udp: %w", err)
	}

	cx := &Context{
		cfg:       cfg,
		udpConn:   conn,
		mgr:       search.NewManager(search.MaxSearchPeriod, search.MinRTT, true),
		tracker:   beacon.NewTracker(),
		finds:     make(map[uint32]chan foundResult),
		sendTimes: make(map[uint32]time.Time),
		conns:     make(map[string]*ServerConn),
		shutdown:  make(chan struct{}),
	}
	cx.tracker.OnAnomaly = func(guid [12]byte, addr net.IP, port uint16) {
		cx.mgr.Boost()
	}

	cx.codec = udp.New(conn, cx.handleDatagram)
	if err := cx.codec.DiscoverEndpoints(); err != nil {
		logger.Warn("pva client: discover endpoints failed", logger.Err(err))
	}
	cx.codec.Start()

	cx.wg.Add(cx.mgr.NumBuckets())
	for k := 0; k < cx.mgr.NumBuckets(); k++ {
		go cx.bucketLoop(k)
	}

	return cx, nil
}

// LocalAddr returns the discovery socket's bound local address, used as
// a search request's response_address/response_port fields.
func (cx *Context) LocalAddr() *net.UDPAddr {
	return cx.udpConn.LocalAddr().(*net.UDPAddr)
}

// Close stops the discovery plane and every open server connection.
func (cx *Context) Close() {
	close(cx.shutdown)
	cx.codec.Stop()
	cx.wg.Wait()

	cx.connsMu.Lock()
	conns := make([]*ServerConn, 0, len(cx.conns))
	for _, sc := range cx.conns {
		conns = append(conns, sc)
	}
	cx.conns = nil
	cx.connsMu.Unlock()
	for _, sc := range conns {
		sc.close(nil)
	}
}

// dial returns the cached ServerConn for addr, opening a new one on
// first use.
func (cx *Context) dial(ctx context.Context, addr string) (*ServerConn, error) {
	cx.connsMu.Lock()
	if sc, ok := cx.conns[addr]; ok {
		cx.connsMu.Unlock()
		return sc, nil
	}
	cx.connsMu.Unlock()

	sc, err := newServerConn(ctx, addr, cx.cfg.HeartbeatInterval, cx.cfg.AuthPlugin, func(error) {
		cx.connsMu.Lock()
		if cx.conns != nil && cx.conns[addr] == sc {
			delete(cx.conns, addr)
		}
		cx.connsMu.Unlock()
	})
	if err != nil {
		return nil, err
	}

	cx.connsMu.Lock()
	if existing, ok := cx.conns[addr]; ok {
		cx.connsMu.Unlock()
		sc.close(nil)
		return existing, nil
	}
	cx.conns[addr] = sc
	cx.connsMu.Unlock()
	return sc, nil
}
