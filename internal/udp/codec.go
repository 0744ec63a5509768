// Package udp implements the UDP discovery-plane codec from spec.md §4.4:
// interface discovery, broadcast/unicast/multicast fan-out, the
// CMD_ORIGIN_TAG anti-spoofing tap-list filter, an ignored-address list,
// and a cooperative-shutdown receive loop. Grounded on the teacher's
// dual TCP/UDP portmap server (internal/protocol/portmap/server.go),
// whose serveUDP method uses the same read-deadline polling idiom this
// package uses at a tighter 100ms interval, per spec.md §4.4.
package udp

import (
	"net"
	"sync"
	"time"

	"github.com/epics-go/pvaccess/internal/logger"
)

// ReadTimeout is the socket read deadline used for cooperative shutdown,
// per spec.md §4.4.
const ReadTimeout = 100 * time.Millisecond

// Endpoint describes one discovered local interface usable for sending.
type Endpoint struct {
	InterfaceAddr net.IP
	Broadcast     net.IP
	Multicast     bool
	Loopback      bool
}

// SendFilter selects which endpoints a Send call targets.
type SendFilter int

const (
	SendAll SendFilter = iota
	SendUnicastOnly
	SendBroadcastMulticastOnly
)

// PacketHandler processes one received datagram. src is the sender's
// address; datagrams from an ignored address are dropped before this is
// called. The tap list is not applied on this path (see AcceptFromTap).
type PacketHandler func(payload []byte, src *net.UDPAddr)

// Codec drives one UDP socket's receive loop and offers fan-out send
// helpers across the discovered endpoint set.
type Codec struct {
	conn *net.UDPConn

	mu        sync.RWMutex
	endpoints []Endpoint
	tapList   map[string]bool // empty means "accept from anywhere"
	ignored   map[string]bool

	handler PacketHandler

	shutdown chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
}

// New wraps conn. Call DiscoverEndpoints (or SetEndpoints) before Start if
// fan-out sends are needed.
func New(conn *net.UDPConn, handler PacketHandler) *Codec {
	return &Codec{
		conn:     conn,
		tapList:  make(map[string]bool),
		ignored:  make(map[string]bool),
		handler:  handler,
		shutdown: make(chan struct{}),
	}
}

// DiscoverEndpoints enumerates local interfaces (address, broadcast,
// multicast capability, loopback), per spec.md §4.4. Errors reading a
// single interface's addresses are skipped rather than failing the whole
// discovery pass, since an unreadable virtual interface is common and
// non-fatal.
func (c *Codec) DiscoverEndpoints() error {
	ifaces, err := net.Interfaces()
	if err != nil {
		return err
	}
	var eps []Endpoint
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		loopback := iface.Flags&net.FlagLoopback != 0
		multicast := iface.Flags&net.FlagMulticast != 0
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			ep := Endpoint{InterfaceAddr: ipNet.IP, Multicast: multicast, Loopback: loopback}
			if iface.Flags&net.FlagBroadcast != 0 {
				ep.Broadcast = broadcastAddr(ipNet)
			}
			eps = append(eps, ep)
		}
	}
	c.mu.Lock()
	c.endpoints = eps
	c.mu.Unlock()
	return nil
}

func broadcastAddr(n *net.IPNet) net.IP {
	ip4 := n.IP.To4()
	if ip4 == nil {
		return nil
	}
	mask := n.Mask
	bcast := make(net.IP, 4)
	for i := range ip4 {
		bcast[i] = ip4[i] | ^mask[i]
	}
	return bcast
}

// SetEndpoints overrides the discovered endpoint list, e.g. in tests or
// when the caller supplies an explicit broadcast list (spec.md §4.4:
// "broadcast list is either supplied or auto-derived").
func (c *Codec) SetEndpoints(eps []Endpoint) {
	c.mu.Lock()
	c.endpoints = eps
	c.mu.Unlock()
}

// SetTapList restricts accepted CMD_ORIGIN_TAG-bearing traffic to the
// given interface addresses. An empty list accepts from anywhere.
func (c *Codec) SetTapList(addrs []net.IP) {
	c.mu.Lock()
	c.tapList = make(map[string]bool, len(addrs))
	for _, a := range addrs {
		c.tapList[a.String()] = true
	}
	c.mu.Unlock()
}

// IgnoreAddress adds a source IP to the drop-before-parsing list, per
// spec.md §4.4.
func (c *Codec) IgnoreAddress(ip net.IP) {
	c.mu.Lock()
	c.ignored[ip.String()] = true
	c.mu.Unlock()
}

// Send transmits payload to addr directly, with no fan-out.
func (c *Codec) Send(payload []byte, addr *net.UDPAddr) error {
	_, err := c.conn.WriteToUDP(payload, addr)
	return err
}

// Broadcast sends payload to every endpoint matching filter, on port.
func (c *Codec) Broadcast(payload []byte, port int, filter SendFilter) {
	c.mu.RLock()
	eps := append([]Endpoint(nil), c.endpoints...)
	c.mu.RUnlock()

	for _, ep := range eps {
		switch filter {
		case SendUnicastOnly:
			if ep.Broadcast != nil || ep.Multicast {
				continue
			}
		case SendBroadcastMulticastOnly:
			if ep.Broadcast == nil && !ep.Multicast {
				continue
			}
		}
		target := ep.Broadcast
		if target == nil {
			target = ep.InterfaceAddr
		}
		addr := &net.UDPAddr{IP: target, Port: port}
		if _, err := c.conn.WriteToUDP(payload, addr); err != nil {
			logger.Warn("udp: send failed", "target", target.String(), "err", err.Error())
		}
	}
}

// Start launches the cooperative-shutdown receive loop.
func (c *Codec) Start() {
	c.wg.Add(1)
	go c.recvLoop()
}

func (c *Codec) recvLoop() {
	defer c.wg.Done()
	buf := make([]byte, 1<<16)
	for {
		select {
		case <-c.shutdown:
			return
		default:
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
			logger.Warn("udp: set read deadline failed", "err", err.Error())
			return
		}
		n, src, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// Spurious transient errors are silently retried, per
			// spec.md §4.4; a closed socket (our own Stop) surfaces as
			// net.ErrClosed and exits the loop.
			select {
			case <-c.shutdown:
				return
			default:
				continue
			}
		}

		if c.dropped(src.IP) {
			continue
		}
		if c.handler != nil {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			c.handler(payload, src)
		}
	}
}

func (c *Codec) dropped(ip net.IP) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ignored[ip.String()]
}

// AcceptFromTap reports whether a CMD_ORIGIN_TAG-bearing packet from
// origin is accepted given the current tap list (empty list accepts
// everything), per spec.md §4.4.
func (c *Codec) AcceptFromTap(origin net.IP) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.tapList) == 0 {
		return true
	}
	return c.tapList[origin.String()]
}

// Stop cooperatively shuts the receive loop down and closes the socket.
// Idempotent.
func (c *Codec) Stop() {
	c.once.Do(func() {
		close(c.shutdown)
		_ = c.conn.Close()
	})
	c.wg.Wait()
}
