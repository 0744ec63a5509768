// Package serverapi is the public, embeddable entry point for running a
// PV Access server: it composes the TCP request/response plane
// (internal/server), the UDP search responder and beacon emitter
// (internal/udp, internal/search, internal/beacon), and the
// Prometheus collectors (internal/metrics) behind a single Config/Server
// pair. Grounded on the teacher's top-level server composition root
// (cmd/dfsd wiring listener + background loops + metrics into one
// struct), generalized from dittofs's single-plane listener to PVA's
// combined TCP+UDP server.
package serverapi

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/epics-go/pvaccess/internal/auth"
	"github.com/epics-go/pvaccess/internal/beacon"
	"github.com/epics-go/pvaccess/internal/logger"
	"github.com/epics-go/pvaccess/internal/metrics"
	"github.com/epics-go/pvaccess/internal/pvdata"
	"github.com/epics-go/pvaccess/internal/search"
	"github.com/epics-go/pvaccess/internal/server"
	"github.com/epics-go/pvaccess/internal/udp"
	"github.com/epics-go/pvaccess/internal/wire"
)

// payloadOrder is the byte order this server writes UDP search
// responses and beacons in; DecodeDatagram tells us what order an
// incoming datagram used, but this server always replies in its own.
var payloadOrder binary.ByteOrder = binary.LittleEndian

// Config controls one Server's listeners, beaconing, and instrumentation.
type Config struct {
	// ListenAddr is the TCP address the request/response plane binds to.
	ListenAddr string
	// BroadcastPort is the UDP port the search responder and beacon
	// emitter bind to and broadcast on.
	BroadcastPort int
	// BeaconPeriod is the interval between unsolicited beacon broadcasts.
	BeaconPeriod time.Duration
	// Registry resolves channel names to a PV for CreateChannel and
	// Search.
	Registry *server.Registry
	// AuthRegistry offers the AuthNZ plugins advertised in every
	// connection's ConnectionValidation message. Nil offers only the
	// anonymous plugin.
	AuthRegistry *auth.Registry
	// MetricsRegisterer receives this server's Prometheus collectors.
	// Nil builds unregistered collectors, useful for tests.
	MetricsRegisterer prometheus.Registerer
}

// Server is one running PV Access server process: a TCP connection
// acceptor plus a UDP search/beacon plane, sharing one GUID and one
// provider registry.
type Server struct {
	cfg     Config
	guid    [12]byte
	tcp     *server.Server
	metrics *metrics.Metrics

	udpCodec *udp.Codec

	beaconSeq   uint16
	changeCount uint16

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewServer builds a Server from cfg, generating a fresh per-process
// GUID. Call Serve to start accepting.
func NewServer(cfg Config) *Server {
	return &Server{
		cfg:      cfg,
		guid:     generateGUID(),
		metrics:  metrics.New(cfg.MetricsRegisterer),
		shutdown: make(chan struct{}),
	}
}

// generateGUID derives a 12-byte server identity from a fresh UUID XORed
// with the process start time in milliseconds, per SPEC_FULL.md §6: the
// value changes across restarts without any persistent storage, so
// clients correctly detect "new server" via internal/beacon's Tracker.
func generateGUID() [12]byte {
	id := uuid.New()
	var guid [12]byte
	copy(guid[:], id[:12])

	var bootBytes [8]byte
	binary.BigEndian.PutUint64(bootBytes[:], uint64(time.Now().UnixMilli()))
	for i := range guid {
		guid[i] ^= bootBytes[i%8]
	}
	return guid
}

// GUID returns this server's 12-byte identity, as sent in
// ConnectionValidation and every beacon.
func (s *Server) GUID() [12]byte { return s.guid }

// Addr returns the TCP listener's bound address, valid once Serve has
// started listening.
func (s *Server) Addr() string {
	if s.tcp == nil {
		return ""
	}
	return s.tcp.Addr()
}

// Serve starts the TCP acceptor and the UDP search/beacon plane, and
// blocks until ctx is cancelled or Stop is called.
func (s *Server) Serve(ctx context.Context) error {
	s.tcp = server.NewServer(server.Config{
		ListenAddr:   s.cfg.ListenAddr,
		Registry:     s.cfg.Registry,
		AuthRegistry: s.cfg.AuthRegistry,
		GUID:         s.guid,
	})

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: s.cfg.BroadcastPort})
	if err != nil {
		return fmt.Errorf("pva serverapi: listen udp :%d: %w", s.cfg.BroadcastPort, err)
	}
	s.udpCodec = udp.New(conn, s.handleDatagram)
	if err := s.udpCodec.DiscoverEndpoints(); err != nil {
		logger.Warn("pva serverapi: discover endpoints failed", logger.Err(err))
	}
	s.udpCodec.Start()

	beaconPeriod := s.cfg.BeaconPeriod
	if beaconPeriod <= 0 {
		beaconPeriod = 15 * time.Second
	}
	s.wg.Add(1)
	go s.beaconLoop(beaconPeriod)

	return s.tcp.Serve(ctx)
}

// Stop tears down the TCP acceptor and the UDP plane, waiting for both
// to fully unwind.
func (s *Server) Stop() {
	if s.tcp != nil {
		s.tcp.Stop()
	}
	close(s.shutdown)
	if s.udpCodec != nil {
		s.udpCodec.Stop()
	}
	s.wg.Wait()
}

func (s *Server) beaconLoop(period time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	s.sendBeacon()
	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.sendBeacon()
		}
	}
}

func (s *Server) sendBeacon() {
	tcpAddr := s.Addr()
	host, portStr, err := net.SplitHostPort(tcpAddr)
	if err != nil {
		return
	}
	port, err := parsePort(portStr)
	if err != nil {
		return
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.IsUnspecified() {
		ip = net.IPv4zero
	}

	s.beaconSeq++
	w := pvdata.NewWriter(payloadOrder)
	beacon.Encode(w, beacon.Payload{
		GUID:       s.guid,
		BeaconSeq:  s.beaconSeq,
		ChangeCount: s.changeCount,
		ServerAddr: ip,
		ServerPort: uint16(port),
		Protocol:   "tcp",
	})
	datagram := wire.EncodeDatagram(wire.CmdBeacon, payloadOrder == binary.BigEndian, true, w.Bytes())
	s.udpCodec.Broadcast(datagram, s.cfg.BroadcastPort, udp.SendAll)
	s.metrics.RecordFrameSent()
}

func parsePort(s string) (int, error) {
	var port int
	_, err := fmt.Sscanf(s, "%d", &port)
	return port, err
}

func (s *Server) handleDatagram(payload []byte, src *net.UDPAddr) {
	h, body, err := wire.DecodeDatagram(payload)
	if err != nil {
		return
	}
	s.metrics.RecordFrameReceived("server")

	order := binary.ByteOrder(binary.LittleEndian)
	if h.BigEndian {
		order = binary.BigEndian
	}

	switch h.Command {
	case wire.CmdSearch:
		s.handleSearch(body, order, src)
	case wire.CmdBeacon:
		// servers don't track other servers' beacons; only clients do.
	default:
		logger.Debug("pva serverapi: unhandled datagram command", logger.Command(h.Command.String()))
	}
}

func (s *Server) handleSearch(body []byte, order binary.ByteOrder, src *net.UDPAddr) {
	r := pvdata.NewReader(body, order)
	req, err := search.DecodeRequest(r)
	if err != nil {
		logger.Debug("pva serverapi: decode search request failed", logger.Err(err))
		return
	}
	if s.cfg.Registry == nil {
		return
	}

	ctx := context.Background()
	var matched []uint32
	for _, ch := range req.Channels {
		if _, ok := s.cfg.Registry.Find(ctx, ch.Name); ok {
			matched = append(matched, ch.ChannelID)
		}
	}

	replyRequired := req.Flags&search.FlagReplyRequired != 0
	if len(matched) == 0 && !replyRequired {
		return
	}

	tcpAddr := s.Addr()
	host, portStr, err := net.SplitHostPort(tcpAddr)
	if err != nil {
		return
	}
	port, err := parsePort(portStr)
	if err != nil {
		return
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.IsUnspecified() {
		ip = src.IP
	}

	w := pvdata.NewWriter(payloadOrder)
	search.EncodeResponse(w, search.Response{
		GUID:          s.guid,
		SequenceID:    req.SequenceID,
		ServerAddress: ip,
		ServerPort:    uint16(port),
		Protocol:      "tcp",
		ChannelIDs:    matched,
		WasFound:      len(matched) > 0,
	})
	datagram := wire.EncodeDatagram(wire.CmdSearchResponse, payloadOrder == binary.BigEndian, true, w.Bytes())

	dest := &net.UDPAddr{IP: req.ResponseAddress, Port: int(req.ResponsePort)}
	if dest.IP == nil || dest.IP.IsUnspecified() {
		dest = src
	}
	if err := s.udpCodec.Send(datagram, dest); err != nil {
		logger.Debug("pva serverapi: send search response failed", logger.Err(err))
		return
	}
	s.metrics.RecordFrameSent()
}
