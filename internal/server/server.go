package server

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/epics-go/pvaccess/internal/auth"
	"github.com/epics-go/pvaccess/internal/logger"
)

// Config holds the listener configuration for a PV Access server,
// mirroring the shape of the teacher's portmap.ServerConfig.
type Config struct {
	// ListenAddr is the TCP address to accept channel connections on,
	// e.g. ":5075".
	ListenAddr string
	// Registry resolves channel names to a PV for CreateChannel.
	Registry *Registry
	// AuthRegistry offers the AuthNZ plugins advertised in each
	// connection's ConnectionValidation message. A nil registry falls
	// back to offering only the anonymous plugin.
	AuthRegistry *auth.Registry
	// GUID is sent in every connection's ConnectionValidation message
	// and every beacon this server context emits (spec.md §6); it
	// identifies one server process lifetime.
	GUID [12]byte
}

// Server accepts TCP connections and dispatches PV Access requests
// against its provider registry. Grounded on the teacher's
// portmap.Server: a listener, a cooperative shutdown channel guarded by
// sync.Once, and a WaitGroup tracking every spawned connection
// goroutine.
type Server struct {
	config   Config
	listener net.Listener

	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup

	mu          sync.Mutex
	connections map[*Connection]struct{}
}

// NewServer builds a Server from cfg. Call Serve to start accepting.
func NewServer(cfg Config) *Server {
	return &Server{
		config:      cfg,
		shutdown:    make(chan struct{}),
		connections: make(map[*Connection]struct{}),
	}
}

// Serve listens on the configured address and accepts connections until
// ctx is cancelled or Stop is called. It blocks until the accept loop
// exits.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("pva server: listen %s: %w", s.config.ListenAddr, err)
	}
	s.listener = ln
	logger.Info("pva: server listening", logger.LocalAddr(ln.Addr().String()))

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.shutdown:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
				logger.Debug("pva: accept error", logger.Err(err))
				return err
			}
		}

		c := NewConnection(conn, s.config.Registry, s.config.AuthRegistry, s.config.GUID)
		s.mu.Lock()
		s.connections[c] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.connections, c)
				s.mu.Unlock()
			}()
			c.Start()
			c.Wait()
		}()
	}
}

// Addr returns the listener's bound address, for tests that bind to
// port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener and every open connection, then waits for
// their goroutines to exit.
func (s *Server) Stop() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.mu.Lock()
		conns := make([]*Connection, 0, len(s.connections))
		for c := range s.connections {
			conns = append(conns, c)
		}
		s.mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	s.wg.Wait()
}
