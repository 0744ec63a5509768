// Package tcp implements the per-connection TCP codec from spec.md §4.3:
// a FIFO send queue drained by one sender goroutine, a receive goroutine
// that frames and dispatches incoming messages, heartbeat/echo, the
// connection validation handshake, and byte-order negotiation. Grounded
// on the teacher's dual TCP/UDP portmap server
// (internal/protocol/portmap/server.go): one goroutine per direction, a
// shutdown channel closed exactly once, deadline-based cooperative
// shutdown on blocking reads.
package tcp

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/epics-go/pvaccess/internal/logger"
	"github.com/epics-go/pvaccess/internal/pverrors"
	"github.com/epics-go/pvaccess/internal/wire"
	"github.com/epics-go/pvaccess/pkg/bufpool"
)

// payloadPool supplies the per-message receive buffers in recvLoop.
// Buffers backing a reassembled SegComplete frame are handed to
// responseHandler verbatim, so they return to the pool only after the
// handler returns; fragments consumed by the reassembler return
// immediately, per its own copy-on-reassembly contract.
var payloadPool = bufpool.NewPool(nil)

// FlushPolicy selects when the sender goroutine flushes accumulated
// outgoing bytes to the socket, per spec.md §4.3.
type FlushPolicy int

const (
	Immediate FlushPolicy = iota
	Delayed
	UserControlled
)

// Role identifies which side of the connection this codec represents;
// it controls the frame header's role bit and which side originates
// heartbeats (spec.md §4.3: "A client-role codec sends an Echo request
// ... A server-role codec silently replies to Echo and never originates
// it").
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// ResponseHandler processes one fully reassembled incoming message. It
// must not retain payload past return (spec.md §4.3).
type ResponseHandler func(command wire.Command, payload []byte, codec *Codec)

// CloseHandler is invoked exactly once when the codec transitions to
// Closed, with the error that caused the close (nil for a caller-
// requested graceful close).
type CloseHandler func(err error)

// sendJob is one enqueued sender callback plus the channel used to
// deliver a cancellation status if the codec closes before it runs.
type sendJob struct {
	command wire.Command
	control bool
	payload []byte
	done    chan error
}

// Codec drives one PVA TCP connection's send and receive loops.
type Codec struct {
	conn net.Conn
	role Role

	heartbeatInterval time.Duration
	flushPolicy       FlushPolicy

	sendOrder binary.ByteOrder
	recvOrder binary.ByteOrder

	queue  chan sendJob
	closed chan struct{}
	once   sync.Once

	mu         sync.Mutex
	lastActivity time.Time
	echoPending  bool
	unresponsive bool

	responseHandler ResponseHandler
	onClose         CloseHandler

	wg sync.WaitGroup
}

// New builds a Codec over conn. Call Start to launch its goroutines.
func New(conn net.Conn, role Role, heartbeatInterval time.Duration, handler ResponseHandler) *Codec {
	return &Codec{
		conn:              conn,
		role:              role,
		heartbeatInterval: heartbeatInterval,
		flushPolicy:       Immediate,
		sendOrder:         binary.BigEndian,
		recvOrder:         binary.BigEndian,
		queue:             make(chan sendJob, 64),
		closed:            make(chan struct{}),
		responseHandler:   handler,
		lastActivity:      time.Now(),
	}
}

// OnClose registers the callback fired once the codec closes.
func (c *Codec) OnClose(fn CloseHandler) { c.onClose = fn }

// Start launches the sender, receiver, and (client role only) heartbeat
// goroutines.
func (c *Codec) Start() {
	c.wg.Add(2)
	go c.sendLoop()
	go c.recvLoop()
	if c.role == RoleClient && c.heartbeatInterval > 0 {
		c.wg.Add(1)
		go c.heartbeatLoop()
	}
}

// Enqueue schedules command/payload for transmission. Ordering is FIFO
// among callers from the same goroutine; fairness across goroutines is
// not guaranteed (spec.md §4.3). Returns pverrors.ErrDisconnected if the
// codec is already closed, or ErrCancelled if it closes before the
// message is sent.
func (c *Codec) Enqueue(command wire.Command, payload []byte) error {
	return c.enqueue(command, false, payload)
}

// EnqueueControl schedules a zero-payload control message (e.g.
// SetByteOrder), per spec.md §4.1.
func (c *Codec) EnqueueControl(ctrl wire.ControlCommand) error {
	return c.enqueue(wire.Command(ctrl), true, nil)
}

func (c *Codec) enqueue(command wire.Command, control bool, payload []byte) error {
	job := sendJob{command: command, control: control, payload: payload, done: make(chan error, 1)}
	select {
	case <-c.closed:
		return fmt.Errorf("tcp: enqueue: %w", pverrors.ErrDisconnected)
	case c.queue <- job:
	}
	select {
	case err := <-job.done:
		return err
	case <-c.closed:
		return fmt.Errorf("tcp: enqueue: %w", pverrors.ErrCancelled)
	}
}

func (c *Codec) sendLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.closed:
			c.drainQueue()
			return
		case job := <-c.queue:
			err := c.writeJob(job)
			job.done <- err
			if err != nil {
				c.fail(err)
				c.drainQueue()
				return
			}
		}
	}
}

func (c *Codec) drainQueue() {
	for {
		select {
		case job := <-c.queue:
			job.done <- fmt.Errorf("tcp: %w", pverrors.ErrCancelled)
		default:
			return
		}
	}
}

func (c *Codec) writeJob(job sendJob) error {
	fromServer := c.role == RoleServer
	var frames []wire.Frame
	if job.control {
		frames = []wire.Frame{{Header: wire.Header{
			Version:    wire.ProtocolRevision,
			Control:    true,
			FromServer: fromServer,
			BigEndian:  c.sendOrder == binary.BigEndian,
			Command:    job.command,
		}}}
	} else {
		frames = wire.Split(job.command, c.sendOrder == binary.BigEndian, fromServer, job.payload)
	}

	for _, f := range frames {
		hdr := make([]byte, wire.HeaderSize)
		wire.Encode(hdr, f.Header)
		if _, err := c.conn.Write(hdr); err != nil {
			return err
		}
		if len(f.Payload) > 0 {
			if _, err := c.conn.Write(f.Payload); err != nil {
				return err
			}
		}
	}
	c.markActivity()

	// SetByteOrder flips our own future send order, matching the control
	// message's documented effect on "the peer's send order for
	// subsequent messages" as seen from the originating side.
	if job.control && wire.ControlCommand(job.command) == wire.CtrlSetByteOrder {
		c.flipSendOrder()
	}
	return nil
}

func (c *Codec) flipSendOrder() {
	if c.sendOrder == binary.BigEndian {
		c.sendOrder = binary.LittleEndian
	} else {
		c.sendOrder = binary.BigEndian
	}
}

func (c *Codec) recvLoop() {
	defer c.wg.Done()
	var reassembler wire.Reassembler
	hdrBuf := make([]byte, wire.HeaderSize)

	for {
		select {
		case <-c.closed:
			return
		default:
		}

		if _, err := readFull(c.conn, hdrBuf); err != nil {
			c.fail(err)
			return
		}
		hdr, err := wire.Decode(hdrBuf)
		if err != nil {
			c.fail(err)
			return
		}
		if hdr.BigEndian {
			c.recvOrder = binary.BigEndian
		} else {
			c.recvOrder = binary.LittleEndian
		}
		c.markActivity()

		if hdr.Control {
			c.handleControl(hdr)
			continue
		}

		var payload []byte
		if hdr.PayloadSize > 0 {
			payload = payloadPool.Get(int(hdr.PayloadSize))
			if _, err := readFull(c.conn, payload); err != nil {
				payloadPool.Put(payload)
				c.fail(err)
				return
			}
		}

		segComplete := hdr.Segment == wire.SegComplete
		full, done, err := reassembler.Feed(hdr, payload)
		if !segComplete {
			payloadPool.Put(payload)
		}
		if err != nil {
			c.fail(err)
			return
		}
		if !done {
			continue
		}

		if hdr.Command == wire.CmdEcho {
			if segComplete {
				payloadPool.Put(payload)
			}
			c.handleEcho(hdr)
			continue
		}
		if c.responseHandler != nil {
			c.responseHandler(hdr.Command, full, c)
		}
		if segComplete {
			payloadPool.Put(payload)
		}
	}
}

func (c *Codec) handleControl(hdr wire.Header) {
	switch wire.ControlCommand(hdr.Command) {
	case wire.CtrlSetByteOrder:
		// recvOrder already updated above from the header's own flags;
		// nothing further to do, per spec.md §4.1.
	case wire.CtrlSetMarker, wire.CtrlAckMarker:
		// Flow-control markers: no-op placeholders in this core.
	}
}

func (c *Codec) handleEcho(hdr wire.Header) {
	if c.role == RoleServer {
		_ = c.Enqueue(wire.CmdEcho, nil) // silent reply, per spec.md §4.3
		return
	}
	c.mu.Lock()
	c.echoPending = false
	c.mu.Unlock()
}

func (c *Codec) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.heartbeatInterval / 4)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			idle := time.Since(c.lastActivity)
			pending := c.echoPending
			c.mu.Unlock()

			if pending && idle >= 2*c.heartbeatInterval {
				logger.Warn("tcp: peer unresponsive, closing connection")
				c.fail(pverrors.ErrUnresponsive)
				return
			}
			if !pending && idle >= c.heartbeatInterval {
				c.mu.Lock()
				c.echoPending = true
				c.mu.Unlock()
				_ = c.Enqueue(wire.CmdEcho, nil)
			}
		}
	}
}

func (c *Codec) markActivity() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Codec) fail(err error) {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
		if c.onClose != nil {
			c.onClose(err)
		}
	})
}

// Close gracefully shuts the codec down. Idempotent, per spec.md §4.3.
func (c *Codec) Close() {
	c.fail(nil)
}

// Wait blocks until all of the codec's goroutines have exited.
func (c *Codec) Wait() { c.wg.Wait() }

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
