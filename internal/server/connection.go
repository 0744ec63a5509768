package server

import (
	"context"
	"encoding/binary"
	"net"
	"sync"

	"github.com/epics-go/pvaccess/internal/auth"
	"github.com/epics-go/pvaccess/internal/logger"
	"github.com/epics-go/pvaccess/internal/pvdata"
	"github.com/epics-go/pvaccess/internal/pvstatus"
	"github.com/epics-go/pvaccess/internal/tcp"
	"github.com/epics-go/pvaccess/internal/wire"
)

// Connection is one accepted TCP connection: a codec plus the table of
// server-side channels it has created, keyed by server-assigned SID.
// Grounded on the teacher's per-connection handleTCPConn in
// internal/protocol/portmap/server.go, generalized from portmap's
// one-shot request/reply to a long-lived, multi-channel connection.
type Connection struct {
	codec        *tcp.Codec
	registry     *Registry
	authRegistry *auth.Registry
	guid         [12]byte

	mu        sync.Mutex
	channels  map[uint32]*serverChannel
	nextSID   uint32
	validated bool
	plugin    auth.Plugin

	remoteAddr string
}

// NewConnection wraps conn as a server-side connection, dispatching
// against registry. heartbeatInterval is 0 on the server side since
// spec.md §4.3 has the client originate Echo and the server reply
// silently. A nil authRegistry falls back to offering only the
// anonymous plugin, matching a bare NewServer(Config{}) having no
// explicit auth configuration.
func NewConnection(conn net.Conn, registry *Registry, authRegistry *auth.Registry, guid [12]byte) *Connection {
	if authRegistry == nil {
		authRegistry = defaultAuthRegistry()
	}
	c := &Connection{
		registry:     registry,
		authRegistry: authRegistry,
		guid:         guid,
		channels:     make(map[uint32]*serverChannel),
		remoteAddr:   conn.RemoteAddr().String(),
	}
	c.codec = tcp.New(conn, tcp.RoleServer, 0, c.handle)
	c.codec.OnClose(func(err error) {
		logger.Info("pva: connection closed", logger.ClientAddr(c.remoteAddr), logger.Err(err))
	})
	return c
}

// Start begins serving the connection and sends the opening
// ConnectionValidation message; call Wait to block until its goroutines
// unwind once the peer disconnects.
func (c *Connection) Start() {
	c.codec.Start()
	if err := c.sendConnectionValidation(); err != nil {
		logger.Debug("pva: send connection validation failed", logger.ClientAddr(c.remoteAddr), logger.Err(err))
	}
}

// Close tears down the underlying codec.
func (c *Connection) Close() { c.codec.Close() }

// Wait blocks until the connection's goroutines have exited.
func (c *Connection) Wait() { c.codec.Wait() }

func (c *Connection) handle(command wire.Command, payload []byte, codec *tcp.Codec) {
	ctx := context.Background()

	switch command {
	case wire.CmdConnectionValidation:
		c.handleConnectionValidation(ctx, payload)
		return
	case wire.CmdAuthNZ:
		c.handleAuthNZ(ctx, payload)
		return
	}

	// No application message is permitted until validation succeeds
	// (spec.md §4.3).
	if !c.isValidated() {
		logger.Debug("pva: dropping command before validation", logger.Command(command.String()), logger.ClientAddr(c.remoteAddr))
		return
	}

	switch command {
	case wire.CmdCreateChannel:
		c.handleCreateChannel(ctx, payload)
	case wire.CmdDestroyChannel:
		c.handleDestroyChannel(payload)
	case wire.CmdGet:
		c.handleGet(ctx, payload)
	case wire.CmdPut:
		c.handlePut(ctx, payload)
	case wire.CmdPutGet:
		c.handlePutGet(ctx, payload)
	case wire.CmdProcess:
		c.handleProcess(ctx, payload)
	case wire.CmdRPC:
		c.handleRPC(ctx, payload)
	case wire.CmdGetField:
		c.handleGetField(payload)
	case wire.CmdArray:
		c.handleArray(ctx, payload)
	case wire.CmdMonitor:
		c.handleMonitor(payload)
	case wire.CmdDestroyRequest:
		c.handleDestroyRequest(payload)
	default:
		logger.Debug("pva: unhandled command", logger.Command(command.String()), logger.ClientAddr(c.remoteAddr))
	}
}

// payloadOrder is the byte order request payloads are decoded in and
// replies are built in. The codec frames the reply under whatever byte
// order is currently negotiated for the connection; this only governs
// each payload's internal encoding.
var payloadOrder binary.ByteOrder = binary.LittleEndian

func newPayloadWriter() *pvdata.Writer { return pvdata.NewWriter(payloadOrder) }

func writeU32(w *pvdata.Writer, v uint32) {
	b := make([]byte, 4)
	payloadOrder.PutUint32(b, v)
	w.WriteRaw(b)
}

func (c *Connection) handleCreateChannel(ctx context.Context, payload []byte) {
	r := pvdata.NewReader(payload, payloadOrder)
	clientChannelID, err := r.ReadUint32Raw()
	if err != nil {
		return
	}
	name, err := r.ReadString()
	if err != nil {
		return
	}

	pv, _, found := c.registry.Create(ctx, name)

	c.mu.Lock()
	var sid uint32
	if found {
		c.nextSID++
		sid = c.nextSID
		c.channels[sid] = newServerChannel(sid, name, pv)
	}
	c.mu.Unlock()

	w := newPayloadWriter()
	writeU32(w, clientChannelID)
	writeU32(w, sid)
	if found {
		pvstatus.Ok.Encode(w)
	} else {
		pvstatus.Errorf("channel %q not found", name).Encode(w)
	}
	_ = c.codec.Enqueue(wire.CmdCreateChannel, w.Bytes())
}

func (c *Connection) handleDestroyChannel(payload []byte) {
	r := pvdata.NewReader(payload, payloadOrder)
	sid, err := r.ReadUint32Raw()
	if err != nil {
		return
	}
	c.mu.Lock()
	delete(c.channels, sid)
	c.mu.Unlock()

	w := newPayloadWriter()
	writeU32(w, sid)
	_ = c.codec.Enqueue(wire.CmdDestroyChannel, w.Bytes())
}

func (c *Connection) lookupChannel(sid uint32) (*serverChannel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[sid]
	return ch, ok
}

func (c *Connection) handleGet(ctx context.Context, payload []byte) {
	r := pvdata.NewReader(payload, payloadOrder)
	sid, requestID, ok := readRequestHeader(r)
	if !ok {
		return
	}
	ch, found := c.lookupChannel(sid)
	if !found {
		return
	}
	ch.beginOperation(requestID, byte(wire.CmdGet))
	status, value, mask := ch.doGet(ctx)
	ch.endOperation(requestID)

	w := newPayloadWriter()
	writeU32(w, requestID)
	status.Encode(w)
	if status.IsSuccess() {
		_ = pvdata.EncodeValue(w, value)
		if mask != nil {
			w.WriteBitSet(mask)
		}
	}
	_ = c.codec.Enqueue(wire.CmdGet, w.Bytes())
}

func (c *Connection) handlePut(ctx context.Context, payload []byte) {
	r := pvdata.NewReader(payload, payloadOrder)
	sid, requestID, ok := readRequestHeader(r)
	if !ok {
		return
	}
	ch, found := c.lookupChannel(sid)
	if !found {
		return
	}
	value, err := pvdata.DecodeValue(r, ch.pv.TypeDesc())
	if err != nil {
		return
	}
	mask, _ := r.ReadBitSet()

	ch.beginOperation(requestID, byte(wire.CmdPut))
	status := ch.doPut(ctx, value, mask)
	ch.endOperation(requestID)

	w := newPayloadWriter()
	writeU32(w, requestID)
	status.Encode(w)
	_ = c.codec.Enqueue(wire.CmdPut, w.Bytes())
}

func (c *Connection) handlePutGet(ctx context.Context, payload []byte) {
	r := pvdata.NewReader(payload, payloadOrder)
	sid, requestID, ok := readRequestHeader(r)
	if !ok {
		return
	}
	ch, found := c.lookupChannel(sid)
	if !found {
		return
	}
	value, err := pvdata.DecodeValue(r, ch.pv.TypeDesc())
	if err != nil {
		return
	}
	mask, _ := r.ReadBitSet()

	ch.beginOperation(requestID, byte(wire.CmdPutGet))
	status, getValue, getMask := ch.doPutGet(ctx, value, mask)
	ch.endOperation(requestID)

	w := newPayloadWriter()
	writeU32(w, requestID)
	status.Encode(w)
	if status.IsSuccess() {
		_ = pvdata.EncodeValue(w, getValue)
		if getMask != nil {
			w.WriteBitSet(getMask)
		}
	}
	_ = c.codec.Enqueue(wire.CmdPutGet, w.Bytes())
}

func (c *Connection) handleProcess(ctx context.Context, payload []byte) {
	r := pvdata.NewReader(payload, payloadOrder)
	sid, requestID, ok := readRequestHeader(r)
	if !ok {
		return
	}
	ch, found := c.lookupChannel(sid)
	if !found {
		return
	}
	ch.beginOperation(requestID, byte(wire.CmdProcess))
	status := ch.doProcess(ctx)
	ch.endOperation(requestID)

	w := newPayloadWriter()
	writeU32(w, requestID)
	status.Encode(w)
	_ = c.codec.Enqueue(wire.CmdProcess, w.Bytes())
}

func (c *Connection) handleRPC(ctx context.Context, payload []byte) {
	r := pvdata.NewReader(payload, payloadOrder)
	sid, requestID, ok := readRequestHeader(r)
	if !ok {
		return
	}
	ch, found := c.lookupChannel(sid)
	if !found {
		return
	}
	arg, err := pvdata.DecodeValue(r, pvdata.Descriptor{})
	if err != nil {
		return
	}

	ch.beginOperation(requestID, byte(wire.CmdRPC))
	status, response := ch.doRPC(ctx, arg)
	ch.endOperation(requestID)

	w := newPayloadWriter()
	writeU32(w, requestID)
	status.Encode(w)
	if status.IsSuccess() {
		_ = pvdata.EncodeValue(w, response)
	}
	_ = c.codec.Enqueue(wire.CmdRPC, w.Bytes())
}

// handleGetField answers the introspection round-trip every operation
// performs before its first real request: the client asks for a PV's
// type descriptor (optionally scoped to a sub-field, left unsupported
// here since every PV this core serves exposes a single flat type).
func (c *Connection) handleGetField(payload []byte) {
	r := pvdata.NewReader(payload, payloadOrder)
	sid, requestID, ok := readRequestHeader(r)
	if !ok {
		return
	}
	ch, found := c.lookupChannel(sid)
	if !found {
		return
	}
	_, _ = r.ReadString() // sub-field path, ignored

	w := newPayloadWriter()
	writeU32(w, requestID)
	pvstatus.Ok.Encode(w)
	_ = pvdata.EncodeDescriptor(w, ch.pv.TypeDesc())
	_ = c.codec.Enqueue(wire.CmdGetField, w.Bytes())
}

// handleArray dispatches the Array operation's four methods, selected by
// the subcommand byte per spec.md §4.7: SubcmdGet selects getArray,
// SubcmdGetPut selects getLength, SubcmdProcess selects setLength, and a
// bare subcommand selects putArray.
func (c *Connection) handleArray(ctx context.Context, payload []byte) {
	r := pvdata.NewReader(payload, payloadOrder)
	sid, requestID, ok := readRequestHeader(r)
	if !ok {
		return
	}
	ch, found := c.lookupChannel(sid)
	if !found {
		return
	}
	subByte, err := r.ReadByte()
	if err != nil {
		return
	}
	sub := wire.Subcommand(subByte)

	ch.beginOperation(requestID, byte(wire.CmdArray))
	w := newPayloadWriter()
	writeU32(w, requestID)

	switch {
	case sub.Has(wire.SubcmdGet):
		offset, _ := r.ReadUint32Raw()
		count, _ := r.ReadUint32Raw()
		status, values := ch.doGetArray(ctx, int(offset), int(count))
		status.Encode(w)
		if status.IsSuccess() {
			_ = pvdata.EncodeValue(w, values)
		}
	case sub.Has(wire.SubcmdGetPut):
		status, length := ch.doArrayLength(ctx)
		status.Encode(w)
		if status.IsSuccess() {
			writeU32(w, uint32(length))
		}
	case sub.Has(wire.SubcmdProcess):
		length, _ := r.ReadUint32Raw()
		capacity, _ := r.ReadUint32Raw()
		status := ch.doSetArrayLength(ctx, int(int32(length)), int(int32(capacity)))
		status.Encode(w)
	default:
		offset, _ := r.ReadUint32Raw()
		count, _ := r.ReadUint32Raw()
		values, err := pvdata.DecodeValue(r, ch.pv.TypeDesc())
		if err != nil {
			ch.endOperation(requestID)
			return
		}
		status := ch.doPutArray(ctx, int(offset), int(count), values)
		status.Encode(w)
	}
	ch.endOperation(requestID)
	_ = c.codec.Enqueue(wire.CmdArray, w.Bytes())
}

// monitorFrameKind tags a CmdMonitor reply as either the one-time init
// acknowledgement (carrying the channel's type descriptor) or a
// subsequent value update, since both share the same wire command.
type monitorFrameKind byte

const (
	monitorFrameInit monitorFrameKind = iota
	monitorFrameUpdate
)

// handleMonitor starts or stops a subscription, per spec.md §4.7's
// Monitor operation. SubcmdInit subscribes and acknowledges with the
// type descriptor; SubcmdDestroy unsubscribes. Every value change is
// pushed back unsolicited as a monitorFrameUpdate-tagged CmdMonitor
// message carrying the new value and change/overrun masks.
func (c *Connection) handleMonitor(payload []byte) {
	r := pvdata.NewReader(payload, payloadOrder)
	sid, requestID, ok := readRequestHeader(r)
	if !ok {
		return
	}
	ch, found := c.lookupChannel(sid)
	if !found {
		return
	}
	subByte, err := r.ReadByte()
	if err != nil {
		return
	}
	sub := wire.Subcommand(subByte)

	if sub.Has(wire.SubcmdDestroy) {
		ch.endOperation(requestID)
		return
	}

	ch.beginOperation(requestID, byte(wire.CmdMonitor))
	status, unsubscribe := ch.doMonitorInit(func(value pvdata.Value, changeMask, overrunMask *pvdata.BitSet) {
		uw := newPayloadWriter()
		writeU32(uw, requestID)
		uw.WriteByte(byte(monitorFrameUpdate))
		pvstatus.Ok.Encode(uw)
		_ = pvdata.EncodeValue(uw, value)
		if changeMask == nil {
			changeMask = pvdata.NewBitSet(0)
		}
		if overrunMask == nil {
			overrunMask = pvdata.NewBitSet(0)
		}
		uw.WriteBitSet(changeMask)
		uw.WriteBitSet(overrunMask)
		_ = c.codec.Enqueue(wire.CmdMonitor, uw.Bytes())
	})
	if unsubscribe != nil {
		ch.setUnsubscribe(requestID, unsubscribe)
	}

	w := newPayloadWriter()
	writeU32(w, requestID)
	w.WriteByte(byte(monitorFrameInit))
	status.Encode(w)
	if status.IsSuccess() {
		_ = pvdata.EncodeDescriptor(w, ch.pv.TypeDesc())
	}
	_ = c.codec.Enqueue(wire.CmdMonitor, w.Bytes())
}

func (c *Connection) handleDestroyRequest(payload []byte) {
	r := pvdata.NewReader(payload, payloadOrder)
	sid, requestID, ok := readRequestHeader(r)
	if !ok {
		return
	}
	if ch, found := c.lookupChannel(sid); found {
		ch.endOperation(requestID)
	}
}

func readRequestHeader(r *pvdata.Reader) (sid, requestID uint32, ok bool) {
	var err error
	sid, err = r.ReadUint32Raw()
	if err != nil {
		return 0, 0, false
	}
	requestID, err = r.ReadUint32Raw()
	if err != nil {
		return 0, 0, false
	}
	return sid, requestID, true
}
