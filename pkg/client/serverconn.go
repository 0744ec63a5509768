package client

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"
	"weak"

	"github.com/cenkalti/backoff/v4"

	"github.com/epics-go/pvaccess/internal/auth"
	"github.com/epics-go/pvaccess/internal/logger"
	"github.com/epics-go/pvaccess/internal/pvdata"
	"github.com/epics-go/pvaccess/internal/pverrors"
	"github.com/epics-go/pvaccess/internal/pvstatus"
	"github.com/epics-go/pvaccess/internal/tcp"
	"github.com/epics-go/pvaccess/internal/wire"
)

// reconnectDialTimeout bounds a single redial attempt within the
// back-off loop; the back-off itself has no overall deadline.
const reconnectDialTimeout = 10 * time.Second

// payloadOrder matches the byte order internal/server's connection
// dispatch decodes and builds request/reply payloads in.
var payloadOrder binary.ByteOrder = binary.LittleEndian

func newPayloadWriter() *pvdata.Writer { return pvdata.NewWriter(payloadOrder) }

func writeU32(w *pvdata.Writer, v uint32) {
	b := make([]byte, 4)
	payloadOrder.PutUint32(b, v)
	w.WriteRaw(b)
}

// requestReplyHandler decodes one reply's payload (everything after the
// request id, already consumed) for exactly one outstanding request.
type requestReplyHandler func(r *pvdata.Reader)

// monitorSub is one live Monitor subscription's reply plumbing: a
// one-shot init signal carrying the channel's type descriptor, and a
// bounded queue of subsequent value updates.
type monitorSub struct {
	initOnce sync.Once
	initDone chan pvstatus.Status
	typeDesc pvdata.Descriptor

	updates chan MonitorUpdate
}

// MonitorUpdate is one value change delivered to a Monitor subscriber.
type MonitorUpdate struct {
	Value       pvdata.Value
	ChangeMask  *pvdata.BitSet
	OverrunMask *pvdata.BitSet
}

// monitorFrameKind mirrors the server's tag distinguishing a Monitor
// init acknowledgement from a subsequent value update; both arrive as
// CmdMonitor payloads.
type monitorFrameKind byte

const (
	monitorFrameInit monitorFrameKind = iota
	monitorFrameUpdate
)

// ServerConn is one TCP connection to a server, shared by every Channel
// opened against the same address. A transport loss that isn't a
// caller-requested Close triggers a back-off redial under the hood; the
// channels layered over it hold weak references here and reinitialize
// themselves transparently once the new connection validates, per
// spec.md's "transports hold weak references to the channels that use
// them and reconnect channels on reconnect".
type ServerConn struct {
	mu             sync.Mutex
	codec          *tcp.Codec
	addr           string
	heartbeat      time.Duration
	nextChannelID  uint32
	nextRequestID  uint32
	pendingCreate  map[uint32]chan createResult
	pendingRequest map[uint32]requestReplyHandler
	monitors       map[uint32]*monitorSub
	closeErr       error
	closeOnce      sync.Once

	// authPlugin is the caller's chosen AuthNZ plugin, picked during
	// ConnectionValidation; nil falls back to the anonymous plugin.
	authPlugin auth.Plugin
	// plugin is authPlugin (or its anonymous fallback) once negotiated,
	// used to answer subsequent AuthNZ challenge rounds.
	plugin auth.Plugin
	// validated carries the ConnectionValidated status exactly once per
	// connection attempt (initial or reconnect); no application message
	// may be sent before it fires, per spec.md §4.3.
	validated chan pvstatus.Status

	// closedCh is closed each time the current transport goes down,
	// waking any in-flight call blocked on a reply that will now never
	// arrive. A successful reconnect installs a fresh one before new
	// calls can start.
	closedCh chan struct{}
	// giveUp is closed exactly once, by close, to stop a running
	// reconnect back-off loop.
	giveUp chan struct{}
	// onClosed is reported exactly once, when the connection is torn
	// down for good (caller-requested, or the reconnect loop gave up).
	onClosed func(error)
	// closing is set before close's own codec.Close() call so the
	// codec's OnClose handler, invoked synchronously from within that
	// same call, doesn't recurse back into close's still-running
	// sync.Once (which would deadlock).
	closing bool

	channelsMu sync.Mutex
	channels   map[uint32]weak.Pointer[Channel]
}

// Done returns a channel closed whenever the current transport goes
// down, for callers that need to stop waiting on a reply that will now
// never arrive.
func (sc *ServerConn) Done() <-chan struct{} {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.closedCh
}

// enqueue schedules command/payload on the current transport, reading
// the codec pointer under lock so a concurrent reconnect can't race a
// send against the swap.
func (sc *ServerConn) enqueue(command wire.Command, payload []byte) error {
	sc.mu.Lock()
	codec := sc.codec
	sc.mu.Unlock()
	if codec == nil {
		return fmt.Errorf("pva client: enqueue: %w", pverrors.ErrDisconnected)
	}
	return codec.Enqueue(command, payload)
}

// registerChannel records a weak reference to ch so a future reconnect
// can find it and re-create it server-side. It does not keep ch alive.
func (sc *ServerConn) registerChannel(clientChannelID uint32, ch *Channel) {
	sc.channelsMu.Lock()
	sc.channels[clientChannelID] = weak.Make(ch)
	sc.channelsMu.Unlock()
}

// unregisterChannel drops a channel's reconnect entry, called once it's
// destroyed.
func (sc *ServerConn) unregisterChannel(clientChannelID uint32) {
	sc.channelsMu.Lock()
	delete(sc.channels, clientChannelID)
	sc.channelsMu.Unlock()
}

type createResult struct {
	sid    uint32
	status pvstatus.Status
}

func newServerConn(ctx context.Context, addr string, heartbeat time.Duration, authPlugin auth.Plugin, onClosed func(error)) (*ServerConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pva client: dial %s: %w", addr, err)
	}

	sc := &ServerConn{
		addr:           addr,
		heartbeat:      heartbeat,
		pendingCreate:  make(map[uint32]chan createResult),
		pendingRequest: make(map[uint32]requestReplyHandler),
		monitors:       make(map[uint32]*monitorSub),
		channels:       make(map[uint32]weak.Pointer[Channel]),
		authPlugin:     authPlugin,
		validated:      make(chan pvstatus.Status, 1),
		closedCh:       make(chan struct{}),
		giveUp:         make(chan struct{}),
		onClosed:       onClosed,
	}
	// During the initial handshake a transport failure must fail
	// newServerConn synchronously, not spawn a background reconnect
	// against an object the caller is about to discard; only once
	// validated do we rewire to the reconnect-aware close handler below.
	sc.codec = tcp.New(conn, tcp.RoleClient, heartbeat, sc.handle)
	sc.codec.OnClose(func(err error) {
		if sc.isClosing() {
			return
		}
		sc.close(err)
	})
	sc.codec.Start()

	select {
	case status := <-sc.validated:
		if !status.IsSuccess() {
			err := fmt.Errorf("pva client: connection validation failed: %s", status.Error())
			sc.close(err)
			return nil, err
		}
	case <-sc.closedCh:
		return nil, fmt.Errorf("pva client: connection closed before validation: %w", sc.closeErr)
	case <-ctx.Done():
		sc.close(ctx.Err())
		return nil, ctx.Err()
	}

	sc.installCodec(sc.codec)
	return sc, nil
}

// installCodec wires codec as sc's current transport and attaches the
// close handler that tells apart a caller-requested close (nil error,
// torn down for good) from a transport failure (attempt a reconnect).
func (sc *ServerConn) installCodec(codec *tcp.Codec) {
	sc.codec = codec
	codec.OnClose(func(err error) {
		if sc.isClosing() {
			return
		}
		if err == nil {
			sc.close(nil)
			return
		}
		sc.onTransportLost(err)
	})
}

func (sc *ServerConn) isClosing() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.closing
}

// onTransportLost handles an unrequested disconnect: it fails whatever
// was outstanding on this generation, marks every live channel
// Disconnected, and starts a back-off redial unless the connection has
// already been asked to close for good.
func (sc *ServerConn) onTransportLost(err error) {
	sc.mu.Lock()
	select {
	case <-sc.giveUp:
		sc.mu.Unlock()
		return
	default:
	}
	pendingCreate := sc.pendingCreate
	sc.pendingCreate = make(map[uint32]chan createResult)
	sc.pendingRequest = make(map[uint32]requestReplyHandler)
	oldClosed := sc.closedCh
	sc.closedCh = make(chan struct{})
	sc.mu.Unlock()

	for _, ch := range pendingCreate {
		ch <- createResult{status: pvstatus.FromError(pverrors.ErrDisconnected)}
	}
	close(oldClosed)

	sc.disconnectChannels()
	go sc.reconnectLoop()
}

func (sc *ServerConn) disconnectChannels() {
	sc.channelsMu.Lock()
	ptrs := make([]weak.Pointer[Channel], 0, len(sc.channels))
	for _, p := range sc.channels {
		ptrs = append(ptrs, p)
	}
	sc.channelsMu.Unlock()

	for _, p := range ptrs {
		if ch := p.Value(); ch != nil {
			_ = ch.internal.Disconnect()
		}
	}
}

// reconnectLoop redials sc.addr with exponential back-off (spec.md's
// reconnection requirement, using the same library the teacher's pack
// reserves for scalar retry policies) until it succeeds or sc is closed
// for good.
func (sc *ServerConn) reconnectLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sc.giveUp:
			cancel()
		case <-ctx.Done():
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		return sc.attemptReconnect(ctx)
	}, backoff.WithContext(b, ctx))
	if err != nil {
		sc.close(err)
	}
}

func (sc *ServerConn) attemptReconnect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, reconnectDialTimeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", sc.addr)
	if err != nil {
		return err
	}

	// As in newServerConn, a failure during this provisional codec's own
	// handshake must report back to attemptReconnect's caller (backoff),
	// not recurse into onTransportLost against a codec that never became
	// the live transport.
	failed := make(chan error, 1)
	codec := tcp.New(conn, tcp.RoleClient, sc.heartbeat, sc.handle)
	codec.OnClose(func(err error) {
		select {
		case failed <- err:
		default:
		}
	})

	sc.mu.Lock()
	sc.validated = make(chan pvstatus.Status, 1)
	sc.codec = codec
	validated := sc.validated
	sc.mu.Unlock()
	codec.Start()

	select {
	case status := <-validated:
		if !status.IsSuccess() {
			codec.Close()
			return fmt.Errorf("pva client: reconnect validation failed: %s", status.Error())
		}
	case err := <-failed:
		if err == nil {
			err = pverrors.ErrDisconnected
		}
		return err
	case <-ctx.Done():
		codec.Close()
		return ctx.Err()
	}

	sc.installCodec(codec)
	logger.Info("pva client: reconnected", logger.ClientAddr(sc.addr))
	sc.reconnectChannels(ctx)
	return nil
}

// reconnectChannels re-creates every still-live channel server-side and
// drives its state machine back to Connected, which fires each
// operation's auto-reinitialize per spec.md §4.6.
func (sc *ServerConn) reconnectChannels(ctx context.Context) {
	sc.channelsMu.Lock()
	ptrs := make(map[uint32]weak.Pointer[Channel], len(sc.channels))
	for id, p := range sc.channels {
		ptrs[id] = p
	}
	sc.channelsMu.Unlock()

	for clientChannelID, p := range ptrs {
		ch := p.Value()
		if ch == nil {
			sc.unregisterChannel(clientChannelID)
			continue
		}
		sc.reconnectChannel(ctx, clientChannelID, ch)
	}
}

func (sc *ServerConn) reconnectChannel(ctx context.Context, clientChannelID uint32, ch *Channel) {
	result := sc.registerCreate(clientChannelID)

	w := newPayloadWriter()
	writeU32(w, clientChannelID)
	w.WriteString(ch.name)
	if err := sc.enqueue(wire.CmdCreateChannel, w.Bytes()); err != nil {
		return
	}

	select {
	case res := <-result:
		if res.status.IsSuccess() {
			if err := ch.internal.Connect(res.sid); err == nil {
				ch.resubscribeMonitors()
			}
		}
	case <-ctx.Done():
	case <-sc.Done():
	}
}

func (sc *ServerConn) handle(command wire.Command, payload []byte, codec *tcp.Codec) {
	switch command {
	case wire.CmdConnectionValidation:
		sc.handleConnectionValidation(payload)
	case wire.CmdAuthNZ:
		sc.handleAuthNZ(payload)
	case wire.CmdConnectionValidated:
		sc.handleConnectionValidated(payload)
	case wire.CmdCreateChannel:
		sc.handleCreateChannelReply(payload)
	case wire.CmdGet, wire.CmdPut, wire.CmdPutGet, wire.CmdProcess, wire.CmdRPC, wire.CmdGetField, wire.CmdArray:
		sc.handleRequestReply(payload)
	case wire.CmdMonitor:
		sc.handleMonitorFrame(payload)
	default:
		logger.Debug("pva client: unhandled command", logger.Command(command.String()), logger.ClientAddr(sc.addr))
	}
}

func (sc *ServerConn) allocChannelID() uint32 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.nextChannelID++
	return sc.nextChannelID
}

func (sc *ServerConn) allocRequestID() uint32 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.nextRequestID++
	return sc.nextRequestID
}

func (sc *ServerConn) registerCreate(clientChannelID uint32) chan createResult {
	ch := make(chan createResult, 1)
	sc.mu.Lock()
	sc.pendingCreate[clientChannelID] = ch
	sc.mu.Unlock()
	return ch
}

func (sc *ServerConn) registerRequest(requestID uint32, handler requestReplyHandler) {
	sc.mu.Lock()
	sc.pendingRequest[requestID] = handler
	sc.mu.Unlock()
}

func (sc *ServerConn) cancelRequest(requestID uint32) {
	sc.mu.Lock()
	delete(sc.pendingRequest, requestID)
	sc.mu.Unlock()
}

func (sc *ServerConn) registerMonitor(requestID uint32) *monitorSub {
	sub := &monitorSub{
		initDone: make(chan pvstatus.Status, 1),
		updates:  make(chan MonitorUpdate, 64),
	}
	sc.mu.Lock()
	sc.monitors[requestID] = sub
	sc.mu.Unlock()
	return sub
}

func (sc *ServerConn) removeMonitor(requestID uint32) {
	sc.mu.Lock()
	delete(sc.monitors, requestID)
	sc.mu.Unlock()
}

func (sc *ServerConn) handleCreateChannelReply(payload []byte) {
	r := pvdata.NewReader(payload, payloadOrder)
	clientChannelID, err := r.ReadUint32Raw()
	if err != nil {
		return
	}
	sid, err := r.ReadUint32Raw()
	if err != nil {
		return
	}
	status, err := pvstatus.Decode(r)
	if err != nil {
		return
	}

	sc.mu.Lock()
	ch, ok := sc.pendingCreate[clientChannelID]
	delete(sc.pendingCreate, clientChannelID)
	sc.mu.Unlock()
	if ok {
		ch <- createResult{sid: sid, status: status}
	}
}

func (sc *ServerConn) handleRequestReply(payload []byte) {
	r := pvdata.NewReader(payload, payloadOrder)
	requestID, err := r.ReadUint32Raw()
	if err != nil {
		return
	}
	sc.mu.Lock()
	handler, ok := sc.pendingRequest[requestID]
	delete(sc.pendingRequest, requestID)
	sc.mu.Unlock()
	if ok {
		handler(r)
	}
}

func (sc *ServerConn) handleMonitorFrame(payload []byte) {
	r := pvdata.NewReader(payload, payloadOrder)
	requestID, err := r.ReadUint32Raw()
	if err != nil {
		return
	}
	kindByte, err := r.ReadByte()
	if err != nil {
		return
	}

	sc.mu.Lock()
	sub, ok := sc.monitors[requestID]
	sc.mu.Unlock()
	if !ok {
		return
	}

	status, err := pvstatus.Decode(r)
	if err != nil {
		return
	}

	switch monitorFrameKind(kindByte) {
	case monitorFrameInit:
		if status.IsSuccess() {
			desc, err := pvdata.DecodeDescriptor(r)
			if err == nil {
				sub.typeDesc = desc
			}
		}
		sub.initOnce.Do(func() { sub.initDone <- status })
	case monitorFrameUpdate:
		if !status.IsSuccess() {
			return
		}
		value, err := pvdata.DecodeValue(r, sub.typeDesc)
		if err != nil {
			return
		}
		changeMask, _ := r.ReadBitSet()
		overrunMask, _ := r.ReadBitSet()
		select {
		case sub.updates <- MonitorUpdate{Value: value, ChangeMask: changeMask, OverrunMask: overrunMask}:
		default:
			logger.Warn("pva client: monitor queue full, dropping update", logger.RequestID(requestID))
		}
	}
}

func (sc *ServerConn) close(err error) {
	sc.closeOnce.Do(func() {
		sc.mu.Lock()
		sc.closeErr = err
		if sc.closeErr == nil {
			sc.closeErr = pverrors.ErrDisconnected
		}
		sc.closing = true
		pendingCreate := sc.pendingCreate
		sc.pendingCreate = nil
		sc.pendingRequest = nil
		closedCh := sc.closedCh
		codec := sc.codec
		sc.mu.Unlock()

		for _, ch := range pendingCreate {
			ch <- createResult{status: pvstatus.FromError(pverrors.ErrDisconnected)}
		}
		close(sc.giveUp)
		select {
		case <-closedCh:
		default:
			close(closedCh)
		}
		if codec != nil {
			codec.Close()
		}
		if sc.onClosed != nil {
			sc.onClosed(err)
		}
	})
}
