package server

import (
	"context"

	"github.com/epics-go/pvaccess/internal/auth"
	"github.com/epics-go/pvaccess/internal/auth/plugins/anonymous"
	"github.com/epics-go/pvaccess/internal/pvdata"
	"github.com/epics-go/pvaccess/internal/pvstatus"
	"github.com/epics-go/pvaccess/internal/wire"
)

// defaultAuthRegistry offers only the anonymous plugin, for a server
// built without an explicit auth configuration.
func defaultAuthRegistry() *auth.Registry {
	reg := auth.NewRegistry()
	reg.Register(anonymous.New())
	return reg
}

// serverReceiveBufferSize and serverIntrospectionRegistrySize are sent
// verbatim in every ConnectionValidation message; this implementation
// keeps neither limit configurable yet, so both are fixed constants
// matching the teacher's connection buffer default.
const (
	serverReceiveBufferSize        = 1 << 16
	serverIntrospectionRegistrySize = 0
)

// sendConnectionValidation writes the server's half of spec.md §4.3's
// validation handshake: buffer sizes, the offered auth plugin names in
// preference order, and the server's GUID.
func (c *Connection) sendConnectionValidation() error {
	w := newPayloadWriter()
	writeU32(w, serverReceiveBufferSize)
	writeU32(w, serverIntrospectionRegistrySize)
	names := c.authRegistry.Names()
	w.WriteSize(uint32(len(names)))
	for _, name := range names {
		w.WriteString(name)
	}
	w.WriteRaw(c.guid[:])
	return c.codec.Enqueue(wire.CmdConnectionValidation, w.Bytes())
}

// handleConnectionValidation processes the client's chosen-plugin reply
// and runs InitServer's first round.
func (c *Connection) handleConnectionValidation(ctx context.Context, payload []byte) {
	r := pvdata.NewReader(payload, payloadOrder)
	pluginName, err := r.ReadString()
	if err != nil {
		c.failValidation(pvstatus.Errorf("connection validation: %v", err))
		return
	}
	initSize, err := r.ReadSize()
	if err != nil {
		c.failValidation(pvstatus.Errorf("connection validation: %v", err))
		return
	}
	initData, err := r.ReadRawBytes(int(initSize))
	if err != nil {
		c.failValidation(pvstatus.Errorf("connection validation: %v", err))
		return
	}
	// chosen_receive_buffer_size, unused: this implementation doesn't
	// resize its send path per connection.
	_, _ = r.ReadUint32Raw()

	plugin, err := c.authRegistry.Get(pluginName)
	if err != nil {
		c.failValidation(pvstatus.Errorf("connection validation: %v", err))
		return
	}

	c.mu.Lock()
	c.plugin = plugin
	c.mu.Unlock()

	c.runAuthRound(ctx, initData)
}

// handleAuthNZ processes one round's client response and continues or
// concludes the handshake.
func (c *Connection) handleAuthNZ(ctx context.Context, payload []byte) {
	r := pvdata.NewReader(payload, payloadOrder)
	size, err := r.ReadSize()
	if err != nil {
		c.failValidation(pvstatus.Errorf("authnz: %v", err))
		return
	}
	data, err := r.ReadRawBytes(int(size))
	if err != nil {
		c.failValidation(pvstatus.Errorf("authnz: %v", err))
		return
	}
	c.runAuthRound(ctx, data)
}

func (c *Connection) runAuthRound(ctx context.Context, initData []byte) {
	c.mu.Lock()
	plugin := c.plugin
	c.mu.Unlock()

	done, status, nextInit, err := plugin.InitServer(ctx, initData)
	if err != nil {
		c.failValidation(pvstatus.FromError(err))
		return
	}
	if !done {
		w := newPayloadWriter()
		w.WriteSize(uint32(len(nextInit)))
		w.WriteRaw(nextInit)
		_ = c.codec.Enqueue(wire.CmdAuthNZ, w.Bytes())
		return
	}
	c.concludeValidation(status)
}

func (c *Connection) failValidation(status pvstatus.Status) {
	c.concludeValidation(status)
}

func (c *Connection) concludeValidation(status pvstatus.Status) {
	c.mu.Lock()
	c.validated = status.IsSuccess()
	c.mu.Unlock()

	w := newPayloadWriter()
	status.Encode(w)
	_ = c.codec.Enqueue(wire.CmdConnectionValidated, w.Bytes())
}

func (c *Connection) isValidated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validated
}
