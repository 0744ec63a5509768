package client

import (
	"context"

	"github.com/epics-go/pvaccess/internal/auth/plugins/anonymous"
	"github.com/epics-go/pvaccess/internal/pvdata"
	"github.com/epics-go/pvaccess/internal/pvstatus"
	"github.com/epics-go/pvaccess/internal/wire"
)

// chosenReceiveBufferSize is sent back in every ConnectionValidation
// reply; this client doesn't yet negotiate a smaller buffer than the
// server offers.
const chosenReceiveBufferSize = 1 << 16

// handleConnectionValidation answers the server's opening
// ConnectionValidation message with this connection's chosen auth
// plugin and its first round of init data, per spec.md §4.3.
func (sc *ServerConn) handleConnectionValidation(payload []byte) {
	r := pvdata.NewReader(payload, payloadOrder)
	if _, err := r.ReadUint32Raw(); err != nil { // server_receive_buffer_size
		return
	}
	if _, err := r.ReadUint32Raw(); err != nil { // server_introspection_registry_size
		return
	}
	offeredCount, err := r.ReadSize()
	if err != nil {
		return
	}
	offered := make(map[string]bool, offeredCount)
	for i := uint32(0); i < offeredCount; i++ {
		name, err := r.ReadString()
		if err != nil {
			return
		}
		offered[name] = true
	}

	plugin := sc.authPlugin
	if plugin == nil {
		plugin = anonymous.New()
	}
	if !offered[plugin.Name()] {
		if offered[anonymous.Name] {
			plugin = anonymous.New()
		}
	}
	sc.plugin = plugin

	initData, err := plugin.InitClient(context.Background())
	if err != nil {
		return
	}

	w := newPayloadWriter()
	w.WriteString(plugin.Name())
	w.WriteSize(uint32(len(initData)))
	w.WriteRaw(initData)
	writeU32(w, chosenReceiveBufferSize)
	_ = sc.enqueue(wire.CmdConnectionValidation, w.Bytes())
}

// handleAuthNZ answers one round of the server's challenge.
func (sc *ServerConn) handleAuthNZ(payload []byte) {
	r := pvdata.NewReader(payload, payloadOrder)
	size, err := r.ReadSize()
	if err != nil {
		return
	}
	challenge, err := r.ReadRawBytes(int(size))
	if err != nil {
		return
	}

	plugin := sc.plugin
	if plugin == nil {
		return
	}
	response, _, err := plugin.HandleServerChallenge(context.Background(), challenge)
	if err != nil {
		return
	}

	w := newPayloadWriter()
	w.WriteSize(uint32(len(response)))
	w.WriteRaw(response)
	_ = sc.enqueue(wire.CmdAuthNZ, w.Bytes())
}

// handleConnectionValidated records the handshake's outcome and wakes
// anyone waiting on it.
func (sc *ServerConn) handleConnectionValidated(payload []byte) {
	r := pvdata.NewReader(payload, payloadOrder)
	status, err := pvstatus.Decode(r)
	if err != nil {
		status = pvstatus.Errorf("connection validated: decode: %v", err)
	}
	select {
	case sc.validated <- status:
	default:
	}
}
