// Package beacon implements periodic server beacon emission and
// client-side anomaly detection, per spec.md §6's beacon payload and
// §4.5's "Boost" trigger ("when a new server appears (beacon anomaly)").
package beacon

import (
	"net"
	"time"

	"github.com/epics-go/pvaccess/internal/pvdata"
)

// Payload is a decoded beacon message: the server's identity and current
// listening address, plus a per-beacon sequence number and the
// change_count that Tracker compares to detect restarts.
type Payload struct {
	GUID        [12]byte
	Flags       uint8
	BeaconSeq   uint16
	ChangeCount uint16
	ServerAddr  net.IP // 16-byte IPv4-mapped IPv6 form
	ServerPort  uint16
	Protocol    string
}

// Encode writes p using w's byte order.
func Encode(w *pvdata.Writer, p Payload) {
	w.WriteRaw(p.GUID[:])
	w.WriteByte(p.Flags)
	w.WriteRaw(u16(w, p.BeaconSeq))
	w.WriteRaw(u16(w, p.ChangeCount))
	addr := p.ServerAddr.To16()
	if addr == nil {
		addr = make(net.IP, 16)
	}
	w.WriteRaw(addr)
	w.WriteRaw(u16(w, p.ServerPort))
	w.WriteString(p.Protocol)
}

// Decode reads a payload written by Encode.
func Decode(r *pvdata.Reader) (Payload, error) {
	var p Payload
	guid, err := r.ReadRawBytes(12)
	if err != nil {
		return Payload{}, err
	}
	copy(p.GUID[:], guid)

	flags, err := r.ReadByte()
	if err != nil {
		return Payload{}, err
	}
	p.Flags = flags

	seq, err := r.ReadUint16()
	if err != nil {
		return Payload{}, err
	}
	p.BeaconSeq = seq

	cc, err := r.ReadUint16()
	if err != nil {
		return Payload{}, err
	}
	p.ChangeCount = cc

	addr, err := r.ReadRawBytes(16)
	if err != nil {
		return Payload{}, err
	}
	p.ServerAddr = net.IP(addr)

	port, err := r.ReadUint16()
	if err != nil {
		return Payload{}, err
	}
	p.ServerPort = port

	proto, err := r.ReadString()
	if err != nil {
		return Payload{}, err
	}
	p.Protocol = proto

	return p, nil
}

func u16(w *pvdata.Writer, v uint16) []byte {
	b := make([]byte, 2)
	w.Order().PutUint16(b, v)
	return b
}

// serverRecord is what the Tracker remembers about one server identity.
type serverRecord struct {
	lastSeen    time.Time
	lastSeq     uint16
	changeCount uint16
}

// Tracker detects beacon anomalies: a server identity (GUID) not seen
// before, or one whose change_count jumped, meaning it likely restarted
// and any already-resolved channels on it should be re-verified.
// search.Manager.Boost is the usual subscriber to OnAnomaly.
type Tracker struct {
	servers map[[12]byte]*serverRecord

	OnAnomaly func(guid [12]byte, addr net.IP, port uint16)
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{servers: make(map[[12]byte]*serverRecord)}
}

// Observe records a received beacon, invoking OnAnomaly if this GUID is
// new or its change_count differs from the last beacon seen from it.
func (t *Tracker) Observe(p Payload, now time.Time) {
	rec, known := t.servers[p.GUID]
	anomaly := !known || p.ChangeCount != rec.changeCount
	if !known {
		rec = &serverRecord{}
		t.servers[p.GUID] = rec
	}
	rec.lastSeen = now
	rec.lastSeq = p.BeaconSeq
	rec.changeCount = p.ChangeCount

	if anomaly && t.OnAnomaly != nil {
		t.OnAnomaly(p.GUID, p.ServerAddr, p.ServerPort)
	}
}

// Prune drops servers not seen within staleAfter. It runs only when
// called; the Tracker starts no timer of its own.
func (t *Tracker) Prune(now time.Time, staleAfter time.Duration) {
	for guid, rec := range t.servers {
		if now.Sub(rec.lastSeen) > staleAfter {
			delete(t.servers, guid)
		}
	}
}

// Known reports how many distinct server GUIDs are currently tracked.
func (t *Tracker) Known() int { return len(t.servers) }
