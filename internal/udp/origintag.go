package udp

import (
	"net"

	"github.com/epics-go/pvaccess/internal/pvdata"
)

// EncodeOriginTag writes a CMD_ORIGIN_TAG payload: the ingress interface
// address in 16-byte IPv4-mapped IPv6 form, per spec.md §4.4.
func EncodeOriginTag(w *pvdata.Writer, ifaceAddr net.IP) {
	addr := ifaceAddr.To16()
	if addr == nil {
		addr = make(net.IP, 16)
	}
	w.WriteRaw(addr)
}

// DecodeOriginTag reads a CMD_ORIGIN_TAG payload.
func DecodeOriginTag(r *pvdata.Reader) (net.IP, error) {
	raw, err := r.ReadRawBytes(16)
	if err != nil {
		return nil, err
	}
	return net.IP(raw), nil
}
