package wire

import (
	"fmt"

	"github.com/epics-go/pvaccess/internal/pverrors"
)

// EncodeDatagram frames a single unsegmented message the way the UDP
// discovery plane carries Beacon/Search/SearchResponse (spec.md §4.4):
// an 8-byte header with Segment always SegComplete, immediately followed
// by payload.
func EncodeDatagram(command Command, bigEndian, fromServer bool, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	Encode(buf, Header{
		Version:     ProtocolRevision,
		Segment:     SegComplete,
		FromServer:  fromServer,
		BigEndian:   bigEndian,
		Command:     command,
		PayloadSize: uint32(len(payload)),
	})
	copy(buf[HeaderSize:], payload)
	return buf
}

// DecodeDatagram parses one UDP datagram's header and returns its
// payload slice (sharing buf's backing array -- callers that retain it
// past the handler's return must copy, per the same rule
// tcp.ResponseHandler documents).
func DecodeDatagram(buf []byte) (Header, []byte, error) {
	h, err := Decode(buf)
	if err != nil {
		return Header{}, nil, err
	}
	if len(buf) < HeaderSize+int(h.PayloadSize) {
		return Header{}, nil, fmt.Errorf("decode datagram: %w", pverrors.ErrShortFrame)
	}
	return h, buf[HeaderSize : HeaderSize+int(h.PayloadSize)], nil
}
