package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/epics-go/pvaccess/internal/pverrors"
)

// Magic is the fixed first byte of every PVA frame (PVA_MAGIC in the
// original implementation).
const Magic uint8 = 0xCA

// MinSupportedVersion is the lowest protocol revision this core accepts.
// Per spec.md §1 Non-goals, there is no backwards compatibility with
// revisions below this one.
const MinSupportedVersion uint8 = 2

// ProtocolRevision is the revision this core speaks.
const ProtocolRevision uint8 = 2

// HeaderSize is the fixed 8-byte frame header: magic, version, flags,
// command, payload_size(u32).
const HeaderSize = 8

// Flag bit positions, per spec.md §4.1.
const (
	flagControlBit  = 1 << 0
	flagSegMask     = 0x3 << 4
	flagSegShift    = 4
	flagRoleBit     = 1 << 6
	flagByteOrderBit = 1 << 7
)

// Segment classifies a frame's position within a segmented logical message.
type Segment uint8

const (
	SegComplete Segment = 0
	SegFirst    Segment = 1
	SegLast     Segment = 2
	SegMiddle   Segment = 3
)

// Header is the decoded form of a PVA frame header.
type Header struct {
	Version     uint8
	Control     bool
	Segment     Segment
	FromServer  bool
	BigEndian   bool
	Command     Command
	PayloadSize uint32
}

// ControlCommand extracts the control command from Command when Control is set.
func (h Header) ControlCommand() ControlCommand {
	return ControlCommand(h.Command)
}

// byteOrder returns the binary.ByteOrder implied by the header's flags.
func (h Header) byteOrder() binary.ByteOrder {
	if h.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// flags packs the Header's boolean/enum fields into the wire flags byte.
func (h Header) flags() uint8 {
	var f uint8
	if h.Control {
		f |= flagControlBit
	}
	f |= uint8(h.Segment) << flagSegShift
	if h.FromServer {
		f |= flagRoleBit
	}
	if h.BigEndian {
		f |= flagByteOrderBit
	}
	return f
}

// Encode writes the 8-byte header into buf (which must be at least
// HeaderSize long) using the byte order declared in h.BigEndian.
func Encode(buf []byte, h Header) {
	buf[0] = Magic
	buf[1] = h.Version
	buf[2] = h.flags()
	buf[3] = uint8(h.Command)
	h.byteOrder().PutUint32(buf[4:8], h.PayloadSize)
}

// Decode parses an 8-byte header from buf. The flags byte (a single byte,
// so order-independent) declares the byte order, which Decode then uses to
// read the payload_size field, per spec.md §4.3 byte-order negotiation.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("decode header: %w", pverrors.ErrShortFrame)
	}
	if buf[0] != Magic {
		return Header{}, fmt.Errorf("decode header: got 0x%02x: %w", buf[0], pverrors.ErrBadMagic)
	}
	version := buf[1]
	if version < MinSupportedVersion {
		return Header{}, fmt.Errorf("decode header: version %d: %w", version, pverrors.ErrBadVersion)
	}
	flags := buf[2]
	h := Header{
		Version:    version,
		Control:    flags&flagControlBit != 0,
		Segment:    Segment((flags & flagSegMask) >> flagSegShift),
		FromServer: flags&flagRoleBit != 0,
		BigEndian:  flags&flagByteOrderBit != 0,
		Command:    Command(buf[3]),
	}
	h.PayloadSize = h.byteOrder().Uint32(buf[4:8])
	return h, nil
}

// Align returns the smallest offset >= pos that is a multiple of alignment.
// That is the padded cursor position for a field's declared alignment,
// per spec.md §4.1; the framer and codecs in this module do not call it.
func Align(pos, alignment int) int {
	if alignment <= 1 {
		return pos
	}
	rem := pos % alignment
	if rem == 0 {
		return pos
	}
	return pos + (alignment - rem)
}
