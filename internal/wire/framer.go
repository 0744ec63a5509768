package wire

import (
	"bytes"
	"fmt"

	"github.com/epics-go/pvaccess/internal/pverrors"
)

// Frame is one on-wire unit: a header plus the raw payload bytes that
// belong to it (never more than MaxSegmentPayload bytes when the logical
// message has been split).
type Frame struct {
	Header  Header
	Payload []byte
}

// MaxSegmentPayload bounds how much payload a single segment frame may
// carry. The original implementation ties this to the connection's send
// buffer size; a fixed conservative value keeps the framer self-contained
// and is well under any TCP codec's buffer.
const MaxSegmentPayload = 1 << 16

// Split breaks a logical message's payload into one or more frames sharing
// command, carrying the segmentation flags required by spec.md §4.1: a
// single frame is SegComplete, otherwise the first frame is SegFirst, the
// last is SegLast, and any in between are SegMiddle.
func Split(command Command, bigEndian, fromServer bool, payload []byte) []Frame {
	if len(payload) <= MaxSegmentPayload {
		return []Frame{{
			Header: Header{
				Version:     ProtocolRevision,
				Segment:     SegComplete,
				FromServer:  fromServer,
				BigEndian:   bigEndian,
				Command:     command,
				PayloadSize: uint32(len(payload)),
			},
			Payload: payload,
		}}
	}

	var frames []Frame
	for offset := 0; offset < len(payload); offset += MaxSegmentPayload {
		end := offset + MaxSegmentPayload
		if end > len(payload) {
			end = len(payload)
		}
		var seg Segment
		switch {
		case offset == 0:
			seg = SegFirst
		case end == len(payload):
			seg = SegLast
		default:
			seg = SegMiddle
		}
		chunk := payload[offset:end]
		frames = append(frames, Frame{
			Header: Header{
				Version:     ProtocolRevision,
				Segment:     seg,
				FromServer:  fromServer,
				BigEndian:   bigEndian,
				Command:     command,
				PayloadSize: uint32(len(chunk)),
			},
			Payload: chunk,
		})
	}
	return frames
}

// Reassembler accumulates a sequence of segmented frames on a single
// connection and yields the complete logical payload once the SegLast
// frame arrives. A connection needs exactly one Reassembler per direction;
// control messages never touch it, and a SegComplete data frame passes
// through Feed unchanged.
type Reassembler struct {
	command Command
	buf     bytes.Buffer
	active  bool
}

// Feed adds one frame to the in-progress logical message. It returns the
// assembled payload and true once the frame completing the message (either
// a standalone SegComplete frame or a SegLast frame) has been fed.
func (r *Reassembler) Feed(h Header, payload []byte) ([]byte, bool, error) {
	switch h.Segment {
	case SegComplete:
		if r.active {
			return nil, false, fmt.Errorf("reassembler: complete frame while segment in progress: %w", pverrors.ErrShortFrame)
		}
		return payload, true, nil

	case SegFirst:
		if r.active {
			return nil, false, fmt.Errorf("reassembler: first frame while segment in progress: %w", pverrors.ErrShortFrame)
		}
		r.buf.Reset()
		r.buf.Write(payload)
		r.command = h.Command
		r.active = true
		return nil, false, nil

	case SegMiddle:
		if !r.active || h.Command != r.command {
			return nil, false, fmt.Errorf("reassembler: middle frame without matching first: %w", pverrors.ErrShortFrame)
		}
		r.buf.Write(payload)
		return nil, false, nil

	case SegLast:
		if !r.active || h.Command != r.command {
			return nil, false, fmt.Errorf("reassembler: last frame without matching first: %w", pverrors.ErrShortFrame)
		}
		r.buf.Write(payload)
		r.active = false
		out := make([]byte, r.buf.Len())
		copy(out, r.buf.Bytes())
		r.buf.Reset()
		return out, true, nil

	default:
		return nil, false, fmt.Errorf("reassembler: unknown segment kind %d: %w", h.Segment, pverrors.ErrShortFrame)
	}
}

// InProgress reports whether a segmented message is partially received.
func (r *Reassembler) InProgress() bool {
	return r.active
}
