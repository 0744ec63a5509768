package pvdata

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/epics-go/pvaccess/internal/pverrors"
)

// Writer serializes scalars, sizes, and strings in the byte order
// negotiated for the connection (spec.md §4.1's set-endianness control
// message flips this mid-stream), mirroring the teacher's
// bytes.Buffer-based XDR writer in internal/protocol/xdr/encode.go but
// using PVA's own size/string wire forms rather than RFC 4506's
// fixed 4-byte-aligned ones.
type Writer struct {
	buf   bytes.Buffer
	order binary.ByteOrder
}

// NewWriter returns a Writer using order for multi-byte fields.
func NewWriter(order binary.ByteOrder) *Writer {
	return &Writer{order: order}
}

// SetByteOrder changes the order used for subsequently written values.
func (w *Writer) SetByteOrder(order binary.ByteOrder) { w.order = order }

// Bytes returns the accumulated payload.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return w.buf.Len() }

// Order returns the byte order currently in effect.
func (w *Writer) Order() binary.ByteOrder { return w.order }

// WriteByte writes a single raw byte, used by callers (e.g. the
// introspection cache) that need to emit selector bytes outside the
// scalar/size/string vocabulary above.
func (w *Writer) WriteByte(b byte) { w.buf.WriteByte(b) }

// WriteUint16 writes v in the writer's byte order.
func (w *Writer) WriteUint16(v uint16) { w.writeUint16(v) }

// WriteRaw appends b verbatim.
func (w *Writer) WriteRaw(b []byte) { w.buf.Write(b) }

// WriteSize encodes a non-negative size using PVA's variable-length size
// encoding: values 0-254 are a single byte; 255 introduces a following
// u32 in the writer's byte order.
func (w *Writer) WriteSize(n uint32) {
	if n < 255 {
		w.buf.WriteByte(byte(n))
		return
	}
	w.buf.WriteByte(0xFF)
	w.writeUint32(n)
}

// WriteString encodes a UTF-8 string as a size followed by its raw bytes.
func (w *Writer) WriteString(s string) {
	w.WriteSize(uint32(len(s)))
	w.buf.WriteString(s)
}

// WriteScalar encodes a single scalar value of the given kind.
func (w *Writer) WriteScalar(kind ScalarKind, v any) error {
	switch kind {
	case KindBool:
		b, _ := v.(bool)
		if b {
			w.buf.WriteByte(1)
		} else {
			w.buf.WriteByte(0)
		}
	case KindI8:
		n, _ := v.(int8)
		w.buf.WriteByte(byte(n))
	case KindU8:
		n, _ := v.(uint8)
		w.buf.WriteByte(n)
	case KindI16:
		n, _ := v.(int16)
		w.writeUint16(uint16(n))
	case KindU16:
		n, _ := v.(uint16)
		w.writeUint16(n)
	case KindI32:
		n, _ := v.(int32)
		w.writeUint32(uint32(n))
	case KindU32:
		n, _ := v.(uint32)
		w.writeUint32(n)
	case KindI64:
		n, _ := v.(int64)
		w.writeUint64(uint64(n))
	case KindU64:
		n, _ := v.(uint64)
		w.writeUint64(n)
	case KindF32:
		n, _ := v.(float32)
		w.writeUint32(math.Float32bits(n))
	case KindF64:
		n, _ := v.(float64)
		w.writeUint64(math.Float64bits(n))
	case KindString:
		s, _ := v.(string)
		w.WriteString(s)
	default:
		return fmt.Errorf("pvdata: write scalar: unknown kind %d", kind)
	}
	return nil
}

func (w *Writer) writeUint16(v uint16) {
	var b [2]byte
	w.order.PutUint16(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) writeUint32(v uint32) {
	var b [4]byte
	w.order.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) writeUint64(v uint64) {
	var b [8]byte
	w.order.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

// WriteBitSet encodes a BitSet as a word count followed by each 64-bit
// word, used for the change mask and overrun mask (spec.md §3).
func (w *Writer) WriteBitSet(b *BitSet) {
	words := b.Words()
	w.WriteSize(uint32(len(words)))
	for _, word := range words {
		w.writeUint64(word)
	}
}

// Reader deserializes the forms Writer produces, tracking the same
// per-direction byte order.
type Reader struct {
	buf   []byte
	pos   int
	order binary.ByteOrder
}

// NewReader returns a Reader over buf using order for multi-byte fields.
func NewReader(buf []byte, order binary.ByteOrder) *Reader {
	return &Reader{buf: buf, order: order}
}

// SetByteOrder changes the order used for subsequently read values.
func (r *Reader) SetByteOrder(order binary.ByteOrder) { r.order = order }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// Unread steps the cursor back by one byte, letting a caller that peeked
// at a selector byte hand the reader back for a fresh read starting at
// that byte (used by the introspection cache's FULL case).
func (r *Reader) Unread() {
	if r.pos > 0 {
		r.pos--
	}
}

// ReadUint16 reads a raw uint16 in the reader's byte order.
func (r *Reader) ReadUint16() (uint16, error) { return r.readUint16() }

// ReadUint32Raw reads a raw (non-size-escaped) uint32 in the reader's
// byte order, for fixed-width wire fields like a search request's
// sequence_id (distinct from ReadSize's variable-length encoding).
func (r *Reader) ReadUint32Raw() (uint32, error) { return r.readUint32() }

// SkipBytes advances the cursor by n bytes without returning them, used
// for fixed reserved/padding regions.
func (r *Reader) SkipBytes(n int) error {
	if err := r.need(n); err != nil {
		return err
	}
	r.pos += n
	return nil
}

// ReadRawBytes returns the next n bytes verbatim.
func (r *Reader) ReadRawBytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, r.buf[r.pos:r.pos+n])
	r.pos += n
	return b, nil
}

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return fmt.Errorf("pvdata: need %d bytes, have %d: %w", n, r.Remaining(), pverrors.ErrShortFrame)
	}
	return nil
}

// ReadByte returns the next raw byte.
func (r *Reader) ReadByte() (byte, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

// ReadSize decodes a size written by WriteSize.
func (r *Reader) ReadSize() (uint32, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if b < 0xFF {
		return uint32(b), nil
	}
	return r.readUint32()
}

// ReadString decodes a string written by WriteString.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadSize()
	if err != nil {
		return "", err
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

// ReadScalar decodes a single scalar value of the given kind.
func (r *Reader) ReadScalar(kind ScalarKind) (any, error) {
	switch kind {
	case KindBool:
		b, err := r.ReadByte()
		return b != 0, err
	case KindI8:
		b, err := r.ReadByte()
		return int8(b), err
	case KindU8:
		return r.ReadByte()
	case KindI16:
		v, err := r.readUint16()
		return int16(v), err
	case KindU16:
		return r.readUint16()
	case KindI32:
		v, err := r.readUint32()
		return int32(v), err
	case KindU32:
		return r.readUint32()
	case KindI64:
		v, err := r.readUint64()
		return int64(v), err
	case KindU64:
		return r.readUint64()
	case KindF32:
		v, err := r.readUint32()
		return math.Float32frombits(v), err
	case KindF64:
		v, err := r.readUint64()
		return math.Float64frombits(v), err
	case KindString:
		return r.ReadString()
	default:
		return nil, fmt.Errorf("pvdata: read scalar: unknown kind %d", kind)
	}
}

func (r *Reader) readUint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := r.order.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *Reader) readUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := r.order.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) readUint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := r.order.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// ReadBitSet decodes a BitSet written by WriteBitSet.
func (r *Reader) ReadBitSet() (*BitSet, error) {
	n, err := r.ReadSize()
	if err != nil {
		return nil, err
	}
	b := NewBitSet(int(n) * 64)
	for i := uint32(0); i < n; i++ {
		word, err := r.readUint64()
		if err != nil {
			return nil, err
		}
		b.words[i] = word
	}
	return b, nil
}
