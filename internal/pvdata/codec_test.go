package pvdata

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDescriptorRoundTrip(t *testing.T) {
	descs := []Descriptor{
		Scalar(KindI32),
		ScalarArray(KindF64),
		BoundedString(40),
		BoundedArray(KindU8, 1024),
		NTScalar(KindF64),
		NTScalarArray(KindI32),
		StructureArray(NTScalar(KindI32)),
		Union("epics:nt/NTUnion:1.0",
			Field{Name: "intValue", Desc: Scalar(KindI32)},
			Field{Name: "stringValue", Desc: Scalar(KindString)},
		),
	}
	for _, d := range descs {
		require.NoError(t, d.Validate())
		w := NewWriter(binary.BigEndian)
		require.NoError(t, EncodeDescriptor(w, d))
		r := NewReader(w.Bytes(), binary.BigEndian)
		got, err := DecodeDescriptor(r)
		require.NoError(t, err)
		require.Equal(t, d, got)
		require.Equal(t, 0, r.Remaining())
	}
}

func TestValueRoundTripScalar(t *testing.T) {
	desc := NTScalar(KindF64)
	v := NewNTScalarValue(KindF64, 3.25)
	v.Fields[1].Fields[0].Scalar = int32(0) // severity
	v.Fields[2].Fields[0].Scalar = int64(1700000000)

	w := NewWriter(binary.LittleEndian)
	require.NoError(t, EncodeValue(w, v))
	r := NewReader(w.Bytes(), binary.LittleEndian)
	got, err := DecodeValue(r, desc)
	require.NoError(t, err)
	require.Equal(t, v, got)
}

func TestValueRoundTripArray(t *testing.T) {
	desc := ScalarArray(KindI32)
	v := Value{Desc: desc, Array: []int32{1, 2, 3, -7}}
	w := NewWriter(binary.BigEndian)
	require.NoError(t, EncodeValue(w, v))
	r := NewReader(w.Bytes(), binary.BigEndian)
	got, err := DecodeValue(r, desc)
	require.NoError(t, err)
	require.Equal(t, v, got)
}

func TestValueRoundTripUnion(t *testing.T) {
	desc := Union("epics:nt/NTUnion:1.0",
		Field{Name: "intValue", Desc: Scalar(KindI32)},
		Field{Name: "stringValue", Desc: Scalar(KindString)},
	)

	selected := Value{
		Desc:     desc,
		Fields:   []Value{{Desc: Scalar(KindString), Scalar: "hello"}},
		Selected: "stringValue",
	}
	w := NewWriter(binary.BigEndian)
	require.NoError(t, EncodeValue(w, selected))
	r := NewReader(w.Bytes(), binary.BigEndian)
	got, err := DecodeValue(r, desc)
	require.NoError(t, err)
	require.Equal(t, selected, got)

	empty := Value{Desc: desc}
	w2 := NewWriter(binary.BigEndian)
	require.NoError(t, EncodeValue(w2, empty))
	r2 := NewReader(w2.Bytes(), binary.BigEndian)
	got2, err := DecodeValue(r2, desc)
	require.NoError(t, err)
	require.Empty(t, got2.Selected)
}

func TestSizeEncodingEscapesLargeValues(t *testing.T) {
	for _, n := range []uint32{0, 1, 253, 254, 255, 256, 1 << 20} {
		w := NewWriter(binary.BigEndian)
		w.WriteSize(n)
		r := NewReader(w.Bytes(), binary.BigEndian)
		got, err := r.ReadSize()
		require.NoError(t, err)
		require.Equal(t, n, got)
	}
}

func TestFlattenOffsets(t *testing.T) {
	desc := NTScalar(KindF64)
	offsets := Flatten(desc)
	require.Equal(t, 1, offsets["value"])
	require.Equal(t, 2, offsets["alarm"])
	require.Equal(t, 3, offsets["alarm.severity"])
	require.Equal(t, 4, offsets["alarm.status"])
	require.Equal(t, 5, offsets["alarm.message"])
	require.Equal(t, 6, offsets["timeStamp"])
	require.Equal(t, desc.FieldCount(), len(offsets)+1) // +1 for root offset 0
}

func TestBitSetOrAndEmpty(t *testing.T) {
	a := NewBitSet(8)
	require.True(t, a.IsEmpty())
	a.Set(3)
	a.Set(70)
	require.True(t, a.Get(3))
	require.True(t, a.Get(70))
	require.False(t, a.Get(4))

	b := NewBitSet(8)
	b.Set(5)
	a.Or(b)
	require.True(t, a.Get(5))

	a.Clear(3)
	require.False(t, a.Get(3))
	require.False(t, a.IsEmpty())
}

func TestBitSetWireRoundTrip(t *testing.T) {
	b := NewBitSet(4)
	b.Set(0)
	b.Set(130)
	w := NewWriter(binary.BigEndian)
	w.WriteBitSet(b)
	r := NewReader(w.Bytes(), binary.BigEndian)
	got, err := r.ReadBitSet()
	require.NoError(t, err)
	require.True(t, got.Get(0))
	require.True(t, got.Get(130))
	require.False(t, got.Get(1))
}
