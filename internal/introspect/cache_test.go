package introspect

import (
	"encoding/binary"
	"testing"

	"github.com/epics-go/pvaccess/internal/pverrors"
	"github.com/epics-go/pvaccess/internal/pvdata"
	"github.com/stretchr/testify/require"
)

func TestWriteDescriptorRegistersAndReuses(t *testing.T) {
	sender := NewCache()
	desc := pvdata.NTScalar(pvdata.KindF64)

	w1 := pvdata.NewWriter(binary.BigEndian)
	require.NoError(t, sender.WriteDescriptor(w1, desc, true))

	w2 := pvdata.NewWriter(binary.BigEndian)
	require.NoError(t, sender.WriteDescriptor(w2, desc, true))

	// Second transmission must be the short ONLY_ID form, much smaller
	// than the full encoding.
	require.Less(t, w2.Len(), w1.Len())

	receiver := NewCache()
	r1 := pvdata.NewReader(w1.Bytes(), binary.BigEndian)
	got1, null1, err := receiver.ReadDescriptor(r1)
	require.NoError(t, err)
	require.False(t, null1)
	require.Equal(t, desc, *got1)

	r2 := pvdata.NewReader(w2.Bytes(), binary.BigEndian)
	got2, null2, err := receiver.ReadDescriptor(r2)
	require.NoError(t, err)
	require.False(t, null2)
	require.Equal(t, desc, *got2)
}

func TestReadDescriptorNull(t *testing.T) {
	c := NewCache()
	w := pvdata.NewWriter(binary.BigEndian)
	c.WriteNull(w)
	r := pvdata.NewReader(w.Bytes(), binary.BigEndian)
	desc, isNull, err := c.ReadDescriptor(r)
	require.NoError(t, err)
	require.True(t, isNull)
	require.Nil(t, desc)
}

func TestReadDescriptorUnknownIDFails(t *testing.T) {
	c := NewCache()
	w := pvdata.NewWriter(binary.BigEndian)
	w.WriteByte(byte(selOnlyID))
	w.WriteUint16(99)
	r := pvdata.NewReader(w.Bytes(), binary.BigEndian)
	_, _, err := c.ReadDescriptor(r)
	require.ErrorIs(t, err, pverrors.ErrUnknownTypeID)
}

func TestWriteDescriptorWithoutRegisteringNeverReuses(t *testing.T) {
	c := NewCache()
	desc := pvdata.Scalar(pvdata.KindI32)

	w1 := pvdata.NewWriter(binary.BigEndian)
	require.NoError(t, c.WriteDescriptor(w1, desc, false))
	w2 := pvdata.NewWriter(binary.BigEndian)
	require.NoError(t, c.WriteDescriptor(w2, desc, false))

	// Both transmissions are FULL; lengths should match since nothing was
	// ever registered.
	require.Equal(t, w1.Len(), w2.Len())
}

func TestResetClearsBothTables(t *testing.T) {
	c := NewCache()
	desc := pvdata.Scalar(pvdata.KindI32)
	w := pvdata.NewWriter(binary.BigEndian)
	require.NoError(t, c.WriteDescriptor(w, desc, true))
	c.Reset()

	w2 := pvdata.NewWriter(binary.BigEndian)
	require.NoError(t, c.WriteDescriptor(w2, desc, true))
	require.Equal(t, w.Len(), w2.Len()) // both FULL_WITH_ID, same id (1) after reset
}
