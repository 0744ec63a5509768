package pvrequest

import (
	"testing"

	"github.com/epics-go/pvaccess/internal/pverrors"
	"github.com/epics-go/pvaccess/internal/pvdata"
	"github.com/stretchr/testify/require"
)

func TestParseEmptySelector(t *testing.T) {
	req, err := Parse("field()")
	require.NoError(t, err)
	require.NotNil(t, req.Fields)
	require.Empty(t, req.Fields)
}

func TestParseFieldList(t *testing.T) {
	req, err := Parse("field(value,alarm.severity)")
	require.NoError(t, err)
	require.Equal(t, []string{"value", "alarm.severity"}, req.Fields)
}

func TestParseRecordOptions(t *testing.T) {
	req, err := Parse("record[queueSize=10,pipeline=true]field(value)")
	require.NoError(t, err)
	n, ok := req.QueueSize()
	require.True(t, ok)
	require.Equal(t, uint32(10), n)
	require.True(t, req.Pipeline())
	require.Equal(t, []string{"value"}, req.Fields)
}

func TestParseRejectsMissingField(t *testing.T) {
	_, err := Parse("value")
	require.ErrorIs(t, err, pverrors.ErrInvalidRequest)
}

func TestParseRejectsUnterminatedRecord(t *testing.T) {
	_, err := Parse("record[queueSize=10field(value)")
	require.ErrorIs(t, err, pverrors.ErrInvalidRequest)
}

func TestParseRejectsEmptyFieldName(t *testing.T) {
	_, err := Parse("field(value,,alarm)")
	require.ErrorIs(t, err, pverrors.ErrInvalidRequest)
}

func TestMapEmptySelectorRequestsEverything(t *testing.T) {
	desc := pvdata.NTScalar(pvdata.KindF64)
	req, err := Parse("field()")
	require.NoError(t, err)
	result := Map(desc, req)
	require.Equal(t, desc, result.Projected)
	for i := 0; i < desc.FieldCount(); i++ {
		require.True(t, result.Mask.Get(i))
	}
}

func TestMapProjectsSubsetOfFields(t *testing.T) {
	desc := pvdata.NTScalar(pvdata.KindF64)
	req, err := Parse("field(value,alarm.severity)")
	require.NoError(t, err)
	result := Map(desc, req)

	require.Len(t, result.Projected.Fields, 2)
	require.Equal(t, "value", result.Projected.Fields[0].Name)
	require.Equal(t, "alarm", result.Projected.Fields[1].Name)
	require.Len(t, result.Projected.Fields[1].Desc.Fields, 1)
	require.Equal(t, "severity", result.Projected.Fields[1].Desc.Fields[0].Name)

	offsets := pvdata.Flatten(desc)
	require.True(t, result.Mask.Get(0))
	require.True(t, result.Mask.Get(offsets["value"]))
	require.True(t, result.Mask.Get(offsets["alarm"]))
	require.True(t, result.Mask.Get(offsets["alarm.severity"]))
	require.False(t, result.Mask.Get(offsets["alarm.status"]))
	require.False(t, result.Mask.Get(offsets["timeStamp"]))
	require.Empty(t, result.Warnings)
}

func TestMapWarnsOnUnknownField(t *testing.T) {
	desc := pvdata.NTScalar(pvdata.KindF64)
	req, err := Parse("field(value,bogus)")
	require.NoError(t, err)
	result := Map(desc, req)
	require.Len(t, result.Warnings, 1)
	require.Contains(t, result.Warnings[0], "bogus")
	// value is still projected despite the warning.
	require.Len(t, result.Projected.Fields, 1)
}

func TestMapLeafSelectsWholeSubtree(t *testing.T) {
	desc := pvdata.NTScalar(pvdata.KindF64)
	req, err := Parse("field(alarm)")
	require.NoError(t, err)
	result := Map(desc, req)

	offsets := pvdata.Flatten(desc)
	require.True(t, result.Mask.Get(offsets["alarm"]))
	require.True(t, result.Mask.Get(offsets["alarm.severity"]))
	require.True(t, result.Mask.Get(offsets["alarm.status"]))
	require.True(t, result.Mask.Get(offsets["alarm.message"]))
	require.False(t, result.Mask.Get(offsets["value"]))
}

func TestCopyChangeMaskIntersects(t *testing.T) {
	desc := pvdata.NTScalar(pvdata.KindF64)
	n := desc.FieldCount()
	offsets := pvdata.Flatten(desc)

	requested := pvdata.NewBitSet(n)
	requested.Set(offsets["value"])

	changed := pvdata.NewBitSet(n)
	changed.Set(offsets["value"])
	changed.Set(offsets["timeStamp"])

	out := CopyChangeMask(changed, requested, n)
	require.True(t, out.Get(offsets["value"]))
	require.False(t, out.Get(offsets["timeStamp"]))
}
