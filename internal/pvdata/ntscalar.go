package pvdata

// Normative types used throughout the examples and tests. These mirror
// the handful of epics:nt schemas that appear on the wire in practice;
// this core treats them as ordinary structures with a recognized type-id,
// never special-cased in the codec.

const (
	ntScalarID      = "epics:nt/NTScalar:1.0"
	ntScalarArrayID = "epics:nt/NTScalarArray:1.0"
)

// alarmDesc is the alarm sub-structure shared by every NT type.
var alarmDesc = Structure("alarm_t",
	Field{Name: "severity", Desc: Scalar(KindI32)},
	Field{Name: "status", Desc: Scalar(KindI32)},
	Field{Name: "message", Desc: Scalar(KindString)},
)

// timeStampDesc is the timestamp sub-structure shared by every NT type.
var timeStampDesc = Structure("time_t",
	Field{Name: "secondsPastEpoch", Desc: Scalar(KindI64)},
	Field{Name: "nanoseconds", Desc: Scalar(KindI32)},
	Field{Name: "userTag", Desc: Scalar(KindI32)},
)

// NTScalar builds the descriptor for a scalar value of the given kind
// wrapped in the standard value/alarm/timeStamp envelope.
func NTScalar(kind ScalarKind) Descriptor {
	return Structure(ntScalarID,
		Field{Name: "value", Desc: Scalar(kind)},
		Field{Name: "alarm", Desc: alarmDesc},
		Field{Name: "timeStamp", Desc: timeStampDesc},
	)
}

// NTScalarArray builds the descriptor for a scalar-array value of the
// given element kind wrapped in the standard envelope.
func NTScalarArray(kind ScalarKind) Descriptor {
	return Structure(ntScalarArrayID,
		Field{Name: "value", Desc: ScalarArray(kind)},
		Field{Name: "alarm", Desc: alarmDesc},
		Field{Name: "timeStamp", Desc: timeStampDesc},
	)
}

// NewNTScalarValue builds a zero-valued NTScalar Value and sets its value
// field to v.
func NewNTScalarValue(kind ScalarKind, v any) Value {
	val := NewStructValue(NTScalar(kind))
	val.Fields[0].Scalar = v
	return val
}

// NewNTScalarArrayValue builds a zero-valued NTScalarArray Value and sets
// its value field to arr.
func NewNTScalarArrayValue(kind ScalarKind, arr any) Value {
	val := NewStructValue(NTScalarArray(kind))
	val.Fields[0].Array = arr
	return val
}
