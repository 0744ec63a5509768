package pvdata

import "fmt"

// descTag values are the first byte of a descriptor's full encoding. They
// are internal to this core, not the real EPICS wire type-code table, but
// serve the same purpose: letting DecodeDescriptor recover DKind/Kind
// without external context.
type descTag uint8

const (
	tagScalar         descTag = 0x00 // + ScalarKind in next byte
	tagScalarArray    descTag = 0x10
	tagStructure      descTag = 0x20
	tagStructureArray descTag = 0x21
	tagUnion          descTag = 0x22
	tagUnionArray     descTag = 0x23
	tagBoundedString  descTag = 0x24
	tagBoundedArray   descTag = 0x25
)

// EncodeDescriptor writes desc's full encoding: enough to reconstruct the
// descriptor tree with no external context, used for the FULL and
// FULL_WITH_ID introspection forms (spec.md §4.2).
func EncodeDescriptor(w *Writer, desc Descriptor) error {
	switch desc.DKind {
	case DescScalar:
		w.buf.WriteByte(byte(tagScalar))
		w.buf.WriteByte(byte(desc.Kind))
	case DescScalarArray:
		w.buf.WriteByte(byte(tagScalarArray))
		w.buf.WriteByte(byte(desc.Kind))
	case DescBoundedString:
		w.buf.WriteByte(byte(tagBoundedString))
		w.WriteSize(desc.MaxCount)
	case DescBoundedArray:
		w.buf.WriteByte(byte(tagBoundedArray))
		w.buf.WriteByte(byte(desc.Kind))
		w.WriteSize(desc.MaxCount)
	case DescStructure, DescUnion:
		if desc.DKind == DescStructure {
			w.buf.WriteByte(byte(tagStructure))
		} else {
			w.buf.WriteByte(byte(tagUnion))
		}
		w.WriteString(desc.TypeID)
		w.WriteSize(uint32(len(desc.Fields)))
		for _, f := range desc.Fields {
			w.WriteString(f.Name)
			if err := EncodeDescriptor(w, f.Desc); err != nil {
				return err
			}
		}
	case DescStructureArray, DescUnionArray:
		if desc.DKind == DescStructureArray {
			w.buf.WriteByte(byte(tagStructureArray))
		} else {
			w.buf.WriteByte(byte(tagUnionArray))
		}
		if desc.Elem == nil {
			return fmt.Errorf("pvdata: encode descriptor: array missing element type")
		}
		return EncodeDescriptor(w, *desc.Elem)
	default:
		return fmt.Errorf("pvdata: encode descriptor: unknown kind %d", desc.DKind)
	}
	return nil
}

// DecodeDescriptor reads a descriptor written by EncodeDescriptor.
func DecodeDescriptor(r *Reader) (Descriptor, error) {
	tagByte, err := r.ReadByte()
	if err != nil {
		return Descriptor{}, err
	}
	switch descTag(tagByte) {
	case tagScalar:
		k, err := r.ReadByte()
		if err != nil {
			return Descriptor{}, err
		}
		return Scalar(ScalarKind(k)), nil
	case tagScalarArray:
		k, err := r.ReadByte()
		if err != nil {
			return Descriptor{}, err
		}
		return ScalarArray(ScalarKind(k)), nil
	case tagBoundedString:
		n, err := r.ReadSize()
		if err != nil {
			return Descriptor{}, err
		}
		return BoundedString(n), nil
	case tagBoundedArray:
		k, err := r.ReadByte()
		if err != nil {
			return Descriptor{}, err
		}
		n, err := r.ReadSize()
		if err != nil {
			return Descriptor{}, err
		}
		return BoundedArray(ScalarKind(k), n), nil
	case tagStructure, tagUnion:
		typeID, err := r.ReadString()
		if err != nil {
			return Descriptor{}, err
		}
		n, err := r.ReadSize()
		if err != nil {
			return Descriptor{}, err
		}
		fields := make([]Field, n)
		for i := range fields {
			name, err := r.ReadString()
			if err != nil {
				return Descriptor{}, err
			}
			fd, err := DecodeDescriptor(r)
			if err != nil {
				return Descriptor{}, err
			}
			fields[i] = Field{Name: name, Desc: fd}
		}
		if descTag(tagByte) == tagStructure {
			return Structure(typeID, fields...), nil
		}
		return Union(typeID, fields...), nil
	case tagStructureArray, tagUnionArray:
		elem, err := DecodeDescriptor(r)
		if err != nil {
			return Descriptor{}, err
		}
		if descTag(tagByte) == tagStructureArray {
			return StructureArray(elem), nil
		}
		return UnionArray(elem), nil
	default:
		return Descriptor{}, fmt.Errorf("pvdata: decode descriptor: unknown tag 0x%02x", tagByte)
	}
}

// EncodeValue writes v's data, assuming the reader already knows v.Desc
// (the introspection cache handles the descriptor separately).
func EncodeValue(w *Writer, v Value) error {
	switch v.Desc.DKind {
	case DescScalar, DescBoundedString:
		return w.WriteScalar(v.Desc.Kind, v.Scalar)
	case DescScalarArray, DescBoundedArray:
		return encodeScalarArray(w, v.Desc.Kind, v.Array)
	case DescStructure:
		for i, f := range v.Desc.Fields {
			if err := EncodeValue(w, v.Fields[i]); err != nil {
				return fmt.Errorf("pvdata: encode field %q: %w", f.Name, err)
			}
		}
		return nil
	case DescUnion:
		idx := -1
		for i, f := range v.Desc.Fields {
			if f.Name == v.Selected {
				idx = i
				break
			}
		}
		if idx < 0 {
			// len(Fields) is one past the last valid arm index: used as
			// the "no arm selected" sentinel so it never collides with a
			// real selection.
			w.WriteSize(uint32(len(v.Desc.Fields)))
			return nil
		}
		if len(v.Fields) != 1 {
			return fmt.Errorf("pvdata: encode union: selected arm %q has no value", v.Selected)
		}
		w.WriteSize(uint32(idx))
		return EncodeValue(w, v.Fields[0])
	case DescStructureArray, DescUnionArray:
		w.WriteSize(uint32(len(v.Elements)))
		for i, el := range v.Elements {
			if err := EncodeValue(w, el); err != nil {
				return fmt.Errorf("pvdata: encode element %d: %w", i, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("pvdata: encode value: unknown kind %d", v.Desc.DKind)
	}
}

// DecodeValue reads data matching desc, mirroring EncodeValue.
func DecodeValue(r *Reader, desc Descriptor) (Value, error) {
	switch desc.DKind {
	case DescScalar, DescBoundedString:
		s, err := r.ReadScalar(desc.Kind)
		if err != nil {
			return Value{}, err
		}
		return Value{Desc: desc, Scalar: s}, nil
	case DescScalarArray, DescBoundedArray:
		arr, err := decodeScalarArray(r, desc.Kind)
		if err != nil {
			return Value{}, err
		}
		return Value{Desc: desc, Array: arr}, nil
	case DescStructure:
		v := Value{Desc: desc, Fields: make([]Value, len(desc.Fields))}
		for i, f := range desc.Fields {
			fv, err := DecodeValue(r, f.Desc)
			if err != nil {
				return Value{}, fmt.Errorf("pvdata: decode field %q: %w", f.Name, err)
			}
			v.Fields[i] = fv
		}
		return v, nil
	case DescUnion:
		idx, err := r.ReadSize()
		if err != nil {
			return Value{}, err
		}
		if int(idx) == len(desc.Fields) {
			return Value{Desc: desc}, nil // no arm selected
		}
		if int(idx) > len(desc.Fields) {
			return Value{}, fmt.Errorf("pvdata: decode union: index %d out of range", idx)
		}
		fv, err := DecodeValue(r, desc.Fields[idx].Desc)
		if err != nil {
			return Value{}, err
		}
		return Value{Desc: desc, Fields: []Value{fv}, Selected: desc.Fields[idx].Name}, nil
	case DescStructureArray, DescUnionArray:
		if desc.Elem == nil {
			return Value{}, fmt.Errorf("pvdata: decode value: array missing element type")
		}
		n, err := r.ReadSize()
		if err != nil {
			return Value{}, err
		}
		elems := make([]Value, n)
		for i := range elems {
			ev, err := DecodeValue(r, *desc.Elem)
			if err != nil {
				return Value{}, fmt.Errorf("pvdata: decode element %d: %w", i, err)
			}
			elems[i] = ev
		}
		return Value{Desc: desc, Elements: elems}, nil
	default:
		return Value{}, fmt.Errorf("pvdata: decode value: unknown kind %d", desc.DKind)
	}
}

func encodeScalarArray(w *Writer, kind ScalarKind, arr any) error {
	switch kind {
	case KindBool:
		a, _ := arr.([]bool)
		w.WriteSize(uint32(len(a)))
		for _, v := range a {
			_ = w.WriteScalar(kind, v)
		}
	case KindI8:
		a, _ := arr.([]int8)
		w.WriteSize(uint32(len(a)))
		for _, v := range a {
			_ = w.WriteScalar(kind, v)
		}
	case KindU8:
		a, _ := arr.([]uint8)
		w.WriteSize(uint32(len(a)))
		w.buf.Write(a)
	case KindI16:
		a, _ := arr.([]int16)
		w.WriteSize(uint32(len(a)))
		for _, v := range a {
			_ = w.WriteScalar(kind, v)
		}
	case KindU16:
		a, _ := arr.([]uint16)
		w.WriteSize(uint32(len(a)))
		for _, v := range a {
			_ = w.WriteScalar(kind, v)
		}
	case KindI32:
		a, _ := arr.([]int32)
		w.WriteSize(uint32(len(a)))
		for _, v := range a {
			_ = w.WriteScalar(kind, v)
		}
	case KindU32:
		a, _ := arr.([]uint32)
		w.WriteSize(uint32(len(a)))
		for _, v := range a {
			_ = w.WriteScalar(kind, v)
		}
	case KindI64:
		a, _ := arr.([]int64)
		w.WriteSize(uint32(len(a)))
		for _, v := range a {
			_ = w.WriteScalar(kind, v)
		}
	case KindU64:
		a, _ := arr.([]uint64)
		w.WriteSize(uint32(len(a)))
		for _, v := range a {
			_ = w.WriteScalar(kind, v)
		}
	case KindF32:
		a, _ := arr.([]float32)
		w.WriteSize(uint32(len(a)))
		for _, v := range a {
			_ = w.WriteScalar(kind, v)
		}
	case KindF64:
		a, _ := arr.([]float64)
		w.WriteSize(uint32(len(a)))
		for _, v := range a {
			_ = w.WriteScalar(kind, v)
		}
	case KindString:
		a, _ := arr.([]string)
		w.WriteSize(uint32(len(a)))
		for _, v := range a {
			w.WriteString(v)
		}
	default:
		return fmt.Errorf("pvdata: encode array: unknown kind %d", kind)
	}
	return nil
}

func decodeScalarArray(r *Reader, kind ScalarKind) (any, error) {
	n, err := r.ReadSize()
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindBool:
		a := make([]bool, n)
		for i := range a {
			v, err := r.ReadScalar(kind)
			if err != nil {
				return nil, err
			}
			a[i] = v.(bool)
		}
		return a, nil
	case KindI8:
		a := make([]int8, n)
		for i := range a {
			v, err := r.ReadScalar(kind)
			if err != nil {
				return nil, err
			}
			a[i] = v.(int8)
		}
		return a, nil
	case KindU8:
		if err := r.need(int(n)); err != nil {
			return nil, err
		}
		a := make([]byte, n)
		copy(a, r.buf[r.pos:r.pos+int(n)])
		r.pos += int(n)
		return a, nil
	case KindI16:
		a := make([]int16, n)
		for i := range a {
			v, err := r.ReadScalar(kind)
			if err != nil {
				return nil, err
			}
			a[i] = v.(int16)
		}
		return a, nil
	case KindU16:
		a := make([]uint16, n)
		for i := range a {
			v, err := r.ReadScalar(kind)
			if err != nil {
				return nil, err
			}
			a[i] = v.(uint16)
		}
		return a, nil
	case KindI32:
		a := make([]int32, n)
		for i := range a {
			v, err := r.ReadScalar(kind)
			if err != nil {
				return nil, err
			}
			a[i] = v.(int32)
		}
		return a, nil
	case KindU32:
		a := make([]uint32, n)
		for i := range a {
			v, err := r.ReadScalar(kind)
			if err != nil {
				return nil, err
			}
			a[i] = v.(uint32)
		}
		return a, nil
	case KindI64:
		a := make([]int64, n)
		for i := range a {
			v, err := r.ReadScalar(kind)
			if err != nil {
				return nil, err
			}
			a[i] = v.(int64)
		}
		return a, nil
	case KindU64:
		a := make([]uint64, n)
		for i := range a {
			v, err := r.ReadScalar(kind)
			if err != nil {
				return nil, err
			}
			a[i] = v.(uint64)
		}
		return a, nil
	case KindF32:
		a := make([]float32, n)
		for i := range a {
			v, err := r.ReadScalar(kind)
			if err != nil {
				return nil, err
			}
			a[i] = v.(float32)
		}
		return a, nil
	case KindF64:
		a := make([]float64, n)
		for i := range a {
			v, err := r.ReadScalar(kind)
			if err != nil {
				return nil, err
			}
			a[i] = v.(float64)
		}
		return a, nil
	case KindString:
		a := make([]string, n)
		for i := range a {
			s, err := r.ReadString()
			if err != nil {
				return nil, err
			}
			a[i] = s
		}
		return a, nil
	default:
		return nil, fmt.Errorf("pvdata: decode array: unknown kind %d", kind)
	}
}
