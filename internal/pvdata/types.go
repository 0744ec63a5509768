// Package pvdata implements the PV Access data model from spec.md §3: type
// descriptors, the value tree they describe, and the bit sets used to mark
// changed/overrun fields in a structure. Wire encoding lives in encode.go;
// the bidirectional introspection cache that assigns short IDs to
// descriptors lives in the sibling internal/introspect package.
package pvdata

import "fmt"

// ScalarKind enumerates the primitive scalar types a Scalar or ScalarArray
// descriptor may carry, per spec.md §3.
type ScalarKind uint8

const (
	KindBool ScalarKind = iota
	KindI8
	KindU8
	KindI16
	KindU16
	KindI32
	KindU32
	KindI64
	KindU64
	KindF32
	KindF64
	KindString
)

// String returns the descriptor's canonical name for logs and type-id
// strings.
func (k ScalarKind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindI8:
		return "byte"
	case KindU8:
		return "ubyte"
	case KindI16:
		return "short"
	case KindU16:
		return "ushort"
	case KindI32:
		return "int"
	case KindU32:
		return "uint"
	case KindI64:
		return "long"
	case KindU64:
		return "ulong"
	case KindF32:
		return "float"
	case KindF64:
		return "double"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// DescKind classifies which of the seven type descriptor variants a
// Descriptor value is, per spec.md §3.
type DescKind uint8

const (
	DescScalar DescKind = iota
	DescScalarArray
	DescStructure
	DescStructureArray
	DescUnion
	DescUnionArray
	DescBoundedString
	DescBoundedArray
)

// Field is one named member of a Structure or Union descriptor.
type Field struct {
	Name string
	Desc Descriptor
}

// Descriptor describes the shape of a value: one of Scalar, ScalarArray,
// Structure, StructureArray, Union, UnionArray, BoundedString, or
// BoundedArray (spec.md §3).
type Descriptor struct {
	Kind ScalarKind // valid when DKind is DescScalar, DescScalarArray, DescBoundedString, DescBoundedArray
	DKind DescKind

	// TypeID identifies a Structure/StructureArray/Union/UnionArray's
	// schema, e.g. "epics:nt/NTScalar:1.0". Empty for anonymous structures.
	TypeID string

	// Fields holds the ordered members of a Structure or Union.
	Fields []Field

	// Elem is the element descriptor of a StructureArray or UnionArray.
	Elem *Descriptor

	// MaxCount bounds the element count of a BoundedString (characters)
	// or BoundedArray (elements).
	MaxCount uint32
}

// Scalar builds a scalar descriptor.
func Scalar(kind ScalarKind) Descriptor {
	return Descriptor{DKind: DescScalar, Kind: kind}
}

// ScalarArray builds a scalar-array descriptor.
func ScalarArray(kind ScalarKind) Descriptor {
	return Descriptor{DKind: DescScalarArray, Kind: kind}
}

// Structure builds a structure descriptor with the given type-id and
// ordered fields.
func Structure(typeID string, fields ...Field) Descriptor {
	return Descriptor{DKind: DescStructure, TypeID: typeID, Fields: fields}
}

// StructureArray builds a structure-array descriptor over elem.
func StructureArray(elem Descriptor) Descriptor {
	return Descriptor{DKind: DescStructureArray, Elem: &elem}
}

// Union builds a union descriptor with the given type-id and variant arms.
func Union(typeID string, arms ...Field) Descriptor {
	return Descriptor{DKind: DescUnion, TypeID: typeID, Fields: arms}
}

// UnionArray builds a union-array descriptor over elem.
func UnionArray(elem Descriptor) Descriptor {
	return Descriptor{DKind: DescUnionArray, Elem: &elem}
}

// BoundedString builds a bounded-length string descriptor.
func BoundedString(maxChars uint32) Descriptor {
	return Descriptor{DKind: DescBoundedString, Kind: KindString, MaxCount: maxChars}
}

// BoundedArray builds a bounded-length scalar-array descriptor.
func BoundedArray(kind ScalarKind, maxCount uint32) Descriptor {
	return Descriptor{DKind: DescBoundedArray, Kind: kind, MaxCount: maxCount}
}

// FieldCount returns the number of offsets this descriptor occupies in the
// depth-first flattening used for change/overrun bit sets: 1 for itself
// plus the recursive count of every structure/union field. Arrays and
// scalars occupy exactly their own single offset; their elements are not
// individually addressable.
func (d Descriptor) FieldCount() int {
	switch d.DKind {
	case DescStructure, DescUnion:
		n := 1
		for _, f := range d.Fields {
			n += f.Desc.FieldCount()
		}
		return n
	default:
		return 1
	}
}

// Validate reports a descriptive error if the descriptor is internally
// inconsistent (e.g. a Structure field with a zero-value nested kind where
// one was required).
func (d Descriptor) Validate() error {
	switch d.DKind {
	case DescStructure, DescUnion:
		seen := make(map[string]struct{}, len(d.Fields))
		for _, f := range d.Fields {
			if f.Name == "" {
				return fmt.Errorf("pvdata: field with empty name in %q", d.TypeID)
			}
			if _, dup := seen[f.Name]; dup {
				return fmt.Errorf("pvdata: duplicate field %q in %q", f.Name, d.TypeID)
			}
			seen[f.Name] = struct{}{}
			if err := f.Desc.Validate(); err != nil {
				return fmt.Errorf("pvdata: field %q: %w", f.Name, err)
			}
		}
	case DescStructureArray, DescUnionArray:
		if d.Elem == nil {
			return fmt.Errorf("pvdata: array descriptor missing element type")
		}
		return d.Elem.Validate()
	}
	return nil
}
