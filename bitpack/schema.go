// Package bitpack implements a schema-driven bit-level codec. A schema
// describes the exact shape of a value; encoding produces the minimal
// bitstream for that shape with no self-description on the wire. Both
// sides of a connection must therefore agree on the schema out of band.
//
// Bit order is LSB-first within a field and byte order is little-endian.
// There is no alignment or padding between fields.
package bitpack

import "sort"

// Kind discriminates the schema variants.
type Kind uint8

const (
	KindUInt Kind = iota + 1
	KindInt
	KindNat
	KindStruct
	KindTuple
	KindVector
	KindList
	KindMap
	KindUnion
	KindString
)

// Field pairs a name with a schema. Used for both struct fields (declared
// order is the wire order) and union variants (ordinals are assigned by
// alphabetical sort of the variant names, which is part of the wire
// contract).
type Field struct {
	Name   string
	Schema Packed
}

// Packed is a tagged recursive schema description. Construct values with
// the helper functions below; the zero value is not a valid schema.
type Packed struct {
	kind   Kind
	width  int // UInt, Int
	length int // Vector
	elem   *Packed
	key    *Packed // Map
	fields []Field // Struct, Union
}

// Kind reports the schema variant.
func (p Packed) Kind() Kind { return p.kind }

// UInt describes an unsigned integer of exactly width bits.
func UInt(width int) Packed {
	return Packed{kind: KindUInt, width: width}
}

// Int describes a two's-complement signed integer of exactly width bits.
func Int(width int) Packed {
	return Packed{kind: KindInt, width: width}
}

// Nat describes a unary-coded natural number: n one-bits followed by a
// terminating zero-bit. Cheap for small values, unbounded above.
func Nat() Packed {
	return Packed{kind: KindNat}
}

// Struct describes a record with the given fields in declared order.
func Struct(fields ...Field) Packed {
	return Packed{kind: KindStruct, fields: fields}
}

// Tuple describes a fixed heterogeneous sequence.
func Tuple(elems ...Packed) Packed {
	fields := make([]Field, len(elems))
	for i, e := range elems {
		fields[i] = Field{Schema: e}
	}
	return Packed{kind: KindTuple, fields: fields}
}

// Vector describes a homogeneous sequence of exactly length elements.
func Vector(length int, elem Packed) Packed {
	return Packed{kind: KindVector, length: length, elem: &elem}
}

// List describes a cons-coded homogeneous sequence: each element is
// preceded by a one-bit, and a zero-bit terminates the list.
func List(elem Packed) Packed {
	return Packed{kind: KindList, elem: &elem}
}

// MapOf describes a cons-coded sequence of key/value pairs.
func MapOf(key, value Packed) Packed {
	return Packed{kind: KindMap, key: &key, elem: &value}
}

// Union describes a tagged choice between the named variants. The tag is
// ceil(log2(len(variants))) bits wide, zero bits for a single variant.
func Union(variants ...Field) Packed {
	return Packed{kind: KindUnion, fields: variants}
}

// String describes UTF-8 text carried as a List of 8-bit units.
func String() Packed {
	return Packed{kind: KindString}
}

// sortedVariants returns the union variants in alphabetical tag order.
// The result is freshly allocated; the schema itself keeps declared order.
func (p Packed) sortedVariants() []Field {
	variants := make([]Field, len(p.fields))
	copy(variants, p.fields)
	sort.Slice(variants, func(i, j int) bool {
		return variants[i].Name < variants[j].Name
	})
	return variants
}

// tagWidth returns the number of bits used for a union tag over n variants.
func tagWidth(n int) int {
	if n <= 1 {
		return 0
	}
	width := 0
	for capacity := 1; capacity < n; capacity <<= 1 {
		width++
	}
	return width
}
