package bitpack

import (
	"math/big"

	"github.com/cockroachdb/errors"
)

// Size computes the exact bit length of value under schema, validating
// ranges and shapes along the way. Encode runs this as its first pass; it
// is exported so callers can budget buffers without encoding.
func Size(schema Packed, value any) (int, error) {
	return sizeValue(schema, value)
}

func sizeValue(schema Packed, value any) (int, error) {
	switch schema.kind {
	case KindUInt:
		if schema.width <= 0 {
			return 0, errors.Wrapf(ErrBadSchema, "uint width %d", schema.width)
		}
		small, wide, err := asUint(value)
		if err != nil {
			return 0, err
		}
		if schema.width > 64 && wide == nil {
			return 0, errors.Wrapf(ErrShapeMismatch, "uint width %d takes a *big.Int, got %T", schema.width, value)
		}
		if err := checkUintRange(small, wide, schema.width); err != nil {
			return 0, err
		}
		return schema.width, nil
	case KindInt:
		if schema.width <= 0 {
			return 0, errors.Wrapf(ErrBadSchema, "int width %d", schema.width)
		}
		small, wide, err := asInt(value)
		if err != nil {
			return 0, err
		}
		if schema.width > 64 && wide == nil {
			return 0, errors.Wrapf(ErrShapeMismatch, "int width %d takes a *big.Int, got %T", schema.width, value)
		}
		if err := checkIntRange(small, wide, schema.width); err != nil {
			return 0, err
		}
		return schema.width, nil
	case KindNat:
		small, wide, err := asUint(value)
		if err != nil {
			return 0, err
		}
		if wide != nil {
			if !wide.IsUint64() {
				return 0, errors.Wrapf(ErrOutOfRange, "nat value %s too large for unary coding", wide)
			}
			small = wide.Uint64()
		}
		return int(small) + 1, nil
	case KindStruct:
		record, err := asRecord(value)
		if err != nil {
			return 0, err
		}
		total := 0
		for _, field := range schema.fields {
			fieldValue, ok := record[field.Name]
			if !ok {
				return 0, errors.Wrapf(ErrShapeMismatch, "missing struct field %q", field.Name)
			}
			n, err := sizeValue(field.Schema, fieldValue)
			if err != nil {
				return 0, errors.Wrapf(err, "field %q", field.Name)
			}
			total += n
		}
		return total, nil
	case KindTuple:
		seq, err := asSequence(value)
		if err != nil {
			return 0, err
		}
		if len(seq) != len(schema.fields) {
			return 0, errors.Wrapf(ErrLengthMismatch, "tuple has %d elements, schema declares %d", len(seq), len(schema.fields))
		}
		total := 0
		for i, field := range schema.fields {
			n, err := sizeValue(field.Schema, seq[i])
			if err != nil {
				return 0, errors.Wrapf(err, "tuple element %d", i)
			}
			total += n
		}
		return total, nil
	case KindVector:
		seq, err := asSequence(value)
		if err != nil {
			return 0, err
		}
		if len(seq) != schema.length {
			return 0, errors.Wrapf(ErrLengthMismatch, "vector has %d elements, schema declares %d", len(seq), schema.length)
		}
		total := 0
		for i, elem := range seq {
			n, err := sizeValue(*schema.elem, elem)
			if err != nil {
				return 0, errors.Wrapf(err, "vector element %d", i)
			}
			total += n
		}
		return total, nil
	case KindList:
		seq, err := asSequence(value)
		if err != nil {
			return 0, err
		}
		total := 1
		for i, elem := range seq {
			n, err := sizeValue(*schema.elem, elem)
			if err != nil {
				return 0, errors.Wrapf(err, "list element %d", i)
			}
			total += 1 + n
		}
		return total, nil
	case KindMap:
		entries, err := asEntries(value)
		if err != nil {
			return 0, err
		}
		total := 1
		for i, entry := range entries {
			k, err := sizeValue(*schema.key, entry.Key)
			if err != nil {
				return 0, errors.Wrapf(err, "map key %d", i)
			}
			v, err := sizeValue(*schema.elem, entry.Value)
			if err != nil {
				return 0, errors.Wrapf(err, "map value %d", i)
			}
			total += 1 + k + v
		}
		return total, nil
	case KindUnion:
		_, variant, payload, err := unionParts(schema, value)
		if err != nil {
			return 0, err
		}
		n, err := sizeValue(variant.Schema, payload)
		if err != nil {
			return 0, errors.Wrapf(err, "variant %q", variant.Name)
		}
		return tagWidth(len(schema.fields)) + n, nil
	case KindString:
		text, ok := value.(string)
		if !ok {
			return 0, errors.Wrapf(ErrShapeMismatch, "expected string, got %T", value)
		}
		return len(text)*9 + 1, nil
	default:
		return 0, errors.Wrapf(ErrBadSchema, "unknown schema kind %d", schema.kind)
	}
}

// unionParts resolves a union value against the schema: the alphabetical
// ordinal, the variant, and the payload value handed to the nested schema.
// Struct variants carry the record itself; anything else reads "value".
func unionParts(schema Packed, value any) (int, Field, any, error) {
	if len(schema.fields) == 0 {
		return 0, Field{}, nil, ErrEmptyUnion
	}
	record, err := asRecord(value)
	if err != nil {
		return 0, Field{}, nil, err
	}
	tag, ok := record[TagKey].(string)
	if !ok {
		return 0, Field{}, nil, errors.Wrapf(ErrShapeMismatch, "union value missing %q tag", TagKey)
	}
	for ordinal, variant := range schema.sortedVariants() {
		if variant.Name != tag {
			continue
		}
		if variant.Schema.kind == KindStruct {
			return ordinal, variant, value, nil
		}
		payload, ok := record["value"]
		if !ok {
			return 0, Field{}, nil, errors.Wrapf(ErrShapeMismatch, "union variant %q missing payload field \"value\"", tag)
		}
		return ordinal, variant, payload, nil
	}
	return 0, Field{}, nil, errors.Wrapf(ErrUnknownVariant, "tag %q", tag)
}

func checkUintRange(small uint64, wide *big.Int, width int) error {
	if wide != nil {
		if wide.BitLen() > width {
			return errors.Wrapf(ErrOutOfRange, "value %s needs %d bits, field is %d", wide, wide.BitLen(), width)
		}
		return nil
	}
	if width >= 64 {
		return nil
	}
	if small >= 1<<uint(width) {
		return errors.Wrapf(ErrOutOfRange, "value %d does not fit %d bits", small, width)
	}
	return nil
}

func checkIntRange(small int64, wide *big.Int, width int) error {
	if wide != nil {
		limit := new(big.Int).Lsh(big.NewInt(1), uint(width-1))
		upper := new(big.Int).Sub(limit, big.NewInt(1))
		lower := new(big.Int).Neg(limit)
		if wide.Cmp(lower) < 0 || wide.Cmp(upper) > 0 {
			return errors.Wrapf(ErrOutOfRange, "value %s does not fit %d signed bits", wide, width)
		}
		return nil
	}
	if width >= 64 {
		return nil
	}
	limit := int64(1) << uint(width-1)
	if small < -limit || small >= limit {
		return errors.Wrapf(ErrOutOfRange, "value %d does not fit %d signed bits", small, width)
	}
	return nil
}
