package bitpack

import (
	"math/big"
	"strings"

	"github.com/cockroachdb/errors"
)

// Decode deserializes a value from data under schema, reading bits in the
// same order Encode wrote them. The decoder checks bounds but is otherwise
// not self-validating; the caller must supply the matching schema.
func Decode(schema Packed, data []byte) (any, error) {
	r := &bitReader{buf: data}
	value, err := decodeValue(r, schema)
	if err != nil {
		return nil, err
	}
	return value, nil
}

type bitReader struct {
	buf []byte
	pos int
}

func (r *bitReader) readBit() (uint64, error) {
	if r.pos >= len(r.buf)*8 {
		return 0, ErrShortBuffer
	}
	bit := uint64(r.buf[r.pos>>3]) >> uint(r.pos&7) & 1
	r.pos++
	return bit, nil
}

func (r *bitReader) readBits(width int) (uint64, error) {
	var v uint64
	for i := 0; i < width; i++ {
		bit, err := r.readBit()
		if err != nil {
			return 0, err
		}
		v |= bit << uint(i)
	}
	return v, nil
}

func (r *bitReader) readBigBits(width int) (*big.Int, error) {
	v := new(big.Int)
	for i := 0; i < width; i++ {
		bit, err := r.readBit()
		if err != nil {
			return nil, err
		}
		if bit == 1 {
			v.SetBit(v, i, 1)
		}
	}
	return v, nil
}

func decodeValue(r *bitReader, schema Packed) (any, error) {
	switch schema.kind {
	case KindUInt:
		if schema.width > 64 {
			return r.readBigBits(schema.width)
		}
		return r.readBits(schema.width)
	case KindInt:
		if schema.width > 64 {
			v, err := r.readBigBits(schema.width)
			if err != nil {
				return nil, err
			}
			if v.Bit(schema.width-1) == 1 {
				shifted := new(big.Int).Lsh(big.NewInt(1), uint(schema.width))
				v.Sub(v, shifted)
			}
			return v, nil
		}
		raw, err := r.readBits(schema.width)
		if err != nil {
			return nil, err
		}
		if schema.width < 64 && raw>>uint(schema.width-1)&1 == 1 {
			raw |= ^uint64(0) << uint(schema.width)
		}
		return int64(raw), nil
	case KindNat:
		var n uint64
		for {
			bit, err := r.readBit()
			if err != nil {
				return nil, err
			}
			if bit == 0 {
				return n, nil
			}
			n++
		}
	case KindStruct:
		record := make(map[string]any, len(schema.fields))
		for _, field := range schema.fields {
			v, err := decodeValue(r, field.Schema)
			if err != nil {
				return nil, errors.Wrapf(err, "field %q", field.Name)
			}
			record[field.Name] = v
		}
		return record, nil
	case KindTuple:
		seq := make([]any, len(schema.fields))
		for i, field := range schema.fields {
			v, err := decodeValue(r, field.Schema)
			if err != nil {
				return nil, errors.Wrapf(err, "tuple element %d", i)
			}
			seq[i] = v
		}
		return seq, nil
	case KindVector:
		seq := make([]any, schema.length)
		for i := range seq {
			v, err := decodeValue(r, *schema.elem)
			if err != nil {
				return nil, errors.Wrapf(err, "vector element %d", i)
			}
			seq[i] = v
		}
		return seq, nil
	case KindList:
		seq := make([]any, 0)
		for {
			bit, err := r.readBit()
			if err != nil {
				return nil, err
			}
			if bit == 0 {
				return seq, nil
			}
			v, err := decodeValue(r, *schema.elem)
			if err != nil {
				return nil, errors.Wrapf(err, "list element %d", len(seq))
			}
			seq = append(seq, v)
		}
	case KindMap:
		entries := make([]MapEntry, 0)
		for {
			bit, err := r.readBit()
			if err != nil {
				return nil, err
			}
			if bit == 0 {
				return entries, nil
			}
			k, err := decodeValue(r, *schema.key)
			if err != nil {
				return nil, errors.Wrapf(err, "map key %d", len(entries))
			}
			v, err := decodeValue(r, *schema.elem)
			if err != nil {
				return nil, errors.Wrapf(err, "map value %d", len(entries))
			}
			entries = append(entries, MapEntry{Key: k, Value: v})
		}
	case KindUnion:
		if len(schema.fields) == 0 {
			return nil, ErrEmptyUnion
		}
		ordinal, err := r.readBits(tagWidth(len(schema.fields)))
		if err != nil {
			return nil, err
		}
		variants := schema.sortedVariants()
		if ordinal >= uint64(len(variants)) {
			return nil, errors.Wrapf(ErrUnknownVariant, "ordinal %d of %d variants", ordinal, len(variants))
		}
		variant := variants[ordinal]
		payload, err := decodeValue(r, variant.Schema)
		if err != nil {
			return nil, errors.Wrapf(err, "variant %q", variant.Name)
		}
		if variant.Schema.kind == KindStruct {
			record := payload.(map[string]any)
			record[TagKey] = variant.Name
			return record, nil
		}
		return map[string]any{TagKey: variant.Name, "value": payload}, nil
	case KindString:
		var b strings.Builder
		for {
			bit, err := r.readBit()
			if err != nil {
				return nil, err
			}
			if bit == 0 {
				return b.String(), nil
			}
			unit, err := r.readBits(8)
			if err != nil {
				return nil, err
			}
			b.WriteByte(byte(unit))
		}
	default:
		return nil, errors.Wrapf(ErrBadSchema, "unknown schema kind %d", schema.kind)
	}
}
