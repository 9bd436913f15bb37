package bitpack

import (
	"math/big"

	"github.com/cockroachdb/errors"
)

// Encode serializes value under schema into a fresh buffer of
// ceil(bits/8) bytes. The first pass computes the exact bit length and
// validates the value; the second pass writes bits LSB-first.
func Encode(schema Packed, value any) ([]byte, error) {
	bits, err := Size(schema, value)
	if err != nil {
		return nil, err
	}
	w := &bitWriter{buf: make([]byte, (bits+7)/8)}
	if err := encodeValue(w, schema, value); err != nil {
		return nil, err
	}
	return w.buf, nil
}

type bitWriter struct {
	buf []byte
	pos int
}

// writeBits appends the lowest width bits of v, least significant first.
func (w *bitWriter) writeBits(v uint64, width int) {
	for i := 0; i < width; i++ {
		if v>>uint(i)&1 == 1 {
			w.buf[w.pos>>3] |= 1 << uint(w.pos&7)
		}
		w.pos++
	}
}

// writeBigBits appends the lowest width bits of v in two's complement.
func (w *bitWriter) writeBigBits(v *big.Int, width int) {
	if v.Sign() < 0 {
		shifted := new(big.Int).Lsh(big.NewInt(1), uint(width))
		v = new(big.Int).Add(v, shifted)
	}
	for i := 0; i < width; i++ {
		if v.Bit(i) == 1 {
			w.buf[w.pos>>3] |= 1 << uint(w.pos&7)
		}
		w.pos++
	}
}

func encodeValue(w *bitWriter, schema Packed, value any) error {
	switch schema.kind {
	case KindUInt:
		small, wide, err := asUint(value)
		if err != nil {
			return err
		}
		if wide != nil {
			w.writeBigBits(wide, schema.width)
		} else {
			w.writeBits(small, schema.width)
		}
		return nil
	case KindInt:
		small, wide, err := asInt(value)
		if err != nil {
			return err
		}
		if wide != nil {
			w.writeBigBits(wide, schema.width)
		} else if schema.width > 64 {
			w.writeBigBits(big.NewInt(small), schema.width)
		} else {
			w.writeBits(uint64(small), schema.width)
		}
		return nil
	case KindNat:
		small, wide, err := asUint(value)
		if err != nil {
			return err
		}
		if wide != nil {
			small = wide.Uint64()
		}
		for i := uint64(0); i < small; i++ {
			w.writeBits(1, 1)
		}
		w.writeBits(0, 1)
		return nil
	case KindStruct:
		record, err := asRecord(value)
		if err != nil {
			return err
		}
		for _, field := range schema.fields {
			if err := encodeValue(w, field.Schema, record[field.Name]); err != nil {
				return errors.Wrapf(err, "field %q", field.Name)
			}
		}
		return nil
	case KindTuple:
		seq, err := asSequence(value)
		if err != nil {
			return err
		}
		for i, field := range schema.fields {
			if err := encodeValue(w, field.Schema, seq[i]); err != nil {
				return errors.Wrapf(err, "tuple element %d", i)
			}
		}
		return nil
	case KindVector:
		seq, err := asSequence(value)
		if err != nil {
			return err
		}
		for i, elem := range seq {
			if err := encodeValue(w, *schema.elem, elem); err != nil {
				return errors.Wrapf(err, "vector element %d", i)
			}
		}
		return nil
	case KindList:
		seq, err := asSequence(value)
		if err != nil {
			return err
		}
		for i, elem := range seq {
			w.writeBits(1, 1)
			if err := encodeValue(w, *schema.elem, elem); err != nil {
				return errors.Wrapf(err, "list element %d", i)
			}
		}
		w.writeBits(0, 1)
		return nil
	case KindMap:
		entries, err := asEntries(value)
		if err != nil {
			return err
		}
		for i, entry := range entries {
			w.writeBits(1, 1)
			if err := encodeValue(w, *schema.key, entry.Key); err != nil {
				return errors.Wrapf(err, "map key %d", i)
			}
			if err := encodeValue(w, *schema.elem, entry.Value); err != nil {
				return errors.Wrapf(err, "map value %d", i)
			}
		}
		w.writeBits(0, 1)
		return nil
	case KindUnion:
		ordinal, variant, payload, err := unionParts(schema, value)
		if err != nil {
			return err
		}
		w.writeBits(uint64(ordinal), tagWidth(len(schema.fields)))
		if err := encodeValue(w, variant.Schema, payload); err != nil {
			return errors.Wrapf(err, "variant %q", variant.Name)
		}
		return nil
	case KindString:
		text, ok := value.(string)
		if !ok {
			return errors.Wrapf(ErrShapeMismatch, "expected string, got %T", value)
		}
		for i := 0; i < len(text); i++ {
			w.writeBits(1, 1)
			w.writeBits(uint64(text[i]), 8)
		}
		w.writeBits(0, 1)
		return nil
	default:
		return errors.Wrapf(ErrBadSchema, "unknown schema kind %d", schema.kind)
	}
}
