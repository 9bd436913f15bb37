package bitpack

import (
	"math/big"

	"github.com/cockroachdb/errors"
)

// Value conventions, mirrored on decode:
//
//	UInt, Nat    uint64 (any Go integer accepted on encode; widths past
//	             64 bits require *big.Int and decode to *big.Int)
//	Int          int64 (same big.Int rule past 64 bits)
//	Struct       map[string]any keyed by field name
//	Tuple        []any, one element per schema position
//	Vector       []any of exactly the declared length
//	List         []any
//	Map          []MapEntry in encode order
//	Union        map[string]any carrying the variant name under "$";
//	             struct variants are flat, any other payload sits under
//	             "value"
//	String       string
//
// Map values are ordered slices rather than Go maps so the bitstream is
// deterministic across runs.

// MapEntry is one key/value pair of a Map value.
type MapEntry struct {
	Key   any
	Value any
}

// TagKey is the union discriminator field in a union value.
const TagKey = "$"

// asUint normalizes an encode-side integer value. Widths above 64 bits
// must be supplied as *big.Int; anything up to 64 bits accepts the usual
// Go integer kinds.
func asUint(v any) (uint64, *big.Int, error) {
	switch n := v.(type) {
	case uint64:
		return n, nil, nil
	case uint:
		return uint64(n), nil, nil
	case uint32:
		return uint64(n), nil, nil
	case uint16:
		return uint64(n), nil, nil
	case uint8:
		return uint64(n), nil, nil
	case int8:
		if n < 0 {
			return 0, nil, errors.Wrapf(ErrOutOfRange, "negative value %d for unsigned field", n)
		}
		return uint64(n), nil, nil
	case int16:
		if n < 0 {
			return 0, nil, errors.Wrapf(ErrOutOfRange, "negative value %d for unsigned field", n)
		}
		return uint64(n), nil, nil
	case int:
		if n < 0 {
			return 0, nil, errors.Wrapf(ErrOutOfRange, "negative value %d for unsigned field", n)
		}
		return uint64(n), nil, nil
	case int64:
		if n < 0 {
			return 0, nil, errors.Wrapf(ErrOutOfRange, "negative value %d for unsigned field", n)
		}
		return uint64(n), nil, nil
	case int32:
		if n < 0 {
			return 0, nil, errors.Wrapf(ErrOutOfRange, "negative value %d for unsigned field", n)
		}
		return uint64(n), nil, nil
	case *big.Int:
		if n.Sign() < 0 {
			return 0, nil, errors.Wrapf(ErrOutOfRange, "negative value %s for unsigned field", n)
		}
		return 0, n, nil
	default:
		return 0, nil, errors.Wrapf(ErrShapeMismatch, "expected unsigned integer, got %T", v)
	}
}

// asInt normalizes an encode-side signed integer value.
func asInt(v any) (int64, *big.Int, error) {
	switch n := v.(type) {
	case int64:
		return n, nil, nil
	case int:
		return int64(n), nil, nil
	case int32:
		return int64(n), nil, nil
	case int16:
		return int64(n), nil, nil
	case int8:
		return int64(n), nil, nil
	case uint64:
		if n > 1<<63-1 {
			return 0, nil, errors.Wrapf(ErrOutOfRange, "value %d overflows signed field", n)
		}
		return int64(n), nil, nil
	case uint:
		if uint64(n) > 1<<63-1 {
			return 0, nil, errors.Wrapf(ErrOutOfRange, "value %d overflows signed field", n)
		}
		return int64(n), nil, nil
	case uint32:
		return int64(n), nil, nil
	case *big.Int:
		return 0, n, nil
	default:
		return 0, nil, errors.Wrapf(ErrShapeMismatch, "expected signed integer, got %T", v)
	}
}

// asSequence normalizes tuple/vector/list values.
func asSequence(v any) ([]any, error) {
	switch s := v.(type) {
	case []any:
		return s, nil
	case nil:
		return nil, nil
	default:
		return nil, errors.Wrapf(ErrShapeMismatch, "expected sequence, got %T", v)
	}
}

// asRecord normalizes struct/union values.
func asRecord(v any) (map[string]any, error) {
	switch r := v.(type) {
	case map[string]any:
		return r, nil
	default:
		return nil, errors.Wrapf(ErrShapeMismatch, "expected record, got %T", v)
	}
}

// asEntries normalizes map values.
func asEntries(v any) ([]MapEntry, error) {
	switch e := v.(type) {
	case []MapEntry:
		return e, nil
	case nil:
		return nil, nil
	default:
		return nil, errors.Wrapf(ErrShapeMismatch, "expected []bitpack.MapEntry, got %T", v)
	}
}
