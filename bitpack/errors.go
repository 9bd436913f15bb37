package bitpack

import "github.com/cockroachdb/errors"

// Sentinel errors surfaced by encode/decode. Wrapped with positional
// context; test with errors.Is.
var (
	// ErrOutOfRange reports an integer value that does not fit the
	// declared bit width.
	ErrOutOfRange = errors.New("bitpack: value out of range for declared width")

	// ErrShapeMismatch reports a value whose Go shape does not match the
	// schema, e.g. a non-sequence where a Tuple is expected.
	ErrShapeMismatch = errors.New("bitpack: value shape does not match schema")

	// ErrLengthMismatch reports a Vector or Tuple value of the wrong length.
	ErrLengthMismatch = errors.New("bitpack: sequence length does not match schema")

	// ErrEmptyUnion reports a Union schema with no variants.
	ErrEmptyUnion = errors.New("bitpack: union has no variants")

	// ErrUnknownVariant reports a union tag that names no declared variant,
	// or a decoded ordinal past the variant count.
	ErrUnknownVariant = errors.New("bitpack: unknown union variant")

	// ErrShortBuffer reports a decode that ran past the end of the input.
	ErrShortBuffer = errors.New("bitpack: input exhausted before value was complete")

	// ErrBadSchema reports a malformed schema, e.g. a zero-value Packed or
	// a non-positive integer width.
	ErrBadSchema = errors.New("bitpack: malformed schema")
)
