package client

import (
	"crypto/rand"

	"github.com/cockroachdb/errors"
)

// nameAlphabet has exactly 64 symbols, so a random byte modulo its length
// is uniform.
const nameAlphabet = "_abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-"

const nameLength = 8

// generateName produces a post name unique for practical purposes within
// a client lifetime: 8 symbols from a 64-symbol alphabet, 48 bits of
// entropy.
func generateName() (string, error) {
	var raw [nameLength]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", errors.Wrap(err, "generate post name")
	}
	name := make([]byte, nameLength)
	for i, b := range raw {
		name[i] = nameAlphabet[int(b)%len(nameAlphabet)]
	}
	return string(name), nil
}
