// Package bytesx provides functions operating on bytes.
//
// Specifically we implement these operations:
//
// 1. generating random bytes;
//
// 2. generating random strings over a given alphabet.
package bytesx

import (
	"crypto/rand"
	"errors"
)

// ErrBadAlphabet indicates that an alphabet cannot be sampled.
var ErrBadAlphabet = errors.New("alphabet must have between 1 and 256 symbols")

// GenRandomBytes returns an array of bytes with the given size using
// a CSRNG, on success, or an error, in case of failure.
func GenRandomBytes(size int) ([]byte, error) {
	b := make([]byte, size)
	_, err := rand.Read(b)
	return b, err
}

// GenRandomString returns a string of the given size whose symbols are
// drawn uniformly from alphabet using a CSRNG.
func GenRandomString(size int, alphabet string) (string, error) {
	if len(alphabet) <= 0 || len(alphabet) > 256 {
		return "", ErrBadAlphabet
	}
	// discard bytes above the largest multiple of len(alphabet) to
	// avoid modulo bias
	limit := 256 - 256%len(alphabet)
	out := make([]byte, 0, size)
	for len(out) < size {
		buf, err := GenRandomBytes(size - len(out))
		if err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) < limit {
				out = append(out, alphabet[int(b)%len(alphabet)])
			}
		}
	}
	return string(out), nil
}
