package util

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

func CopyBytes(src []byte) []byte {
	dst := make([]byte, len(src))
	copy(dst, src)
	return dst
}

// WipeBytes best-effort zeroes the provided byte slice in place.
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Normalize applies NFKC so PIN and passphrase input compares stably
// regardless of the IME that produced it.
func Normalize(s string) string {
	return norm.NFKC.String(s)
}

func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("generating random bytes: %w", err)
	}
	return b, nil
}
