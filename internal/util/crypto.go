package util

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const KeySize = chacha20poly1305.KeySize

// Argon2idParams holds the cost parameters for device-key derivation.
type Argon2idParams struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
	KeyLen      uint32 `json:"key_len"`
}

func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        1,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
		KeyLen:      KeySize,
	}
}

// DeriveKey derives a sealing key from a passphrase with Argon2id.
func DeriveKey(passphrase string, salt []byte, params Argon2idParams) ([]byte, error) {
	if params.KeyLen != KeySize {
		return nil, fmt.Errorf("key length must be %d bytes", KeySize)
	}
	if len(salt) == 0 {
		return nil, fmt.Errorf("salt must not be empty")
	}
	key := argon2.IDKey([]byte(Normalize(passphrase)), salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen)
	return key, nil
}

// ConstantTimeEqual compares two byte slices without leaking timing.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Seal encrypts plaintext with XChaCha20-Poly1305 and returns nonce || ciphertext.
func Seal(plaintext, rawKey, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(rawKey)
	if err != nil {
		return nil, fmt.Errorf("creating aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open decrypts a nonce || ciphertext blob produced by Seal.
func Open(sealed, rawKey, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(rawKey)
	if err != nil {
		return nil, fmt.Errorf("creating aead: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed blob shorter than nonce size")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("opening sealed blob: %w", err)
	}
	return plaintext, nil
}
