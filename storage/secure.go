package storage

import (
	"encoding/json"
	"fmt"

	"github.com/nexuswallet/walletd/internal/util"
)

// saltBlob is where the secure wrapper keeps its KDF material. It is the
// only blob a Secure store writes in the clear.
const saltBlob = "secure/kdf"

const saltLen = 16

type kdfRecord struct {
	Salt   []byte              `json:"salt"`
	Params util.Argon2idParams `json:"params"`
}

// Secure wraps a Store and seals every blob at rest with a key derived
// from a device passphrase. Blob names double as AAD, so a sealed value
// cannot be replayed under a different name.
type Secure struct {
	inner Store
	key   []byte
}

var _ Store = (*Secure)(nil)

// NewSecure derives the sealing key from the passphrase, creating KDF
// material on first use. Opening an existing store with the wrong
// passphrase surfaces as decryption failures on Get.
func NewSecure(inner Store, passphrase string) (*Secure, error) {
	rec, err := loadOrCreateKDF(inner)
	if err != nil {
		return nil, err
	}
	key, err := util.DeriveKey(passphrase, rec.Salt, rec.Params)
	if err != nil {
		return nil, fmt.Errorf("deriving storage key: %w", err)
	}
	return &Secure{inner: inner, key: key}, nil
}

func loadOrCreateKDF(inner Store) (*kdfRecord, error) {
	data, err := inner.Get(saltBlob)
	if err == nil {
		var rec kdfRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decoding kdf record: %w", err)
		}
		return &rec, nil
	}
	salt, err := util.RandomBytes(saltLen)
	if err != nil {
		return nil, err
	}
	rec := kdfRecord{Salt: salt, Params: util.DefaultArgon2idParams()}
	data, err = json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	if err := inner.Set(saltBlob, data); err != nil {
		return nil, fmt.Errorf("persisting kdf record: %w", err)
	}
	return &rec, nil
}

// Destroy wipes the derived key. The store is unusable afterwards.
func (s *Secure) Destroy() {
	util.WipeBytes(s.key)
}

func (s *Secure) Get(name string) ([]byte, error) {
	sealed, err := s.inner.Get(name)
	if err != nil {
		return nil, err
	}
	plaintext, err := util.Open(sealed, s.key, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return plaintext, nil
}

func (s *Secure) Set(name string, data []byte) error {
	sealed, err := util.Seal(data, s.key, []byte(name))
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return s.inner.Set(name, sealed)
}

func (s *Secure) Remove(name string) error {
	return s.inner.Remove(name)
}

func (s *Secure) List(prefix string) ([]string, error) {
	names, err := s.inner.List(prefix)
	if err != nil {
		return nil, err
	}
	// The KDF blob is wrapper bookkeeping, not caller data.
	out := names[:0]
	for _, n := range names {
		if n != saltBlob {
			out = append(out, n)
		}
	}
	return out, nil
}
