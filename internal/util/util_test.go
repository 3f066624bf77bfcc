package util

import (
	"bytes"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key, err := RandomBytes(KeySize)
	if err != nil {
		t.Fatal(err)
	}
	plaintext := []byte("wallet session snapshot")
	aad := []byte("session")

	sealed, err := Seal(plaintext, key, aad)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed blob contains plaintext")
	}

	opened, err := Open(sealed, key, aad)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("got %q, want %q", opened, plaintext)
	}
}

func TestOpenRejectsWrongAAD(t *testing.T) {
	key, _ := RandomBytes(KeySize)
	sealed, err := Seal([]byte("data"), key, []byte("permissions"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Open(sealed, key, []byte("session")); err == nil {
		t.Fatal("expected AAD mismatch to fail")
	}
}

func TestOpenRejectsTruncatedBlob(t *testing.T) {
	key, _ := RandomBytes(KeySize)
	if _, err := Open([]byte("short"), key, nil); err == nil {
		t.Fatal("expected truncated blob to fail")
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")
	params := DefaultArgon2idParams()
	params.MemoryKiB = 8 * 1024 // keep the test fast

	k1, err := DeriveKey("correct horse", salt, params)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := DeriveKey("correct horse", salt, params)
	if err != nil {
		t.Fatal(err)
	}
	if !ConstantTimeEqual(k1, k2) {
		t.Fatal("same passphrase and salt must derive the same key")
	}

	k3, _ := DeriveKey("wrong horse", salt, params)
	if ConstantTimeEqual(k1, k3) {
		t.Fatal("different passphrases must not collide")
	}
}

func TestDeriveKeyRejectsEmptySalt(t *testing.T) {
	if _, err := DeriveKey("pass", nil, DefaultArgon2idParams()); err == nil {
		t.Fatal("expected empty salt to fail")
	}
}

func TestNormalizeFoldsCompatibilityForms(t *testing.T) {
	// Fullwidth digits normalize to ASCII under NFKC.
	if got := Normalize("１２３４"); got != "1234" {
		t.Fatalf("got %q, want %q", got, "1234")
	}
}

func TestWipeBytes(t *testing.T) {
	b := []byte{1, 2, 3}
	WipeBytes(b)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d not wiped", i)
		}
	}
}
