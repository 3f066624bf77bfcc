package bbolt

import (
	"bytes"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewFromFile(filepath.Join(t.TempDir(), "wallet.db"), nil)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetGetRemove(t *testing.T) {
	s := openTestStore(t)

	if err := s.Set("session", []byte("blob")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get("session")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("blob")) {
		t.Fatalf("got %q, want %q", got, "blob")
	}

	if err := s.Remove("session"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("session"); err == nil {
		t.Fatal("expected removed blob to be gone")
	}
}

func TestGetMissingBucket(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.Get("anything"); err == nil {
		t.Fatal("expected missing blob error before first write")
	}
}

func TestListByPrefix(t *testing.T) {
	s := openTestStore(t)
	s.Set("permissions/https://a.example", []byte("1"))
	s.Set("permissions/https://b.example", []byte("2"))
	s.Set("session", []byte("3"))

	names, err := s.List("permissions/")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Fatalf("got %d names, want 2: %v", len(names), names)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wallet.db")
	s, err := NewFromFile(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set("session", []byte("survives")); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := NewFromFile(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	got, err := s2.Get("session")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("survives")) {
		t.Fatalf("got %q, want %q", got, "survives")
	}
}
