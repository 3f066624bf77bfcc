// Package memory provides an in-memory blob store for tests and ephemeral use.
package memory

import (
	"strings"
	"sync"

	"github.com/nexuswallet/walletd/internal/util"
	"github.com/nexuswallet/walletd/storage"
)

// Store is a thread-safe in-memory storage.Store. Blobs are lost on restart.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

func (s *Store) Get(name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return util.CopyBytes(data), nil
}

func (s *Store) Set(name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[name] = util.CopyBytes(data)
	return nil
}

func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, name)
	return nil
}

func (s *Store) List(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for name := range s.data {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}
