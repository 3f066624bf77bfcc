// Package storage provides the named-blob capability backing wallet state.
package storage

import "errors"

// ErrNotFound is returned when a named blob does not exist.
var ErrNotFound = errors.New("blob not found")

// Store is the storage capability consumed by the session store and the
// permission registry: get/set/remove of named blobs. "Secure" at-rest
// protection is layered on top with NewSecure.
type Store interface {
	Get(name string) ([]byte, error)
	Set(name string, data []byte) error
	Remove(name string) error
	// List returns the names of all blobs with the given prefix.
	List(prefix string) ([]string, error)
}
