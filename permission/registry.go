// Package permission maintains the per-identifier allow/block list gating
// dApp access to wallet capabilities.
package permission

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/nexuswallet/walletd/storage"
)

const blobPrefix = "permissions/"

var (
	// ErrBlocked indicates the identifier was explicitly blocked by the user.
	ErrBlocked = errors.New("identifier blocked")
	// ErrNotApproved indicates the identifier has never been approved.
	ErrNotApproved = errors.New("identifier not approved")
)

// Status is the permission state of an identifier. A record holds exactly
// one status, so an identifier is never both approved and blocked.
type Status string

const (
	StatusApproved Status = "approved"
	StatusBlocked  Status = "blocked"
)

// Record is the persisted permission state for one identifier.
type Record struct {
	Identifier   string    `json:"identifier"`
	Status       Status    `json:"status"`
	LastActivity time.Time `json:"last_activity"`
}

// Identifier derives the permission identity for a page URL: the origin
// (scheme://host[:port]), except file: pages which keep the full URL so
// sibling local files stay distinguishable. Every permission decision in
// the process must go through this single derivation.
func Identifier(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing page url: %w", err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("page url %q has no scheme", rawURL)
	}
	if u.Scheme == "file" {
		return u.String(), nil
	}
	return u.Scheme + "://" + u.Host, nil
}

// Registry is the persistent allow/block list.
type Registry struct {
	mu    sync.Mutex
	blobs storage.Store
	log   *slog.Logger
	now   func() time.Time
}

// Option configures the Registry.
type Option func(*Registry)

// WithLogger sets the structured logger for permission events.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log.With("component", "permissions") }
}

func withClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry over the given blob store.
func New(blobs storage.Store, opts ...Option) *Registry {
	r := &Registry{
		blobs: blobs,
		log:   slog.Default().With("component", "permissions"),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) get(id string) (*Record, bool) {
	data, err := r.blobs.Get(blobPrefix + id)
	if err != nil {
		return nil, false
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		r.log.Warn("discarding unreadable permission record", "identifier", id)
		r.blobs.Remove(blobPrefix + id)
		return nil, false
	}
	return &rec, true
}

func (r *Registry) put(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.blobs.Set(blobPrefix+rec.Identifier, data)
}

// IsApproved reports whether the identifier is currently approved.
func (r *Registry) IsApproved(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.get(id)
	return ok && rec.Status == StatusApproved
}

// IsBlocked reports whether the identifier is currently blocked.
func (r *Registry) IsBlocked(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.get(id)
	return ok && rec.Status == StatusBlocked
}

// Approve grants the identifier access. A blocked identifier is
// implicitly unblocked: the record swaps to approved in a single write,
// which keeps the never-both invariant trivially.
func (r *Registry) Approve(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := &Record{Identifier: id, Status: StatusApproved, LastActivity: r.now()}
	if err := r.put(rec); err != nil {
		return fmt.Errorf("persisting approval: %w", err)
	}
	r.log.Info("identifier approved", "identifier", id)
	return nil
}

// Block denies the identifier, replacing any approval.
func (r *Registry) Block(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := &Record{Identifier: id, Status: StatusBlocked, LastActivity: r.now()}
	if err := r.put(rec); err != nil {
		return fmt.Errorf("persisting block: %w", err)
	}
	r.log.Info("identifier blocked", "identifier", id)
	return nil
}

// Revoke removes an approval. Blocked records are left untouched.
func (r *Registry) Revoke(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.get(id)
	if !ok || rec.Status != StatusApproved {
		return nil
	}
	if err := r.blobs.Remove(blobPrefix + id); err != nil {
		return fmt.Errorf("removing approval: %w", err)
	}
	r.log.Info("approval revoked", "identifier", id)
	return nil
}

// Unblock removes a block. Approved records are left untouched.
func (r *Registry) Unblock(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.get(id)
	if !ok || rec.Status != StatusBlocked {
		return nil
	}
	if err := r.blobs.Remove(blobPrefix + id); err != nil {
		return fmt.Errorf("removing block: %w", err)
	}
	r.log.Info("identifier unblocked", "identifier", id)
	return nil
}

// TouchActivity refreshes the last-activity timestamp of an existing record.
func (r *Registry) TouchActivity(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.get(id)
	if !ok {
		return
	}
	rec.LastActivity = r.now()
	if err := r.put(rec); err != nil {
		r.log.Warn("refreshing activity", "identifier", id, "error", err)
	}
}

// Check enforces the registry on a dApp-scoped capability call: blocked
// identifiers fail with ErrBlocked, unknown ones with ErrNotApproved, and
// approved ones get their activity refreshed and succeed silently.
func (r *Registry) Check(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.get(id)
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotApproved)
	}
	switch rec.Status {
	case StatusBlocked:
		return fmt.Errorf("%s: %w", id, ErrBlocked)
	case StatusApproved:
		rec.LastActivity = r.now()
		if err := r.put(rec); err != nil {
			r.log.Warn("refreshing activity", "identifier", id, "error", err)
		}
		return nil
	default:
		return fmt.Errorf("%s: %w", id, ErrNotApproved)
	}
}

// List returns all known records, for the management UI.
func (r *Registry) List() ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	names, err := r.blobs.List(blobPrefix)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(names))
	for _, name := range names {
		rec, ok := r.get(name[len(blobPrefix):])
		if ok {
			records = append(records, *rec)
		}
	}
	return records, nil
}
