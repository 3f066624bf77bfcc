// Package session holds the wallet's single authenticated session: its
// token, identity, and lock state, persisted across process restarts.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/nexuswallet/walletd/internal/util"
	"github.com/nexuswallet/walletd/nodeclient"
	"github.com/nexuswallet/walletd/storage"
)

const sessionBlob = "session"

var (
	// ErrNotLoggedIn indicates no session token is held.
	ErrNotLoggedIn = errors.New("not logged in")
	// ErrLocked indicates the session is held but signing capability is locked.
	ErrLocked = errors.New("session locked")
)

// NodeAPI is the slice of the node client the session store consumes.
type NodeAPI interface {
	CreateSession(ctx context.Context, username, password, pin string) (*nodeclient.SessionInfo, error)
	UnlockSession(ctx context.Context, session, pin string) error
	LockSession(ctx context.Context, session, pin string) error
	TerminateSession(ctx context.Context, session string) error
}

// Session is the caller-visible view of the current session. The token is
// deliberately absent; callers that need it go through Token.
type Session struct {
	Genesis     string `json:"genesis"`
	DisplayName string `json:"display_name"`
	Locked      bool   `json:"locked"`
}

// snapshot is the persisted form. It carries the token so a restart can
// recover the last known state; the backing store is expected to protect
// it at rest (storage.Secure).
type snapshot struct {
	Genesis     string `json:"genesis"`
	DisplayName string `json:"display_name"`
	Locked      bool   `json:"locked"`
	Token       string `json:"token"`
}

// Store owns the Session exclusively. Exactly one session is active per
// wallet instance.
type Store struct {
	mu    sync.Mutex
	node  NodeAPI
	blobs storage.Store
	log   *slog.Logger

	loggedIn    bool
	locked      bool
	genesis     string
	displayName string
	token       *memguard.LockedBuffer

	unlockedLogin bool
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the structured logger for session events.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log.With("component", "session") }
}

// WithUnlockedLogin makes Login leave the session unlocked, the mobile
// platform's policy. The extension policy (start locked) is the default;
// the two front-ends genuinely diverge here, so the behavior is an
// explicit option rather than silently unified.
func WithUnlockedLogin() Option {
	return func(s *Store) { s.unlockedLogin = true }
}

// New creates a session store over the given node client and blob store,
// restoring any persisted session state from a previous run.
func New(node NodeAPI, blobs storage.Store, opts ...Option) *Store {
	s := &Store{
		node:  node,
		blobs: blobs,
		log:   slog.Default().With("component", "session"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.restore()
	return s
}

func (s *Store) restore() {
	data, err := s.blobs.Get(sessionBlob)
	if err != nil {
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil || snap.Token == "" {
		s.log.Warn("discarding unreadable session snapshot")
		s.blobs.Remove(sessionBlob)
		return
	}
	s.loggedIn = true
	s.locked = snap.Locked
	s.genesis = snap.Genesis
	s.displayName = snap.DisplayName
	s.token = memguard.NewBufferFromBytes([]byte(snap.Token))
	s.log.Info("session restored", "genesis", snap.Genesis, "locked", snap.Locked)
}

func (s *Store) persistLocked() {
	snap := snapshot{
		Genesis:     s.genesis,
		DisplayName: s.displayName,
		Locked:      s.locked,
		Token:       s.token.String(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		s.log.Error("encoding session snapshot", "error", err)
		return
	}
	if err := s.blobs.Set(sessionBlob, data); err != nil {
		s.log.Error("persisting session snapshot", "error", err)
	}
	util.WipeBytes(data)
}

// Login authenticates against the node and installs the new session,
// replacing any previous one. The PIN is used only for this call.
func (s *Store) Login(ctx context.Context, username, password, pin string) (Session, error) {
	info, err := s.node.CreateSession(ctx, username, password, util.Normalize(pin))
	if err != nil {
		s.log.Info("login failed", "username", username)
		return Session{}, fmt.Errorf("creating session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != nil {
		s.token.Destroy()
	}
	s.loggedIn = true
	s.locked = !s.unlockedLogin
	s.genesis = info.Genesis
	s.displayName = username
	s.token = memguard.NewBufferFromBytes([]byte(info.Session))
	s.persistLocked()

	s.log.Info("login", "genesis", info.Genesis, "locked", s.locked)
	return s.sessionLocked(), nil
}

// Unlock transitions locked→unlocked via the node.
func (s *Store) Unlock(ctx context.Context, pin string) error {
	token, err := s.Token()
	if err != nil {
		return err
	}
	if err := s.node.UnlockSession(ctx, token, util.Normalize(pin)); err != nil {
		s.log.Info("unlock failed")
		return fmt.Errorf("unlocking session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked = false
	s.persistLocked()
	s.log.Info("session unlocked", "genesis", s.genesis)
	return nil
}

// Lock transitions unlocked→locked via the node.
func (s *Store) Lock(ctx context.Context, pin string) error {
	token, err := s.Token()
	if err != nil {
		return err
	}
	if err := s.node.LockSession(ctx, token, util.Normalize(pin)); err != nil {
		return fmt.Errorf("locking session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked = true
	s.persistLocked()
	s.log.Info("session locked", "genesis", s.genesis)
	return nil
}

// Logout terminates the remote session best-effort and clears all local
// state. It always succeeds locally even when the node is unreachable.
func (s *Store) Logout(ctx context.Context) {
	s.mu.Lock()
	token := s.token
	genesis := s.genesis
	s.loggedIn = false
	s.locked = false
	s.genesis = ""
	s.displayName = ""
	s.token = nil
	s.mu.Unlock()

	if token != nil {
		if err := s.node.TerminateSession(ctx, token.String()); err != nil {
			s.log.Warn("remote session terminate failed", "error", err)
		}
		token.Destroy()
	}
	if err := s.blobs.Remove(sessionBlob); err != nil {
		s.log.Warn("clearing persisted session", "error", err)
	}
	s.log.Info("logout", "genesis", genesis)
}

// IsLoggedIn reports whether a session token is held, independent of lock
// state.
func (s *Store) IsLoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loggedIn
}

// IsLocked reports whether signing-capable operations are gated. Locking
// protects signing capability, not information disclosure: read-only
// queries remain permitted while locked.
func (s *Store) IsLocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// Current returns the caller-visible session view.
func (s *Store) Current() (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loggedIn {
		return Session{}, ErrNotLoggedIn
	}
	return s.sessionLocked(), nil
}

func (s *Store) sessionLocked() Session {
	return Session{Genesis: s.genesis, DisplayName: s.displayName, Locked: s.locked}
}

// Token returns the session token for node calls. Read-only callers may
// use it while locked; signing-capable callers must check SigningToken.
func (s *Store) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loggedIn || s.token == nil {
		return "", ErrNotLoggedIn
	}
	return s.token.String(), nil
}

// SigningToken returns the session token only when the session is
// unlocked. This is the precondition for every financial operation and is
// re-checked at execution time, not only at request receipt.
func (s *Store) SigningToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loggedIn || s.token == nil {
		return "", ErrNotLoggedIn
	}
	if s.locked {
		return "", ErrLocked
	}
	return s.token.String(), nil
}
