// Package broker implements the approval broker: the trust boundary
// between untrusted page contexts and the authenticated wallet session.
// It validates and deduplicates inbound capability requests, serializes
// them into user-visible approval prompts, and executes approved batches
// with stop-on-first-failure semantics.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nexuswallet/walletd/nodeclient"
	"github.com/nexuswallet/walletd/permission"
)

// NodeCaller is the slice of the node client the broker consumes.
type NodeCaller interface {
	Call(ctx context.Context, endpoint string, params any) (json.RawMessage, error)
	DebitAccount(ctx context.Context, p nodeclient.DebitParams) (json.RawMessage, error)
	ListAccounts(ctx context.Context, session string) (json.RawMessage, error)
	GetBalances(ctx context.Context, session string) (json.RawMessage, error)
	AccountTransactions(ctx context.Context, session string, limit int) (json.RawMessage, error)
}

// SessionSource supplies session tokens. The signing token is re-checked
// at execution time, after approval, because the user can lock or log out
// while a prompt is open.
type SessionSource interface {
	Token() (string, error)
	SigningToken() (string, error)
}

// pendingRequest is one outstanding approval, keyed by request id. Never
// persisted: approvals do not survive a process restart.
type pendingRequest struct {
	id         string
	kind       Kind
	identifier string
	createdAt  time.Time

	// Guarded by Broker.mu: the pending entry is visible to Resolve as
	// soon as register returns, while the prompt is still being opened.
	handle  string
	timer   *time.Timer
	settled bool

	once sync.Once
	done chan struct{}

	// Populated by resolve before done is closed.
	decision   Decision
	connResult *ConnectionResult
	err        error
}

// Broker orchestrates approval-gated capability requests.
type Broker struct {
	node     NodeCaller
	sessions SessionSource
	perms    *permission.Registry
	prompter Prompter
	events   *Events
	log      *slog.Logger

	settlementAddress  string
	feeAmount          float64
	connectionTimeout  time.Duration
	transactionTimeout time.Duration
	resultGrace        time.Duration
	now                func() time.Time

	mu            sync.Mutex
	pending       map[string]*pendingRequest
	inflightConns map[string]*pendingRequest
	recentTx      map[string]time.Time
}

// Option configures the Broker.
type Option func(*Broker)

// WithLogger sets the structured logger for broker events.
func WithLogger(log *slog.Logger) Option {
	return func(b *Broker) { b.log = log.With("component", "broker") }
}

// WithSettlement configures the service-fee settlement address and the
// flat fee charged after a batch of API calls with at least one success.
func WithSettlement(address string, fee float64) Option {
	return func(b *Broker) {
		b.settlementAddress = address
		b.feeAmount = fee
	}
}

// WithTimeouts overrides the approval timeouts, mainly for tests.
func WithTimeouts(connection, transaction time.Duration) Option {
	return func(b *Broker) {
		b.connectionTimeout = connection
		b.transactionTimeout = transaction
	}
}

// WithResultGrace overrides the fallback delay before closing a prompt
// whose host never acknowledges the result event.
func WithResultGrace(d time.Duration) Option {
	return func(b *Broker) { b.resultGrace = d }
}

func withClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

// New creates a Broker.
func New(node NodeCaller, sessions SessionSource, perms *permission.Registry, prompter Prompter, events *Events, opts ...Option) *Broker {
	b := &Broker{
		node:               node,
		sessions:           sessions,
		perms:              perms,
		prompter:           prompter,
		events:             events,
		log:                slog.Default().With("component", "broker"),
		connectionTimeout:  ConnectionTimeout,
		transactionTimeout: TransactionTimeout,
		resultGrace:        100 * time.Millisecond,
		now:                time.Now,
		pending:            make(map[string]*pendingRequest),
		inflightConns:      make(map[string]*pendingRequest),
		recentTx:           make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// newRequestID returns a time-derived id unique within process lifetime.
// The uuid suffix keeps ids unique even across clock steps.
func newRequestID() string {
	return fmt.Sprintf("req-%d-%s", time.Now().UnixNano(), uuid.NewString()[:8])
}

// register creates and indexes a pending request. For connections the
// registration is atomic with the in-flight lookup: when an outstanding
// request for the same identifier exists, it is returned instead and no
// new request is created.
func (b *Broker) register(kind Kind, identifier string) (p, existing *pendingRequest) {
	p = &pendingRequest{
		id:         newRequestID(),
		kind:       kind,
		identifier: identifier,
		createdAt:  b.now(),
		done:       make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if kind == KindConnection {
		if inflight, ok := b.inflightConns[identifier]; ok {
			return nil, inflight
		}
		b.inflightConns[identifier] = p
	}
	b.pending[p.id] = p
	return p, nil
}

// openPending registers a pending request, opens its prompt, and arms the
// auto-deny timeout. Registration happens before the prompt opens so a
// fast approval response cannot miss the pending entry.
func (b *Broker) openPending(ctx context.Context, kind Kind, identifier string, timeout time.Duration, fill func(*PromptRequest)) (*pendingRequest, error) {
	p, _ := b.register(kind, identifier)
	if err := b.armPrompt(ctx, p, timeout, fill); err != nil {
		return nil, err
	}
	return p, nil
}

// armPrompt opens the user-facing prompt for a registered request and
// starts its timeout.
func (b *Broker) armPrompt(ctx context.Context, p *pendingRequest, timeout time.Duration, fill func(*PromptRequest)) error {
	req := &PromptRequest{
		RequestID:  p.id,
		Kind:       p.kind,
		Identifier: p.identifier,
		CreatedAt:  p.createdAt,
		ExpiresAt:  p.createdAt.Add(timeout),
	}
	if fill != nil {
		fill(req)
	}

	handle, err := b.prompter.Open(ctx, req)
	if err != nil {
		promptErr := fmt.Errorf("%w: %v", ErrPromptFailed, err)
		b.settle(p, func() { p.err = promptErr })
		b.log.Error("prompt creation failed", "request_id", p.id, "error", err)
		return promptErr
	}

	// The prompt host can resolve the request before Open even returns,
	// so arming happens under the same lock settle takes: a request that
	// settled meanwhile gets no timer, only a prompt teardown.
	b.mu.Lock()
	p.handle = handle
	settled := p.settled
	if !settled {
		p.timer = time.AfterFunc(timeout, func() { b.timeoutPending(p) })
	}
	b.mu.Unlock()
	if settled {
		b.closePrompt(p)
		return nil
	}

	b.log.Info("approval requested",
		"request_id", p.id, "kind", string(p.kind), "identifier", p.identifier)
	return nil
}

// settle resolves a pending request exactly once. Late approval responses
// and a racing timeout both funnel through here; the losers are no-ops.
func (b *Broker) settle(p *pendingRequest, fn func()) bool {
	won := false
	p.once.Do(func() {
		won = true
		b.mu.Lock()
		p.settled = true
		timer := p.timer
		delete(b.pending, p.id)
		if p.kind == KindConnection && b.inflightConns[p.identifier] == p {
			delete(b.inflightConns, p.identifier)
		}
		b.mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		fn()
		close(p.done)
	})
	return won
}

// timeoutPending auto-denies a request whose prompt never responded and
// best-effort closes the prompt.
func (b *Broker) timeoutPending(p *pendingRequest) {
	if b.settle(p, func() { p.err = ErrApprovalTimeout }) {
		b.log.Info("approval timed out", "request_id", p.id, "kind", string(p.kind))
		b.closePrompt(p)
	}
}

func (b *Broker) closePrompt(p *pendingRequest) {
	b.mu.Lock()
	handle := p.handle
	b.mu.Unlock()
	if handle == "" {
		return
	}
	if err := b.prompter.Close(handle); err != nil {
		b.log.Warn("closing prompt", "request_id", p.id, "error", err)
	}
}

// Resolve delivers an approval response from a prompt, correlated by
// request id. A response for an unknown or already-settled request is a
// no-op and returns false. Connection decisions are applied here, in the
// prompt's call context; transaction decisions are handed to the waiting
// caller, which executes with its own context.
func (b *Broker) Resolve(requestID string, d Decision) bool {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		b.log.Info("ignoring response for unknown request", "request_id", requestID)
		return false
	}

	switch p.kind {
	case KindConnection:
		return b.settle(p, func() {
			p.connResult, p.err = b.applyConnectionDecision(p, d)
		})
	default:
		return b.settle(p, func() { p.decision = d })
	}
}

// Cancel treats a closed prompt as explicit denial.
func (b *Broker) Cancel(requestID string) bool {
	return b.Resolve(requestID, Decision{Approved: false})
}

// Pending returns the prompt parameters of an outstanding request, for
// prompt hosts that fetch instead of push.
func (b *Broker) Pending(requestID string) (*PromptRequest, bool) {
	b.mu.Lock()
	p, ok := b.pending[requestID]
	b.mu.Unlock()
	if !ok {
		return nil, false
	}
	return &PromptRequest{
		RequestID:  p.id,
		Kind:       p.kind,
		Identifier: p.identifier,
		CreatedAt:  p.createdAt,
	}, true
}

// Events exposes the result-event broadcaster.
func (b *Broker) Events() *Events {
	return b.events
}

// ConnectionResult is the outcome of a connection request.
type ConnectionResult struct {
	Connected bool     `json:"connected"`
	Accounts  []string `json:"accounts"`
}

// RequestConnection gates a dApp's first contact. Concurrent requests
// from the same identifier merge onto one prompt and share its outcome.
func (b *Broker) RequestConnection(ctx context.Context, pageURL string) (*ConnectionResult, error) {
	id, err := permission.Identifier(pageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	// Already decided identifiers never reach a prompt.
	switch err := b.perms.Check(id); {
	case err == nil:
		accounts, err := b.accounts(ctx)
		if err != nil {
			return nil, err
		}
		return &ConnectionResult{Connected: true, Accounts: accounts}, nil
	case errors.Is(err, permission.ErrBlocked):
		return nil, err
	}

	p, existing := b.register(KindConnection, id)
	if existing != nil {
		return b.awaitConnection(ctx, existing)
	}
	if err := b.armPrompt(ctx, p, b.connectionTimeout, nil); err != nil {
		return nil, err
	}
	return b.awaitConnection(ctx, p)
}

func (b *Broker) awaitConnection(ctx context.Context, p *pendingRequest) (*ConnectionResult, error) {
	select {
	case <-p.done:
		if p.err != nil {
			return nil, p.err
		}
		return p.connResult, nil
	case <-ctx.Done():
		// This caller gave up; the prompt stays open for other waiters
		// and the timeout still bounds the pending entry.
		return nil, ctx.Err()
	}
}

// applyConnectionDecision runs in the prompt's resolve path so that every
// merged waiter observes one registry update and one accounts fetch.
func (b *Broker) applyConnectionDecision(p *pendingRequest, d Decision) (*ConnectionResult, error) {
	defer b.closePrompt(p)

	if d.Blocked {
		if err := b.perms.Block(p.identifier); err != nil {
			b.log.Error("persisting block", "identifier", p.identifier, "error", err)
		}
		b.log.Info("connection blocked", "request_id", p.id, "identifier", p.identifier)
		return nil, fmt.Errorf("%s: %w", p.identifier, permission.ErrBlocked)
	}
	if !d.Approved {
		b.log.Info("connection denied", "request_id", p.id, "identifier", p.identifier)
		return nil, ErrDenied
	}

	if err := b.perms.Approve(p.identifier); err != nil {
		return nil, fmt.Errorf("persisting approval: %w", err)
	}
	b.log.Info("connection approved", "request_id", p.id, "identifier", p.identifier)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	accounts, err := b.accounts(ctx)
	if err != nil {
		return nil, err
	}
	return &ConnectionResult{Connected: true, Accounts: accounts}, nil
}

// accounts lists the session's account addresses. A read-only query, so
// the plain token suffices and a locked session is fine.
func (b *Broker) accounts(ctx context.Context) ([]string, error) {
	token, err := b.sessions.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	raw, err := b.node.ListAccounts(ctx, token)
	if err != nil {
		return nil, err
	}
	var list []struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decoding account list: %w", err)
	}
	addresses := make([]string, 0, len(list))
	for _, acct := range list {
		addresses = append(addresses, acct.Address)
	}
	return addresses, nil
}

// GetAccounts returns the wallet's account addresses to a previously
// approved identifier.
func (b *Broker) GetAccounts(ctx context.Context, pageURL string) ([]string, error) {
	id, err := permission.Identifier(pageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := b.perms.Check(id); err != nil {
		return nil, err
	}
	return b.accounts(ctx)
}

// GetBalance returns the wallet balances to an approved identifier. A
// read-only query, permitted while the session is locked.
func (b *Broker) GetBalance(ctx context.Context, pageURL string) (json.RawMessage, error) {
	id, err := permission.Identifier(pageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := b.perms.Check(id); err != nil {
		return nil, err
	}
	token, err := b.sessions.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	return b.node.GetBalances(ctx, token)
}

// GetTransactionHistory returns recent account transactions to an
// approved identifier.
func (b *Broker) GetTransactionHistory(ctx context.Context, pageURL string, limit int) (json.RawMessage, error) {
	id, err := permission.Identifier(pageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := b.perms.Check(id); err != nil {
		return nil, err
	}
	token, err := b.sessions.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	return b.node.AccountTransactions(ctx, token, limit)
}

// Disconnect is self-service: revoking a dApp's own access needs no
// approval prompt.
func (b *Broker) Disconnect(pageURL string) error {
	id, err := permission.Identifier(pageURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := b.perms.Revoke(id); err != nil {
		return err
	}
	b.log.Info("disconnected", "identifier", id)
	return nil
}
