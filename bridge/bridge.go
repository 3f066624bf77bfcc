// Package bridge exposes the wallet background service over HTTP: a
// JSON-RPC endpoint for page providers, approval endpoints for the
// prompt UI, and a server-sent event stream carrying prompt lifecycle
// and execution results.
package bridge

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/nexuswallet/walletd/broker"
	"github.com/nexuswallet/walletd/nodeclient"
	"github.com/nexuswallet/walletd/permission"
	"github.com/nexuswallet/walletd/session"
	"github.com/nexuswallet/walletd/storage"
)

// NodeAPI is the subset of the node client the wallet-side handlers
// call directly, outside the approval broker.
type NodeAPI interface {
	CreateProfile(ctx context.Context, username, password, pin string) (json.RawMessage, error)
	DebitAccount(ctx context.Context, p nodeclient.DebitParams) (json.RawMessage, error)
	GetAccount(ctx context.Context, session, name string) (json.RawMessage, error)
	ListAccounts(ctx context.Context, session string) (json.RawMessage, error)
	GetBalances(ctx context.Context, session string) (json.RawMessage, error)
	CreateAccount(ctx context.Context, session, pin, name string) (json.RawMessage, error)
	AccountTransactions(ctx context.Context, session string, limit int) (json.RawMessage, error)
	SystemInfo(ctx context.Context) (json.RawMessage, error)
	BaseURL() string
	SetBaseURL(raw string) error
}

//go:embed openapi.yaml
var openapiSpec []byte

// API holds the dependencies needed by the HTTP handlers.
type API struct {
	broker   *broker.Broker
	sessions *session.Store
	node     NodeAPI
	perms    *permission.Registry
	prompts  *PromptHub
	log      *slog.Logger
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger. If not set, a default JSON
// logger writing to stderr is used.
func WithLogger(log *slog.Logger) Option {
	return func(a *API) { a.log = log }
}

// New creates a new API instance. The hub must be the same one the
// broker was constructed with, so prompt state and approval responses
// observe the same requests.
func New(br *broker.Broker, sessions *session.Store, node NodeAPI, perms *permission.Registry, hub *PromptHub, opts ...Option) *API {
	a := &API{
		broker:   br,
		sessions: sessions,
		node:     node,
		perms:    perms,
		prompts:  hub,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.log == nil {
		a.log = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return a
}

// Router returns a chi.Router with all bridge routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/v1/openapi.yaml",
		Path:    "v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/v1/openapi.yaml",
		Path:    "v1/redoc",
	}, nil))

	r.Post("/rpc", a.RPC)

	r.Get("/approvals", a.ListApprovals)
	r.Get("/approvals/{requestID}", a.GetApproval)
	r.Delete("/approvals/{requestID}", a.CancelApproval)
	r.Post("/approvals/response", a.ApprovalResponse)
	r.Post("/approvals/{requestID}/ack", a.AckApproval)

	r.Get("/events", a.EventStream)

	return r
}

// ListApprovals returns every approval prompt awaiting a decision.
func (a *API) ListApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.prompts.List())
}

// GetApproval returns one open approval prompt by request id, for
// prompt hosts that fetch instead of push. The broker is the source of
// truth for pending state; the hub's copy carries the full payload.
func (a *API) GetApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "requestID")
	if _, ok := a.broker.Pending(id); !ok {
		mapError(w, fmt.Errorf("no pending approval %q: %w", id, storage.ErrNotFound))
		return
	}
	req, ok := a.prompts.Get(id)
	if !ok {
		mapError(w, fmt.Errorf("no pending approval %q: %w", id, storage.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// CancelApproval treats a closed prompt window as explicit denial.
func (a *API) CancelApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "requestID")
	if !a.broker.Cancel(id) {
		mapError(w, fmt.Errorf("no pending approval %q: %w", id, storage.ErrNotFound))
		return
	}
	a.log.Info("approval cancelled by host", "request_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// ApprovalResponse delivers the user's decision for a pending request.
// A response for an already-settled request is reported as gone rather
// than an error, so a slow prompt window degrades quietly.
func (a *API) ApprovalResponse(w http.ResponseWriter, r *http.Request) {
	var resp ApprovalResponse
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch resp.Type {
	case ResponseTypeConnection, ResponseTypeTransaction:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown response type %q", resp.Type))
		return
	}
	if resp.RequestID == "" {
		writeError(w, http.StatusBadRequest, "requestId is required")
		return
	}

	d := broker.Decision{Approved: resp.Approved, Blocked: resp.Blocked, PIN: resp.PIN}
	if !a.broker.Resolve(resp.RequestID, d) {
		a.log.Info("late approval response ignored", "request_id", resp.RequestID)
		writeJSON(w, http.StatusGone, map[string]bool{"settled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"settled": true})
}

// AckApproval records that the prompt rendered the execution result, so
// the broker may tear the prompt window down.
func (a *API) AckApproval(w http.ResponseWriter, r *http.Request) {
	a.broker.Events().Ack(chi.URLParam(r, "requestID"))
	w.WriteHeader(http.StatusNoContent)
}

// EventStream is a server-sent event feed of prompt lifecycle events and
// execution results. ?requestId= narrows result events to one request.
func (a *API) EventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	prompts, cancelPrompts := a.prompts.Subscribe()
	defer cancelPrompts()
	results, cancelResults := a.broker.Events().Subscribe(r.URL.Query().Get("requestId"))
	defer cancelResults()

	send := func(event string, v any) bool {
		data, err := json.Marshal(v)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// Replay prompts that were already open before this subscriber
	// attached, so a freshly opened window never misses its request.
	for _, req := range a.prompts.List() {
		if !send("approval", PromptEvent{Type: EventApprovalRequest, RequestID: req.RequestID, Request: req}) {
			return
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-prompts:
			if !send("approval", ev) {
				return
			}
		case ev := <-results:
			if !send("result", ev) {
				return
			}
		}
	}
}
