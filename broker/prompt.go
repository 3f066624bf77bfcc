package broker

import (
	"context"
	"log/slog"
	"time"
)

// PromptRequest parameterizes a user-facing approval prompt. The
// presentation layer renders it and reports back with a Decision
// correlated by RequestID.
type PromptRequest struct {
	RequestID  string    `json:"request_id"`
	Kind       Kind      `json:"kind"`
	Identifier string    `json:"identifier"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`

	// Kind-specific payload for rendering. Exactly one is set.
	Transactions []Transaction `json:"transactions,omitempty"`
	Calls        []APICall     `json:"calls,omitempty"`
	Amount       float64       `json:"amount,omitempty"`
}

// Prompter opens and closes out-of-process approval prompts. The handle
// identifies the prompt window to the host; Close is best-effort.
type Prompter interface {
	Open(ctx context.Context, req *PromptRequest) (handle string, err error)
	Close(handle string) error
}

// Decision is the approval response delivered by a prompt. Approval of a
// signing-capable request additionally requires a non-empty PIN; its
// absence is distinct from refusal so callers can tell the two apart.
type Decision struct {
	Approved bool
	Blocked  bool
	PIN      string
}

// LogPrompter is a Prompter that only logs. It never answers, so every
// request it receives times out and auto-denies. Useful as a safe default
// when no host prompt integration is wired.
type LogPrompter struct {
	Log *slog.Logger
}

var _ Prompter = (*LogPrompter)(nil)

func (p *LogPrompter) Open(_ context.Context, req *PromptRequest) (string, error) {
	p.Log.Warn("no prompt host configured; request will time out",
		"request_id", req.RequestID, "kind", string(req.Kind), "identifier", req.Identifier)
	return req.RequestID, nil
}

func (p *LogPrompter) Close(string) error { return nil }
