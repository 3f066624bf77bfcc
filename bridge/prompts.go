package bridge

import (
	"context"
	"sync"

	"github.com/nexuswallet/walletd/broker"
)

// Prompt lifecycle event types pushed to the event stream.
const (
	EventApprovalRequest = "APPROVAL_REQUEST"
	EventApprovalClosed  = "APPROVAL_CLOSED"
)

// PromptEvent tells the host UI to open or tear down an approval window.
type PromptEvent struct {
	Type      string                `json:"type"`
	RequestID string                `json:"requestId"`
	Request   *broker.PromptRequest `json:"request,omitempty"`
}

// PromptHub holds open approval prompts and fans their lifecycle out to
// event-stream subscribers. It is the bridge's prompt integration: the
// request broker opens prompts through it and the host UI observes them
// over the HTTP surface.
type PromptHub struct {
	mu   sync.RWMutex
	open map[string]*broker.PromptRequest
	subs map[chan PromptEvent]struct{}
}

var _ broker.Prompter = (*PromptHub)(nil)

func NewPromptHub() *PromptHub {
	return &PromptHub{
		open: make(map[string]*broker.PromptRequest),
		subs: make(map[chan PromptEvent]struct{}),
	}
}

// Open registers the prompt and notifies subscribers. The request id
// doubles as the prompt handle.
func (h *PromptHub) Open(_ context.Context, req *broker.PromptRequest) (string, error) {
	h.mu.Lock()
	h.open[req.RequestID] = req
	h.mu.Unlock()
	h.broadcast(PromptEvent{Type: EventApprovalRequest, RequestID: req.RequestID, Request: req})
	return req.RequestID, nil
}

// Close drops the prompt and notifies subscribers. Closing an unknown
// handle is a no-op.
func (h *PromptHub) Close(handle string) error {
	h.mu.Lock()
	_, ok := h.open[handle]
	delete(h.open, handle)
	h.mu.Unlock()
	if ok {
		h.broadcast(PromptEvent{Type: EventApprovalClosed, RequestID: handle})
	}
	return nil
}

// Get returns the open prompt for requestID, if any.
func (h *PromptHub) Get(requestID string) (*broker.PromptRequest, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	req, ok := h.open[requestID]
	return req, ok
}

// List returns all currently open prompts.
func (h *PromptHub) List() []*broker.PromptRequest {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*broker.PromptRequest, 0, len(h.open))
	for _, req := range h.open {
		out = append(out, req)
	}
	return out
}

// Subscribe registers an event-stream listener. The cancel func must be
// called to release it.
func (h *PromptHub) Subscribe() (<-chan PromptEvent, func()) {
	ch := make(chan PromptEvent, 8)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *PromptHub) broadcast(ev PromptEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
