package broker

import (
	"sync"
	"time"
)

// Result event types broadcast to prompts, correlated by request id.
const (
	EventTransactionResult      = "TRANSACTION_RESULT"
	EventBatchTransactionResult = "BATCH_TRANSACTION_RESULT"
	EventBatchCallsResult       = "BATCH_CALLS_RESULT"
)

// ResultEvent is the out-of-band execution summary a still-open prompt
// renders before it is closed.
type ResultEvent struct {
	Type      string       `json:"type"`
	RequestID string       `json:"request_id"`
	Success   bool         `json:"success"`
	Result    any          `json:"result,omitempty"`
	Results   []ItemResult `json:"results,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Events fans result events out to subscribers and tracks delivery
// acknowledgments so prompt teardown does not race ahead of rendering.
type Events struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
	acks map[string]chan struct{}
}

type subscriber struct {
	requestID string // "" subscribes to everything
	ch        chan ResultEvent
}

func NewEvents() *Events {
	return &Events{
		subs: make(map[*subscriber]struct{}),
		acks: make(map[string]chan struct{}),
	}
}

// Subscribe registers for events matching requestID ("" for all). The
// returned cancel func must be called to release the subscription.
func (e *Events) Subscribe(requestID string) (<-chan ResultEvent, func()) {
	sub := &subscriber{requestID: requestID, ch: make(chan ResultEvent, 8)}
	e.mu.Lock()
	e.subs[sub] = struct{}{}
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		delete(e.subs, sub)
		e.mu.Unlock()
	}
	return sub.ch, cancel
}

// Publish delivers the event to matching subscribers. Delivery is
// best-effort: a subscriber with a full buffer is skipped, not waited on.
func (e *Events) Publish(ev ResultEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for sub := range e.subs {
		if sub.requestID != "" && sub.requestID != ev.RequestID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// expectAck registers interest in an ack before the event is published,
// so the ack cannot win a race against registration.
func (e *Events) expectAck(requestID string) chan struct{} {
	ch := make(chan struct{})
	e.mu.Lock()
	e.acks[requestID] = ch
	e.mu.Unlock()
	return ch
}

// Ack records that the prompt rendered the result for requestID.
func (e *Events) Ack(requestID string) {
	e.mu.Lock()
	ch, ok := e.acks[requestID]
	if ok {
		delete(e.acks, requestID)
	}
	e.mu.Unlock()
	if ok {
		close(ch)
	}
}

// waitAck blocks until the prompt acknowledges the result or the grace
// period elapses. The fixed grace delay is the documented fallback for
// hosts that never ack.
func (e *Events) waitAck(ch chan struct{}, requestID string, grace time.Duration) {
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-ch:
	case <-t.C:
		e.mu.Lock()
		delete(e.acks, requestID)
		e.mu.Unlock()
	}
}
