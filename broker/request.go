package broker

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Kind tags the request variants the broker can carry to a prompt.
type Kind string

const (
	KindConnection       Kind = "connection"
	KindTransaction      Kind = "transaction"
	KindBatchTransaction Kind = "batch_transaction"
	KindBatchCalls       Kind = "batch_calls"
	KindBuyFeeTokens     Kind = "buy_fee_tokens"
)

// Batch size bounds, checked before any prompt is shown.
const (
	MaxBatchTransactions = 10
	MaxBatchCalls        = 12
)

// Approval timeouts per kind.
const (
	ConnectionTimeout  = 120 * time.Second
	TransactionTimeout = 180 * time.Second
)

// dedupWindow is the suppression window for identical single transactions.
// It guards against double-submit, not against legitimate rapid repeats.
const dedupWindow = 500 * time.Millisecond

// Transaction is a single user-authorized debit.
type Transaction struct {
	From      string  `json:"from,omitempty"`
	To        string  `json:"to"`
	Amount    float64 `json:"amount"`
	Reference string  `json:"reference,omitempty"`
}

// ParseReference parses an optional payment reference. The node carries
// it as an unsigned 64-bit integer, so anything outside [0, 2^64-1] is
// invalid. An empty reference is valid and maps to nil.
func ParseReference(s string) (*uint64, error) {
	if s == "" {
		return nil, nil
	}
	ref, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("reference %q out of range or not numeric: %w", s, ErrValidation)
	}
	return &ref, nil
}

func (t Transaction) reference() (*uint64, error) {
	return ParseReference(t.Reference)
}

func (t Transaction) Validate() error {
	if t.To == "" {
		return fmt.Errorf("missing recipient: %w", ErrValidation)
	}
	if t.Amount <= 0 || math.IsNaN(t.Amount) || math.IsInf(t.Amount, 0) {
		return fmt.Errorf("amount must be a positive finite number: %w", ErrValidation)
	}
	if _, err := t.reference(); err != nil {
		return err
	}
	return nil
}

func validateTransactions(txs []Transaction) error {
	if len(txs) == 0 {
		return fmt.Errorf("empty batch: %w", ErrValidation)
	}
	if len(txs) > MaxBatchTransactions {
		return fmt.Errorf("batch of %d exceeds limit of %d transactions: %w", len(txs), MaxBatchTransactions, ErrValidation)
	}
	for i, tx := range txs {
		if err := tx.Validate(); err != nil {
			return fmt.Errorf("transaction %d: %w", i, err)
		}
	}
	return nil
}

// APICall is one generic node API invocation within a batch.
type APICall struct {
	Endpoint string         `json:"endpoint"`
	Params   map[string]any `json:"params,omitempty"`
}

func validateCalls(calls []APICall) error {
	if len(calls) == 0 {
		return fmt.Errorf("empty batch: %w", ErrValidation)
	}
	if len(calls) > MaxBatchCalls {
		return fmt.Errorf("batch of %d exceeds limit of %d calls: %w", len(calls), MaxBatchCalls, ErrValidation)
	}
	for i, call := range calls {
		if call.Endpoint == "" {
			return fmt.Errorf("call %d: missing endpoint: %w", i, ErrValidation)
		}
	}
	return nil
}

// dedupKey identifies "the same transaction" for double-submit suppression.
func dedupKey(identifier string, t Transaction) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s",
		identifier, t.From, t.To,
		strconv.FormatFloat(t.Amount, 'g', -1, 64), t.Reference)
}

// ItemResult records the outcome of one batch item, in input order.
type ItemResult struct {
	Index   int    `json:"index"`
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}
