package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/awnumar/memguard"

	"github.com/nexuswallet/walletd/internal/util"
	"github.com/nexuswallet/walletd/nodeclient"
	"github.com/nexuswallet/walletd/permission"
)

// awaitDecision suspends the caller until the prompt answers, the timeout
// fires, or the caller gives up. A departed caller is treated like a
// closed prompt: the request settles as denied.
func (b *Broker) awaitDecision(ctx context.Context, p *pendingRequest) (Decision, error) {
	select {
	case <-p.done:
		if p.err != nil {
			return Decision{}, p.err
		}
		return p.decision, nil
	case <-ctx.Done():
		if b.settle(p, func() { p.err = ctx.Err() }) {
			b.closePrompt(p)
		}
		return Decision{}, ctx.Err()
	}
}

// requirePIN distinguishes user refusal from a malformed approval.
func requirePIN(d Decision) (*memguard.LockedBuffer, error) {
	if !d.Approved {
		return nil, ErrDenied
	}
	if d.PIN == "" {
		return nil, ErrMissingCredential
	}
	return memguard.NewBufferFromBytes([]byte(util.Normalize(d.PIN))), nil
}

// signingToken re-checks the session precondition at execution time. The
// session can be locked or logged out while a prompt is open, so the
// request-receipt check is not enough.
func (b *Broker) signingToken() (string, error) {
	token, err := b.sessions.SigningToken()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	return token, nil
}

// checkDedup rejects a transaction identical to one seen within the dedup
// window. Stale entries are pruned on the way through.
func (b *Broker) checkDedup(key string) error {
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for k, seen := range b.recentTx {
		if now.Sub(seen) >= dedupWindow {
			delete(b.recentTx, k)
		}
	}
	if seen, ok := b.recentTx[key]; ok && now.Sub(seen) < dedupWindow {
		return fmt.Errorf("identical transaction within %v: %w", dedupWindow, ErrDuplicateRequest)
	}
	b.recentTx[key] = now
	return nil
}

// finishWithResult broadcasts the execution summary, waits for the prompt
// to acknowledge rendering it, and closes the prompt. Closing must not
// race ahead of the broadcast.
func (b *Broker) finishWithResult(p *pendingRequest, ev ResultEvent) {
	ackCh := b.events.expectAck(p.id)
	b.events.Publish(ev)
	b.events.waitAck(ackCh, p.id, b.resultGrace)
	b.closePrompt(p)
}

// SendTransaction relays a single dApp-originated debit through approval.
func (b *Broker) SendTransaction(ctx context.Context, pageURL string, tx Transaction) (json.RawMessage, error) {
	id, err := permission.Identifier(pageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := b.perms.Check(id); err != nil {
		return nil, err
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	if err := b.checkDedup(dedupKey(id, tx)); err != nil {
		return nil, err
	}

	p, err := b.openPending(ctx, KindTransaction, id, b.transactionTimeout, func(req *PromptRequest) {
		req.Transactions = []Transaction{tx}
	})
	if err != nil {
		return nil, err
	}

	d, err := b.awaitDecision(ctx, p)
	if err != nil {
		return nil, err
	}
	pin, err := requirePIN(d)
	if err != nil {
		b.closePrompt(p)
		return nil, err
	}
	defer pin.Destroy()

	token, err := b.signingToken()
	if err != nil {
		b.closePrompt(p)
		return nil, err
	}

	ref, _ := tx.reference() // validated above
	raw, execErr := b.node.DebitAccount(ctx, nodeclient.DebitParams{
		Session:   token,
		PIN:       pin.String(),
		From:      tx.From,
		To:        tx.To,
		Amount:    tx.Amount,
		Reference: ref,
	})

	ev := ResultEvent{Type: EventTransactionResult, RequestID: p.id, Success: execErr == nil}
	if execErr != nil {
		ev.Error = execErr.Error()
		b.log.Info("transaction failed", "request_id", p.id, "identifier", id, "error", execErr)
	} else {
		ev.Result = raw
		b.log.Info("transaction executed", "request_id", p.id, "identifier", id)
	}
	b.finishWithResult(p, ev)

	if execErr != nil {
		return nil, execErr
	}
	return raw, nil
}

// BatchTransactionResult summarizes an executed transaction batch.
type BatchTransactionResult struct {
	TotalTransactions      int          `json:"totalTransactions"`
	SuccessfulTransactions int          `json:"successfulTransactions"`
	Results                []ItemResult `json:"results"`
}

// SendBatchTransactions executes an ordered batch of debits under one
// approval and one PIN entry. Items run strictly in input order and
// execution stops at the first failure; prior successes stand. The result
// is returned alongside the aggregate error so partial success is never
// silently lost.
func (b *Broker) SendBatchTransactions(ctx context.Context, pageURL string, txs []Transaction) (*BatchTransactionResult, error) {
	id, err := permission.Identifier(pageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := b.perms.Check(id); err != nil {
		return nil, err
	}
	if err := validateTransactions(txs); err != nil {
		return nil, err
	}

	p, err := b.openPending(ctx, KindBatchTransaction, id, b.transactionTimeout, func(req *PromptRequest) {
		req.Transactions = txs
	})
	if err != nil {
		return nil, err
	}

	d, err := b.awaitDecision(ctx, p)
	if err != nil {
		return nil, err
	}
	pin, err := requirePIN(d)
	if err != nil {
		b.closePrompt(p)
		return nil, err
	}
	defer pin.Destroy()

	token, err := b.signingToken()
	if err != nil {
		b.closePrompt(p)
		return nil, err
	}

	var results []ItemResult
	var cause error
	for i, tx := range txs {
		ref, _ := tx.reference()
		raw, execErr := b.node.DebitAccount(ctx, nodeclient.DebitParams{
			Session:   token,
			PIN:       pin.String(),
			From:      tx.From,
			To:        tx.To,
			Amount:    tx.Amount,
			Reference: ref,
		})
		if execErr != nil {
			results = append(results, ItemResult{Index: i, Success: false, Error: execErr.Error()})
			cause = execErr
			break
		}
		results = append(results, ItemResult{Index: i, Success: true, Result: raw})
	}

	result := &BatchTransactionResult{
		TotalTransactions: len(txs),
		Results:           results,
	}
	for _, r := range results {
		if r.Success {
			result.SuccessfulTransactions++
		}
	}

	ev := ResultEvent{Type: EventBatchTransactionResult, RequestID: p.id, Success: cause == nil, Results: results}
	if cause != nil {
		ev.Error = cause.Error()
	}
	b.log.Info("batch transactions executed",
		"request_id", p.id, "identifier", id,
		"total", result.TotalTransactions, "successful", result.SuccessfulTransactions)
	b.finishWithResult(p, ev)

	if cause != nil {
		return result, &ExecutionError{Results: results, Cause: cause}
	}
	return result, nil
}

// BatchCallsResult summarizes an executed batch of generic API calls.
type BatchCallsResult struct {
	TotalCalls      int          `json:"totalCalls"`
	SuccessfulCalls int          `json:"successfulCalls"`
	Results         []ItemResult `json:"results"`
	DistFee         float64      `json:"distFee"`
}

// ExecuteBatchCalls executes an ordered batch of node API calls under one
// approval. After execution, if at least one call succeeded, a flat
// service fee is debited to the settlement address with the same PIN.
// Fee collection is best-effort: its failure is logged and never undoes
// already-delivered results.
func (b *Broker) ExecuteBatchCalls(ctx context.Context, pageURL string, calls []APICall) (*BatchCallsResult, error) {
	id, err := permission.Identifier(pageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := b.perms.Check(id); err != nil {
		return nil, err
	}
	if err := validateCalls(calls); err != nil {
		return nil, err
	}

	p, err := b.openPending(ctx, KindBatchCalls, id, b.transactionTimeout, func(req *PromptRequest) {
		req.Calls = calls
	})
	if err != nil {
		return nil, err
	}

	d, err := b.awaitDecision(ctx, p)
	if err != nil {
		return nil, err
	}
	pin, err := requirePIN(d)
	if err != nil {
		b.closePrompt(p)
		return nil, err
	}
	defer pin.Destroy()

	token, err := b.signingToken()
	if err != nil {
		b.closePrompt(p)
		return nil, err
	}

	var results []ItemResult
	var cause error
	for i, call := range calls {
		params := make(map[string]any, len(call.Params)+2)
		for k, v := range call.Params {
			params[k] = v
		}
		params["session"] = token
		params["pin"] = pin.String()

		raw, execErr := b.node.Call(ctx, call.Endpoint, params)
		if execErr != nil {
			results = append(results, ItemResult{Index: i, Success: false, Error: execErr.Error()})
			cause = execErr
			break
		}
		results = append(results, ItemResult{Index: i, Success: true, Result: raw})
	}

	result := &BatchCallsResult{
		TotalCalls: len(calls),
		Results:    results,
	}
	for _, r := range results {
		if r.Success {
			result.SuccessfulCalls++
		}
	}

	if result.SuccessfulCalls > 0 {
		result.DistFee = b.chargeServiceFee(ctx, token, pin.String())
	}

	ev := ResultEvent{Type: EventBatchCallsResult, RequestID: p.id, Success: cause == nil, Results: results}
	if cause != nil {
		ev.Error = cause.Error()
	}
	b.log.Info("batch calls executed",
		"request_id", p.id, "identifier", id,
		"total", result.TotalCalls, "successful", result.SuccessfulCalls, "dist_fee", result.DistFee)
	b.finishWithResult(p, ev)

	if cause != nil {
		return result, &ExecutionError{Results: results, Cause: cause}
	}
	return result, nil
}

// chargeServiceFee issues the flat post-batch fee debit. Returns the fee
// actually charged; a failed charge reports zero and only logs.
func (b *Broker) chargeServiceFee(ctx context.Context, token, pin string) float64 {
	if b.settlementAddress == "" || b.feeAmount <= 0 {
		return 0
	}
	_, err := b.node.DebitAccount(ctx, nodeclient.DebitParams{
		Session: token,
		PIN:     pin,
		To:      b.settlementAddress,
		Amount:  b.feeAmount,
	})
	if err != nil {
		b.log.Warn("service fee charge failed", "settlement", b.settlementAddress, "error", err)
		return 0
	}
	return b.feeAmount
}

// BuyFeeTokens converts wallet balance into fee credit via an
// approval-gated debit against the settlement address.
func (b *Broker) BuyFeeTokens(ctx context.Context, pageURL string, amount float64) (json.RawMessage, error) {
	id, err := permission.Identifier(pageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := b.perms.Check(id); err != nil {
		return nil, err
	}
	if amount <= 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return nil, fmt.Errorf("amount must be a positive finite number: %w", ErrValidation)
	}
	if b.settlementAddress == "" {
		return nil, fmt.Errorf("no settlement address configured: %w", ErrValidation)
	}

	p, err := b.openPending(ctx, KindBuyFeeTokens, id, b.transactionTimeout, func(req *PromptRequest) {
		req.Amount = amount
	})
	if err != nil {
		return nil, err
	}

	d, err := b.awaitDecision(ctx, p)
	if err != nil {
		return nil, err
	}
	pin, err := requirePIN(d)
	if err != nil {
		b.closePrompt(p)
		return nil, err
	}
	defer pin.Destroy()

	token, err := b.signingToken()
	if err != nil {
		b.closePrompt(p)
		return nil, err
	}

	raw, execErr := b.node.DebitAccount(ctx, nodeclient.DebitParams{
		Session: token,
		PIN:     pin.String(),
		To:      b.settlementAddress,
		Amount:  amount,
	})

	ev := ResultEvent{Type: EventTransactionResult, RequestID: p.id, Success: execErr == nil}
	if execErr != nil {
		ev.Error = execErr.Error()
	} else {
		ev.Result = raw
	}
	b.finishWithResult(p, ev)

	if execErr != nil {
		return nil, execErr
	}
	return raw, nil
}
