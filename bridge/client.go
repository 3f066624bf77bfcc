package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexuswallet/walletd/broker"
)

// clientTimeout caps every provider call independently of the broker's
// own approval timeouts. It is deliberately shorter than the approval
// windows: a page that waits longer than this has lost the user anyway.
const clientTimeout = 30 * time.Second

// ErrClientTimeout reports that a provider call outlived the fixed
// client-side deadline. The underlying request may still settle.
var ErrClientTimeout = fmt.Errorf("bridge client: call timed out")

// Client is the page-facing provider. Calls are correlated by a
// monotonically increasing numeric id and tracked in a pending map
// until their response arrives or the client-side timeout fires.
type Client struct {
	baseURL string
	httpc   *http.Client

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan callOutcome
}

type callOutcome struct {
	result json.RawMessage
	err    error
}

// NewClient creates a provider client for a bridge at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: clientTimeout},
		pending: make(map[int64]chan callOutcome),
	}
}

// CallError is a provider-visible failure carrying the bridge's error
// taxonomy kind.
type CallError struct {
	Kind    string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Call invokes method with params and decodes the result into out (out
// may be nil to discard it). A partial batch failure decodes the
// partial result into out and still returns the *CallError.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	id := c.nextID.Add(1)
	ch := make(chan callOutcome, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	go c.roundTrip(ctx, id, method, params, ch)

	t := time.NewTimer(clientTimeout)
	defer t.Stop()
	var oc callOutcome
	select {
	case oc = <-ch:
	case <-t.C:
		return ErrClientTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	if out != nil && len(oc.result) > 0 {
		if err := json.Unmarshal(oc.result, out); err != nil {
			return fmt.Errorf("bridge client: decode result: %w", err)
		}
	}
	return oc.err
}

func (c *Client) roundTrip(ctx context.Context, id int64, method string, params any, ch chan<- callOutcome) {
	deliver := func(oc callOutcome) {
		select {
		case ch <- oc:
		default:
		}
	}

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			deliver(callOutcome{err: fmt.Errorf("bridge client: encode params: %w", err)})
			return
		}
		raw = data
	}
	body, err := json.Marshal(RPCRequest{ID: id, Method: method, Params: raw})
	if err != nil {
		deliver(callOutcome{err: fmt.Errorf("bridge client: encode request: %w", err)})
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		deliver(callOutcome{err: err})
		return
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpc.Do(req)
	if err != nil {
		deliver(callOutcome{err: fmt.Errorf("bridge client: %w", err)})
		return
	}
	defer httpResp.Body.Close()

	var resp struct {
		ID     int64           `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		deliver(callOutcome{err: fmt.Errorf("bridge client: decode response: %w", err)})
		return
	}
	if resp.ID != id {
		deliver(callOutcome{err: fmt.Errorf("bridge client: response id %d does not match request id %d", resp.ID, id)})
		return
	}

	oc := callOutcome{result: resp.Result}
	if resp.Error != nil {
		oc.err = &CallError{Kind: resp.Error.Kind, Message: resp.Error.Message}
	}
	deliver(oc)
}

// Connect requests a connection for origin.
func (c *Client) Connect(ctx context.Context, origin string) (*broker.ConnectionResult, error) {
	var res broker.ConnectionResult
	if err := c.Call(ctx, "dapp.requestConnection", originParams{Origin: origin}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetAccounts lists the wallet's account addresses for an approved origin.
func (c *Client) GetAccounts(ctx context.Context, origin string) ([]string, error) {
	var res []string
	if err := c.Call(ctx, "dapp.getAccounts", originParams{Origin: origin}, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// Disconnect revokes origin's own approval.
func (c *Client) Disconnect(ctx context.Context, origin string) error {
	return c.Call(ctx, "dapp.disconnect", originParams{Origin: origin}, nil)
}

// SendTransaction submits one debit for approval and execution. The
// transaction fields travel flat next to the origin.
func (c *Client) SendTransaction(ctx context.Context, origin string, tx broker.Transaction) (json.RawMessage, error) {
	params := struct {
		Origin string `json:"origin"`
		broker.Transaction
	}{origin, tx}
	var res json.RawMessage
	if err := c.Call(ctx, "dapp.sendTransaction", params, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// SendBatchTransactions submits an ordered debit batch. On a partial
// failure the returned result carries every attempted item alongside
// the error.
func (c *Client) SendBatchTransactions(ctx context.Context, origin string, txs []broker.Transaction) (*broker.BatchTransactionResult, error) {
	params := map[string]any{"origin": origin, "transactions": txs}
	var res broker.BatchTransactionResult
	err := c.Call(ctx, "dapp.sendBatchTransactions", params, &res)
	if err != nil && res.TotalTransactions == 0 {
		return nil, err
	}
	return &res, err
}

// ExecuteBatchCalls submits an ordered API call batch.
func (c *Client) ExecuteBatchCalls(ctx context.Context, origin string, calls []broker.APICall) (*broker.BatchCallsResult, error) {
	params := map[string]any{"origin": origin, "calls": calls}
	var res broker.BatchCallsResult
	err := c.Call(ctx, "dapp.executeBatchCalls", params, &res)
	if err != nil && res.TotalCalls == 0 {
		return nil, err
	}
	return &res, err
}

// BuyFeeTokens purchases fee tokens for the given amount.
func (c *Client) BuyFeeTokens(ctx context.Context, origin string, amount float64) (json.RawMessage, error) {
	params := map[string]any{"origin": origin, "amount": amount}
	var res json.RawMessage
	if err := c.Call(ctx, "dapp.buyFeeTokens", params, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// GetBalance fetches balances for an approved origin.
func (c *Client) GetBalance(ctx context.Context, origin string) (json.RawMessage, error) {
	var res json.RawMessage
	if err := c.Call(ctx, "dapp.getBalance", originParams{Origin: origin}, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// GetTransactionHistory fetches recent transactions for an approved origin.
func (c *Client) GetTransactionHistory(ctx context.Context, origin string, limit int) (json.RawMessage, error) {
	params := map[string]any{"origin": origin, "limit": limit}
	var res json.RawMessage
	if err := c.Call(ctx, "dapp.getTransactionHistory", params, &res); err != nil {
		return nil, err
	}
	return res, nil
}
