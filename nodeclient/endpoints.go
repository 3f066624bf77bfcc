package nodeclient

import (
	"context"
	"encoding/json"
	"fmt"
)

// Endpoint paths consumed on the node API.
const (
	EndpointSessionCreate    = "sessions/create"
	EndpointSessionUnlock    = "sessions/unlock"
	EndpointSessionLock      = "sessions/lock"
	EndpointSessionTerminate = "sessions/terminate/local"
	EndpointProfileCreate    = "profiles/create"
	EndpointProfileMaster    = "profiles/get/master"
	EndpointAccountGet       = "finance/get/account"
	EndpointAccountList      = "finance/list/account"
	EndpointBalances         = "finance/get/balances"
	EndpointAccountCreate    = "finance/create/account"
	EndpointDebit            = "finance/debit/account"
	EndpointCredit           = "finance/credit/account"
	EndpointTransactions     = "finance/transactions/account"
	EndpointAccountRegister  = "register/get/finance:account"
	EndpointSystemInfo       = "system/get/info"
)

// SessionInfo is the identity handle issued by sessions/create.
type SessionInfo struct {
	Genesis string `json:"genesis"`
	Session string `json:"session"`
}

func (c *Client) CreateSession(ctx context.Context, username, password, pin string) (*SessionInfo, error) {
	raw, err := c.Call(ctx, EndpointSessionCreate, map[string]string{
		"username": username,
		"password": password,
		"pin":      pin,
	})
	if err != nil {
		return nil, err
	}
	var info SessionInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("decoding session info: %w", err)
	}
	return &info, nil
}

func (c *Client) UnlockSession(ctx context.Context, session, pin string) error {
	_, err := c.Call(ctx, EndpointSessionUnlock, map[string]string{
		"session": session,
		"pin":     pin,
	})
	return err
}

func (c *Client) LockSession(ctx context.Context, session, pin string) error {
	_, err := c.Call(ctx, EndpointSessionLock, map[string]string{
		"session": session,
		"pin":     pin,
	})
	return err
}

func (c *Client) TerminateSession(ctx context.Context, session string) error {
	_, err := c.Call(ctx, EndpointSessionTerminate, map[string]string{
		"session": session,
	})
	return err
}

func (c *Client) CreateProfile(ctx context.Context, username, password, pin string) (json.RawMessage, error) {
	return c.Call(ctx, EndpointProfileCreate, map[string]string{
		"username": username,
		"password": password,
		"pin":      pin,
	})
}

func (c *Client) MasterProfile(ctx context.Context, session string) (json.RawMessage, error) {
	return c.Call(ctx, EndpointProfileMaster, map[string]string{
		"session": session,
	})
}

// DebitParams describes a single debit against the session's account.
// Reference is the optional 64-bit payment reference.
type DebitParams struct {
	Session   string
	PIN       string
	From      string
	To        string
	Amount    float64
	Reference *uint64
}

func (p DebitParams) toRequest() map[string]any {
	req := map[string]any{
		"session": p.Session,
		"pin":     p.PIN,
		"to":      p.To,
		"amount":  p.Amount,
	}
	if p.From != "" {
		req["from"] = p.From
	}
	if p.Reference != nil {
		req["reference"] = *p.Reference
	}
	return req
}

func (c *Client) DebitAccount(ctx context.Context, p DebitParams) (json.RawMessage, error) {
	return c.Call(ctx, EndpointDebit, p.toRequest())
}

func (c *Client) CreditAccount(ctx context.Context, p DebitParams) (json.RawMessage, error) {
	return c.Call(ctx, EndpointCredit, p.toRequest())
}

func (c *Client) GetAccount(ctx context.Context, session, name string) (json.RawMessage, error) {
	return c.Call(ctx, EndpointAccountGet, map[string]string{
		"session": session,
		"name":    name,
	})
}

func (c *Client) ListAccounts(ctx context.Context, session string) (json.RawMessage, error) {
	return c.Call(ctx, EndpointAccountList, map[string]string{
		"session": session,
	})
}

func (c *Client) GetBalances(ctx context.Context, session string) (json.RawMessage, error) {
	return c.Call(ctx, EndpointBalances, map[string]string{
		"session": session,
	})
}

func (c *Client) CreateAccount(ctx context.Context, session, pin, name string) (json.RawMessage, error) {
	return c.Call(ctx, EndpointAccountCreate, map[string]string{
		"session": session,
		"pin":     pin,
		"name":    name,
	})
}

func (c *Client) AccountTransactions(ctx context.Context, session string, limit int) (json.RawMessage, error) {
	req := map[string]any{"session": session}
	if limit > 0 {
		req["limit"] = limit
	}
	return c.Call(ctx, EndpointTransactions, req)
}

func (c *Client) AccountRegister(ctx context.Context, address string) (json.RawMessage, error) {
	return c.Call(ctx, EndpointAccountRegister, map[string]string{
		"address": address,
	})
}

func (c *Client) SystemInfo(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, EndpointSystemInfo, nil)
}
