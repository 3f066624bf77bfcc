package bridge

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nexuswallet/walletd/broker"
)

// RPC decodes one provider call and dispatches it by method name. The
// HTTP status is 200 for every well-formed envelope; failures ride in
// the response error field so the page-side client can branch on kind.
func (a *API) RPC(w http.ResponseWriter, r *http.Request) {
	var req RPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, "method is required")
		return
	}

	result, err := a.dispatch(r, &req)
	resp := RPCResponse{ID: req.ID, Result: result}
	if err != nil {
		resp.Error = rpcError(err)
		a.log.Info("rpc call failed",
			"method", req.Method, "id", req.ID, "kind", resp.Error.Kind, "error", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) dispatch(r *http.Request, req *RPCRequest) (any, error) {
	switch req.Method {
	// Page-facing capability surface. Every signing-capable method goes
	// through the approval broker.
	case "dapp.requestConnection":
		return a.dappRequestConnection(r, req)
	case "dapp.getAccounts":
		return a.dappGetAccounts(r, req)
	case "dapp.getBalance":
		return a.dappGetBalance(r, req)
	case "dapp.getTransactionHistory":
		return a.dappGetTransactionHistory(r, req)
	case "dapp.disconnect":
		return a.dappDisconnect(r, req)
	case "dapp.sendTransaction", "dapp.signTransaction":
		return a.dappSendTransaction(r, req)
	case "dapp.sendBatchTransactions":
		return a.dappSendBatchTransactions(r, req)
	case "dapp.executeBatchCalls":
		return a.dappExecuteBatchCalls(r, req)
	case "dapp.buyFeeTokens":
		return a.dappBuyFeeTokens(r, req)
	case "dapp.listPermissions":
		return a.dappListPermissions(r, req)

	// Wallet management surface, for the extension's own UI. No
	// approval prompts; these calls originate from the user.
	case "wallet.create":
		return a.walletCreate(r, req)
	case "wallet.login":
		return a.walletLogin(r, req)
	case "wallet.unlock":
		return a.walletUnlock(r, req)
	case "wallet.lock":
		return a.walletLock(r, req)
	case "wallet.logout":
		return a.walletLogout(r, req)
	case "wallet.status":
		return a.walletStatus(r, req)
	case "account.getAddress":
		return a.accountGetAddress(r, req)
	case "account.getBalance":
		return a.accountGetBalance(r, req)
	case "account.create":
		return a.accountCreate(r, req)
	case "transaction.send":
		return a.transactionSend(r, req)
	case "transaction.history":
		return a.transactionHistory(r, req)
	case "settings.getNodeUrl":
		return a.settingsGetNodeURL(r, req)
	case "settings.setNodeUrl":
		return a.settingsSetNodeURL(r, req)
	case "settings.nodeInfo":
		return a.settingsNodeInfo(r, req)

	default:
		return nil, fmt.Errorf("unknown method %q: %w", req.Method, broker.ErrValidation)
	}
}

func decodeParams(req *RPCRequest, v any) error {
	if len(req.Params) == 0 {
		return fmt.Errorf("missing params: %w", broker.ErrValidation)
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return fmt.Errorf("invalid params: %w", broker.ErrValidation)
	}
	return nil
}

type originParams struct {
	Origin string `json:"origin"`
}

func (p originParams) check() error {
	if p.Origin == "" {
		return fmt.Errorf("origin is required: %w", broker.ErrValidation)
	}
	return nil
}

func (a *API) dappRequestConnection(r *http.Request, req *RPCRequest) (any, error) {
	var p originParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	return a.broker.RequestConnection(r.Context(), p.Origin)
}

func (a *API) dappGetAccounts(r *http.Request, req *RPCRequest) (any, error) {
	var p originParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	return a.broker.GetAccounts(r.Context(), p.Origin)
}

func (a *API) dappGetBalance(r *http.Request, req *RPCRequest) (any, error) {
	var p originParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	return a.broker.GetBalance(r.Context(), p.Origin)
}

func (a *API) dappGetTransactionHistory(r *http.Request, req *RPCRequest) (any, error) {
	var p struct {
		originParams
		Limit int `json:"limit"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	return a.broker.GetTransactionHistory(r.Context(), p.Origin, p.Limit)
}

func (a *API) dappDisconnect(r *http.Request, req *RPCRequest) (any, error) {
	var p originParams
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	if err := a.broker.Disconnect(p.Origin); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true, "disconnected": true}, nil
}

func (a *API) dappSendTransaction(r *http.Request, req *RPCRequest) (any, error) {
	var p struct {
		originParams
		broker.Transaction
		// A nested transaction object is accepted alongside the flat
		// shape; when present it wins.
		Nested *broker.Transaction `json:"transaction"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	tx := p.Transaction
	if p.Nested != nil {
		tx = *p.Nested
	}
	return a.broker.SendTransaction(r.Context(), p.Origin, tx)
}

func (a *API) dappSendBatchTransactions(r *http.Request, req *RPCRequest) (any, error) {
	var p struct {
		originParams
		Transactions []broker.Transaction `json:"transactions"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	res, err := a.broker.SendBatchTransactions(r.Context(), p.Origin, p.Transactions)
	if res != nil {
		// A partial failure still carries the result list.
		return res, err
	}
	return nil, err
}

func (a *API) dappExecuteBatchCalls(r *http.Request, req *RPCRequest) (any, error) {
	var p struct {
		originParams
		Calls []broker.APICall `json:"calls"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	res, err := a.broker.ExecuteBatchCalls(r.Context(), p.Origin, p.Calls)
	if res != nil {
		return res, err
	}
	return nil, err
}

func (a *API) dappBuyFeeTokens(r *http.Request, req *RPCRequest) (any, error) {
	var p struct {
		originParams
		Amount float64 `json:"amount"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	return a.broker.BuyFeeTokens(r.Context(), p.Origin, p.Amount)
}

func (a *API) dappListPermissions(_ *http.Request, _ *RPCRequest) (any, error) {
	return a.perms.List()
}
