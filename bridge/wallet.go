package bridge

import (
	"fmt"
	"net/http"

	"github.com/nexuswallet/walletd/broker"
	"github.com/nexuswallet/walletd/nodeclient"
)

// Wallet management handlers. These serve the extension's own UI, so
// they talk to the session store and node client directly with no
// approval prompt in between.

func (a *API) walletCreate(r *http.Request, req *RPCRequest) (any, error) {
	var p struct {
		Username string `json:"username"`
		Password string `json:"password"`
		PIN      string `json:"pin"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.Username == "" || p.Password == "" || p.PIN == "" {
		return nil, fmt.Errorf("username, password and pin are required: %w", broker.ErrValidation)
	}
	return a.node.CreateProfile(r.Context(), p.Username, p.Password, p.PIN)
}

func (a *API) walletLogin(r *http.Request, req *RPCRequest) (any, error) {
	var p struct {
		Username string `json:"username"`
		Password string `json:"password"`
		PIN      string `json:"pin"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	sess, err := a.sessions.Login(r.Context(), p.Username, p.Password, p.PIN)
	if err != nil {
		return nil, err
	}
	a.log.Info("wallet login", "genesis", sess.Genesis)
	return sess, nil
}

func (a *API) walletUnlock(r *http.Request, req *RPCRequest) (any, error) {
	var p struct {
		PIN string `json:"pin"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if err := a.sessions.Unlock(r.Context(), p.PIN); err != nil {
		return nil, err
	}
	return a.status(), nil
}

func (a *API) walletLock(r *http.Request, req *RPCRequest) (any, error) {
	var p struct {
		PIN string `json:"pin"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if err := a.sessions.Lock(r.Context(), p.PIN); err != nil {
		return nil, err
	}
	return a.status(), nil
}

func (a *API) walletLogout(r *http.Request, _ *RPCRequest) (any, error) {
	a.sessions.Logout(r.Context())
	a.log.Info("wallet logout")
	return a.status(), nil
}

func (a *API) walletStatus(_ *http.Request, _ *RPCRequest) (any, error) {
	return a.status(), nil
}

func (a *API) status() WalletStatus {
	st := WalletStatus{
		LoggedIn: a.sessions.IsLoggedIn(),
		Locked:   a.sessions.IsLocked(),
	}
	if sess, err := a.sessions.Current(); err == nil {
		st.Genesis = sess.Genesis
		st.DisplayName = sess.DisplayName
	}
	return st
}

func (a *API) accountGetAddress(r *http.Request, req *RPCRequest) (any, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, fmt.Errorf("account name is required: %w", broker.ErrValidation)
	}
	token, err := a.sessions.Token()
	if err != nil {
		return nil, err
	}
	return a.node.GetAccount(r.Context(), token, p.Name)
}

func (a *API) accountGetBalance(r *http.Request, _ *RPCRequest) (any, error) {
	token, err := a.sessions.Token()
	if err != nil {
		return nil, err
	}
	return a.node.GetBalances(r.Context(), token)
}

func (a *API) accountCreate(r *http.Request, req *RPCRequest) (any, error) {
	var p struct {
		Name string `json:"name"`
		PIN  string `json:"pin"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if p.Name == "" || p.PIN == "" {
		return nil, fmt.Errorf("account name and pin are required: %w", broker.ErrValidation)
	}
	token, err := a.sessions.SigningToken()
	if err != nil {
		return nil, err
	}
	return a.node.CreateAccount(r.Context(), token, p.PIN, p.Name)
}

// transactionSend is the wallet-initiated debit. The user already
// expressed intent in the wallet UI, so there is no approval prompt,
// but the session must be unlocked and the same transaction rules apply
// as for page-initiated sends.
func (a *API) transactionSend(r *http.Request, req *RPCRequest) (any, error) {
	var p struct {
		broker.Transaction
		PIN string `json:"pin"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.PIN == "" {
		return nil, fmt.Errorf("pin is required: %w", broker.ErrMissingCredential)
	}
	token, err := a.sessions.SigningToken()
	if err != nil {
		return nil, err
	}
	ref, err := broker.ParseReference(p.Reference)
	if err != nil {
		return nil, err
	}
	res, err := a.node.DebitAccount(r.Context(), nodeclient.DebitParams{
		Session:   token,
		PIN:       p.PIN,
		From:      p.From,
		To:        p.To,
		Amount:    p.Amount,
		Reference: ref,
	})
	if err != nil {
		return nil, err
	}
	a.log.Info("wallet transaction sent", "to", p.To, "amount", p.Amount)
	return res, nil
}

func (a *API) transactionHistory(r *http.Request, req *RPCRequest) (any, error) {
	var p struct {
		Limit int `json:"limit"`
	}
	if len(req.Params) > 0 {
		if err := decodeParams(req, &p); err != nil {
			return nil, err
		}
	}
	token, err := a.sessions.Token()
	if err != nil {
		return nil, err
	}
	return a.node.AccountTransactions(r.Context(), token, p.Limit)
}

func (a *API) settingsGetNodeURL(_ *http.Request, _ *RPCRequest) (any, error) {
	return map[string]string{"nodeUrl": a.node.BaseURL()}, nil
}

func (a *API) settingsSetNodeURL(_ *http.Request, req *RPCRequest) (any, error) {
	var p struct {
		NodeURL string `json:"nodeUrl"`
	}
	if err := decodeParams(req, &p); err != nil {
		return nil, err
	}
	if err := a.node.SetBaseURL(p.NodeURL); err != nil {
		return nil, err
	}
	a.log.Info("node url changed", "node_url", p.NodeURL)
	return map[string]string{"nodeUrl": a.node.BaseURL()}, nil
}

func (a *API) settingsNodeInfo(r *http.Request, _ *RPCRequest) (any, error) {
	return a.node.SystemInfo(r.Context())
}
