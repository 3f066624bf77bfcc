package bridge_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexuswallet/walletd/bridge"
	"github.com/nexuswallet/walletd/broker"
	"github.com/nexuswallet/walletd/nodeclient"
	"github.com/nexuswallet/walletd/permission"
	"github.com/nexuswallet/walletd/session"
	"github.com/nexuswallet/walletd/storage/memory"
)

type fakeNode struct {
	mu      sync.Mutex
	baseURL string
	debits  []nodeclient.DebitParams
	loginOK bool
}

func newFakeNode() *fakeNode {
	return &fakeNode{baseURL: "http://127.0.0.1:8399", loginOK: true}
}

func (f *fakeNode) CreateSession(ctx context.Context, username, password, pin string) (*nodeclient.SessionInfo, error) {
	if !f.loginOK {
		return nil, &nodeclient.APIError{Endpoint: "sessions/create/local", Status: 401, Message: "invalid credentials"}
	}
	return &nodeclient.SessionInfo{Genesis: "gen-1", Session: "tok-1"}, nil
}

func (f *fakeNode) UnlockSession(ctx context.Context, session, pin string) error { return nil }
func (f *fakeNode) LockSession(ctx context.Context, session, pin string) error   { return nil }
func (f *fakeNode) TerminateSession(ctx context.Context, session string) error   { return nil }

func (f *fakeNode) Call(ctx context.Context, endpoint string, params any) (json.RawMessage, error) {
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *fakeNode) DebitAccount(ctx context.Context, p nodeclient.DebitParams) (json.RawMessage, error) {
	// Session and PIN alias memguard-locked memory that the broker wipes
	// after the call; clone them so the captured copy stays readable.
	p.Session = strings.Clone(p.Session)
	p.PIN = strings.Clone(p.PIN)
	f.mu.Lock()
	f.debits = append(f.debits, p)
	f.mu.Unlock()
	return json.RawMessage(`{"txid":"0xabc"}`), nil
}

func (f *fakeNode) CreateProfile(ctx context.Context, username, password, pin string) (json.RawMessage, error) {
	return json.RawMessage(`{"success":true}`), nil
}

func (f *fakeNode) GetAccount(ctx context.Context, session, name string) (json.RawMessage, error) {
	return json.RawMessage(fmt.Sprintf(`{"name":%q,"address":"addr-1"}`, name)), nil
}

func (f *fakeNode) ListAccounts(ctx context.Context, session string) (json.RawMessage, error) {
	return json.RawMessage(`[{"address":"acct-1"},{"address":"acct-2"}]`), nil
}

func (f *fakeNode) GetBalances(ctx context.Context, session string) (json.RawMessage, error) {
	return json.RawMessage(`{"available":100}`), nil
}

func (f *fakeNode) CreateAccount(ctx context.Context, session, pin, name string) (json.RawMessage, error) {
	return json.RawMessage(fmt.Sprintf(`{"name":%q}`, name)), nil
}

func (f *fakeNode) AccountTransactions(ctx context.Context, session string, limit int) (json.RawMessage, error) {
	return json.RawMessage(`[]`), nil
}

func (f *fakeNode) SystemInfo(ctx context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"version":"5.1.3"}`), nil
}

func (f *fakeNode) BaseURL() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.baseURL
}

func (f *fakeNode) SetBaseURL(raw string) error {
	if !strings.HasPrefix(raw, "http://127.0.0.1") && !strings.HasPrefix(raw, "https://") {
		return nodeclient.ErrInsecureTransport
	}
	f.mu.Lock()
	f.baseURL = raw
	f.mu.Unlock()
	return nil
}

func (f *fakeNode) debitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.debits)
}

type fixture struct {
	node     *fakeNode
	sessions *session.Store
	srv      *httptest.Server
	client   *bridge.Client
}

func setup(t *testing.T) *fixture {
	t.Helper()
	node := newFakeNode()
	sessions := session.New(node, memory.New())
	perms := permission.New(memory.New())
	hub := bridge.NewPromptHub()
	br := broker.New(node, sessions, perms, hub, broker.NewEvents(),
		broker.WithSettlement("settle-addr", 0.1),
		broker.WithResultGrace(time.Millisecond))
	a := bridge.New(br, sessions, node, perms, hub)

	r := chi.NewRouter()
	r.Mount("/v1", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &fixture{
		node:     node,
		sessions: sessions,
		srv:      srv,
		client:   bridge.NewClient(srv.URL + "/v1"),
	}
}

func (fx *fixture) login(t *testing.T) {
	t.Helper()
	_, err := fx.sessions.Login(context.Background(), "alice", "hunter2", "1234")
	require.NoError(t, err)
	require.NoError(t, fx.sessions.Unlock(context.Background(), "1234"))
}

// autoApprove answers prompts of one kind by polling the approvals
// endpoint and posting the decision, the way the extension's prompt
// window would.
func (fx *fixture) autoApprove(t *testing.T, kind broker.Kind, approve bool, pin string) {
	t.Helper()
	respType := bridge.ResponseTypeTransaction
	if kind == broker.KindConnection {
		respType = bridge.ResponseTypeConnection
	}
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		answered := make(map[string]bool)
		for time.Now().Before(deadline) {
			resp, err := http.Get(fx.srv.URL + "/v1/approvals")
			if err != nil {
				return
			}
			var prompts []broker.PromptRequest
			json.NewDecoder(resp.Body).Decode(&prompts)
			resp.Body.Close()
			for _, p := range prompts {
				if p.Kind != kind || answered[p.RequestID] {
					continue
				}
				answered[p.RequestID] = true
				body, _ := json.Marshal(bridge.ApprovalResponse{
					Type:      respType,
					RequestID: p.RequestID,
					Approved:  approve,
					PIN:       pin,
				})
				http.Post(fx.srv.URL+"/v1/approvals/response", "application/json", bytes.NewReader(body))
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

func rpcCall(t *testing.T, srvURL string, id int64, method string, params any) bridge.RPCResponse {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		require.NoError(t, err)
		raw = data
	}
	body, err := json.Marshal(bridge.RPCRequest{ID: id, Method: method, Params: raw})
	require.NoError(t, err)
	resp, err := http.Post(srvURL+"/v1/rpc", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out bridge.RPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestUnknownMethod(t *testing.T) {
	fx := setup(t)
	out := rpcCall(t, fx.srv.URL, 1, "dapp.mintUnicorns", map[string]string{"origin": "https://a.example"})
	require.NotNil(t, out.Error)
	assert.Equal(t, bridge.KindValidation, out.Error.Kind)
	assert.Equal(t, int64(1), out.ID)
}

func TestWalletStatusLifecycle(t *testing.T) {
	fx := setup(t)

	out := rpcCall(t, fx.srv.URL, 1, "wallet.status", nil)
	require.Nil(t, out.Error)
	var st bridge.WalletStatus
	data, _ := json.Marshal(out.Result)
	require.NoError(t, json.Unmarshal(data, &st))
	assert.False(t, st.LoggedIn)

	out = rpcCall(t, fx.srv.URL, 2, "wallet.login", map[string]string{
		"username": "alice", "password": "hunter2", "pin": "1234",
	})
	require.Nil(t, out.Error)

	out = rpcCall(t, fx.srv.URL, 3, "wallet.status", nil)
	data, _ = json.Marshal(out.Result)
	require.NoError(t, json.Unmarshal(data, &st))
	assert.True(t, st.LoggedIn)
	assert.True(t, st.Locked)
	assert.Equal(t, "gen-1", st.Genesis)

	out = rpcCall(t, fx.srv.URL, 4, "wallet.unlock", map[string]string{"pin": "1234"})
	require.Nil(t, out.Error)
	data, _ = json.Marshal(out.Result)
	require.NoError(t, json.Unmarshal(data, &st))
	assert.False(t, st.Locked)

	out = rpcCall(t, fx.srv.URL, 5, "wallet.logout", nil)
	require.Nil(t, out.Error)
	data, _ = json.Marshal(out.Result)
	require.NoError(t, json.Unmarshal(data, &st))
	assert.False(t, st.LoggedIn)
}

func TestLoginFailureMapsToNodeError(t *testing.T) {
	fx := setup(t)
	fx.node.loginOK = false
	out := rpcCall(t, fx.srv.URL, 1, "wallet.login", map[string]string{
		"username": "alice", "password": "wrong", "pin": "1234",
	})
	require.NotNil(t, out.Error)
	assert.Equal(t, bridge.KindNode, out.Error.Kind)
}

func TestConnectionApprovalEndToEnd(t *testing.T) {
	fx := setup(t)
	fx.login(t)
	fx.autoApprove(t, broker.KindConnection, true, "")

	res, err := fx.client.Connect(context.Background(), "https://app.example.com")
	require.NoError(t, err)
	assert.True(t, res.Connected)
	assert.Equal(t, []string{"acct-1", "acct-2"}, res.Accounts)

	// Approval persists: the next call needs no prompt.
	accounts, err := fx.client.GetAccounts(context.Background(), "https://app.example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"acct-1", "acct-2"}, accounts)
}

func TestConnectionDenied(t *testing.T) {
	fx := setup(t)
	fx.login(t)
	fx.autoApprove(t, broker.KindConnection, false, "")

	_, err := fx.client.Connect(context.Background(), "https://denied.example.com")
	var callErr *bridge.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, bridge.KindDenied, callErr.Kind)
}

func TestSendTransactionEndToEnd(t *testing.T) {
	fx := setup(t)
	fx.login(t)
	fx.autoApprove(t, broker.KindConnection, true, "")

	_, err := fx.client.Connect(context.Background(), "https://app.example.com")
	require.NoError(t, err)

	fx.autoApprove(t, broker.KindTransaction, true, "1234")
	res, err := fx.client.SendTransaction(context.Background(), "https://app.example.com", broker.Transaction{
		To: "addr-9", Amount: 2.5, Reference: "42",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"txid":"0xabc"}`, string(res))

	require.Equal(t, 1, fx.node.debitCount())
	d := fx.node.debits[0]
	assert.Equal(t, "tok-1", d.Session)
	assert.Equal(t, "1234", d.PIN)
	assert.Equal(t, "addr-9", d.To)
	require.NotNil(t, d.Reference)
	assert.Equal(t, uint64(42), *d.Reference)
}

func TestSendTransactionRequiresApproval(t *testing.T) {
	fx := setup(t)
	fx.login(t)

	_, err := fx.client.SendTransaction(context.Background(), "https://stranger.example.com", broker.Transaction{
		To: "addr-9", Amount: 1,
	})
	var callErr *bridge.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, bridge.KindNotApproved, callErr.Kind)
}

func TestSendTransactionValidation(t *testing.T) {
	fx := setup(t)
	fx.login(t)

	_, err := fx.client.SendTransaction(context.Background(), "https://app.example.com", broker.Transaction{
		To: "", Amount: 1,
	})
	var callErr *bridge.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, bridge.KindValidation, callErr.Kind)
}

func TestWalletTransactionSend(t *testing.T) {
	fx := setup(t)
	fx.login(t)

	out := rpcCall(t, fx.srv.URL, 1, "transaction.send", map[string]any{
		"to": "addr-3", "amount": 1.5, "pin": "1234",
	})
	require.Nil(t, out.Error)
	require.Equal(t, 1, fx.node.debitCount())
	assert.Equal(t, "addr-3", fx.node.debits[0].To)
}

func TestWalletTransactionSendLocked(t *testing.T) {
	fx := setup(t)
	_, err := fx.sessions.Login(context.Background(), "alice", "hunter2", "1234")
	require.NoError(t, err)

	out := rpcCall(t, fx.srv.URL, 1, "transaction.send", map[string]any{
		"to": "addr-3", "amount": 1.5, "pin": "1234",
	})
	require.NotNil(t, out.Error)
	assert.Equal(t, bridge.KindSession, out.Error.Kind)
	assert.Equal(t, 0, fx.node.debitCount())
}

func TestSettingsNodeURL(t *testing.T) {
	fx := setup(t)

	out := rpcCall(t, fx.srv.URL, 1, "settings.getNodeUrl", nil)
	require.Nil(t, out.Error)
	result, _ := out.Result.(map[string]any)
	assert.Equal(t, "http://127.0.0.1:8399", result["nodeUrl"])

	out = rpcCall(t, fx.srv.URL, 2, "settings.setNodeUrl", map[string]string{
		"nodeUrl": "http://198.51.100.7:8080",
	})
	require.NotNil(t, out.Error)
	assert.Equal(t, bridge.KindValidation, out.Error.Kind)

	out = rpcCall(t, fx.srv.URL, 3, "settings.setNodeUrl", map[string]string{
		"nodeUrl": "https://node.example.com:8080",
	})
	require.Nil(t, out.Error)
	result, _ = out.Result.(map[string]any)
	assert.Equal(t, "https://node.example.com:8080", result["nodeUrl"])
}

func TestApprovalEndpoints(t *testing.T) {
	fx := setup(t)
	fx.login(t)

	resp, err := http.Get(fx.srv.URL + "/v1/approvals/req-nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	body, _ := json.Marshal(bridge.ApprovalResponse{
		Type:      bridge.ResponseTypeConnection,
		RequestID: "req-long-gone",
		Approved:  true,
	})
	resp, err = http.Post(fx.srv.URL+"/v1/approvals/response", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusGone, resp.StatusCode)

	body, _ = json.Marshal(bridge.ApprovalResponse{Type: "MYSTERY", RequestID: "x"})
	resp, err = http.Post(fx.srv.URL+"/v1/approvals/response", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventStreamAnnouncesPrompt(t *testing.T) {
	fx := setup(t)
	fx.login(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fx.srv.URL+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	go fx.client.Connect(context.Background(), "https://stream.example.com")

	scanner := bufio.NewScanner(resp.Body)
	var ev bridge.PromptEvent
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		break
	}
	require.Equal(t, bridge.EventApprovalRequest, ev.Type)
	require.NotNil(t, ev.Request)
	assert.Equal(t, "https://stream.example.com", ev.Request.Identifier)
	assert.Equal(t, broker.KindConnection, ev.Request.Kind)

	// Settle the request so the in-flight connection call drains.
	body, _ := json.Marshal(bridge.ApprovalResponse{
		Type:      bridge.ResponseTypeConnection,
		RequestID: ev.Request.RequestID,
		Approved:  false,
	})
	settle, err := http.Post(fx.srv.URL+"/v1/approvals/response", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	settle.Body.Close()
}

func TestListPermissions(t *testing.T) {
	fx := setup(t)
	fx.login(t)
	fx.autoApprove(t, broker.KindConnection, true, "")

	_, err := fx.client.Connect(context.Background(), "https://app.example.com")
	require.NoError(t, err)

	out := rpcCall(t, fx.srv.URL, 1, "dapp.listPermissions", nil)
	require.Nil(t, out.Error)
	var records []permission.Record
	data, _ := json.Marshal(out.Result)
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "https://app.example.com", records[0].Identifier)
	assert.Equal(t, permission.StatusApproved, records[0].Status)
}

func TestClientRejectsMismatchedResponseID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":999,"result":{"ok":true}}`)
	}))
	defer srv.Close()

	c := bridge.NewClient(srv.URL)
	err := c.Call(context.Background(), "dapp.getAccounts", map[string]string{"origin": "https://a.example"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func TestClientIDsIncrease(t *testing.T) {
	var mu sync.Mutex
	var ids []int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req bridge.RPCRequest
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		ids = append(ids, req.ID)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(bridge.RPCResponse{ID: req.ID})
	}))
	defer srv.Close()

	c := bridge.NewClient(srv.URL)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Call(context.Background(), "wallet.status", struct{}{}, nil))
	}
	require.Equal(t, []int64{1, 2, 3}, ids)
}

func TestSendTransactionFlatParams(t *testing.T) {
	fx := setup(t)
	fx.login(t)
	fx.autoApprove(t, broker.KindConnection, true, "")

	_, err := fx.client.Connect(context.Background(), "https://app.example.com")
	require.NoError(t, err)

	fx.autoApprove(t, broker.KindTransaction, true, "1234")
	out := rpcCall(t, fx.srv.URL, 7, "dapp.sendTransaction", map[string]any{
		"origin": "https://app.example.com",
		"to":     "addr-7", "amount": 3.25, "reference": "7",
	})
	require.Nil(t, out.Error)

	require.Equal(t, 1, fx.node.debitCount())
	d := fx.node.debits[0]
	assert.Equal(t, "addr-7", d.To)
	assert.Equal(t, 3.25, d.Amount)
	require.NotNil(t, d.Reference)
	assert.Equal(t, uint64(7), *d.Reference)
}

func TestSendTransactionNestedParams(t *testing.T) {
	fx := setup(t)
	fx.login(t)
	fx.autoApprove(t, broker.KindConnection, true, "")

	_, err := fx.client.Connect(context.Background(), "https://app.example.com")
	require.NoError(t, err)

	fx.autoApprove(t, broker.KindTransaction, true, "1234")
	out := rpcCall(t, fx.srv.URL, 8, "dapp.sendTransaction", map[string]any{
		"origin":      "https://app.example.com",
		"transaction": map[string]any{"to": "addr-8", "amount": 1.0},
	})
	require.Nil(t, out.Error)
	require.Equal(t, 1, fx.node.debitCount())
	assert.Equal(t, "addr-8", fx.node.debits[0].To)
}

func TestDisconnectResultShape(t *testing.T) {
	fx := setup(t)
	fx.login(t)
	fx.autoApprove(t, broker.KindConnection, true, "")

	_, err := fx.client.Connect(context.Background(), "https://app.example.com")
	require.NoError(t, err)

	out := rpcCall(t, fx.srv.URL, 1, "dapp.disconnect", map[string]string{
		"origin": "https://app.example.com",
	})
	require.Nil(t, out.Error)
	result, ok := out.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, result["success"])
	assert.Equal(t, true, result["disconnected"])
}

func TestCancelApprovalDeniesWaitingCaller(t *testing.T) {
	fx := setup(t)
	fx.login(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := fx.client.Connect(context.Background(), "https://closed.example.com")
		errCh <- err
	}()

	// Wait for the prompt, then close it the way a dismissed window would.
	var requestID string
	require.Eventually(t, func() bool {
		resp, err := http.Get(fx.srv.URL + "/v1/approvals")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var prompts []broker.PromptRequest
		json.NewDecoder(resp.Body).Decode(&prompts)
		if len(prompts) == 0 {
			return false
		}
		requestID = prompts[0].RequestID
		return true
	}, 5*time.Second, 5*time.Millisecond)

	req, err := http.NewRequest(http.MethodDelete, fx.srv.URL+"/v1/approvals/"+requestID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	var callErr *bridge.CallError
	require.ErrorAs(t, <-errCh, &callErr)
	assert.Equal(t, bridge.KindDenied, callErr.Kind)

	// A second cancel finds nothing pending.
	req, err = http.NewRequest(http.MethodDelete, fx.srv.URL+"/v1/approvals/"+requestID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
