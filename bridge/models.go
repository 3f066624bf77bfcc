package bridge

import "encoding/json"

// RPCRequest is one provider-bridge call, correlated by a numeric id
// assigned by the page-side client.
type RPCRequest struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCError carries the broker taxonomy to the page as a stable kind
// string plus a human-readable message.
type RPCError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// RPCResponse answers an RPCRequest. A batch that partially failed
// carries both a Result (the partial outcome) and an Error.
type RPCResponse struct {
	ID     int64     `json:"id"`
	Result any       `json:"result,omitempty"`
	Error  *RPCError `json:"error,omitempty"`
}

// ApprovalResponse is the contract between prompt and background.
type ApprovalResponse struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Approved  bool   `json:"approved"`
	Blocked   bool   `json:"blocked,omitempty"`
	PIN       string `json:"pin,omitempty"`
}

// Approval response types.
const (
	ResponseTypeConnection  = "CONNECTION_RESPONSE"
	ResponseTypeTransaction = "TRANSACTION_APPROVAL_RESPONSE"
)

// WalletStatus is the wallet.status result.
type WalletStatus struct {
	LoggedIn    bool   `json:"loggedIn"`
	Locked      bool   `json:"locked"`
	Genesis     string `json:"genesis,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

// ErrorResponse is the REST-side error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
