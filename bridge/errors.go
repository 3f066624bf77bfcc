package bridge

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nexuswallet/walletd/broker"
	"github.com/nexuswallet/walletd/nodeclient"
	"github.com/nexuswallet/walletd/permission"
	"github.com/nexuswallet/walletd/session"
	"github.com/nexuswallet/walletd/storage"
)

// Stable error kinds reported to providers. Pages branch on the kind,
// never on the message text.
const (
	KindValidation      = "VALIDATION"
	KindDuplicate       = "DUPLICATE_REQUEST"
	KindDenied          = "USER_DENIED"
	KindBlocked         = "ORIGIN_BLOCKED"
	KindNotApproved     = "NOT_APPROVED"
	KindMissingPIN      = "MISSING_PIN"
	KindTimeout         = "APPROVAL_TIMEOUT"
	KindPromptFailed    = "PROMPT_FAILED"
	KindSession         = "SESSION_UNAVAILABLE"
	KindNode            = "NODE_ERROR"
	KindNetwork         = "NETWORK_ERROR"
	KindExecutionFailed = "EXECUTION_FAILED"
	KindInternal        = "INTERNAL"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// rpcError classifies err into the provider error taxonomy.
func rpcError(err error) *RPCError {
	var apiErr *nodeclient.APIError
	switch {
	case errors.As(err, new(*broker.ExecutionError)):
		// A partial batch failure; the partial results ride alongside in
		// the response result field.
		return &RPCError{Kind: KindExecutionFailed, Message: err.Error()}
	case errors.Is(err, broker.ErrValidation):
		return &RPCError{Kind: KindValidation, Message: err.Error()}
	case errors.Is(err, broker.ErrDuplicateRequest):
		return &RPCError{Kind: KindDuplicate, Message: err.Error()}
	case errors.Is(err, broker.ErrDenied):
		return &RPCError{Kind: KindDenied, Message: err.Error()}
	case errors.Is(err, permission.ErrBlocked):
		return &RPCError{Kind: KindBlocked, Message: err.Error()}
	case errors.Is(err, permission.ErrNotApproved):
		return &RPCError{Kind: KindNotApproved, Message: err.Error()}
	case errors.Is(err, broker.ErrMissingCredential):
		return &RPCError{Kind: KindMissingPIN, Message: err.Error()}
	case errors.Is(err, broker.ErrApprovalTimeout):
		return &RPCError{Kind: KindTimeout, Message: err.Error()}
	case errors.Is(err, broker.ErrPromptFailed):
		return &RPCError{Kind: KindPromptFailed, Message: err.Error()}
	case errors.Is(err, broker.ErrSessionUnavailable),
		errors.Is(err, session.ErrNotLoggedIn),
		errors.Is(err, session.ErrLocked):
		return &RPCError{Kind: KindSession, Message: err.Error()}
	case errors.As(err, &apiErr):
		return &RPCError{Kind: KindNode, Message: apiErr.Message}
	case errors.Is(err, nodeclient.ErrInsecureTransport):
		return &RPCError{Kind: KindValidation, Message: err.Error()}
	case errors.Is(err, nodeclient.ErrNetwork):
		return &RPCError{Kind: KindNetwork, Message: err.Error()}
	default:
		return &RPCError{Kind: KindInternal, Message: err.Error()}
	}
}

// mapError writes err as a REST error body on the approval endpoints.
func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, broker.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
