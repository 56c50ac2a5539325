package errors

import (
	"encoding/json"
	"errors"
	"net/http"
)

var (
	// ErrCredentialExchange means the OAuth token exchange failed or returned
	// no access token.
	ErrCredentialExchange = errors.New("credential exchange failed")
	// ErrMalformedRequest means the inbound request body was invalid, e.g. an
	// empty message list.
	ErrMalformedRequest = errors.New("malformed request")
	// ErrUnresolvedModel means the requested model has no bot mapping and no
	// default bot is configured.
	ErrUnresolvedModel = errors.New("no bot configured for model")
	// ErrUpstreamResponse means Coze returned a non-success code or a response
	// without an answer message.
	ErrUpstreamResponse = errors.New("unexpected upstream response")
)

type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteJSONError writes a generic JSON error body with the given status.
func WriteJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	body := jsonError{
		Error:   http.StatusText(statusCode),
		Message: message,
	}
	_ = json.NewEncoder(w).Encode(body)
}

// WriteUnauthorized writes the 401 body the gateway emits when no usable
// credential is available for the upstream call.
func WriteUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{"code": 401, "errmsg": "Unauthorized."})
}

// WriteInternal writes the catch-all 500 body.
func WriteInternal(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "Internal server error."})
}
