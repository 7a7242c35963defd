package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tessellate-ai/ragcore/internal/fault"
)

// errorBody is the wire shape of every non-streaming error response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeFault maps a fault code to an HTTP status and emits the
// client-safe {code, message} body. Wrapped causes never leak.
func writeFault(w http.ResponseWriter, err error) {
	code := fault.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case fault.CodeInvalidRequest:
		status = http.StatusBadRequest
	case fault.CodeSessionExpired:
		status = http.StatusGone
	case fault.CodeProviderUnavailable:
		status = http.StatusServiceUnavailable
	case fault.CodeEmbeddingFailure, fault.CodeStorageFailure, fault.CodeProviderStreamError:
		status = http.StatusBadGateway
	case fault.CodeCancelled:
		status = http.StatusConflict
	}

	msg := "internal error"
	var fe *fault.Error
	if errors.As(err, &fe) {
		msg = fe.Message
	}
	if code == "" {
		code = "internal_error"
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Code: string(code), Message: msg}})
}
