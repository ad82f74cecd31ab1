package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/casefill/orchestrator/internal/apperrors"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

// envelope is the body of every API response
type envelope struct {
	Status string           `json:"status"`
	Data   any              `json:"data,omitempty"`
	Error  *apperrors.Error `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Status: statusSuccess, Data: data})
}

// writeError renders err with the status of its code. data is attached
// when the caller has partial results worth returning.
func writeError(w http.ResponseWriter, err *apperrors.Error, data any) {
	writeJSON(w, err.Code.HTTPStatus(), envelope{Status: statusError, Data: data, Error: err})
}
