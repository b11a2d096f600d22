package api

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"
)

// Validation and lookup error codes returned by the control surface.
const (
	CodeInvalidJSON     = "invalid_json"
	CodeMissingTraceID  = "missing_trace_id"
	CodeMissingService  = "missing_service"
	CodeInvalidAmount   = "invalid_amount"
	CodeInvalidRating   = "invalid_rating"
	CodeNotFound        = "not_found"
	CodeRecalcRefused   = "recalc_in_progress"
	CodeAnalysisFailed  = "analysis_failed"
	CodeStorageFailed   = "storage_failed"
	CodeInvalidTimeSpec = "invalid_timestamp"
)

// Error is the error envelope of the control surface.
type Error struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set(HeaderContentType, HeaderAcceptJSON)
	w.WriteHeader(status)
	_ = jsoniter.NewEncoder(w).Encode(v)
}

// WriteError writes the error envelope with the given status.
func WriteError(w http.ResponseWriter, status int, code, msg string) {
	WriteJSON(w, status, Error{Error: msg, Code: code})
}
