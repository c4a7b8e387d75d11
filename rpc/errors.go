package rpc

import (
	"encoding/json"
	"net/http"

	"blockbatch/native/escrow"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

// writeEscrowError maps an engine error onto its HTTP status. Internal
// failures do not leak their message.
func writeEscrowError(w http.ResponseWriter, err error) {
	code := escrow.Code(err)
	status := statusForCode(code)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = http.StatusText(status)
	}
	writeError(w, status, code, message)
}

func statusForCode(code string) int {
	switch code {
	case "unauthorized":
		return http.StatusForbidden
	case "not_initialized", "milestone_not_found":
		return http.StatusNotFound
	case "invalid_amount", "invalid_parties", "invalid_asset", "invalid_condition",
		"invalid_milestone":
		return http.StatusBadRequest
	case "invalid_status", "not_funded", "conditions_not_met", "dispute_in_progress",
		"already_fulfilled", "timeout_not_reached", "no_dispute":
		return http.StatusConflict
	case "payment_failed":
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
