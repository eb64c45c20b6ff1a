package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/malwarebo/unlockd/utils"
)

const maxPageLimit = 500

type ErrorResponse struct {
	Error      string `json:"error"`
	RetryAfter int    `json:"retry_after_seconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: err.Error()}
	status := utils.GetHTTPStatusFromError(err)

	var apiErr *utils.APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		resp.RetryAfter = int(apiErr.RetryAfter.Seconds())
	}
	writeJSON(w, status, resp)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}
