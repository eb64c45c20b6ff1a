package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/malwarebo/unlockd/services"
	"github.com/malwarebo/unlockd/utils"
)

type LedgerHandler struct {
	ledger *services.LedgerService
}

func CreateLedgerHandler(ledger *services.LedgerService) *LedgerHandler {
	return &LedgerHandler{ledger: ledger}
}

// HandleExport is the reconciliation export: immutable ledger entries for one
// user in a time range.
func (h *LedgerHandler) HandleExport(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, utils.NewAPIErrorWithDetails(http.StatusBadRequest, "Invalid request", "user_id is required"))
		return
	}

	from := time.Time{}
	to := time.Now().Add(time.Hour)
	if raw := r.URL.Query().Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, utils.NewAPIErrorWithDetails(http.StatusBadRequest, "Invalid request", "from must be RFC3339"))
			return
		}
		from = parsed
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, utils.NewAPIErrorWithDetails(http.StatusBadRequest, "Invalid request", "to must be RFC3339"))
			return
		}
		to = parsed
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.ledger.Export(r.Context(), userID, from, to, clampLimit(limit))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}
