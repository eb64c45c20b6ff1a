package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/malwarebo/unlockd/services"
	"github.com/malwarebo/unlockd/utils"
)

type UnlockHandler struct {
	unlocks *services.UnlockService
	ledger  *services.LedgerService
	sweep   *services.SweepService
}

func CreateUnlockHandler(unlocks *services.UnlockService, ledger *services.LedgerService, sweep *services.SweepService) *UnlockHandler {
	return &UnlockHandler{
		unlocks: unlocks,
		ledger:  ledger,
		sweep:   sweep,
	}
}

type reserveRequest struct {
	SourcePageID *string `json:"source_page_id"`
	Title        string  `json:"title"`
	Transcript   string  `json:"transcript"`
}

type reserveResponse struct {
	State       string  `json:"state"`
	UnlockID    string  `json:"unlock_id"`
	ReservedNow bool    `json:"reserved_now,omitempty"`
	BlueprintID *string `json:"blueprint_id,omitempty"`
	Cost        string  `json:"estimated_cost"`
	Balance     string  `json:"balance,omitempty"`
}

// HandleReserve is the user-facing unlock action. It also opportunistically
// kicks the sweep: request traffic is the cheapest recovery trigger.
func (h *UnlockHandler) HandleReserve(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, utils.NewAPIError(http.StatusUnauthorized, "Missing X-User-ID header"))
		return
	}
	sourceItemID := mux.Vars(r)["sourceItemID"]
	if sourceItemID == "" {
		writeError(w, utils.ErrInvalidRequest)
		return
	}

	var req reserveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, utils.ErrInvalidRequest)
		return
	}

	go h.sweep.Run(context.Background(), false)

	outcome, err := h.unlocks.RequestUnlock(r.Context(), services.RequestUnlockInput{
		SourceItemID: sourceItemID,
		SourcePageID: req.SourcePageID,
		UserID:       userID,
		Title:        req.Title,
		Transcript:   req.Transcript,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	resp := reserveResponse{
		State:       string(outcome.State),
		UnlockID:    outcome.Unlock.ID,
		ReservedNow: outcome.ReservedNow,
		Cost:        outcome.Unlock.EstimatedCost.String(),
	}

	switch outcome.State {
	case services.ReserveStateReady:
		resp.BlueprintID = outcome.Unlock.BlueprintID
		writeJSON(w, http.StatusOK, resp)
	case services.ReserveStateReserved:
		resp.Balance = outcome.Balance.String()
		writeJSON(w, http.StatusAccepted, resp)
	case services.ReserveStateInProgress:
		writeJSON(w, http.StatusConflict, resp)
	case services.ReserveStateInsufficient:
		resp.Balance = outcome.Balance.String()
		writeJSON(w, http.StatusPaymentRequired, resp)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *UnlockHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	sourceItemID := mux.Vars(r)["sourceItemID"]
	unlock, err := h.unlocks.GetBySourceItemID(r.Context(), sourceItemID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, unlock)
}

func (h *UnlockHandler) HandleWallet(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, utils.NewAPIError(http.StatusUnauthorized, "Missing X-User-ID header"))
		return
	}
	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"user_id": userID,
		"balance": balance.String(),
	})
}
