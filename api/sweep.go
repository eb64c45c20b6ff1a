package api

import (
	"net/http"

	"github.com/malwarebo/unlockd/services"
)

type SweepHandler struct {
	sweep *services.SweepService
}

func CreateSweepHandler(sweep *services.SweepService) *SweepHandler {
	return &SweepHandler{sweep: sweep}
}

// HandleSweep triggers a recovery pass. force=true bypasses the min-interval
// cooldown; without it a recently finished sweep reports skipped.
func (h *SweepHandler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"

	summary, err := h.sweep.Run(r.Context(), force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
