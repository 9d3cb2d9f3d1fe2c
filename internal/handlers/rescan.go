package handlers

import (
	"net/http"

	"assetindex/internal/logging"
)

// TriggerRescan queues a sweep of ?root=, or of every root when omitted.
func (h *Handlers) TriggerRescan(w http.ResponseWriter, r *http.Request) {
	root := r.URL.Query().Get("root")
	if err := h.detector.RequestRescan(root); err != nil {
		writeLookupError(w, "root", err)
		return
	}

	if root == "" {
		logging.Info("Rescan requested for all roots")
	} else {
		logging.Info("Rescan requested for %s", root)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"status": "scheduled"})
}
