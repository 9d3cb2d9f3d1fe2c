package handlers

import (
	"net/http"

	"assetindex/internal/startup"
)

// GetVersion returns the build information of the running binary
func (h *Handlers) GetVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "no-cache")
	writeJSONOK(w, startup.GetBuildInfo())
}
