package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"assetindex/internal/assets"
	"assetindex/internal/audit"
	"assetindex/internal/blobstore"
	"assetindex/internal/indexer"
	"assetindex/internal/jobs"
	"assetindex/internal/logging"

	"github.com/gorilla/mux"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// writeJSON encodes v as JSON and writes it to the response writer.
// Any encoding or write errors are logged since we typically cannot
// recover from them in an HTTP handler context.
func writeJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes an error response as JSON with the given status code.
func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	writeJSON(w, map[string]string{"error": message})
}

func writeJSONOK(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, v)
}

// writeLookupError maps component errors onto HTTP statuses.
func writeLookupError(w http.ResponseWriter, what string, err error) {
	switch {
	case errors.Is(err, assets.ErrNotFound),
		errors.Is(err, blobstore.ErrNotFound),
		errors.Is(err, jobs.ErrNotFound),
		errors.Is(err, audit.ErrNotFound):
		writeJSONError(w, what+" not found", http.StatusNotFound)
	case errors.Is(err, assets.ErrAbsent):
		writeJSONError(w, what+" is absent", http.StatusConflict)
	case errors.Is(err, indexer.ErrUnknownRoot):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	default:
		logging.Error("Failed to load %s: %v", what, err)
		writeJSONError(w, "internal error", http.StatusInternalServerError)
	}
}

// pathID parses the {id} route variable.
func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// queryLimit reads ?limit=, falling back to defaultLimit and capping at
// maxLimit.
func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
