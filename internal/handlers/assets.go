package handlers

import (
	"net/http"
	"strconv"

	"assetindex/internal/assets"
	"assetindex/internal/audit"
	"assetindex/internal/jobs"
	"assetindex/internal/logging"
)

// AssetResponse is an asset with its pending work and recent history.
type AssetResponse struct {
	assets.Asset
	Jobs    []jobs.Job     `json:"jobs"`
	History []audit.Record `json:"history"`
}

const assetHistoryLimit = 50

// GetAsset returns one asset by id.
func (h *Handlers) GetAsset(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSONError(w, "invalid asset id", http.StatusBadRequest)
		return
	}

	a, err := h.tracker.Get(r.Context(), id)
	if err != nil {
		writeLookupError(w, "asset", err)
		return
	}
	h.writeAsset(w, r, a)
}

// FindAsset looks an asset up by ?path=. With ?history=true every
// incarnation of the path is returned, absent ones included.
func (h *Handlers) FindAsset(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeJSONError(w, "path is required", http.StatusBadRequest)
		return
	}

	if history, _ := strconv.ParseBool(r.URL.Query().Get("history")); history {
		list, err := h.tracker.History(r.Context(), path)
		if err != nil {
			writeLookupError(w, "asset", err)
			return
		}
		if list == nil {
			list = []assets.Asset{}
		}
		writeJSONOK(w, list)
		return
	}

	a, err := h.tracker.GetByPath(r.Context(), path)
	if err != nil {
		writeLookupError(w, "asset", err)
		return
	}
	h.writeAsset(w, r, a)
}

func (h *Handlers) writeAsset(w http.ResponseWriter, r *http.Request, a assets.Asset) {
	resp := AssetResponse{Asset: a, Jobs: []jobs.Job{}, History: []audit.Record{}}

	if list, err := h.scheduler.ForTarget(r.Context(), a.ID); err != nil {
		logging.Warn("Failed to load jobs for asset %d: %v", a.ID, err)
	} else {
		for _, j := range list {
			if j.Kind == jobs.KindHash {
				resp.Jobs = append(resp.Jobs, j)
			}
		}
	}

	if records, err := h.audit.ForSubject(r.Context(), a.Path, assetHistoryLimit); err != nil {
		logging.Warn("Failed to load history for asset %d: %v", a.ID, err)
	} else if records != nil {
		resp.History = records
	}

	writeJSONOK(w, resp)
}

// RehashAsset forces the content of an asset to be hashed again.
func (h *Handlers) RehashAsset(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSONError(w, "invalid asset id", http.StatusBadRequest)
		return
	}

	a, err := h.processor.RequestRehash(r.Context(), id)
	if err != nil {
		writeLookupError(w, "asset", err)
		return
	}

	logging.Info("Rehash requested for %s", a.Path)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, a)
}
