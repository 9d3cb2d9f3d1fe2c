package handlers

import (
	"net/http"
	"os"

	"assetindex/internal/assets"
	"assetindex/internal/blobstore"
	"assetindex/internal/jobs"
	"assetindex/internal/logging"

	"github.com/gorilla/mux"
)

// BlobResponse is a blob with the assets currently holding its content, or
// with the jobs deriving data from it.
type BlobResponse struct {
	blobstore.Blob
	Assets []assets.Asset `json:"assets,omitempty"`
	Jobs   []jobs.Job     `json:"jobs,omitempty"`
}

// GetBlob returns the blob for a content hash along with its container,
// preview and similarity jobs.
func (h *Handlers) GetBlob(w http.ResponseWriter, r *http.Request) {
	blob, err := h.blobs.GetByHash(r.Context(), mux.Vars(r)["hash"])
	if err != nil {
		writeLookupError(w, "blob", err)
		return
	}

	resp := BlobResponse{Blob: blob, Jobs: []jobs.Job{}}
	if list, err := h.scheduler.ForTarget(r.Context(), blob.ID); err != nil {
		logging.Warn("Failed to load jobs for blob %s: %v", blob.ContentHash, err)
	} else {
		for _, j := range list {
			if j.Kind != jobs.KindHash {
				resp.Jobs = append(resp.Jobs, j)
			}
		}
	}
	writeJSONOK(w, resp)
}

// GetBlobAssets lists the present assets whose content is the blob.
func (h *Handlers) GetBlobAssets(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	blob, err := h.blobs.GetByHash(r.Context(), hash)
	if err != nil {
		writeLookupError(w, "blob", err)
		return
	}

	list, err := h.tracker.ListByContentHash(r.Context(), hash)
	if err != nil {
		writeLookupError(w, "assets", err)
		return
	}
	writeJSONOK(w, BlobResponse{Blob: blob, Assets: list})
}

// ListReclaimable lists blobs no present asset references.
func (h *Handlers) ListReclaimable(w http.ResponseWriter, r *http.Request) {
	list, err := h.blobs.ListReclaimable(r.Context(), queryLimit(r))
	if err != nil {
		writeLookupError(w, "blobs", err)
		return
	}
	if list == nil {
		list = []blobstore.Blob{}
	}
	writeJSONOK(w, list)
}

// ListDuplicates lists blobs held by more than one asset.
func (h *Handlers) ListDuplicates(w http.ResponseWriter, r *http.Request) {
	list, err := h.blobs.Duplicates(r.Context(), queryLimit(r))
	if err != nil {
		writeLookupError(w, "blobs", err)
		return
	}
	if list == nil {
		list = []blobstore.Blob{}
	}
	writeJSONOK(w, list)
}

// GetBlobStats summarizes the blob table.
func (h *Handlers) GetBlobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.blobs.Stats(r.Context())
	if err != nil {
		writeLookupError(w, "blob stats", err)
		return
	}
	writeJSONOK(w, stats)
}

// GetBlobPreview serves the cached preview image of a blob.
func (h *Handlers) GetBlobPreview(w http.ResponseWriter, r *http.Request) {
	if h.previews == nil {
		writeJSONError(w, "previews are disabled", http.StatusNotFound)
		return
	}

	blob, err := h.blobs.GetByHash(r.Context(), mux.Vars(r)["hash"])
	if err != nil {
		writeLookupError(w, "blob", err)
		return
	}
	if blob.PreviewRef == "" {
		writeJSONError(w, "preview not generated", http.StatusNotFound)
		return
	}

	path, err := h.previews.Path(blob.PreviewRef)
	if err != nil {
		logging.Warn("Blob %s has a bad preview ref: %v", blob.ContentHash, err)
		writeJSONError(w, "preview not available", http.StatusNotFound)
		return
	}
	if _, err := os.Stat(path); err != nil {
		writeJSONError(w, "preview not available", http.StatusNotFound)
		return
	}

	// Content addressed, so the preview never changes for this URL.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeFile(w, r, path)
}
