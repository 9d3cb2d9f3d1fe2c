package handlers

import (
	"net/http"

	"assetindex/internal/jobs"
	"assetindex/internal/logging"
)

// GetJobStats returns the number of jobs in each state.
func (h *Handlers) GetJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.scheduler.Stats(r.Context())
	if err != nil {
		writeLookupError(w, "job stats", err)
		return
	}
	writeJSONOK(w, stats)
}

// ListDeadJobs lists jobs that exhausted their attempts.
func (h *Handlers) ListDeadJobs(w http.ResponseWriter, r *http.Request) {
	list, err := h.scheduler.Dead(r.Context(), queryLimit(r))
	if err != nil {
		writeLookupError(w, "jobs", err)
		return
	}
	if list == nil {
		list = []jobs.Job{}
	}
	writeJSONOK(w, list)
}

// GetJob returns one job by id.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSONError(w, "invalid job id", http.StatusBadRequest)
		return
	}
	job, err := h.scheduler.Get(r.Context(), id)
	if err != nil {
		writeLookupError(w, "job", err)
		return
	}
	writeJSONOK(w, job)
}

// RetryJob gives a dead job a fresh attempt budget.
func (h *Handlers) RetryJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSONError(w, "invalid job id", http.StatusBadRequest)
		return
	}

	current, err := h.scheduler.Get(r.Context(), id)
	if err != nil {
		writeLookupError(w, "job", err)
		return
	}
	if current.State != jobs.StateDead {
		writeJSONError(w, "job is "+string(current.State)+", not dead", http.StatusConflict)
		return
	}

	job, err := h.scheduler.RetryDead(r.Context(), id)
	if err != nil {
		writeLookupError(w, "job", err)
		return
	}

	logging.Info("Dead job %d retried as job %d", id, job.ID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, job)
}
