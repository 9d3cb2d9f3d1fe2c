package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"assetindex/internal/audit"
	"assetindex/internal/logging"
	"assetindex/internal/streaming"
)

const streamBuffer = 256

// ListAudit pages through the audit log. With ?subject= it returns the
// newest records about that subject; otherwise records after ?after=,
// oldest first.
func (h *Handlers) ListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var (
		records []audit.Record
		err     error
	)
	if subject := q.Get("subject"); subject != "" {
		records, err = h.audit.ForSubject(r.Context(), subject, queryLimit(r))
	} else {
		after, perr := strconv.ParseInt(q.Get("after"), 10, 64)
		if perr != nil && q.Get("after") != "" {
			writeJSONError(w, "invalid after", http.StatusBadRequest)
			return
		}
		records, err = h.audit.List(r.Context(), after, queryLimit(r))
	}
	if err != nil {
		writeLookupError(w, "audit records", err)
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	writeJSONOK(w, records)
}

// GetAuditRecord returns one record by id.
func (h *Handlers) GetAuditRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeJSONError(w, "invalid record id", http.StatusBadRequest)
		return
	}
	rec, err := h.audit.Get(r.Context(), id)
	if err != nil {
		writeLookupError(w, "audit record", err)
		return
	}
	writeJSONOK(w, rec)
}

// StreamAudit sends committed audit records as server-sent events. Clients
// that fall behind lose records and can resume with ListAudit using the id
// of the last event they saw.
func (h *Handlers) StreamAudit(w http.ResponseWriter, r *http.Request) {
	feed, cancel := h.audit.Subscribe(streamBuffer)
	defer cancel()

	ew, err := streaming.NewEventWriter(r.Context(), w, h.streamConfig)
	if err != nil {
		writeJSONError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	defer ew.Close()

	err = streaming.Stream(ew, feed, auditEvent)
	if err != nil && !errors.Is(err, streaming.ErrClientGone) {
		logging.Warn("Audit stream ended: %v", err)
	}
}

func auditEvent(rec audit.Record) (streaming.Event, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return streaming.Event{}, fmt.Errorf("audit record %d: %w", rec.ID, err)
	}
	return streaming.Event{
		ID:   strconv.FormatInt(rec.ID, 10),
		Name: string(rec.Kind),
		Data: data,
	}, nil
}
