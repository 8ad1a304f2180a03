package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dialcore/dialcore/internal/session"
	"github.com/dialcore/dialcore/internal/storage"
)

// recordPayload is the JSON shape of a persisted call record.
type recordPayload struct {
	ID          int64     `json:"id"`
	CallID      string    `json:"call_id"`
	RemoteURI   string    `json:"remote_uri"`
	DisplayName string    `json:"display_name,omitempty"`
	Direction   string    `json:"direction"`
	Status      string    `json:"status"`
	Cause       string    `json:"cause,omitempty"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	DurationMs  int64     `json:"duration_ms"`
}

func recordJSON(rec session.CallRecord) recordPayload {
	return recordPayload{
		ID:          rec.ID,
		CallID:      rec.CallID,
		RemoteURI:   rec.RemoteURI,
		DisplayName: rec.DisplayName,
		Direction:   string(rec.Direction),
		Status:      string(rec.Status),
		Cause:       rec.Cause,
		StartTime:   rec.StartTime,
		EndTime:     rec.EndTime,
		DurationMs:  rec.Duration.Milliseconds(),
	}
}

// handleListHistory returns persisted call records, newest first, with
// direction/search/date filters and limit/offset pagination.
func (s *Server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.CallRecordListFilter{
		Direction: q.Get("direction"),
		Search:    q.Get("search"),
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		filter.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		filter.Offset = v
	}

	records, total, err := s.records.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]recordPayload, 0, len(records))
	for _, rec := range records {
		out = append(out, recordJSON(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": out,
		"total":   total,
	})
}

// handleGetRecord returns one call record by its row id.
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid record id")
		return
	}

	rec, err := s.records.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "no such record")
		return
	}
	writeJSON(w, http.StatusOK, recordJSON(*rec))
}

// handleDeleteRecord removes one call record.
func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid record id")
		return
	}

	if err := s.records.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": id})
}
