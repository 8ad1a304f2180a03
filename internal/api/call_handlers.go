package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dialcore/dialcore/internal/session"
)

// callPayload is the JSON shape of a call snapshot.
type callPayload struct {
	ID          string     `json:"id"`
	RemoteURI   string     `json:"remote_uri"`
	DisplayName string     `json:"display_name,omitempty"`
	Direction   string     `json:"direction"`
	Status      string     `json:"status"`
	Cause       string     `json:"cause,omitempty"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	DurationMs  int64      `json:"duration_ms"`
	Muted       bool       `json:"muted"`
	Speaker     bool       `json:"speaker"`
	OnHold      bool       `json:"on_hold"`
}

func callJSON(c session.Call) callPayload {
	return callPayload{
		ID:          c.ID,
		RemoteURI:   c.RemoteURI,
		DisplayName: c.DisplayName,
		Direction:   string(c.Direction),
		Status:      string(c.Status),
		Cause:       c.Cause,
		StartTime:   c.StartTime,
		EndTime:     c.EndTime,
		DurationMs:  c.Duration().Milliseconds(),
		Muted:       c.Muted,
		Speaker:     c.Speaker,
		OnHold:      c.OnHold,
	}
}

// handleDial starts an outgoing call and returns its snapshot, already
// tracked in Connecting before the network call exists.
func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	c, err := s.registry.Dial(req.Target)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, callJSON(c))
}

// handleActiveCalls returns a snapshot of all live calls.
func (s *Server) handleActiveCalls(w http.ResponseWriter, r *http.Request) {
	calls := s.registry.ActiveCalls()
	out := make([]callPayload, 0, len(calls))
	for _, c := range calls {
		out = append(out, callJSON(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetCall returns one live call.
func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	cs, ok := s.registry.Call(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "no such call")
		return
	}
	writeJSON(w, http.StatusOK, callJSON(cs.Snapshot()))
}

// callOp runs one call command and responds with the post-command snapshot.
func (s *Server) callOp(w http.ResponseWriter, r *http.Request, op func(*session.CallSession) error) {
	cs, ok := s.registry.Call(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "no such call")
		return
	}
	if err := op(cs); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, callJSON(cs.Snapshot()))
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	s.callOp(w, r, (*session.CallSession).Answer)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.callOp(w, r, (*session.CallSession).Reject)
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	s.callOp(w, r, (*session.CallSession).End)
}

func (s *Server) handleHold(w http.ResponseWriter, r *http.Request) {
	s.callOp(w, r, (*session.CallSession).Hold)
}

func (s *Server) handleUnhold(w http.ResponseWriter, r *http.Request) {
	s.callOp(w, r, (*session.CallSession).Unhold)
}

func (s *Server) handleToggleMute(w http.ResponseWriter, r *http.Request) {
	s.callOp(w, r, (*session.CallSession).ToggleMute)
}

func (s *Server) handleToggleSpeaker(w http.ResponseWriter, r *http.Request) {
	s.callOp(w, r, (*session.CallSession).ToggleSpeaker)
}

// handleDTMF sends one touch-tone digit on a connected call.
func (s *Server) handleDTMF(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Digit string `json:"digit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if len([]rune(req.Digit)) != 1 {
		writeError(w, http.StatusBadRequest, "digit must be a single character")
		return
	}
	digit := []rune(req.Digit)[0]

	s.callOp(w, r, func(cs *session.CallSession) error {
		return cs.SendDTMF(digit)
	})
}
