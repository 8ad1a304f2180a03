package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dialcore/dialcore/internal/session"
)

// handleEvents streams session status changes as server-sent events. With a
// call_id query parameter it follows one call from its current state to its
// terminal state; otherwise it multiplexes the account status stream and
// the aggregate incoming/active call streams.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	var callCh <-chan session.Call
	if callID := r.URL.Query().Get("call_id"); callID != "" {
		cs, found := s.registry.Call(callID)
		if !found {
			writeError(w, http.StatusNotFound, "no such call")
			return
		}
		// Seeded with the current snapshot; closed at the terminal state.
		ch, cancel := cs.Subscribe()
		defer cancel()
		callCh = ch
	}

	// The stream outlives the server's write timeout; clear the deadline
	// for this connection or the socket is severed mid-stream.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("could not clear write deadline for event stream", "error", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	writeEvent := func(event string, payload any) {
		data, err := json.Marshal(payload)
		if err != nil {
			s.logger.Error("failed to marshal event", "event", event, "error", err)
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flusher.Flush()
	}

	if callCh != nil {
		for {
			select {
			case <-r.Context().Done():
				return
			case c, open := <-callCh:
				if !open {
					return
				}
				writeEvent("call", callJSON(c))
			}
		}
	}

	accountCh, cancelAccount := s.registry.Account().Subscribe()
	defer cancelAccount()
	incomingCh, cancelIncoming := s.registry.SubscribeIncoming()
	defer cancelIncoming()
	activeCh, cancelActive := s.registry.SubscribeActive()
	defer cancelActive()

	writeEvent("account", accountStatusJSON(s.registry.Account().State()))

	for {
		select {
		case <-r.Context().Done():
			return
		case st, open := <-accountCh:
			if !open {
				return
			}
			writeEvent("account", accountStatusJSON(st))
		case c, open := <-incomingCh:
			if !open {
				return
			}
			writeEvent("incoming", callJSON(c))
		case c, open := <-activeCh:
			if !open {
				return
			}
			writeEvent("active", callJSON(c))
		}
	}
}
