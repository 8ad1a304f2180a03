package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dialcore/dialcore/internal/session"
)

// loginRequest carries the account to register. With no body (or an empty
// username) the stored default account is used.
type loginRequest struct {
	Username     string          `json:"username"`
	Password     string          `json:"password"`
	Domain       string          `json:"domain"`
	TransportURL string          `json:"transport_url"`
	DisplayName  string          `json:"display_name"`
	Headers      []headerPayload `json:"headers"`

	// Save persists the account (encrypted) as the default for later
	// logins.
	Save bool `json:"save"`
}

type headerPayload struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// accountStatusPayload is the JSON shape of an account state snapshot.
type accountStatusPayload struct {
	AccountID string `json:"account_id,omitempty"`
	Status    string `json:"status"`
	Cause     string `json:"cause,omitempty"`
}

func accountStatusJSON(st session.AccountState) accountStatusPayload {
	return accountStatusPayload{
		AccountID: st.AccountID,
		Status:    string(st.Status),
		Cause:     st.Cause,
	}
}

// handleLogin starts a registration. The outcome is asynchronous: a 202
// acknowledges the attempt, the status endpoint and the event stream report
// how it went.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
	}

	var account session.Account
	if req.Username == "" {
		stored, err := s.accounts.GetDefault(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "loading stored account: "+err.Error())
			return
		}
		if stored == nil {
			writeError(w, http.StatusBadRequest, "no account supplied and no stored default")
			return
		}
		account = *stored
	} else {
		account = session.Account{
			ID:           uuid.NewString(),
			Username:     req.Username,
			Password:     req.Password,
			Domain:       req.Domain,
			TransportURL: req.TransportURL,
			DisplayName:  req.DisplayName,
			IsDefault:    req.Save,
		}
		for _, h := range req.Headers {
			account.Headers = append(account.Headers, session.Header{Name: h.Name, Value: h.Value})
		}
	}

	if err := s.registry.Account().Login(account); err != nil {
		writeSessionError(w, err)
		return
	}

	if req.Save && req.Username != "" {
		if err := s.accounts.Save(r.Context(), account); err != nil {
			s.logger.Error("failed to save account", "account_id", account.ID, "error", err)
		}
	}

	writeJSON(w, http.StatusAccepted, accountStatusJSON(s.registry.Account().State()))
}

// handleLogout starts an unregister. Always acknowledged: the session
// reaches Disconnected on the engine's ack or on the logout bound.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Account().Logout(); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, accountStatusJSON(s.registry.Account().State()))
}

// handleReconnect re-runs login with the last-known account.
func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Account().ForceReconnect(); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, accountStatusJSON(s.registry.Account().State()))
}

// handleAccountStatus returns the current registration state.
func (s *Server) handleAccountStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, accountStatusJSON(s.registry.Account().State()))
}

// storedAccountPayload is a stored account without its credential.
type storedAccountPayload struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	Domain      string `json:"domain"`
	DisplayName string `json:"display_name,omitempty"`
	SIPURI      string `json:"sip_uri"`
	IsDefault   bool   `json:"is_default"`
}

// handleStoredAccounts lists saved accounts. Passwords never leave storage.
func (s *Server) handleStoredAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.accounts.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]storedAccountPayload, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, storedAccountPayload{
			ID:          a.ID,
			Username:    a.Username,
			Domain:      a.Domain,
			DisplayName: a.DisplayName,
			SIPURI:      a.SIPURI(),
			IsDefault:   a.IsDefault,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDeleteAccount removes a saved account.
func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.accounts.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}
