package httpd

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// Version is the announced server version.
const Version = "1.3.0"

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"activeSessions": s.sessions.ActiveCount(),
		"version":        Version,
	})
}

// handleServerInfo is the public discovery endpoint the app probes
// before deciding between direct and tunneled access.
func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	connected := false
	if s.relayConnected != nil {
		connected = s.relayConnected()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"serverId":       s.ident.ServerID(),
		"serverName":     s.ident.ServerName(),
		"roomId":         s.ident.RelayRoomID(),
		"version":        Version,
		"relayConnected": connected,
	})
}

func (s *Server) handleServerName(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid-name")
		return
	}
	s.ident.SetServerName(req.Name)
	writeJSON(w, http.StatusOK, map[string]string{"serverName": req.Name})
}

// requireAccessPrincipal keeps the token-management endpoints away
// from device credentials.
func (s *Server) requireAccessPrincipal(w http.ResponseWriter, r *http.Request) bool {
	p, ok := principalFrom(r.Context())
	if !ok || p.Kind != principalAccess {
		writeError(w, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

func (s *Server) handleAccessInfo(w http.ResponseWriter, r *http.Request) {
	if !s.requireAccessPrincipal(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": s.creds.AccessToken()})
}

// handleAccessRotate replaces the access token and invalidates every
// session opened with the old one. Paired devices are untouched.
func (s *Server) handleAccessRotate(w http.ResponseWriter, r *http.Request) {
	if !s.requireAccessPrincipal(w, r) {
		return
	}
	old := s.creds.AccessToken()
	token, err := s.creds.RotateAccessToken()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "rotate-failed")
		return
	}
	ended := s.sessions.EndSessionsForToken(old)
	log.Info().Int("sessions_ended", ended).Msg("[http] access token rotated")
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "sessionsEnded": ended})
}

func (s *Server) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.ListAll()})
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	s.sessions.End(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"serverName":      s.ident.ServerName(),
		"requireApproval": s.pairing.RequireApproval(),
		"useCustom":       s.creds.UseCustom(),
	})
}

func (s *Server) handleSettingsSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ServerName      *string `json:"serverName"`
		RequireApproval *bool   `json:"requireApproval"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-body")
		return
	}
	if req.ServerName != nil && *req.ServerName != "" {
		s.ident.SetServerName(*req.ServerName)
	}
	if req.RequireApproval != nil {
		s.pairing.SetRequireApproval(*req.RequireApproval)
	}
	s.handleSettingsGet(w, r)
}
