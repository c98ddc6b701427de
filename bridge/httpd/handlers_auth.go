package httpd

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/tonearm/bridge/bridge/auth"
)

// handlePair consumes a pairing code and mints a device credential.
// With approval enabled the request blocks until the owner decides.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code       string `json:"code"`
		DeviceName string `json:"deviceName"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-body")
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "missing-code")
		return
	}

	result, err := s.pairing.Consume(r.Context(), req.Code, req.DeviceName, r.UserAgent())
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrCodeConsumed):
			// Double-consume loses the race outright.
			writeJSON(w, http.StatusConflict, auth.PairResult{Error: err.Error()})
		case errors.Is(err, auth.ErrCodeExpired):
			writeJSON(w, http.StatusUnauthorized, auth.PairResult{Error: err.Error()})
		default:
			writeJSON(w, http.StatusUnauthorized, auth.PairResult{Error: err.Error()})
		}
		return
	}
	if !result.Success {
		writeJSON(w, http.StatusForbidden, result)
		return
	}

	log.Info().
		Str("device_id", result.DeviceID).
		Str("device_name", req.DeviceName).
		Msg("[http] device paired")

	writeJSON(w, http.StatusOK, struct {
		*auth.PairResult
		ServerName string `json:"serverName"`
		ServerID   string `json:"serverId"`
	}{result, s.ident.ServerName(), s.ident.ServerID()})
}

func (s *Server) handlePairCheck(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	writeJSON(w, http.StatusOK, map[string]bool{"valid": s.pairing.IsValid(code)})
}

func (s *Server) handlePairQR(w http.ResponseWriter, r *http.Request) {
	png, err := s.pairing.QRPNG()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "qr-failed")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *Server) handlePairCode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pairing.CurrentCode())
}

func (s *Server) handlePairRefresh(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pairing.RefreshCode())
}

func (s *Server) handlePairMint(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.pairing.MintOneTimeCode())
}

func (s *Server) handlePairRequests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"requests": s.pairing.PendingRequests()})
}

func (s *Server) handlePairApprove(w http.ResponseWriter, r *http.Request) {
	if err := s.pairing.Approve(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, "unknown-request")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePairDeny(w http.ResponseWriter, r *http.Request) {
	if err := s.pairing.Deny(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, "unknown-request")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleLogin verifies the passphrase (or custom password) and opens a
// session. With rememberDevice the login also mints a persistent
// device credential.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password       string `json:"password"`
		DeviceName     string `json:"deviceName"`
		RememberDevice bool   `json:"rememberDevice"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-body")
		return
	}
	if !s.creds.Verify(req.Password) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"success": false,
			"error":   "invalid password",
		})
		return
	}

	resp := map[string]any{"success": true}
	if req.RememberDevice {
		name := req.DeviceName
		if name == "" {
			name = "Remembered device"
		}
		deviceID, combined, expiry, err := s.devices.Register(name, r.UserAgent(), nil)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "device-mint-failed")
			return
		}
		resp["deviceToken"] = combined
		resp["deviceId"] = deviceID
		if expiry != nil {
			resp["expiresAt"] = expiry
		}
		s.sessions.Create(combined, r.UserAgent())
		log.Info().Str("device_id", deviceID).Msg("[http] device remembered at login")
	} else {
		s.sessions.Create(s.creds.AccessToken(), r.UserAgent())
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDeviceLogin validates a stored device token and opens a session.
func (s *Server) handleDeviceLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceToken string `json:"deviceToken"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-body")
		return
	}

	deviceID, err := s.devices.Validate(req.DeviceToken)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	sess := s.sessions.Create(req.DeviceToken, r.UserAgent())
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"deviceId":  deviceID,
		"sessionId": sess.ID,
	})
}

// handleDeviceRefresh rotates a device secret; the old token stops
// validating immediately.
func (s *Server) handleDeviceRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"deviceId"`
		Token    string `json:"token"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-body")
		return
	}

	combined, expiry, err := s.devices.Refresh(req.DeviceID, req.Token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	resp := map[string]any{"success": true, "deviceToken": combined}
	if expiry != nil {
		resp["expiresAt"] = expiry
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleLogout ends the caller's sessions; an explicit deviceId ends
// that device's sessions instead.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"deviceId"`
	}
	// Body is optional; a bare logout ends the caller's own sessions.
	_ = decodeBody(r, &req)

	if req.DeviceID != "" {
		s.sessions.EndSessionsForDevice(req.DeviceID)
	} else if p, ok := principalFrom(r.Context()); ok {
		s.sessions.EndSessionsForToken(p.Token)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDevicesList(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list-failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// handleDeviceRevoke revokes one device and ends its sessions.
func (s *Server) handleDeviceRevoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.devices.Revoke(id); err != nil {
		if errors.Is(err, auth.ErrUnknownDevice) {
			writeError(w, http.StatusNotFound, "unknown-device")
			return
		}
		writeError(w, http.StatusInternalServerError, "revoke-failed")
		return
	}
	ended := s.sessions.EndSessionsForDevice(id)
	log.Info().Str("device_id", id).Int("sessions_ended", ended).Msg("[http] device revoked")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "sessionsEnded": ended})
}

func (s *Server) handleDevicesRevokeAll(w http.ResponseWriter, r *http.Request) {
	infos, err := s.devices.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list-failed")
		return
	}
	count, err := s.devices.RevokeAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "revoke-failed")
		return
	}
	ended := 0
	for _, info := range infos {
		ended += s.sessions.EndSessionsForDevice(info.ID)
	}
	log.Info().Int("devices", count).Int("sessions_ended", ended).Msg("[http] all devices revoked")
	writeJSON(w, http.StatusOK, map[string]any{"revoked": count, "sessionsEnded": ended})
}

func (s *Server) handlePassphrase(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"passphrase": s.creds.Passphrase(),
		"useCustom":  s.creds.UseCustom(),
	})
}

func (s *Server) handlePassphraseRegenerate(w http.ResponseWriter, r *http.Request) {
	phrase, err := s.creds.Regenerate()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "regenerate-failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"passphrase": phrase})
}

// handleSetPassword installs a custom password after policy checks.
func (s *Server) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid-body")
		return
	}

	if reasons := auth.ValidatePassword(req.Password); len(reasons) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "weak-password",
			"reasons": reasons,
		})
		return
	}
	if err := s.creds.SetCustomPassword(req.Password); err != nil {
		writeError(w, http.StatusBadRequest, "weak-password")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleClearPassword(w http.ResponseWriter, r *http.Request) {
	if err := s.creds.SetUseCustom(false); err != nil {
		writeError(w, http.StatusBadRequest, "clear-failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
