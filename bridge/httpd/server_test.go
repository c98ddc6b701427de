package httpd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonearm/bridge/bridge/auth"
	"github.com/tonearm/bridge/bridge/config"
	"github.com/tonearm/bridge/bridge/identity"
	"github.com/tonearm/bridge/bridge/media"
	"github.com/tonearm/bridge/bridge/session"
)

type fakePlayback struct {
	state    media.PlaybackState
	commands []media.Command
	err      error
}

func (f *fakePlayback) Dispatch(_ context.Context, cmd media.Command) error {
	if f.err != nil {
		return f.err
	}
	f.commands = append(f.commands, cmd)
	return nil
}

func (f *fakePlayback) State(context.Context) (*media.PlaybackState, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &f.state, nil
}

func newTestServer(t *testing.T, mutate func(*Deps)) (*Server, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()

	ident, err := identity.Open(dir)
	require.NoError(t, err)
	creds, err := auth.OpenCredentials(dir)
	require.NoError(t, err)
	devices, err := auth.OpenDeviceRegistry(dir)
	require.NoError(t, err)
	t.Cleanup(func() { devices.Close() })

	cfg := config.Default()
	cfg.DataDir = dir

	pairing := auth.NewPairingCoordinator(devices, cfg.LocalURL(), ident.RelayRoomID(), auth.SchemeMemorable)
	t.Cleanup(pairing.Close)
	sessions := session.NewManager(cfg.SessionTTL, cfg.SweepInterval)

	deps := Deps{
		Config:   cfg,
		Identity: ident,
		Creds:    creds,
		Devices:  devices,
		Pairing:  pairing,
		Sessions: sessions,
		Playback: &fakePlayback{},
	}
	if mutate != nil {
		mutate(&deps)
	}

	srv, err := NewServer(deps)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func getJSON(t *testing.T, url, token string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url, token string, body, out any) int {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthIsPublic(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	srv.sessions.Create("some-token", "ua")

	var body map[string]any
	code := getJSON(t, ts.URL+"/api/health", "", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["timestamp"])
	assert.Equal(t, float64(1), body["activeSessions"])
}

func TestProtectedEndpointsRequireToken(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	code := getJSON(t, ts.URL+"/api/sessions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code = getJSON(t, ts.URL+"/api/sessions", "not-a-real-token", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code = getJSON(t, ts.URL+"/api/sessions", srv.ActiveToken(), nil)
	assert.Equal(t, http.StatusOK, code)

	// Query-parameter token works too (tunneled requests use it).
	code = getJSON(t, ts.URL+"/api/sessions?token="+srv.ActiveToken(), "", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestLoginFlow(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	code := postJSON(t, ts.URL+"/api/auth/login", "", map[string]string{"password": "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	var resp map[string]any
	code = postJSON(t, ts.URL+"/api/auth/login", "",
		map[string]string{"password": srv.creds.Passphrase()}, &resp)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, 1, srv.sessions.ActiveCount())
}

func TestLoginRememberDeviceMintsCredential(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	var resp struct {
		Success     bool   `json:"success"`
		DeviceToken string `json:"deviceToken"`
		DeviceID    string `json:"deviceId"`
	}
	code := postJSON(t, ts.URL+"/api/auth/login", "", map[string]any{
		"password":       srv.creds.Passphrase(),
		"deviceName":     "living room laptop",
		"rememberDevice": true,
	}, &resp)
	require.Equal(t, http.StatusOK, code)
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.DeviceToken)
	require.NotEmpty(t, resp.DeviceID)

	// The minted credential is a persistent device token.
	code = getJSON(t, ts.URL+"/api/sessions", resp.DeviceToken, nil)
	assert.Equal(t, http.StatusOK, code)

	devices, err := srv.devices.List()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "living room laptop", devices[0].Name)
}

func TestPairingFlow(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	pairCode := srv.pairing.CurrentCode().Code

	var check map[string]bool
	code := getJSON(t, ts.URL+"/api/auth/pair/check?code="+pairCode, "", &check)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, check["valid"])

	var paired struct {
		Success     bool   `json:"success"`
		DeviceToken string `json:"deviceToken"`
		DeviceID    string `json:"deviceId"`
		ServerName  string `json:"serverName"`
	}
	code = postJSON(t, ts.URL+"/api/auth/pair", "",
		map[string]string{"code": pairCode, "deviceName": "test phone"}, &paired)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, paired.Success)
	require.NotEmpty(t, paired.DeviceToken)
	assert.Equal(t, srv.ident.ServerName(), paired.ServerName)

	// The minted token authenticates API calls.
	code = getJSON(t, ts.URL+"/api/sessions", paired.DeviceToken, nil)
	assert.Equal(t, http.StatusOK, code)

	// Replaying the consumed code is a conflict.
	var replay struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	code = postJSON(t, ts.URL+"/api/auth/pair", "",
		map[string]string{"code": pairCode, "deviceName": "second"}, &replay)
	assert.Equal(t, http.StatusConflict, code)
	assert.False(t, replay.Success)
	assert.NotEmpty(t, replay.Error)

	// Unknown codes are rejected as unauthorized.
	code = postJSON(t, ts.URL+"/api/auth/pair", "",
		map[string]string{"code": "NOPE-NOPE-00"}, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestDeviceRevocationEndsSessions(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	pairCode := srv.pairing.CurrentCode().Code

	var paired struct {
		DeviceToken string `json:"deviceToken"`
		DeviceID    string `json:"deviceId"`
	}
	code := postJSON(t, ts.URL+"/api/auth/pair", "",
		map[string]string{"code": pairCode, "deviceName": "phone"}, &paired)
	require.Equal(t, http.StatusOK, code)

	var login struct {
		Success  bool   `json:"success"`
		DeviceID string `json:"deviceId"`
	}
	code = postJSON(t, ts.URL+"/api/auth/device", "",
		map[string]string{"deviceToken": paired.DeviceToken}, &login)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, login.Success)
	assert.Equal(t, paired.DeviceID, login.DeviceID)
	require.Equal(t, 1, srv.sessions.ActiveCount())

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/auth/devices/"+paired.DeviceID, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+srv.ActiveToken())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 0, srv.sessions.ActiveCount())
	code = getJSON(t, ts.URL+"/api/sessions", paired.DeviceToken, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	// The revoked credential no longer logs in either.
	code = postJSON(t, ts.URL+"/api/auth/device", "",
		map[string]string{"deviceToken": paired.DeviceToken}, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestDeviceRefreshRotatesToken(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	pairCode := srv.pairing.CurrentCode().Code

	var paired struct {
		DeviceToken string `json:"deviceToken"`
		DeviceID    string `json:"deviceId"`
	}
	code := postJSON(t, ts.URL+"/api/auth/pair", "",
		map[string]string{"code": pairCode, "deviceName": "phone"}, &paired)
	require.Equal(t, http.StatusOK, code)

	_, secret, err := auth.SplitCombined(paired.DeviceToken)
	require.NoError(t, err)

	var refreshed struct {
		Success     bool   `json:"success"`
		DeviceToken string `json:"deviceToken"`
	}
	code = postJSON(t, ts.URL+"/api/auth/refresh", "",
		map[string]string{"deviceId": paired.DeviceID, "token": secret}, &refreshed)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, refreshed.Success)
	require.NotEmpty(t, refreshed.DeviceToken)
	assert.NotEqual(t, paired.DeviceToken, refreshed.DeviceToken)

	// Old token is dead, new one works.
	code = getJSON(t, ts.URL+"/api/sessions", paired.DeviceToken, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	code = getJSON(t, ts.URL+"/api/sessions", refreshed.DeviceToken, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestSettingsUnderAuthPrefix(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	token := srv.ActiveToken()

	var settings map[string]any
	code := getJSON(t, ts.URL+"/api/auth/settings", token, &settings)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, settings["requireApproval"])

	code = postJSON(t, ts.URL+"/api/auth/settings", token,
		map[string]any{"requireApproval": true}, &settings)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, settings["requireApproval"])
	assert.True(t, srv.pairing.RequireApproval())
}

func TestAccessRotateInvalidatesOldToken(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	old := srv.ActiveToken()
	srv.sessions.Create(old, "ua")

	var resp map[string]any
	code := postJSON(t, ts.URL+"/api/access/rotate", old, nil, &resp)
	require.Equal(t, http.StatusOK, code)
	assert.NotEqual(t, old, resp["token"])
	assert.Equal(t, 0, srv.sessions.ActiveCount())

	code = getJSON(t, ts.URL+"/api/sessions", old, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	code = getJSON(t, ts.URL+"/api/sessions", resp["token"].(string), nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestAccessEndpointsRejectDeviceTokens(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	pairCode := srv.pairing.CurrentCode().Code

	var paired struct {
		DeviceToken string `json:"deviceToken"`
	}
	code := postJSON(t, ts.URL+"/api/auth/pair", "",
		map[string]string{"code": pairCode, "deviceName": "phone"}, &paired)
	require.Equal(t, http.StatusOK, code)

	code = getJSON(t, ts.URL+"/api/access/info", paired.DeviceToken, nil)
	assert.Equal(t, http.StatusForbidden, code)
	code = postJSON(t, ts.URL+"/api/access/rotate", paired.DeviceToken, nil, nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestInjectSharesRouterAndAuth(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	status, data, err := srv.Inject(context.Background(), http.MethodGet, "/api/health", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(data), `"ok"`)

	// Auth still applies to injected requests.
	status, _, err = srv.Inject(context.Background(), http.MethodGet, "/api/sessions", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _, err = srv.Inject(context.Background(),
		http.MethodGet, "/api/sessions?token="+srv.ActiveToken(), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
}

func TestRateLimit(t *testing.T) {
	srv, ts := newTestServer(t, func(d *Deps) {
		d.Config.RateLimitPerMinute = 2
	})

	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/health", "", nil))
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/health", "", nil))
	assert.Equal(t, http.StatusTooManyRequests, getJSON(t, ts.URL+"/api/health", "", nil))

	// Injected requests are exempt.
	status, _, err := srv.Inject(context.Background(), http.MethodGet, "/api/health", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
}

func TestPlayerEndpoints(t *testing.T) {
	playback := &fakePlayback{state: media.PlaybackState{Playing: true, Volume: 0.8}}
	srv, ts := newTestServer(t, func(d *Deps) { d.Playback = playback })
	token := srv.ActiveToken()

	var state media.PlaybackState
	code := getJSON(t, ts.URL+"/api/player/state", token, &state)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, state.Playing)

	code = postJSON(t, ts.URL+"/api/player/command", token,
		map[string]string{"command": "pause"}, nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, playback.commands, 1)
	assert.Equal(t, "pause", playback.commands[0].Command)
}

func TestPlayerUnavailable(t *testing.T) {
	srv, ts := newTestServer(t, func(d *Deps) { d.Playback = nil })
	code := getJSON(t, ts.URL+"/api/player/state", srv.ActiveToken(), nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestPlayerUpstreamError(t *testing.T) {
	srv, ts := newTestServer(t, func(d *Deps) {
		d.Playback = &fakePlayback{err: errors.New("player gone")}
	})
	code := getJSON(t, ts.URL+"/api/player/state", srv.ActiveToken(), nil)
	assert.Equal(t, http.StatusBadGateway, code)
}

func TestQREndpoint(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp, err := http.Get(ts.URL + "/api/auth/pair/qr")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
}

func wsURL(httpURL string) string { return "ws" + httpURL[len("http"):] }

func TestWSRejectsBadToken(t *testing.T) {
	_, ts := newTestServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL)+"/ws?token=bogus", nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, closePolicyAuth, closeErr.Code)
}

func TestWSSessionAndPing(t *testing.T) {
	srv, ts := newTestServer(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(
		wsURL(ts.URL)+"/ws?token="+srv.ActiveToken(), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var first wsFrame
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "session-update", first.Type)
	assert.Equal(t, 1, srv.sessions.ActiveCount())

	require.NoError(t, conn.WriteJSON(wsFrame{Type: "ping"}))
	var pong wsFrame
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong.Type)
}

func TestWSRemoteCommand(t *testing.T) {
	playback := &fakePlayback{}
	srv, ts := newTestServer(t, func(d *Deps) { d.Playback = playback })

	conn, _, err := websocket.DefaultDialer.Dial(
		wsURL(ts.URL)+"/ws?token="+srv.ActiveToken(), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var first wsFrame
	require.NoError(t, conn.ReadJSON(&first)) // session-update

	payload, _ := json.Marshal(map[string]string{"command": "next"})
	require.NoError(t, conn.WriteJSON(wsFrame{Type: "remote-command", Payload: payload}))

	var result wsFrame
	require.NoError(t, conn.ReadJSON(&result))
	assert.Equal(t, "command-result", result.Type)
	require.Len(t, playback.commands, 1)
	assert.Equal(t, "next", playback.commands[0].Command)
}

func TestWSDesktopStateRequest(t *testing.T) {
	playback := &fakePlayback{state: media.PlaybackState{Playing: true}}
	srv, ts := newTestServer(t, func(d *Deps) { d.Playback = playback })

	conn, _, err := websocket.DefaultDialer.Dial(
		wsURL(ts.URL)+"/ws?token="+srv.ActiveToken(), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var first wsFrame
	require.NoError(t, conn.ReadJSON(&first)) // session-update

	require.NoError(t, conn.WriteJSON(wsFrame{Type: "request-desktop-state"}))

	var state wsFrame
	require.NoError(t, conn.ReadJSON(&state))
	assert.Equal(t, "desktop-state", state.Type)
	var payload media.PlaybackState
	require.NoError(t, json.Unmarshal(state.Payload, &payload))
	assert.True(t, payload.Playing)
}

func TestSPAFallback(t *testing.T) {
	_, ts := newTestServer(t, func(d *Deps) { d.Config.StaticDir = "" })
	resp, err := http.Get(ts.URL + "/settings/devices")
	require.NoError(t, err)
	resp.Body.Close()
	// No bundle in tests, but API 404s keep their JSON shape.
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/definitely/missing?token=x")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}
