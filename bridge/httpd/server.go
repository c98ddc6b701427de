// Package httpd is the front door: one chi router serving the local
// web app, the JSON API and the realtime websocket. Tunneled requests
// from the relay are injected into the same router so both paths share
// the auth hook, handlers and error shapes.
package httpd

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/tonearm/bridge/bridge/auth"
	"github.com/tonearm/bridge/bridge/config"
	"github.com/tonearm/bridge/bridge/identity"
	"github.com/tonearm/bridge/bridge/media"
	"github.com/tonearm/bridge/bridge/session"
)

const internalMarkerHeader = "X-Bridge-Internal"

// Deps carries everything the front door serves from. The media
// capabilities are optional; a nil capability maps to 503.
type Deps struct {
	Config   config.Config
	Identity *identity.Store
	Creds    *auth.Credentials
	Devices  *auth.DeviceRegistry
	Pairing  *auth.PairingCoordinator
	Sessions *session.Manager

	Playback media.Playback
	Search   media.Searcher
	Library  media.LibraryBridge
	Metadata media.MetadataProvider

	// RelayConnected reports remote-access reachability for /api/server/info.
	RelayConnected func() bool
}

// Server is the HTTP front door.
type Server struct {
	cfg      config.Config
	ident    *identity.Store
	creds    *auth.Credentials
	devices  *auth.DeviceRegistry
	pairing  *auth.PairingCoordinator
	sessions *session.Manager

	playback media.Playback
	search   media.Searcher
	library  media.LibraryBridge
	metadata media.MetadataProvider

	relayConnected func() bool

	// marker is a per-process secret; only Inject stamps it on
	// requests, so its presence proves internal origin.
	marker  string
	limiter *ipLimiter
	hub     *wsHub
	router  chi.Router
}

func NewServer(deps Deps) (*Server, error) {
	markerBytes := make([]byte, 16)
	if _, err := rand.Read(markerBytes); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:            deps.Config,
		ident:          deps.Identity,
		creds:          deps.Creds,
		devices:        deps.Devices,
		pairing:        deps.Pairing,
		sessions:       deps.Sessions,
		playback:       deps.Playback,
		search:         deps.Search,
		library:        deps.Library,
		metadata:       deps.Metadata,
		relayConnected: deps.RelayConnected,
		marker:         hex.EncodeToString(markerBytes),
		limiter:        newIPLimiter(deps.Config.RateLimitPerMinute),
		hub:            newWSHub(),
	}
	s.router = s.buildRouter()
	return s, nil
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.rateLimitMiddleware)
	r.Use(s.authMiddleware)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/server/info", s.handleServerInfo)
	r.Post("/api/server/name", s.handleServerName)

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/pair", s.handlePair)
		r.Get("/pair/check", s.handlePairCheck)
		r.Get("/pair/qr", s.handlePairQR)
		r.Get("/pair/code", s.handlePairCode)
		r.Post("/pair/refresh", s.handlePairRefresh)
		r.Post("/pair/mint", s.handlePairMint)
		r.Get("/pair/requests", s.handlePairRequests)
		r.Post("/pair/requests/{id}/approve", s.handlePairApprove)
		r.Post("/pair/requests/{id}/deny", s.handlePairDeny)

		r.Post("/login", s.handleLogin)
		r.Post("/device", s.handleDeviceLogin)
		r.Post("/refresh", s.handleDeviceRefresh)
		r.Post("/logout", s.handleLogout)

		r.Get("/devices", s.handleDevicesList)
		r.Delete("/devices", s.handleDevicesRevokeAll)
		r.Delete("/devices/{id}", s.handleDeviceRevoke)

		r.Get("/passphrase", s.handlePassphrase)
		r.Post("/passphrase/regenerate", s.handlePassphraseRegenerate)
		r.Post("/password", s.handleSetPassword)
		r.Delete("/password", s.handleClearPassword)

		r.Get("/settings", s.handleSettingsGet)
		r.Post("/settings", s.handleSettingsSet)
	})

	r.Get("/api/access/info", s.handleAccessInfo)
	r.Post("/api/access/rotate", s.handleAccessRotate)

	r.Get("/api/sessions", s.handleSessionsList)
	r.Delete("/api/sessions/{id}", s.handleSessionEnd)

	r.Get("/api/player/state", s.handlePlayerState)
	r.Post("/api/player/command", s.handlePlayerCommand)
	r.Get("/api/search", s.handleSearch)
	r.Get("/api/library/playlists", s.handlePlaylists)
	r.Get("/api/library/recent", s.handleRecentTracks)
	r.Get("/api/tracks/{id}", s.handleTrack)
	r.Get("/api/albums/{id}", s.handleAlbum)
	r.Get("/api/artists/{id}", s.handleArtist)

	r.Get("/ws", s.handleWS)

	r.NotFound(s.handleStatic)
	return r
}

// Handler exposes the router for the HTTP listener.
func (s *Server) Handler() http.Handler { return s.router }

// Hub exposes the realtime fanout for the orchestrators.
func (s *Server) Hub() *wsHub { return s.hub }

// ActiveToken implements the relay's token source.
func (s *Server) ActiveToken() string { return s.creds.AccessToken() }

// Inject synthesizes an HTTP request in-process so tunneled calls run
// through the same router as direct ones. The internal marker exempts
// the request from rate limiting; auth still applies.
func (s *Server) Inject(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set(internalMarkerHeader, s.marker)
	req.RemoteAddr = "relay:0"
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec.Code, rec.Body.Bytes(), nil
}

// --- auth hook ---

type principalKind string

const (
	principalAccess principalKind = "access"
	principalDevice principalKind = "device"
)

type principal struct {
	Kind     principalKind
	DeviceID string
	Token    string
}

type ctxKey int

const principalKey ctxKey = iota

func principalFrom(ctx context.Context) (principal, bool) {
	p, ok := ctx.Value(principalKey).(principal)
	return p, ok
}

// publicPaths need no token: health, discovery, the pairing entry
// points and the login endpoints the unauthenticated app must reach.
var publicPaths = map[string]bool{
	"/api/health":          true,
	"/api/server/info":     true,
	"/api/auth/pair":       true,
	"/api/auth/pair/check": true,
	"/api/auth/pair/qr":    true,
	"/api/auth/login":      true,
	"/api/auth/device":     true,
	"/api/auth/refresh":    true,
}

// authMiddleware guards /api. Non-API paths (the web app itself) and
// /ws pass through; /ws authenticates during its own upgrade.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if !strings.HasPrefix(path, "/api/") || publicPaths[path] {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		p, err := s.authenticate(token)
		if err != nil {
			log.Debug().Err(err).Str("path", path).Msg("[http] rejected request")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	})
}

// authenticate resolves a token against the access token first, then
// the device registry.
func (s *Server) authenticate(token string) (principal, error) {
	if s.creds.ValidateAccessToken(token) {
		return principal{Kind: principalAccess, Token: token}, nil
	}
	deviceID, err := s.devices.Validate(token)
	if err != nil {
		return principal{}, err
	}
	return principal{Kind: principalDevice, DeviceID: deviceID, Token: token}, nil
}

func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after
	}
	return ""
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("[http] failed to encode response")
	}
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, errorBody{Error: code})
}

func writeErrorMsg(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}
