package httpd

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tonearm/bridge/bridge/media"
)

// The media handlers delegate to the orchestrator capabilities. A nil
// capability means the desktop side is not attached: 503.

func (s *Server) handlePlayerState(w http.ResponseWriter, r *http.Request) {
	if s.playback == nil {
		writeError(w, http.StatusServiceUnavailable, "upstream-unavailable")
		return
	}
	state, err := s.playback.State(r.Context())
	if err != nil {
		writeErrorMsg(w, http.StatusBadGateway, "upstream-error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handlePlayerCommand(w http.ResponseWriter, r *http.Request) {
	if s.playback == nil {
		writeError(w, http.StatusServiceUnavailable, "upstream-unavailable")
		return
	}
	var req struct {
		Command string          `json:"command"`
		Args    json.RawMessage `json:"args"`
	}
	if err := decodeBody(r, &req); err != nil || req.Command == "" {
		writeError(w, http.StatusBadRequest, "invalid-command")
		return
	}
	if err := s.playback.Dispatch(r.Context(), media.Command{Command: req.Command, Args: req.Args}); err != nil {
		writeErrorMsg(w, http.StatusBadGateway, "command-failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.search == nil {
		writeError(w, http.StatusServiceUnavailable, "upstream-unavailable")
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing-query")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	tracks, err := s.search.Search(r.Context(), query, limit)
	if err != nil {
		writeErrorMsg(w, http.StatusBadGateway, "search-failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tracks": normalize(tracks)})
}

func (s *Server) handlePlaylists(w http.ResponseWriter, r *http.Request) {
	if s.library == nil {
		writeError(w, http.StatusServiceUnavailable, "upstream-unavailable")
		return
	}
	playlists, err := s.library.Playlists(r.Context())
	if err != nil {
		writeErrorMsg(w, http.StatusBadGateway, "library-error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"playlists": playlists})
}

func (s *Server) handleRecentTracks(w http.ResponseWriter, r *http.Request) {
	if s.library == nil {
		writeError(w, http.StatusServiceUnavailable, "upstream-unavailable")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	tracks, err := s.library.RecentTracks(r.Context(), limit)
	if err != nil {
		writeErrorMsg(w, http.StatusBadGateway, "library-error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tracks": normalize(tracks)})
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	if s.metadata == nil {
		writeError(w, http.StatusServiceUnavailable, "upstream-unavailable")
		return
	}
	track, err := s.metadata.Track(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not-found")
		return
	}
	writeJSON(w, http.StatusOK, media.NormalizeForMobile(*track))
}

func (s *Server) handleAlbum(w http.ResponseWriter, r *http.Request) {
	if s.metadata == nil {
		writeError(w, http.StatusServiceUnavailable, "upstream-unavailable")
		return
	}
	album, err := s.metadata.Album(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not-found")
		return
	}
	writeJSON(w, http.StatusOK, album)
}

func (s *Server) handleArtist(w http.ResponseWriter, r *http.Request) {
	if s.metadata == nil {
		writeError(w, http.StatusServiceUnavailable, "upstream-unavailable")
		return
	}
	artist, err := s.metadata.Artist(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not-found")
		return
	}
	writeJSON(w, http.StatusOK, artist)
}

func normalize(tracks []media.Track) []media.MobileTrack {
	out := make([]media.MobileTrack, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, media.NormalizeForMobile(t))
	}
	return out
}
