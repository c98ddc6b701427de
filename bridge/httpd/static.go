package httpd

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// handleStatic serves the bundled web app with an SPA fallback: any
// path that does not match a file returns index.html so client-side
// routing works on deep links.
func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		writeError(w, http.StatusNotFound, "not-found")
		return
	}
	if s.cfg.StaticDir == "" {
		http.Error(w, "web app not bundled", http.StatusNotFound)
		return
	}

	// Resolve inside the static dir only.
	rel := filepath.Clean("/" + r.URL.Path)
	path := filepath.Join(s.cfg.StaticDir, rel)

	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		http.ServeFile(w, r, path)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.cfg.StaticDir, "index.html"))
}
