package server

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
)

// handleWidget serves static widget assets. The requested file's resolved
// path (symlinks included) must live under the resolved widget directory;
// anything else is 404, indistinguishable from a missing file.
func (s *Server) handleWidget(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	if rel == "" {
		rel = "index.html"
	}

	root, err := filepath.EvalSymlinks(s.config().Widget.Dir)
	if err != nil {
		http.NotFound(w, r)
		return
	}

	name := filepath.Join(root, filepath.FromSlash(path.Clean("/"+rel)))
	resolved, err := filepath.EvalSymlinks(name)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		http.NotFound(w, r)
		return
	}

	info, err := os.Stat(resolved)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if info.IsDir() {
		resolved = filepath.Join(resolved, "index.html")
		if info, err = os.Stat(resolved); err != nil {
			http.NotFound(w, r)
			return
		}
	}

	f, err := os.Open(resolved)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	w.Header().Set("Cache-Control", "public, max-age=3600")
	http.ServeContent(w, r, filepath.Base(resolved), info.ModTime(), f)
}
