package web

import (
	"bytes"
	"io/fs"
	"net/http"
	"strings"
	"time"
)

// spaHandler serves the connect page. Known files are served as-is; any
// other path gets index.html so client-side routes survive a reload.
type spaHandler struct {
	files       http.Handler
	staticFiles fs.FS
}

func newSPAHandler(distFS fs.FS) *spaHandler {
	return &spaHandler{
		files:       http.FileServer(http.FS(distFS)),
		staticFiles: distFS,
	}
}

func (h *spaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if path == "" || path == "index.html" {
		h.serveIndex(w, r)
		return
	}

	f, err := h.staticFiles.Open(path)
	if err != nil {
		h.serveIndex(w, r)
		return
	}
	f.Close()

	h.files.ServeHTTP(w, r)
}

// serveIndex writes index.html directly; the file server would redirect it.
func (h *spaHandler) serveIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFiles, "index.html")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	http.ServeContent(w, r, "index.html", time.Time{}, bytes.NewReader(data))
}
