package kernel

import (
	"net/http"
)

// handleListFiles never waits on a rebuild: an unavailable snapshot is
// reported as rebuilding and clients refresh on the cache_updated event.
// GET /v1/files
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	listing, err := s.cache.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if listing.Rebuilding {
		status = http.StatusAccepted
	}
	writeJSON(w, status, listing)
}
