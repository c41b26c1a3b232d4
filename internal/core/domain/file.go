package domain

import "time"

// MarkerType is a processing status recorded against a library path.
type MarkerType string

const (
	MarkerProcessed MarkerType = "processed"
	MarkerDuplicate MarkerType = "duplicate"
)

// MarkerSet maps marker type -> set of paths carrying it.
type MarkerSet map[MarkerType]map[string]struct{}

// Has reports whether path carries marker t.
func (m MarkerSet) Has(t MarkerType, path string) bool {
	paths, ok := m[t]
	if !ok {
		return false
	}
	_, ok = paths[path]
	return ok
}

// FileInfo is a raw library listing entry.
type FileInfo struct {
	Path       string    `json:"path"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// FileEntry is a listing entry enriched with marker flags.
type FileEntry struct {
	FileInfo
	Processed bool `json:"processed"`
	Duplicate bool `json:"duplicate"`
}

// FileListing is what the request path gets back from the enriched cache.
// Rebuilding is set when no fresh snapshot is available yet.
type FileListing struct {
	Files      []FileEntry `json:"files"`
	Rebuilding bool        `json:"rebuilding"`
}
