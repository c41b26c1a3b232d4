// Package library lists comic archives under a library root.
package library

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/manthysbr/inkwell/internal/core/domain"
	"github.com/manthysbr/inkwell/internal/core/ports"
)

// DefaultExtensions are the archive formats picked up by the lister.
var DefaultExtensions = []string{".cbz", ".cbr", ".cb7", ".cbt", ".pdf", ".epub"}

type Lister struct {
	root       string
	extensions map[string]struct{}
}

var _ ports.FileLister = (*Lister)(nil)

func NewLister(root string, extensions ...string) *Lister {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	exts := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		exts[strings.ToLower(ext)] = struct{}{}
	}
	return &Lister{root: root, extensions: exts}
}

// ListFiles walks the root and returns matching files sorted by path.
// Hidden files and directories are skipped.
func (l *Lister) ListFiles(ctx context.Context) ([]domain.FileInfo, error) {
	files := []domain.FileInfo{}

	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if path != l.root && strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if _, ok := l.extensions[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, domain.FileInfo{
			Path:       path,
			Name:       d.Name(),
			Size:       info.Size(),
			ModifiedAt: info.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk library %s: %w", l.root, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}
