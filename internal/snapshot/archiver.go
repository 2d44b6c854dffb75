// Package snapshot archives raw detail-page HTML to local disk so that
// extraction regressions can be replayed against the exact markup that
// produced them.
package snapshot

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/procwatch/tender-crawler/internal/tender"
)

// Archiver writes one HTML file per record under a base directory. Files
// are named by content hash, so re-archiving an unchanged page is a no-op
// and a changed page keeps both versions side by side.
type Archiver struct {
	baseDir string
	hasher  tender.Hasher
}

// New verifies the base directory exists and is writable before any run
// work starts, the same check a failed mid-run write would surface hours
// later.
func New(baseDir string, hasher tender.Hasher) (*Archiver, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, eris.New("snapshot base directory is required")
	}
	info, err := os.Stat(baseDir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(baseDir, 0o750); err != nil {
			return nil, eris.Wrap(err, "create snapshot directory")
		}
	case err != nil:
		return nil, eris.Wrap(err, "stat snapshot directory")
	case !info.IsDir():
		return nil, eris.Errorf("snapshot path %s is not a directory", baseDir)
	}

	probe := filepath.Join(baseDir, ".writable")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return nil, eris.Wrap(err, "snapshot directory is not writable")
	}
	_ = os.Remove(probe)

	return &Archiver{baseDir: baseDir, hasher: hasher}, nil
}

// Save archives one page and returns the written path. An existing file
// with the same content hash is left untouched.
func (a *Archiver) Save(recordID, html string) (string, error) {
	if html == "" {
		return "", nil
	}
	id := sanitize(recordID)
	if id == "" {
		return "", eris.New("record id required for snapshot")
	}
	hash, err := a.hasher.Hash([]byte(html))
	if err != nil {
		return "", eris.Wrap(err, "hash snapshot")
	}
	if len(hash) > 12 {
		hash = hash[:12]
	}

	dir := filepath.Join(a.baseDir, id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", eris.Wrapf(err, "create snapshot dir %s", dir)
	}
	path := filepath.Join(dir, hash+".html")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.WriteFile(path, []byte(html), 0o644); err != nil {
		return "", eris.Wrapf(err, "write snapshot %s", path)
	}
	return path, nil
}

// sanitize strips separators and traversal sequences from a record ID so
// it is safe as a single path component.
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "\\", "/")
	s = filepath.Base(filepath.Clean("/" + s))
	if s == "/" || s == "." {
		return ""
	}
	return s
}
