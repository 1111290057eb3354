// Package staging manages the local copies of papers that exist only while
// a task is running.
package staging

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

type Dir struct {
	root string
}

func New(root string) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, eris.Wrapf(err, "resolve staging dir %s", root)
	}
	if err := ensureDir(abs); err != nil {
		return nil, err
	}
	return &Dir{root: abs}, nil
}

func (d *Dir) Root() string { return d.root }

// Path names the staged copy of filename for one task. Directory parts of
// filename are dropped.
func (d *Dir) Path(taskID, filename string) string {
	return filepath.Join(d.root, taskID+"-"+filepath.Base(filename))
}

// Stage writes data atomically and returns the staged path.
func (d *Dir) Stage(taskID, filename string, data []byte) (string, error) {
	path := d.Path(taskID, filename)
	tmp, err := os.CreateTemp(d.root, "tmp-*")
	if err != nil {
		return "", eris.Wrap(err, "create staging temp")
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", eris.Wrap(err, "write staging temp")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", eris.Wrap(err, "close staging temp")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", eris.Wrap(err, "rename staging temp")
	}
	return path, nil
}

// Remove deletes staged files and returns the ones actually removed.
// Paths outside the staging root and already-missing files are skipped.
func (d *Dir) Remove(paths ...string) ([]string, error) {
	removed := make([]string, 0, len(paths))
	var firstErr error
	for _, p := range paths {
		if p == "" || !d.contains(p) {
			continue
		}
		err := os.Remove(p)
		switch {
		case err == nil:
			removed = append(removed, p)
		case os.IsNotExist(err):
		case firstErr == nil:
			firstErr = eris.Wrapf(err, "remove staged file %s", p)
		}
	}
	return removed, firstErr
}

// Sweep removes staged files last modified before now-maxAge.
func (d *Dir) Sweep(maxAge time.Duration, now time.Time) ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, eris.Wrapf(err, "read staging dir %s", d.root)
	}
	cutoff := now.Add(-maxAge)
	stale := make([]string, 0)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			stale = append(stale, filepath.Join(d.root, e.Name()))
		}
	}
	return d.Remove(stale...)
}

func (d *Dir) contains(p string) bool {
	abs, err := filepath.Abs(p)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(d.root, abs)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

// HashFile returns the hex SHA-256 of a file's bytes.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", eris.Wrapf(err, "open %s for hash", path)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", eris.Wrapf(err, "hash %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// WriteJSONAtomic writes v as indented JSON through a temp file and rename.
func WriteJSONAtomic(path string, v any) error {
	if err := ensureDir(filepath.Dir(path)); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "tmp-*.json")
	if err != nil {
		return eris.Wrap(err, "create temp json")
	}
	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = tmp.Close()
		return eris.Wrap(err, "encode json")
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrap(err, "close temp json")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return eris.Wrap(err, "rename temp json")
	}
	return nil
}

func ensureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return eris.Wrapf(err, "mkdir %s", path)
	}
	return nil
}
