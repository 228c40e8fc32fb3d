// Package changes decides whether the tracked directory differs from what was
// last deployed.
package changes

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/picklr-io/flydo/internal/logging"
	"github.com/picklr-io/flydo/internal/state"
)

// Directories never fingerprinted, at any depth.
var skipDirs = []string{".git", "node_modules"}

// Store is the part of the state store the detector needs.
type Store interface {
	Path() string
	Read() (state.State, error)
	Set(key, value string) error
}

// Detector fingerprints a directory and compares it with the saved deploy hash.
type Detector struct {
	store       Store
	dir         string
	exclude     []string
	parallelism int
	readFile    func(string) ([]byte, error)
}

// Option configures a Detector.
type Option func(*Detector)

// WithExclude adds glob patterns (path.Match syntax) matched against each
// slash-separated relative path and against its base name.
func WithExclude(patterns ...string) Option {
	return func(d *Detector) {
		d.exclude = append(d.exclude, patterns...)
	}
}

// WithParallelism bounds the number of files read concurrently.
func WithParallelism(n int) Option {
	return func(d *Detector) {
		if n > 0 {
			d.parallelism = n
		}
	}
}

// NewDetector returns a detector for dir backed by store.
func NewDetector(store Store, dir string, opts ...Option) *Detector {
	d := &Detector{
		store:       store,
		dir:         dir,
		parallelism: runtime.GOMAXPROCS(0),
		readFile:    os.ReadFile,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dir returns the tracked directory.
func (d *Detector) Dir() string {
	return d.dir
}

// HasChanges reports whether the directory differs from the saved hash.
// With no saved hash it returns true without reading any file.
func (d *Detector) HasChanges(ctx context.Context) (bool, error) {
	st, err := d.store.Read()
	if err != nil {
		return false, err
	}

	saved := st.Get(state.KeyHash)
	if saved == "" {
		logging.Debug("no deploy hash saved", "dir", d.dir)
		return true, nil
	}

	current, err := d.Fingerprint(ctx)
	if err != nil {
		return false, err
	}

	logging.Debug("compared fingerprints", "saved", saved, "current", current)
	return current != saved, nil
}

// SaveDeployHash fingerprints the directory and persists the result.
func (d *Detector) SaveDeployHash(ctx context.Context) error {
	sum, err := d.Fingerprint(ctx)
	if err != nil {
		return err
	}
	return d.store.Set(state.KeyHash, sum)
}

type readResult struct {
	content []byte
}

// Fingerprint returns the hex SHA-256 of every tracked (path, content) pair.
// Each pair is folded in path order as the path, a NUL byte, the 8-byte
// big-endian content length and the content.
func (d *Detector) Fingerprint(ctx context.Context) (string, error) {
	files, err := d.listFiles()
	if err != nil {
		return "", err
	}

	// Readers finish in any order; each sends into its own slot so the fold
	// below consumes them strictly in path order.
	slots := make([]chan readResult, len(files))
	for i := range slots {
		slots[i] = make(chan readResult, 1)
	}

	g, gctx := errgroup.WithContext(ctx)
	// One goroutine is the folder; the rest read.
	g.SetLimit(max(d.parallelism, 1) + 1)

	h := sha256.New()
	g.Go(func() error {
		var size [8]byte
		for i, rel := range files {
			select {
			case r := <-slots[i]:
				h.Write([]byte(rel))
				h.Write([]byte{0})
				binary.BigEndian.PutUint64(size[:], uint64(len(r.content)))
				h.Write(size[:])
				h.Write(r.content)
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for i, rel := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			content, err := d.readFile(filepath.Join(d.dir, filepath.FromSlash(rel)))
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", rel, err)
			}
			slots[i] <- readResult{content: content}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return "", err
	}

	sum := hex.EncodeToString(h.Sum(nil))
	logging.Debug("fingerprint computed", "dir", d.dir, "files", len(files), "hash", sum)
	return sum, nil
}

// listFiles returns the sorted slash-separated relative paths of every
// tracked regular file.
func (d *Detector) listFiles() ([]string, error) {
	stateFile := ""
	if d.store != nil && d.store.Path() != "" {
		if abs, err := filepath.Abs(d.store.Path()); err == nil {
			stateFile = abs
		}
	}

	root, err := filepath.Abs(d.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", d.dir, err)
	}

	var files []string
	err = filepath.WalkDir(root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to walk %s: %w", p, err)
		}
		if p == root {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if entry.IsDir() {
			if slices.Contains(skipDirs, entry.Name()) || d.excluded(rel) {
				return filepath.SkipDir
			}
			return nil
		}

		if p == stateFile || d.excluded(rel) {
			return nil
		}

		switch {
		case entry.Type().IsRegular():
		case entry.Type()&fs.ModeSymlink != 0:
			info, err := os.Stat(p)
			if err != nil || !info.Mode().IsRegular() {
				return nil
			}
		default:
			return nil
		}

		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}

	slices.Sort(files)
	return files, nil
}

func (d *Detector) excluded(rel string) bool {
	base := path.Base(rel)
	for _, pattern := range d.exclude {
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
	}
	return false
}
