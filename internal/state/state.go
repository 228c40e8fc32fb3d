// Package state persists flydo's progress between invocations in a single
// flat key/value file.
package state

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/picklr-io/flydo/internal/failure"
)

// Recognized keys.
const (
	KeyToken         = "token"
	KeyWorkdir       = "workdir"
	KeyFlyConfigFile = "flyConfigFile"
	KeyMachineID     = "machineId"
	KeyHash          = "hash"
)

const (
	// DefaultFileName is the state file name used when nothing overrides it.
	DefaultFileName = ".flydo"
	// FileEnvVar overrides the state file path.
	FileEnvVar = "FLYDO_STATE_FILE"

	fileMode = 0o600
)

// State is the persisted key/value map.
type State map[string]string

// Get returns the value for key, or "" if absent.
func (s State) Get(key string) string {
	return s[key]
}

// Has reports whether key is present with a non-empty value.
func (s State) Has(key string) bool {
	return s[key] != ""
}

// Keys returns the keys in sorted order.
func (s State) Keys() []string {
	return slices.Sorted(maps.Keys(s))
}

// Updates is a partial write. A nil value removes the key.
type Updates map[string]*string

// Value returns a pointer to v for use in Updates.
func Value(v string) *string {
	return &v
}

// Store reads and writes the state file.
// Concurrent writers are not serialized: every Write is read-merge-write of
// the whole file, so two invocations racing on the same file can lose keys.
type Store struct {
	path string
	key  *sealKey
}

// Option configures a Store.
type Option func(*Store)

// WithEncryptionKey seals the file with AES-256-GCM using a key derived from
// passphrase with scrypt. An empty passphrase leaves the file in plain JSON.
func WithEncryptionKey(passphrase string) Option {
	return func(s *Store) {
		s.key = newSealKey(passphrase)
	}
}

// NewStore returns a store for the file at path.
func NewStore(path string, opts ...Option) *Store {
	s := &Store{path: path}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ResolvePath resolves the state file location relative to root. An explicit
// path wins over the environment, which wins over DefaultFileName.
func ResolvePath(root, explicit string) string {
	p := explicit
	if p == "" {
		p = os.Getenv(FileEnvVar)
	}
	if p == "" {
		p = DefaultFileName
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(root, p)
}

// Path returns the state file path.
func (s *Store) Path() string {
	return s.path
}

// Read loads the state. A missing file is an empty state.
func (s *Store) Read() (State, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return State{}, nil
	}
	if err != nil {
		return nil, failure.Wrap(failure.StateCorrupt, "read state",
			fmt.Errorf("failed to read state file %s: %w", s.path, err))
	}

	content, err := decrypt(s.key, raw)
	if err != nil {
		return nil, failure.Wrap(failure.StateCorrupt, "read state",
			fmt.Errorf("failed to decrypt state file %s: %w", s.path, err))
	}

	if len(bytes.TrimSpace(content)) == 0 {
		return State{}, nil
	}

	var values map[string]*string
	if err := json.Unmarshal(content, &values); err != nil {
		return nil, failure.Wrap(failure.StateCorrupt, "read state",
			fmt.Errorf("failed to parse state file %s: %w", s.path, err))
	}

	st := make(State, len(values))
	for k, v := range values {
		if v != nil {
			st[k] = *v
		}
	}
	return st, nil
}

// Write merges updates into the current state and rewrites the whole file.
func (s *Store) Write(updates Updates) error {
	current, err := s.Read()
	if err != nil {
		return err
	}

	for k, v := range updates {
		if v == nil {
			delete(current, k)
			continue
		}
		current[k] = *v
	}

	return s.replace(current)
}

// Set writes a single key.
func (s *Store) Set(key, value string) error {
	return s.Write(Updates{key: Value(value)})
}

// Delete removes keys.
func (s *Store) Delete(keys ...string) error {
	updates := make(Updates, len(keys))
	for _, k := range keys {
		updates[k] = nil
	}
	return s.Write(updates)
}

func (s *Store) replace(st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return failure.Wrap(failure.StateWrite, "write state", fmt.Errorf("failed to encode state: %w", err))
	}
	data = append(data, '\n')

	data, err = encrypt(s.key, data)
	if err != nil {
		return failure.Wrap(failure.StateWrite, "write state", fmt.Errorf("failed to encrypt state: %w", err))
	}

	if err := writeFileAtomic(s.path, data); err != nil {
		return failure.Wrap(failure.StateWrite, "write state", err)
	}
	return nil
}

// writeFileAtomic writes data next to path and renames it into place so
// readers never observe a half-written file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state file %s: %w", path, err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set state file mode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write state file %s: %w", path, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to replace state file %s: %w", path, err)
	}
	return nil
}
