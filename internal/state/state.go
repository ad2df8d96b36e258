// Package state persists the small pieces of cross-restart state the
// scheduler needs to avoid re-triggering builds for commits it has already
// seen: last commit per branch, last nightly commit per branch, and the
// commit id a tag pointed to when its build was scheduled.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

const (
	LastCommitByBranch        = "last-commit-by-branch"
	LastNightlyCommitByBranch = "last-nightly-commit-by-branch"
	CommitIDsByTag            = "commit-ids-by-tag"
)

// Store is a flat JSON-file-backed string map, one file per named store.
// A single mutex guards all named stores, so concurrent reads/writes to
// different stores are serialized.
type Store struct {
	dir string
	log *zap.SugaredLogger

	mu     sync.Mutex
	caches map[string]map[string]string
}

// New returns a Store rooted at dir. dir is created if missing.
func New(dir string, log *zap.SugaredLogger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{
		dir:    dir,
		log:    log,
		caches: make(map[string]map[string]string),
	}, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// Load returns the full map for name, reading it from disk on first access
// and caching it afterward. A missing file yields an empty map, not an
// error.
func (s *Store) Load(name string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(name)
}

func (s *Store) loadLocked(name string) (map[string]string, error) {
	if cached, ok := s.caches[name]; ok {
		return cached, nil
	}

	data, err := os.ReadFile(s.path(name))
	if os.IsNotExist(err) {
		m := make(map[string]string)
		s.caches[name] = m
		return m, nil
	}
	if err != nil {
		s.log.Errorw("cannot read state file", "name", name, "error", err)
		return nil, err
	}

	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		s.log.Errorw("cannot parse state file", "name", name, "error", err)
		return nil, err
	}
	if m == nil {
		m = make(map[string]string)
	}
	s.caches[name] = m
	return m, nil
}

// Get returns the value for key within the named store ("", false) if absent.
func (s *Store) Get(name, key string) (string, bool, error) {
	m, err := s.Load(name)
	if err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := m[key]
	return v, ok, nil
}

// Set writes key=value into the named store and rewrites the whole file.
func (s *Store) Set(name, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.loadLocked(name)
	if err != nil {
		return err
	}
	m[key] = value
	return s.saveLocked(name, m)
}

func (s *Store) saveLocked(name string, m map[string]string) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.path(name), data, 0o644); err != nil {
		s.log.Errorw("cannot save state file", "name", name, "error", err)
		return err
	}
	return nil
}
