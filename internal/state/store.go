// Package state is the durable layer for runs: one directory per run holding
// run_state.json (atomic snapshot), events.log (append-only JSON lines), an
// optional lease file, and the artifacts directory. The kernel is the only
// writer; readers get snapshots and replay.
package state

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/EffortlessMetrics/switchyard/internal/runtime"
)

const (
	stateFile = "run_state.json"
	eventFile = "events.log"
	leaseFile = "lease.json"
	artifacts = "artifacts"
)

// Store persists runs under root/<run_id>/. All methods are safe for
// concurrent use; per-run writes serialize on one mutex.
type Store struct {
	root string

	mu      sync.Mutex
	lastSeq map[string]uint64
}

func NewStore(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &Store{root: root, lastSeq: map[string]uint64{}}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.root, runID)
}

// ArtifactsDir returns the run's artifact directory, creating it on demand.
func (s *Store) ArtifactsDir(runID string) (string, error) {
	dir := filepath.Join(s.runDir(runID), artifacts)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// CreateRun materializes the run directory and writes the initial snapshot.
// An existing directory for the same id is a conflict.
func (s *Store) CreateRun(st *runtime.RunState) (etag string, err error) {
	if err := st.Validate(); err != nil {
		return "", err
	}
	dir := s.runDir(st.RunID)
	if _, err := os.Stat(dir); err == nil {
		return "", fmt.Errorf("run %s: %w", st.RunID, runtime.ErrConflict)
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeStateLocked(st)
}

// SaveState checkpoints the snapshot. When ifMatch is non-empty it must equal
// the current etag or the write is rejected with ErrConflict; the caller's
// view is stale and must be reloaded.
func (s *Store) SaveState(st *runtime.RunState, ifMatch string) (etag string, err error) {
	if err := st.Validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if ifMatch != "" {
		current, err := s.etagLocked(st.RunID)
		if err != nil {
			return "", err
		}
		if current != ifMatch {
			return "", fmt.Errorf("etag %s does not match %s: %w", ifMatch, current, runtime.ErrConflict)
		}
	}
	return s.writeStateLocked(st)
}

func (s *Store) writeStateLocked(st *runtime.RunState) (string, error) {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return "", err
	}
	b = append(b, '\n')
	path := filepath.Join(s.runDir(st.RunID), stateFile)
	if err := runtime.WriteFileAtomic(path, b); err != nil {
		return "", err
	}
	return etagOf(b), nil
}

// LoadState reads the snapshot and its etag.
func (s *Store) LoadState(runID string) (*runtime.RunState, string, error) {
	b, err := os.ReadFile(filepath.Join(s.runDir(runID), stateFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", fmt.Errorf("run %s: %w", runID, runtime.ErrUnknownRun)
		}
		return nil, "", err
	}
	var st runtime.RunState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, "", fmt.Errorf("decode run_state.json for %s: %w", runID, err)
	}
	return &st, etagOf(b), nil
}

// Etag returns the current snapshot etag without decoding the document.
func (s *Store) Etag(runID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.etagLocked(runID)
}

func (s *Store) etagLocked(runID string) (string, error) {
	b, err := os.ReadFile(filepath.Join(s.runDir(runID), stateFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("run %s: %w", runID, runtime.ErrUnknownRun)
		}
		return "", err
	}
	return etagOf(b), nil
}

func etagOf(b []byte) string {
	sum := blake3.Sum256(b)
	return fmt.Sprintf("%x", sum[:16])
}

// ListRuns returns run ids in lexical order (ULIDs sort by creation time).
func (s *Store) ListRuns() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// NewRunID mints a ULID run id.
func NewRunID() string {
	return strings.ToLower(ulid.MustNew(ulid.Now(), rand.Reader).String())
}

// NewOwnerToken mints a lease owner token.
func NewOwnerToken() string {
	return strings.ToLower(ulid.MustNew(ulid.Now(), rand.Reader).String())
}

var timeNow = time.Now
