package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/cuemby/pveshim/pkg/errs"
	"github.com/cuemby/pveshim/pkg/log"
)

// Store persists one Record per container id under Dir.
type Store struct {
	dir string
	log *log.Logger
}

// New returns a Store rooted at dir. dir must already exist; callers
// create it (e.g. from --root/state) before constructing a Store.
func New(dir string, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{dir: dir, log: logger}
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) lockPath(id string) string {
	return filepath.Join(s.dir, "."+id+".lock")
}

// Exists reports whether a record file is present for id. A file that is
// present but fails to parse still counts as existing.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.path(id))
	return err == nil
}

// Load reads and parses the record for id. A missing file returns
// errs.KindNotFound. A malformed file returns errs.KindCorruption and is
// never removed automatically — an operator must resolve it.
func (s *Store) Load(id string) (*Record, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.KindNotFound, "no container with id %q", id)
		}
		return nil, errs.Wrap(errs.KindCorruption, err, "failed to read state for %q", id)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.log.WithContainer(id).Err(err, "state file is corrupted, leaving in place for inspection")
		return nil, errs.Wrap(errs.KindCorruption, err, "state file for %q is malformed", id)
	}
	return &rec, nil
}

// Save writes rec atomically: a sibling temp file is written and fsynced,
// then renamed over the target so a concurrent reader never observes a
// partial write.
func (s *Store) Save(rec *Record) error {
	if err := rec.Validate(); err != nil {
		return errs.Wrap(errs.KindCorruption, err, "refusing to persist invalid record for %q", rec.ID)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record for %q: %w", rec.ID, err)
	}

	tmpPath := filepath.Join(s.dir, fmt.Sprintf(".%s-%s.tmp", rec.ID, uuid.NewString()))
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write temp state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to fsync temp state file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path(rec.ID)); err != nil {
		return fmt.Errorf("failed to rename temp state file into place: %w", err)
	}
	success = true
	return nil
}

// Delete removes the record file for id. It is not an error if it is
// already gone.
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete state for %q: %w", id, err)
	}
	os.Remove(s.lockPath(id))
	return nil
}

// List returns every parseable record in the store. Corrupted files are
// logged and skipped rather than failing the whole listing.
func (s *Store) List() ([]*Record, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read state dir %s: %w", s.dir, err)
	}

	var records []*Record
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		id := name[:len(name)-len(".json")]
		rec, err := s.Load(id)
		if err != nil {
			s.log.WithContainer(id).Warn("skipping unreadable state file during list")
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Mutator transforms the current record and returns the new one to
// persist. Returning an error aborts the swap without writing anything.
type Mutator func(current *Record) (*Record, error)

// CompareAndSwap takes the per-id advisory lock, loads the current record,
// verifies its phase matches expectedPhase (skip the check by passing ""),
// applies mutate, and atomically persists the result — all while holding
// the lock, so two invocations racing on the same id serialize instead of
// interleaving.
func (s *Store) CompareAndSwap(id string, expectedPhase Phase, mutate Mutator) (*Record, error) {
	fl := flock.New(s.lockPath(id))
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("failed to acquire lock for %q: %w", id, err)
	}
	defer fl.Unlock()

	current, err := s.Load(id)
	if err != nil {
		return nil, err
	}

	if expectedPhase != "" && current.Phase != expectedPhase {
		return nil, errs.New(errs.KindStateTransition,
			"container %q is %s, expected %s", id, current.Phase, expectedPhase)
	}

	next, err := mutate(current)
	if err != nil {
		return nil, err
	}

	if err := s.Save(next); err != nil {
		return nil, err
	}
	return next, nil
}

// CreateLocked takes the per-id lock (so a racing create can't observe a
// half-written mapping + state pair) and persists rec only if no record
// exists yet, returning errs.KindIdConflict otherwise.
func (s *Store) CreateLocked(rec *Record) error {
	fl := flock.New(s.lockPath(rec.ID))
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("failed to acquire lock for %q: %w", rec.ID, err)
	}
	defer fl.Unlock()

	if s.Exists(rec.ID) {
		return errs.New(errs.KindIdConflict, "container %q already exists", rec.ID)
	}
	return s.Save(rec)
}
