// Package identity maintains the bijective mapping between OCI container
// ids and Proxmox VMIDs (§3.3/§4.4): a single mapping.json file under the
// same atomic-rename discipline as pkg/state, guarded by one advisory
// lock covering the full allocate/release critical section so concurrent
// invocations never hand out the same VMID.
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/cuemby/pveshim/pkg/errs"
)

// DefaultFloor is the lowest VMID the allocator will hand out absent
// configuration; Proxmox reserves 100-999999 for guests.
const DefaultFloor = 100

// MaxVMID is the top of the Proxmox VMID range.
const MaxVMID = 999999

// entry is one mapping record.
type entry struct {
	VMID   int    `json:"vmid"`
	Bundle string `json:"bundle"`
}

type document struct {
	Entries map[string]entry `json:"entries"` // id -> entry
}

// Mapper is the identity mapping store.
type Mapper struct {
	path  string
	floor int
}

// New returns a Mapper backed by mappingFile (typically <root>/mapping.json).
// floor overrides DefaultFloor when non-zero.
func New(mappingFile string, floor int) *Mapper {
	if floor <= 0 {
		floor = DefaultFloor
	}
	return &Mapper{path: mappingFile, floor: floor}
}

func (m *Mapper) lockPath() string {
	return m.path + ".lock"
}

func (m *Mapper) load() (document, error) {
	doc := document{Entries: map[string]entry{}}
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return doc, errs.Wrap(errs.KindCorruption, err, "failed to read mapping file")
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, errs.Wrap(errs.KindCorruption, err, "mapping file is malformed")
	}
	if doc.Entries == nil {
		doc.Entries = map[string]entry{}
	}
	return doc, nil
}

func (m *Mapper) save(doc document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal mapping: %w", err)
	}

	dir := filepath.Dir(m.path)
	tmpPath := filepath.Join(dir, fmt.Sprintf(".mapping-%s.tmp", uuid.NewString()))
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp mapping file: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp mapping file into place: %w", err)
	}
	return nil
}

func (m *Mapper) withLock(fn func() error) error {
	fl := flock.New(m.lockPath())
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("failed to acquire mapping lock: %w", err)
	}
	defer fl.Unlock()
	return fn()
}

// Allocate reserves the lowest free VMID >= floor for id and records
// bundle, returning the chosen VMID. Allocating an id a second time
// returns the previously allocated VMID without side effects (idempotent
// on the same id, matching create's "ensure id unused" check happening
// one layer up).
func (m *Mapper) Allocate(id, bundle string) (int, error) {
	var vmid int
	err := m.withLock(func() error {
		doc, err := m.load()
		if err != nil {
			return err
		}

		if e, ok := doc.Entries[id]; ok {
			vmid = e.VMID
			return nil
		}

		used := make(map[int]bool, len(doc.Entries))
		for _, e := range doc.Entries {
			used[e.VMID] = true
		}

		candidate := m.floor
		for used[candidate] {
			candidate++
			if candidate > MaxVMID {
				return errs.New(errs.KindResourceExhausted, "no free VMID in range [%d, %d]", m.floor, MaxVMID)
			}
		}

		doc.Entries[id] = entry{VMID: candidate, Bundle: bundle}
		if err := m.save(doc); err != nil {
			return err
		}
		vmid = candidate
		return nil
	})
	return vmid, err
}

// ResolveVMID returns the VMID allocated to id.
func (m *Mapper) ResolveVMID(id string) (int, error) {
	doc, err := m.load()
	if err != nil {
		return 0, err
	}
	e, ok := doc.Entries[id]
	if !ok {
		return 0, errs.New(errs.KindNotFound, "no VMID allocated for %q", id)
	}
	return e.VMID, nil
}

// ResolveID returns the id that owns vmid.
func (m *Mapper) ResolveID(vmid int) (string, error) {
	doc, err := m.load()
	if err != nil {
		return "", err
	}
	for id, e := range doc.Entries {
		if e.VMID == vmid {
			return id, nil
		}
	}
	return "", errs.New(errs.KindNotFound, "no container owns VMID %d", vmid)
}

// ResolveBundle returns the bundle path recorded at allocation time.
func (m *Mapper) ResolveBundle(id string) (string, error) {
	doc, err := m.load()
	if err != nil {
		return "", err
	}
	e, ok := doc.Entries[id]
	if !ok {
		return "", errs.New(errs.KindNotFound, "no mapping entry for %q", id)
	}
	return e.Bundle, nil
}

// Release removes id's mapping entry. It is idempotent: releasing an
// unmapped id is not an error.
func (m *Mapper) Release(id string) error {
	return m.withLock(func() error {
		doc, err := m.load()
		if err != nil {
			return err
		}
		delete(doc.Entries, id)
		return m.save(doc)
	})
}

// Pair is one (id, VMID) mapping entry, used by List for reconciliation.
type Pair struct {
	ID     string
	VMID   int
	Bundle string
}

// List returns every mapping entry sorted by VMID, for the `list` verb's
// orphan reconciliation pass (§3.3).
func (m *Mapper) List() ([]Pair, error) {
	doc, err := m.load()
	if err != nil {
		return nil, err
	}
	pairs := make([]Pair, 0, len(doc.Entries))
	for id, e := range doc.Entries {
		pairs = append(pairs, Pair{ID: id, VMID: e.VMID, Bundle: e.Bundle})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].VMID < pairs[j].VMID })
	return pairs, nil
}
