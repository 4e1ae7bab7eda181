// Package repository holds the in-memory set of tracked files. It is the
// single owner of that set (spec.md §4.1 Ownership): every other component
// holds transient snapshots obtained from its lookup calls.
//
// Grounded on dcp/fakestore.go's mutex-guarded map, generalized with the
// age-based eviction rule from spec.md §4.1 (the teacher's store has no
// analogous TTL sweep, since cloud-ingest's control plane owns retention).
package repository

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onpremsync/mxfagent/model"
)

// Repository stores TrackedFile records keyed by id.
type Repository struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*model.TrackedFile
}

// New returns an empty Repository.
func New() *Repository {
	return &Repository{records: make(map[uuid.UUID]*model.TrackedFile)}
}

// Add inserts record. It fails if record.ID is already present.
func (r *Repository) Add(record *model.TrackedFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[record.ID]; exists {
		return fmt.Errorf("repository: record %s already exists", record.ID)
	}
	r.records[record.ID] = record.Clone()
	return nil
}

// GetByID returns a snapshot of the record bound to id, if any.
func (r *Repository) GetByID(id uuid.UUID) (*model.TrackedFile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	record, ok := r.records[id]
	if !ok {
		return nil, false
	}
	return record.Clone(), true
}

// GetAll returns a stable snapshot of every record, usable without holding
// the repository lock.
func (r *Repository) GetAll() []*model.TrackedFile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.TrackedFile, 0, len(r.records))
	for _, record := range r.records {
		out = append(out, record.Clone())
	}
	return out
}

// Update replaces the record bound to record.ID. It fails if no record with
// that id exists (callers must Add first).
func (r *Repository) Update(record *model.TrackedFile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.records[record.ID]; !exists {
		return fmt.Errorf("repository: no record %s to update", record.ID)
	}
	r.records[record.ID] = record.Clone()
	return nil
}

// Evict removes the record bound to id. Used only by age-based cleanup.
func (r *Repository) Evict(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, id)
}

// GetActiveFileByPath returns the record for filePath whose status is active
// (spec.md §4.2 Active-record resolution), if one exists. Terminal records
// for the same path are ignored, preserving invariant I1.
func (r *Repository) GetActiveFileByPath(filePath string) (*model.TrackedFile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, record := range r.records {
		if record.FilePath == filePath && record.Status.IsActive() {
			return record.Clone(), true
		}
	}
	return nil, false
}

// EvictOlderThan removes terminal records whose CompletedAt (or, for FAILED
// / REMOVED records without one, DiscoveredAt) is older than cutoff, and
// caps the remaining terminal count at maxRetained by evicting the oldest
// first. It implements the "keep_completed_files_hours" /
// "max_completed_files_in_memory" retention policy (spec.md §6).
func (r *Repository) EvictOlderThan(cutoff time.Time, maxRetained int) (evicted int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	type aged struct {
		id  uuid.UUID
		age time.Time
	}
	var terminal []aged
	for id, record := range r.records {
		if !record.Status.IsTerminal() {
			continue
		}
		ts := record.DiscoveredAt
		if record.CompletedAt != nil {
			ts = *record.CompletedAt
		}
		if ts.Before(cutoff) {
			delete(r.records, id)
			evicted++
			continue
		}
		terminal = append(terminal, aged{id: id, age: ts})
	}

	if maxRetained <= 0 || len(terminal) <= maxRetained {
		return evicted
	}
	for i := 0; i < len(terminal); i++ {
		for j := i + 1; j < len(terminal); j++ {
			if terminal[j].age.Before(terminal[i].age) {
				terminal[i], terminal[j] = terminal[j], terminal[i]
			}
		}
	}
	excess := len(terminal) - maxRetained
	for i := 0; i < excess; i++ {
		delete(r.records, terminal[i].id)
		evicted++
	}
	return evicted
}

// Len reports the current record count, for tests and stats.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
