package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mindgoner/propagator/pkg/record"
)

// MemoryStore keeps records in process memory. It backs tests and
// throwaway nodes; nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*record.Record
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*record.Record), now: time.Now}
}

func (m *MemoryStore) Upsert(_ context.Context, rec *record.Record) (UpsertResult, error) {
	if err := validate(rec); err != nil {
		return Unchanged, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := record.Stamp(m.now())
	existing, ok := m.records[rec.ID]
	if ok && record.SameContent(existing, rec) {
		return Unchanged, nil
	}

	stored := rec.Clone()
	stored.UpdatedAt = now
	stored.CreatedAt = now
	result := Inserted
	if ok {
		stored.CreatedAt = existing.CreatedAt
		result = Updated
	}
	m.records[rec.ID] = stored

	rec.CreatedAt = stored.CreatedAt
	rec.UpdatedAt = stored.UpdatedAt
	return result, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*record.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (m *MemoryStore) QueryAfter(_ context.Context, since time.Time) ([]*record.Record, error) {
	m.mu.RLock()
	result := []*record.Record{}
	for _, rec := range m.records {
		if rec.ReceivedAt.After(since) {
			result = append(result, rec.Clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].ReceivedAt.Equal(result[j].ReceivedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].ReceivedAt.Before(result[j].ReceivedAt)
	})
	return result, nil
}

func (m *MemoryStore) MaxReceivedAt(_ context.Context) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest time.Time
	found := false
	for _, rec := range m.records {
		if !found || rec.ReceivedAt.After(latest) {
			latest = rec.ReceivedAt
			found = true
		}
	}
	return latest, found, nil
}

// Len reports the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func (m *MemoryStore) Close() error { return nil }
