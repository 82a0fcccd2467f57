package ledger

import (
	"context"
	"sort"
	"sync"
)

type recordKey struct{ tenant, issue string }

// MemoryStore is an in-process Store for tests and ephemeral runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[recordKey]Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[recordKey]Record)}
}

// Exists implements Store.
func (m *MemoryStore) Exists(_ context.Context, tenantKey, issueID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[recordKey{tenantKey, issueID}]
	return ok, nil
}

// Insert implements Store.
func (m *MemoryStore) Insert(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := recordKey{rec.TenantKey, rec.IssueID}
	if _, ok := m.records[k]; ok {
		return ErrAlreadyRecorded
	}
	m.records[k] = rec
	return nil
}

// List implements Store.
func (m *MemoryStore) List(_ context.Context, tenantKey string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for k, rec := range m.records {
		if k.tenant == tenantKey {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].IssueID < out[j].IssueID
		}
		return out[i].RecordedAt.Before(out[j].RecordedAt)
	})
	return out, nil
}
