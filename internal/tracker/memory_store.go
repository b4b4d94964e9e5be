package tracker

import (
	"context"
	"fmt"
	"sync"

	"job-orchestrator/internal/models"
)

// MemoryStore keeps snapshots for the lifetime of the process, including jobs
// the tracker has already forgotten.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]models.Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]models.Snapshot)}
}

func (m *MemoryStore) SaveSnapshot(_ context.Context, s models.Snapshot) error {
	m.mu.Lock()
	m.snaps[s.JobID] = s
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) GetSnapshot(_ context.Context, jobID string) (models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snaps[jobID]
	if !ok {
		return models.Snapshot{}, fmt.Errorf("snapshot %s: %w", jobID, models.ErrNotFound)
	}
	return s, nil
}

func (m *MemoryStore) ListSnapshots(_ context.Context, owner string) ([]models.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Snapshot, 0, len(m.snaps))
	for _, s := range m.snaps {
		if owner != "" && s.Owner != owner {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
