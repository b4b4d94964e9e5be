// Package tracker records job state transitions and progress for external
// observers. It is the single place callers read job status from.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"job-orchestrator/internal/models"
	"job-orchestrator/internal/telemetry"
)

// Store persists snapshots beyond the in-process cache.
type Store interface {
	SaveSnapshot(ctx context.Context, s models.Snapshot) error
	GetSnapshot(ctx context.Context, jobID string) (models.Snapshot, error)
	ListSnapshots(ctx context.Context, owner string) ([]models.Snapshot, error)
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Owner  string
	Status models.Status
}

// ListResult is the answer to a listing query.
type ListResult struct {
	Jobs   []models.Snapshot     `json:"jobs"`
	Counts map[models.Status]int `json:"counts_by_status"`
}

// Config tunes a Tracker.
type Config struct {
	// StoreTimeout bounds every store call.
	StoreTimeout time.Duration
	// HistoryLimit caps the per-job history kept in memory.
	HistoryLimit int
}

// Tracker keeps the latest snapshot of every live job in memory and writes
// each record through to a Store on a best-effort basis.
type Tracker struct {
	store  Store
	cfg    Config
	logger *slog.Logger

	mu      sync.RWMutex
	latest  map[string]models.Snapshot
	history map[string][]models.Snapshot
}

// New creates a tracker. store may be nil for a memory-only tracker.
func New(store Store, cfg Config, logger *slog.Logger) *Tracker {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 256
	}
	return &Tracker{
		store:   store,
		cfg:     cfg,
		logger:  logger.With("component", "status_tracker"),
		latest:  make(map[string]models.Snapshot),
		history: make(map[string][]models.Snapshot),
	}
}

// Record stores s as the most recent state of its job. A store failure is
// logged and counted; it never reaches the caller.
func (t *Tracker) Record(ctx context.Context, s models.Snapshot) {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}

	t.mu.Lock()
	t.latest[s.JobID] = s
	h := append(t.history[s.JobID], s)
	if len(h) > t.cfg.HistoryLimit {
		h = h[len(h)-t.cfg.HistoryLimit:]
	}
	t.history[s.JobID] = h
	t.mu.Unlock()

	if t.store == nil {
		return
	}
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.StoreTimeout)
	defer cancel()
	if err := t.store.SaveSnapshot(storeCtx, s); err != nil {
		telemetry.StatusRecordErrors.Inc()
		t.logger.Warn("status store write failed",
			"job_id", s.JobID,
			"status", s.Status,
			"error", err)
	}
}

// Get returns the latest snapshot for jobID, falling back to the store for
// jobs no longer cached.
func (t *Tracker) Get(ctx context.Context, jobID string) (models.Snapshot, error) {
	t.mu.RLock()
	s, ok := t.latest[jobID]
	t.mu.RUnlock()
	if ok {
		return s, nil
	}
	if t.store == nil {
		return models.Snapshot{}, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}

	storeCtx, cancel := context.WithTimeout(ctx, t.cfg.StoreTimeout)
	defer cancel()
	s, err := t.store.GetSnapshot(storeCtx, jobID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Snapshot{}, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
		}
		return models.Snapshot{}, fmt.Errorf("load job %s: %w", jobID, err)
	}
	return s, nil
}

// List returns the jobs matching f, newest first, with per-status counts of
// the owner-filtered set.
func (t *Tracker) List(ctx context.Context, f Filter) (ListResult, error) {
	merged := make(map[string]models.Snapshot)
	if t.store != nil {
		storeCtx, cancel := context.WithTimeout(ctx, t.cfg.StoreTimeout)
		stored, err := t.store.ListSnapshots(storeCtx, f.Owner)
		cancel()
		if err != nil {
			t.logger.Warn("status store list failed, serving cached jobs only", "error", err)
		}
		for _, s := range stored {
			merged[s.JobID] = s
		}
	}

	t.mu.RLock()
	for id, s := range t.latest {
		if f.Owner != "" && s.Owner != f.Owner {
			continue
		}
		merged[id] = s
	}
	t.mu.RUnlock()

	res := ListResult{Jobs: make([]models.Snapshot, 0, len(merged)), Counts: make(map[models.Status]int)}
	for _, s := range merged {
		res.Counts[s.Status]++
		if f.Status != "" && s.Status != f.Status {
			continue
		}
		res.Jobs = append(res.Jobs, s)
	}
	sort.Slice(res.Jobs, func(i, j int) bool {
		if res.Jobs[i].CreatedAt.Equal(res.Jobs[j].CreatedAt) {
			return res.Jobs[i].JobID < res.Jobs[j].JobID
		}
		return res.Jobs[i].CreatedAt.After(res.Jobs[j].CreatedAt)
	})
	return res, nil
}

// History returns the snapshots recorded for jobID, oldest first.
func (t *Tracker) History(jobID string) []models.Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.Snapshot, len(t.history[jobID]))
	copy(out, t.history[jobID])
	return out
}

// Forget drops jobID from the in-memory cache. Stored snapshots are kept.
func (t *Tracker) Forget(jobID string) {
	t.mu.Lock()
	delete(t.latest, jobID)
	delete(t.history, jobID)
	t.mu.Unlock()
}

// Persistent reports whether snapshots outlive this process's cache.
func (t *Tracker) Persistent() bool {
	return t.store != nil
}
