package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"job-orchestrator/internal/models"
)

// listLimit caps how many rows a listing reads.
const listLimit = 1000

// Store wraps pgxpool for Postgres persistence of job snapshots, audit
// events and idempotency keys.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// SaveSnapshot upserts the job row. An older snapshot never overwrites a
// newer one.
func (s *Store) SaveSnapshot(ctx context.Context, snap models.Snapshot) error {
	errJSON, resultJSON, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, task_type, owner, idempotency_key, priority, status, progress, current_step,
			attempt_count, error, result, created_at, started_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = EXCLUDED.progress,
			current_step = EXCLUDED.current_step,
			attempt_count = EXCLUDED.attempt_count,
			error = EXCLUDED.error,
			result = EXCLUDED.result,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at
		WHERE jobs.updated_at <= EXCLUDED.updated_at
	`, snap.JobID, string(snap.TaskType), snap.Owner, snap.IdempotencyKey, snap.Priority, string(snap.Status),
		snap.Progress, snap.CurrentStep, snap.AttemptCount, errJSON, resultJSON,
		snap.CreatedAt, snap.StartedAt, snap.CompletedAt, snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", snap.JobID, err)
	}
	return nil
}

const snapshotColumns = `id, task_type, owner, idempotency_key, priority, status, progress, current_step,
	attempt_count, error, result, created_at, started_at, completed_at, updated_at`

// GetSnapshot fetches a job by id.
func (s *Store) GetSnapshot(ctx context.Context, jobID string) (models.Snapshot, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+snapshotColumns+` FROM jobs WHERE id = $1`, jobID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Snapshot{}, fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	if err != nil {
		return models.Snapshot{}, err
	}
	return snap, nil
}

// ListSnapshots returns the newest jobs, restricted to owner when set.
func (s *Store) ListSnapshots(ctx context.Context, owner string) ([]models.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+snapshotColumns+` FROM jobs
		WHERE ($1 = '' OR owner = $1)
		ORDER BY created_at DESC
		LIMIT $2
	`, owner, listLimit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// AppendAudit inserts an audit row.
func (s *Store) AppendAudit(ctx context.Context, entry models.AuditLog) error {
	ts := entry.Recorded
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, $4)
	`, entry.JobID, entry.Event, entry.Detail, ts)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// AuditTrail returns a job's audit rows, oldest first.
func (s *Store) AuditTrail(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = $1 ORDER BY ts, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.JobID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanSnapshot(row pgx.Row) (models.Snapshot, error) {
	var (
		snap       models.Snapshot
		taskType   string
		status     string
		errJSON    []byte
		resultJSON []byte
	)
	if err := row.Scan(&snap.JobID, &taskType, &snap.Owner, &snap.IdempotencyKey, &snap.Priority, &status,
		&snap.Progress, &snap.CurrentStep, &snap.AttemptCount, &errJSON, &resultJSON,
		&snap.CreatedAt, &snap.StartedAt, &snap.CompletedAt, &snap.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Snapshot{}, err
		}
		return models.Snapshot{}, fmt.Errorf("scan job: %w", err)
	}
	snap.TaskType = models.TaskType(taskType)
	snap.Status = models.Status(status)
	if err := decodeSnapshot(&snap, errJSON, resultJSON); err != nil {
		return models.Snapshot{}, fmt.Errorf("job %s: %w", snap.JobID, err)
	}
	return snap, nil
}

// encodeSnapshot renders the JSONB columns. Absent values become NULL.
func encodeSnapshot(snap models.Snapshot) (errJSON, resultJSON []byte, err error) {
	if snap.Error != nil {
		if errJSON, err = json.Marshal(snap.Error); err != nil {
			return nil, nil, fmt.Errorf("marshal error: %w", err)
		}
	}
	if snap.Result != nil {
		if resultJSON, err = json.Marshal(snap.Result); err != nil {
			return nil, nil, fmt.Errorf("marshal result: %w", err)
		}
	}
	return errJSON, resultJSON, nil
}

func decodeSnapshot(snap *models.Snapshot, errJSON, resultJSON []byte) error {
	if len(errJSON) > 0 {
		var je models.JobError
		if err := json.Unmarshal(errJSON, &je); err != nil {
			return fmt.Errorf("unmarshal error: %w", err)
		}
		snap.Error = &je
	}
	if len(resultJSON) > 0 {
		var result any
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
		snap.Result = result
	}
	return nil
}
