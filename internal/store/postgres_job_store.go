package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/backdrop/internal/domain"
	"github.com/dunamismax/backdrop/internal/fit"
	_ "github.com/lib/pq"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	source_type TEXT NOT NULL,
	webhook_url TEXT NOT NULL DEFAULT '',
	frame_width INTEGER NOT NULL,
	frame_height INTEGER NOT NULL,
	backdrops JSONB NOT NULL,
	object_key TEXT NOT NULL,
	cutout_key TEXT NOT NULL DEFAULT '',
	placement JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_logs (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	job_id TEXT NOT NULL,
	composites INTEGER NOT NULL,
	pixels_rendered BIGINT NOT NULL,
	removal_calls INTEGER NOT NULL,
	compute_time_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS usage_logs_user_id_created_at_idx ON usage_logs (user_id, created_at);
`

const selectJobSQL = `SELECT id, user_id, status, source_type, webhook_url, frame_width, frame_height,
	backdrops, object_key, cutout_key, placement, created_at, updated_at
 FROM jobs
 WHERE id = $1`

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresJobStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	backdropsJSON, err := json.Marshal(job.Backdrops)
	if err != nil {
		return fmt.Errorf("marshal job backdrops: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (id, user_id, status, source_type, webhook_url, frame_width, frame_height, backdrops, object_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID,
		job.UserID,
		job.Status,
		job.SourceType,
		job.WebhookURL,
		job.Frame.Width,
		job.Frame.Height,
		backdropsJSON,
		job.ObjectKey,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, selectJobSQL, id)

	var (
		job           domain.Job
		backdropsJSON []byte
		placementJSON []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.Status,
		&job.SourceType,
		&job.WebhookURL,
		&job.Frame.Width,
		&job.Frame.Height,
		&backdropsJSON,
		&job.ObjectKey,
		&job.CutoutKey,
		&placementJSON,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}

	if err := json.Unmarshal(backdropsJSON, &job.Backdrops); err != nil {
		return domain.Job{}, false, fmt.Errorf("unmarshal job backdrops: %w", err)
	}
	if len(placementJSON) > 0 {
		var placement fit.Placement
		if err := json.Unmarshal(placementJSON, &placement); err != nil {
			return domain.Job{}, false, fmt.Errorf("unmarshal job placement: %w", err)
		}
		job.Placement = &placement
	}

	return job, true, nil
}

func (s *PostgresJobStore) UpdateStatus(ctx context.Context, id, status string) (domain.Job, error) {
	return s.updateAndGet(ctx, id,
		`UPDATE jobs
		 SET status = $1, updated_at = $2
		 WHERE id = $3`,
		status,
	)
}

func (s *PostgresJobStore) UpdateResult(ctx context.Context, id, cutoutKey string, frame fit.Frame, placement fit.Placement) (domain.Job, error) {
	placementJSON, err := json.Marshal(placement)
	if err != nil {
		return domain.Job{}, fmt.Errorf("marshal job placement: %w", err)
	}
	return s.updateAndGet(ctx, id,
		`UPDATE jobs
		 SET cutout_key = $1, frame_width = $2, frame_height = $3, placement = $4, updated_at = $5
		 WHERE id = $6`,
		cutoutKey,
		frame.Width,
		frame.Height,
		placementJSON,
	)
}

// updateAndGet runs query with args followed by updated_at and id.
func (s *PostgresJobStore) updateAndGet(ctx context.Context, id, query string, args ...any) (domain.Job, error) {
	args = append(args, time.Now().UTC(), id)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.Job{}, ErrJobNotFound
	}

	job, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	return job, nil
}

func (s *PostgresJobStore) CreateUsageLog(ctx context.Context, usage domain.UsageLog) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO usage_logs (user_id, job_id, composites, pixels_rendered, removal_calls, compute_time_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		usage.UserID,
		usage.JobID,
		usage.Composites,
		usage.PixelsRendered,
		usage.RemovalCalls,
		usage.ComputeTimeMS,
		usage.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	return nil
}
