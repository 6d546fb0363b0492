package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/paw-chain/mosaic/x/jobs/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_archive (
	id          TEXT PRIMARY KEY,
	payer       TEXT NOT NULL,
	worker      TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	model_id    TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	archived_at TIMESTAMPTZ NOT NULL,
	record      JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS job_archive_payer_idx ON job_archive (payer, created_at);
`

// PostgresStore archives jobs in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to connString and creates the schema.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Put implements Store.
func (s *PostgresStore) Put(ctx context.Context, job *types.Job) error {
	record, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	query := `
		INSERT INTO job_archive (id, payer, worker, status, model_id, created_at, archived_at, record)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			worker = EXCLUDED.worker,
			status = EXCLUDED.status,
			archived_at = EXCLUDED.archived_at,
			record = EXCLUDED.record
	`
	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.Payer,
		job.Worker(),
		string(job.Status()),
		job.ModelID,
		job.CreatedAt.UTC(),
		time.Now().UTC(),
		record,
	)
	if err != nil {
		return fmt.Errorf("failed to archive job %s: %w", job.ID, err)
	}
	return nil
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, jobID string) (*types.Job, error) {
	var record []byte
	err := s.db.QueryRowContext(ctx, `SELECT record FROM job_archive WHERE id = $1`, jobID).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrJobNotFound.Wrapf("%s not archived", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job %s: %w", jobID, err)
	}
	var job types.Job
	if err := json.Unmarshal(record, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}

// ListByPayer implements Store.
func (s *PostgresStore) ListByPayer(ctx context.Context, payer string, limit int) ([]*types.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM job_archive WHERE payer = $1 ORDER BY created_at ASC LIMIT $2`,
		payer, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive: %w", err)
	}
	defer rows.Close()

	var out []*types.Job
	for rows.Next() {
		var record []byte
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("failed to scan archive row: %w", err)
		}
		var job types.Job
		if err := json.Unmarshal(record, &job); err != nil {
			return nil, fmt.Errorf("failed to unmarshal archived job: %w", err)
		}
		out = append(out, &job)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
