package syncjob

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepoPG creates a Postgres-backed Repository. Claim relies on a
// conditional UPDATE so concurrent claimers race on the row, not on
// application locks.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const jobColumns = `id, type, direction, priority, status, provider, connection_id,
	entity_type, entity_ids, all_or_nothing, attempt, max_attempts, next_run_at,
	result, errors, created_at, started_at, finished_at`

func (r *repoPG) Create(ctx context.Context, job *SyncJob) error {
	result, errs, err := marshalJobBlobs(job)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO sync_job (
			id, type, direction, priority, status, provider, connection_id,
			entity_type, entity_ids, all_or_nothing, attempt, max_attempts,
			next_run_at, result, errors, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		job.ID, job.Type, job.Direction, job.Priority, job.Status, job.Provider,
		job.ConnectionID, job.EntityType, job.EntityIDs, job.AllOrNothing,
		job.Attempt, job.MaxAttempts, job.NextRunAt, result, errs, job.CreatedAt,
	)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*SyncJob, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM sync_job WHERE id = $1`, id)
	job, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, ErrJobNotFound
	}
	return job, err
}

func (r *repoPG) Claim(ctx context.Context, id uuid.UUID, expect, next Status) (bool, error) {
	if !CanTransition(expect, next) {
		return false, nil
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE sync_job SET status = $1 WHERE id = $2 AND status = $3`,
		next, id, expect)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) Update(ctx context.Context, job *SyncJob) error {
	result, errs, err := marshalJobBlobs(job)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE sync_job SET
			priority = $1, attempt = $2, next_run_at = $3, result = $4,
			errors = $5, started_at = $6, finished_at = $7
		WHERE id = $8`,
		job.Priority, job.Attempt, job.NextRunAt, result,
		errs, job.StartedAt, job.FinishedAt, job.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, f ListFilter) ([]*SyncJob, error) {
	query := `SELECT ` + jobColumns + ` FROM sync_job`
	var (
		clauses []string
		args    []interface{}
	)
	addClause := func(cond string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		addClause("status = $%d", f.Status)
	}
	if f.Provider != "" {
		addClause("provider = $%d", f.Provider)
	}
	if f.ConnectionID != "" {
		addClause("connection_id = $%d", f.ConnectionID)
	}
	if f.EntityType != "" {
		addClause("entity_type = $%d", f.EntityType)
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (r *repoPG) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM sync_job GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[Status]int)
	for rows.Next() {
		var (
			status Status
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r *repoPG) Stale(ctx context.Context, before time.Time) ([]*SyncJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM sync_job
		WHERE status IN ($1, $2, $3) AND next_run_at <= $4
		ORDER BY created_at`,
		StatusQueued, StatusRunning, StatusRetrying, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJobs(rows)
}

func marshalJobBlobs(job *SyncJob) (result, errs []byte, err error) {
	if job.Result != nil {
		if result, err = json.Marshal(job.Result); err != nil {
			return nil, nil, err
		}
	}
	if len(job.Errors) > 0 {
		if errs, err = json.Marshal(job.Errors); err != nil {
			return nil, nil, err
		}
	}
	return result, errs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*SyncJob, error) {
	var (
		job          SyncJob
		result, errs []byte
	)
	if err := row.Scan(
		&job.ID, &job.Type, &job.Direction, &job.Priority, &job.Status,
		&job.Provider, &job.ConnectionID, &job.EntityType, &job.EntityIDs,
		&job.AllOrNothing, &job.Attempt, &job.MaxAttempts, &job.NextRunAt,
		&result, &errs, &job.CreatedAt, &job.StartedAt, &job.FinishedAt,
	); err != nil {
		return nil, err
	}
	if len(result) > 0 {
		job.Result = &Result{}
		if err := json.Unmarshal(result, job.Result); err != nil {
			return nil, err
		}
	}
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &job.Errors); err != nil {
			return nil, err
		}
	}
	return &job, nil
}

func scanJobs(rows pgx.Rows) ([]*SyncJob, error) {
	var jobs []*SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
