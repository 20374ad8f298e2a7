package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepoPG creates a Postgres-backed Repository. The webhook_event
// table carries a unique index on (provider, vendor_event_id).
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const eventColumns = `id, provider, vendor_event_id, event_type, entity_id,
	payload, signature, status, dispatched_job_id, error, received_at`

func (r *repoPG) Create(ctx context.Context, e *Event) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO webhook_event (
			id, provider, vendor_event_id, event_type, entity_id,
			payload, signature, status, dispatched_job_id, error, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.Provider, e.VendorEventID, e.EventType, e.EntityID,
		e.Payload, e.Signature, e.Status, e.DispatchedJobID, e.Error, e.ReceivedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateEvent
	}
	return err
}

func (r *repoPG) Update(ctx context.Context, e *Event) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE webhook_event SET status = $1, dispatched_job_id = $2, error = $3
		WHERE id = $4`,
		e.Status, e.DispatchedJobID, e.Error, e.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Event, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM webhook_event WHERE id = $1`, id)
	return scanEvent(row)
}

func (r *repoPG) FindByVendorEvent(ctx context.Context, provider, vendorEventID string) (*Event, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM webhook_event
		 WHERE provider = $1 AND vendor_event_id = $2`, provider, vendorEventID)
	return scanEvent(row)
}

func (r *repoPG) List(ctx context.Context, provider string, limit, offset int) ([]*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM webhook_event`
	var args []interface{}
	if provider != "" {
		args = append(args, provider)
		query += ` WHERE provider = $1`
	}
	query += ` ORDER BY received_at DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	err := row.Scan(
		&e.ID, &e.Provider, &e.VendorEventID, &e.EventType, &e.EntityID,
		&e.Payload, &e.Signature, &e.Status, &e.DispatchedJobID, &e.Error, &e.ReceivedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
