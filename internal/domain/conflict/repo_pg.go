package conflict

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewRepoPG creates a Postgres-backed conflict Repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const conflictColumns = `id, entity_type, entity_id, field, local_value, remote_value,
	local_version, remote_version, local_modified, remote_modified,
	kind, severity, strategy, resolved_value, resolved, resolved_by, resolved_at,
	archived, note, created_at`

func (r *repoPG) Create(ctx context.Context, c *Conflict) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	localVal, err := json.Marshal(c.LocalValue)
	if err != nil {
		return err
	}
	remoteVal, err := json.Marshal(c.RemoteValue)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO conflict (
			id, entity_type, entity_id, field, local_value, remote_value,
			local_version, remote_version, local_modified, remote_modified,
			kind, severity, strategy, resolved, archived, note, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		c.ID, c.EntityType, c.EntityID, c.Field, localVal, remoteVal,
		c.LocalVersion, c.RemoteVersion, c.LocalModified, c.RemoteModified,
		c.Kind, c.Severity, c.Strategy, c.Resolved, c.Archived, c.Note, c.CreatedAt,
	)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Conflict, error) {
	return scanConflict(r.pool.QueryRow(ctx,
		`SELECT `+conflictColumns+` FROM conflict WHERE id = $1`, id))
}

func (r *repoPG) Update(ctx context.Context, c *Conflict) error {
	resolvedVal, err := json.Marshal(c.ResolvedValue)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE conflict SET
			strategy = $2, resolved_value = $3, resolved = $4,
			resolved_by = $5, resolved_at = $6, note = $7
		WHERE id = $1 AND archived = FALSE`,
		c.ID, c.Strategy, resolvedVal, c.Resolved, c.ResolvedBy, c.ResolvedAt, c.Note,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conflict %s not found or archived", c.ID)
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Conflict, int, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflict WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM conflict WHERE 1=1`
	var args []interface{}
	idx := 1

	addClause := func(clause string, arg interface{}) {
		c := fmt.Sprintf(clause, idx)
		query += c
		countQuery += c
		args = append(args, arg)
		idx++
	}

	if filter.EntityID != "" {
		addClause(` AND entity_id = $%d`, filter.EntityID)
	}
	if filter.Severity != "" {
		addClause(` AND severity = $%d`, filter.Severity)
	}
	if filter.Resolved != nil {
		addClause(` AND resolved = $%d`, *filter.Resolved)
	}
	if filter.Archived != nil {
		addClause(` AND archived = $%d`, *filter.Archived)
	}

	var total int
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, 0, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, total, rows.Err()
}

func (r *repoPG) Archive(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE conflict SET archived = TRUE WHERE id = $1 AND resolved = TRUE`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conflict %s not found or not resolved", id)
	}
	return nil
}

func (r *repoPG) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM conflict WHERE resolved = FALSE AND archived = FALSE`).Scan(&n)
	return n, err
}

func scanConflict(row pgx.Row) (*Conflict, error) {
	var c Conflict
	var localVal, remoteVal, resolvedVal []byte
	err := row.Scan(
		&c.ID, &c.EntityType, &c.EntityID, &c.Field, &localVal, &remoteVal,
		&c.LocalVersion, &c.RemoteVersion, &c.LocalModified, &c.RemoteModified,
		&c.Kind, &c.Severity, &c.Strategy, &resolvedVal, &c.Resolved, &c.ResolvedBy, &c.ResolvedAt,
		&c.Archived, &c.Note, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(localVal) > 0 {
		if err := json.Unmarshal(localVal, &c.LocalValue); err != nil {
			return nil, err
		}
	}
	if len(remoteVal) > 0 {
		if err := json.Unmarshal(remoteVal, &c.RemoteValue); err != nil {
			return nil, err
		}
	}
	if len(resolvedVal) > 0 {
		if err := json.Unmarshal(resolvedVal, &c.ResolvedValue); err != nil {
			return nil, err
		}
	}
	return &c, nil
}
