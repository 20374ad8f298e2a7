package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type recordStorePG struct {
	pool *pgxpool.Pool
}

// NewRecordStorePG creates a Postgres-backed RecordStore. Commit runs a
// read-modify-write inside one transaction with a row lock on the
// entity, so concurrent jobs for the same entity serialize at the store
// even if the orchestrator's entity lock is bypassed.
func NewRecordStorePG(pool *pgxpool.Pool) RecordStore {
	return &recordStorePG{pool: pool}
}

func (s *recordStorePG) Get(ctx context.Context, et EntityType, entityID string) (*CanonicalRecord, error) {
	return scanRecord(s.pool.QueryRow(ctx, `
		SELECT id, entity_type, entity_id, version, last_modified, data, external_ids, field_modified, deleted
		FROM canonical_record WHERE entity_type = $1 AND entity_id = $2`, et, entityID))
}

func (s *recordStorePG) Commit(ctx context.Context, rec *CanonicalRecord, expectedVersion int) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return err
	}
	extIDs, err := json.Marshal(rec.ExternalIDs)
	if err != nil {
		return err
	}
	fieldMod, err := json.Marshal(rec.FieldModified)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var stored int
	err = tx.QueryRow(ctx, `
		SELECT version FROM canonical_record
		WHERE entity_type = $1 AND entity_id = $2 FOR UPDATE`,
		rec.EntityType, rec.EntityID).Scan(&stored)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if expectedVersion != 0 {
			return fmt.Errorf("%w: no stored record but expected version %d", ErrVersionConflict, expectedVersion)
		}
		if rec.ID == uuid.Nil {
			rec.ID = uuid.New()
		}
		rec.Version = 1
		_, err = tx.Exec(ctx, `
			INSERT INTO canonical_record (id, entity_type, entity_id, version, last_modified, data, external_ids, field_modified, deleted)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			rec.ID, rec.EntityType, rec.EntityID, rec.Version, rec.LastModified, data, extIDs, fieldMod, rec.Deleted)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		if stored != expectedVersion {
			return fmt.Errorf("%w: stored version %d, expected %d", ErrVersionConflict, stored, expectedVersion)
		}
		if rec.Version <= expectedVersion {
			rec.Version = expectedVersion + 1
		}
		_, err = tx.Exec(ctx, `
			UPDATE canonical_record SET
				version = $3, last_modified = $4, data = $5, external_ids = $6, field_modified = $7, deleted = $8
			WHERE entity_type = $1 AND entity_id = $2`,
			rec.EntityType, rec.EntityID, rec.Version, rec.LastModified, data, extIDs, fieldMod, rec.Deleted)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func scanRecord(row pgx.Row) (*CanonicalRecord, error) {
	var rec CanonicalRecord
	var data, extIDs, fieldMod []byte
	err := row.Scan(&rec.ID, &rec.EntityType, &rec.EntityID, &rec.Version, &rec.LastModified,
		&data, &extIDs, &fieldMod, &rec.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &rec.Data); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(extIDs, &rec.ExternalIDs); err != nil {
		return nil, err
	}
	if len(fieldMod) > 0 && string(fieldMod) != "null" {
		if err := json.Unmarshal(fieldMod, &rec.FieldModified); err != nil {
			return nil, err
		}
	}
	return &rec, nil
}
