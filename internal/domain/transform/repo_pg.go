package transform

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type ruleRepoPG struct {
	pool *pgxpool.Pool
}

// NewRuleRepoPG creates a Postgres-backed RuleRepository.
func NewRuleRepoPG(pool *pgxpool.Pool) RuleRepository {
	return &ruleRepoPG{pool: pool}
}

const ruleColumns = `id, provider, entity_type, kind, source_field, source_fields,
	target_field, target_fields, params, required, default_value, created_at`

func (r *ruleRepoPG) Create(ctx context.Context, rule *Rule) error {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	params, err := json.Marshal(rule.Params)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO transformation_rule (
			id, provider, entity_type, kind, source_field, source_fields,
			target_field, target_fields, params, required, default_value
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rule.ID, rule.Provider, rule.EntityType, rule.Kind, rule.SourceField, rule.SourceFields,
		rule.TargetField, rule.TargetFields, params, rule.Required, rule.DefaultValue,
	)
	return err
}

func (r *ruleRepoPG) ListByProvider(ctx context.Context, provider string) ([]Rule, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+ruleColumns+` FROM transformation_rule WHERE provider = $1 ORDER BY created_at`, provider)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRules(rows)
}

func (r *ruleRepoPG) ListAll(ctx context.Context) ([]Rule, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+ruleColumns+` FROM transformation_rule ORDER BY provider, created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRules(rows)
}

func scanRules(rows pgx.Rows) ([]Rule, error) {
	var rules []Rule
	for rows.Next() {
		var rule Rule
		var params []byte
		if err := rows.Scan(
			&rule.ID, &rule.Provider, &rule.EntityType, &rule.Kind,
			&rule.SourceField, &rule.SourceFields,
			&rule.TargetField, &rule.TargetFields,
			&params, &rule.Required, &rule.DefaultValue, &rule.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &rule.Params); err != nil {
				return nil, err
			}
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}
