package pg

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"twingrid.org/internal/policy"
)

var _ policy.Store = (*Store)(nil)

func (s *Store) CreatePolicy(ctx context.Context, p *policy.Policy, actions []policy.Action) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into core_policy(id, model_id, name, description, version, created_by, created_at)
		values ($1,$2,$3,$4,$5,$6,now())
	`, p.ID, p.ModelID, p.Name, p.Description, p.Version, p.CreatedBy); err != nil {
		return err
	}
	for _, a := range actions {
		if _, err := tx.ExecContext(ctx, `
			insert into core_policy_action(id, policy_id, endpoint, verb, count, reset_frequency)
			values ($1,$2,$3,$4,$5,$6)
		`, a.ID, a.PolicyID, a.Endpoint, a.Verb, a.Count, a.ResetFrequency); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) LatestByModel(ctx context.Context, modelID uuid.UUID) (*policy.Policy, []policy.Action, error) {
	var p policy.Policy
	err := s.db.QueryRowContext(ctx, `
		select id, model_id, name, description, version, created_by, created_at
		from core_policy
		where model_id=$1
		order by version desc
		limit 1
	`, modelID).Scan(&p.ID, &p.ModelID, &p.Name, &p.Description, &p.Version, &p.CreatedBy, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, policy.ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		select id, policy_id, endpoint, verb, count, reset_frequency
		from core_policy_action
		where policy_id=$1
		order by endpoint
	`, p.ID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var actions []policy.Action
	for rows.Next() {
		var a policy.Action
		if err := rows.Scan(&a.ID, &a.PolicyID, &a.Endpoint, &a.Verb, &a.Count, &a.ResetFrequency); err != nil {
			return nil, nil, err
		}
		actions = append(actions, a)
	}
	return &p, actions, rows.Err()
}

func (s *Store) ListByModel(ctx context.Context, modelID uuid.UUID) ([]*policy.Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, model_id, name, description, version, created_by, created_at
		from core_policy
		where model_id=$1
		order by version desc
	`, modelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*policy.Policy
	for rows.Next() {
		var p policy.Policy
		if err := rows.Scan(&p.ID, &p.ModelID, &p.Name, &p.Description, &p.Version, &p.CreatedBy, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *Store) ActionByEndpoint(ctx context.Context, policyID uuid.UUID, endpoint string) (*policy.Action, error) {
	var a policy.Action
	err := s.db.QueryRowContext(ctx, `
		select id, policy_id, endpoint, verb, count, reset_frequency
		from core_policy_action
		where policy_id=$1 and endpoint=$2
	`, policyID, endpoint).Scan(&a.ID, &a.PolicyID, &a.Endpoint, &a.Verb, &a.Count, &a.ResetFrequency)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, policy.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}
