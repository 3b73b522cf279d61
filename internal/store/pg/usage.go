package pg

import (
	"context"

	"github.com/google/uuid"

	"twingrid.org/internal/usage"
)

var _ usage.Store = (*Store)(nil)

func (s *Store) Append(ctx context.Context, r *usage.Record) error {
	_, err := s.db.ExecContext(ctx, `
		insert into core_usage_record(id, model_id, twin_id, user_id, endpoint, input_data, output_response, status, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,now())
	`, r.ID, r.ModelID, r.TwinID, r.UserID, r.Endpoint, r.Input, r.Output, r.Status)
	return err
}

func (s *Store) ListByModel(ctx context.Context, modelID uuid.UUID, limit int) ([]*usage.Record, error) {
	query := `
		select id, model_id, twin_id, user_id, endpoint, input_data, output_response, status, created_at
		from core_usage_record
		where model_id=$1
		order by created_at desc
	`
	args := []any{modelID}
	if limit > 0 {
		query += ` limit $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*usage.Record
	for rows.Next() {
		var r usage.Record
		if err := rows.Scan(&r.ID, &r.ModelID, &r.TwinID, &r.UserID, &r.Endpoint, &r.Input, &r.Output, &r.Status, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
