package pg

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"twingrid.org/internal/twin"
)

var (
	_ twin.Store       = (*Store)(nil)
	_ twin.ModelSource = (*Store)(nil)
)

func (s *Store) PublishedModel(ctx context.Context, modelID uuid.UUID) (*twin.ModelSnapshot, error) {
	var m twin.ModelSnapshot
	err := s.db.QueryRowContext(ctx, `
		select id, name, owner_id, kind, enable_data_sharing
		from core_model
		where id=$1 and published
	`, modelID).Scan(&m.ID, &m.Name, &m.OwnerID, &m.Kind, &m.EnableDataSharing)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, twin.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		select name, image_source, exposed, container_port, alias
		from core_model_component
		where model_id=$1
		order by name
	`, modelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var c twin.ComponentTemplate
		if err := rows.Scan(&c.Name, &c.ImageSource, &c.Exposed, &c.ContainerPort, &c.Alias); err != nil {
			return nil, err
		}
		m.Components = append(m.Components, c)
	}
	return &m, rows.Err()
}

func (s *Store) ModelOwner(ctx context.Context, modelID uuid.UUID) (uuid.UUID, error) {
	var ownerID uuid.UUID
	err := s.db.QueryRowContext(ctx, `
		select owner_id from core_model where id=$1
	`, modelID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, twin.ErrNotFound
	}
	if err != nil {
		return uuid.Nil, err
	}
	return ownerID, nil
}

func (s *Store) CreateTwin(ctx context.Context, t *twin.Twin, comps []twin.Component) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		insert into core_twin(id, name, model_id, owner_id, policy_id, kind, status, network_name, port, enable_data_sharing, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now(),now())
	`, t.ID, t.Name, t.ModelID, t.OwnerID, t.PolicyID, t.Kind, t.Status, t.NetworkName, t.Port, t.EnableDataSharing); err != nil {
		return err
	}
	for _, c := range comps {
		if _, err := tx.ExecContext(ctx, `
			insert into core_twin_component(id, twin_id, name, image_source, exposed, container_port, alias, container_name, host_port, created_at, updated_at)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9,now(),now())
		`, c.ID, c.TwinID, c.Name, c.ImageSource, c.Exposed, c.ContainerPort, c.Alias, c.ContainerName, c.HostPort); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) FindTwin(ctx context.Context, twinID, ownerID uuid.UUID) (*twin.Twin, []twin.Component, error) {
	var t twin.Twin
	err := s.db.QueryRowContext(ctx, `
		select id, name, model_id, owner_id, policy_id, kind, status, network_name, port, enable_data_sharing, created_at, updated_at
		from core_twin
		where id=$1 and owner_id=$2 and deleted_at is null
	`, twinID, ownerID).Scan(&t.ID, &t.Name, &t.ModelID, &t.OwnerID, &t.PolicyID, &t.Kind, &t.Status, &t.NetworkName, &t.Port, &t.EnableDataSharing, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, twin.ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		select id, twin_id, name, image_source, exposed, container_port, alias, container_name, host_port, created_at, updated_at
		from core_twin_component
		where twin_id=$1 and deleted_at is null
		order by name
	`, twinID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var comps []twin.Component
	for rows.Next() {
		var c twin.Component
		if err := rows.Scan(&c.ID, &c.TwinID, &c.Name, &c.ImageSource, &c.Exposed, &c.ContainerPort, &c.Alias, &c.ContainerName, &c.HostPort, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, nil, err
		}
		comps = append(comps, c)
	}
	return &t, comps, rows.Err()
}

func (s *Store) ListTwins(ctx context.Context, ownerID uuid.UUID) ([]*twin.Twin, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, model_id, owner_id, policy_id, kind, status, network_name, port, enable_data_sharing, created_at, updated_at
		from core_twin
		where owner_id=$1 and deleted_at is null
		order by created_at desc
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*twin.Twin
	for rows.Next() {
		var t twin.Twin
		if err := rows.Scan(&t.ID, &t.Name, &t.ModelID, &t.OwnerID, &t.PolicyID, &t.Kind, &t.Status, &t.NetworkName, &t.Port, &t.EnableDataSharing, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateStatus(ctx context.Context, twinID uuid.UUID, status twin.Status) error {
	res, err := s.db.ExecContext(ctx, `
		update core_twin set status=$2, updated_at=now()
		where id=$1 and deleted_at is null
	`, twinID, status)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) SavePlacement(ctx context.Context, componentID uuid.UUID, containerName string, hostPort *int) error {
	res, err := s.db.ExecContext(ctx, `
		update core_twin_component set container_name=$2, host_port=$3, updated_at=now()
		where id=$1
	`, componentID, containerName, hostPort)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) MarkProvisioned(ctx context.Context, twinID uuid.UUID, networkName string, port *int, status twin.Status) error {
	res, err := s.db.ExecContext(ctx, `
		update core_twin
		set network_name=$2, port=coalesce($3, port), status=$4, updated_at=now()
		where id=$1 and deleted_at is null
	`, twinID, networkName, port, status)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) SoftDelete(ctx context.Context, twinID, actorID uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update core_twin
		set status=$2, deleted_at=now(), deleted_by=$3, updated_at=now()
		where id=$1 and deleted_at is null
	`, twinID, twin.StatusDeleted, actorID)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		update core_twin_component set deleted_at=now(), updated_at=now()
		where twin_id=$1 and deleted_at is null
	`, twinID); err != nil {
		return err
	}
	return tx.Commit()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return twin.ErrNotFound
	}
	return nil
}
