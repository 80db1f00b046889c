package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/wxbridge/store"
)

func (d *DB) CreateInstance(ctx context.Context, create *store.Instance) (*store.Instance, error) {
	now := time.Now().Unix()
	if create.CreatedTs == 0 {
		create.CreatedTs = now
	}
	create.UpdatedTs = now

	stmt := `INSERT INTO instance (id, name, base_url, api_key, enabled, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := d.db.ExecContext(ctx, stmt,
		create.ID, create.Name, create.BaseURL, create.APIKey, create.Enabled, create.CreatedTs, create.UpdatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to create instance")
	}
	return create, nil
}

func (d *DB) ListInstances(ctx context.Context, find *store.FindInstance) ([]*store.Instance, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.Enabled != nil {
		where, args = append(where, "enabled = ?"), append(args, *find.Enabled)
	}

	query := `SELECT id, name, base_url, api_key, enabled, created_ts, updated_ts
		FROM instance WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_ts ASC`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list instances")
	}
	defer rows.Close()

	list := make([]*store.Instance, 0)
	for rows.Next() {
		inst := &store.Instance{}
		if err := rows.Scan(&inst.ID, &inst.Name, &inst.BaseURL, &inst.APIKey, &inst.Enabled, &inst.CreatedTs, &inst.UpdatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan instance")
		}
		list = append(list, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate instances")
	}
	return list, nil
}

func (d *DB) UpdateInstance(ctx context.Context, update *store.UpdateInstance) (*store.Instance, error) {
	set, args := []string{}, []any{}
	if update.Name != nil {
		set, args = append(set, "name = ?"), append(args, *update.Name)
	}
	if update.BaseURL != nil {
		set, args = append(set, "base_url = ?"), append(args, *update.BaseURL)
	}
	if update.APIKey != nil {
		set, args = append(set, "api_key = ?"), append(args, *update.APIKey)
	}
	if update.Enabled != nil {
		set, args = append(set, "enabled = ?"), append(args, *update.Enabled)
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}
	set, args = append(set, "updated_ts = ?"), append(args, time.Now().Unix())
	args = append(args, update.ID)

	stmt := `UPDATE instance SET ` + strings.Join(set, ", ") + ` WHERE id = ?
		RETURNING id, name, base_url, api_key, enabled, created_ts, updated_ts`
	inst := &store.Instance{}
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(
		&inst.ID, &inst.Name, &inst.BaseURL, &inst.APIKey, &inst.Enabled, &inst.CreatedTs, &inst.UpdatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to update instance")
	}
	return inst, nil
}

func (d *DB) DeleteInstance(ctx context.Context, delete *store.DeleteInstance) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM instance WHERE id = ?`, delete.ID); err != nil {
		return errors.Wrap(err, "failed to delete instance")
	}
	return nil
}
