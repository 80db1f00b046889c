package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/wxbridge/store"
)

func (d *DB) CreateFixedListener(ctx context.Context, create *store.FixedListener) (*store.FixedListener, error) {
	now := time.Now().Unix()
	if create.CreatedTs == 0 {
		create.CreatedTs = now
	}
	create.UpdatedTs = now

	stmt := `INSERT INTO fixed_listener (id, session_name, enabled, description, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := d.db.ExecContext(ctx, stmt,
		create.ID, create.SessionName, create.Enabled, create.Description, create.CreatedTs, create.UpdatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to create fixed listener")
	}
	return create, nil
}

func (d *DB) ListFixedListeners(ctx context.Context, find *store.FindFixedListener) ([]*store.FixedListener, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.Enabled != nil {
		where, args = append(where, "enabled = ?"), append(args, *find.Enabled)
	}

	query := `SELECT id, session_name, enabled, description, created_ts, updated_ts
		FROM fixed_listener WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_ts ASC`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list fixed listeners")
	}
	defer rows.Close()

	list := make([]*store.FixedListener, 0)
	for rows.Next() {
		f := &store.FixedListener{}
		if err := rows.Scan(&f.ID, &f.SessionName, &f.Enabled, &f.Description, &f.CreatedTs, &f.UpdatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan fixed listener")
		}
		list = append(list, f)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate fixed listeners")
	}
	return list, nil
}

func (d *DB) UpdateFixedListener(ctx context.Context, update *store.UpdateFixedListener) (*store.FixedListener, error) {
	set, args := []string{}, []any{}
	if update.SessionName != nil {
		set, args = append(set, "session_name = ?"), append(args, *update.SessionName)
	}
	if update.Enabled != nil {
		set, args = append(set, "enabled = ?"), append(args, *update.Enabled)
	}
	if update.Description != nil {
		set, args = append(set, "description = ?"), append(args, *update.Description)
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}
	set, args = append(set, "updated_ts = ?"), append(args, time.Now().Unix())
	args = append(args, update.ID)

	stmt := `UPDATE fixed_listener SET ` + strings.Join(set, ", ") + ` WHERE id = ?
		RETURNING id, session_name, enabled, description, created_ts, updated_ts`
	f := &store.FixedListener{}
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(
		&f.ID, &f.SessionName, &f.Enabled, &f.Description, &f.CreatedTs, &f.UpdatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to update fixed listener")
	}
	return f, nil
}

func (d *DB) DeleteFixedListener(ctx context.Context, delete *store.DeleteFixedListener) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM fixed_listener WHERE id = ?`, delete.ID); err != nil {
		return errors.Wrap(err, "failed to delete fixed listener")
	}
	return nil
}
