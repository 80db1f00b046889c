package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/wxbridge/store"
)

func (d *DB) UpsertListener(ctx context.Context, upsert *store.Listener) (*store.Listener, error) {
	now := time.Now().Unix()
	if upsert.CreatedTs == 0 {
		upsert.CreatedTs = now
	}
	upsert.UpdatedTs = now
	if upsert.Status == "" {
		upsert.Status = store.ListenerActive
	}

	// Re-subscribing an inactive listener flips it back to active while
	// keeping created_ts and the manual/fixed flags from the conflict row
	// unless the caller sets them.
	stmt := `INSERT INTO listener (instance_id, chat_name, status, last_message_time, manual_added, fixed, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id, chat_name) DO UPDATE SET
			status = excluded.status,
			last_message_time = MAX(last_message_time, excluded.last_message_time),
			manual_added = manual_added OR excluded.manual_added,
			fixed = fixed OR excluded.fixed,
			updated_ts = excluded.updated_ts
		RETURNING instance_id, chat_name, status, last_message_time, manual_added, fixed, created_ts, updated_ts`
	l := &store.Listener{}
	if err := d.db.QueryRowContext(ctx, stmt,
		upsert.InstanceID, upsert.ChatName, upsert.Status, upsert.LastMessageTime,
		upsert.ManualAdded, upsert.Fixed, upsert.CreatedTs, upsert.UpdatedTs,
	).Scan(
		&l.InstanceID, &l.ChatName, &l.Status, &l.LastMessageTime, &l.ManualAdded, &l.Fixed, &l.CreatedTs, &l.UpdatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to upsert listener")
	}
	return l, nil
}

func (d *DB) ListListeners(ctx context.Context, find *store.FindListener) ([]*store.Listener, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.InstanceID != nil {
		where, args = append(where, "instance_id = ?"), append(args, *find.InstanceID)
	}
	if find.ChatName != nil {
		where, args = append(where, "chat_name = ?"), append(args, *find.ChatName)
	}
	if find.Status != nil {
		where, args = append(where, "status = ?"), append(args, string(*find.Status))
	}

	query := `SELECT instance_id, chat_name, status, last_message_time, manual_added, fixed, created_ts, updated_ts
		FROM listener WHERE ` + strings.Join(where, " AND ") + ` ORDER BY status, last_message_time DESC`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list listeners")
	}
	defer rows.Close()

	list := make([]*store.Listener, 0)
	for rows.Next() {
		l := &store.Listener{}
		if err := rows.Scan(&l.InstanceID, &l.ChatName, &l.Status, &l.LastMessageTime, &l.ManualAdded, &l.Fixed, &l.CreatedTs, &l.UpdatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan listener")
		}
		list = append(list, l)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate listeners")
	}
	return list, nil
}

func (d *DB) UpdateListener(ctx context.Context, update *store.UpdateListener) (*store.Listener, error) {
	set, args := []string{}, []any{}
	if update.Status != nil {
		set, args = append(set, "status = ?"), append(args, string(*update.Status))
	}
	if update.LastMessageTime != nil {
		// last_message_time never moves backward; a replayed batch must not
		// rewind listener activity.
		set, args = append(set, "last_message_time = MAX(last_message_time, ?)"), append(args, *update.LastMessageTime)
	}
	if update.ManualAdded != nil {
		set, args = append(set, "manual_added = ?"), append(args, *update.ManualAdded)
	}
	if update.Fixed != nil {
		set, args = append(set, "fixed = ?"), append(args, *update.Fixed)
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}
	set, args = append(set, "updated_ts = ?"), append(args, time.Now().Unix())
	args = append(args, update.InstanceID, update.ChatName)

	stmt := `UPDATE listener SET ` + strings.Join(set, ", ") + ` WHERE instance_id = ? AND chat_name = ?
		RETURNING instance_id, chat_name, status, last_message_time, manual_added, fixed, created_ts, updated_ts`
	l := &store.Listener{}
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(
		&l.InstanceID, &l.ChatName, &l.Status, &l.LastMessageTime, &l.ManualAdded, &l.Fixed, &l.CreatedTs, &l.UpdatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to update listener")
	}
	return l, nil
}

func (d *DB) DeleteListener(ctx context.Context, delete *store.DeleteListener) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM listener WHERE instance_id = ? AND chat_name = ?`, delete.InstanceID, delete.ChatName); err != nil {
		return errors.Wrap(err, "failed to delete listener")
	}
	return nil
}
