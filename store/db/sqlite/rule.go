package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/wxbridge/store"
)

func (d *DB) CreateRule(ctx context.Context, create *store.Rule) (*store.Rule, error) {
	now := time.Now().Unix()
	if create.CreatedTs == 0 {
		create.CreatedTs = now
	}
	create.UpdatedTs = now

	stmt := `INSERT INTO rule (id, name, instance_id, chat_pattern, platform_id, priority, enabled, only_at_messages, at_name, reply_at_sender, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := d.db.ExecContext(ctx, stmt,
		create.ID, create.Name, create.InstanceID, create.ChatPattern, create.PlatformID,
		create.Priority, create.Enabled, create.OnlyAtMessages, create.AtName, create.ReplyAtSender,
		create.CreatedTs, create.UpdatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to create rule")
	}
	return create, nil
}

func (d *DB) ListRules(ctx context.Context, find *store.FindRule) ([]*store.Rule, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.InstanceID != nil {
		where, args = append(where, "instance_id = ?"), append(args, *find.InstanceID)
	}
	if find.PlatformID != nil {
		where, args = append(where, "platform_id = ?"), append(args, *find.PlatformID)
	}
	if find.Enabled != nil {
		where, args = append(where, "enabled = ?"), append(args, *find.Enabled)
	}

	query := `SELECT id, name, instance_id, chat_pattern, platform_id, priority, enabled, only_at_messages, at_name, reply_at_sender, created_ts, updated_ts
		FROM rule WHERE ` + strings.Join(where, " AND ") + ` ORDER BY priority DESC, id ASC`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list rules")
	}
	defer rows.Close()

	list := make([]*store.Rule, 0)
	for rows.Next() {
		r := &store.Rule{}
		if err := rows.Scan(
			&r.ID, &r.Name, &r.InstanceID, &r.ChatPattern, &r.PlatformID, &r.Priority,
			&r.Enabled, &r.OnlyAtMessages, &r.AtName, &r.ReplyAtSender, &r.CreatedTs, &r.UpdatedTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan rule")
		}
		list = append(list, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate rules")
	}
	return list, nil
}

func (d *DB) UpdateRule(ctx context.Context, update *store.UpdateRule) (*store.Rule, error) {
	set, args := []string{}, []any{}
	if update.Name != nil {
		set, args = append(set, "name = ?"), append(args, *update.Name)
	}
	if update.InstanceID != nil {
		set, args = append(set, "instance_id = ?"), append(args, *update.InstanceID)
	}
	if update.ChatPattern != nil {
		set, args = append(set, "chat_pattern = ?"), append(args, *update.ChatPattern)
	}
	if update.PlatformID != nil {
		set, args = append(set, "platform_id = ?"), append(args, *update.PlatformID)
	}
	if update.Priority != nil {
		set, args = append(set, "priority = ?"), append(args, *update.Priority)
	}
	if update.Enabled != nil {
		set, args = append(set, "enabled = ?"), append(args, *update.Enabled)
	}
	if update.OnlyAtMessages != nil {
		set, args = append(set, "only_at_messages = ?"), append(args, *update.OnlyAtMessages)
	}
	if update.AtName != nil {
		set, args = append(set, "at_name = ?"), append(args, *update.AtName)
	}
	if update.ReplyAtSender != nil {
		set, args = append(set, "reply_at_sender = ?"), append(args, *update.ReplyAtSender)
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}
	set, args = append(set, "updated_ts = ?"), append(args, time.Now().Unix())
	args = append(args, update.ID)

	stmt := `UPDATE rule SET ` + strings.Join(set, ", ") + ` WHERE id = ?
		RETURNING id, name, instance_id, chat_pattern, platform_id, priority, enabled, only_at_messages, at_name, reply_at_sender, created_ts, updated_ts`
	r := &store.Rule{}
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(
		&r.ID, &r.Name, &r.InstanceID, &r.ChatPattern, &r.PlatformID, &r.Priority,
		&r.Enabled, &r.OnlyAtMessages, &r.AtName, &r.ReplyAtSender, &r.CreatedTs, &r.UpdatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to update rule")
	}
	return r, nil
}

func (d *DB) DeleteRule(ctx context.Context, delete *store.DeleteRule) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM rule WHERE id = ?`, delete.ID); err != nil {
		return errors.Wrap(err, "failed to delete rule")
	}
	return nil
}
