package sqlite

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/wxbridge/store"
)

func (d *DB) CreateMessage(ctx context.Context, create *store.Message) (*store.Message, bool, error) {
	// INSERT OR IGNORE implements fingerprint dedup: a collision on
	// (instance_id, chat_name, fingerprint) writes nothing.
	stmt := `INSERT OR IGNORE INTO message
		(message_id, instance_id, chat_name, sender, sender_remark, content, message_type, create_time, fingerprint,
		 processed, delivery_status, delivery_time, platform_id, reply_content, reply_status, reply_time, retry_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := d.db.ExecContext(ctx, stmt,
		create.MessageID, create.InstanceID, create.ChatName, create.Sender, create.SenderRemark,
		create.Content, string(create.MessageType), create.CreateTime, create.Fingerprint,
		create.Processed, create.DeliveryStatus, create.DeliveryTime, create.PlatformID,
		create.ReplyContent, create.ReplyStatus, create.ReplyTime, create.RetryCount, create.LastError,
	)
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to create message")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to read rows affected")
	}
	if affected == 0 {
		return nil, false, nil
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, false, errors.Wrap(err, "failed to read last insert id")
	}
	create.ID = id
	return create, true, nil
}

func (d *DB) ListMessages(ctx context.Context, find *store.FindMessage) ([]*store.Message, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.InstanceID != nil {
		where, args = append(where, "instance_id = ?"), append(args, *find.InstanceID)
	}
	if find.ChatName != nil {
		where, args = append(where, "chat_name = ?"), append(args, *find.ChatName)
	}
	if find.Processed != nil {
		where, args = append(where, "processed = ?"), append(args, *find.Processed)
	}
	if find.Fingerprint != nil {
		where, args = append(where, "fingerprint = ?"), append(args, *find.Fingerprint)
	}

	query := `SELECT id, message_id, instance_id, chat_name, sender, sender_remark, content, message_type, create_time, fingerprint,
		processed, delivery_status, delivery_time, platform_id, reply_content, reply_status, reply_time, retry_count, last_error
		FROM message WHERE ` + strings.Join(where, " AND ") + ` ORDER BY create_time ASC, id ASC`
	if find.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages")
	}
	defer rows.Close()

	list := make([]*store.Message, 0)
	for rows.Next() {
		m := &store.Message{}
		var messageType string
		if err := rows.Scan(
			&m.ID, &m.MessageID, &m.InstanceID, &m.ChatName, &m.Sender, &m.SenderRemark, &m.Content, &messageType,
			&m.CreateTime, &m.Fingerprint, &m.Processed, &m.DeliveryStatus, &m.DeliveryTime, &m.PlatformID,
			&m.ReplyContent, &m.ReplyStatus, &m.ReplyTime, &m.RetryCount, &m.LastError,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan message")
		}
		m.MessageType = store.MessageType(messageType)
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate messages")
	}
	return list, nil
}

func (d *DB) UpdateMessageDelivery(ctx context.Context, update *store.UpdateMessageDelivery) error {
	set, args := []string{}, []any{}
	if update.Processed != nil {
		set, args = append(set, "processed = ?"), append(args, *update.Processed)
	}
	if update.DeliveryStatus != nil {
		set, args = append(set, "delivery_status = ?"), append(args, *update.DeliveryStatus)
	}
	if update.DeliveryTime != nil {
		set, args = append(set, "delivery_time = ?"), append(args, *update.DeliveryTime)
	}
	if update.PlatformID != nil {
		set, args = append(set, "platform_id = ?"), append(args, *update.PlatformID)
	}
	if update.ReplyContent != nil {
		set, args = append(set, "reply_content = ?"), append(args, *update.ReplyContent)
	}
	if update.ReplyStatus != nil {
		set, args = append(set, "reply_status = ?"), append(args, *update.ReplyStatus)
	}
	if update.ReplyTime != nil {
		set, args = append(set, "reply_time = ?"), append(args, *update.ReplyTime)
	}
	if update.RetryCount != nil {
		set, args = append(set, "retry_count = ?"), append(args, *update.RetryCount)
	}
	if update.LastError != nil {
		set, args = append(set, "last_error = ?"), append(args, *update.LastError)
	}
	if len(set) == 0 {
		return errors.New("no fields to update")
	}
	args = append(args, update.ID)

	stmt := `UPDATE message SET ` + strings.Join(set, ", ") + ` WHERE id = ?`
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return errors.Wrap(err, "failed to update message delivery")
	}
	return nil
}
