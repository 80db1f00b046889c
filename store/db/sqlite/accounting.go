package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/wxbridge/store"
)

func (d *DB) CreateAccountingRecord(ctx context.Context, create *store.AccountingRecord) (*store.AccountingRecord, error) {
	if create.CreatedTs == 0 {
		create.CreatedTs = time.Now().Unix()
	}

	stmt := `INSERT INTO accounting_record
		(platform_id, message_id, description, amount, category, account_book_id, account_book_name, success, error_message, processing_time_ms, created_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := d.db.ExecContext(ctx, stmt,
		create.PlatformID, create.MessageID, create.Description, create.Amount, create.Category,
		create.AccountBookID, create.AccountBookName, create.Success, create.ErrorMessage,
		create.ProcessingTimeMs, create.CreatedTs,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create accounting record")
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read last insert id")
	}
	create.ID = id
	return create, nil
}

func (d *DB) ListAccountingRecords(ctx context.Context, find *store.FindAccountingRecord) ([]*store.AccountingRecord, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.PlatformID != nil {
		where, args = append(where, "platform_id = ?"), append(args, *find.PlatformID)
	}
	if find.Success != nil {
		where, args = append(where, "success = ?"), append(args, *find.Success)
	}

	query := `SELECT id, platform_id, message_id, description, amount, category, account_book_id, account_book_name, success, error_message, processing_time_ms, created_ts
		FROM accounting_record WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_ts DESC`
	if find.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list accounting records")
	}
	defer rows.Close()

	list := make([]*store.AccountingRecord, 0)
	for rows.Next() {
		r := &store.AccountingRecord{}
		if err := rows.Scan(
			&r.ID, &r.PlatformID, &r.MessageID, &r.Description, &r.Amount, &r.Category,
			&r.AccountBookID, &r.AccountBookName, &r.Success, &r.ErrorMessage, &r.ProcessingTimeMs, &r.CreatedTs,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan accounting record")
		}
		list = append(list, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate accounting records")
	}
	return list, nil
}
