package sqlite

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/wxbridge/store"
)

func (d *DB) CreatePlatform(ctx context.Context, create *store.Platform) (*store.Platform, error) {
	now := time.Now().Unix()
	if create.CreatedTs == 0 {
		create.CreatedTs = now
	}
	create.UpdatedTs = now
	create.Type = create.Type.Normalize()

	configJSON, err := json.Marshal(create.Config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal platform config")
	}

	stmt := `INSERT INTO platform (id, name, type, config, enabled, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := d.db.ExecContext(ctx, stmt,
		create.ID, create.Name, string(create.Type), string(configJSON), create.Enabled, create.CreatedTs, create.UpdatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to create platform")
	}
	return create, nil
}

func (d *DB) ListPlatforms(ctx context.Context, find *store.FindPlatform) ([]*store.Platform, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.Type != nil {
		// The deprecated keyword_match spelling may still be on disk.
		normalized := find.Type.Normalize()
		if normalized == store.PlatformKeyword {
			where = append(where, "type IN (?, ?)")
			args = append(args, string(store.PlatformKeyword), string(store.PlatformKeywordAlias))
		} else {
			where, args = append(where, "type = ?"), append(args, string(normalized))
		}
	}
	if find.Enabled != nil {
		where, args = append(where, "enabled = ?"), append(args, *find.Enabled)
	}

	query := `SELECT id, name, type, config, enabled, created_ts, updated_ts
		FROM platform WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_ts ASC`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list platforms")
	}
	defer rows.Close()

	list := make([]*store.Platform, 0)
	for rows.Next() {
		p := &store.Platform{}
		var platformType, configJSON string
		if err := rows.Scan(&p.ID, &p.Name, &platformType, &configJSON, &p.Enabled, &p.CreatedTs, &p.UpdatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan platform")
		}
		p.Type = store.PlatformType(platformType).Normalize()
		if err := json.Unmarshal([]byte(configJSON), &p.Config); err != nil {
			return nil, errors.Wrapf(err, "failed to unmarshal config of platform %s", p.ID)
		}
		list = append(list, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate platforms")
	}
	return list, nil
}

func (d *DB) UpdatePlatform(ctx context.Context, update *store.UpdatePlatform) (*store.Platform, error) {
	set, args := []string{}, []any{}
	if update.Name != nil {
		set, args = append(set, "name = ?"), append(args, *update.Name)
	}
	if update.Config != nil {
		configJSON, err := json.Marshal(update.Config)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal platform config")
		}
		set, args = append(set, "config = ?"), append(args, string(configJSON))
	}
	if update.Enabled != nil {
		set, args = append(set, "enabled = ?"), append(args, *update.Enabled)
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}
	set, args = append(set, "updated_ts = ?"), append(args, time.Now().Unix())
	args = append(args, update.ID)

	stmt := `UPDATE platform SET ` + strings.Join(set, ", ") + ` WHERE id = ?
		RETURNING id, name, type, config, enabled, created_ts, updated_ts`
	p := &store.Platform{}
	var platformType, configJSON string
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(
		&p.ID, &p.Name, &platformType, &configJSON, &p.Enabled, &p.CreatedTs, &p.UpdatedTs,
	); err != nil {
		return nil, errors.Wrap(err, "failed to update platform")
	}
	p.Type = store.PlatformType(platformType).Normalize()
	if err := json.Unmarshal([]byte(configJSON), &p.Config); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config of platform %s", p.ID)
	}
	return p, nil
}

func (d *DB) DeletePlatform(ctx context.Context, delete *store.DeletePlatform) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM platform WHERE id = ?`, delete.ID); err != nil {
		return errors.Wrap(err, "failed to delete platform")
	}
	return nil
}
