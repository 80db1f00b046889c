package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for store driver.
// It contains all methods that store database driver should implement.
type Driver interface {
	GetDB() *sql.DB
	Close() error

	// Migrate creates missing tables, columns and indices idempotently.
	Migrate(ctx context.Context) error

	CreateInstance(ctx context.Context, create *Instance) (*Instance, error)
	ListInstances(ctx context.Context, find *FindInstance) ([]*Instance, error)
	UpdateInstance(ctx context.Context, update *UpdateInstance) (*Instance, error)
	DeleteInstance(ctx context.Context, delete *DeleteInstance) error

	UpsertListener(ctx context.Context, upsert *Listener) (*Listener, error)
	ListListeners(ctx context.Context, find *FindListener) ([]*Listener, error)
	UpdateListener(ctx context.Context, update *UpdateListener) (*Listener, error)
	DeleteListener(ctx context.Context, delete *DeleteListener) error

	// CreateMessage inserts a message and reports whether a row was actually
	// written; a unique-key collision returns (nil, false, nil).
	CreateMessage(ctx context.Context, create *Message) (*Message, bool, error)
	ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error)
	UpdateMessageDelivery(ctx context.Context, update *UpdateMessageDelivery) error

	CreatePlatform(ctx context.Context, create *Platform) (*Platform, error)
	ListPlatforms(ctx context.Context, find *FindPlatform) ([]*Platform, error)
	UpdatePlatform(ctx context.Context, update *UpdatePlatform) (*Platform, error)
	DeletePlatform(ctx context.Context, delete *DeletePlatform) error

	CreateRule(ctx context.Context, create *Rule) (*Rule, error)
	ListRules(ctx context.Context, find *FindRule) ([]*Rule, error)
	UpdateRule(ctx context.Context, update *UpdateRule) (*Rule, error)
	DeleteRule(ctx context.Context, delete *DeleteRule) error

	CreateFixedListener(ctx context.Context, create *FixedListener) (*FixedListener, error)
	ListFixedListeners(ctx context.Context, find *FindFixedListener) ([]*FixedListener, error)
	UpdateFixedListener(ctx context.Context, update *UpdateFixedListener) (*FixedListener, error)
	DeleteFixedListener(ctx context.Context, delete *DeleteFixedListener) error

	CreateAccountingRecord(ctx context.Context, create *AccountingRecord) (*AccountingRecord, error)
	ListAccountingRecords(ctx context.Context, find *FindAccountingRecord) ([]*AccountingRecord, error)

	UpsertSystemSetting(ctx context.Context, setting *SystemSetting) error
	GetSystemSetting(ctx context.Context, name string) (*SystemSetting, error)
}
