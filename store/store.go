package store

import (
	"context"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/hrygo/wxbridge/internal/profile"
	"github.com/hrygo/wxbridge/store/cache"
)

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver

	// Cache for instance rows; the delivery pipeline resolves the send-back
	// target on every unit and must not hit the database each time.
	instanceCache *cache.Cache
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
		instanceCache: cache.New(cache.Config{
			DefaultTTL:      10 * time.Minute,
			CleanupInterval: 5 * time.Minute,
			MaxItems:        1000,
		}),
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

// Migrate runs the idempotent schema migration.
func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	s.instanceCache.Close()
	return s.driver.Close()
}

// Instance methods.

func (s *Store) CreateInstance(ctx context.Context, create *Instance) (*Instance, error) {
	inst, err := s.driver.CreateInstance(ctx, create)
	if err != nil {
		return nil, err
	}
	s.instanceCache.Set(inst.ID, inst)
	return inst, nil
}

// GetInstance returns one instance by id, served from cache when possible.
func (s *Store) GetInstance(ctx context.Context, id string) (*Instance, error) {
	if v, ok := s.instanceCache.Get(id); ok {
		if inst, ok := v.(*Instance); ok {
			return inst, nil
		}
	}
	list, err := s.driver.ListInstances(ctx, &FindInstance{ID: &id})
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	s.instanceCache.Set(id, list[0])
	return list[0], nil
}

func (s *Store) ListInstances(ctx context.Context, find *FindInstance) ([]*Instance, error) {
	return s.driver.ListInstances(ctx, find)
}

func (s *Store) UpdateInstance(ctx context.Context, update *UpdateInstance) (*Instance, error) {
	inst, err := s.driver.UpdateInstance(ctx, update)
	if err != nil {
		return nil, err
	}
	s.instanceCache.Set(inst.ID, inst)
	return inst, nil
}

func (s *Store) DeleteInstance(ctx context.Context, delete *DeleteInstance) error {
	if err := s.driver.DeleteInstance(ctx, delete); err != nil {
		return err
	}
	s.instanceCache.Delete(delete.ID)
	return nil
}

// Listener methods.

func (s *Store) UpsertListener(ctx context.Context, upsert *Listener) (*Listener, error) {
	return s.driver.UpsertListener(ctx, upsert)
}

func (s *Store) ListListeners(ctx context.Context, find *FindListener) ([]*Listener, error) {
	return s.driver.ListListeners(ctx, find)
}

func (s *Store) UpdateListener(ctx context.Context, update *UpdateListener) (*Listener, error) {
	return s.driver.UpdateListener(ctx, update)
}

func (s *Store) DeleteListener(ctx context.Context, delete *DeleteListener) error {
	return s.driver.DeleteListener(ctx, delete)
}

// Message methods.

func (s *Store) CreateMessage(ctx context.Context, create *Message) (*Message, bool, error) {
	return s.driver.CreateMessage(ctx, create)
}

func (s *Store) ListMessages(ctx context.Context, find *FindMessage) ([]*Message, error) {
	return s.driver.ListMessages(ctx, find)
}

func (s *Store) UpdateMessageDelivery(ctx context.Context, update *UpdateMessageDelivery) error {
	return s.driver.UpdateMessageDelivery(ctx, update)
}

// Platform methods.

func (s *Store) CreatePlatform(ctx context.Context, create *Platform) (*Platform, error) {
	return s.driver.CreatePlatform(ctx, create)
}

func (s *Store) ListPlatforms(ctx context.Context, find *FindPlatform) ([]*Platform, error) {
	return s.driver.ListPlatforms(ctx, find)
}

func (s *Store) UpdatePlatform(ctx context.Context, update *UpdatePlatform) (*Platform, error) {
	return s.driver.UpdatePlatform(ctx, update)
}

func (s *Store) DeletePlatform(ctx context.Context, delete *DeletePlatform) error {
	return s.driver.DeletePlatform(ctx, delete)
}

// Rule methods.

func (s *Store) CreateRule(ctx context.Context, create *Rule) (*Rule, error) {
	return s.driver.CreateRule(ctx, create)
}

func (s *Store) ListRules(ctx context.Context, find *FindRule) ([]*Rule, error) {
	return s.driver.ListRules(ctx, find)
}

func (s *Store) UpdateRule(ctx context.Context, update *UpdateRule) (*Rule, error) {
	return s.driver.UpdateRule(ctx, update)
}

func (s *Store) DeleteRule(ctx context.Context, delete *DeleteRule) error {
	return s.driver.DeleteRule(ctx, delete)
}

// Fixed listener methods.

func (s *Store) CreateFixedListener(ctx context.Context, create *FixedListener) (*FixedListener, error) {
	if create.ID == "" {
		create.ID = shortuuid.New()
	}
	return s.driver.CreateFixedListener(ctx, create)
}

func (s *Store) ListFixedListeners(ctx context.Context, find *FindFixedListener) ([]*FixedListener, error) {
	return s.driver.ListFixedListeners(ctx, find)
}

func (s *Store) UpdateFixedListener(ctx context.Context, update *UpdateFixedListener) (*FixedListener, error) {
	return s.driver.UpdateFixedListener(ctx, update)
}

func (s *Store) DeleteFixedListener(ctx context.Context, delete *DeleteFixedListener) error {
	return s.driver.DeleteFixedListener(ctx, delete)
}

// Accounting methods.

func (s *Store) CreateAccountingRecord(ctx context.Context, create *AccountingRecord) (*AccountingRecord, error) {
	return s.driver.CreateAccountingRecord(ctx, create)
}

func (s *Store) ListAccountingRecords(ctx context.Context, find *FindAccountingRecord) ([]*AccountingRecord, error) {
	return s.driver.ListAccountingRecords(ctx, find)
}

// System setting methods.

func (s *Store) UpsertSystemSetting(ctx context.Context, setting *SystemSetting) error {
	return s.driver.UpsertSystemSetting(ctx, setting)
}

func (s *Store) GetSystemSetting(ctx context.Context, name string) (*SystemSetting, error) {
	return s.driver.GetSystemSetting(ctx, name)
}
