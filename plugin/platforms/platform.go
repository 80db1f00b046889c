// Package platforms fronts the external conversational, keyword and
// bookkeeping backends behind one capability set. Variants register a
// constructor by type tag; the Registry builds instances from platform rows
// and rebuilds on reload events.
package platforms

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hrygo/wxbridge/internal/apperr"
	"github.com/hrygo/wxbridge/store"
)

// SendMode controls how the reply flows back to the chat.
type SendMode string

const (
	SendModeNormal SendMode = "normal"
	SendModeTyping SendMode = "typing" // signal typing before the reply
)

// Request is one delivery unit presented to a platform.
type Request struct {
	InstanceID  string
	ChatName    string
	Sender      string
	Content     string
	MessageID   string
	MessageType store.MessageType
	CreateTime  int64
}

// Reply is the platform's outcome for one unit.
type Reply struct {
	Content     string
	ShouldReply bool
	Metadata    map[string]any
}

// TestResult reports a connection test.
type TestResult struct {
	OK     bool
	Detail string
}

// Platform is the capability set every variant implements. Config validation
// happens at construction; Initialize performs remote-side setup and is safe
// to call again after a reload.
type Platform interface {
	Kind() store.PlatformType
	Initialize(ctx context.Context) error
	Process(ctx context.Context, req *Request) (*Reply, error)
	Test(ctx context.Context) (*TestResult, error)
	SendMode() SendMode
}

// Deps are the shared collaborators a variant may need.
type Deps struct {
	Store *store.Store
}

// Factory builds one platform instance from its persisted row.
type Factory func(p *store.Platform, deps Deps) (Platform, error)

var (
	factoryMu sync.RWMutex
	factories = make(map[store.PlatformType]Factory)
)

// RegisterFactory binds a type tag to a constructor. Called from variant
// init functions.
func RegisterFactory(t store.PlatformType, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	factories[t] = f
}

// Build constructs a platform instance for a row, normalizing deprecated
// type aliases first.
func Build(p *store.Platform, deps Deps) (Platform, error) {
	factoryMu.RLock()
	factory, ok := factories[p.Type.Normalize()]
	factoryMu.RUnlock()
	if !ok {
		return nil, apperr.New(apperr.KindConfig, "unknown platform type %q", p.Type)
	}
	return factory(p, deps)
}

// Registry holds the live platform instances keyed by id. Rebuild swaps the
// whole set; a failed rebuild keeps the previous set.
type Registry struct {
	store *store.Store
	deps  Deps

	mu        sync.RWMutex
	platforms map[string]Platform
}

// NewRegistry creates an empty registry; call Rebuild before first use.
func NewRegistry(s *store.Store) *Registry {
	return &Registry{
		store:     s,
		deps:      Deps{Store: s},
		platforms: make(map[string]Platform),
	}
}

// Rebuild constructs instances for every enabled platform row. Rows with
// invalid config are skipped and logged; the rest of the set still swaps in.
func (r *Registry) Rebuild(ctx context.Context) error {
	enabled := true
	rows, err := r.store.ListPlatforms(ctx, &store.FindPlatform{Enabled: &enabled})
	if err != nil {
		return err
	}

	next := make(map[string]Platform, len(rows))
	for _, row := range rows {
		p, err := Build(row, r.deps)
		if err != nil {
			slog.Warn("skipping platform with invalid config", "platform", row.ID, "type", row.Type, "err", err)
			continue
		}
		if err := p.Initialize(ctx); err != nil {
			// Initialization failures are remote-side; keep the instance and
			// let Process retry lazily.
			slog.Warn("platform initialization failed", "platform", row.ID, "type", row.Type, "err", err)
		}
		next[row.ID] = p
	}

	r.mu.Lock()
	r.platforms = next
	r.mu.Unlock()

	slog.Info("platform registry rebuilt", "platforms", len(next))
	return nil
}

// Get returns the live instance for a platform id.
func (r *Registry) Get(id string) (Platform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.platforms[id]
	return p, ok
}
