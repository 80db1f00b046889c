// Package listener supervises the per-instance polling loops: main-window
// discovery, per-listener fetch, and inactivity reaping. One runner per
// enabled instance; the supervisor owns the remote clients and hands them to
// the delivery pipeline for reply send-back.
package listener

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hrygo/wxbridge/internal/profile"
	"github.com/hrygo/wxbridge/plugin/remote"
	"github.com/hrygo/wxbridge/server/service/delivery"
	"github.com/hrygo/wxbridge/server/service/ingest"
	"github.com/hrygo/wxbridge/server/service/reload"
	"github.com/hrygo/wxbridge/store"
)

// Supervisor owns one runner per enabled instance.
type Supervisor struct {
	profile  *profile.Profile
	store    *store.Store
	ingester *ingest.Ingester

	mu      sync.RWMutex
	runners map[string]*runner
	runCtx  context.Context
	group   *errgroup.Group
}

// NewSupervisor creates a supervisor; Run starts it.
func NewSupervisor(p *profile.Profile, s *store.Store, ig *ingest.Ingester) *Supervisor {
	return &Supervisor{
		profile:  p,
		store:    s,
		ingester: ig,
		runners:  make(map[string]*runner),
	}
}

// Run starts a runner for every enabled instance and blocks until ctx is
// cancelled. Listeners are preserved on shutdown: remove_listener is never
// called for an exiting loop.
func (s *Supervisor) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	s.mu.Lock()
	s.runCtx = ctx
	s.group = group
	s.mu.Unlock()

	enabled := true
	instances, err := s.store.ListInstances(ctx, &store.FindInstance{Enabled: &enabled})
	if err != nil {
		return err
	}
	for _, inst := range instances {
		s.startRunner(inst)
	}

	slog.Info("listener supervisor started", "instances", len(instances))
	<-ctx.Done()
	err = group.Wait()
	slog.Info("listener supervisor stopped")
	return err
}

// startRunner spawns the loops for one instance. Caller-visible effects are
// idempotent: starting an already-running instance first stops the old
// runner.
func (s *Supervisor) startRunner(inst *store.Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil || s.runCtx.Err() != nil {
		return
	}
	if old, ok := s.runners[inst.ID]; ok {
		old.stop()
	}

	r := newRunner(s, inst)
	s.runners[inst.ID] = r
	s.group.Go(func() error {
		r.run()
		return nil
	})
}

func (s *Supervisor) stopRunner(instanceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runners[instanceID]; ok {
		r.stop()
		delete(s.runners, instanceID)
	}
}

// SenderFor implements delivery.ClientProvider.
func (s *Supervisor) SenderFor(instanceID string) (delivery.Sender, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runners[instanceID]
	if !ok {
		return nil, false
	}
	return r.client, true
}

// HandleReload reacts to instance and fixed-listener configuration changes.
// Idempotent under duplicate events.
func (s *Supervisor) HandleReload(e reload.Event) error {
	switch e.Type {
	case reload.InstanceAdded, reload.InstanceUpdated, reload.InstanceEnabled:
		inst, err := s.store.GetInstance(context.Background(), e.ID)
		if err != nil {
			return err
		}
		if inst == nil || !inst.Enabled {
			s.stopRunner(e.ID)
			return nil
		}
		s.startRunner(inst)
	case reload.InstanceDisabled, reload.InstanceRemoved:
		s.stopRunner(e.ID)
	case reload.FixedListenerChanged:
		s.mu.RLock()
		runners := make([]*runner, 0, len(s.runners))
		for _, r := range s.runners {
			runners = append(runners, r)
		}
		s.mu.RUnlock()
		for _, r := range runners {
			r.requestFixedReconcile()
		}
	}
	return nil
}

// ClientHealth is one remote client's monitor sample.
type ClientHealth struct {
	InstanceID      string
	Connected       bool
	ActiveListeners int
	Stats           remote.StatsSnapshot
}

// HealthSnapshot returns per-client health for the monitor. Read-only.
// Runners are collected under the registry lock first and queried after it is
// released; each runner guards its own state.
func (s *Supervisor) HealthSnapshot() []ClientHealth {
	s.mu.RLock()
	ids := make([]string, 0, len(s.runners))
	runners := make([]*runner, 0, len(s.runners))
	for id, r := range s.runners {
		ids = append(ids, id)
		runners = append(runners, r)
	}
	s.mu.RUnlock()

	out := make([]ClientHealth, 0, len(runners))
	for i, r := range runners {
		out = append(out, ClientHealth{
			InstanceID:      ids[i],
			Connected:       r.client.Connected(),
			ActiveListeners: r.activeCount(),
			Stats:           r.client.Stats(),
		})
	}
	return out
}
