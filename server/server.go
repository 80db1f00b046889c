// Package server assembles the bridge: store-backed caches, the listener
// supervisor, the delivery pipeline, the monitor and the HTTP management
// surface, tied together by the reload bus.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/hrygo/wxbridge/internal/profile"
	"github.com/hrygo/wxbridge/plugin/platforms"
	apiv1 "github.com/hrygo/wxbridge/server/router/api/v1"
	"github.com/hrygo/wxbridge/server/service/delivery"
	"github.com/hrygo/wxbridge/server/service/ingest"
	"github.com/hrygo/wxbridge/server/service/listener"
	"github.com/hrygo/wxbridge/server/service/monitor"
	"github.com/hrygo/wxbridge/server/service/reload"
	"github.com/hrygo/wxbridge/server/service/rules"
	"github.com/hrygo/wxbridge/store"
)

// echoShutdownTimeout bounds the HTTP listener drain; the pipeline drain has
// its own, longer budget inside delivery.Run.
const echoShutdownTimeout = 10 * time.Second

type Server struct {
	Profile *profile.Profile
	Store   *store.Store

	echoServer *echo.Echo
	bus        *reload.Bus
	engine     *rules.Engine
	registry   *platforms.Registry
	supervisor *listener.Supervisor
	pipeline   *delivery.Pipeline
	monitor    *monitor.Monitor

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewServer builds the full service graph and primes the rule and platform
// caches. Nothing runs until Start.
func NewServer(ctx context.Context, p *profile.Profile, s *store.Store) (*Server, error) {
	bus := reload.NewBus()

	engine := rules.NewEngine(s)
	if err := engine.Rebuild(ctx); err != nil {
		return nil, err
	}
	registry := platforms.NewRegistry(s)
	if err := registry.Rebuild(ctx); err != nil {
		return nil, err
	}

	supervisor := listener.NewSupervisor(p, s, ingest.New(s))
	metrics := prometheus.NewRegistry()
	mon := monitor.New(p, s, supervisor, metrics)
	pipeline := delivery.New(p, s, engine, registry, supervisor, mon)

	bus.Subscribe("rule-engine", func(e reload.Event) error {
		switch e.Type {
		case reload.RuleAdded, reload.RuleUpdated, reload.RuleRemoved,
			reload.PlatformAdded, reload.PlatformUpdated, reload.PlatformRemoved:
			return engine.Rebuild(context.Background())
		}
		return nil
	})
	bus.Subscribe("platform-registry", func(e reload.Event) error {
		switch e.Type {
		case reload.PlatformAdded, reload.PlatformUpdated, reload.PlatformRemoved:
			return registry.Rebuild(context.Background())
		}
		return nil
	})
	bus.Subscribe("listener-supervisor", supervisor.HandleReload)

	echoServer := echo.New()
	echoServer.HideBanner = true
	echoServer.HidePort = true
	echoServer.Use(middleware.Recover())
	apiv1.NewAPIV1Service(p, s, bus, registry, mon, metrics).Register(echoServer)

	return &Server{
		Profile:    p,
		Store:      s,
		echoServer: echoServer,
		bus:        bus,
		engine:     engine,
		registry:   registry,
		supervisor: supervisor,
		pipeline:   pipeline,
		monitor:    mon,
	}, nil
}

// Start launches the supervisor, the delivery pipeline, the monitor and the
// HTTP listener. It does not block.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	group, groupCtx := errgroup.WithContext(runCtx)
	s.group = group
	group.Go(func() error { return ignoreCanceled(s.supervisor.Run(groupCtx)) })
	group.Go(func() error { return ignoreCanceled(s.pipeline.Run(groupCtx)) })
	group.Go(func() error { return ignoreCanceled(s.monitor.Run(groupCtx)) })

	addr := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	go func() {
		if err := s.echoServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http listener failed", "addr", addr, "err", err)
			cancel()
		}
	}()

	slog.Info("server started", "addr", addr, "mode", s.Profile.Mode, "version", s.Profile.Version)
	return nil
}

// Shutdown stops the HTTP listener, cancels the background loops and waits
// for the delivery pipeline to drain. Listener sessions on the remote side
// are left registered so a restart resumes where it stopped.
func (s *Server) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, echoShutdownTimeout)
	defer cancel()
	if err := s.echoServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shutdown http listener", "err", err)
	}

	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		if err := s.group.Wait(); err != nil {
			slog.Error("background loop exited with error", "err", err)
		}
	}

	if err := s.Store.Close(); err != nil {
		slog.Error("failed to close store", "err", err)
	}
	slog.Info("server stopped")
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
