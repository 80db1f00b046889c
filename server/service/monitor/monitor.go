// Package monitor samples pipeline and client health, keeps a ring of recent
// errors, and derives the health score. It observes and never mutates core
// state.
package monitor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hrygo/wxbridge/internal/profile"
	"github.com/hrygo/wxbridge/server/service/listener"
	"github.com/hrygo/wxbridge/store"
)

// errorRingSize is how many recent errors the monitor retains.
const errorRingSize = 100

// RecentError is one pipeline error with its timestamp.
type RecentError struct {
	At    time.Time
	Stage string
	Err   string
}

// Snapshot is a read-only health report.
type Snapshot struct {
	Running           bool
	HealthScore       int
	ConnectedClients  int
	TotalClients      int
	ActiveListeners   int
	TotalListeners    int
	Processed         int64
	Delivered         int64
	Replied           int64
	Failed            int64
	RecentErrors      []RecentError
	Clients           []listener.ClientHealth
	SampledAt         time.Time
}

// Monitor periodically samples the supervisor and store, and implements the
// delivery pipeline's hooks.
type Monitor struct {
	profile    *profile.Profile
	store      *store.Store
	supervisor *listener.Supervisor

	processed atomic.Int64
	delivered atomic.Int64
	replied   atomic.Int64
	failed    atomic.Int64

	running atomic.Bool

	mu       sync.RWMutex
	ring     []RecentError
	ringNext int
	last     Snapshot

	metricProcessed prometheus.Counter
	metricDelivered prometheus.Counter
	metricReplied   prometheus.Counter
	metricFailed    *prometheus.CounterVec
	metricHealth    prometheus.Gauge
}

// New creates a monitor and registers its metrics on reg. reg may be nil.
func New(p *profile.Profile, s *store.Store, sup *listener.Supervisor, reg *prometheus.Registry) *Monitor {
	m := &Monitor{
		profile:    p,
		store:      s,
		supervisor: sup,
		ring:       make([]RecentError, 0, errorRingSize),
	}

	m.metricProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wxbridge", Name: "messages_processed_total",
		Help: "Messages marked processed by the delivery pipeline",
	})
	m.metricDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wxbridge", Name: "messages_delivered_total",
		Help: "Delivery units a platform accepted",
	})
	m.metricReplied = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wxbridge", Name: "messages_replied_total",
		Help: "Replies sent back to chats",
	})
	m.metricFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wxbridge", Name: "pipeline_failures_total",
		Help: "Pipeline failures by stage",
	}, []string{"stage"})
	m.metricHealth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wxbridge", Name: "health_score",
		Help: "Derived health score in [0,100]",
	})

	if reg != nil {
		reg.MustRegister(m.metricProcessed, m.metricDelivered, m.metricReplied, m.metricFailed, m.metricHealth)
	}
	return m
}

// Delivery hooks.

func (m *Monitor) OnProcessed(count int) {
	m.processed.Add(int64(count))
	m.metricProcessed.Add(float64(count))
}

func (m *Monitor) OnDelivered() {
	m.delivered.Add(1)
	m.metricDelivered.Inc()
}

func (m *Monitor) OnReplied() {
	m.replied.Add(1)
	m.metricReplied.Inc()
}

func (m *Monitor) OnFailure(stage string, err error) {
	m.failed.Add(1)
	m.metricFailed.WithLabelValues(stage).Inc()

	m.mu.Lock()
	entry := RecentError{At: time.Now(), Stage: stage, Err: err.Error()}
	if len(m.ring) < errorRingSize {
		m.ring = append(m.ring, entry)
	} else {
		m.ring[m.ringNext] = entry
	}
	m.ringNext = (m.ringNext + 1) % errorRingSize
	m.mu.Unlock()
}

// Run samples every monitor interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	interval := time.Duration(m.profile.MonitorIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.running.Store(true)
	defer m.running.Store(false)
	m.sample(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	clients := m.supervisor.HealthSnapshot()
	connected := 0
	activeInMemory := 0
	for _, c := range clients {
		if c.Connected {
			connected++
		}
		activeInMemory += c.ActiveListeners
	}

	totalListeners := 0
	activeListeners := 0
	if listeners, err := m.store.ListListeners(ctx, &store.FindListener{}); err == nil {
		totalListeners = len(listeners)
		for _, l := range listeners {
			if l.Status == store.ListenerActive {
				activeListeners++
			}
		}
	} else {
		slog.Warn("monitor listener sample failed", "err", err)
	}

	snap := Snapshot{
		Running:          m.running.Load(),
		ConnectedClients: connected,
		TotalClients:     len(clients),
		ActiveListeners:  activeListeners,
		TotalListeners:   totalListeners,
		Processed:        m.processed.Load(),
		Delivered:        m.delivered.Load(),
		Replied:          m.replied.Load(),
		Failed:           m.failed.Load(),
		Clients:          clients,
		SampledAt:        time.Now(),
	}
	snap.HealthScore = healthScore(snap)
	snap.RecentErrors = m.recentErrors()

	m.metricHealth.Set(float64(snap.HealthScore))

	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()

	slog.Debug("health sampled",
		"score", snap.HealthScore,
		"connected", connected, "clients", len(clients),
		"active_listeners", activeListeners, "total_listeners", totalListeners)
}

// Snapshot returns the most recent sample.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *Monitor) recentErrors() []RecentError {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RecentError, len(m.ring))
	copy(out, m.ring)
	return out
}

// healthScore derives the scalar summary: 100 minus penalties for a stopped
// service, disconnected clients, inactive listeners and the recent error
// rate.
func healthScore(s Snapshot) int {
	score := 100.0
	if !s.Running {
		score -= 40
	}
	if s.TotalClients > 0 {
		score -= 30 * (1 - float64(s.ConnectedClients)/float64(s.TotalClients))
	}
	if s.TotalListeners > 0 {
		score -= 20 * (1 - float64(s.ActiveListeners)/float64(s.TotalListeners))
	}
	if s.Processed > 0 {
		rate := float64(s.Failed) / float64(s.Processed)
		switch {
		case rate > 0.10:
			score -= 10
		case rate > 0.05:
			score -= 5
		}
	}
	if score < 0 {
		score = 0
	}
	return int(score)
}
