package listener

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hrygo/wxbridge/internal/apperr"
	"github.com/hrygo/wxbridge/plugin/remote"
	"github.com/hrygo/wxbridge/store"
)

// maxProbeBackoff bounds the reconnect probe interval for a disconnected
// client.
const maxProbeBackoff = 60 * time.Second

// defaultListenerOptions is what the remote captures for every subscription.
var defaultListenerOptions = remote.ListenerOptions{
	SavePic:  true,
	SaveFile: true,
	ParseURL: true,
}

// runner drives the three loops for one instance.
type runner struct {
	sup      *Supervisor
	instance *store.Instance
	client   *remote.Client

	ctx    context.Context
	cancel context.CancelFunc

	// active mirrors the remote's subscription set; a chat is subscribed on
	// the remote iff it has an entry here.
	mu             sync.RWMutex
	active         map[string]*store.Listener
	fixedReconcile chan struct{}

	probeFailures int
	nextProbe     time.Time
}

func newRunner(s *Supervisor, inst *store.Instance) *runner {
	ctx, cancel := context.WithCancel(s.runCtx)
	return &runner{
		sup:      s,
		instance: inst,
		client: remote.NewClient(&remote.Config{
			InstanceID: inst.ID,
			BaseURL:    inst.BaseURL,
			APIKey:     inst.APIKey,
		}),
		ctx:            ctx,
		cancel:         cancel,
		active:         make(map[string]*store.Listener),
		fixedReconcile: make(chan struct{}, 1),
	}
}

func (r *runner) stop() { r.cancel() }

func (r *runner) pollInterval() time.Duration {
	return time.Duration(r.sup.profile.PollIntervalSeconds) * time.Second
}

func (r *runner) run() {
	slog.Info("instance runner starting", "instance", r.instance.ID, "base_url", r.instance.BaseURL)

	if err := r.restore(r.ctx); err != nil {
		slog.Error("runner restore failed", "instance", r.instance.ID, "err", err)
	}

	group, ctx := errgroup.WithContext(r.ctx)
	group.Go(func() error { return r.mainWindowLoop(ctx) })
	group.Go(func() error { return r.listenerLoop(ctx) })
	group.Go(func() error { return r.reaperLoop(ctx) })
	_ = group.Wait()

	slog.Info("instance runner stopped", "instance", r.instance.ID)
}

// restore re-subscribes the persisted active listeners and reconciles the
// fixed set. Run once at startup.
func (r *runner) restore(ctx context.Context) error {
	if _, err := r.client.Init(ctx); err != nil {
		slog.Warn("instance not reachable at startup", "instance", r.instance.ID, "err", err)
	}

	activeStatus := store.ListenerActive
	persisted, err := r.sup.store.ListListeners(ctx, &store.FindListener{
		InstanceID: &r.instance.ID,
		Status:     &activeStatus,
	})
	if err != nil {
		return err
	}

	r.mu.Lock()
	for _, l := range persisted {
		r.active[l.ChatName] = l
	}
	r.mu.Unlock()

	for _, l := range persisted {
		if err := r.client.AddListener(ctx, l.ChatName, defaultListenerOptions); err != nil {
			slog.Warn("failed to re-subscribe listener", "instance", r.instance.ID, "chat", l.ChatName, "err", err)
		}
	}

	return r.reconcileFixed(ctx)
}

func (r *runner) mainWindowLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.fixedReconcile:
			if err := r.reconcileFixed(ctx); err != nil {
				slog.Error("fixed-listener reconcile failed", "instance", r.instance.ID, "err", err)
			}
		case <-ticker.C:
			r.scanMainWindow(ctx)
		}
	}
}

func (r *runner) listenerLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.pollListeners(ctx)
		}
	}
}

func (r *runner) reaperLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval() * 6)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.reapIdle(ctx)
		}
	}
}

// connectedOrProbe reports whether the loops may poll. While the client is
// disconnected it retry-probes init with exponential backoff capped at
// maxProbeBackoff.
func (r *runner) connectedOrProbe(ctx context.Context) bool {
	if r.client.Connected() {
		r.probeFailures = 0
		return true
	}

	now := time.Now()
	if now.Before(r.nextProbe) {
		return false
	}
	if _, err := r.client.Init(ctx); err != nil {
		r.probeFailures++
		backoff := time.Duration(1<<uint(r.probeFailures)) * time.Second
		if backoff > maxProbeBackoff {
			backoff = maxProbeBackoff
		}
		r.nextProbe = now.Add(backoff)
		slog.Warn("instance still disconnected", "instance", r.instance.ID, "next_probe_in", backoff, "err", err)
		return false
	}

	r.probeFailures = 0
	r.nextProbe = time.Time{}
	slog.Info("instance reconnected", "instance", r.instance.ID)
	return true
}

// scanMainWindow discovers new chats from the main-window unread view and
// ingests their batches.
func (r *runner) scanMainWindow(ctx context.Context) {
	if !r.connectedOrProbe(ctx) {
		return
	}

	unread, err := r.client.ListUnreadMainWindow(ctx)
	if err != nil {
		slog.Warn("main-window scan failed", "instance", r.instance.ID, "err", err)
		return
	}

	for _, chat := range unread {
		if _, ok := r.lookup(chat.ChatName); !ok {
			if err := r.ensureListener(ctx, chat.ChatName, false, false); err != nil {
				slog.Warn("could not add listener", "instance", r.instance.ID, "chat", chat.ChatName, "err", err)
				continue
			}
		}
		if len(chat.Messages) > 0 {
			if _, err := r.sup.ingester.IngestBatch(ctx, r.instance.ID, chat.ChatName, chat.Messages); err != nil {
				slog.Error("main-window ingest failed", "instance", r.instance.ID, "chat", chat.ChatName, "err", err)
				continue
			}
			r.touch(chat.ChatName, latestCreateTime(chat.Messages))
		}
	}
}

// pollListeners fetches new messages for every subscribed chat.
func (r *runner) pollListeners(ctx context.Context) {
	if !r.connectedOrProbe(ctx) {
		return
	}

	for _, chat := range r.activeChats() {
		msgs, err := r.client.FetchListenerMessages(ctx, chat)
		if err != nil {
			slog.Warn("listener fetch failed", "instance", r.instance.ID, "chat", chat, "err", err)
			if !r.client.Connected() {
				return
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		if _, err := r.sup.ingester.IngestBatch(ctx, r.instance.ID, chat, msgs); err != nil {
			slog.Error("listener ingest failed", "instance", r.instance.ID, "chat", chat, "err", err)
			continue
		}
		r.touch(chat, latestCreateTime(msgs))
	}
}

// reapIdle marks non-exempt idle listeners inactive and unsubscribes them.
// The store row is never deleted here.
func (r *runner) reapIdle(ctx context.Context) {
	cutoff := time.Now().Unix() - int64(r.sup.profile.InactivityMinutes)*60
	for _, l := range r.snapshot() {
		if l.Exempt() || l.LastMessageTime > cutoff {
			continue
		}
		r.deactivate(ctx, l.ChatName, "idle")
	}
}

// deactivate unsubscribes one listener and marks it inactive. Remote removal
// is best-effort; a failure is logged and the state transition proceeds.
func (r *runner) deactivate(ctx context.Context, chat, reason string) {
	if err := r.client.RemoveListener(ctx, chat); err != nil {
		slog.Warn("remote listener removal failed", "instance", r.instance.ID, "chat", chat, "err", err)
	}

	inactive := store.ListenerInactive
	if _, err := r.sup.store.UpdateListener(ctx, &store.UpdateListener{
		InstanceID: r.instance.ID,
		ChatName:   chat,
		Status:     &inactive,
	}); err != nil {
		slog.Error("failed to mark listener inactive", "instance", r.instance.ID, "chat", chat, "err", err)
		return
	}

	r.mu.Lock()
	delete(r.active, chat)
	r.mu.Unlock()
	slog.Info("listener deactivated", "instance", r.instance.ID, "chat", chat, "reason", reason)
}

// ensureListener subscribes a chat, evicting the least-recently-active
// non-exempt listener when the instance is at capacity.
func (r *runner) ensureListener(ctx context.Context, chat string, manual, fixed bool) error {
	if _, ok := r.lookup(chat); ok {
		if manual || fixed {
			l, err := r.sup.store.UpsertListener(ctx, &store.Listener{
				InstanceID:  r.instance.ID,
				ChatName:    chat,
				ManualAdded: manual,
				Fixed:       fixed,
			})
			if err != nil {
				return err
			}
			r.remember(l)
		}
		return nil
	}

	if r.activeCount() >= r.sup.profile.MaxListenersPerInstance {
		victim := r.leastRecentlyActive()
		if victim == "" {
			return apperr.New(apperr.KindOverload,
				"listener capacity %d reached for instance %s, no evictable listener",
				r.sup.profile.MaxListenersPerInstance, r.instance.ID)
		}
		r.deactivate(ctx, victim, "capacity")
	}

	// A new registration counts as activity, otherwise a quiet chat would be
	// reaped on the first tick before any message arrives.
	l, err := r.sup.store.UpsertListener(ctx, &store.Listener{
		InstanceID:      r.instance.ID,
		ChatName:        chat,
		Status:          store.ListenerActive,
		ManualAdded:     manual,
		Fixed:           fixed,
		LastMessageTime: time.Now().Unix(),
	})
	if err != nil {
		return err
	}

	if err := r.client.AddListener(ctx, chat, defaultListenerOptions); err != nil {
		return err
	}

	r.remember(l)
	slog.Info("listener registered", "instance", r.instance.ID, "chat", chat, "manual", manual, "fixed", fixed)
	return nil
}

// reconcileFixed ensures every enabled fixed-listener session is subscribed.
// Fixed listeners are never auto-removed, so removal from the fixed config
// merely drops the exemption on the next operator action.
func (r *runner) reconcileFixed(ctx context.Context) error {
	enabled := true
	fixed, err := r.sup.store.ListFixedListeners(ctx, &store.FindFixedListener{Enabled: &enabled})
	if err != nil {
		return err
	}
	for _, f := range fixed {
		if err := r.ensureListener(ctx, f.SessionName, false, true); err != nil {
			slog.Warn("fixed listener not ensured", "instance", r.instance.ID, "chat", f.SessionName, "err", err)
		}
	}
	return nil
}

func (r *runner) requestFixedReconcile() {
	select {
	case r.fixedReconcile <- struct{}{}:
	default:
	}
}

// In-memory state helpers. Each runner guards its own active map; the
// supervisor mutex only covers the runner registry.

func (r *runner) lookup(chat string) (*store.Listener, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.active[chat]
	return l, ok
}

func (r *runner) remember(l *store.Listener) {
	r.mu.Lock()
	r.active[l.ChatName] = l
	r.mu.Unlock()
}

func (r *runner) touch(chat string, createTime int64) {
	r.mu.Lock()
	if l, ok := r.active[chat]; ok && createTime > l.LastMessageTime {
		l.LastMessageTime = createTime
	}
	r.mu.Unlock()
}

func (r *runner) activeChats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.active))
	for chat := range r.active {
		out = append(out, chat)
	}
	return out
}

func (r *runner) snapshot() []*store.Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*store.Listener, 0, len(r.active))
	for _, l := range r.active {
		copied := *l
		out = append(out, &copied)
	}
	return out
}

func (r *runner) activeCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

func (r *runner) leastRecentlyActive() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	victim := ""
	var oldest int64
	for chat, l := range r.active {
		if l.Exempt() {
			continue
		}
		if victim == "" || l.LastMessageTime < oldest {
			victim = chat
			oldest = l.LastMessageTime
		}
	}
	return victim
}

func latestCreateTime(msgs []remote.RawMessage) int64 {
	var latest int64
	for _, m := range msgs {
		if m.CreateTime > latest {
			latest = m.CreateTime
		}
	}
	return latest
}
