// Package delivery drives unprocessed messages through rule match, platform
// dispatch and reply send-back. A per-chat serializer preserves create_time
// order inside one chat; a bounded worker pool limits global parallelism.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hrygo/wxbridge/internal/apperr"
	"github.com/hrygo/wxbridge/internal/profile"
	"github.com/hrygo/wxbridge/plugin/platforms"
	"github.com/hrygo/wxbridge/server/service/rules"
	"github.com/hrygo/wxbridge/store"
)

// scanInterval is how often the scanner looks for unprocessed rows.
const scanInterval = 5 * time.Second

// drainTimeout bounds how long shutdown waits for in-flight units.
const drainTimeout = 30 * time.Second

// platformCallTimeout caps one platform.Process call.
const platformCallTimeout = 60 * time.Second

// Sender is the slice of the remote client the pipeline needs to push
// replies back.
type Sender interface {
	SendText(ctx context.Context, chatName, text string, atList []string) error
	SendTyping(ctx context.Context, chatName string) error
}

// ClientProvider resolves the live remote client for an instance. The
// listener supervisor owns the clients and implements this.
type ClientProvider interface {
	SenderFor(instanceID string) (Sender, bool)
}

// Hooks receive pipeline outcome notifications; the monitor implements them.
type Hooks interface {
	OnProcessed(count int)
	OnDelivered()
	OnReplied()
	OnFailure(stage string, err error)
}

type noopHooks struct{}

func (noopHooks) OnProcessed(int)          {}
func (noopHooks) OnDelivered()             {}
func (noopHooks) OnReplied()               {}
func (noopHooks) OnFailure(string, error)  {}

// unit is one logical delivery: a single message or a merged run of
// same-chat messages.
type unit struct {
	instanceID string
	chatName   string
	messages   []*store.Message // create_time ascending
}

func (u *unit) key() string { return u.instanceID + "\x1f" + u.chatName }

// content renders the unit for the platform: a lone message passes through,
// a merged run becomes "sender: text" lines in time order.
func (u *unit) content() string {
	if len(u.messages) == 1 {
		return u.messages[0].Content
	}
	lines := make([]string, len(u.messages))
	for i, m := range u.messages {
		lines[i] = m.Sender + ": " + m.Content
	}
	return strings.Join(lines, "\n")
}

// head is the youngest member; its identity represents the unit.
func (u *unit) head() *store.Message { return u.messages[len(u.messages)-1] }

// rawContents returns each member's original text. Rule matching looks at
// the raw messages, not the merged rendering with its sender prefixes.
func (u *unit) rawContents() []string {
	out := make([]string, len(u.messages))
	for i, m := range u.messages {
		out[i] = m.Content
	}
	return out
}

// Pipeline is the delivery pipeline.
type Pipeline struct {
	profile  *profile.Profile
	store    *store.Store
	engine   *rules.Engine
	registry *platforms.Registry
	clients  ClientProvider
	hooks    Hooks

	serializer *serializer
	workers    chan struct{}

	mu          sync.Mutex
	inflight    map[int64]bool       // row ids queued or processing
	nextAttempt map[string]time.Time // retry backoff gate per chat key
}

// New creates a pipeline. hooks may be nil.
func New(p *profile.Profile, s *store.Store, engine *rules.Engine, registry *platforms.Registry, clients ClientProvider, hooks Hooks) *Pipeline {
	if hooks == nil {
		hooks = noopHooks{}
	}
	pl := &Pipeline{
		profile:     p,
		store:       s,
		engine:      engine,
		registry:    registry,
		clients:     clients,
		hooks:       hooks,
		workers:     make(chan struct{}, p.DeliveryConcurrency),
		inflight:    make(map[int64]bool),
		nextAttempt: make(map[string]time.Time),
	}
	pl.serializer = newSerializer(pl.processUnit)
	return pl
}

// Run scans until ctx is cancelled, then drains in-flight units bounded by
// drainTimeout. Pending rows stay processed=0 for the next run.
func (pl *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(scanInterval)
	defer ticker.Stop()

	slog.Info("delivery pipeline started",
		"batch_size", pl.profile.DeliveryBatchSize,
		"concurrency", pl.profile.DeliveryConcurrency,
		"merge", pl.profile.MergeMessages)

	for {
		select {
		case <-ctx.Done():
			pl.drain()
			return ctx.Err()
		case <-ticker.C:
			pl.scanOnce(ctx)
		}
	}
}

func (pl *Pipeline) drain() {
	done := make(chan struct{})
	go func() {
		pl.serializer.wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("delivery pipeline drained")
	case <-time.After(drainTimeout):
		slog.Warn("delivery drain timed out, pending units stay unprocessed")
	}
}

// scanOnce selects the oldest unprocessed rows, groups them into units and
// enqueues each on its chat serializer.
func (pl *Pipeline) scanOnce(ctx context.Context) {
	unprocessed := false
	msgs, err := pl.store.ListMessages(ctx, &store.FindMessage{
		Processed: &unprocessed,
		Limit:     pl.profile.DeliveryBatchSize,
	})
	if err != nil {
		slog.Error("delivery scan failed", "err", err)
		pl.hooks.OnFailure("scan", err)
		return
	}

	now := time.Now()
	eligible := msgs[:0]
	pl.mu.Lock()
	for _, m := range msgs {
		if pl.inflight[m.ID] {
			continue
		}
		// The gate covers the whole chat: while one unit backs off, every
		// newer row of the same chat waits so create_time order holds.
		if at, ok := pl.nextAttempt[m.InstanceID+"\x1f"+m.ChatName]; ok && now.Before(at) {
			continue
		}
		eligible = append(eligible, m)
	}
	pl.mu.Unlock()

	for _, u := range pl.buildUnits(eligible) {
		pl.markInflight(u, true)
		if err := pl.serializer.enqueue(u.key(), u); err != nil {
			pl.markInflight(u, false)
			slog.Warn("delivery queue overloaded", "chat", u.chatName, "err", err)
			pl.hooks.OnFailure("enqueue", err)
		}
	}
}

// buildUnits groups same-chat messages whose gaps fit the merge window.
// Messages arrive oldest first; only consecutive rows of one chat merge.
func (pl *Pipeline) buildUnits(msgs []*store.Message) []*unit {
	var units []*unit
	byChat := make(map[string]*unit)

	for _, m := range msgs {
		key := m.InstanceID + "\x1f" + m.ChatName
		if pl.profile.MergeMessages {
			if u, ok := byChat[key]; ok {
				gap := m.CreateTime - u.head().CreateTime
				if gap <= int64(pl.profile.MergeWindowSeconds) {
					u.messages = append(u.messages, m)
					continue
				}
			}
		}
		u := &unit{instanceID: m.InstanceID, chatName: m.ChatName, messages: []*store.Message{m}}
		units = append(units, u)
		byChat[key] = u
	}
	return units
}

func (pl *Pipeline) markInflight(u *unit, on bool) {
	pl.mu.Lock()
	for _, m := range u.messages {
		if on {
			pl.inflight[m.ID] = true
		} else {
			delete(pl.inflight, m.ID)
		}
	}
	pl.mu.Unlock()
}

// processUnit runs one unit end to end. Invoked by the serializer, so units
// of the same chat never overlap; the worker pool bounds parallelism across
// chats.
func (pl *Pipeline) processUnit(u *unit) {
	pl.workers <- struct{}{}
	defer func() { <-pl.workers }()
	defer pl.markInflight(u, false)

	// An earlier unit of this chat may have failed while we waited in the
	// queue. Skipping here keeps the rows unprocessed so the next scan
	// retries them in order once the gate opens.
	if pl.gated(u) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), platformCallTimeout+drainTimeout)
	defer cancel()

	head := u.head()
	rule := pl.engine.Match(u.instanceID, u.chatName, u.rawContents()...)
	if rule == nil {
		// No routing target; terminal, not an error.
		pl.finishUnit(ctx, u, store.StatusNone, "", "", 0, "")
		return
	}

	platform, ok := pl.registry.Get(rule.PlatformID)
	if !ok {
		pl.finishUnit(ctx, u, store.StatusFailed, rule.PlatformID, "", 0, "platform missing or disabled")
		pl.hooks.OnFailure("resolve", apperr.New(apperr.KindConfig, "platform %s unavailable", rule.PlatformID))
		return
	}

	callCtx, callCancel := context.WithTimeout(ctx, platformCallTimeout)
	reply, err := platform.Process(callCtx, &platforms.Request{
		InstanceID:  u.instanceID,
		ChatName:    u.chatName,
		Sender:      head.Sender,
		Content:     u.content(),
		MessageID:   head.MessageID,
		MessageType: head.MessageType,
		CreateTime:  head.CreateTime,
	})
	callCancel()
	if err != nil {
		pl.handleProcessFailure(ctx, u, rule.PlatformID, err)
		return
	}

	pl.clearRetryState(u)

	if !reply.ShouldReply {
		pl.finishUnit(ctx, u, store.StatusSuccess, rule.PlatformID, "", 0, "")
		pl.hooks.OnDelivered()
		return
	}

	replyStatus := store.StatusSuccess
	sendErr := pl.sendReply(ctx, u, rule, platform, reply.Content)
	if sendErr != nil {
		// The platform did produce a reply; only the send-back failed.
		replyStatus = store.StatusFailed
		slog.Error("reply send-back failed", "instance", u.instanceID, "chat", u.chatName, "err", sendErr)
		pl.hooks.OnFailure("send", sendErr)
	}

	pl.finishUnit(ctx, u, store.StatusSuccess, rule.PlatformID, reply.Content, replyStatus, errString(sendErr))
	pl.hooks.OnDelivered()
	if sendErr == nil {
		pl.hooks.OnReplied()
	}
}

func (pl *Pipeline) sendReply(ctx context.Context, u *unit, rule *store.Rule, platform platforms.Platform, content string) error {
	sender, ok := pl.clients.SenderFor(u.instanceID)
	if !ok {
		return apperr.New(apperr.KindNetwork, "no client for instance %s", u.instanceID)
	}

	if platform.SendMode() == platforms.SendModeTyping {
		if err := sender.SendTyping(ctx, u.chatName); err != nil {
			slog.Debug("typing signal failed", "chat", u.chatName, "err", err)
		}
	}

	var atList []string
	head := u.head()
	// In a group chat the sender differs from the chat itself; only then is
	// an at-mention meaningful.
	if rule.ReplyAtSender && head.Sender != u.chatName {
		content = "@" + head.Sender + " " + content
		atList = []string{head.Sender}
	}
	return sender.SendText(ctx, u.chatName, content, atList)
}

// handleProcessFailure applies the retry policy: transient failures stay
// unprocessed with a backoff gate until max retries, permanent failures are
// terminal immediately.
func (pl *Pipeline) handleProcessFailure(ctx context.Context, u *unit, platformID string, err error) {
	pl.hooks.OnFailure("platform", err)

	head := u.head()
	if !apperr.IsRetryable(err) {
		pl.finishUnit(ctx, u, store.StatusFailed, platformID, "", 0, err.Error())
		return
	}

	retry := head.RetryCount + 1
	if retry >= pl.profile.DeliveryMaxRetries {
		pl.finishUnit(ctx, u, store.StatusFailed, platformID, "", 0, err.Error())
		return
	}

	backoff := time.Duration(1<<uint(retry)) * time.Second
	pl.mu.Lock()
	pl.nextAttempt[u.key()] = time.Now().Add(backoff)
	pl.mu.Unlock()

	lastErr := err.Error()
	for _, m := range u.messages {
		m.RetryCount = retry
		if updErr := pl.store.UpdateMessageDelivery(ctx, &store.UpdateMessageDelivery{
			ID:         m.ID,
			RetryCount: &retry,
			LastError:  &lastErr,
		}); updErr != nil {
			slog.Error("failed to record retry", "message", m.ID, "err", updErr)
		}
	}
	slog.Warn("delivery retry scheduled",
		"instance", u.instanceID, "chat", u.chatName,
		"attempt", retry, "backoff", backoff, "err", err)
}

func (pl *Pipeline) clearRetryState(u *unit) {
	pl.mu.Lock()
	delete(pl.nextAttempt, u.key())
	pl.mu.Unlock()
}

func (pl *Pipeline) gated(u *unit) bool {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	at, ok := pl.nextAttempt[u.key()]
	return ok && time.Now().Before(at)
}

// finishUnit marks every member row processed with a shared outcome.
func (pl *Pipeline) finishUnit(ctx context.Context, u *unit, deliveryStatus int, platformID, replyContent string, replyStatus int, lastError string) {
	pl.clearRetryState(u)

	now := time.Now().Unix()
	processed := true
	for _, m := range u.messages {
		update := &store.UpdateMessageDelivery{
			ID:             m.ID,
			Processed:      &processed,
			DeliveryStatus: &deliveryStatus,
			DeliveryTime:   &now,
		}
		if platformID != "" {
			update.PlatformID = &platformID
		}
		if replyContent != "" {
			update.ReplyContent = &replyContent
			update.ReplyStatus = &replyStatus
			update.ReplyTime = &now
		}
		if lastError != "" {
			update.LastError = &lastError
		}
		if err := pl.store.UpdateMessageDelivery(ctx, update); err != nil {
			slog.Error("failed to record delivery outcome", "message", m.ID, "err", err)
			pl.hooks.OnFailure("store", err)
		}
	}
	pl.hooks.OnProcessed(len(u.messages))
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("send-back failed: %v", err)
}
