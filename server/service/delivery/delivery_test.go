package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/wxbridge/internal/profile"
	"github.com/hrygo/wxbridge/plugin/platforms"
	"github.com/hrygo/wxbridge/server/service/rules"
	"github.com/hrygo/wxbridge/store"
	"github.com/hrygo/wxbridge/store/db/sqlite"
)

type sendCall struct {
	chat   string
	text   string
	atList []string
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []sendCall
	fail  bool
	typed int
}

func (f *fakeSender) SendText(_ context.Context, chat, text string, atList []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errFake
	}
	f.sent = append(f.sent, sendCall{chat: chat, text: text, atList: atList})
	return nil
}

func (f *fakeSender) SendTyping(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typed++
	return nil
}

var errFake = errors.New("send failed")

type fakeClients struct {
	sender *fakeSender
}

func (f *fakeClients) SenderFor(string) (Sender, bool) { return f.sender, true }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	p := &profile.Profile{
		Mode: "dev",
		DSN:  filepath.Join(t.TempDir(), "wxbridge_test.db"),
	}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	require.NoError(t, driver.Migrate(context.Background()))
	s := store.New(driver, p)
	t.Cleanup(func() { s.Close() })
	return s
}

type testRig struct {
	store    *store.Store
	pipeline *Pipeline
	sender   *fakeSender
	profile  *profile.Profile
}

func newTestRig(t *testing.T, prof *profile.Profile) *testRig {
	t.Helper()
	s := newTestStore(t)
	if prof == nil {
		prof = &profile.Profile{}
	}
	if prof.DeliveryBatchSize == 0 {
		prof.DeliveryBatchSize = 10
	}
	if prof.DeliveryConcurrency == 0 {
		prof.DeliveryConcurrency = 4
	}
	if prof.DeliveryMaxRetries == 0 {
		prof.DeliveryMaxRetries = 3
	}
	if prof.MergeWindowSeconds == 0 {
		prof.MergeWindowSeconds = 60
	}

	engine := rules.NewEngine(s)
	registry := platforms.NewRegistry(s)
	sender := &fakeSender{}
	pl := New(prof, s, engine, registry, &fakeClients{sender: sender}, nil)
	return &testRig{store: s, pipeline: pl, sender: sender, profile: prof}
}

func (r *testRig) rebuild(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.pipeline.engine.Rebuild(ctx))
	require.NoError(t, r.pipeline.registry.Rebuild(ctx))
}

func (r *testRig) scanAndWait(ctx context.Context) {
	r.pipeline.scanOnce(ctx)
	r.pipeline.serializer.wait()
}

// clearBackoff collapses the backoff gate so the next scan retries
// immediately.
func (r *testRig) clearBackoff() {
	r.pipeline.mu.Lock()
	r.pipeline.nextAttempt = map[string]time.Time{}
	r.pipeline.mu.Unlock()
}

func seedKeywordPlatform(t *testing.T, s *store.Store, id string) {
	t.Helper()
	_, err := s.CreatePlatform(context.Background(), &store.Platform{
		ID: id, Name: id, Type: store.PlatformKeyword, Enabled: true,
		Config: map[string]any{
			"rules": []any{map[string]any{
				"keywords":   []any{"hi", "m1", "m2", "m3", "first", "second", "third"},
				"match_type": "contains",
				"replies":    []any{"echo reply"},
			}},
		},
	})
	require.NoError(t, err)
}

func seedRule(t *testing.T, s *store.Store, r *store.Rule) {
	t.Helper()
	_, err := s.CreateRule(context.Background(), r)
	require.NoError(t, err)
}

func seedMessage(t *testing.T, s *store.Store, chat, sender, content string, createTime int64) *store.Message {
	t.Helper()
	msg, inserted, err := s.CreateMessage(context.Background(), &store.Message{
		MessageID:   content,
		InstanceID:  "i1",
		ChatName:    chat,
		Sender:      sender,
		Content:     content,
		MessageType: store.MessageTypeText,
		CreateTime:  createTime,
		Fingerprint: chat + "/" + content,
	})
	require.NoError(t, err)
	require.True(t, inserted)
	return msg
}

func TestHappyPathDeliversAndReplies(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	seedKeywordPlatform(t, rig.store, "p1")
	seedRule(t, rig.store, &store.Rule{ID: "r1", InstanceID: "*", ChatPattern: "*", PlatformID: "p1", Enabled: true})
	rig.rebuild(t)

	msg := seedMessage(t, rig.store, "alice", "alice", "hi", 1700000000)
	rig.scanAndWait(ctx)

	list, err := rig.store.ListMessages(ctx, &store.FindMessage{ID: &msg.ID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.True(t, list[0].Processed)
	require.Equal(t, store.StatusSuccess, list[0].DeliveryStatus)
	require.Equal(t, store.StatusSuccess, list[0].ReplyStatus)
	require.Equal(t, "echo reply", list[0].ReplyContent)
	require.Equal(t, "p1", list[0].PlatformID)

	require.Len(t, rig.sender.sent, 1)
	require.Equal(t, "alice", rig.sender.sent[0].chat)
	require.Equal(t, "echo reply", rig.sender.sent[0].text)
}

func TestNoRuleMarksProcessedWithoutDelivery(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	rig.rebuild(t)
	msg := seedMessage(t, rig.store, "alice", "alice", "hi", 1700000000)
	rig.scanAndWait(ctx)

	list, err := rig.store.ListMessages(ctx, &store.FindMessage{ID: &msg.ID})
	require.NoError(t, err)
	require.True(t, list[0].Processed)
	require.Equal(t, store.StatusNone, list[0].DeliveryStatus)
	require.Empty(t, rig.sender.sent)
}

func TestMergeWindowCoalescesSameChatRun(t *testing.T) {
	rig := newTestRig(t, &profile.Profile{MergeMessages: true, MergeWindowSeconds: 60})
	ctx := context.Background()

	seedKeywordPlatform(t, rig.store, "p1")
	seedRule(t, rig.store, &store.Rule{ID: "r1", InstanceID: "*", ChatPattern: "*", PlatformID: "p1", Enabled: true})
	rig.rebuild(t)

	seedMessage(t, rig.store, "group", "A", "m1", 1700000000)
	seedMessage(t, rig.store, "group", "A", "m2", 1700000010)
	seedMessage(t, rig.store, "group", "A", "m3", 1700000020)
	rig.scanAndWait(ctx)

	// One platform call, one reply, all rows share the outcome.
	require.Len(t, rig.sender.sent, 1)

	list, err := rig.store.ListMessages(ctx, &store.FindMessage{})
	require.NoError(t, err)
	require.Len(t, list, 3)
	for _, m := range list {
		require.True(t, m.Processed)
		require.Equal(t, store.StatusSuccess, m.DeliveryStatus)
		require.Equal(t, "echo reply", m.ReplyContent)
	}
}

func TestMergeRespectsWindowGap(t *testing.T) {
	rig := newTestRig(t, &profile.Profile{MergeMessages: true, MergeWindowSeconds: 60})
	ctx := context.Background()

	seedKeywordPlatform(t, rig.store, "p1")
	seedRule(t, rig.store, &store.Rule{ID: "r1", InstanceID: "*", ChatPattern: "*", PlatformID: "p1", Enabled: true})
	rig.rebuild(t)

	seedMessage(t, rig.store, "group", "A", "m1", 1700000000)
	seedMessage(t, rig.store, "group", "A", "m2", 1700000300) // outside the window
	rig.scanAndWait(ctx)

	require.Len(t, rig.sender.sent, 2)
}

func TestReplyAtSenderInGroupChat(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	seedKeywordPlatform(t, rig.store, "p1")
	seedRule(t, rig.store, &store.Rule{
		ID: "r1", InstanceID: "*", ChatPattern: "*", PlatformID: "p1",
		Enabled: true, ReplyAtSender: true,
	})
	rig.rebuild(t)

	// Group chat: sender differs from the chat name.
	seedMessage(t, rig.store, "dev group", "bob", "hi", 1700000000)
	rig.scanAndWait(ctx)

	require.Len(t, rig.sender.sent, 1)
	require.Equal(t, "@bob echo reply", rig.sender.sent[0].text)
	require.Equal(t, []string{"bob"}, rig.sender.sent[0].atList)
}

func TestSendBackFailureKeepsDeliverySuccess(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.sender.fail = true
	ctx := context.Background()

	seedKeywordPlatform(t, rig.store, "p1")
	seedRule(t, rig.store, &store.Rule{ID: "r1", InstanceID: "*", ChatPattern: "*", PlatformID: "p1", Enabled: true})
	rig.rebuild(t)

	msg := seedMessage(t, rig.store, "alice", "alice", "hi", 1700000000)
	rig.scanAndWait(ctx)

	list, err := rig.store.ListMessages(ctx, &store.FindMessage{ID: &msg.ID})
	require.NoError(t, err)
	require.True(t, list[0].Processed)
	require.Equal(t, store.StatusSuccess, list[0].DeliveryStatus)
	require.Equal(t, store.StatusFailed, list[0].ReplyStatus)
	require.NotEmpty(t, list[0].LastError)
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	rig := newTestRig(t, &profile.Profile{DeliveryMaxRetries: 3})
	ctx := context.Background()

	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"answer": "done", "conversation_id": "c1"})
	}))
	t.Cleanup(srv.Close)

	_, err := rig.store.CreatePlatform(ctx, &store.Platform{
		ID: "p1", Name: "conv", Type: store.PlatformDify, Enabled: true,
		Config: map[string]any{"api_base": srv.URL, "api_key": "k"},
	})
	require.NoError(t, err)
	seedRule(t, rig.store, &store.Rule{ID: "r1", InstanceID: "*", ChatPattern: "*", PlatformID: "p1", Enabled: true})
	rig.rebuild(t)

	msg := seedMessage(t, rig.store, "alice", "alice", "hi", 1700000000)

	for i := 0; i < 3; i++ {
		rig.scanAndWait(ctx)
		rig.clearBackoff()
	}

	require.Equal(t, 3, attempts)
	list, err := rig.store.ListMessages(ctx, &store.FindMessage{ID: &msg.ID})
	require.NoError(t, err)
	require.True(t, list[0].Processed)
	require.Equal(t, store.StatusSuccess, list[0].DeliveryStatus)
	require.Equal(t, 2, list[0].RetryCount)
}

func TestRetriesExhaustToFailure(t *testing.T) {
	rig := newTestRig(t, &profile.Profile{DeliveryMaxRetries: 2})
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	_, err := rig.store.CreatePlatform(ctx, &store.Platform{
		ID: "p1", Name: "conv", Type: store.PlatformDify, Enabled: true,
		Config: map[string]any{"api_base": srv.URL, "api_key": "k"},
	})
	require.NoError(t, err)
	seedRule(t, rig.store, &store.Rule{ID: "r1", InstanceID: "*", ChatPattern: "*", PlatformID: "p1", Enabled: true})
	rig.rebuild(t)

	msg := seedMessage(t, rig.store, "alice", "alice", "hi", 1700000000)

	for i := 0; i < 3; i++ {
		rig.scanAndWait(ctx)
		rig.clearBackoff()
	}

	list, err := rig.store.ListMessages(ctx, &store.FindMessage{ID: &msg.ID})
	require.NoError(t, err)
	require.True(t, list[0].Processed)
	require.Equal(t, store.StatusFailed, list[0].DeliveryStatus)
	require.NotEmpty(t, list[0].LastError)
}

func TestRetryBackoffHoldsBackNewerSameChatMessages(t *testing.T) {
	rig := newTestRig(t, &profile.Profile{DeliveryMaxRetries: 3})
	ctx := context.Background()

	var mu sync.Mutex
	var served []string
	failedOnce := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Query string `json:"query"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		defer mu.Unlock()
		if !failedOnce {
			failedOnce = true
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		served = append(served, body.Query)
		json.NewEncoder(w).Encode(map[string]string{"answer": body.Query, "conversation_id": "c1"})
	}))
	t.Cleanup(srv.Close)

	_, err := rig.store.CreatePlatform(ctx, &store.Platform{
		ID: "p1", Name: "conv", Type: store.PlatformDify, Enabled: true,
		Config: map[string]any{"api_base": srv.URL, "api_key": "k"},
	})
	require.NoError(t, err)
	seedRule(t, rig.store, &store.Rule{ID: "r1", InstanceID: "*", ChatPattern: "*", PlatformID: "p1", Enabled: true})
	rig.rebuild(t)

	seedMessage(t, rig.store, "alice", "alice", "first", 1700000000)
	seedMessage(t, rig.store, "alice", "alice", "second", 1700000100)

	// The older message fails transiently; while its backoff gate is set the
	// newer one must not slip past it.
	rig.scanAndWait(ctx)
	mu.Lock()
	require.Empty(t, served)
	mu.Unlock()

	unprocessed := false
	pending, err := rig.store.ListMessages(ctx, &store.FindMessage{Processed: &unprocessed})
	require.NoError(t, err)
	require.Len(t, pending, 2)

	rig.clearBackoff()
	rig.scanAndWait(ctx)
	mu.Lock()
	require.Equal(t, []string{"first", "second"}, served)
	mu.Unlock()
}

func TestAtGateSeesRawMessagesOfMergedRun(t *testing.T) {
	rig := newTestRig(t, &profile.Profile{MergeMessages: true, MergeWindowSeconds: 60})
	ctx := context.Background()

	seedKeywordPlatform(t, rig.store, "p1")
	seedRule(t, rig.store, &store.Rule{
		ID: "r1", InstanceID: "*", ChatPattern: "*", PlatformID: "p1",
		Enabled: true, OnlyAtMessages: true, AtName: "bot",
	})
	rig.rebuild(t)

	// The mention sits on the first raw message; the merged rendering prefixes
	// every line with the sender and must not hide it from the gate.
	seedMessage(t, rig.store, "dev group", "A", "@bot first", 1700000000)
	seedMessage(t, rig.store, "dev group", "B", "second", 1700000010)
	rig.scanAndWait(ctx)

	require.Len(t, rig.sender.sent, 1)
	list, err := rig.store.ListMessages(ctx, &store.FindMessage{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, m := range list {
		require.True(t, m.Processed)
		require.Equal(t, store.StatusSuccess, m.DeliveryStatus)
	}
}

func TestOrderPreservedWithinChat(t *testing.T) {
	rig := newTestRig(t, nil)
	ctx := context.Background()

	seedKeywordPlatform(t, rig.store, "p1")
	seedRule(t, rig.store, &store.Rule{ID: "r1", InstanceID: "*", ChatPattern: "*", PlatformID: "p1", Enabled: true})
	rig.rebuild(t)

	seedMessage(t, rig.store, "alice", "alice", "first", 1700000000)
	seedMessage(t, rig.store, "alice", "alice", "second", 1700000100)
	seedMessage(t, rig.store, "alice", "alice", "third", 1700000200)
	rig.scanAndWait(ctx)

	require.Len(t, rig.sender.sent, 3)

	list, err := rig.store.ListMessages(ctx, &store.FindMessage{})
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i := 1; i < len(list); i++ {
		require.LessOrEqual(t, list[i-1].DeliveryTime, list[i].DeliveryTime)
	}
}
