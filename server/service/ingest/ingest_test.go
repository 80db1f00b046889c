package ingest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/wxbridge/internal/profile"
	"github.com/hrygo/wxbridge/plugin/remote"
	"github.com/hrygo/wxbridge/store"
	"github.com/hrygo/wxbridge/store/db/sqlite"
)

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

func TestFingerprintStableWithinMinute(t *testing.T) {
	a := Fingerprint("alice", "hi", 1700000000)
	b := Fingerprint("alice", "hi", 1700000000+30)
	c := Fingerprint("alice", "hi", 1700000000+120)
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.NotEqual(t, a, Fingerprint("bob", "hi", 1700000000))
}

func TestIngestIdempotent(t *testing.T) {
	s := newTestStore(t)
	ig := New(s)
	ctx := context.Background()

	batch := []remote.RawMessage{
		{MessageID: "m1", Sender: "alice", Content: "hi", Type: "text", CreateTime: 1700000000},
		{MessageID: "m2", Sender: "alice", Content: "how are you", Type: "text", CreateTime: 1700000010},
	}

	res, err := ig.IngestBatch(ctx, "i1", "alice", batch)
	require.NoError(t, err)
	require.Equal(t, 2, res.Inserted)

	// The same batch again, and a permutation, insert nothing.
	res, err = ig.IngestBatch(ctx, "i1", "alice", batch)
	require.NoError(t, err)
	require.Equal(t, 0, res.Inserted)

	res, err = ig.IngestBatch(ctx, "i1", "alice", []remote.RawMessage{batch[1], batch[0]})
	require.NoError(t, err)
	require.Equal(t, 0, res.Inserted)

	list, err := s.ListMessages(ctx, &store.FindMessage{})
	require.NoError(t, err)
	require.Len(t, list, 2)
}

func TestSentinelCutsEarlierMessages(t *testing.T) {
	s := newTestStore(t)
	ig := New(s)
	ctx := context.Background()

	res, err := ig.IngestBatch(ctx, "i1", "alice", []remote.RawMessage{
		{MessageID: "m1", Sender: "alice", Content: "stale history", Type: "text", CreateTime: 1700000000},
		{MessageID: "m2", Sender: "", Content: "以下为新消息", Type: "other", CreateTime: 1700000001},
		{MessageID: "m3", Sender: "alice", Content: "fresh", Type: "text", CreateTime: 1700000002},
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Inserted)

	list, err := s.ListMessages(ctx, &store.FindMessage{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "fresh", list[0].Content)
}

func TestSelfAndTimeMessagesNeverPersisted(t *testing.T) {
	s := newTestStore(t)
	ig := New(s)
	ctx := context.Background()

	res, err := ig.IngestBatch(ctx, "i1", "alice", []remote.RawMessage{
		{MessageID: "m1", Sender: "Self", Content: "my own reply", Type: "text", CreateTime: 1700000000},
		{MessageID: "m2", Sender: "alice", Content: "14:02", Type: "time", CreateTime: 1700000001},
		{MessageID: "m3", Sender: "alice", Content: "real", Type: "Text", CreateTime: 1700000002},
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Inserted)
	require.Equal(t, 2, res.Dropped)

	list, err := s.ListMessages(ctx, &store.FindMessage{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, store.MessageTypeText, list[0].MessageType)
}

func TestMissingSenderBecomesSystem(t *testing.T) {
	s := newTestStore(t)
	ig := New(s)
	ctx := context.Background()

	_, err := ig.IngestBatch(ctx, "i1", "alice", []remote.RawMessage{
		{MessageID: "m1", Sender: "", Content: "joined the group", Type: "other", CreateTime: 1700000000},
	})
	require.NoError(t, err)

	list, err := s.ListMessages(ctx, &store.FindMessage{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "系统", list[0].Sender)
}

func TestListenerActivityMovesForwardOnly(t *testing.T) {
	s := newTestStore(t)
	ig := New(s)
	ctx := context.Background()

	_, err := s.UpsertListener(ctx, &store.Listener{InstanceID: "i1", ChatName: "alice"})
	require.NoError(t, err)

	_, err = ig.IngestBatch(ctx, "i1", "alice", []remote.RawMessage{
		{MessageID: "m1", Sender: "alice", Content: "late", Type: "text", CreateTime: 1700000200},
	})
	require.NoError(t, err)

	// A replayed older batch dedups away and must not rewind activity.
	_, err = ig.IngestBatch(ctx, "i1", "alice", []remote.RawMessage{
		{MessageID: "m0", Sender: "alice", Content: "early", Type: "text", CreateTime: 1700000100},
	})
	require.NoError(t, err)

	list, err := s.ListListeners(ctx, &store.FindListener{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, int64(1700000200), list[0].LastMessageTime)
}
