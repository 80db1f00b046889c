package rules

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/wxbridge/internal/profile"
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

func seedPlatform(t *testing.T, s *store.Store, id string, enabled bool) {
	t.Helper()
	_, err := s.CreatePlatform(context.Background(), &store.Platform{
		ID:      id,
		Name:    id,
		Type:    store.PlatformKeyword,
		Config:  map[string]any{},
		Enabled: enabled,
	})
	require.NoError(t, err)
}

func TestAtMentioned(t *testing.T) {
	tests := []struct {
		content string
		atName  string
		want    bool
	}{
		{"@bot hello", "bot", true},
		{"  @bot hello", "bot", true},
		{"@bot", "bot", true},
		{"@bot2 hello", "bot", false},
		{"hello @bot", "bot", false},
		{"@ bot hello", "bot", false},
		{"@bot hello", "", false},
		{"@机器人 记账", "机器人", true},
	}
	for _, tt := range tests {
		if got := AtMentioned(tt.content, tt.atName); got != tt.want {
			t.Errorf("AtMentioned(%q, %q) = %v, want %v", tt.content, tt.atName, got, tt.want)
		}
	}
}

func TestMatchPriorityAndTieBreak(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPlatform(t, s, "p1", true)

	for _, r := range []*store.Rule{
		{ID: "r-010", InstanceID: "*", ChatPattern: "*", PlatformID: "p1", Priority: 5, Enabled: true},
		{ID: "r-002", InstanceID: "*", ChatPattern: "*", PlatformID: "p1", Priority: 5, Enabled: true},
	} {
		_, err := s.CreateRule(ctx, r)
		require.NoError(t, err)
	}

	engine := NewEngine(s)
	require.NoError(t, engine.Rebuild(ctx))

	// Equal priority ties break on the lexicographically smallest rule id.
	got := engine.Match("i1", "alice", "hi")
	require.NotNil(t, got)
	require.Equal(t, "r-002", got.ID)

	// Determinism: the same input yields the same rule.
	for i := 0; i < 5; i++ {
		require.Equal(t, "r-002", engine.Match("i1", "alice", "hi").ID)
	}
}

func TestMatchInstanceSelectorAndPatternDialects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPlatform(t, s, "p1", true)

	for _, r := range []*store.Rule{
		{ID: "r-lit", InstanceID: "i1", ChatPattern: "alice", PlatformID: "p1", Priority: 9, Enabled: true},
		{ID: "r-re", InstanceID: "*", ChatPattern: "regex:^dev-.*$", PlatformID: "p1", Priority: 5, Enabled: true},
		{ID: "r-any", InstanceID: "*", ChatPattern: "*", PlatformID: "p1", Priority: 0, Enabled: true},
	} {
		_, err := s.CreateRule(ctx, r)
		require.NoError(t, err)
	}

	engine := NewEngine(s)
	require.NoError(t, engine.Rebuild(ctx))

	require.Equal(t, "r-lit", engine.Match("i1", "alice", "hi").ID)
	require.Equal(t, "r-any", engine.Match("i2", "alice", "hi").ID)
	require.Equal(t, "r-re", engine.Match("i2", "dev-backend", "hi").ID)
	require.Equal(t, "r-any", engine.Match("i2", "bob", "hi").ID)
}

func TestMatchAtGate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPlatform(t, s, "p1", true)

	_, err := s.CreateRule(ctx, &store.Rule{
		ID: "r-at", InstanceID: "*", ChatPattern: "*", PlatformID: "p1",
		Priority: 5, Enabled: true, OnlyAtMessages: true, AtName: "bot",
	})
	require.NoError(t, err)

	engine := NewEngine(s)
	require.NoError(t, engine.Rebuild(ctx))

	require.NotNil(t, engine.Match("i1", "group", "@bot hello"))
	require.Nil(t, engine.Match("i1", "group", "@bot2 hello"))
	require.Nil(t, engine.Match("i1", "group", "hello @bot"))

	// For a multi-message unit the gate passes when any member mentions the
	// name, wherever it sits in the run.
	require.NotNil(t, engine.Match("i1", "group", "@bot hello", "more context"))
	require.NotNil(t, engine.Match("i1", "group", "some context", "@bot do it"))
	require.Nil(t, engine.Match("i1", "group", "hello", "still no mention"))
	require.Nil(t, engine.Match("i1", "group"))
}

func TestMatchSkipsDisabledPlatform(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPlatform(t, s, "p-off", false)
	seedPlatform(t, s, "p-on", true)

	for _, r := range []*store.Rule{
		{ID: "r-a", InstanceID: "*", ChatPattern: "*", PlatformID: "p-off", Priority: 9, Enabled: true},
		{ID: "r-b", InstanceID: "*", ChatPattern: "*", PlatformID: "p-on", Priority: 0, Enabled: true},
	} {
		_, err := s.CreateRule(ctx, r)
		require.NoError(t, err)
	}

	engine := NewEngine(s)
	require.NoError(t, engine.Rebuild(ctx))

	got := engine.Match("i1", "alice", "hi")
	require.NotNil(t, got)
	require.Equal(t, "r-b", got.ID)
}

func TestRebuildKeepsPreviousSetOnInvalidRegexRule(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedPlatform(t, s, "p1", true)

	for _, r := range []*store.Rule{
		{ID: "r-bad", InstanceID: "*", ChatPattern: "regex:([", PlatformID: "p1", Priority: 9, Enabled: true},
		{ID: "r-ok", InstanceID: "*", ChatPattern: "*", PlatformID: "p1", Priority: 0, Enabled: true},
	} {
		_, err := s.CreateRule(ctx, r)
		require.NoError(t, err)
	}

	engine := NewEngine(s)
	require.NoError(t, engine.Rebuild(ctx))

	// The malformed rule is skipped, the rest of the set still applies.
	got := engine.Match("i1", "alice", "hi")
	require.NotNil(t, got)
	require.Equal(t, "r-ok", got.ID)
}
