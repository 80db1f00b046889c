package platforms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/wxbridge/internal/apperr"
	"github.com/hrygo/wxbridge/store"
)

func keywordConfig(rules ...map[string]any) map[string]any {
	raw := make([]any, len(rules))
	for i, r := range rules {
		raw[i] = r
	}
	return map[string]any{"rules": raw}
}

func TestKeywordMatchTypes(t *testing.T) {
	p, err := Build(&store.Platform{
		ID:   "p1",
		Type: store.PlatformKeyword,
		Config: keywordConfig(
			map[string]any{
				"keywords":   []any{"ping"},
				"match_type": "exact",
				"replies":    []any{"pong"},
			},
			map[string]any{
				"keywords":   []any{"help"},
				"match_type": "contains",
				"replies":    []any{"ask away"},
			},
			map[string]any{
				"keywords":   []any{"天气"},
				"match_type": "fuzzy",
				"replies":    []any{"看看窗外"},
			},
		),
	}, Deps{})
	require.NoError(t, err)

	tests := []struct {
		content string
		reply   string
		should  bool
	}{
		{"ping", "pong", true},
		{"ping me", "", false}, // exact does not match a superstring
		{"can you help me", "ask away", true},
		{"今天天气怎么样", "看看窗外", true},
		{"天...气", "看看窗外", true}, // fuzzy matches in-order runes
		{"unrelated", "", false},
	}
	for _, tt := range tests {
		reply, err := p.Process(context.Background(), &Request{Content: tt.content})
		require.NoError(t, err)
		require.Equal(t, tt.should, reply.ShouldReply, "content %q", tt.content)
		if tt.should {
			require.Equal(t, tt.reply, reply.Content)
		}
	}
}

func TestKeywordRotatingReplies(t *testing.T) {
	p, err := Build(&store.Platform{
		ID:   "p1",
		Type: store.PlatformKeyword,
		Config: keywordConfig(map[string]any{
			"keywords": []any{"hi"},
			"replies":  []any{"one", "two"},
		}),
	}, Deps{})
	require.NoError(t, err)

	var got []string
	for i := 0; i < 4; i++ {
		reply, err := p.Process(context.Background(), &Request{Content: "hi"})
		require.NoError(t, err)
		got = append(got, reply.Content)
	}
	require.Equal(t, []string{"one", "two", "one", "two"}, got)
}

func TestKeywordConfigValidation(t *testing.T) {
	_, err := Build(&store.Platform{
		ID:     "p1",
		Type:   store.PlatformKeyword,
		Config: map[string]any{},
	}, Deps{})
	require.Error(t, err)
	require.Equal(t, apperr.KindConfig, apperr.KindOf(err))

	_, err = Build(&store.Platform{
		ID:   "p1",
		Type: store.PlatformKeyword,
		Config: keywordConfig(map[string]any{
			"keywords":   []any{"hi"},
			"replies":    []any{"yo"},
			"match_type": "soundex",
		}),
	}, Deps{})
	require.Equal(t, apperr.KindConfig, apperr.KindOf(err))
}

func TestKeywordAliasTypeBuilds(t *testing.T) {
	p, err := Build(&store.Platform{
		ID:   "p1",
		Type: store.PlatformKeywordAlias,
		Config: keywordConfig(map[string]any{
			"keywords": []any{"hi"},
			"replies":  []any{"yo"},
		}),
	}, Deps{})
	require.NoError(t, err)
	require.Equal(t, store.PlatformKeyword, p.Kind())
}

func TestKeywordDelayHonorsCancellation(t *testing.T) {
	p, err := Build(&store.Platform{
		ID:   "p1",
		Type: store.PlatformKeyword,
		Config: keywordConfig(map[string]any{
			"keywords":  []any{"hi"},
			"replies":   []any{"yo"},
			"min_delay": float64(30),
			"max_delay": float64(30),
		}),
	}, Deps{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Process(ctx, &Request{Content: "hi"})
	require.Error(t, err)
	require.Equal(t, apperr.KindTimeout, apperr.KindOf(err))
}
