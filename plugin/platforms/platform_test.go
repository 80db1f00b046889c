package platforms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/wxbridge/internal/apperr"
	"github.com/hrygo/wxbridge/store"
)

func TestBuildRejectsUnknownType(t *testing.T) {
	_, err := Build(&store.Platform{ID: "p1", Type: "telegraph", Config: map[string]any{}}, Deps{})
	require.Error(t, err)
	require.Equal(t, apperr.KindConfig, apperr.KindOf(err))
}

func TestOpenAIProcess(t *testing.T) {
	var gotReq openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Role: "assistant", Content: "hello there"}},
			},
			Usage: openai.Usage{TotalTokens: 12},
		})
	}))
	t.Cleanup(srv.Close)

	p, err := Build(&store.Platform{
		ID:   "p1",
		Type: store.PlatformOpenAI,
		Config: map[string]any{
			"api_base":      srv.URL,
			"api_key":       "sk-test",
			"model":         "gpt-4o-mini",
			"system_prompt": "you are terse",
		},
	}, Deps{})
	require.NoError(t, err)

	reply, err := p.Process(context.Background(), &Request{Content: "hi"})
	require.NoError(t, err)
	require.True(t, reply.ShouldReply)
	require.Equal(t, "hello there", reply.Content)

	require.Len(t, gotReq.Messages, 2)
	require.Equal(t, "system", gotReq.Messages[0].Role)
	require.Equal(t, "you are terse", gotReq.Messages[0].Content)
	require.Equal(t, "hi", gotReq.Messages[1].Content)
}

func TestOpenAIRequiresAPIKeyAndModel(t *testing.T) {
	_, err := Build(&store.Platform{
		ID:     "p1",
		Type:   store.PlatformOpenAI,
		Config: map[string]any{"model": "gpt-4o-mini"},
	}, Deps{})
	require.Equal(t, apperr.KindConfig, apperr.KindOf(err))

	_, err = Build(&store.Platform{
		ID:     "p1",
		Type:   store.PlatformOpenAI,
		Config: map[string]any{"api_key": "sk-test"},
	}, Deps{})
	require.Equal(t, apperr.KindConfig, apperr.KindOf(err))
}

func TestRegistryRebuildSkipsInvalidRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreatePlatform(ctx, &store.Platform{
		ID: "p-ok", Name: "faq", Type: store.PlatformKeyword, Enabled: true,
		Config: keywordConfig(map[string]any{"keywords": []any{"hi"}, "replies": []any{"yo"}}),
	})
	require.NoError(t, err)
	_, err = s.CreatePlatform(ctx, &store.Platform{
		ID: "p-bad", Name: "broken", Type: store.PlatformOpenAI, Enabled: true,
		Config: map[string]any{},
	})
	require.NoError(t, err)
	_, err = s.CreatePlatform(ctx, &store.Platform{
		ID: "p-off", Name: "disabled", Type: store.PlatformKeyword, Enabled: false,
		Config: keywordConfig(map[string]any{"keywords": []any{"hi"}, "replies": []any{"yo"}}),
	})
	require.NoError(t, err)

	reg := NewRegistry(s)
	require.NoError(t, reg.Rebuild(ctx))

	_, ok := reg.Get("p-ok")
	require.True(t, ok)
	_, ok = reg.Get("p-bad")
	require.False(t, ok)
	_, ok = reg.Get("p-off")
	require.False(t, ok)

	// A second rebuild with the same rows is a no-op in effect.
	require.NoError(t, reg.Rebuild(ctx))
	_, ok = reg.Get("p-ok")
	require.True(t, ok)
}
