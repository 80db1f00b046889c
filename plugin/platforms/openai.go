package platforms

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	"github.com/hrygo/wxbridge/internal/apperr"
	"github.com/hrygo/wxbridge/store"
)

func init() {
	RegisterFactory(store.PlatformOpenAI, newOpenAIPlatform)
}

// openaiPlatform fronts any chat-completions-shaped endpoint.
type openaiPlatform struct {
	client       *openai.Client
	model        string
	temperature  float32
	maxTokens    int
	systemPrompt string
	timeout      time.Duration
	sendMode     SendMode
}

func newOpenAIPlatform(p *store.Platform, _ Deps) (Platform, error) {
	apiKey, err := confRequiredString(p.Config, "api_key")
	if err != nil {
		return nil, err
	}
	model, err := confRequiredString(p.Config, "model")
	if err != nil {
		return nil, err
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if base := confString(p.Config, "api_base", ""); base != "" {
		clientConfig.BaseURL = base
	}
	clientConfig.HTTPClient = newPlatformHTTPClient()

	return &openaiPlatform{
		client:       openai.NewClientWithConfig(clientConfig),
		model:        model,
		temperature:  float32(confFloat(p.Config, "temperature", 0.7)),
		maxTokens:    confInt(p.Config, "max_tokens", 2048),
		systemPrompt: confString(p.Config, "system_prompt", ""),
		timeout:      time.Duration(confInt(p.Config, "timeout", 60)) * time.Second,
		sendMode:     confSendMode(p.Config),
	}, nil
}

func (p *openaiPlatform) Kind() store.PlatformType { return store.PlatformOpenAI }
func (p *openaiPlatform) SendMode() SendMode       { return p.sendMode }

func (p *openaiPlatform) Initialize(context.Context) error { return nil }

func (p *openaiPlatform) Process(ctx context.Context, req *Request) (*Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if p.systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: p.systemPrompt,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Content,
	})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
		Messages:    messages,
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, apperr.New(apperr.KindPlatformTransient, "empty completion response")
	}

	return &Reply{
		Content:     resp.Choices[0].Message.Content,
		ShouldReply: true,
		Metadata: map[string]any{
			"model":        p.model,
			"total_tokens": resp.Usage.TotalTokens,
		},
	}, nil
}

func (p *openaiPlatform) Test(ctx context.Context) (*TestResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		MaxTokens:   1,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "Hi"},
		},
	})
	if err != nil {
		return &TestResult{OK: false, Detail: err.Error()}, nil
	}
	return &TestResult{OK: true, Detail: "model " + p.model + " reachable"}, nil
}

// classifyOpenAIError maps API errors onto the taxonomy: auth and bad-request
// failures are permanent, everything else is worth a retry.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return apperr.Wrap(err, apperr.KindAuth, "completion rejected")
		case http.StatusBadRequest, http.StatusNotFound:
			return apperr.Wrap(err, apperr.KindPlatformPermanent, "completion request invalid")
		default:
			return apperr.Wrap(err, apperr.KindPlatformTransient, "completion failed")
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Wrap(err, apperr.KindTimeout, "platform call timed out")
	}
	return apperr.Wrap(err, apperr.KindPlatformTransient, "completion failed")
}

func newPlatformHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}
