package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/hrygo/wxbridge/internal/apperr"
	"github.com/hrygo/wxbridge/internal/version"
)

const defaultTimeout = 30 * time.Second

// The automation endpoint drives a desktop UI; pace requests so polling and
// send-back cannot flood it.
const (
	requestsPerSecond = 10
	requestBurst      = 20
)

// breakerCooldown bounds how long a tripped client stays open before a probe
// is allowed through again.
const breakerCooldown = 60 * time.Second

// Config describes one remote endpoint binding.
type Config struct {
	InstanceID string
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
}

// Client talks to a single instance's automation endpoint. Three consecutive
// failures trip the circuit breaker; while it is open every call fails fast
// and the supervisor pauses polling until a probe succeeds.
type Client struct {
	instanceID string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	limiter    *rate.Limiter

	stats        Stats
	serverUptime atomic.Int64
}

// NewClient creates a client for one instance.
func NewClient(cfg *Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	settings := gobreaker.Settings{
		Name:    "remote-" + cfg.InstanceID,
		Timeout: breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("remote client state change", "client", name, "from", from.String(), "to", to.String())
		},
	}

	return &Client{
		instanceID: cfg.InstanceID,
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    gobreaker.NewCircuitBreaker(settings),
		limiter:    rate.NewLimiter(rate.Limit(requestsPerSecond), requestBurst),
	}
}

// InstanceID returns the bound instance id.
func (c *Client) InstanceID() string {
	return c.instanceID
}

// Connected reports whether the breaker allows traffic.
func (c *Client) Connected() bool {
	return c.breaker.State() != gobreaker.StateOpen
}

// Stats returns a snapshot of call statistics.
func (c *Client) Stats() StatsSnapshot {
	return c.stats.Snapshot()
}

// ServerUptime returns the uptime reported by the last successful Init.
func (c *Client) ServerUptime() int64 {
	return c.serverUptime.Load()
}

// envelope is the {code, message, data} wrapper most mutating endpoints use.
type envelope struct {
	Code    *int            `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// call performs one HTTP round trip through the breaker, maps transport and
// protocol failures onto the error taxonomy, and decodes the response into
// out (which may be nil).
func (c *Client) call(ctx context.Context, method, path string, payload any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return apperr.Wrap(err, apperr.KindTimeout, "rate limiter wait")
	}
	start := time.Now()
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.doRequest(ctx, method, path, payload, out)
	})
	c.stats.record(time.Since(start), err)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperr.Wrap(err, apperr.KindNetwork, "remote client circuit open")
	}
	return err
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return apperr.Wrap(err, apperr.KindInternal, "failed to marshal request")
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "failed to build request")
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return apperr.Wrap(err, apperr.KindTimeout, "request timed out")
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return apperr.Wrap(err, apperr.KindTimeout, "request timed out")
		}
		return apperr.Wrap(err, apperr.KindNetwork, "request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Wrap(err, apperr.KindNetwork, "failed to read response")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperr.New(apperr.KindAuth, "remote rejected credentials, status %d", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return apperr.New(apperr.KindProtocol, "unexpected status %d: %s", resp.StatusCode, truncate(data, 200))
	}

	// Mutating endpoints answer with a {code, message, data} envelope where
	// code 0 is success; read endpoints answer with a bare JSON value.
	var env envelope
	if len(data) > 0 && data[0] == '{' && json.Unmarshal(data, &env) == nil && env.Code != nil {
		if *env.Code != 0 {
			return apperr.New(apperr.KindProtocol, "remote error code %d: %s", *env.Code, env.Message)
		}
		if out != nil && len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, out); err != nil {
				return apperr.Wrap(err, apperr.KindProtocol, "malformed response data")
			}
		}
		return nil
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return apperr.Wrap(err, apperr.KindProtocol, "malformed response")
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// minServerVersion is the oldest automation endpoint release whose API
// surface matches what this client calls.
const minServerVersion = "0.4.0"

// Init health-pings the remote and caches the reported uptime. Idempotent.
// Remotes older than minServerVersion are rejected; a remote that reports no
// version predates the field and is let through.
func (c *Client) Init(ctx context.Context) (*ServerStatus, error) {
	status := &ServerStatus{}
	if err := c.call(ctx, http.MethodGet, "/api/wechat/status", nil, status); err != nil {
		return nil, err
	}
	if status.Status != "ok" {
		return nil, apperr.New(apperr.KindProtocol, "remote status %q", status.Status)
	}
	if status.Version != "" && !version.IsVersionGreaterOrEqualThan(status.Version, minServerVersion) {
		return nil, apperr.New(apperr.KindProtocol,
			"remote version %s is older than the minimum supported %s", status.Version, minServerVersion)
	}
	c.serverUptime.Store(status.Uptime)
	return status, nil
}

// WechatInit asks the remote to (re)initialize its automation session.
func (c *Client) WechatInit(ctx context.Context) error {
	out := &struct {
		Status string `json:"status"`
	}{}
	if err := c.call(ctx, http.MethodPost, "/api/wechat/initialize", struct{}{}, out); err != nil {
		return err
	}
	if out.Status != "connected" {
		return apperr.New(apperr.KindProtocol, "initialize returned status %q", out.Status)
	}
	return nil
}

// AutoLogin attempts an unattended login bounded by timeout seconds.
func (c *Client) AutoLogin(ctx context.Context, timeoutSeconds int) (*LoginResult, error) {
	result := &LoginResult{}
	payload := map[string]int{"timeout": timeoutSeconds}
	if err := c.call(ctx, http.MethodPost, "/api/auxiliary/login/auto", payload, result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetQRCode fetches a login QR code as a data URL.
func (c *Client) GetQRCode(ctx context.Context) (string, error) {
	out := &struct {
		QRCodeDataURL string `json:"qrcode_data_url"`
	}{}
	if err := c.call(ctx, http.MethodPost, "/api/auxiliary/login/qrcode", struct{}{}, out); err != nil {
		return "", err
	}
	return out.QRCodeDataURL, nil
}

// ListUnreadMainWindow returns the unread chats visible in the main window.
func (c *Client) ListUnreadMainWindow(ctx context.Context) ([]ChatUnread, error) {
	var unread []ChatUnread
	if err := c.call(ctx, http.MethodGet, "/api/message/main-unread", nil, &unread); err != nil {
		return nil, err
	}
	return unread, nil
}

// AddListener subscribes the remote to a chat.
func (c *Client) AddListener(ctx context.Context, chatName string, opts ListenerOptions) error {
	payload := struct {
		ChatName string `json:"chat_name"`
		ListenerOptions
	}{ChatName: chatName, ListenerOptions: opts}
	return c.call(ctx, http.MethodPost, "/api/message/listener/add", payload, nil)
}

// RemoveListener unsubscribes the remote from a chat.
func (c *Client) RemoveListener(ctx context.Context, chatName string) error {
	payload := map[string]string{"chat_name": chatName}
	return c.call(ctx, http.MethodPost, "/api/message/listener/remove", payload, nil)
}

// FetchListenerMessages returns new messages for one subscribed chat.
func (c *Client) FetchListenerMessages(ctx context.Context, chatName string) ([]RawMessage, error) {
	var msgs []RawMessage
	path := "/api/message/listener?chat_name=" + url.QueryEscape(chatName)
	if err := c.call(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SendText sends a text reply, optionally at-mentioning members of atList.
func (c *Client) SendText(ctx context.Context, chatName, text string, atList []string) error {
	payload := struct {
		ChatName string   `json:"chat_name"`
		Text     string   `json:"text"`
		AtList   []string `json:"at_list,omitempty"`
	}{ChatName: chatName, Text: text, AtList: atList}
	return c.call(ctx, http.MethodPost, "/api/message/send-text", payload, nil)
}

// SendFile sends a file by remote-visible path.
func (c *Client) SendFile(ctx context.Context, chatName, path string) error {
	payload := map[string]string{"chat_name": chatName, "path": path}
	return c.call(ctx, http.MethodPost, "/api/message/send-file", payload, nil)
}

// SendImage sends an image; the remote treats it as a file upload.
func (c *Client) SendImage(ctx context.Context, chatName, path string) error {
	return c.SendFile(ctx, chatName, path)
}

// SendTyping signals a typing indicator. Best-effort: a failure is reported
// but callers treat it as cosmetic.
func (c *Client) SendTyping(ctx context.Context, chatName string) error {
	payload := map[string]string{"chat_name": chatName}
	return c.call(ctx, http.MethodPost, "/api/message/send-typing", payload, nil)
}

var _ fmt.Stringer = (*Client)(nil)

func (c *Client) String() string {
	return fmt.Sprintf("remote.Client(instance=%s, base=%s)", c.instanceID, c.baseURL)
}
