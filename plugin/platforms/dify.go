package platforms

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/wxbridge/internal/apperr"
	"github.com/hrygo/wxbridge/store"
	"github.com/hrygo/wxbridge/store/cache"
)

func init() {
	RegisterFactory(store.PlatformDify, newDifyPlatform)
}

// difyPlatform fronts a conversation-shaped endpoint. The server assigns a
// conversation id on the first turn; it is cached per (instance, chat) so the
// chat keeps one continuous conversation.
type difyPlatform struct {
	apiBase    string
	apiKey     string
	userID     string
	timeout    time.Duration
	sendMode   SendMode
	httpClient *http.Client

	// conversation ids keyed by instance + "\x1f" + chat
	conversations *cache.Cache
}

func newDifyPlatform(p *store.Platform, _ Deps) (Platform, error) {
	apiBase, err := confRequiredString(p.Config, "api_base")
	if err != nil {
		return nil, err
	}
	apiKey, err := confRequiredString(p.Config, "api_key")
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(confInt(p.Config, "timeout", 60)) * time.Second
	d := &difyPlatform{
		apiBase:    apiBase,
		apiKey:     apiKey,
		userID:     confString(p.Config, "user_id", "wxbridge"),
		timeout:    timeout,
		sendMode:   confSendMode(p.Config),
		httpClient: &http.Client{Timeout: timeout},
		conversations: cache.New(cache.Config{
			DefaultTTL:      24 * time.Hour,
			CleanupInterval: time.Hour,
			MaxItems:        10000,
		}),
	}

	// An operator-pinned conversation id applies to every chat.
	if cid := confString(p.Config, "conversation_id", ""); cid != "" {
		d.conversations.SetWithTTL(pinnedConversationKey, cid, 0)
	}
	return d, nil
}

const pinnedConversationKey = "\x00pinned"

func (p *difyPlatform) Kind() store.PlatformType { return store.PlatformDify }
func (p *difyPlatform) SendMode() SendMode       { return p.sendMode }

func (p *difyPlatform) Initialize(context.Context) error { return nil }

type difyChatRequest struct {
	Query          string         `json:"query"`
	Inputs         map[string]any `json:"inputs"`
	ResponseMode   string         `json:"response_mode"`
	User           string         `json:"user"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Files          []difyFile     `json:"files,omitempty"`
}

type difyFile struct {
	Type           string `json:"type"`
	TransferMethod string `json:"transfer_method"`
	UploadFileID   string `json:"upload_file_id"`
}

type difyChatResponse struct {
	Answer         string `json:"answer"`
	ConversationID string `json:"conversation_id"`
}

func (p *difyPlatform) Process(ctx context.Context, req *Request) (*Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body := difyChatRequest{
		Query:          req.Content,
		Inputs:         map[string]any{},
		ResponseMode:   "blocking",
		User:           p.userID,
		ConversationID: p.conversationID(req),
	}

	// Non-text content arrives as a local media path; upload it first and
	// reference the returned file id.
	if req.MessageType == store.MessageTypeImage || req.MessageType == store.MessageTypeFile {
		fileID, err := p.uploadFile(ctx, req.Content)
		if err != nil {
			return nil, err
		}
		fileType := "document"
		if req.MessageType == store.MessageTypeImage {
			fileType = "image"
		}
		body.Files = []difyFile{{Type: fileType, TransferMethod: "local_file", UploadFileID: fileID}}
		body.Query = "请处理这个文件"
	}

	var chatResp difyChatResponse
	if err := p.postJSON(ctx, "/chat-messages", body, &chatResp); err != nil {
		return nil, err
	}

	if chatResp.ConversationID != "" {
		p.conversations.Set(conversationKey(req), chatResp.ConversationID)
	}

	return &Reply{
		Content:     chatResp.Answer,
		ShouldReply: chatResp.Answer != "",
		Metadata:    map[string]any{"conversation_id": chatResp.ConversationID},
	}, nil
}

func (p *difyPlatform) Test(ctx context.Context) (*TestResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+"/parameters", nil)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "failed to build request")
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &TestResult{OK: false, Detail: err.Error()}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &TestResult{OK: false, Detail: "status " + resp.Status}, nil
	}
	return &TestResult{OK: true, Detail: "endpoint reachable"}, nil
}

func conversationKey(req *Request) string {
	return req.InstanceID + "\x1f" + req.ChatName
}

func (p *difyPlatform) conversationID(req *Request) string {
	if v, ok := p.conversations.Get(conversationKey(req)); ok {
		return v.(string)
	}
	if v, ok := p.conversations.Get(pinnedConversationKey); ok {
		return v.(string)
	}
	return ""
}

func (p *difyPlatform) postJSON(ctx context.Context, path string, payload, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+path, bytes.NewReader(data))
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "failed to build request")
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return apperr.Wrap(err, apperr.KindTimeout, "platform call timed out")
		}
		return apperr.Wrap(err, apperr.KindNetwork, "platform request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Wrap(err, apperr.KindNetwork, "failed to read response")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return apperr.New(apperr.KindAuth, "platform rejected credentials, status %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return apperr.New(apperr.KindPlatformTransient, "platform status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return apperr.New(apperr.KindPlatformPermanent, "platform status %d: %s", resp.StatusCode, truncateBody(raw))
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return apperr.Wrap(err, apperr.KindProtocol, "malformed platform response")
		}
	}
	return nil
}

func (p *difyPlatform) uploadFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindPlatformPermanent, "media file unreadable")
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindInternal, "failed to build upload form")
	}
	if _, err := io.Copy(part, f); err != nil {
		return "", apperr.Wrap(err, apperr.KindInternal, "failed to read media file")
	}
	if err := mw.WriteField("user", p.userID); err != nil {
		return "", apperr.Wrap(err, apperr.KindInternal, "failed to build upload form")
	}
	if err := mw.Close(); err != nil {
		return "", apperr.Wrap(err, apperr.KindInternal, "failed to build upload form")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/files/upload", &buf)
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindInternal, "failed to build request")
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindNetwork, "upload failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", apperr.New(apperr.KindPlatformTransient, "upload status %d", resp.StatusCode)
	}

	var uploaded struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
		return "", apperr.Wrap(err, apperr.KindProtocol, "malformed upload response")
	}
	return uploaded.ID, nil
}

func truncateBody(b []byte) string {
	if len(b) > 200 {
		return string(b[:200]) + "..."
	}
	return string(b)
}
