package platforms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/hrygo/wxbridge/internal/apperr"
	"github.com/hrygo/wxbridge/store"
)

func init() {
	RegisterFactory(store.PlatformZhiweijz, newZhiweijzPlatform)
}

// tokenRefreshMargin renews the bearer token this long before its exp claim.
const tokenRefreshMargin = 5 * time.Minute

// zhiweijzPlatform fronts the bookkeeping API. Every processed message is
// appended to the accounting table whether or not the remote accepted it.
type zhiweijzPlatform struct {
	platformID    string
	serverURL     string
	username      string
	password      string
	accountBookID string
	timeout       time.Duration
	sendMode      SendMode
	httpClient    *http.Client
	store         *store.Store

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func newZhiweijzPlatform(p *store.Platform, deps Deps) (Platform, error) {
	serverURL, err := confRequiredString(p.Config, "server_url")
	if err != nil {
		return nil, err
	}
	username, err := confRequiredString(p.Config, "username")
	if err != nil {
		return nil, err
	}
	password, err := confRequiredString(p.Config, "password")
	if err != nil {
		return nil, err
	}
	accountBookID, err := confRequiredString(p.Config, "account_book_id")
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(confInt(p.Config, "timeout", 30)) * time.Second
	return &zhiweijzPlatform{
		platformID:    p.ID,
		serverURL:     serverURL,
		username:      username,
		password:      password,
		accountBookID: accountBookID,
		timeout:       timeout,
		sendMode:      confSendMode(p.Config),
		httpClient:    &http.Client{Timeout: timeout},
		store:         deps.Store,
	}, nil
}

func (p *zhiweijzPlatform) Kind() store.PlatformType { return store.PlatformZhiweijz }
func (p *zhiweijzPlatform) SendMode() SendMode       { return p.sendMode }

// Initialize performs the first login so the first message does not pay the
// login round trip.
func (p *zhiweijzPlatform) Initialize(ctx context.Context) error {
	_, err := p.bearerToken(ctx)
	return err
}

type smartAccountingResponse struct {
	Amount      float64 `json:"amount"`
	Category    string  `json:"category"`
	Description string  `json:"description"`
	Date        string  `json:"date"`
	Direction   string  `json:"direction"`
}

func (p *zhiweijzPlatform) Process(ctx context.Context, req *Request) (*Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	result, err := p.smartAccounting(ctx, req.Content)
	p.appendRecord(req, result, err, time.Since(start))
	if err != nil {
		return nil, err
	}

	return &Reply{
		Content:     formatAccountingReply(result),
		ShouldReply: true,
		Metadata: map[string]any{
			"amount":   result.Amount,
			"category": result.Category,
		},
	}, nil
}

func (p *zhiweijzPlatform) Test(ctx context.Context) (*TestResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if _, err := p.login(ctx); err != nil {
		return &TestResult{OK: false, Detail: err.Error()}, nil
	}
	return &TestResult{OK: true, Detail: "login succeeded"}, nil
}

func (p *zhiweijzPlatform) smartAccounting(ctx context.Context, description string) (*smartAccountingResponse, error) {
	token, err := p.bearerToken(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]string{
		"description":   description,
		"accountBookId": p.accountBookID,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "failed to marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/api/ai/smart-accounting", bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "failed to build request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperr.Wrap(err, apperr.KindTimeout, "accounting call timed out")
		}
		return nil, apperr.Wrap(err, apperr.KindNetwork, "accounting request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindNetwork, "failed to read response")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// A stale token is re-acquired on the next attempt.
		p.invalidateToken()
		return nil, apperr.New(apperr.KindAuth, "accounting rejected credentials, status %d", resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, apperr.New(apperr.KindPlatformTransient, "accounting status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated:
		return nil, apperr.New(apperr.KindPlatformPermanent, "accounting status %d: %s", resp.StatusCode, truncateBody(raw))
	}

	result := &smartAccountingResponse{}
	if err := json.Unmarshal(raw, result); err != nil {
		return nil, apperr.Wrap(err, apperr.KindProtocol, "malformed accounting response")
	}
	return result, nil
}

// appendRecord writes the accounting audit row. Failures are logged, never
// surfaced; the record table is best-effort bookkeeping.
func (p *zhiweijzPlatform) appendRecord(req *Request, result *smartAccountingResponse, procErr error, elapsed time.Duration) {
	if p.store == nil {
		return
	}

	record := &store.AccountingRecord{
		PlatformID:       p.platformID,
		MessageID:        req.MessageID,
		Description:      req.Content,
		AccountBookID:    p.accountBookID,
		Success:          procErr == nil,
		ProcessingTimeMs: elapsed.Milliseconds(),
	}
	if result != nil {
		record.Amount = result.Amount
		record.Category = result.Category
	}
	if procErr != nil {
		record.ErrorMessage = procErr.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := p.store.CreateAccountingRecord(ctx, record); err != nil {
		slog.Error("failed to append accounting record", "platform", p.platformID, "message", req.MessageID, "err", err)
	}
}

func formatAccountingReply(r *smartAccountingResponse) string {
	direction := "支出"
	if r.Direction == "income" {
		direction = "收入"
	}
	return fmt.Sprintf("已记账: %s %.2f 元 (%s)", direction, r.Amount, r.Category)
}

// bearerToken returns a valid token, logging in again when the cached one is
// absent or about to expire.
func (p *zhiweijzPlatform) bearerToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	token, expiry := p.token, p.tokenExpiry
	p.mu.Unlock()

	if token != "" && time.Now().Add(tokenRefreshMargin).Before(expiry) {
		return token, nil
	}
	return p.login(ctx)
}

func (p *zhiweijzPlatform) invalidateToken() {
	p.mu.Lock()
	p.token = ""
	p.mu.Unlock()
}

func (p *zhiweijzPlatform) login(ctx context.Context) (string, error) {
	payload := map[string]string{"email": p.username, "password": p.password}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindInternal, "failed to marshal login")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/api/auth/login", bytes.NewReader(data))
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindInternal, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", apperr.Wrap(err, apperr.KindNetwork, "login request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", apperr.New(apperr.KindAuth, "login rejected, status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", apperr.New(apperr.KindPlatformTransient, "login status %d", resp.StatusCode)
	}

	var loginResp struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&loginResp); err != nil {
		return "", apperr.Wrap(err, apperr.KindProtocol, "malformed login response")
	}
	if loginResp.Token == "" {
		return "", apperr.New(apperr.KindProtocol, "login response carried no token")
	}

	expiry := tokenExpiry(loginResp.Token)

	p.mu.Lock()
	p.token = loginResp.Token
	p.tokenExpiry = expiry
	p.mu.Unlock()

	slog.Info("bookkeeping login refreshed", "platform", p.platformID, "expires", expiry)
	return loginResp.Token, nil
}

// tokenExpiry reads the exp claim without verifying the signature; the token
// is only inspected to schedule the refresh. Tokens without a readable exp
// get a conservative one-hour lifetime.
func tokenExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err == nil {
		if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return time.Now().Add(time.Hour)
}
