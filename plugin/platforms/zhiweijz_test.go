package platforms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
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

func signedTestToken(t *testing.T, expiresIn time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "tester",
		"exp": time.Now().Add(expiresIn).Unix(),
	})
	signed, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func newZhiweijzTest(t *testing.T, s *store.Store, handler http.Handler) Platform {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := Build(&store.Platform{
		ID:   "p-books",
		Type: store.PlatformZhiweijz,
		Config: map[string]any{
			"server_url":      srv.URL,
			"username":        "user@example.com",
			"password":        "pw",
			"account_book_id": "book-1",
		},
	}, Deps{Store: s})
	require.NoError(t, err)
	return p
}

func TestZhiweijzLoginOncePerTokenLifetime(t *testing.T) {
	s := newTestStore(t)
	logins := 0
	token := signedTestToken(t, time.Hour)

	p := newZhiweijzTest(t, s, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			logins++
			json.NewEncoder(w).Encode(map[string]string{"token": token})
		case "/api/ai/smart-accounting":
			require.Equal(t, "Bearer "+token, r.Header.Get("Authorization"))
			json.NewEncoder(w).Encode(smartAccountingResponse{Amount: 30, Category: "餐饮", Direction: "expense"})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		reply, err := p.Process(ctx, &Request{MessageID: "m1", Content: "午饭 30"})
		require.NoError(t, err)
		require.True(t, reply.ShouldReply)
		require.Contains(t, reply.Content, "30.00")
	}
	require.Equal(t, 1, logins)
}

func TestZhiweijzExpiredTokenTriggersRelogin(t *testing.T) {
	s := newTestStore(t)
	logins := 0

	p := newZhiweijzTest(t, s, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			logins++
			// Already inside the refresh margin, forcing a login per call.
			json.NewEncoder(w).Encode(map[string]string{"token": signedTestToken(t, time.Minute)})
		case "/api/ai/smart-accounting":
			json.NewEncoder(w).Encode(smartAccountingResponse{Amount: 12, Category: "交通", Direction: "expense"})
		}
	}))

	ctx := context.Background()
	_, err := p.Process(ctx, &Request{MessageID: "m1", Content: "地铁 12"})
	require.NoError(t, err)
	_, err = p.Process(ctx, &Request{MessageID: "m2", Content: "公交 2"})
	require.NoError(t, err)
	require.Equal(t, 2, logins)
}

func TestZhiweijzAppendsRecordOnFailureToo(t *testing.T) {
	s := newTestStore(t)

	p := newZhiweijzTest(t, s, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			json.NewEncoder(w).Encode(map[string]string{"token": signedTestToken(t, time.Hour)})
		case "/api/ai/smart-accounting":
			w.WriteHeader(http.StatusBadGateway)
		}
	}))

	_, err := p.Process(context.Background(), &Request{MessageID: "m1", Content: "午饭 30"})
	require.Error(t, err)

	records, err := s.ListAccountingRecords(context.Background(), &store.FindAccountingRecord{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.False(t, records[0].Success)
	require.NotEmpty(t, records[0].ErrorMessage)
	require.Equal(t, "午饭 30", records[0].Description)
}
