package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/greenthumb/internal/model"
	"github.com/LeonardoBeccarini/greenthumb/internal/services/webhook"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newTestServer(t *testing.T, size int) (*Server, *testClock) {
	t.Helper()
	l := logrus.New()
	l.SetOutput(io.Discard)
	clock := &testClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	n := 0
	s, err := NewServer(Options{
		CacheSize: size,
		Logger:    logrus.NewEntry(l),
		Now:       clock.Now,
		NewID: func() string {
			n++
			return fmt.Sprintf("id%d", n)
		},
	})
	require.NoError(t, err)
	return s, clock
}

func do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthorizeRedirects(t *testing.T) {
	s, _ := newTestServer(t, 8)
	h := s.Handler()

	rec := do(h, httptest.NewRequest(http.MethodGet,
		"/api/oauth-authorize?client_id=assistant&state=xyz&redirect_uri="+url.QueryEscape("https://oauth-redirect.example.com/r/proj?a=1"), nil))
	require.Equal(t, http.StatusFound, rec.Code)

	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "oauth-redirect.example.com", loc.Host)
	assert.Equal(t, "auth-id1", loc.Query().Get("code"))
	assert.Equal(t, "xyz", loc.Query().Get("state"))
	assert.Equal(t, "1", loc.Query().Get("a"))
	assert.Equal(t, 1, s.codes.Len())
}

func TestAuthorizeRejectsBadRedirect(t *testing.T) {
	s, _ := newTestServer(t, 8)
	h := s.Handler()

	for _, target := range []string{
		"/api/oauth-authorize?client_id=a&state=s",
		"/api/oauth-authorize?redirect_uri=not-a-url",
	} {
		rec := do(h, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
	assert.Equal(t, 0, s.codes.Len())
}

func TestTokenExchange(t *testing.T) {
	s, clock := newTestServer(t, 8)
	h := s.Handler()

	do(h, httptest.NewRequest(http.MethodGet, "/api/oauth-authorize?client_id=assistant&redirect_uri=https://x.example/cb", nil))

	form := url.Values{"code": {"auth-id1"}, "grant_type": {"authorization_code"}}
	req := httptest.NewRequest(http.MethodPost, "/api/oauth-token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := do(h, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, 3600, resp.ExpiresIn)
	assert.True(t, strings.HasPrefix(resp.AccessToken, "access-"))
	assert.True(t, strings.HasPrefix(resp.RefreshToken, "refresh-"))
	assert.Equal(t, 0, s.codes.Len(), "code is single use")

	client, ok := s.Validate(resp.AccessToken)
	assert.True(t, ok)
	assert.Equal(t, "assistant", client)

	clock.now = clock.now.Add(time.Hour)
	_, ok = s.Validate(resp.AccessToken)
	assert.False(t, ok)
}

func TestTokenAcceptsJSONAndUnknownCode(t *testing.T) {
	s, _ := newTestServer(t, 8)
	req := httptest.NewRequest(http.MethodPost, "/api/oauth-token", strings.NewReader(`{"code":"never-issued","client_id":"c1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := do(s.Handler(), req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	client, ok := s.Validate(resp.AccessToken)
	assert.True(t, ok)
	assert.Equal(t, "c1", client)

	req = httptest.NewRequest(http.MethodPost, "/api/oauth-token", strings.NewReader(`{`))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, do(s.Handler(), req).Code)
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, 8)
	h := s.Handler()

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPost, "/api/oauth-authorize", nil),
		httptest.NewRequest(http.MethodGet, "/api/oauth-token", nil),
		httptest.NewRequest(http.MethodDelete, "/anything", nil),
	} {
		rec := do(h, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		assert.Equal(t, "Method not allowed\n", rec.Body.String())
	}
}

func TestCachesAreBounded(t *testing.T) {
	s, _ := newTestServer(t, 2)
	h := s.Handler()
	for i := 0; i < 5; i++ {
		do(h, httptest.NewRequest(http.MethodGet, "/api/oauth-authorize?redirect_uri=https://x.example/cb", nil))
	}
	assert.Equal(t, 2, s.codes.Len())
	assert.False(t, s.codes.Contains("auth-id1"))
	assert.True(t, s.codes.Contains("auth-id5"))
}

type staticReader struct{}

func (staticReader) LatestMonitor(context.Context, string) (model.MonitorSnapshot, error) {
	return model.MonitorSnapshot{SoilMoisture: 45}, nil
}

func TestIssuedTokenUnlocksWebhook(t *testing.T) {
	s, _ := newTestServer(t, 8)
	req := httptest.NewRequest(http.MethodPost, "/api/oauth-token", strings.NewReader(`{"code":"auth-x","client_id":"assistant"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := do(s.Handler(), req)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	hook := webhook.NewService(staticReader{}, webhook.Options{Tokens: s, DeviceID: "garden", Logger: s.log}).Handler()
	query := func(auth string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/webhook", strings.NewReader(`{"requestId":"r","inputs":[{"intent":"action.devices.QUERY"}]}`))
		req.Header.Set("Authorization", auth)
		return do(hook, req).Code
	}
	assert.Equal(t, http.StatusOK, query("Bearer "+resp.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, query("Bearer "+resp.RefreshToken))
}
