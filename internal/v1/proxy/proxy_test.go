package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concord-im/concord/internal/v1/auth"
	"github.com/concord-im/concord/internal/v1/config"
)

type captured struct {
	path    string
	query   string
	headers http.Header
}

func captureBackend(t *testing.T, name string, last *captured) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*last = captured{path: r.URL.Path, query: r.URL.RawQuery, headers: r.Header.Clone()}
		w.Header().Set("X-Backend", name)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestProxy(t *testing.T) (*gin.Engine, *captured, *captured) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var chatReq, authReq captured
	chat := captureBackend(t, "chat", &chatReq)
	authSrv := captureBackend(t, "auth", &authReq)

	p, err := New(&config.CollabConfig{
		ChatURL: chat.URL,
		AuthURL: authSrv.URL,
	}, &auth.MockValidator{})
	require.NoError(t, err)

	r := gin.New()
	r.GET("/health", Health)
	r.NoRoute(p.Handler())
	return r, &chatReq, &authReq
}

func doProxy(t *testing.T, r *gin.Engine, method, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, nil)
	// httptest requests carry a context with no Done channel, which makes
	// ReverseProxy fall back to CloseNotify; the recorder cannot provide it.
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	req = req.WithContext(ctx)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestHealthServedLocally(t *testing.T) {
	r, chatReq, _ := newTestProxy(t)

	w := doProxy(t, r, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.Empty(t, chatReq.path)
}

func TestDefaultsToChat(t *testing.T) {
	r, chatReq, _ := newTestProxy(t)

	w := doProxy(t, r, "GET", "/api/guilds/g1/channels?limit=10", "u1:Alice")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "chat", w.Header().Get("X-Backend"))
	assert.Equal(t, "/api/guilds/g1/channels", chatReq.path)
	assert.Equal(t, "limit=10", chatReq.query)
}

func TestPrefixRoutesToAuth(t *testing.T) {
	r, chatReq, authReq := newTestProxy(t)

	w := doProxy(t, r, "POST", "/api/auth/login", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "auth", w.Header().Get("X-Backend"))
	assert.Equal(t, "/api/auth/login", authReq.path)
	assert.Empty(t, chatReq.path)
}

func TestMissingTokenRejected(t *testing.T) {
	r, chatReq, _ := newTestProxy(t)

	w := doProxy(t, r, "GET", "/api/guilds", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "missing_token")
	assert.Empty(t, chatReq.path)
}

func TestClaimsInjectedAndAuthorizationPreserved(t *testing.T) {
	r, chatReq, _ := newTestProxy(t)

	w := doProxy(t, r, "GET", "/api/guilds", "u7:Greta")
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, "u7", chatReq.headers.Get(HeaderUserID))
	assert.Equal(t, "Bearer u7:Greta", chatReq.headers.Get("Authorization"))
}

func TestSpoofedTrustHeadersStripped(t *testing.T) {
	r, chatReq, _ := newTestProxy(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/guilds", nil)
	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", "Bearer u7:Greta")
	req.Header.Set(HeaderUserID, "admin-impersonation")
	req.Header.Set(HeaderUserRoles, "admin")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u7", chatReq.headers.Get(HeaderUserID))
	assert.Empty(t, chatReq.headers.Get(HeaderUserRoles))
}

func TestUnreachableUpstream(t *testing.T) {
	gin.SetMode(gin.TestMode)
	p, err := New(&config.CollabConfig{
		ChatURL: "http://127.0.0.1:1", // nothing listens here
	}, &auth.MockValidator{})
	require.NoError(t, err)

	r := gin.New()
	r.NoRoute(p.Handler())

	w := doProxy(t, r, "GET", "/api/guilds", "u1:Alice")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "upstream_unreachable")
}

func TestLongestPrefixWins(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var filesReq, botReq captured
	files := captureBackend(t, "files", &filesReq)
	bot := captureBackend(t, "bot", &botReq)

	p, err := New(&config.CollabConfig{
		ChatURL:  files.URL, // unused in this test
		FilesURL: files.URL,
		BotURL:   bot.URL,
	}, &auth.MockValidator{})
	require.NoError(t, err)

	r := gin.New()
	r.NoRoute(p.Handler())

	w := doProxy(t, r, "GET", "/api/files/f1", "u1:Alice")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "files", w.Header().Get("X-Backend"))
	assert.Equal(t, "/api/files/f1", filesReq.path)
}
