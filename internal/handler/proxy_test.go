package handler

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibecode-dev/vibecode/internal/auth"
	"github.com/vibecode-dev/vibecode/internal/config"
	"github.com/vibecode-dev/vibecode/internal/container"
	"github.com/vibecode-dev/vibecode/internal/container/mock"
	"github.com/vibecode-dev/vibecode/internal/model"
	"github.com/vibecode-dev/vibecode/internal/service"
)

func setupProxyTest(t *testing.T, authEnabled bool, backend http.Handler) (*Handler, *httptest.Server, string) {
	t.Helper()

	backendServer := httptest.NewServer(backend)
	t.Cleanup(backendServer.Close)

	backendURL, err := url.Parse(backendServer.URL)
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(backendURL.Host)
	require.NoError(t, err)
	backendPort, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := &config.Config{
		AuthEnabled:     authEnabled,
		SessionSecret:   []byte("test-secret"),
		TokenTTL:        time.Minute,
		ProbeTimeout:    5 * time.Second,
		PublishHostPort: true,
	}

	testStore := setupTestStore(t)
	provider := mock.NewProvider()
	registry := container.NewRegistry()
	sessionSvc := service.NewSessionService(testStore, provider, registry, cfg, slog.Default())
	h := New(testStore, cfg, sessionSvc, slog.Default())

	sess := &model.Session{UserID: model.AnonymousUserID, Name: "demo", Status: model.SessionStatusCreated}
	require.NoError(t, testStore.CreateSession(context.Background(), sess))
	_, err = sessionSvc.Open(context.Background(), model.AnonymousUserID, sess.ID)
	require.NoError(t, err)

	// The IDE container "publishes" the test backend's port
	provider.GetFunc = func(ctx context.Context, sessionID string, flavor container.Flavor) (*container.Info, error) {
		if sessionID != sess.ID || flavor != container.FlavorIDE {
			return nil, container.ErrNotFound
		}
		return &container.Info{
			SessionID: sessionID,
			UserID:    model.AnonymousUserID,
			Flavor:    flavor,
			Status:    container.StatusRunning,
			HostPort:  backendPort,
		}, nil
	}

	r := chi.NewRouter()
	r.HandleFunc("/api/sessions/{sessionId}/proxy/*", h.IDEProxy)
	proxyServer := httptest.NewServer(r)
	t.Cleanup(proxyServer.Close)

	return h, proxyServer, sess.ID
}

func TestIDEProxyForwardsRequest(t *testing.T) {
	var gotPath, gotQuery, gotAuth, gotForwardedHost string
	backend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		gotForwardedHost = r.Header.Get("X-Forwarded-Host")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ide response"))
	})

	_, proxyServer, sessionID := setupProxyTest(t, false, backend)

	req, err := http.NewRequest(http.MethodGet, proxyServer.URL+"/api/sessions/"+sessionID+"/proxy/static/app.js?v=1&token=abc", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer should-not-leak")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/static/app.js", gotPath)
	assert.Equal(t, "v=1", gotQuery, "token should be stripped from the forwarded query")
	assert.Empty(t, gotAuth, "credentials must not reach the IDE")
	assert.NotEmpty(t, gotForwardedHost)
}

func TestIDEProxyWebSocketPassthrough(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}
	backend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.WriteMessage(msgType, data)
	})

	_, proxyServer, sessionID := setupProxyTest(t, false, backend)

	wsURL := "ws" + strings.TrimPrefix(proxyServer.URL, "http") + "/api/sessions/" + sessionID + "/proxy/socket"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping through proxy")))

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ping through proxy", string(data))
}

func TestIDEProxyUnknownSession(t *testing.T) {
	_, proxyServer, _ := setupProxyTest(t, false, http.NotFoundHandler())

	resp, err := http.Get(proxyServer.URL + "/api/sessions/does-not-exist/proxy/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIDEProxyUnpublishedIDE(t *testing.T) {
	cfg := &config.Config{
		SessionSecret:   []byte("test-secret"),
		TokenTTL:        time.Minute,
		ProbeTimeout:    5 * time.Second,
		PublishHostPort: true,
	}

	testStore := setupTestStore(t)
	provider := mock.NewProvider()
	registry := container.NewRegistry()
	sessionSvc := service.NewSessionService(testStore, provider, registry, cfg, slog.Default())
	h := New(testStore, cfg, sessionSvc, slog.Default())

	sess := &model.Session{UserID: model.AnonymousUserID, Name: "demo", Status: model.SessionStatusCreated}
	require.NoError(t, testStore.CreateSession(context.Background(), sess))
	_, err := sessionSvc.Open(context.Background(), model.AnonymousUserID, sess.ID)
	require.NoError(t, err)

	// Running IDE without a published host port, as when publishing is off
	provider.GetFunc = func(ctx context.Context, sessionID string, flavor container.Flavor) (*container.Info, error) {
		return &container.Info{
			SessionID: sessionID,
			UserID:    model.AnonymousUserID,
			Flavor:    flavor,
			Status:    container.StatusRunning,
		}, nil
	}

	r := chi.NewRouter()
	r.HandleFunc("/api/sessions/{sessionId}/proxy/*", h.IDEProxy)
	proxyServer := httptest.NewServer(r)
	t.Cleanup(proxyServer.Close)

	resp, err := http.Get(proxyServer.URL + "/api/sessions/" + sess.ID + "/proxy/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestIDEProxyAuthTokens(t *testing.T) {
	backend := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	h, proxyServer, sessionID := setupProxyTest(t, true, backend)

	base := proxyServer.URL + "/api/sessions/" + sessionID + "/proxy/"

	// No token
	resp, err := http.Get(base)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Token with the wrong scope
	terminalToken, err := h.tokens.Issue(model.AnonymousUserID, sessionID, auth.ScopeTerminal)
	require.NoError(t, err)
	resp, err = http.Get(base + "?token=" + terminalToken)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Token scoped to another session
	otherToken, err := h.tokens.Issue(model.AnonymousUserID, "other-session", auth.ScopeProxy)
	require.NoError(t, err)
	resp, err = http.Get(base + "?token=" + otherToken)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Valid token
	proxyToken, err := h.tokens.Issue(model.AnonymousUserID, sessionID, auth.ScopeProxy)
	require.NoError(t, err)
	resp, err = http.Get(base + "?token=" + proxyToken)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
