package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tphakala/offlinecache/internal/cachestorage"
	"github.com/tphakala/offlinecache/internal/clients"
	"github.com/tphakala/offlinecache/internal/conf"
	"github.com/tphakala/offlinecache/internal/errors"
	"github.com/tphakala/offlinecache/internal/lifecycle"
	"github.com/tphakala/offlinecache/internal/logger"
	"github.com/tphakala/offlinecache/internal/network"
	"github.com/tphakala/offlinecache/internal/notification"
	"github.com/tphakala/offlinecache/internal/observability/metrics"
	"github.com/tphakala/offlinecache/internal/offline"
	"github.com/tphakala/offlinecache/internal/worker"
	"golang.org/x/crypto/bcrypt"
)

const (
	scopeURL = "https://parts.example.com/"
	version  = "axcelis-parts-v1.0"
)

type fixture struct {
	server     *Server
	transport  *httpmock.MockTransport
	dispatcher *lifecycle.Dispatcher
	manager    *offline.Manager
	worker     *worker.Worker
	clients    *clients.Registry
	service    *notification.Service
	storage    *cachestorage.MemoryStorage
}

func newFixture(t *testing.T, settings conf.ServerSettings) *fixture {
	t.Helper()
	log := logger.NewSlogLogger(io.Discard, logger.LogLevelDebug, time.UTC)
	scope, err := url.Parse(scopeURL)
	require.NoError(t, err)

	f := &fixture{
		transport: httpmock.NewMockTransport(),
		clients:   clients.NewRegistry(),
		storage:   cachestorage.NewMemoryStorage(),
	}
	f.transport.RegisterResponder(http.MethodGet, scopeURL,
		httpmock.NewStringResponder(http.StatusOK, "<html>shell</html>"))
	f.transport.RegisterResponder(http.MethodGet, scopeURL+"index.html",
		httpmock.NewStringResponder(http.StatusOK, "<html>index</html>"))
	fetcher := network.NewHTTPFetcher(&http.Client{Transport: f.transport}, scope)

	m := metrics.New()
	f.manager, err = offline.NewManager(offline.Config{
		Version:          version,
		Scope:            scope,
		Manifest:         []string{"./", "./index.html"},
		FallbackDocument: "./index.html",
	}, f.storage, fetcher,
		offline.WithClaimer(f.clients),
		offline.WithMetrics(m),
		offline.WithLogger(log))
	require.NoError(t, err)

	f.service = notification.NewService(&notification.ServiceConfig{Logger: log})
	t.Cleanup(f.service.Stop)
	push := notification.NewHandler(f.service, f.clients,
		notification.Defaults{Title: "AXCELIS Parts Search", Body: "You have a new notification."}, m, log)

	f.dispatcher = lifecycle.NewDispatcher(log)
	f.worker = worker.New(worker.Config{
		Dispatcher: f.dispatcher,
		Manager:    f.manager,
		Clients:    f.clients,
		Push:       push,
		Scope:      scope,
		Metrics:    m,
		Logger:     log,
	})
	f.dispatcher.Start()
	t.Cleanup(func() { _ = f.dispatcher.Stop(context.Background()) })

	f.server = New(Config{
		Settings:      settings,
		Scope:         scope,
		Dispatcher:    f.dispatcher,
		Manager:       f.manager,
		Storage:       f.storage,
		Clients:       f.clients,
		Notifications: f.service,
		Fetcher:       fetcher,
		Metrics:       m,
		Logger:        log,
	})
	return f
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func navigate(path string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Dest", "document")
	return req
}

func clientCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == clients.CookieName {
			return ck
		}
	}
	t.Fatalf("response sets no %s cookie", clients.CookieName)
	return nil
}

func TestProxy_BeforeActivationGoesToNetwork(t *testing.T) {
	f := newFixture(t, conf.ServerSettings{})

	rec := f.do(navigate("/"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>shell</html>", rec.Body.String())
	assert.Equal(t, 1, f.transport.GetCallCountInfo()["GET "+scopeURL])

	ck := clientCookie(t, rec)
	assert.True(t, ck.HttpOnly)
	assert.Len(t, f.clients.List(), 1)
}

func TestProxy_ServesFromCacheWhenOffline(t *testing.T) {
	f := newFixture(t, conf.ServerSettings{})
	require.NoError(t, f.worker.Register(t.Context()))
	f.transport.Reset()

	rec := f.do(navigate("/parts/A-100"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>index</html>", rec.Body.String())
	assert.Equal(t, "18", rec.Header().Get("Content-Length"))
}

func TestProxy_HeadOmitsBody(t *testing.T) {
	f := newFixture(t, conf.ServerSettings{})
	f.transport.RegisterResponder(http.MethodHead, scopeURL,
		httpmock.NewStringResponder(http.StatusOK, "<html>shell</html>"))

	req := navigate("/")
	req.Method = http.MethodHead
	rec := f.do(req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestProxy_UncontrolledSubresourceNetworkFailure(t *testing.T) {
	f := newFixture(t, conf.ServerSettings{})
	require.NoError(t, f.worker.Register(t.Context()))

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/parts.json", http.NoBody))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestProxy_ControlledSubresourceOfflineAndUncached(t *testing.T) {
	f := newFixture(t, conf.ServerSettings{})
	require.NoError(t, f.worker.Register(t.Context()))

	nav := f.do(navigate("/"))
	require.Equal(t, http.StatusOK, nav.Code)
	ck := clientCookie(t, nav)

	req := httptest.NewRequest(http.MethodGet, "/api/parts.json", http.NoBody)
	req.AddCookie(ck)
	rec := f.do(req)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestProxy_ClientCookieNotForwarded(t *testing.T) {
	f := newFixture(t, conf.ServerSettings{})
	var seen string
	f.transport.RegisterResponder(http.MethodGet, scopeURL+"profile",
		func(req *http.Request) (*http.Response, error) {
			seen = req.Header.Get("Cookie")
			return httpmock.NewStringResponse(http.StatusOK, "ok"), nil
		})

	req := httptest.NewRequest(http.MethodGet, "/profile", http.NoBody)
	req.AddCookie(&http.Cookie{Name: clients.CookieName, Value: clients.NewID()})
	req.AddCookie(&http.Cookie{Name: "theme", Value: "dark"})
	rec := f.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "theme=dark", seen)
}

func TestProxy_MalformedCookieGetsNewClient(t *testing.T) {
	f := newFixture(t, conf.ServerSettings{})

	req := navigate("/")
	req.AddCookie(&http.Cookie{Name: clients.CookieName, Value: "not-a-uuid"})
	rec := f.do(req)

	ck := clientCookie(t, rec)
	assert.NotEqual(t, "not-a-uuid", ck.Value)
	_, ok := f.clients.Get(ck.Value)
	assert.True(t, ok)
}

func TestProxy_BodyTooLarge(t *testing.T) {
	f := newFixture(t, conf.ServerSettings{})
	body := strings.NewReader(strings.Repeat("x", maxProxyBody+1))
	rec := f.do(httptest.NewRequest(http.MethodPost, "/upload", body))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestAdmin_InstallActivateAndCaches(t *testing.T) {
	f := newFixture(t, conf.ServerSettings{})

	rec := f.do(httptest.NewRequest(http.MethodPost, AdminPrefix+"/activate", http.NoBody))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodPost, AdminPrefix+"/install", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)
	var lr LifecycleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lr))
	assert.Equal(t, offline.StateInstalled, lr.State)

	rec = f.do(httptest.NewRequest(http.MethodPost, AdminPrefix+"/activate", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lr))
	assert.Equal(t, offline.StateActivated, lr.State)
	assert.Equal(t, version, lr.ActiveVersion)

	rec = f.do(httptest.NewRequest(http.MethodGet, AdminPrefix+"/caches", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)
	var caches []CacheInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &caches))
	require.Len(t, caches, 1)
	assert.Equal(t, version, caches[0].Name)
	assert.True(t, caches[0].Active)
	assert.Len(t, caches[0].Entries, 2)
	assert.Equal(t, int64(len("<html>shell</html>")+len("<html>index</html>")), caches[0].Bytes)
}

// staleNamesStorage lists a generation that was deleted after listing.
type staleNamesStorage struct {
	cachestorage.Storage
	stale string
}

func (s *staleNamesStorage) Names(ctx context.Context) ([]string, error) {
	names, err := s.Storage.Names(ctx)
	return append(names, s.stale), err
}

func TestAdmin_CachesSkipsDeletedGeneration(t *testing.T) {
	f := newFixture(t, conf.ServerSettings{})
	require.NoError(t, f.worker.Register(t.Context()))

	stale := &staleNamesStorage{Storage: f.storage, stale: "axcelis-parts-v0.9"}
	s := New(Config{
		Scope:      f.server.scope,
		Dispatcher: f.dispatcher,
		Manager:    f.manager,
		Storage:    stale,
		Clients:    f.clients,
		Fetcher:    f.server.fetcher,
		Metrics:    metrics.New(),
	})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, AdminPrefix+"/caches", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)

	var caches []CacheInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &caches))
	require.Len(t, caches, 1)
	assert.Equal(t, version, caches[0].Name)

	has, err := f.storage.Has(t.Context(), "axcelis-parts-v0.9")
	require.NoError(t, err)
	assert.False(t, has, "listing never recreates a generation")
}

func TestAdmin_Health(t *testing.T) {
	f := newFixture(t, conf.ServerSettings{})
	require.NoError(t, f.worker.Register(t.Context()))
	f.do(navigate("/"))

	rec := f.do(httptest.NewRequest(http.MethodGet, AdminPrefix+"/health", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)

	var h HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, version, h.Version)
	assert.Equal(t, offline.StateActivated, h.State)
	assert.Equal(t, 1, h.Clients)
	assert.Positive(t, h.Counters["offlinecache_events_total"])
}

func TestAdmin_Metrics(t *testing.T) {
	f := newFixture(t, conf.ServerSettings{})
	require.NoError(t, f.worker.Register(t.Context()))

	rec := f.do(httptest.NewRequest(http.MethodGet, AdminPrefix+"/metrics", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "offlinecache_events_total")
}

func TestAdmin_Sync(t *testing.T) {
	f := newFixture(t, conf.ServerSettings{})
	rec := f.do(httptest.NewRequest(http.MethodPost, AdminPrefix+"/sync/"+worker.SyncTag, http.NoBody))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"tag":"background-sync"}`, rec.Body.String())
}

func TestAdmin_PushAndClick(t *testing.T) {
	f := newFixture(t, conf.ServerSettings{})

	rec := f.do(httptest.NewRequest(http.MethodPost, AdminPrefix+"/push",
		strings.NewReader(`{"title":"Stock alert","body":"Pump A-100 restocked","url":"/parts/A-100"}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, AdminPrefix+"/notifications", http.NoBody))
	require.Equal(t, http.StatusOK, rec.Code)
	var shown []*notification.Notification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &shown))
	require.Len(t, shown, 1)
	assert.Equal(t, "Stock alert", shown[0].Title)

	rec = f.do(httptest.NewRequest(http.MethodGet, AdminPrefix+"/notifications/"+shown[0].ID+"/click", http.NoBody))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, scopeURL+"parts/A-100", rec.Header().Get("Location"))
	assert.Empty(t, f.service.List())

	rec = f.do(httptest.NewRequest(http.MethodGet, AdminPrefix+"/notifications/"+shown[0].ID+"/click", http.NoBody))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_PushBodyLimit(t *testing.T) {
	f := newFixture(t, conf.ServerSettings{})
	rec := f.do(httptest.NewRequest(http.MethodPost, AdminPrefix+"/push",
		strings.NewReader(strings.Repeat("x", 8<<10))))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestAdmin_PushRateLimited(t *testing.T) {
	f := newFixture(t, conf.ServerSettings{PushRateLimit: 1})

	push := func() int {
		req := httptest.NewRequest(http.MethodPost, AdminPrefix+"/push", strings.NewReader(`{"title":"t"}`))
		req.RemoteAddr = "192.0.2.10:4321"
		return f.do(req).Code
	}
	assert.Equal(t, http.StatusAccepted, push())
	assert.Equal(t, http.StatusTooManyRequests, push())
}

func TestNotificationStream(t *testing.T) {
	f := newFixture(t, conf.ServerSettings{})
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	rec := f.do(httptest.NewRequest(http.MethodPost, AdminPrefix+"/push", strings.NewReader(`{"title":"Stock alert"}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + AdminPrefix + "/notifications/ws"
	conn, resp, err := websocket.DefaultDialer.DialContext(t.Context(), wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var u notification.Update
	require.NoError(t, conn.ReadJSON(&u))
	assert.Equal(t, notification.ActionShown, u.Action)
	assert.Equal(t, "Stock alert", u.Notification.Title)

	assert.True(t, f.service.Close(u.Notification.ID))
	require.NoError(t, conn.ReadJSON(&u))
	assert.Equal(t, notification.ActionClosed, u.Action)
}

func TestNotificationStream_RejectsCrossOrigin(t *testing.T) {
	f := newFixture(t, conf.ServerSettings{})
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + AdminPrefix + "/notifications/ws"
	_, resp, err := websocket.DefaultDialer.DialContext(t.Context(), wsURL, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestNew_WithoutNotifications(t *testing.T) {
	f := newFixture(t, conf.ServerSettings{})
	s := New(Config{
		Scope:      f.server.scope,
		Dispatcher: f.dispatcher,
		Manager:    f.manager,
		Storage:    f.storage,
		Clients:    f.clients,
		Fetcher:    f.server.fetcher,
		Metrics:    metrics.New(),
	})
	for _, r := range s.echo.Routes() {
		assert.NotContains(t, r.Path, "/notifications")
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"no handler", lifecycle.ErrNoHandler, http.StatusNotImplemented},
		{"stopped", lifecycle.ErrStopped, http.StatusServiceUnavailable},
		{"queue full", lifecycle.ErrQueueFull, http.StatusServiceUnavailable},
		{"not installed", errors.New(offline.ErrNotInstalled).Category(errors.CategoryValidation).Build(), http.StatusConflict},
		{"deadline", context.DeadlineExceeded, http.StatusGatewayTimeout},
		{"validation", errors.Newf("bad").Category(errors.CategoryValidation).Build(), http.StatusBadRequest},
		{"not found", errors.Newf("gone").Category(errors.CategoryNotFound).Build(), http.StatusNotFound},
		{"network", errors.Newf("refused").Category(errors.CategoryNetwork).Build(), http.StatusBadGateway},
		{"other", errors.NewStd("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestAdmin_BasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("parts"), bcrypt.MinCost)
	require.NoError(t, err)
	f := newFixture(t, conf.ServerSettings{Admin: conf.AdminSettings{Username: "ops", PasswordHash: string(hash)}})

	tests := []struct {
		name     string
		user     string
		password string
		want     int
	}{
		{"no credentials", "", "", http.StatusUnauthorized},
		{"wrong password", "ops", "wrong", http.StatusUnauthorized},
		{"wrong user", "admin", "parts", http.StatusUnauthorized},
		{"valid", "ops", "parts", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, AdminPrefix+"/health", http.NoBody)
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.password)
			}
			assert.Equal(t, tt.want, f.do(req).Code)
		})
	}

	// the proxy itself stays open
	assert.Equal(t, http.StatusOK, f.do(navigate("/")).Code)
}
