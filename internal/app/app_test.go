package app

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ultra-bms/client/internal/authtest"
	"ultra-bms/client/internal/config"
	"ultra-bms/client/internal/monitor"
	"ultra-bms/client/internal/security"
	"ultra-bms/client/internal/session/domain"
	teldomain "ultra-bms/client/internal/telemetry/domain"
	"ultra-bms/client/internal/transport"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type eventLog struct {
	mu     sync.Mutex
	events []teldomain.EventType
}

func (l *eventLog) Emit(_ context.Context, ev *teldomain.Event) error {
	l.mu.Lock()
	l.events = append(l.events, ev.Type)
	l.mu.Unlock()
	return nil
}

func (l *eventLog) has(t teldomain.EventType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e == t {
			return true
		}
	}
	return false
}

func testConfig(baseURL string) *config.Config {
	return &config.Config{
		APIBaseURL:       baseURL,
		HTTPTimeout:      "5s",
		RefreshTimeout:   "5s",
		JWTPublicKey:     security.TestPublicKeyPEM,
		WarningThreshold: "5m",
		PollInterval:     "1h",
	}
}

func newApp(t *testing.T, srv *authtest.Server, opts ...Option) *App {
	t.Helper()
	a, err := New(context.Background(), testConfig(srv.URL), zerolog.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func login(t *testing.T, a *App) {
	t.Helper()
	_, err := a.Auth.Login(context.Background(), authtest.ManagerEmail, authtest.DefaultPassword, true)
	require.NoError(t, err)
}

type me struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

func TestExpiredTokenIsRefreshedAndReplayed(t *testing.T) {
	srv := authtest.New(t)
	a := newApp(t, srv)
	login(t, a)
	before := a.Store.Token()

	srv.RevokeAccessTokens()

	var got me
	require.NoError(t, a.API.Get(context.Background(), "/v1/me", &got))
	assert.Equal(t, "u-manager", got.ID)
	assert.Equal(t, 1, srv.RefreshHits())
	assert.Equal(t, 2, srv.APIHits("/v1/me"))
	assert.NotEqual(t, before, a.Store.Token())
	assert.True(t, a.Auth.IsAuthenticated())
}

func TestConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	srv := authtest.New(t)
	srv.SetRefreshDelay(50 * time.Millisecond)
	a := newApp(t, srv)
	login(t, a)
	srv.RevokeAccessTokens()

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- a.API.Get(context.Background(), "/v1/properties", nil)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, srv.RefreshHits())
}

func TestRefreshFailureForcesLogout(t *testing.T) {
	srv := authtest.New(t)
	events := &eventLog{}
	a := newApp(t, srv, WithEmitter(events))
	login(t, a)

	srv.FailRefresh(true)
	srv.RevokeAccessTokens()

	err := a.API.Get(context.Background(), "/v1/me", nil)
	assert.True(t, transport.IsKind(err, transport.KindUnauthorized), "got %v", err)
	assert.False(t, a.Auth.IsAuthenticated())
	assert.Equal(t, domain.StateUnauthenticated, a.Store.Get().State)
	assert.Eventually(t, func() bool {
		return events.has(teldomain.EventForcedLogout) && events.has(teldomain.EventRefreshFailed)
	}, 2*time.Second, 10*time.Millisecond)

	// Later requests go out without a token and are not retried.
	hits := srv.RefreshHits()
	err = a.API.Get(context.Background(), "/v1/me", nil)
	assert.True(t, transport.IsKind(err, transport.KindUnauthorized))
	assert.Equal(t, hits, srv.RefreshHits())
}

func TestWarningThenExtend(t *testing.T) {
	clk := &clock{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
	srv := authtest.New(t, authtest.WithClock(clk.Now), authtest.WithTTL(15*time.Minute))
	a := newApp(t, srv,
		WithClock(clk.Now),
		WithMonitorOptions(monitor.WithClock(clk.Now, func(time.Duration, func()) func() bool {
			return func() bool { return true }
		})),
	)

	var warnings []monitor.Warning
	var dismissed int
	a.Monitor.OnWarning(func(w monitor.Warning) { warnings = append(warnings, w) })
	a.Monitor.OnDismiss(func() { dismissed++ })

	ctx := context.Background()
	login(t, a)
	assert.Equal(t, monitor.StatusOK, a.Monitor.Check(ctx))

	clk.Advance(14 * time.Minute)
	require.Equal(t, monitor.StatusWarning, a.Monitor.Check(ctx))
	require.Len(t, warnings, 1)
	assert.Equal(t, time.Minute, warnings[0].Remaining)
	assert.Equal(t, "u-manager", warnings[0].UserID)

	require.NoError(t, a.Monitor.Extend(ctx))
	assert.Equal(t, monitor.StatusOK, a.Monitor.Status())
	assert.Equal(t, 1, dismissed)
	assert.Equal(t, 1, srv.RefreshHits())
	assert.Equal(t, 15*time.Minute, a.Store.Get().ExpiresAt.Sub(clk.Now()))
}

func TestMonitorLogoutUsesFacade(t *testing.T) {
	srv := authtest.New(t)
	a := newApp(t, srv)
	login(t, a)

	require.NoError(t, a.Monitor.Logout(context.Background()))
	assert.False(t, a.Auth.IsAuthenticated())
	assert.Equal(t, 1, srv.LogoutHits(), "the server is told about a user logout")
}

func TestNew_RejectsBadKey(t *testing.T) {
	cfg := testConfig("http://localhost:8080")
	cfg.JWTPublicKey = "not a key"
	_, err := New(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

type closingProducer struct{ closed int }

func (p *closingProducer) Emit(context.Context, *teldomain.Event) error { return nil }
func (p *closingProducer) Close() error {
	p.closed++
	return nil
}

func TestNew_FailureReleasesKafkaWriter(t *testing.T) {
	cfg := testConfig("http://localhost:8080")
	cfg.AccessPolicyFile = "/nonexistent/access.yaml"
	kafka := &closingProducer{}
	_, err := New(context.Background(), cfg, zerolog.Nop(), withProducer(kafka))
	require.Error(t, err)
	assert.Equal(t, 1, kafka.closed)
}

func TestRestoreFromSharedJar(t *testing.T) {
	srv := authtest.New(t)
	first := newApp(t, srv)
	login(t, first)

	second := newApp(t, srv, WithCookieJar(first.Jar), WithTransport(http.DefaultTransport))
	assert.True(t, second.Auth.Restore(context.Background()))
	assert.Equal(t, "u-manager", second.Auth.User().ID)
}
