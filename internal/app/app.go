// Package app assembles the session stack from config: store, refresh protocol, transports,
// expiry monitor, permission policy and the session event emitters.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"ultra-bms/client/internal/access"
	"ultra-bms/client/internal/auth"
	"ultra-bms/client/internal/authapi"
	"ultra-bms/client/internal/config"
	"ultra-bms/client/internal/monitor"
	"ultra-bms/client/internal/refresh"
	"ultra-bms/client/internal/security"
	"ultra-bms/client/internal/session"
	"ultra-bms/client/internal/session/domain"
	"ultra-bms/client/internal/telemetry"
	"ultra-bms/client/internal/telemetry/loki"
	"ultra-bms/client/internal/telemetry/otel"
	"ultra-bms/client/internal/telemetry/producer"
	"ultra-bms/client/internal/transport"
)

// App holds the wired session stack. API is the authenticated client page code talks to
// the backend with; every request on it goes through the interceptor bridge.
type App struct {
	Config  *config.Config
	Log     zerolog.Logger
	Store   *session.Store
	Refresh *refresh.Protocol
	Monitor *monitor.Monitor
	Auth    *auth.Service
	Access  *access.Evaluator
	API     *transport.Client
	Jar     http.CookieJar

	providers *otel.Providers
	kafka     producer.Producer
	// drain is set when an emitter may still have events in flight at Close.
	drain bool
}

type options struct {
	base       http.RoundTripper
	jar        http.CookieJar
	now        func() time.Time
	monitorOpt []monitor.Option
	emitters   []telemetry.EventEmitter
	kafka      producer.Producer
}

// Option customizes New.
type Option func(*options)

// WithTransport sets the underlying round tripper for both API clients.
func WithTransport(rt http.RoundTripper) Option { return func(o *options) { o.base = rt } }

// WithCookieJar shares an existing refresh-ticket jar (e.g. a restored browser profile).
func WithCookieJar(jar http.CookieJar) Option { return func(o *options) { o.jar = jar } }

// WithClock sets the clock used by the store, refresh protocol, facade and monitor.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithMonitorOptions appends options to the expiry monitor.
func WithMonitorOptions(opts ...monitor.Option) Option {
	return func(o *options) { o.monitorOpt = append(o.monitorOpt, opts...) }
}

// withProducer replaces the Kafka producer built from config.
func withProducer(p producer.Producer) Option { return func(o *options) { o.kafka = p } }

// WithEmitter adds a session event emitter next to the configured ones.
func WithEmitter(e telemetry.EventEmitter) Option {
	return func(o *options) { o.emitters = append(o.emitters, e) }
}

// New builds the stack. The monitor is created but not started.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts ...Option) (*App, error) {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}

	providers, err := otel.NewProviders(ctx, otel.Options{
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: cfg.OTelServiceName,
		Environment: cfg.Env,
		Insecure:    cfg.OTelInsecure,
	})
	if err != nil {
		return nil, fmt.Errorf("app: telemetry: %w", err)
	}
	providers.SetGlobal()

	a := &App{Config: cfg, Log: log, providers: providers, drain: cfg.OTelEndpoint != ""}
	fail := func(err error) (*App, error) {
		_ = a.release(ctx)
		return nil, err
	}

	emitters := telemetry.MultiEmitter{otel.NewEventEmitter(providers.LoggerProvider)}
	if o.kafka == nil {
		if p := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.SessionEventsTopic, log); p != nil {
			o.kafka = p
		}
	}
	if o.kafka != nil {
		a.kafka = o.kafka
		a.drain = true
		emitters = append(emitters, o.kafka)
	}
	if l := loki.NewClient(cfg.LokiURL, nil); l != nil {
		a.drain = true
		emitters = append(emitters, l)
	}
	emitters = append(emitters, o.emitters...)

	codec, err := newCodec(cfg.JWTPublicKey)
	if err != nil {
		return fail(err)
	}

	a.Access, err = access.LoadFile(ctx, cfg.AccessPolicyFile)
	if err != nil {
		return fail(err)
	}

	a.Jar = o.jar
	if a.Jar == nil {
		if a.Jar, err = transport.NewCookieJar(); err != nil {
			return fail(fmt.Errorf("app: cookie jar: %w", err))
		}
	}

	a.Store = session.NewStore(
		session.WithClock(o.now),
		session.WithSkew(cfg.TokenSkewDuration()),
		session.WithLogger(log),
	)

	// Login, refresh and logout go out on a client without the bridge so the refresh
	// protocol never depends on the transport it repairs.
	timeout := cfg.HTTPTimeoutDuration()
	public, err := transport.NewClient(cfg.APIBaseURL, transport.NewHTTPClient(o.base, a.Jar, timeout))
	if err != nil {
		return fail(err)
	}
	api := authapi.NewClient(public)

	a.Refresh = refresh.New(a.Store, api,
		refresh.WithDecoder(codec),
		refresh.WithEmitter(emitters),
		refresh.WithTimeout(cfg.RefreshTimeoutDuration()),
		refresh.WithClock(o.now),
		refresh.WithLogger(log),
		refresh.WithTracerProvider(providers.TracerProvider),
		refresh.WithMeterProvider(providers.MeterProvider),
	)
	a.Refresh.OnForcedLogout(func(_ context.Context, reason domain.LogoutReason) {
		log.Info().Str("reason", string(reason)).Msg("app: session ended")
	})

	bridge := transport.NewBridge(o.base, a.Store, a.Refresh, transport.WithBridgeLogger(log))
	a.API, err = transport.NewClient(cfg.APIBaseURL, transport.NewHTTPClient(bridge, a.Jar, timeout))
	if err != nil {
		return fail(err)
	}

	a.Auth = auth.NewService(a.Store, api, authapi.NewSessions(a.API), a.Refresh,
		auth.WithDecoder(codec),
		auth.WithPermissions(a.Access),
		auth.WithEmitter(emitters),
		auth.WithClock(o.now),
		auth.WithLogger(log),
	)

	monOpts := []monitor.Option{
		monitor.WithThreshold(cfg.WarningThresholdDuration()),
		monitor.WithPollInterval(cfg.PollIntervalDuration()),
		monitor.WithLogoutFunc(a.Auth.Logout),
		monitor.WithEmitter(emitters),
		monitor.WithLogger(log),
	}
	a.Monitor = monitor.New(a.Store, a.Refresh, append(monOpts, o.monitorOpt...)...)

	log.Debug().
		Str("api", cfg.APIBaseURL).
		Bool("verify_signatures", cfg.JWTPublicKey != "").
		Bool("kafka", a.kafka != nil).
		Msg("app: session stack ready")
	return a, nil
}

func newCodec(publicKey string) (*security.TokenCodec, error) {
	if publicKey == "" {
		return security.NewTokenCodec(nil), nil
	}
	key, err := security.ParsePublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("app: JWT_PUBLIC_KEY: %w", err)
	}
	return security.NewTokenCodec(key), nil
}

// Close stops the monitor, waits for in-flight events when an exporter is configured, then
// shuts the exporters down. The session itself is left as is.
func (a *App) Close(ctx context.Context) error {
	a.Monitor.Stop()
	if a.drain {
		select {
		case <-time.After(telemetry.ShutdownDrainDuration):
		case <-ctx.Done():
		}
	}
	return a.release(ctx)
}

// release closes the Kafka writer and shuts the exporters down.
func (a *App) release(ctx context.Context) error {
	var firstErr error
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			firstErr = err
		}
	}
	if err := a.providers.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
