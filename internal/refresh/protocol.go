// Package refresh exchanges the refresh ticket for a new access token. All concurrent
// callers share a single call to the auth service; a failed refresh ends the session and
// is never retried.
package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"ultra-bms/client/internal/security"
	"ultra-bms/client/internal/session"
	"ultra-bms/client/internal/session/domain"
	"ultra-bms/client/internal/telemetry"
	teldomain "ultra-bms/client/internal/telemetry/domain"
)

const instrumentationName = "ultra-bms/client/internal/refresh"

// DefaultTimeout bounds one shared refresh call.
const DefaultTimeout = 15 * time.Second

// State is the protocol state. Succeeded and Failed are only reported by LastOutcome;
// State returns to Idle as soon as a refresh settles.
type State string

const (
	StateIdle       State = "idle"
	StateRefreshing State = "refreshing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// Trigger records why a refresh was started.
type Trigger string

const (
	TriggerUnauthorized Trigger = "unauthorized"
	TriggerUserExtend   Trigger = "user_extend"
	TriggerRestore      Trigger = "restore"
)

var (
	// ErrRefreshFailed wraps every refresh failure. The session has been cleared when it is returned.
	ErrRefreshFailed = errors.New("refresh: session could not be renewed")
	// ErrNoSession is returned by Renew when the session ended before the rejected request
	// could be recovered. A late 401 never resurrects a session that was logged out.
	ErrNoSession = errors.New("refresh: no session to renew")
)

// Refresher calls POST /v1/auth/refresh.
type Refresher interface {
	Refresh(ctx context.Context) (string, error)
}

// Decoder turns a token into claims.
type Decoder interface {
	Decode(token string) (security.Claims, error)
}

type decodeFunc func(string) (security.Claims, error)

func (f decodeFunc) Decode(token string) (security.Claims, error) { return f(token) }

// ForcedLogoutHook runs after the session was ended by the subsystem itself.
type ForcedLogoutHook func(ctx context.Context, reason domain.LogoutReason)

// Protocol is the refresh state machine. It also owns the forced logout path so every
// component ends a session the same way.
type Protocol struct {
	store   *session.Store
	api     Refresher
	codec   Decoder
	emitter telemetry.EventEmitter
	timeout time.Duration
	now     func() time.Time
	log     zerolog.Logger

	tracer   trace.Tracer
	total    metric.Int64Counter
	duration metric.Float64Histogram

	group   singleflight.Group
	state   atomic.Value // State
	outcome atomic.Value // State

	hooksMu sync.RWMutex
	hooks   []ForcedLogoutHook
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithDecoder sets the token decoder. Defaults to security.Decode (no signature check).
func WithDecoder(d Decoder) Option {
	return func(p *Protocol) { p.codec = d }
}

// WithEmitter sets where session events go. Defaults to telemetry.Nop.
func WithEmitter(e telemetry.EventEmitter) Option {
	return func(p *Protocol) { p.emitter = e }
}

// WithTimeout bounds one shared refresh call. Defaults to DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Protocol) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithClock sets the clock used for event timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(p *Protocol) { p.now = now }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Protocol) { p.log = l }
}

// WithTracerProvider sets the provider for the refresh span. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Protocol) { p.tracer = tp.Tracer(instrumentationName) }
}

// WithMeterProvider sets the provider for refresh metrics. Defaults to the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(p *Protocol) { p.initMetrics(mp) }
}

// New returns a Protocol that writes refreshed tokens into store.
func New(store *session.Store, api Refresher, opts ...Option) *Protocol {
	p := &Protocol{
		store:   store,
		api:     api,
		codec:   decodeFunc(security.Decode),
		emitter: telemetry.Nop{},
		timeout: DefaultTimeout,
		now:     time.Now,
		log:     zerolog.Nop(),
		tracer:  otel.Tracer(instrumentationName),
	}
	p.initMetrics(otel.GetMeterProvider())
	for _, o := range opts {
		o(p)
	}
	p.state.Store(StateIdle)
	p.outcome.Store(StateIdle)
	return p
}

func (p *Protocol) initMetrics(mp metric.MeterProvider) {
	meter := mp.Meter(instrumentationName)
	var err error
	if p.total, err = meter.Int64Counter("session.refresh.total",
		metric.WithDescription("Refresh calls by outcome")); err != nil {
		p.log.Warn().Err(err).Msg("refresh: counter unavailable")
	}
	if p.duration, err = meter.Float64Histogram("session.refresh.duration",
		metric.WithDescription("Duration of the shared refresh call"), metric.WithUnit("s")); err != nil {
		p.log.Warn().Err(err).Msg("refresh: histogram unavailable")
	}
}

// State reports whether a refresh is in flight.
func (p *Protocol) State() State { return p.state.Load().(State) }

// LastOutcome is StateSucceeded or StateFailed for the last settled refresh, StateIdle before any.
func (p *Protocol) LastOutcome() State { return p.outcome.Load().(State) }

// OnForcedLogout registers fn to run whenever the subsystem ends a session on its own.
func (p *Protocol) OnForcedLogout(fn ForcedLogoutHook) {
	p.hooksMu.Lock()
	p.hooks = append(p.hooks, fn)
	p.hooksMu.Unlock()
}

// Refresh runs the shared refresh and returns the new claims. Callers arriving while a
// refresh is in flight wait for it instead of starting another. A caller whose ctx ends
// stops waiting; the shared call keeps running under its own timeout.
func (p *Protocol) Refresh(ctx context.Context, trigger Trigger) (security.Claims, error) {
	return p.do(ctx, trigger, "")
}

// Renew refreshes on behalf of a request rejected with stale. When the store already
// holds a different token, another caller refreshed in the meantime and Renew returns
// without contacting the server.
func (p *Protocol) Renew(ctx context.Context, stale string) error {
	cur := p.store.Get()
	if !cur.Authenticated() {
		return ErrNoSession
	}
	if cur.Token != stale {
		return nil
	}
	_, err := p.do(ctx, TriggerUnauthorized, stale)
	return err
}

func (p *Protocol) do(ctx context.Context, trigger Trigger, stale string) (security.Claims, error) {
	ch := p.group.DoChan("refresh", func() (interface{}, error) {
		if stale != "" {
			cur := p.store.Get()
			if !cur.Authenticated() {
				return security.Claims{}, ErrNoSession
			}
			if cur.Token != stale && cur.Claims != nil {
				return *cur.Claims, nil
			}
		}
		return p.run(context.WithoutCancel(ctx), trigger)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return security.Claims{}, res.Err
		}
		return res.Val.(security.Claims), nil
	case <-ctx.Done():
		return security.Claims{}, ctx.Err()
	}
}

func (p *Protocol) run(ctx context.Context, trigger Trigger) (security.Claims, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	ctx, span := p.tracer.Start(ctx, "refresh", trace.WithAttributes(attribute.String("refresh.trigger", string(trigger))))
	defer span.End()

	gen := p.store.Generation()
	prev := p.store.Get()
	start := p.now()
	p.state.Store(StateRefreshing)
	defer p.state.Store(StateIdle)

	log := p.log.With().Str("trigger", string(trigger)).Logger()
	log.Debug().Msg("refresh: started")

	claims, err := p.exchange(ctx, gen)
	elapsed := p.now().Sub(start)
	if err != nil && p.superseded(err, gen) {
		// The user signed out while the call was in flight; their logout stands.
		p.record(ctx, StateFailed, trigger, elapsed)
		log.Info().Err(err).Dur("elapsed", elapsed).Msg("refresh: session ended during refresh, result discarded")
		return security.Claims{}, ErrNoSession
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, "refresh failed")
		p.record(ctx, StateFailed, trigger, elapsed)
		log.Warn().Err(err).Dur("elapsed", elapsed).Msg("refresh: failed, ending session")
		p.fail(ctx, gen, prev, trigger, err)
		return security.Claims{}, errors.Join(ErrRefreshFailed, err)
	}

	span.SetAttributes(attribute.String("enduser.id", claims.Subject))
	p.record(ctx, StateSucceeded, trigger, elapsed)
	log.Debug().Time("expires_at", claims.ExpiresAt).Dur("elapsed", elapsed).Msg("refresh: succeeded")
	ev := teldomain.NewEvent(teldomain.EventRefreshSucceeded, claims.Subject, p.now()).
		WithReason(string(trigger)).
		WithMetadata(map[string]any{"expiresAt": claims.ExpiresAt.UTC(), "elapsedMs": elapsed.Milliseconds()})
	ev.Role = string(claims.Role)
	telemetry.EmitAsync(p.emitter, p.log.WithContext(ctx), ev)
	return claims, nil
}

// exchange fetches, decodes and stores the new token unless the session was cleared after
// gen was read. An expired token is rejected by the store, which clears the session.
func (p *Protocol) exchange(ctx context.Context, gen uint64) (security.Claims, error) {
	token, err := p.api.Refresh(ctx)
	if err != nil {
		return security.Claims{}, err
	}
	claims, err := p.codec.Decode(token)
	if err != nil {
		return security.Claims{}, err
	}
	if err := p.store.SetAuthenticatedIf(gen, token, claims); err != nil {
		return security.Claims{}, err
	}
	return claims, nil
}

// superseded reports whether the session was cleared by someone else while the call was
// in flight. An expired token clears the store itself and is still a failure.
func (p *Protocol) superseded(err error, gen uint64) bool {
	if errors.Is(err, session.ErrStaleSession) {
		return true
	}
	return !errors.Is(err, security.ErrExpiredToken) && p.store.Generation() != gen
}

func (p *Protocol) record(ctx context.Context, outcome State, trigger Trigger, elapsed time.Duration) {
	p.outcome.Store(outcome)
	attrs := metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.String("trigger", string(trigger)),
	)
	if p.total != nil {
		p.total.Add(ctx, 1, attrs)
	}
	if p.duration != nil {
		p.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

// fail clears the session. Hooks run only when a live session was lost; a failed restore
// from nothing just leaves the store unauthenticated.
func (p *Protocol) fail(ctx context.Context, gen uint64, prev domain.Session, trigger Trigger, cause error) {
	cleared := p.store.ClearIf(gen)
	userID, role := identity(prev)
	ev := teldomain.NewEvent(teldomain.EventRefreshFailed, userID, p.now()).
		WithReason(string(trigger)).
		WithMetadata(map[string]string{"error": cause.Error()})
	ev.Role = role
	telemetry.EmitAsync(p.emitter, p.log.WithContext(ctx), ev)

	lost := prev.Authenticated() && (cleared || errors.Is(cause, security.ErrExpiredToken))
	if lost {
		p.forced(ctx, prev, domain.ReasonRefreshFailed)
	}
}

// Terminate ends the session for reason. It does nothing when no session is held.
func (p *Protocol) Terminate(ctx context.Context, reason domain.LogoutReason) {
	prev := p.store.Get()
	if !p.store.Clear() {
		return
	}
	p.log.Info().Str("reason", string(reason)).Msg("refresh: session terminated")
	p.forced(ctx, prev, reason)
}

func (p *Protocol) forced(ctx context.Context, prev domain.Session, reason domain.LogoutReason) {
	userID, role := identity(prev)
	ev := teldomain.NewEvent(teldomain.EventForcedLogout, userID, p.now()).WithReason(string(reason))
	ev.Role = role
	telemetry.EmitAsync(p.emitter, p.log.WithContext(ctx), ev)

	p.hooksMu.RLock()
	hooks := make([]ForcedLogoutHook, len(p.hooks))
	copy(hooks, p.hooks)
	p.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, reason)
	}
}

func identity(s domain.Session) (userID, role string) {
	if s.User == nil {
		return "", ""
	}
	return s.User.ID, string(s.User.Role)
}
