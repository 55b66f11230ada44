// Package monitor watches the session's remaining lifetime. It raises a warning when the
// token is about to expire, lets the user extend or end the session, and forces logout
// when the countdown runs out.
package monitor

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ultra-bms/client/internal/refresh"
	"ultra-bms/client/internal/security"
	"ultra-bms/client/internal/session"
	"ultra-bms/client/internal/session/domain"
	"ultra-bms/client/internal/telemetry"
	teldomain "ultra-bms/client/internal/telemetry/domain"
)

const (
	DefaultWarningThreshold = 5 * time.Minute
	DefaultPollInterval     = 30 * time.Second
)

// Status is the monitor's view of the session lifetime.
type Status string

const (
	StatusOK      Status = "ok"
	StatusWarning Status = "warning"
	StatusExpired Status = "expired"
)

// Warning describes the session that is about to expire.
type Warning struct {
	UserID    string
	ExpiresAt time.Time
	Remaining time.Duration
}

// Session is the part of the refresh protocol the monitor drives.
type Session interface {
	Refresh(ctx context.Context, trigger refresh.Trigger) (security.Claims, error)
	Terminate(ctx context.Context, reason domain.LogoutReason)
}

// Monitor polls the store while a session is authenticated.
type Monitor struct {
	store     *session.Store
	sess      Session
	threshold time.Duration
	interval  time.Duration
	now       func() time.Time
	afterFunc func(time.Duration, func()) (stop func() bool)
	logout    func(context.Context) error
	emitter   telemetry.EventEmitter
	log       zerolog.Logger

	mu            sync.Mutex
	status        Status
	warnedFor     time.Time // expiry the current warning was raised for
	stopCountdown func() bool
	onWarning     []func(Warning)
	onDismiss     []func()

	baseCtx     context.Context
	unsubscribe func()
	stopOnDone  func() bool // detaches the Stop registered on baseCtx
	loopCancel  context.CancelFunc
	loopDone    chan struct{}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithThreshold sets how long before expiry the warning is raised.
func WithThreshold(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.threshold = d
		}
	}
}

// WithPollInterval sets how often the store is checked.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithClock sets the clock and the timer factory used for the countdown.
func WithClock(now func() time.Time, afterFunc func(time.Duration, func()) func() bool) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
		if afterFunc != nil {
			m.afterFunc = afterFunc
		}
	}
}

// WithLogoutFunc sets what Logout does. Defaults to terminating the session with
// reason user_logout.
func WithLogoutFunc(fn func(context.Context) error) Option {
	return func(m *Monitor) { m.logout = fn }
}

// WithEmitter sets where expiry warnings are reported.
func WithEmitter(e telemetry.EventEmitter) Option {
	return func(m *Monitor) { m.emitter = e }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// New returns a stopped monitor.
func New(store *session.Store, sess Session, opts ...Option) *Monitor {
	m := &Monitor{
		store:     store,
		sess:      sess,
		threshold: DefaultWarningThreshold,
		interval:  DefaultPollInterval,
		now:       time.Now,
		afterFunc: func(d time.Duration, f func()) func() bool { return time.AfterFunc(d, f).Stop },
		emitter:   telemetry.Nop{},
		log:       zerolog.Nop(),
		status:    StatusOK,
	}
	for _, o := range opts {
		o(m)
	}
	if m.logout == nil {
		m.logout = func(ctx context.Context) error {
			m.sess.Terminate(ctx, domain.ReasonUserLogout)
			return nil
		}
	}
	return m
}

// OnWarning registers fn to run when the session enters the warning state.
func (m *Monitor) OnWarning(fn func(Warning)) {
	m.mu.Lock()
	m.onWarning = append(m.onWarning, fn)
	m.mu.Unlock()
}

// OnDismiss registers fn to run when a warning is withdrawn without the session expiring.
func (m *Monitor) OnDismiss(fn func()) {
	m.mu.Lock()
	m.onDismiss = append(m.onDismiss, fn)
	m.mu.Unlock()
}

// Status returns the last evaluated status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Start subscribes to the store. Polling runs whenever a session is authenticated and
// stops when it ends, until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.unsubscribe != nil {
		m.mu.Unlock()
		return
	}
	m.baseCtx = ctx
	m.unsubscribe = m.store.Subscribe(m.onSession)
	m.stopOnDone = context.AfterFunc(ctx, m.Stop)
	m.mu.Unlock()

	m.onSession(m.store.Get())
}

// Stop cancels the poll loop, the countdown and the store subscription. It also runs when
// the context given to Start ends, after which Start may be called again.
func (m *Monitor) Stop() {
	m.mu.Lock()
	unsub := m.unsubscribe
	m.unsubscribe = nil
	detach := m.stopOnDone
	m.stopOnDone = nil
	done := m.stopLoopLocked()
	m.stopCountdownLocked()
	m.mu.Unlock()

	if detach != nil {
		detach()
	}
	if unsub != nil {
		unsub()
	}
	if done != nil {
		<-done
	}
}

// Extend refreshes the session on the user's request and re-evaluates it.
func (m *Monitor) Extend(ctx context.Context) error {
	if _, err := m.sess.Refresh(ctx, refresh.TriggerUserExtend); err != nil {
		return err
	}
	m.Check(ctx)
	return nil
}

// Logout ends the session on the user's request.
func (m *Monitor) Logout(ctx context.Context) error {
	return m.logout(ctx)
}

// Check evaluates the session once and acts on the result.
func (m *Monitor) Check(ctx context.Context) Status {
	snap := m.store.Get()
	if !snap.Authenticated() {
		return m.Status()
	}
	remaining := snap.ExpiresAt.Sub(m.now())
	switch {
	case remaining <= 0:
		m.expire(ctx, snap.ExpiresAt, domain.ReasonTokenExpired)
		return StatusExpired
	case remaining <= m.threshold:
		m.warn(ctx, snap, remaining)
		return StatusWarning
	default:
		m.dismiss()
		return StatusOK
	}
}

// onSession reacts to store transitions. It runs on the writer's goroutine and so never
// waits for the poll loop, which may itself be the writer.
func (m *Monitor) onSession(snap domain.Session) {
	m.mu.Lock()
	if m.unsubscribe == nil {
		m.mu.Unlock()
		return
	}
	if !snap.Authenticated() {
		m.stopLoopLocked()
		m.stopCountdownLocked()
		wasWarning := m.status == StatusWarning
		if wasWarning {
			m.status = StatusOK
		}
		dismiss := m.dismissHooksLocked(wasWarning)
		m.mu.Unlock()
		for _, fn := range dismiss {
			fn()
		}
		return
	}
	ctx := m.baseCtx
	if m.loopCancel == nil && ctx.Err() == nil {
		loopCtx, cancel := context.WithCancel(ctx)
		m.loopCancel = cancel
		m.loopDone = make(chan struct{})
		go m.loop(loopCtx, m.loopDone)
		m.log.Debug().Dur("interval", m.interval).Msg("monitor: polling started")
	}
	m.mu.Unlock()

	m.Check(ctx)
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		m.mu.Lock()
		if m.loopDone == done {
			m.loopCancel = nil
			m.loopDone = nil
		}
		m.mu.Unlock()
	}()
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) warn(ctx context.Context, snap domain.Session, remaining time.Duration) {
	m.mu.Lock()
	if m.status == StatusWarning && m.warnedFor.Equal(snap.ExpiresAt) {
		m.mu.Unlock()
		return
	}
	m.stopCountdownLocked()
	m.status = StatusWarning
	m.warnedFor = snap.ExpiresAt
	exp := snap.ExpiresAt
	m.stopCountdown = m.afterFunc(remaining, func() { m.countdownElapsed(ctx, exp) })
	hooks := slices.Clone(m.onWarning)
	m.mu.Unlock()

	w := Warning{ExpiresAt: snap.ExpiresAt, Remaining: remaining}
	if snap.User != nil {
		w.UserID = snap.User.ID
	}
	m.log.Info().Str("user_id", w.UserID).Dur("remaining", remaining).Msg("monitor: session about to expire")
	ev := teldomain.NewEvent(teldomain.EventExpiryWarning, w.UserID, m.now()).
		WithMetadata(map[string]any{"remainingSeconds": int64(remaining.Seconds()), "expiresAt": exp.UTC()})
	telemetry.EmitAsync(m.emitter, m.log.WithContext(ctx), ev)
	for _, fn := range hooks {
		fn(w)
	}
}

// countdownElapsed ends the session unless the warning it was armed for is gone.
func (m *Monitor) countdownElapsed(ctx context.Context, exp time.Time) {
	m.mu.Lock()
	current := m.status == StatusWarning && m.warnedFor.Equal(exp)
	m.mu.Unlock()
	if !current {
		return
	}
	if snap := m.store.Get(); !snap.Authenticated() || !snap.ExpiresAt.Equal(exp) {
		m.Check(ctx)
		return
	}
	m.expire(ctx, exp, domain.ReasonWarningTimeout)
}

func (m *Monitor) expire(ctx context.Context, exp time.Time, reason domain.LogoutReason) {
	m.mu.Lock()
	m.stopCountdownLocked()
	m.status = StatusExpired
	m.warnedFor = exp
	m.mu.Unlock()

	m.log.Info().Str("reason", string(reason)).Msg("monitor: session expired")
	m.sess.Terminate(ctx, reason)
}

func (m *Monitor) dismiss() {
	m.mu.Lock()
	wasWarning := m.status == StatusWarning
	if wasWarning {
		m.stopCountdownLocked()
	}
	m.status = StatusOK
	m.warnedFor = time.Time{}
	hooks := m.dismissHooksLocked(wasWarning)
	m.mu.Unlock()

	if wasWarning {
		m.log.Debug().Msg("monitor: warning dismissed")
	}
	for _, fn := range hooks {
		fn()
	}
}

func (m *Monitor) dismissHooksLocked(wasWarning bool) []func() {
	if !wasWarning {
		return nil
	}
	return slices.Clone(m.onDismiss)
}

func (m *Monitor) stopCountdownLocked() {
	if m.stopCountdown != nil {
		m.stopCountdown()
		m.stopCountdown = nil
	}
}

// stopLoopLocked cancels the poll loop and returns a channel closed when it has exited.
func (m *Monitor) stopLoopLocked() chan struct{} {
	if m.loopCancel == nil {
		return nil
	}
	m.loopCancel()
	m.loopCancel = nil
	done := m.loopDone
	m.loopDone = nil
	return done
}

// polling reports whether the poll loop is running.
func (m *Monitor) polling() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loopCancel != nil
}
