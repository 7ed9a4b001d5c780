// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/telekom/ssoctl/pkg/broker"
	"github.com/telekom/ssoctl/pkg/events"
	"github.com/telekom/ssoctl/pkg/metrics"
	"github.com/telekom/ssoctl/pkg/ratelimit"
	"github.com/telekom/ssoctl/pkg/sso"
	"github.com/telekom/ssoctl/pkg/system"
)

// ProviderFactory builds the identity and entitlement providers for a region.
type ProviderFactory interface {
	Providers(ctx context.Context, region string) (sso.IdentityProvider, sso.EntitlementProvider, error)
}

// ProviderFactoryFunc adapts a function to ProviderFactory.
type ProviderFactoryFunc func(ctx context.Context, region string) (sso.IdentityProvider, sso.EntitlementProvider, error)

func (f ProviderFactoryFunc) Providers(ctx context.Context, region string) (sso.IdentityProvider, sso.EntitlementProvider, error) {
	return f(ctx, region)
}

// Options configures a Controller.
type Options struct {
	Providers ProviderFactory
	// Store persists the session record. Nil keeps the session in memory only.
	Store     sso.SessionStore
	Presenter sso.Presenter
	// Events receives lifecycle events. Nil creates a bus without sinks.
	Events *events.Bus
	Logger *zap.SugaredLogger

	// RateLimits is used when Limits is nil.
	RateLimits ratelimit.Config
	Limits     *ratelimit.Registry

	Broker        broker.Config
	BrokerOptions []broker.Option
	FlowOptions   []FlowOption

	SessionDuration time.Duration
	ClientName      string
	Now             func() time.Time
}

// Status is a point-in-time view of the session.
type Status struct {
	Authenticated   bool          `json:"authenticated" yaml:"authenticated"`
	Region          string        `json:"region,omitempty" yaml:"region,omitempty"`
	StartURL        string        `json:"startUrl,omitempty" yaml:"startUrl,omitempty"`
	StartedAt       time.Time     `json:"startedAt,omitempty" yaml:"startedAt,omitempty"`
	ExpiresAt       time.Time     `json:"expiresAt,omitempty" yaml:"expiresAt,omitempty"`
	Remaining       time.Duration `json:"remaining" yaml:"remaining"`
	TokenExpiresAt  time.Time     `json:"tokenExpiresAt,omitempty" yaml:"tokenExpiresAt,omitempty"`
	LoginInProgress bool          `json:"loginInProgress" yaml:"loginInProgress"`
}

// Controller owns the process' single SSO session.
type Controller struct {
	providers ProviderFactory
	store     sso.SessionStore
	presenter sso.Presenter
	events    *events.Bus
	log       *zap.SugaredLogger
	limits    *ratelimit.Registry
	brokerCfg broker.Config
	brokerOpt []broker.Option
	flowOpts  []FlowOption
	clientNm  string
	now       func() time.Time

	cache *TokenCache
	timer *SessionTimer

	mu sync.Mutex
	// generation increases with every login attempt and every logout
	generation uint64
	// sessionGen is the generation that produced the current session, 0 when
	// there is none
	sessionGen uint64
	// logouts counts Logout calls; a login that sees it change before its
	// attempt is registered was cancelled
	logouts  uint64
	current  *loginAttempt
	region   string
	startURL string
	broker   *broker.Broker
}

// New creates a Controller. Call Restore to pick up a persisted session.
func New(opts Options) (*Controller, error) {
	if opts.Providers == nil {
		return nil, &sso.ConfigurationError{Field: "providers"}
	}
	log := system.OrNop(opts.Logger)
	limits := opts.Limits
	if limits == nil {
		cfg := opts.RateLimits
		if cfg.Intervals == nil && cfg.Fallback == 0 {
			cfg = ratelimit.DefaultConfig()
		}
		if err := cfg.Validate(); err != nil {
			return nil, &sso.ConfigurationError{Field: "rate-limits", Reason: err.Error()}
		}
		limits = ratelimit.NewRegistry(cfg)
	}
	brokerCfg := opts.Broker
	if brokerCfg == (broker.Config{}) {
		brokerCfg = broker.DefaultConfig()
	}
	bus := opts.Events
	if bus == nil {
		bus = events.NewBus(nil, events.DefaultBusConfig(), nil)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	clientName := opts.ClientName
	if clientName == "" {
		clientName = DefaultClientName
	}

	return &Controller{
		providers: opts.Providers,
		store:     opts.Store,
		presenter: opts.Presenter,
		events:    bus,
		log:       log,
		limits:    limits,
		brokerCfg: brokerCfg,
		brokerOpt: append([]broker.Option{broker.WithLogger(log)}, opts.BrokerOptions...),
		flowOpts:  opts.FlowOptions,
		clientNm:  clientName,
		now:       now,
		cache:     NewTokenCache(),
		timer:     NewSessionTimer(opts.SessionDuration),
	}, nil
}

// loginAttempt is the controller side of one DeviceAuthFlow run.
type loginAttempt struct {
	c            *Controller
	id           string
	generation   uint64
	region       string
	startURL     string
	entitlements sso.EntitlementProvider
	cancel       context.CancelFunc
	cause        error
	registration *sso.ClientRegistration
}

func (a *loginAttempt) Err() error {
	a.c.mu.Lock()
	defer a.c.mu.Unlock()
	return a.errLocked()
}

func (a *loginAttempt) errLocked() error {
	if a.c.generation == a.generation {
		return nil
	}
	if a.cause != nil {
		return a.cause
	}
	return sso.ErrLoginSuperseded
}

func (a *loginAttempt) SaveRegistration(reg sso.ClientRegistration) {
	a.c.mu.Lock()
	if a.errLocked() != nil {
		a.c.mu.Unlock()
		return
	}
	a.registration = &reg
	// Without a live session the registration is kept for the next attempt.
	if a.c.sessionGen == 0 {
		a.c.cache.SetClientRegistration(reg)
	}
	a.c.mu.Unlock()

	a.c.events.Publish(events.Event{
		Type:    events.EventClientRegistered,
		Region:  reg.Region,
		Details: map[string]string{"attempt": a.id},
	})
}

// Commit installs the session atomically with the generation check, so a
// token arriving after logout or a newer login is dropped.
func (a *loginAttempt) Commit(token sso.BearerToken) error {
	c := a.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := a.errLocked(); err != nil {
		return err
	}

	startedAt := c.now()
	if a.registration != nil {
		c.cache.SetClientRegistration(*a.registration)
	}
	c.cache.Set(token)
	c.timer.Start(startedAt)
	c.region = a.region
	c.startURL = a.startURL
	c.broker = broker.New(a.entitlements, c.limits, c.brokerCfg, c.brokerOpt...)
	c.sessionGen = a.generation

	record := sso.SessionRecord{
		Token:         token,
		Registration:  c.cache.ClientRegistration(),
		StartedAt:     startedAt,
		DurationLimit: c.timer.Duration(),
		Region:        a.region,
		StartURL:      a.startURL,
	}
	if c.store != nil {
		if err := c.store.Save(context.Background(), record); err != nil {
			c.log.Warnw("Failed to persist session, it will not survive a restart", "error", err)
		}
	}
	return nil
}

// Login runs the device authorization grant against startURL in region. Any
// login already in flight is superseded. On failure the previous session, if
// any, is left untouched.
func (c *Controller) Login(ctx context.Context, region, startURL string) error {
	region = strings.TrimSpace(region)
	startURL = strings.TrimSpace(startURL)
	if region == "" {
		return &sso.ConfigurationError{Field: "region"}
	}
	if startURL == "" {
		return &sso.ConfigurationError{Field: "startUrl"}
	}
	if !strings.HasPrefix(startURL, "https://") && !strings.HasPrefix(startURL, "http://") {
		return &sso.ConfigurationError{Field: "startUrl", Reason: "must be an http(s) URL"}
	}

	c.mu.Lock()
	logouts := c.logouts
	c.mu.Unlock()

	idp, ent, err := c.providers.Providers(ctx, region)
	if err != nil {
		return err
	}

	loginCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.logouts != logouts {
		c.mu.Unlock()
		metrics.LoginAttempts.WithLabelValues("cancelled").Inc()
		c.log.Infow("Login cancelled by logout before it started", system.SessionFields(region, startURL)...)
		return sso.ErrLoginCancelled
	}
	if prev := c.current; prev != nil {
		prev.cause = sso.ErrLoginSuperseded
		prev.cancel()
	}
	c.generation++
	attempt := &loginAttempt{
		c:            c,
		id:           uuid.New().String(),
		generation:   c.generation,
		region:       region,
		startURL:     startURL,
		entitlements: ent,
		cancel:       cancel,
	}
	c.current = attempt
	reg := c.cache.ClientRegistration()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.current == attempt {
			c.current = nil
		}
		c.mu.Unlock()
	}()

	log := c.log.With(system.SessionFields(region, startURL)...).With("attempt", attempt.id)
	log.Infow("Starting device login")
	c.events.Publish(events.Event{Type: events.EventLoginStarted, Region: region, StartURL: startURL,
		Details: map[string]string{"attempt": attempt.id}})

	opts := append([]FlowOption{WithFlowLogger(log), WithClientName(c.clientNm), WithClock(c.now)}, c.flowOpts...)
	flow := NewDeviceAuthFlow(idp, c.presenter, opts...)
	started := time.Now()
	_, err = flow.Run(loginCtx, attempt, reg, region, startURL)
	if err != nil {
		result := "error"
		switch {
		case errors.Is(err, sso.ErrLoginSuperseded):
			metrics.LoginAttempts.WithLabelValues("superseded").Inc()
			log.Infow("Login superseded by a newer attempt")
			return err
		case errors.Is(err, sso.ErrLoginCancelled):
			result = "cancelled"
		case errors.Is(err, sso.ErrPollingTimedOut):
			result = "timeout"
		}
		metrics.LoginAttempts.WithLabelValues(result).Inc()
		log.Warnw("Device login failed", "state", flow.State().String(), "error", err)
		c.events.Publish(events.Event{Type: events.EventLoginFailed, Region: region, StartURL: startURL,
			Reason: err.Error(), Details: map[string]string{"attempt": attempt.id}})
		return err
	}

	metrics.LoginAttempts.WithLabelValues("success").Inc()
	metrics.LoginDuration.Observe(time.Since(started).Seconds())
	log.Infow("Device login succeeded")
	c.events.Publish(events.Event{Type: events.EventAuthenticated, Region: region, StartURL: startURL,
		Details: map[string]string{"attempt": attempt.id}})
	return nil
}

// Logout cancels any login in flight and ends the session. It is idempotent.
func (c *Controller) Logout(ctx context.Context) error {
	c.mu.Lock()
	if cur := c.current; cur != nil {
		cur.cause = sso.ErrLoginCancelled
		cur.cancel()
	}
	c.generation++
	c.logouts++
	region, startURL, had := c.endSessionLocked()
	// Cleared under c.mu, like Commit saves, so a racing commit is never wiped.
	var err error
	if c.store != nil {
		if clearErr := c.store.Clear(ctx); clearErr != nil {
			err = fmt.Errorf("failed to clear stored session: %w", clearErr)
		}
	}
	c.mu.Unlock()

	if had {
		c.log.Infow("Logged out", system.SessionFields(region, startURL)...)
		c.events.Publish(events.Event{Type: events.EventLoggedOut, Region: region, StartURL: startURL})
	}
	return err
}

// endSessionLocked clears cache, timer and session parameters and reports
// what was cleared. c.mu must be held.
func (c *Controller) endSessionLocked() (region, startURL string, had bool) {
	had = !c.cache.Empty()
	if _, running := c.timer.StartedAt(); running {
		had = true
	}
	region, startURL = c.region, c.startURL
	c.cache.Clear()
	c.timer.Stop()
	c.region = ""
	c.startURL = ""
	c.broker = nil
	c.sessionGen = 0
	metrics.SessionRemaining.Set(0)
	return region, startURL, had
}

// endSession ends the session produced by generation gen. It does nothing if
// that session was already replaced or ended.
func (c *Controller) endSession(ctx context.Context, gen uint64, eventType events.EventType, reason string) bool {
	c.mu.Lock()
	if gen == 0 || c.sessionGen != gen {
		c.mu.Unlock()
		return false
	}
	region, startURL, _ := c.endSessionLocked()
	var clearErr error
	if c.store != nil {
		clearErr = c.store.Clear(ctx)
	}
	c.mu.Unlock()

	if clearErr != nil {
		c.log.Warnw("Failed to clear stored session", "error", clearErr)
	}
	c.log.Warnw("Session ended", "event", string(eventType), "reason", reason)
	c.events.Publish(events.Event{Type: eventType, Region: region, StartURL: startURL, Reason: reason})
	return true
}

// IsAuthenticated reports whether a token is held and the session window is
// still open.
func (c *Controller) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Get() != nil && c.timer.Remaining(c.now()) > 0
}

// Status returns a snapshot of the session.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	st := Status{
		Region:          c.region,
		StartURL:        c.startURL,
		LoginInProgress: c.current != nil,
	}
	token := c.cache.Get()
	if token != nil {
		st.TokenExpiresAt = token.ExpiresAt
	}
	if started, running := c.timer.StartedAt(); running {
		st.StartedAt = started
		st.ExpiresAt = c.timer.ExpiresAt()
		st.Remaining = c.timer.Remaining(now)
	}
	st.Authenticated = token != nil && st.Remaining > 0
	return st
}

// Restore loads the persisted session. Absent, incomplete or expired records
// leave the controller logged out and are removed from the store.
func (c *Controller) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	record, err := c.store.Load(ctx)
	if err != nil {
		if !errors.Is(err, sso.ErrSessionCorrupt) {
			return fmt.Errorf("failed to load stored session: %w", err)
		}
		c.log.Warnw("Discarding unreadable stored session", "error", err)
		return c.discardStored(ctx)
	}
	if record == nil {
		return nil
	}
	if !record.Complete() || record.Region == "" {
		c.log.Infow("Discarding incomplete stored session")
		return c.discardStored(ctx)
	}
	if record.StartedAt.After(c.now()) {
		c.log.Infow("Discarding stored session that starts in the future", "startedAt", record.StartedAt)
		return c.discardStored(ctx)
	}
	if !c.now().Before(record.StartedAt.Add(c.timer.Duration())) {
		c.log.Infow("Stored session has expired", "startedAt", record.StartedAt)
		return c.discardStored(ctx)
	}

	_, ent, err := c.providers.Providers(ctx, record.Region)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.current != nil || c.sessionGen != 0 {
		c.mu.Unlock()
		return nil
	}
	reg := record.Registration
	if reg != nil && reg.Region != "" && reg.Region != record.Region {
		reg = nil
	}
	c.cache.Restore(record.Token, reg)
	c.timer.Start(record.StartedAt)
	c.region = record.Region
	c.startURL = record.StartURL
	c.broker = broker.New(ent, c.limits, c.brokerCfg, c.brokerOpt...)
	c.generation++
	c.sessionGen = c.generation
	remaining := c.timer.Remaining(c.now())
	c.mu.Unlock()

	metrics.SessionRemaining.Set(remaining.Seconds())
	c.log.Infow("Session restored", append(system.SessionFields(record.Region, record.StartURL), "remaining", remaining)...)
	c.events.Publish(events.Event{Type: events.EventRestored, Region: record.Region, StartURL: record.StartURL})
	return nil
}

// discardStored clears the store unless a login committed a session or is in
// flight meanwhile.
func (c *Controller) discardStored(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionGen != 0 || c.current != nil {
		return nil
	}
	if err := c.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear stored session: %w", err)
	}
	return nil
}

type activeSession struct {
	token  string
	broker *broker.Broker
	gen    uint64
	region string
}

// active returns the live session, expiring it first if its window closed.
func (c *Controller) active(ctx context.Context) (activeSession, error) {
	c.mu.Lock()
	token := c.cache.Get()
	if token == nil || c.broker == nil {
		c.mu.Unlock()
		return activeSession{}, sso.ErrNotAuthenticated
	}
	if c.timer.Remaining(c.now()) <= 0 {
		gen := c.sessionGen
		c.mu.Unlock()
		c.endSession(ctx, gen, events.EventExpired, "session window elapsed")
		return activeSession{}, sso.ErrAuthenticationExpired
	}
	s := activeSession{token: token.AccessToken, broker: c.broker, gen: c.sessionGen, region: c.region}
	c.mu.Unlock()
	return s, nil
}

// checkAuth forces a logout when the provider rejected the session's token,
// unless the session changed while the call was in flight.
func (c *Controller) checkAuth(ctx context.Context, s activeSession, err error) error {
	if err != nil && sso.IsAuthError(err) {
		c.endSession(ctx, s.gen, events.EventForcedLogout, "token rejected by provider")
	}
	return err
}

// Accounts lists the accounts of the current session.
func (c *Controller) Accounts(ctx context.Context) ([]sso.Account, error) {
	s, err := c.active(ctx)
	if err != nil {
		return nil, err
	}
	accounts, err := s.broker.ListAccounts(ctx, s.token)
	return accounts, c.checkAuth(ctx, s, err)
}

// Roles lists the roles of accountID for the current session.
func (c *Controller) Roles(ctx context.Context, accountID string) ([]sso.Role, error) {
	s, err := c.active(ctx)
	if err != nil {
		return nil, err
	}
	roles, err := s.broker.ListRoles(ctx, s.token, accountID)
	return roles, c.checkAuth(ctx, s, err)
}

// Credentials issues temporary credentials for roleName in accountID.
func (c *Controller) Credentials(ctx context.Context, accountID, roleName string) (*sso.RoleCredentials, error) {
	s, err := c.active(ctx)
	if err != nil {
		return nil, err
	}
	creds, err := s.broker.GetCredentials(ctx, s.token, accountID, roleName)
	if err = c.checkAuth(ctx, s, err); err != nil {
		return nil, err
	}
	c.events.Publish(events.Event{
		Type:      events.EventCredentialsIssued,
		Region:    s.region,
		AccountID: accountID,
		RoleName:  roleName,
		Details:   map[string]string{"expiration": creds.Expiration.UTC().Format(time.RFC3339)},
	})
	return creds, nil
}

// Region returns the region of the current session.
func (c *Controller) Region() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.region
}

// Subscribe registers fn for lifecycle events.
func (c *Controller) Subscribe(fn events.Handler) func() {
	return c.events.Subscribe(fn)
}

// Watch calls fn with the session status every tick until ctx is done, and
// ends the session as soon as its window closes.
func (c *Controller) Watch(ctx context.Context, tick time.Duration, fn func(Status)) error {
	if tick <= 0 {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		c.expireIfDue(ctx)
		st := c.Status()
		metrics.SessionRemaining.Set(st.Remaining.Seconds())
		if fn != nil {
			fn(st)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (c *Controller) expireIfDue(ctx context.Context) {
	c.mu.Lock()
	gen := c.sessionGen
	due := c.cache.Get() != nil && c.timer.Expired(c.now())
	c.mu.Unlock()
	if due {
		c.endSession(ctx, gen, events.EventExpired, "session window elapsed")
	}
}
