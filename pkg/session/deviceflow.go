// SPDX-FileCopyrightText: 2025 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/telekom/ssoctl/pkg/metrics"
	"github.com/telekom/ssoctl/pkg/sso"
	"github.com/telekom/ssoctl/pkg/system"
)

// Poll policy.
const (
	InitialPollInterval   = 2 * time.Second
	MaxPollInterval       = 10 * time.Second
	PollBackoffMultiplier = 1.5
	MaxPollAttempts       = 30
)

// DefaultClientName is the OAuth client name used when registering.
const DefaultClientName = "ssoctl"

// State is a DeviceAuthFlow state.
type State int

const (
	StateIdle State = iota
	StateRegistering
	StateAwaitingUserAuthorization
	StatePolling
	StateSucceeded
	StateFailed
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRegistering:
		return "Registering"
	case StateAwaitingUserAuthorization:
		return "AwaitingUserAuthorization"
	case StatePolling:
		return "Polling"
	case StateSucceeded:
		return "Succeeded"
	case StateFailed:
		return "Failed"
	case StateTimedOut:
		return "TimedOut"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition follows.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateTimedOut
}

// Attempt is the owner side of one login attempt. The flow never touches the
// session directly; it hands results to the attempt.
type Attempt interface {
	// Err returns nil while the attempt is current, otherwise the reason it
	// was abandoned (ErrLoginCancelled or ErrLoginSuperseded).
	Err() error
	// SaveRegistration records a newly registered client.
	SaveRegistration(reg sso.ClientRegistration)
	// Commit installs the token as the session token. It fails if the
	// attempt is no longer current.
	Commit(token sso.BearerToken) error
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the default Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// PollPolicy controls token polling backoff.
type PollPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
}

// DefaultPollPolicy returns the standard backoff: 2s growing by 1.5x up to
// 10s, at most 30 polls.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		InitialInterval: InitialPollInterval,
		MaxInterval:     MaxPollInterval,
		Multiplier:      PollBackoffMultiplier,
		MaxAttempts:     MaxPollAttempts,
	}
}

// Next returns the interval that follows current.
func (p PollPolicy) Next(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * p.Multiplier)
	if next > p.MaxInterval {
		return p.MaxInterval
	}
	return next
}

// FlowOption configures a DeviceAuthFlow.
type FlowOption func(*DeviceAuthFlow)

// WithSleeper replaces the backoff sleep.
func WithSleeper(sleep Sleeper) FlowOption {
	return func(f *DeviceAuthFlow) { f.sleep = sleep }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) FlowOption {
	return func(f *DeviceAuthFlow) { f.now = now }
}

// WithPollPolicy replaces the poll backoff policy.
func WithPollPolicy(p PollPolicy) FlowOption {
	return func(f *DeviceAuthFlow) { f.policy = p }
}

// WithStateObserver registers fn to be called on every state transition.
func WithStateObserver(fn func(State)) FlowOption {
	return func(f *DeviceAuthFlow) { f.observer = fn }
}

// WithFlowLogger sets the logger.
func WithFlowLogger(log *zap.SugaredLogger) FlowOption {
	return func(f *DeviceAuthFlow) { f.log = system.OrNop(log) }
}

// WithClientName sets the name used when registering a client.
func WithClientName(name string) FlowOption {
	return func(f *DeviceAuthFlow) {
		if name != "" {
			f.clientName = name
		}
	}
}

// DeviceAuthFlow runs one OAuth2 device authorization grant.
type DeviceAuthFlow struct {
	provider   sso.IdentityProvider
	presenter  sso.Presenter
	sleep      Sleeper
	now        func() time.Time
	policy     PollPolicy
	observer   func(State)
	log        *zap.SugaredLogger
	clientName string

	mu    sync.RWMutex
	state State
}

// NewDeviceAuthFlow creates a flow in the Idle state.
func NewDeviceAuthFlow(provider sso.IdentityProvider, presenter sso.Presenter, opts ...FlowOption) *DeviceAuthFlow {
	f := &DeviceAuthFlow{
		provider:   provider,
		presenter:  presenter,
		sleep:      SleepContext,
		now:        time.Now,
		policy:     DefaultPollPolicy(),
		log:        zap.NewNop().Sugar(),
		clientName: DefaultClientName,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// State returns the current state.
func (f *DeviceAuthFlow) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

func (f *DeviceAuthFlow) transition(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	f.log.Debugw("Device authorization state changed", "state", s.String())
	if f.observer != nil {
		f.observer(s)
	}
}

func (f *DeviceAuthFlow) fail(err error) error {
	f.transition(StateFailed)
	return err
}

func (f *DeviceAuthFlow) timeout(err error) error {
	f.transition(StateTimedOut)
	return err
}

// Run registers (or reuses) a client, starts the device authorization for
// startURL, presents the user code and polls until a token is committed to
// attempt. reg is the registration currently held by the session, if any.
func (f *DeviceAuthFlow) Run(ctx context.Context, attempt Attempt, reg *sso.ClientRegistration, region, startURL string) (*sso.BearerToken, error) {
	if err := attempt.Err(); err != nil {
		return nil, f.fail(err)
	}

	f.transition(StateRegistering)
	registration, reused, err := f.ensureRegistration(ctx, attempt, reg, region)
	if err != nil {
		return nil, f.fail(err)
	}

	f.transition(StateAwaitingUserAuthorization)
	auth, err := f.provider.StartDeviceAuthorization(ctx, registration, startURL)
	if err != nil && reused && errors.Is(err, sso.ErrInvalidClient) {
		f.log.Infow("Stored client registration rejected, registering a new client", "clientId", registration.ClientID)
		registration, _, err = f.ensureRegistration(ctx, attempt, nil, region)
		if err != nil {
			return nil, f.fail(err)
		}
		auth, err = f.provider.StartDeviceAuthorization(ctx, registration, startURL)
	}
	if err != nil {
		return nil, f.fail(f.abandoned(attempt, err))
	}
	if auth == nil || auth.DeviceCode == "" {
		return nil, f.fail(&sso.ProviderError{Op: "StartDeviceAuthorization", Message: "response contained no device code"})
	}
	if err := attempt.Err(); err != nil {
		return nil, f.fail(err)
	}
	if f.presenter != nil {
		f.presenter.PresentDeviceAuthorization(ctx, *auth)
	}

	f.transition(StatePolling)
	return f.poll(ctx, attempt, registration, *auth)
}

func (f *DeviceAuthFlow) ensureRegistration(ctx context.Context, attempt Attempt, reg *sso.ClientRegistration, region string) (sso.ClientRegistration, bool, error) {
	if reg.Usable(region, f.now()) {
		return *reg, true, nil
	}
	created, err := f.provider.RegisterClient(ctx, f.clientName, sso.ClientTypePublic)
	if err != nil {
		metrics.ClientRegistrations.WithLabelValues("error").Inc()
		return sso.ClientRegistration{}, false, f.abandoned(attempt, err)
	}
	if created == nil || created.ClientID == "" {
		metrics.ClientRegistrations.WithLabelValues("error").Inc()
		return sso.ClientRegistration{}, false, &sso.ProviderError{Op: "RegisterClient", Message: "response contained no client id"}
	}
	if created.Region == "" {
		created.Region = region
	}
	metrics.ClientRegistrations.WithLabelValues("created").Inc()
	f.log.Infow("Registered OAuth client", "clientId", created.ClientID, "region", created.Region)
	attempt.SaveRegistration(*created)
	return *created, false, nil
}

func (f *DeviceAuthFlow) poll(ctx context.Context, attempt Attempt, reg sso.ClientRegistration, auth sso.DeviceAuthorization) (*sso.BearerToken, error) {
	interval := f.policy.InitialInterval
	var deadline time.Time
	if auth.ExpiresIn > 0 {
		deadline = f.now().Add(auth.ExpiresIn)
	}

	for n := 1; ; n++ {
		if err := attempt.Err(); err != nil {
			return nil, f.fail(err)
		}
		if !deadline.IsZero() && !f.now().Before(deadline) {
			metrics.DevicePollAttempts.WithLabelValues("expired").Inc()
			return nil, f.timeout(fmt.Errorf("%w: %w", sso.ErrPollingTimedOut, sso.ErrDeviceCodeExpired))
		}

		token, err := f.provider.CreateToken(ctx, reg, auth.DeviceCode)
		switch {
		case err == nil && (token == nil || token.AccessToken == ""):
			metrics.DevicePollAttempts.WithLabelValues("error").Inc()
			return nil, f.fail(&sso.ProviderError{Op: "CreateToken", Message: "response contained no access token"})

		case err == nil:
			metrics.DevicePollAttempts.WithLabelValues("token").Inc()
			if token.IssuedAt.IsZero() {
				token.IssuedAt = f.now()
			}
			if err := attempt.Commit(*token); err != nil {
				return nil, f.fail(err)
			}
			f.log.Infow("Device authorization approved", "polls", n)
			f.transition(StateSucceeded)
			return token, nil

		case errors.Is(err, sso.ErrAuthorizationPending), errors.Is(err, sso.ErrSlowDown):
			outcome := "pending"
			if errors.Is(err, sso.ErrSlowDown) {
				outcome = "slow_down"
			}
			metrics.DevicePollAttempts.WithLabelValues(outcome).Inc()
			if n >= f.policy.MaxAttempts {
				f.log.Warnw("Device authorization not approved in time", "polls", n)
				return nil, f.timeout(sso.ErrPollingTimedOut)
			}
			if err := f.sleep(ctx, interval); err != nil {
				return nil, f.fail(f.abandoned(attempt, err))
			}
			interval = f.policy.Next(interval)

		case errors.Is(err, sso.ErrDeviceCodeExpired):
			metrics.DevicePollAttempts.WithLabelValues("expired").Inc()
			return nil, f.timeout(fmt.Errorf("%w: %w", sso.ErrPollingTimedOut, err))

		default:
			metrics.DevicePollAttempts.WithLabelValues("error").Inc()
			return nil, f.fail(f.abandoned(attempt, err))
		}
	}
}

// abandoned prefers the attempt's cancellation reason over errors caused by
// the cancellation itself.
func (f *DeviceAuthFlow) abandoned(attempt Attempt, err error) error {
	if cause := attempt.Err(); cause != nil {
		return cause
	}
	return err
}
