package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telekom/ssoctl/pkg/sso"
)

// tokenResult is one scripted CreateToken response.
type tokenResult struct {
	token string
	err   error
	// wait blocks the response until closed
	wait chan struct{}
}

type fakeIdentity struct {
	mu sync.Mutex

	registerCalls atomic.Int32
	startCalls    atomic.Int32
	tokenCalls    atomic.Int32

	registerErr error
	// startErrs are returned by StartDeviceAuthorization in order
	startErrs []error
	expiresIn time.Duration

	// scripts maps a device code to its CreateToken responses; the last one
	// repeats
	scripts map[string][]tokenResult
	polled  chan string
}

func newFakeIdentity() *fakeIdentity {
	return &fakeIdentity{scripts: map[string][]tokenResult{}}
}

func (f *fakeIdentity) script(deviceCode string, results ...tokenResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[deviceCode] = results
}

func (f *fakeIdentity) RegisterClient(_ context.Context, name, clientType string) (*sso.ClientRegistration, error) {
	n := f.registerCalls.Add(1)
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	return &sso.ClientRegistration{
		ClientID:     fmt.Sprintf("client-%d", n),
		ClientSecret: "secret",
		ExpiresAt:    time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeIdentity) StartDeviceAuthorization(_ context.Context, reg sso.ClientRegistration, startURL string) (*sso.DeviceAuthorization, error) {
	n := f.startCalls.Add(1)
	f.mu.Lock()
	if len(f.startErrs) > 0 {
		err := f.startErrs[0]
		f.startErrs = f.startErrs[1:]
		f.mu.Unlock()
		if err != nil {
			return nil, err
		}
	} else {
		f.mu.Unlock()
	}
	return &sso.DeviceAuthorization{
		DeviceCode:              fmt.Sprintf("dev-%d", n),
		UserCode:                "ABCD-EFGH",
		VerificationURI:         "https://device.sso.example.com/",
		VerificationURIComplete: "https://device.sso.example.com/?user_code=ABCD-EFGH",
		ExpiresIn:               f.expiresIn,
		Interval:                time.Second,
	}, nil
}

func (f *fakeIdentity) CreateToken(ctx context.Context, reg sso.ClientRegistration, deviceCode string) (*sso.BearerToken, error) {
	f.tokenCalls.Add(1)
	f.mu.Lock()
	results := f.scripts[deviceCode]
	var r tokenResult
	switch len(results) {
	case 0:
		r = tokenResult{err: sso.ErrAuthorizationPending}
	case 1:
		r = results[0]
	default:
		r = results[0]
		f.scripts[deviceCode] = results[1:]
	}
	f.mu.Unlock()

	if f.polled != nil {
		f.polled <- deviceCode
	}
	if r.wait != nil {
		<-r.wait
	}
	if r.err != nil {
		return nil, r.err
	}
	return &sso.BearerToken{AccessToken: r.token}, nil
}

type fakeEntitlements struct {
	accounts []sso.Account
	err      error
	block    chan struct{}
	entered  chan struct{}
	creds    sso.RoleCredentials
}

func (f *fakeEntitlements) ListAccounts(_ context.Context, token, pageToken string) (*sso.AccountPage, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return &sso.AccountPage{Accounts: f.accounts}, nil
}

func (f *fakeEntitlements) ListAccountRoles(_ context.Context, token, accountID, pageToken string) (*sso.RolePage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sso.RolePage{Roles: []sso.Role{{AccountID: accountID, RoleName: "ReadOnly"}}}, nil
}

func (f *fakeEntitlements) GetRoleCredentials(_ context.Context, token, accountID, roleName string) (*sso.RoleCredentials, error) {
	if f.err != nil {
		return nil, f.err
	}
	c := f.creds
	return &c, nil
}

type memoryStore struct {
	mu      sync.Mutex
	record  *sso.SessionRecord
	loadErr error
	saves   int
	clears  int
}

func (s *memoryStore) Load(context.Context) (*sso.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.record == nil {
		return nil, nil
	}
	r := *s.record
	return &r, nil
}

func (s *memoryStore) Save(_ context.Context, record sso.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = &record
	s.saves++
	return nil
}

func (s *memoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = nil
	s.loadErr = nil
	s.clears++
	return nil
}

func (s *memoryStore) stored() *sso.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// sleepRecorder records backoff sleeps and optionally advances a clock.
type sleepRecorder struct {
	mu    sync.Mutex
	slept []time.Duration
	clock *fakeClock
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.slept = append(s.slept, d)
	s.mu.Unlock()
	if s.clock != nil {
		s.clock.Advance(d)
	}
	return ctx.Err()
}

func (s *sleepRecorder) durations() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.slept...)
}

type recordingPresenter struct {
	mu    sync.Mutex
	shown []sso.DeviceAuthorization
}

func (p *recordingPresenter) PresentDeviceAuthorization(_ context.Context, auth sso.DeviceAuthorization) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shown = append(p.shown, auth)
}

// testAttempt is a standalone Attempt for flow tests.
type testAttempt struct {
	mu           sync.Mutex
	err          error
	registration *sso.ClientRegistration
	committed    []sso.BearerToken
	commitErr    error
	// cancelAfterPolls makes Err return ErrLoginCancelled once the provider
	// has been polled this many times
	cancelAfterPolls int32
	provider         *fakeIdentity
}

func (a *testAttempt) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelAfterPolls > 0 && a.provider != nil && a.provider.tokenCalls.Load() >= a.cancelAfterPolls {
		return sso.ErrLoginCancelled
	}
	return a.err
}

func (a *testAttempt) SaveRegistration(reg sso.ClientRegistration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.registration = &reg
}

func (a *testAttempt) Commit(token sso.BearerToken) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.commitErr != nil {
		return a.commitErr
	}
	a.committed = append(a.committed, token)
	return nil
}

// blockingClearStore blocks the first Clear until release is closed.
type blockingClearStore struct {
	*memoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingClearStore) Clear(ctx context.Context) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.memoryStore.Clear(ctx)
}
