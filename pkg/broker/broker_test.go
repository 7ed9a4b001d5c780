package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telekom/ssoctl/pkg/ratelimit"
	"github.com/telekom/ssoctl/pkg/sso"
	"github.com/telekom/ssoctl/pkg/system"
)

type fakeEntitlements struct {
	mu sync.Mutex

	accountPages map[string]*sso.AccountPage
	rolePages    map[string]*sso.RolePage
	creds        *sso.RoleCredentials

	// errs are returned in order before falling back to the scripted result
	errs []error

	accountTokens []string
	roleCalls     atomic.Int32
	credCalls     atomic.Int32

	block   chan struct{}
	entered chan struct{}

	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeEntitlements) nextErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeEntitlements) track() func() {
	n := f.active.Add(1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	return func() { f.active.Add(-1) }
}

func (f *fakeEntitlements) ListAccounts(_ context.Context, token, pageToken string) (*sso.AccountPage, error) {
	f.mu.Lock()
	f.accountTokens = append(f.accountTokens, pageToken)
	f.mu.Unlock()
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	return f.accountPages[pageToken], nil
}

func (f *fakeEntitlements) ListAccountRoles(_ context.Context, token, accountID, pageToken string) (*sso.RolePage, error) {
	defer f.track()()
	f.roleCalls.Add(1)
	time.Sleep(5 * time.Millisecond)
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	return f.rolePages[accountID+"/"+pageToken], nil
}

func (f *fakeEntitlements) GetRoleCredentials(_ context.Context, token, accountID, roleName string) (*sso.RoleCredentials, error) {
	f.credCalls.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	return f.creds, nil
}

type sleepRecorder struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.slept = append(s.slept, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleepRecorder) durations() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.slept...)
}

func newTestBroker(p sso.EntitlementProvider, sleeper *sleepRecorder) *Broker {
	return New(p, ratelimit.NewRegistry(ratelimit.Config{}), DefaultConfig(),
		WithSleeper(sleeper.sleep), WithLogger(system.NewTestLogger()))
}

func TestListAccountsPaginates(t *testing.T) {
	p := &fakeEntitlements{accountPages: map[string]*sso.AccountPage{
		"":   {Accounts: []sso.Account{{AccountID: "A"}, {AccountID: "B"}}, NextToken: "p2"},
		"p2": {Accounts: []sso.Account{{AccountID: "C"}}},
	}}
	sleeper := &sleepRecorder{}
	b := newTestBroker(p, sleeper)

	accounts, err := b.ListAccounts(context.Background(), "tok-1")
	require.NoError(t, err)

	ids := make([]string, 0, len(accounts))
	for _, a := range accounts {
		ids = append(ids, a.AccountID)
	}
	assert.Equal(t, []string{"A", "B", "C"}, ids)
	assert.Equal(t, []string{"", "p2"}, p.accountTokens)
	assert.Equal(t, []time.Duration{time.Second}, sleeper.durations(), "one settle delay per operation")
}

func TestListAccountsRepeatedPageToken(t *testing.T) {
	p := &fakeEntitlements{accountPages: map[string]*sso.AccountPage{
		"":   {Accounts: []sso.Account{{AccountID: "A"}}, NextToken: "p2"},
		"p2": {Accounts: []sso.Account{{AccountID: "B"}}, NextToken: "p2"},
	}}
	_, err := newTestBroker(p, &sleepRecorder{}).ListAccounts(context.Background(), "tok-1")

	var perr *sso.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "ListAccounts", perr.Op)
}

func TestListRolesFillsAccountID(t *testing.T) {
	p := &fakeEntitlements{rolePages: map[string]*sso.RolePage{
		"111/":   {Roles: []sso.Role{{RoleName: "Admin"}}, NextToken: "n"},
		"111/n":  {Roles: []sso.Role{{AccountID: "111", RoleName: "ReadOnly"}}},
		"222/":   {Roles: []sso.Role{{RoleName: "Other"}}},
		"unused": {},
	}}
	roles, err := newTestBroker(p, &sleepRecorder{}).ListRoles(context.Background(), "tok-1", "111")
	require.NoError(t, err)
	assert.Equal(t, []sso.Role{{AccountID: "111", RoleName: "Admin"}, {AccountID: "111", RoleName: "ReadOnly"}}, roles)
}

func TestThrottledRequestIsRetried(t *testing.T) {
	p := &fakeEntitlements{
		creds: &sso.RoleCredentials{AccessKeyID: "AKIA", SecretAccessKey: "s", SessionToken: "t"},
		errs:  []error{sso.ErrRateLimited, sso.ErrRateLimited},
	}
	sleeper := &sleepRecorder{}
	creds, err := newTestBroker(p, sleeper).GetCredentials(context.Background(), "tok-1", "111", "Admin")
	require.NoError(t, err)

	assert.Equal(t, "AKIA", creds.AccessKeyID)
	assert.Equal(t, "111", creds.AccountID)
	assert.Equal(t, "Admin", creds.RoleName)
	assert.EqualValues(t, 3, p.credCalls.Load())
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, time.Second}, sleeper.durations())
}

func TestThrottlingIsBounded(t *testing.T) {
	p := &fakeEntitlements{
		errs: []error{sso.ErrRateLimited, sso.ErrRateLimited, sso.ErrRateLimited, sso.ErrRateLimited, sso.ErrRateLimited},
	}
	sleeper := &sleepRecorder{}
	_, err := newTestBroker(p, sleeper).GetCredentials(context.Background(), "tok-1", "111", "Admin")

	var perr *sso.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, sso.ErrRateLimited)
	assert.Equal(t, "GetRoleCredentials", perr.Op)
	assert.EqualValues(t, 4, p.credCalls.Load(), "one call plus three retries")
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second}, sleeper.durations(), "no settle after failure")
}

func TestNonThrottleErrorsPropagate(t *testing.T) {
	p := &fakeEntitlements{errs: []error{sso.ErrAuthenticationExpired}}
	sleeper := &sleepRecorder{}
	_, err := newTestBroker(p, sleeper).ListAccounts(context.Background(), "tok-1")

	assert.ErrorIs(t, err, sso.ErrAuthenticationExpired)
	assert.Empty(t, sleeper.durations())
}

func TestGetCredentialsMissingPayload(t *testing.T) {
	_, err := newTestBroker(&fakeEntitlements{}, &sleepRecorder{}).GetCredentials(context.Background(), "tok-1", "111", "Admin")
	var perr *sso.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Error(), "no credentials")
}

func TestArgumentValidation(t *testing.T) {
	b := newTestBroker(&fakeEntitlements{}, &sleepRecorder{})
	var cfgErr *sso.ConfigurationError

	_, err := b.ListRoles(context.Background(), "tok", "")
	require.ErrorAs(t, err, &cfgErr)
	_, err = b.GetCredentials(context.Background(), "tok", "111", "")
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "roleName", cfgErr.Field)
}

func TestIdenticalRequestsShareOneCall(t *testing.T) {
	p := &fakeEntitlements{
		creds:   &sso.RoleCredentials{AccessKeyID: "AKIA"},
		block:   make(chan struct{}),
		entered: make(chan struct{}, 2),
	}
	b := newTestBroker(p, &sleepRecorder{})

	var wg sync.WaitGroup
	results := make([]*sso.RoleCredentials, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			creds, err := b.GetCredentials(context.Background(), "tok-1", "111", "Admin")
			assert.NoError(t, err)
			results[i] = creds
		}(i)
		if i == 0 {
			<-p.entered
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(p.block)
	wg.Wait()

	assert.EqualValues(t, 1, p.credCalls.Load())
	require.NotNil(t, results[0])
	require.NotNil(t, results[1])
	assert.NotSame(t, results[0], results[1], "callers must not share a mutable result")
	assert.Equal(t, "AKIA", results[1].AccessKeyID)
}

func TestFamilyOperationsAreSerialized(t *testing.T) {
	p := &fakeEntitlements{rolePages: map[string]*sso.RolePage{
		"111/": {Roles: []sso.Role{{RoleName: "A"}}},
		"222/": {Roles: []sso.Role{{RoleName: "B"}}},
		"333/": {Roles: []sso.Role{{RoleName: "C"}}},
	}}
	b := newTestBroker(p, &sleepRecorder{})

	var wg sync.WaitGroup
	for _, id := range []string{"111", "222", "333"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := b.ListRoles(context.Background(), "tok-1", id)
			assert.NoError(t, err)
		}(id)
	}
	wg.Wait()

	assert.EqualValues(t, 3, p.roleCalls.Load())
	assert.EqualValues(t, 1, p.maxActive.Load())
}

func TestCancelledContextStopsRetry(t *testing.T) {
	p := &fakeEntitlements{errs: []error{sso.ErrRateLimited, sso.ErrRateLimited}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(p, ratelimit.NewRegistry(ratelimit.Config{}), DefaultConfig()).ListAccounts(ctx, "tok-1")
	assert.True(t, errors.Is(err, context.Canceled))
}
