package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/telekom/ssoctl/pkg/metrics"
	"github.com/telekom/ssoctl/pkg/ratelimit"
	"github.com/telekom/ssoctl/pkg/sso"
	"github.com/telekom/ssoctl/pkg/system"
)

// Config holds retry and pacing settings.
type Config struct {
	// RetryDelay is the pause before retrying a throttled request
	RetryDelay time.Duration
	// MaxThrottleRetries bounds the retries of a single throttled request
	MaxThrottleRetries int
	// SettleDelay is held after a successful operation before the family is
	// released to the next caller
	SettleDelay time.Duration
}

// DefaultConfig returns the default broker settings
func DefaultConfig() Config {
	return Config{
		RetryDelay:         5 * time.Second,
		MaxThrottleRetries: 3,
		SettleDelay:        time.Second,
	}
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(b *Broker) { b.log = system.OrNop(log) }
}

// WithSleeper replaces the function used for retry and settle delays.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(b *Broker) { b.sleep = sleep }
}

// Broker talks to an EntitlementProvider on behalf of the session.
type Broker struct {
	provider sso.EntitlementProvider
	limits   *ratelimit.Registry
	config   Config
	log      *zap.SugaredLogger
	sleep    func(ctx context.Context, d time.Duration) error
	group    singleflight.Group
}

// New creates a Broker. limits is shared with everything else that calls the
// same provider so families stay serialized process-wide.
func New(provider sso.EntitlementProvider, limits *ratelimit.Registry, cfg Config, opts ...Option) *Broker {
	if limits == nil {
		limits = ratelimit.NewRegistry(ratelimit.DefaultConfig())
	}
	b := &Broker{
		provider: provider,
		limits:   limits,
		config:   cfg,
		log:      zap.NewNop().Sugar(),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ListAccounts returns every account the token is entitled to, pages
// concatenated in server order.
func (b *Broker) ListAccounts(ctx context.Context, token string) ([]sso.Account, error) {
	key := requestKey(ratelimit.FamilyAccounts, token)
	v, err := b.shared(key, ratelimit.FamilyAccounts, func() (interface{}, error) {
		var accounts []sso.Account
		err := b.operation(ctx, ratelimit.FamilyAccounts, func(fam *ratelimit.Family) error {
			return b.paginate(ctx, fam, "ListAccounts", func(pageToken string) (string, error) {
				page, err := b.provider.ListAccounts(ctx, token, pageToken)
				if err != nil {
					return "", err
				}
				if page == nil {
					return "", nil
				}
				accounts = append(accounts, page.Accounts...)
				return page.NextToken, nil
			})
		})
		return accounts, err
	})
	if err != nil {
		return nil, err
	}
	accounts := v.([]sso.Account)
	return append([]sso.Account(nil), accounts...), nil
}

// ListRoles returns every role the token may assume in accountID.
func (b *Broker) ListRoles(ctx context.Context, token, accountID string) ([]sso.Role, error) {
	if accountID == "" {
		return nil, &sso.ConfigurationError{Field: "accountId"}
	}
	key := requestKey(ratelimit.FamilyRoles, token, accountID)
	v, err := b.shared(key, ratelimit.FamilyRoles, func() (interface{}, error) {
		var roles []sso.Role
		err := b.operation(ctx, ratelimit.FamilyRoles, func(fam *ratelimit.Family) error {
			return b.paginate(ctx, fam, "ListAccountRoles", func(pageToken string) (string, error) {
				page, err := b.provider.ListAccountRoles(ctx, token, accountID, pageToken)
				if err != nil {
					return "", err
				}
				if page == nil {
					return "", nil
				}
				for _, r := range page.Roles {
					if r.AccountID == "" {
						r.AccountID = accountID
					}
					roles = append(roles, r)
				}
				return page.NextToken, nil
			})
		})
		return roles, err
	})
	if err != nil {
		return nil, err
	}
	roles := v.([]sso.Role)
	return append([]sso.Role(nil), roles...), nil
}

// GetCredentials exchanges the token for temporary credentials of roleName in
// accountID. Credentials are never cached.
func (b *Broker) GetCredentials(ctx context.Context, token, accountID, roleName string) (*sso.RoleCredentials, error) {
	if accountID == "" {
		return nil, &sso.ConfigurationError{Field: "accountId"}
	}
	if roleName == "" {
		return nil, &sso.ConfigurationError{Field: "roleName"}
	}
	key := requestKey(ratelimit.FamilyCredentials, token, accountID, roleName)
	v, err := b.shared(key, ratelimit.FamilyCredentials, func() (interface{}, error) {
		var creds *sso.RoleCredentials
		err := b.operation(ctx, ratelimit.FamilyCredentials, func(fam *ratelimit.Family) error {
			return b.request(ctx, fam, "GetRoleCredentials", func() error {
				out, err := b.provider.GetRoleCredentials(ctx, token, accountID, roleName)
				if err != nil {
					return err
				}
				if out == nil || out.AccessKeyID == "" {
					return &sso.ProviderError{Op: "GetRoleCredentials", Message: "response contained no credentials"}
				}
				creds = out
				return nil
			})
		})
		return creds, err
	})
	if err != nil {
		return nil, err
	}
	out := *v.(*sso.RoleCredentials)
	if out.AccountID == "" {
		out.AccountID = accountID
	}
	if out.RoleName == "" {
		out.RoleName = roleName
	}
	return &out, nil
}

func (b *Broker) shared(key, family string, fn func() (interface{}, error)) (interface{}, error) {
	v, err, shared := b.group.Do(key, fn)
	if shared {
		metrics.BrokerDeduplicated.WithLabelValues(family).Inc()
	}
	return v, err
}

// operation holds the family slot for the whole of fn and the settle delay
// after it.
func (b *Broker) operation(ctx context.Context, family string, fn func(*ratelimit.Family) error) error {
	fam := b.limits.Family(family)
	if err := fam.Acquire(ctx); err != nil {
		return err
	}
	defer fam.Release()

	if err := fn(fam); err != nil {
		return err
	}
	if b.config.SettleDelay > 0 {
		if err := b.sleep(ctx, b.config.SettleDelay); err != nil {
			b.log.Debugw("Settle delay interrupted", "family", family, "error", err)
		}
	}
	return nil
}

func (b *Broker) paginate(ctx context.Context, fam *ratelimit.Family, op string, fetch func(pageToken string) (string, error)) error {
	seen := map[string]bool{}
	pageToken := ""
	for {
		var next string
		err := b.request(ctx, fam, op, func() error {
			var err error
			next, err = fetch(pageToken)
			return err
		})
		if err != nil {
			return err
		}
		if next == "" {
			return nil
		}
		if seen[next] {
			return &sso.ProviderError{Op: op, Message: fmt.Sprintf("pagination token %q repeated", next)}
		}
		seen[next] = true
		pageToken = next
	}
}

// request performs one API call, retrying while it is throttled.
func (b *Broker) request(ctx context.Context, fam *ratelimit.Family, op string, call func() error) error {
	for retries := 0; ; retries++ {
		if err := fam.Wait(ctx); err != nil {
			return err
		}
		err := call()
		if err == nil {
			metrics.BrokerRequests.WithLabelValues(fam.Name(), "success").Inc()
			return nil
		}
		if !errors.Is(err, sso.ErrRateLimited) {
			metrics.BrokerRequests.WithLabelValues(fam.Name(), "error").Inc()
			return err
		}

		metrics.BrokerRequests.WithLabelValues(fam.Name(), "throttled").Inc()
		metrics.BrokerThrottled.WithLabelValues(fam.Name()).Inc()
		if retries >= b.config.MaxThrottleRetries {
			b.log.Warnw("Giving up on throttled request", "operation", op, "family", fam.Name(), "retries", retries)
			return &sso.ProviderError{
				Op:      op,
				Code:    "TooManyRequests",
				Message: fmt.Sprintf("still throttled after %d retries", retries),
				Err:     err,
			}
		}
		b.log.Infow("Request throttled, retrying", "operation", op, "family", fam.Name(), "retry", retries+1, "delay", b.config.RetryDelay)
		if err := b.sleep(ctx, b.config.RetryDelay); err != nil {
			return err
		}
	}
}

func requestKey(family, token string, args ...string) string {
	parts := append([]string{family, system.Fingerprint(token)}, args...)
	return strings.Join(parts, "\x00")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
