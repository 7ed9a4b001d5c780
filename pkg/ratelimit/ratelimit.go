package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/telekom/ssoctl/pkg/metrics"
)

// Endpoint families. Families never share a limiter.
const (
	FamilyAccounts      = "accounts"
	FamilyRoles         = "roles"
	FamilyCredentials   = "credentials"
	FamilyRegistryLogin = "registry-login"
	FamilyPackageLogin  = "package-login"
)

// Config holds the minimum interval between calls for each endpoint family.
type Config struct {
	// Intervals maps a family name to its minimum inter-call interval
	Intervals map[string]time.Duration
	// Fallback applies to families that are not listed in Intervals
	Fallback time.Duration
}

// DefaultConfig returns the default per-family intervals
func DefaultConfig() Config {
	return Config{
		Intervals: map[string]time.Duration{
			FamilyAccounts:      time.Second,
			FamilyRoles:         500 * time.Millisecond,
			FamilyCredentials:   500 * time.Millisecond,
			FamilyRegistryLogin: 2 * time.Second,
			FamilyPackageLogin:  2 * time.Second,
		},
		Fallback: time.Second,
	}
}

// Merge returns a copy of cfg with the given overrides applied on top.
func (cfg Config) Merge(overrides map[string]time.Duration) Config {
	out := Config{
		Intervals: make(map[string]time.Duration, len(cfg.Intervals)+len(overrides)),
		Fallback:  cfg.Fallback,
	}
	for k, v := range cfg.Intervals {
		out.Intervals[k] = v
	}
	for k, v := range overrides {
		out.Intervals[k] = v
	}
	return out
}

// Validate rejects negative intervals.
func (cfg Config) Validate() error {
	if cfg.Fallback < 0 {
		return fmt.Errorf("rate limit fallback interval must not be negative")
	}
	for name, d := range cfg.Intervals {
		if d < 0 {
			return fmt.Errorf("rate limit interval for %q must not be negative", name)
		}
	}
	return nil
}

// IntervalFor returns the interval configured for family.
func (cfg Config) IntervalFor(family string) time.Duration {
	if d, ok := cfg.Intervals[family]; ok {
		return d
	}
	return cfg.Fallback
}

// Limiter guarantees a minimum interval between consecutive calls.
type Limiter struct {
	minInterval time.Duration
	limiter     *rate.Limiter
}

// NewLimiter creates a limiter that lets one call through every minInterval.
// A non-positive interval disables spacing.
func NewLimiter(minInterval time.Duration) *Limiter {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &Limiter{
		minInterval: minInterval,
		limiter:     rate.NewLimiter(limit, 1),
	}
}

// WaitForNext blocks until at least the minimum interval has passed since the
// previous call was let through, then records this call. The only error is
// cancellation of ctx.
func (l *Limiter) WaitForNext(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// MinInterval returns the configured interval
func (l *Limiter) MinInterval() time.Duration {
	return l.minInterval
}

// Family is the limiter and serialization slot of one endpoint family.
type Family struct {
	name    string
	limiter *Limiter
	sem     *semaphore.Weighted
}

// Name returns the family name
func (f *Family) Name() string {
	return f.name
}

// Limiter returns the family's limiter
func (f *Family) Limiter() *Limiter {
	return f.limiter
}

// Acquire takes the family's operation slot. Callers must Release it.
func (f *Family) Acquire(ctx context.Context) error {
	return f.sem.Acquire(ctx, 1)
}

// Release returns the family's operation slot.
func (f *Family) Release() {
	f.sem.Release(1)
}

// Wait waits on the family's limiter and records the time spent.
func (f *Family) Wait(ctx context.Context) error {
	start := time.Now()
	err := f.limiter.WaitForNext(ctx)
	metrics.RateLimitWait.WithLabelValues(f.name).Observe(time.Since(start).Seconds())
	return err
}

// Registry hands out one Family per name
type Registry struct {
	mu       sync.Mutex
	families map[string]*Family
	config   Config
}

// NewRegistry creates a registry with the given configuration
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		families: make(map[string]*Family),
		config:   cfg,
	}
}

// Family returns the family with the given name, creating it on first use.
func (r *Registry) Family(name string) *Family {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.families[name]
	if !ok {
		f = &Family{
			name:    name,
			limiter: NewLimiter(r.config.IntervalFor(name)),
			sem:     semaphore.NewWeighted(1),
		}
		r.families[name] = f
	}
	return f
}

// Names returns the names of all families created so far (for testing/metrics)
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.families))
	for name := range r.families {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config returns a copy of the current configuration (for testing)
func (r *Registry) Config() Config {
	return r.config
}
