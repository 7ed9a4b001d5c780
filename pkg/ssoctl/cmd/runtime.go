package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/telekom/ssoctl/pkg/events"
	"github.com/telekom/ssoctl/pkg/provider"
	"github.com/telekom/ssoctl/pkg/provider/awssso"
	"github.com/telekom/ssoctl/pkg/provider/oidcdevice"
	"github.com/telekom/ssoctl/pkg/provider/portal"
	"github.com/telekom/ssoctl/pkg/ratelimit"
	"github.com/telekom/ssoctl/pkg/session"
	"github.com/telekom/ssoctl/pkg/sso"
	"github.com/telekom/ssoctl/pkg/ssoctl/config"
	"github.com/telekom/ssoctl/pkg/ssoctl/output"
	"github.com/telekom/ssoctl/pkg/store"
	"github.com/telekom/ssoctl/pkg/system"
)

type runtimeState struct {
	configPath      string
	profileOverride string
	outputFormat    string
	storageOverride string
	noBrowser       bool
	debug           bool
	writer          io.Writer
	errWriter       io.Writer
	overrides       Config

	cfg    *config.Config
	loaded bool

	mu     sync.Mutex
	ctrl   *session.Controller
	bus    *events.Bus
	logger *zap.Logger
}

func (r *runtimeState) Writer() io.Writer {
	if r.writer == nil {
		return os.Stdout
	}
	return r.writer
}

func (r *runtimeState) ErrWriter() io.Writer {
	if r.errWriter == nil {
		return os.Stderr
	}
	return r.errWriter
}

func (r *runtimeState) EnsureConfigLoaded() error {
	if r.loaded {
		return nil
	}
	cfg, err := config.LoadOrDefault(r.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	r.cfg = cfg
	r.loaded = true
	return nil
}

func (r *runtimeState) Config() (*config.Config, error) {
	if err := r.EnsureConfigLoaded(); err != nil {
		return nil, err
	}
	return r.cfg, nil
}

func (r *runtimeState) ProfileName() string {
	if r.profileOverride != "" {
		return r.profileOverride
	}
	if r.cfg == nil {
		return ""
	}
	return r.cfg.CurrentProfileOrDefault()
}

// Profile returns a copy of the selected profile.
func (r *runtimeState) Profile() (config.Profile, error) {
	cfg, err := r.Config()
	if err != nil {
		return config.Profile{}, err
	}
	name := r.ProfileName()
	if name == "" {
		return config.Profile{}, errors.New("no profile configured")
	}
	p, err := cfg.FindProfile(name)
	if err != nil {
		return config.Profile{}, err
	}
	return *p, nil
}

// SaveProfile writes p back to the config file.
func (r *runtimeState) SaveProfile(p config.Profile) error {
	cfg, err := r.Config()
	if err != nil {
		return err
	}
	cfg.UpsertProfile(p)
	return config.Save(r.configPath, cfg)
}

func (r *runtimeState) OutputFormat() (output.Format, error) {
	if r.outputFormat != "" {
		return output.ParseFormat(r.outputFormat)
	}
	if r.cfg != nil && r.cfg.Settings.OutputFormat != "" {
		return output.ParseFormat(r.cfg.Settings.OutputFormat)
	}
	return output.FormatTable, nil
}

func (r *runtimeState) browserDisabled() bool {
	return r.noBrowser || (r.cfg != nil && r.cfg.Settings.NoBrowser)
}

// Controller builds the session controller for the selected profile on first
// use and restores any persisted session.
func (r *runtimeState) Controller(ctx context.Context) (*session.Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctrl != nil {
		return r.ctrl, nil
	}

	profile, err := r.Profile()
	if err != nil {
		return nil, err
	}
	logger, err := r.buildLogger()
	if err != nil {
		return nil, err
	}
	log := logger.Sugar().With("profile", profile.Name)

	providers, err := r.buildProviders(profile, log)
	if err != nil {
		return nil, err
	}
	sessionStore, err := r.buildStore(profile)
	if err != nil {
		return nil, err
	}
	bus, err := r.buildBus(logger)
	if err != nil {
		return nil, err
	}

	opts := session.Options{
		Providers:  providers,
		Store:      sessionStore,
		Presenter:  r.presenter(),
		Events:     bus,
		Logger:     log,
		RateLimits: ratelimit.DefaultConfig().Merge(r.cfg.Settings.RateLimits),
		ClientName: profile.ClientName,
	}
	if r.overrides.SessionOptions != nil {
		r.overrides.SessionOptions(&opts)
	}

	ctrl, err := session.New(opts)
	if err != nil {
		_ = bus.Close()
		return nil, err
	}
	if err := ctrl.Restore(ctx); err != nil {
		log.Warnw("Failed to restore session", "error", err)
	}
	r.ctrl = ctrl
	r.bus = bus
	return ctrl, nil
}

func (r *runtimeState) buildLogger() (*zap.Logger, error) {
	if r.logger != nil {
		return r.logger, nil
	}
	logger, err := system.NewLogger(r.debug)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	if !r.debug {
		logger = logger.WithOptions(zap.IncreaseLevel(zapcore.WarnLevel))
	}
	r.logger = logger
	return logger, nil
}

func (r *runtimeState) buildProviders(p config.Profile, log *zap.SugaredLogger) (session.ProviderFactory, error) {
	if r.overrides.Providers != nil {
		return r.overrides.Providers, nil
	}
	switch p.ProviderOrDefault() {
	case config.ProviderAWS:
		client, err := provider.NewHTTPClient(p.CAFile, p.InsecureSkipTLSVerify)
		if err != nil {
			return nil, &sso.ConfigurationError{Field: "ca-file", Reason: err.Error()}
		}
		return awssso.NewFactory(awssso.Options{HTTPClient: client, Logger: log}), nil
	case config.ProviderOIDC:
		identity, err := oidcdevice.New(oidcdevice.Config{
			Issuer:          p.Issuer,
			ClientID:        p.ClientID,
			ClientSecret:    p.ClientSecret,
			Scopes:          p.Scopes,
			CAFile:          p.CAFile,
			InsecureSkipTLS: p.InsecureSkipTLSVerify,
			Logger:          log,
		})
		if err != nil {
			return nil, err
		}
		entitlements, err := portal.New(
			portal.WithServer(p.PortalURL),
			portal.WithTLSConfig(p.CAFile, p.InsecureSkipTLSVerify),
			portal.WithLogger(log),
		)
		if err != nil {
			return nil, err
		}
		return session.ProviderFactoryFunc(func(context.Context, string) (sso.IdentityProvider, sso.EntitlementProvider, error) {
			return identity, entitlements, nil
		}), nil
	default:
		return nil, &sso.ConfigurationError{Field: "provider", Reason: fmt.Sprintf("unknown provider %q", p.Provider)}
	}
}

func (r *runtimeState) buildStore(p config.Profile) (sso.SessionStore, error) {
	if r.overrides.Store != nil {
		return r.overrides.Store, nil
	}
	modeName := r.storageOverride
	if modeName == "" {
		modeName = r.cfg.Settings.SessionStorage
	}
	mode, err := store.ParseMode(modeName)
	if err != nil {
		return nil, err
	}
	path := r.cfg.Settings.SessionFile
	if path == "" {
		path = config.SessionPathForProfile(p.Name)
	}
	return store.New(mode, path, p.Name)
}

func (r *runtimeState) buildBus(logger *zap.Logger) (*events.Bus, error) {
	settings := r.cfg.Settings.Events
	var sinks []events.Sink
	if settings.Log {
		sinks = append(sinks, events.NewLogSink(logger))
	}
	if settings.Kafka.Enabled() {
		kafkaSink, err := events.NewKafkaSink(events.KafkaSinkConfig{
			Name:             "kafka",
			Brokers:          settings.Kafka.Brokers,
			Topic:            settings.Kafka.Topic,
			CompressionCodec: settings.Kafka.Compression,
		}, logger)
		if err != nil {
			return nil, &sso.ConfigurationError{Field: "events.kafka", Reason: err.Error()}
		}
		sinks = append(sinks, kafkaSink)
	}

	var sink events.Sink
	switch len(sinks) {
	case 0:
	case 1:
		sink = sinks[0]
	default:
		sink = events.NewMultiSink(sinks, logger)
	}
	return events.NewBus(sink, events.DefaultBusConfig(), logger), nil
}

// Close flushes the event sinks and the logger.
func (r *runtimeState) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if r.bus != nil {
		err = r.bus.Close()
		r.bus = nil
	}
	if r.logger != nil {
		// Sync on a terminal stderr returns EINVAL; nothing to report.
		_ = r.logger.Sync()
	}
	return err
}

func sameTarget(st session.Status, region, startURL string) bool {
	return st.Region == region && strings.TrimRight(st.StartURL, "/") == strings.TrimRight(startURL, "/")
}
