package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	VersionV1 = "v1"

	ProviderAWS  = "aws"
	ProviderOIDC = "oidc"

	StorageFile     = "file"
	StorageKeychain = "keychain"
)

type Config struct {
	Version        string    `yaml:"version"`
	CurrentProfile string    `yaml:"current-profile,omitempty"`
	Profiles       []Profile `yaml:"profiles,omitempty"`
	Settings       Settings  `yaml:"settings,omitempty"`
}

type Profile struct {
	Name       string `yaml:"name"`
	Provider   string `yaml:"provider,omitempty"`
	Region     string `yaml:"region,omitempty"`
	StartURL   string `yaml:"start-url,omitempty"`
	ClientName string `yaml:"client-name,omitempty"`

	Issuer                string   `yaml:"issuer,omitempty"`
	ClientID              string   `yaml:"client-id,omitempty"`
	ClientSecret          string   `yaml:"client-secret,omitempty"`
	Scopes                []string `yaml:"scopes,omitempty"`
	PortalURL             string   `yaml:"portal-url,omitempty"`
	CAFile                string   `yaml:"ca-file,omitempty"`
	InsecureSkipTLSVerify bool     `yaml:"insecure-skip-tls-verify,omitempty"`
}

type Settings struct {
	OutputFormat   string                   `yaml:"output-format,omitempty"`
	SessionStorage string                   `yaml:"session-storage,omitempty"`
	SessionFile    string                   `yaml:"session-file,omitempty"`
	NoBrowser      bool                     `yaml:"no-browser,omitempty"`
	RateLimits     map[string]time.Duration `yaml:"rate-limits,omitempty"`
	Events         EventSettings            `yaml:"events,omitempty"`
}

type EventSettings struct {
	Log   bool          `yaml:"log,omitempty"`
	Kafka KafkaSettings `yaml:"kafka,omitempty"`
}

type KafkaSettings struct {
	Brokers     []string `yaml:"brokers,omitempty"`
	Topic       string   `yaml:"topic,omitempty"`
	Compression string   `yaml:"compression,omitempty"`
}

// Enabled reports whether a Kafka sink should be created.
func (k KafkaSettings) Enabled() bool {
	return len(k.Brokers) > 0
}

func DefaultConfig() Config {
	return Config{
		Version:        VersionV1,
		CurrentProfile: "default",
		Profiles: []Profile{{
			Name:     "default",
			Provider: ProviderAWS,
		}},
		Settings: Settings{
			OutputFormat:   "table",
			SessionStorage: StorageFile,
			Events: EventSettings{
				Log:   true,
				Kafka: KafkaSettings{Topic: "ssoctl-session-events"},
			},
		},
	}
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Version == "" {
		cfg.Version = VersionV1
	}
	return &cfg, nil
}

// LoadOrDefault loads path and falls back to DefaultConfig when the file does
// not exist yet.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		def := DefaultConfig()
		return &def, nil
	}
	return nil, err
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if cfg.Version == "" {
		cfg.Version = VersionV1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	content, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, content, 0o600)
}

func (c *Config) FindProfile(name string) (*Profile, error) {
	for i := range c.Profiles {
		if c.Profiles[i].Name == name {
			return &c.Profiles[i], nil
		}
	}
	return nil, fmt.Errorf("profile not found: %s", name)
}

func (c *Config) CurrentProfileOrDefault() string {
	if c.CurrentProfile != "" {
		return c.CurrentProfile
	}
	if len(c.Profiles) > 0 {
		return c.Profiles[0].Name
	}
	return ""
}

// UpsertProfile replaces the profile with p's name or appends p.
func (c *Config) UpsertProfile(p Profile) {
	for i := range c.Profiles {
		if c.Profiles[i].Name == p.Name {
			c.Profiles[i] = p
			return
		}
	}
	c.Profiles = append(c.Profiles, p)
}

// ProviderOrDefault returns the profile's provider kind, aws when unset.
func (p *Profile) ProviderOrDefault() string {
	if p.Provider == "" {
		return ProviderAWS
	}
	return p.Provider
}

func (c *Config) Validate() error {
	if c.Version == "" {
		return errors.New("config version missing")
	}
	seen := make(map[string]bool, len(c.Profiles))
	for _, p := range c.Profiles {
		if strings.TrimSpace(p.Name) == "" {
			return errors.New("profile name cannot be empty")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate profile %s", p.Name)
		}
		seen[p.Name] = true
		if err := p.validate(); err != nil {
			return fmt.Errorf("profile %s: %w", p.Name, err)
		}
	}
	switch c.Settings.SessionStorage {
	case "", StorageFile, StorageKeychain:
	default:
		return fmt.Errorf("unknown session-storage %q", c.Settings.SessionStorage)
	}
	for name, d := range c.Settings.RateLimits {
		if d < 0 {
			return fmt.Errorf("rate limit for %s must not be negative", name)
		}
	}
	return nil
}

func (p *Profile) validate() error {
	switch p.ProviderOrDefault() {
	case ProviderAWS:
	case ProviderOIDC:
		if p.Issuer != "" {
			if err := validateURL("issuer", p.Issuer); err != nil {
				return err
			}
		}
		if p.PortalURL != "" {
			if err := validateURL("portal-url", p.PortalURL); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown provider %q", p.Provider)
	}
	if p.StartURL != "" {
		return validateURL("start-url", p.StartURL)
	}
	return nil
}

func validateURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%s must be an http(s) URL", field)
	}
	return nil
}
