// Package oidcdevice implements sso.IdentityProvider for any OpenID Connect
// issuer that supports the device authorization grant.
package oidcdevice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/telekom/ssoctl/pkg/provider"
	"github.com/telekom/ssoctl/pkg/sso"
	"github.com/telekom/ssoctl/pkg/system"
	"github.com/telekom/ssoctl/pkg/version"
)

// Config describes the issuer and the public client used for device login.
type Config struct {
	Issuer          string
	ClientID        string
	ClientSecret    string
	Scopes          []string
	CAFile          string
	InsecureSkipTLS bool
	// HTTPClient replaces the client built from CAFile/InsecureSkipTLS
	HTTPClient *http.Client
	Logger     *zap.SugaredLogger
	Now        func() time.Time
}

// Provider is a device grant client for one issuer. Discovery runs on first
// use and is cached.
type Provider struct {
	cfg    Config
	client *http.Client
	log    *zap.SugaredLogger
	now    func() time.Time

	mu       sync.Mutex
	endpoint *oauth2.Endpoint
}

var _ sso.IdentityProvider = (*Provider)(nil)

// New validates cfg and builds the HTTP client.
func New(cfg Config) (*Provider, error) {
	cfg.Issuer = strings.TrimRight(strings.TrimSpace(cfg.Issuer), "/")
	if cfg.Issuer == "" {
		return nil, &sso.ConfigurationError{Field: "issuer"}
	}
	if cfg.ClientID == "" {
		return nil, &sso.ConfigurationError{Field: "client-id"}
	}
	client := cfg.HTTPClient
	if client == nil {
		var err error
		client, err = provider.NewHTTPClient(cfg.CAFile, cfg.InsecureSkipTLS)
		if err != nil {
			return nil, &sso.ConfigurationError{Field: "ca-file", Reason: err.Error()}
		}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Provider{
		cfg:    cfg,
		client: client,
		log:    system.OrNop(cfg.Logger).With("provider", "oidc", "issuer", cfg.Issuer),
		now:    now,
	}, nil
}

func (p *Provider) discover(ctx context.Context) (oauth2.Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.endpoint != nil {
		return *p.endpoint, nil
	}

	op, err := oidc.NewProvider(oidc.ClientContext(ctx, p.client), p.cfg.Issuer)
	if err != nil {
		return oauth2.Endpoint{}, &sso.ProviderError{Op: "Discovery", Message: "failed to discover OIDC provider", Err: err}
	}
	endpoint := op.Endpoint()
	if endpoint.DeviceAuthURL == "" {
		return oauth2.Endpoint{}, &sso.ProviderError{Op: "Discovery", Message: "device authorization endpoint not advertised"}
	}
	if endpoint.TokenURL == "" {
		return oauth2.Endpoint{}, &sso.ProviderError{Op: "Discovery", Message: "token endpoint not advertised"}
	}
	p.log.Debugw("Discovered OIDC endpoints", "deviceAuthorization", endpoint.DeviceAuthURL, "token", endpoint.TokenURL)
	p.endpoint = &endpoint
	return endpoint, nil
}

func (p *Provider) oauthConfig(endpoint oauth2.Endpoint, reg sso.ClientRegistration) *oauth2.Config {
	scopes := []string{oidc.ScopeOpenID}
	if len(p.cfg.Scopes) > 0 {
		scopes = p.cfg.Scopes
	}
	return &oauth2.Config{
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
}

// RegisterClient returns the statically configured client. OIDC issuers used
// with ssoctl are expected to have the public client provisioned.
func (p *Provider) RegisterClient(ctx context.Context, _, _ string) (*sso.ClientRegistration, error) {
	if _, err := p.discover(ctx); err != nil {
		return nil, err
	}
	return &sso.ClientRegistration{ClientID: p.cfg.ClientID, ClientSecret: p.cfg.ClientSecret}, nil
}

// StartDeviceAuthorization requests a device and user code. startURL is not
// used by generic issuers.
func (p *Provider) StartDeviceAuthorization(ctx context.Context, reg sso.ClientRegistration, _ string) (*sso.DeviceAuthorization, error) {
	endpoint, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	resp, err := p.oauthConfig(endpoint, reg).DeviceAuth(ctx)
	if err != nil {
		return nil, classifyRetrieveError("StartDeviceAuthorization", err)
	}
	auth := &sso.DeviceAuthorization{
		DeviceCode:              resp.DeviceCode,
		UserCode:                resp.UserCode,
		VerificationURI:         resp.VerificationURI,
		VerificationURIComplete: resp.VerificationURIComplete,
		Interval:                time.Duration(resp.Interval) * time.Second,
	}
	if !resp.Expiry.IsZero() {
		auth.ExpiresIn = resp.Expiry.Sub(p.now())
	}
	return auth, nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Error        string `json:"error,omitempty"`
	ErrorDesc    string `json:"error_description,omitempty"`
}

// CreateToken performs a single token request for deviceCode. The poll loop
// lives in the session package.
func (p *Provider) CreateToken(ctx context.Context, reg sso.ClientRegistration, deviceCode string) (*sso.BearerToken, error) {
	endpoint, err := p.discover(ctx)
	if err != nil {
		return nil, err
	}
	values := url.Values{}
	values.Set("grant_type", sso.GrantTypeDevice)
	values.Set("device_code", deviceCode)
	values.Set("client_id", reg.ClientID)
	if reg.ClientSecret != "" {
		values.Set("client_secret", reg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.TokenURL, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &sso.ProviderError{Op: "CreateToken", Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &sso.ProviderError{Op: "CreateToken", Err: err}
	}
	var payload tokenResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil && resp.StatusCode < 400 {
			return nil, &sso.ProviderError{Op: "CreateToken", Message: "invalid token response", Err: err}
		}
	}
	if payload.Error != "" {
		return nil, classifyOAuthError("CreateToken", payload.Error, payload.ErrorDesc)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &sso.ProviderError{Op: "CreateToken", Code: resp.Status, Err: sso.ErrRateLimited}
	}
	if resp.StatusCode >= 400 {
		return nil, &sso.ProviderError{Op: "CreateToken", Code: resp.Status, Message: strings.TrimSpace(string(body))}
	}

	return bearerToken(&oauth2.Token{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		TokenType:    payload.TokenType,
		Expiry:       expiry(p.now(), payload.ExpiresIn),
	}, p.now()), nil
}

func expiry(now time.Time, expiresIn int) time.Time {
	if expiresIn <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(expiresIn) * time.Second)
}

func bearerToken(tok *oauth2.Token, issuedAt time.Time) *sso.BearerToken {
	return &sso.BearerToken{
		AccessToken: tok.AccessToken,
		IssuedAt:    issuedAt,
		ExpiresAt:   tok.Expiry,
	}
}

// classifyOAuthError maps RFC 6749 / RFC 8628 error codes.
func classifyOAuthError(op, code, description string) error {
	switch code {
	case "authorization_pending":
		return sso.ErrAuthorizationPending
	case "slow_down":
		return sso.ErrSlowDown
	case "expired_token":
		return sso.ErrDeviceCodeExpired
	case "invalid_client", "unauthorized_client":
		return &sso.ProviderError{Op: op, Code: code, Message: description, Err: sso.ErrInvalidClient}
	default:
		return &sso.ProviderError{Op: op, Code: code, Message: description}
	}
}

func classifyRetrieveError(op string, err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		code, desc := rerr.ErrorCode, rerr.ErrorDescription
		if code == "" && len(rerr.Body) > 0 {
			var payload tokenResponse
			if json.Unmarshal(rerr.Body, &payload) == nil {
				code, desc = payload.Error, payload.ErrorDesc
			}
		}
		if code != "" {
			return classifyOAuthError(op, code, desc)
		}
		if rerr.Response != nil && rerr.Response.StatusCode == http.StatusTooManyRequests {
			return &sso.ProviderError{Op: op, Code: rerr.Response.Status, Err: sso.ErrRateLimited}
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &sso.ProviderError{Op: op, Err: fmt.Errorf("device authorization request failed: %w", err)}
}
