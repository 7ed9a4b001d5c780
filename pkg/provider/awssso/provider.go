// Package awssso adapts the AWS IAM Identity Center OIDC and portal APIs to
// the sso provider interfaces.
package awssso

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsportal "github.com/aws/aws-sdk-go-v2/service/sso"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
	"go.uber.org/zap"

	"github.com/telekom/ssoctl/pkg/sso"
	"github.com/telekom/ssoctl/pkg/system"
)

const appID = "ssoctl"

// Options configures the SDK clients.
type Options struct {
	HTTPClient *http.Client
	// OIDCEndpoint and PortalEndpoint override the regional endpoints
	OIDCEndpoint   string
	PortalEndpoint string
	Logger         *zap.SugaredLogger
	Now            func() time.Time
}

type oidcAPI interface {
	RegisterClient(ctx context.Context, in *ssooidc.RegisterClientInput, optFns ...func(*ssooidc.Options)) (*ssooidc.RegisterClientOutput, error)
	StartDeviceAuthorization(ctx context.Context, in *ssooidc.StartDeviceAuthorizationInput, optFns ...func(*ssooidc.Options)) (*ssooidc.StartDeviceAuthorizationOutput, error)
	CreateToken(ctx context.Context, in *ssooidc.CreateTokenInput, optFns ...func(*ssooidc.Options)) (*ssooidc.CreateTokenOutput, error)
}

type portalAPI interface {
	ListAccounts(ctx context.Context, in *awsportal.ListAccountsInput, optFns ...func(*awsportal.Options)) (*awsportal.ListAccountsOutput, error)
	ListAccountRoles(ctx context.Context, in *awsportal.ListAccountRolesInput, optFns ...func(*awsportal.Options)) (*awsportal.ListAccountRolesOutput, error)
	GetRoleCredentials(ctx context.Context, in *awsportal.GetRoleCredentialsInput, optFns ...func(*awsportal.Options)) (*awsportal.GetRoleCredentialsOutput, error)
}

// Provider implements sso.IdentityProvider and sso.EntitlementProvider for
// one region.
type Provider struct {
	region string
	oidc   oidcAPI
	portal portalAPI
	log    *zap.SugaredLogger
	now    func() time.Time
}

var (
	_ sso.IdentityProvider    = (*Provider)(nil)
	_ sso.EntitlementProvider = (*Provider)(nil)
)

// New creates a provider for region. The SDK's own retries are disabled;
// throttling is handled by the credential broker.
func New(region string, opts Options) (*Provider, error) {
	region = strings.TrimSpace(region)
	if region == "" {
		return nil, &sso.ConfigurationError{Field: "region"}
	}

	oidcOpts := ssooidc.Options{
		Region:  region,
		Retryer: aws.NopRetryer{},
		AppID:   appID,
	}
	portalOpts := awsportal.Options{
		Region:  region,
		Retryer: aws.NopRetryer{},
		AppID:   appID,
	}
	if opts.HTTPClient != nil {
		oidcOpts.HTTPClient = opts.HTTPClient
		portalOpts.HTTPClient = opts.HTTPClient
	}
	if opts.OIDCEndpoint != "" {
		oidcOpts.BaseEndpoint = aws.String(opts.OIDCEndpoint)
	}
	if opts.PortalEndpoint != "" {
		portalOpts.BaseEndpoint = aws.String(opts.PortalEndpoint)
	}

	return newProvider(region, ssooidc.New(oidcOpts), awsportal.New(portalOpts), opts), nil
}

func newProvider(region string, oidc oidcAPI, portal portalAPI, opts Options) *Provider {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Provider{
		region: region,
		oidc:   oidc,
		portal: portal,
		log:    system.OrNop(opts.Logger).With("provider", "aws", "region", region),
		now:    now,
	}
}

// Region returns the provider's region
func (p *Provider) Region() string {
	return p.region
}

func (p *Provider) RegisterClient(ctx context.Context, name, clientType string) (*sso.ClientRegistration, error) {
	out, err := p.oidc.RegisterClient(ctx, &ssooidc.RegisterClientInput{
		ClientName: aws.String(name),
		ClientType: aws.String(clientType),
	})
	if err != nil {
		return nil, classifyOIDCError("RegisterClient", err)
	}
	reg := &sso.ClientRegistration{
		ClientID:     aws.ToString(out.ClientId),
		ClientSecret: aws.ToString(out.ClientSecret),
		Region:       p.region,
	}
	if out.ClientSecretExpiresAt > 0 {
		reg.ExpiresAt = time.Unix(out.ClientSecretExpiresAt, 0).UTC()
	}
	p.log.Debugw("Client registered", "clientId", reg.ClientID, "expiresAt", reg.ExpiresAt)
	return reg, nil
}

func (p *Provider) StartDeviceAuthorization(ctx context.Context, reg sso.ClientRegistration, startURL string) (*sso.DeviceAuthorization, error) {
	out, err := p.oidc.StartDeviceAuthorization(ctx, &ssooidc.StartDeviceAuthorizationInput{
		ClientId:     aws.String(reg.ClientID),
		ClientSecret: aws.String(reg.ClientSecret),
		StartUrl:     aws.String(startURL),
	})
	if err != nil {
		return nil, classifyOIDCError("StartDeviceAuthorization", err)
	}
	return &sso.DeviceAuthorization{
		DeviceCode:              aws.ToString(out.DeviceCode),
		UserCode:                aws.ToString(out.UserCode),
		VerificationURI:         aws.ToString(out.VerificationUri),
		VerificationURIComplete: aws.ToString(out.VerificationUriComplete),
		ExpiresIn:               time.Duration(out.ExpiresIn) * time.Second,
		Interval:                time.Duration(out.Interval) * time.Second,
	}, nil
}

func (p *Provider) CreateToken(ctx context.Context, reg sso.ClientRegistration, deviceCode string) (*sso.BearerToken, error) {
	out, err := p.oidc.CreateToken(ctx, &ssooidc.CreateTokenInput{
		ClientId:     aws.String(reg.ClientID),
		ClientSecret: aws.String(reg.ClientSecret),
		GrantType:    aws.String(sso.GrantTypeDevice),
		DeviceCode:   aws.String(deviceCode),
	})
	if err != nil {
		return nil, classifyOIDCError("CreateToken", err)
	}
	now := p.now()
	token := &sso.BearerToken{
		AccessToken: aws.ToString(out.AccessToken),
		IssuedAt:    now,
	}
	if out.ExpiresIn > 0 {
		token.ExpiresAt = now.Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	return token, nil
}

func (p *Provider) ListAccounts(ctx context.Context, accessToken, pageToken string) (*sso.AccountPage, error) {
	in := &awsportal.ListAccountsInput{AccessToken: aws.String(accessToken)}
	if pageToken != "" {
		in.NextToken = aws.String(pageToken)
	}
	out, err := p.portal.ListAccounts(ctx, in)
	if err != nil {
		return nil, classifyPortalError("ListAccounts", err)
	}
	page := &sso.AccountPage{NextToken: aws.ToString(out.NextToken)}
	for _, a := range out.AccountList {
		page.Accounts = append(page.Accounts, sso.Account{
			AccountID:    aws.ToString(a.AccountId),
			AccountName:  aws.ToString(a.AccountName),
			EmailAddress: aws.ToString(a.EmailAddress),
		})
	}
	return page, nil
}

func (p *Provider) ListAccountRoles(ctx context.Context, accessToken, accountID, pageToken string) (*sso.RolePage, error) {
	in := &awsportal.ListAccountRolesInput{
		AccessToken: aws.String(accessToken),
		AccountId:   aws.String(accountID),
	}
	if pageToken != "" {
		in.NextToken = aws.String(pageToken)
	}
	out, err := p.portal.ListAccountRoles(ctx, in)
	if err != nil {
		return nil, classifyPortalError("ListAccountRoles", err)
	}
	page := &sso.RolePage{NextToken: aws.ToString(out.NextToken)}
	for _, r := range out.RoleList {
		page.Roles = append(page.Roles, sso.Role{
			AccountID: aws.ToString(r.AccountId),
			RoleName:  aws.ToString(r.RoleName),
		})
	}
	return page, nil
}

func (p *Provider) GetRoleCredentials(ctx context.Context, accessToken, accountID, roleName string) (*sso.RoleCredentials, error) {
	out, err := p.portal.GetRoleCredentials(ctx, &awsportal.GetRoleCredentialsInput{
		AccessToken: aws.String(accessToken),
		AccountId:   aws.String(accountID),
		RoleName:    aws.String(roleName),
	})
	if err != nil {
		return nil, classifyPortalError("GetRoleCredentials", err)
	}
	if out.RoleCredentials == nil {
		return nil, nil
	}
	rc := out.RoleCredentials
	p.log.Debugw("Role credentials issued", "accountId", accountID, "roleName", roleName,
		"accessKey", system.Fingerprint(aws.ToString(rc.AccessKeyId)))
	return &sso.RoleCredentials{
		AccessKeyID:     aws.ToString(rc.AccessKeyId),
		SecretAccessKey: aws.ToString(rc.SecretAccessKey),
		SessionToken:    aws.ToString(rc.SessionToken),
		Expiration:      time.UnixMilli(rc.Expiration).UTC(),
		AccountID:       accountID,
		RoleName:        roleName,
	}, nil
}

// Factory builds one Provider per region and reuses it.
type Factory struct {
	opts Options

	mu        sync.Mutex
	providers map[string]*Provider
}

// NewFactory creates a Factory
func NewFactory(opts Options) *Factory {
	return &Factory{opts: opts, providers: make(map[string]*Provider)}
}

// Providers returns the identity and entitlement providers for region.
func (f *Factory) Providers(_ context.Context, region string) (sso.IdentityProvider, sso.EntitlementProvider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.providers[region]; ok {
		return p, p, nil
	}
	p, err := New(region, f.opts)
	if err != nil {
		return nil, nil, err
	}
	f.providers[region] = p
	return p, p, nil
}
