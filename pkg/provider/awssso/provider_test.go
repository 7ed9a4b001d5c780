package awssso

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsportal "github.com/aws/aws-sdk-go-v2/service/sso"
	portaltypes "github.com/aws/aws-sdk-go-v2/service/sso/types"
	"github.com/aws/aws-sdk-go-v2/service/ssooidc"
	oidctypes "github.com/aws/aws-sdk-go-v2/service/ssooidc/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telekom/ssoctl/pkg/sso"
)

type fakeOIDC struct {
	register *ssooidc.RegisterClientInput
	start    *ssooidc.StartDeviceAuthorizationInput
	create   *ssooidc.CreateTokenInput
	err      error
}

func (f *fakeOIDC) RegisterClient(_ context.Context, in *ssooidc.RegisterClientInput, _ ...func(*ssooidc.Options)) (*ssooidc.RegisterClientOutput, error) {
	f.register = in
	if f.err != nil {
		return nil, f.err
	}
	return &ssooidc.RegisterClientOutput{
		ClientId:              aws.String("client-1"),
		ClientSecret:          aws.String("secret-1"),
		ClientSecretExpiresAt: 1800000000,
	}, nil
}

func (f *fakeOIDC) StartDeviceAuthorization(_ context.Context, in *ssooidc.StartDeviceAuthorizationInput, _ ...func(*ssooidc.Options)) (*ssooidc.StartDeviceAuthorizationOutput, error) {
	f.start = in
	if f.err != nil {
		return nil, f.err
	}
	return &ssooidc.StartDeviceAuthorizationOutput{
		DeviceCode:              aws.String("dev-1"),
		UserCode:                aws.String("ABCD-EFGH"),
		VerificationUri:         aws.String("https://device.sso.eu-central-1.amazonaws.com/"),
		VerificationUriComplete: aws.String("https://device.sso.eu-central-1.amazonaws.com/?user_code=ABCD-EFGH"),
		ExpiresIn:               600,
		Interval:                1,
	}, nil
}

func (f *fakeOIDC) CreateToken(_ context.Context, in *ssooidc.CreateTokenInput, _ ...func(*ssooidc.Options)) (*ssooidc.CreateTokenOutput, error) {
	f.create = in
	if f.err != nil {
		return nil, f.err
	}
	return &ssooidc.CreateTokenOutput{AccessToken: aws.String("tok-1"), ExpiresIn: 3600}, nil
}

type fakePortal struct {
	accounts map[string]*awsportal.ListAccountsOutput
	roles    *awsportal.ListAccountRolesOutput
	creds    *awsportal.GetRoleCredentialsOutput
	tokens   []string
	err      error
}

func (f *fakePortal) ListAccounts(_ context.Context, in *awsportal.ListAccountsInput, _ ...func(*awsportal.Options)) (*awsportal.ListAccountsOutput, error) {
	f.tokens = append(f.tokens, aws.ToString(in.AccessToken))
	if f.err != nil {
		return nil, f.err
	}
	return f.accounts[aws.ToString(in.NextToken)], nil
}

func (f *fakePortal) ListAccountRoles(_ context.Context, in *awsportal.ListAccountRolesInput, _ ...func(*awsportal.Options)) (*awsportal.ListAccountRolesOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.roles, nil
}

func (f *fakePortal) GetRoleCredentials(_ context.Context, in *awsportal.GetRoleCredentialsInput, _ ...func(*awsportal.Options)) (*awsportal.GetRoleCredentialsOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.creds, nil
}

var fixedNow = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newFakeProvider(oidc *fakeOIDC, portal *fakePortal) *Provider {
	return newProvider("eu-central-1", oidc, portal, Options{Now: func() time.Time { return fixedNow }})
}

func TestDeviceGrantCalls(t *testing.T) {
	oidc := &fakeOIDC{}
	p := newFakeProvider(oidc, &fakePortal{})
	ctx := context.Background()

	reg, err := p.RegisterClient(ctx, "ssoctl", sso.ClientTypePublic)
	require.NoError(t, err)
	assert.Equal(t, "client-1", reg.ClientID)
	assert.Equal(t, "eu-central-1", reg.Region)
	assert.Equal(t, time.Unix(1800000000, 0).UTC(), reg.ExpiresAt)
	assert.Equal(t, "public", aws.ToString(oidc.register.ClientType))

	auth, err := p.StartDeviceAuthorization(ctx, *reg, "https://example.awsapps.com/start")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", auth.DeviceCode)
	assert.Equal(t, 10*time.Minute, auth.ExpiresIn)
	assert.Equal(t, "https://example.awsapps.com/start", aws.ToString(oidc.start.StartUrl))
	assert.Equal(t, "secret-1", aws.ToString(oidc.start.ClientSecret))

	token, err := p.CreateToken(ctx, *reg, auth.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token.AccessToken)
	assert.Equal(t, fixedNow, token.IssuedAt)
	assert.Equal(t, fixedNow.Add(time.Hour), token.ExpiresAt)
	assert.Equal(t, sso.GrantTypeDevice, aws.ToString(oidc.create.GrantType))
	assert.Equal(t, "dev-1", aws.ToString(oidc.create.DeviceCode))
}

func TestClassifyOIDCErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"pending", &oidctypes.AuthorizationPendingException{}, sso.ErrAuthorizationPending},
		{"slow down", &oidctypes.SlowDownException{}, sso.ErrSlowDown},
		{"expired", &oidctypes.ExpiredTokenException{}, sso.ErrDeviceCodeExpired},
		{"invalid client", &oidctypes.InvalidClientException{}, sso.ErrInvalidClient},
		{"unauthorized client", &oidctypes.UnauthorizedClientException{}, sso.ErrInvalidClient},
		{"throttled", &smithy.GenericAPIError{Code: "TooManyRequestsException"}, sso.ErrRateLimited},
		{"cancelled", context.Canceled, context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakeProvider(&fakeOIDC{err: tt.err}, &fakePortal{})
			_, err := p.CreateToken(context.Background(), sso.ClientRegistration{ClientID: "c"}, "dev-1")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClassifyOIDCOtherError(t *testing.T) {
	apiErr := &oidctypes.AccessDeniedException{Message: aws.String("denied")}
	p := newFakeProvider(&fakeOIDC{err: apiErr}, &fakePortal{})

	_, err := p.StartDeviceAuthorization(context.Background(), sso.ClientRegistration{}, "https://example.awsapps.com/start")
	var perr *sso.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "StartDeviceAuthorization", perr.Op)
	assert.Equal(t, "AccessDeniedException", perr.Code)
	assert.False(t, sso.IsAuthError(err))
}

func TestClassifyPortalErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unauthorized", &portaltypes.UnauthorizedException{}, sso.ErrAuthenticationExpired},
		{"throttled", &portaltypes.TooManyRequestsException{}, sso.ErrRateLimited},
		{"throttling code", &smithy.GenericAPIError{Code: "ThrottlingException"}, sso.ErrRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakeProvider(&fakeOIDC{}, &fakePortal{err: tt.err})
			_, err := p.ListAccounts(context.Background(), "tok", "")
			assert.ErrorIs(t, err, tt.want)
			var perr *sso.ProviderError
			assert.ErrorAs(t, err, &perr)
		})
	}

	p := newFakeProvider(&fakeOIDC{}, &fakePortal{err: errors.New("connection reset")})
	_, err := p.GetRoleCredentials(context.Background(), "tok", "111111111111", "Admin")
	var perr *sso.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "GetRoleCredentials", perr.Op)
	assert.False(t, errors.Is(err, sso.ErrRateLimited))
}

func TestPortalCalls(t *testing.T) {
	portal := &fakePortal{
		accounts: map[string]*awsportal.ListAccountsOutput{
			"": {
				AccountList: []portaltypes.AccountInfo{{AccountId: aws.String("A")}, {AccountId: aws.String("B")}},
				NextToken:   aws.String("p2"),
			},
			"p2": {AccountList: []portaltypes.AccountInfo{{AccountId: aws.String("C"), AccountName: aws.String("prod")}}},
		},
		roles: &awsportal.ListAccountRolesOutput{
			RoleList: []portaltypes.RoleInfo{{AccountId: aws.String("A"), RoleName: aws.String("Admin")}},
		},
		creds: &awsportal.GetRoleCredentialsOutput{RoleCredentials: &portaltypes.RoleCredentials{
			AccessKeyId:     aws.String("AKIA"),
			SecretAccessKey: aws.String("secret"),
			SessionToken:    aws.String("session"),
			Expiration:      fixedNow.Add(time.Hour).UnixMilli(),
		}},
	}
	p := newFakeProvider(&fakeOIDC{}, portal)
	ctx := context.Background()

	page, err := p.ListAccounts(ctx, "tok", "")
	require.NoError(t, err)
	assert.Len(t, page.Accounts, 2)
	assert.Equal(t, "p2", page.NextToken)

	page, err = p.ListAccounts(ctx, "tok", "p2")
	require.NoError(t, err)
	assert.Equal(t, []sso.Account{{AccountID: "C", AccountName: "prod"}}, page.Accounts)
	assert.Empty(t, page.NextToken)
	assert.Equal(t, []string{"tok", "tok"}, portal.tokens)

	roles, err := p.ListAccountRoles(ctx, "tok", "A", "")
	require.NoError(t, err)
	assert.Equal(t, []sso.Role{{AccountID: "A", RoleName: "Admin"}}, roles.Roles)

	creds, err := p.GetRoleCredentials(ctx, "tok", "A", "Admin")
	require.NoError(t, err)
	assert.Equal(t, "AKIA", creds.AccessKeyID)
	assert.Equal(t, "A", creds.AccountID)
	assert.Equal(t, "Admin", creds.RoleName)
	assert.True(t, fixedNow.Add(time.Hour).Equal(creds.Expiration))

	portal.creds = &awsportal.GetRoleCredentialsOutput{}
	creds, err = p.GetRoleCredentials(ctx, "tok", "A", "Admin")
	require.NoError(t, err)
	assert.Nil(t, creds)
}

func TestPortalOverHTTP(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-amz-sso_bearer_token") != "tok-1" {
			w.Header().Set("X-Amzn-Errortype", "UnauthorizedException")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"Session token not found or invalid"}`))
			return
		}
		switch r.URL.Path {
		case "/assignment/accounts":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"accountList": []map[string]string{{"accountId": "111111111111", "accountName": "dev"}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	p, err := New("eu-central-1", Options{PortalEndpoint: server.URL, HTTPClient: server.Client()})
	require.NoError(t, err)

	page, err := p.ListAccounts(context.Background(), "tok-1", "")
	require.NoError(t, err)
	require.Len(t, page.Accounts, 1)
	assert.Equal(t, "111111111111", page.Accounts[0].AccountID)

	_, err = p.ListAccounts(context.Background(), "stale", "")
	assert.ErrorIs(t, err, sso.ErrAuthenticationExpired)
}

func TestNewRequiresRegion(t *testing.T) {
	_, err := New(" ", Options{})
	var cfgErr *sso.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "region", cfgErr.Field)
}

func TestFactoryReusesProviders(t *testing.T) {
	f := NewFactory(Options{})
	idp1, ent1, err := f.Providers(context.Background(), "eu-central-1")
	require.NoError(t, err)
	idp2, _, err := f.Providers(context.Background(), "eu-central-1")
	require.NoError(t, err)
	other, _, err := f.Providers(context.Background(), "us-east-1")
	require.NoError(t, err)

	assert.Same(t, idp1, idp2)
	assert.Same(t, idp1, ent1)
	assert.NotSame(t, idp1, other)
	assert.Equal(t, "us-east-1", other.(*Provider).Region())

	_, _, err = f.Providers(context.Background(), "")
	assert.Error(t, err)
}
