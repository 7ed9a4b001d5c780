package cmd

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/telekom/ssoctl/pkg/sso"
)

// fakeProvider approves every device code on the second poll.
type fakeProvider struct {
	registers atomic.Int32
	polls     atomic.Int32
	regions   chan string

	entitlementErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{regions: make(chan string, 16)}
}

func (f *fakeProvider) Providers(_ context.Context, region string) (sso.IdentityProvider, sso.EntitlementProvider, error) {
	select {
	case f.regions <- region:
	default:
	}
	return f, f, nil
}

func (f *fakeProvider) RegisterClient(context.Context, string, string) (*sso.ClientRegistration, error) {
	n := f.registers.Add(1)
	return &sso.ClientRegistration{
		ClientID:     fmt.Sprintf("client-%d", n),
		ClientSecret: "secret",
		ExpiresAt:    time.Now().Add(90 * 24 * time.Hour),
	}, nil
}

func (f *fakeProvider) StartDeviceAuthorization(context.Context, sso.ClientRegistration, string) (*sso.DeviceAuthorization, error) {
	return &sso.DeviceAuthorization{
		DeviceCode:              "device-code",
		UserCode:                "ABCD-EFGH",
		VerificationURI:         "https://device.sso.example.com/",
		VerificationURIComplete: "https://device.sso.example.com/?user_code=ABCD-EFGH",
		ExpiresIn:               10 * time.Minute,
		Interval:                time.Second,
	}, nil
}

func (f *fakeProvider) CreateToken(context.Context, sso.ClientRegistration, string) (*sso.BearerToken, error) {
	if f.polls.Add(1)%2 == 1 {
		return nil, sso.ErrAuthorizationPending
	}
	now := time.Now()
	return &sso.BearerToken{AccessToken: "access-token", IssuedAt: now, ExpiresAt: now.Add(8 * time.Hour)}, nil
}

func (f *fakeProvider) ListAccounts(context.Context, string, string) (*sso.AccountPage, error) {
	if f.entitlementErr != nil {
		return nil, f.entitlementErr
	}
	return &sso.AccountPage{Accounts: []sso.Account{
		{AccountID: "111122223333", AccountName: "Production", EmailAddress: "prod@example.com"},
		{AccountID: "444455556666", AccountName: "Staging"},
	}}, nil
}

func (f *fakeProvider) ListAccountRoles(_ context.Context, _, accountID, _ string) (*sso.RolePage, error) {
	if f.entitlementErr != nil {
		return nil, f.entitlementErr
	}
	return &sso.RolePage{Roles: []sso.Role{
		{AccountID: accountID, RoleName: "ReadOnly"},
		{AccountID: accountID, RoleName: "Admin"},
	}}, nil
}

func (f *fakeProvider) GetRoleCredentials(_ context.Context, _, accountID, roleName string) (*sso.RoleCredentials, error) {
	if f.entitlementErr != nil {
		return nil, f.entitlementErr
	}
	return &sso.RoleCredentials{
		AccessKeyID:     "AKIAEXAMPLE",
		SecretAccessKey: "secret/key+value",
		SessionToken:    "session-token",
		Expiration:      time.Now().Add(time.Hour),
		AccountID:       accountID,
		RoleName:        roleName,
	}, nil
}
