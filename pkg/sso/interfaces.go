package sso

import "context"

// Device grant constants.
const (
	ClientTypePublic = "public"
	GrantTypeDevice  = "urn:ietf:params:oauth:grant-type:device_code"
)

// IdentityProvider drives the OAuth2 device authorization grant.
//
// CreateToken returns ErrAuthorizationPending or ErrSlowDown while the user has
// not approved the request yet, and ErrDeviceCodeExpired once the device code
// is no longer valid.
type IdentityProvider interface {
	RegisterClient(ctx context.Context, name, clientType string) (*ClientRegistration, error)
	StartDeviceAuthorization(ctx context.Context, reg ClientRegistration, startURL string) (*DeviceAuthorization, error)
	CreateToken(ctx context.Context, reg ClientRegistration, deviceCode string) (*BearerToken, error)
}

// EntitlementProvider lists entitlements and issues role credentials for a
// bearer token. Implementations return ErrRateLimited when throttled and
// ErrAuthenticationExpired when the token is rejected.
type EntitlementProvider interface {
	ListAccounts(ctx context.Context, accessToken, pageToken string) (*AccountPage, error)
	ListAccountRoles(ctx context.Context, accessToken, accountID, pageToken string) (*RolePage, error)
	GetRoleCredentials(ctx context.Context, accessToken, accountID, roleName string) (*RoleCredentials, error)
}

// SessionStore persists the session record across process restarts.
// Load returns (nil, nil) when nothing is stored; Clear is idempotent.
type SessionStore interface {
	Load(ctx context.Context) (*SessionRecord, error)
	Save(ctx context.Context, record SessionRecord) error
	Clear(ctx context.Context) error
}

// Presenter shows the user code and verification URL to the user.
type Presenter interface {
	PresentDeviceAuthorization(ctx context.Context, auth DeviceAuthorization)
}

// PresenterFunc adapts a function to the Presenter interface.
type PresenterFunc func(ctx context.Context, auth DeviceAuthorization)

func (f PresenterFunc) PresentDeviceAuthorization(ctx context.Context, auth DeviceAuthorization) {
	f(ctx, auth)
}
