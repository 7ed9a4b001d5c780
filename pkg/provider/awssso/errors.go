package awssso

import (
	"context"
	"errors"

	portaltypes "github.com/aws/aws-sdk-go-v2/service/sso/types"
	oidctypes "github.com/aws/aws-sdk-go-v2/service/ssooidc/types"
	"github.com/aws/smithy-go"

	"github.com/telekom/ssoctl/pkg/sso"
)

// throttlingCodes are reported by the API gateway in front of both services
var throttlingCodes = map[string]bool{
	"TooManyRequestsException": true,
	"ThrottlingException":      true,
}

// classifyOIDCError maps SSO OIDC errors onto the sso error taxonomy.
func classifyOIDCError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var (
		pending       *oidctypes.AuthorizationPendingException
		slowDown      *oidctypes.SlowDownException
		expired       *oidctypes.ExpiredTokenException
		invalidClient *oidctypes.InvalidClientException
		unauthClient  *oidctypes.UnauthorizedClientException
	)
	switch {
	case errors.As(err, &pending):
		return sso.ErrAuthorizationPending
	case errors.As(err, &slowDown):
		return sso.ErrSlowDown
	case errors.As(err, &expired):
		return sso.ErrDeviceCodeExpired
	case errors.As(err, &invalidClient):
		return providerError(op, invalidClient, sso.ErrInvalidClient)
	case errors.As(err, &unauthClient):
		return providerError(op, unauthClient, sso.ErrInvalidClient)
	}
	return classifyAPIError(op, err)
}

// classifyPortalError maps SSO portal errors onto the sso error taxonomy.
func classifyPortalError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var (
		unauthorized *portaltypes.UnauthorizedException
		throttled    *portaltypes.TooManyRequestsException
	)
	switch {
	case errors.As(err, &unauthorized):
		return providerError(op, unauthorized, sso.ErrAuthenticationExpired)
	case errors.As(err, &throttled):
		return providerError(op, throttled, sso.ErrRateLimited)
	}
	return classifyAPIError(op, err)
}

func classifyAPIError(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if throttlingCodes[apiErr.ErrorCode()] {
			return providerError(op, apiErr, sso.ErrRateLimited)
		}
		return providerError(op, apiErr, err)
	}
	return &sso.ProviderError{Op: op, Err: err}
}

func providerError(op string, apiErr smithy.APIError, cause error) *sso.ProviderError {
	return &sso.ProviderError{
		Op:      op,
		Code:    apiErr.ErrorCode(),
		Message: apiErr.ErrorMessage(),
		Err:     cause,
	}
}
