// Package portal implements sso.EntitlementProvider against an SSO portal
// REST API that authenticates requests with the session's bearer token.
package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/telekom/ssoctl/pkg/provider"
	"github.com/telekom/ssoctl/pkg/sso"
	"github.com/telekom/ssoctl/pkg/system"
	"github.com/telekom/ssoctl/pkg/version"
)

type Client struct {
	baseURL   *url.URL
	http      *http.Client
	userAgent string
	log       *zap.SugaredLogger
}

var _ sso.EntitlementProvider = (*Client)(nil)

type Option func(*Client) error

func New(opts ...Option) (*Client, error) {
	c := &Client{
		http:      &http.Client{Timeout: provider.DefaultTimeout},
		userAgent: version.UserAgent(),
		log:       zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.baseURL == nil {
		return nil, &sso.ConfigurationError{Field: "portal-url"}
	}
	return c, nil
}

func WithServer(server string) Option {
	return func(c *Client) error {
		if server == "" {
			return &sso.ConfigurationError{Field: "portal-url"}
		}
		parsed, err := url.Parse(server)
		if err != nil {
			return &sso.ConfigurationError{Field: "portal-url", Reason: err.Error()}
		}
		if parsed.Scheme != "https" && parsed.Scheme != "http" {
			return &sso.ConfigurationError{Field: "portal-url", Reason: "must be an http(s) URL"}
		}
		c.baseURL = parsed
		return nil
	}
}

func WithUserAgent(userAgent string) Option {
	return func(c *Client) error {
		c.userAgent = userAgent
		return nil
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) error {
		if client != nil {
			c.http = client
		}
		return nil
	}
}

func WithTLSConfig(caFile string, insecureSkipTLSVerify bool) Option {
	return func(c *Client) error {
		client, err := provider.NewHTTPClient(caFile, insecureSkipTLSVerify)
		if err != nil {
			return &sso.ConfigurationError{Field: "ca-file", Reason: err.Error()}
		}
		c.http = client
		return nil
	}
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(c *Client) error {
		c.log = system.OrNop(log)
		return nil
	}
}

type accountsResponse struct {
	AccountList []struct {
		AccountID    string `json:"accountId"`
		AccountName  string `json:"accountName"`
		EmailAddress string `json:"emailAddress"`
	} `json:"accountList"`
	NextToken string `json:"nextToken"`
}

type rolesResponse struct {
	RoleList []struct {
		AccountID string `json:"accountId"`
		RoleName  string `json:"roleName"`
	} `json:"roleList"`
	NextToken string `json:"nextToken"`
}

type credentialsResponse struct {
	RoleCredentials *struct {
		AccessKeyID     string `json:"accessKeyId"`
		SecretAccessKey string `json:"secretAccessKey"`
		SessionToken    string `json:"sessionToken"`
		// Expiration is in epoch milliseconds
		Expiration int64 `json:"expiration"`
	} `json:"roleCredentials"`
}

func (c *Client) ListAccounts(ctx context.Context, accessToken, pageToken string) (*sso.AccountPage, error) {
	q := url.Values{}
	if pageToken != "" {
		q.Set("next_token", pageToken)
	}
	var resp accountsResponse
	if err := c.do(ctx, "ListAccounts", "/assignment/accounts", q, accessToken, &resp); err != nil {
		return nil, err
	}
	page := &sso.AccountPage{NextToken: resp.NextToken}
	for _, a := range resp.AccountList {
		page.Accounts = append(page.Accounts, sso.Account{AccountID: a.AccountID, AccountName: a.AccountName, EmailAddress: a.EmailAddress})
	}
	return page, nil
}

func (c *Client) ListAccountRoles(ctx context.Context, accessToken, accountID, pageToken string) (*sso.RolePage, error) {
	q := url.Values{}
	q.Set("account_id", accountID)
	if pageToken != "" {
		q.Set("next_token", pageToken)
	}
	var resp rolesResponse
	if err := c.do(ctx, "ListAccountRoles", "/assignment/roles", q, accessToken, &resp); err != nil {
		return nil, err
	}
	page := &sso.RolePage{NextToken: resp.NextToken}
	for _, r := range resp.RoleList {
		page.Roles = append(page.Roles, sso.Role{AccountID: r.AccountID, RoleName: r.RoleName})
	}
	return page, nil
}

func (c *Client) GetRoleCredentials(ctx context.Context, accessToken, accountID, roleName string) (*sso.RoleCredentials, error) {
	q := url.Values{}
	q.Set("account_id", accountID)
	q.Set("role_name", roleName)
	var resp credentialsResponse
	if err := c.do(ctx, "GetRoleCredentials", "/federation/credentials", q, accessToken, &resp); err != nil {
		return nil, err
	}
	if resp.RoleCredentials == nil {
		return nil, nil
	}
	rc := resp.RoleCredentials
	creds := &sso.RoleCredentials{
		AccessKeyID:     rc.AccessKeyID,
		SecretAccessKey: rc.SecretAccessKey,
		SessionToken:    rc.SessionToken,
		AccountID:       accountID,
		RoleName:        roleName,
	}
	// an omitted expiration stays the zero time
	if rc.Expiration > 0 {
		creds.Expiration = time.UnixMilli(rc.Expiration).UTC()
	}
	return creds, nil
}

func (c *Client) do(ctx context.Context, op, endpoint string, query url.Values, accessToken string, out any) error {
	fullURL := *c.baseURL
	fullURL.Path = path.Join(fullURL.Path, endpoint)
	fullURL.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL.String(), nil)
	if err != nil {
		return &sso.ProviderError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	c.log.Debugw("Portal request", "op", op, "path", fullURL.Path, "token", system.Fingerprint(accessToken))
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &sso.ProviderError{Op: op, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		return classify(op, decodeError(resp))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &sso.ProviderError{Op: op, Message: "invalid response body", Err: err}
	}
	return nil
}

func decodeError(resp *http.Response) *HTTPError {
	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if len(body) > 0 {
		_ = json.Unmarshal(body, &apiErr)
	}
	msg := strings.TrimSpace(apiErr.Message)
	if msg == "" {
		msg = strings.TrimSpace(apiErr.Error)
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = resp.Status
	}
	return &HTTPError{StatusCode: resp.StatusCode, Message: msg}
}

// HTTPError is a non-2xx portal response.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Message)
}

func classify(op string, herr *HTTPError) error {
	pe := &sso.ProviderError{Op: op, Code: http.StatusText(herr.StatusCode), Message: herr.Message, Err: herr}
	switch herr.StatusCode {
	case http.StatusUnauthorized:
		pe.Err = errors.Join(sso.ErrAuthenticationExpired, herr)
	case http.StatusTooManyRequests:
		pe.Err = errors.Join(sso.ErrRateLimited, herr)
	}
	return pe
}
