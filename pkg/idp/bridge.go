package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"

	"github.com/geoplatform/arcgis-relay/pkg/config"
	"github.com/geoplatform/arcgis-relay/pkg/identity"
	"github.com/geoplatform/arcgis-relay/pkg/observability"
	"github.com/geoplatform/arcgis-relay/pkg/storage"
)

// TokenResponseTTL is how long the raw token response is kept
const TokenResponseTTL = time.Hour

const maxResponseSize = 1 << 20

// Options describes the upstream identity provider
type Options struct {
	AuthorizeURL  string
	TokenURL      string
	UserInfoURL   string
	JWKSURL       string
	Issuer        string
	ClientID      string
	RedirectURL   string
	ACRValues     string
	Prompt        string
	ResponseType  string
	AssertionType string
	Scopes        []string
	VerifyIDToken bool
	Timeout       time.Duration
}

// OptionsFromConfig derives bridge options from relay configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		AuthorizeURL:  cfg.IdPURL(cfg.IdP.AuthorizePath),
		TokenURL:      cfg.IdPURL(cfg.IdP.TokenPath),
		UserInfoURL:   cfg.IdPURL(cfg.IdP.UserInfoPath),
		JWKSURL:       cfg.IdPURL(cfg.IdP.JWKSPath),
		Issuer:        cfg.IdP.Issuer,
		ClientID:      cfg.IdP.ClientID,
		RedirectURL:   cfg.RedirectURL(),
		ACRValues:     cfg.IdP.ACRValues,
		Prompt:        cfg.IdP.Prompt,
		ResponseType:  cfg.IdP.ResponseType,
		AssertionType: cfg.IdP.AssertionType,
		Scopes:        cfg.IdP.Scopes,
		VerifyIDToken: cfg.IdP.VerifyIDToken,
		Timeout:       cfg.IdP.Timeout,
	}
}

// AssertionSigner issues signed client assertions
type AssertionSigner interface {
	Sign(audience, clientID string) (string, error)
}

// Bridge drives the authorization-code exchange with the identity provider
type Bridge struct {
	opts     Options
	signer   AssertionSigner
	store    storage.TokenStore
	client   *http.Client
	oauth    *oauth2.Config
	verifier *oidc.IDTokenVerifier
	metrics  *observability.Metrics
}

// NewBridge builds a bridge. metrics may be nil.
func NewBridge(opts Options, signer AssertionSigner, store storage.TokenStore, metrics *observability.Metrics) (*Bridge, error) {
	if opts.ClientID == "" {
		return nil, errors.New("client_id is required")
	}
	if opts.TokenURL == "" || opts.UserInfoURL == "" || opts.AuthorizeURL == "" {
		return nil, errors.New("authorize, token and userinfo URLs are required")
	}
	if signer == nil {
		return nil, errors.New("assertion signer is required")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	b := &Bridge{
		opts:    opts,
		signer:  signer,
		store:   store,
		client:  client,
		metrics: metrics,
		oauth: &oauth2.Config{
			ClientID:    opts.ClientID,
			RedirectURL: opts.RedirectURL,
			Scopes:      opts.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   opts.AuthorizeURL,
				TokenURL:  opts.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}

	if opts.VerifyIDToken && opts.JWKSURL != "" {
		providerCtx := oidc.ClientContext(context.Background(), client)
		provider := (&oidc.ProviderConfig{
			IssuerURL:   opts.Issuer,
			AuthURL:     opts.AuthorizeURL,
			TokenURL:    opts.TokenURL,
			UserInfoURL: opts.UserInfoURL,
			JWKSURL:     opts.JWKSURL,
			Algorithms:  []string{oidc.RS256},
		}).NewProvider(providerCtx)
		b.verifier = provider.Verifier(&oidc.Config{ClientID: opts.ClientID})
	}

	return b, nil
}

// AuthorizeURL builds the upstream authorization redirect. It carries a fresh
// signed client assertion alongside the standard OIDC parameters.
func (b *Bridge) AuthorizeURL(state, nonce string) (string, error) {
	assertion, err := b.signer.Sign(b.opts.TokenURL, b.opts.ClientID)
	if err != nil {
		return "", err
	}

	params := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("acr_values", b.opts.ACRValues),
		oauth2.SetAuthURLParam("nonce", nonce),
		oauth2.SetAuthURLParam("prompt", b.opts.Prompt),
		oauth2.SetAuthURLParam("client_assertion_type", b.opts.AssertionType),
		oauth2.SetAuthURLParam("client_assertion", assertion),
	}
	if b.opts.ResponseType != "" {
		params = append(params, oauth2.SetAuthURLParam("response_type", b.opts.ResponseType))
	}
	return b.oauth.AuthCodeURL(state, params...), nil
}

// Exchange trades an upstream authorization code for an access token using a
// signed client assertion. The provider's token response body is persisted
// as sent for an hour. When
// an ID token is present and verification is enabled, its signature and (if
// expectedNonce is set) nonce are checked.
func (b *Bridge) Exchange(ctx context.Context, code, expectedNonce string) (string, error) {
	ctx, span := observability.Tracer().Start(ctx, "idp.exchange")
	defer span.End()
	start := time.Now()

	token, raw, err := b.exchange(ctx, code)
	b.metrics.ObserveUpstream("idp", "token", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token exchange failed")
		return "", err
	}

	if rawIDToken, _ := token.Extra("id_token").(string); rawIDToken != "" && b.verifier != nil {
		idToken, err := b.verifier.Verify(oidc.ClientContext(ctx, b.client), rawIDToken)
		if err != nil {
			return "", fmt.Errorf("verify id token: %w", err)
		}
		if expectedNonce != "" && idToken.Nonce != expectedNonce {
			return "", ErrNonceMismatch
		}
	}

	if b.store != nil {
		if !json.Valid(raw) {
			if raw, err = json.Marshal(tokenRecord(token)); err != nil {
				return "", fmt.Errorf("failed to marshal token response: %w", err)
			}
		}
		if err := b.store.PutTokenResponse(ctx, token.AccessToken, raw, TokenResponseTTL); err != nil {
			return "", err
		}
	}

	return token.AccessToken, nil
}

// exchange returns the parsed token together with the response body as the
// provider sent it.
func (b *Bridge) exchange(ctx context.Context, code string) (*oauth2.Token, []byte, error) {
	assertion, err := b.signer.Sign(b.opts.TokenURL, b.opts.ClientID)
	if err != nil {
		return nil, nil, err
	}

	capture := &responseCapture{base: b.client.Transport}
	client := &http.Client{Timeout: b.client.Timeout, Transport: capture}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	token, err := b.oauth.Exchange(ctx, code,
		oauth2.SetAuthURLParam("client_assertion_type", b.opts.AssertionType),
		oauth2.SetAuthURLParam("client_assertion", assertion),
	)
	if err == nil {
		return token, capture.body, nil
	}
	return nil, nil, exchangeError(err, capture)
}

func exchangeError(err error, capture *responseCapture) error {
	var retrieveErr *oauth2.RetrieveError
	var urlErr *url.Error
	switch {
	case errors.As(err, &retrieveErr):
		upstream := &UpstreamError{Op: "code for token", Status: http.StatusBadGateway}
		if retrieveErr.Response != nil {
			upstream.Status = retrieveErr.Response.StatusCode
		}
		upstream.Body = truncate(string(retrieveErr.Body), 4096)
		upstream.Detail = errorDetail(retrieveErr.ErrorDescription, retrieveErr.Body)
		return upstream
	case capture.status == http.StatusOK && json.Valid(capture.body) && !hasAccessToken(capture.body):
		return ErrMissingAccessToken
	case errors.As(err, &urlErr):
		return &UpstreamError{
			Op:     "code for token",
			Status: http.StatusBadGateway,
			Detail: "identity provider unreachable",
			Body:   err.Error(),
		}
	default:
		return fmt.Errorf("%w: %v", ErrInvalidTokenResponse, err)
	}
}

func hasAccessToken(body []byte) bool {
	var resp struct {
		AccessToken interface{} `json:"access_token"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false
	}
	tok, ok := resp.AccessToken.(string)
	return ok && tok != ""
}

// responseCapture records the status and body of the response it carries
// and hands the caller an unread copy. One capture serves one request.
type responseCapture struct {
	base   http.RoundTripper
	status int
	body   []byte
}

func (c *responseCapture) RoundTrip(req *http.Request) (*http.Response, error) {
	base := c.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	c.status = resp.StatusCode
	c.body = body
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

func tokenRecord(token *oauth2.Token) map[string]interface{} {
	rec := map[string]interface{}{
		"access_token": token.AccessToken,
		"token_type":   token.TokenType,
	}
	if !token.Expiry.IsZero() {
		rec["expires_in"] = int(time.Until(token.Expiry).Round(time.Second).Seconds())
	}
	if idToken, ok := token.Extra("id_token").(string); ok {
		rec["id_token"] = idToken
	}
	return rec
}

// FetchUserInfo returns the raw claims for accessToken. Failures are always
// reported with status 500.
func (b *Bridge) FetchUserInfo(ctx context.Context, accessToken string) (map[string]interface{}, error) {
	ctx, span := observability.Tracer().Start(ctx, "idp.userinfo")
	defer span.End()
	start := time.Now()

	claims, err := b.fetchUserInfo(ctx, accessToken)
	b.metrics.ObserveUpstream("idp", "userinfo", start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "userinfo failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("idp.claims", len(claims)))
	return claims, nil
}

func (b *Bridge) fetchUserInfo(ctx context.Context, accessToken string) (map[string]interface{}, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, b.client)
	httpClient := b.oauth.Client(ctx, &oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.opts.UserInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &UpstreamError{
			Op:     "token for userinfo",
			Status: http.StatusInternalServerError,
			Detail: "identity provider unreachable",
			Body:   err.Error(),
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read userinfo: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &UpstreamError{
			Op:     "token for userinfo",
			Status: http.StatusInternalServerError,
			Detail: errorDetail("", body),
			Body:   truncate(string(body), 4096),
		}
	}

	var claims map[string]interface{}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, ErrMissingUserInfo
	}
	if err := json.Unmarshal(body, &claims); err != nil {
		return nil, &UpstreamError{
			Op:     "token for userinfo",
			Status: http.StatusInternalServerError,
			Detail: "invalid userinfo response",
			Body:   truncate(string(body), 4096),
		}
	}
	if len(claims) == 0 {
		return nil, ErrMissingUserInfo
	}
	return claims, nil
}

// errorDetail prefers an error_description, then one parsed from a JSON body.
// Raw bodies are never surfaced.
func errorDetail(description string, body []byte) string {
	if description != "" {
		return truncate(description, maxDetailLen)
	}
	var parsed struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.ErrorDescription != "" {
			return truncate(parsed.ErrorDescription, maxDetailLen)
		}
		if parsed.Error != "" {
			return truncate(parsed.Error, maxDetailLen)
		}
	}
	return "No description provided"
}

// Complete runs the callback half of a login: code exchange, userinfo fetch
// and normalization.
func (b *Bridge) Complete(ctx context.Context, code, expectedNonce string) (identity.UserInfo, error) {
	accessToken, err := b.Exchange(ctx, code, expectedNonce)
	if err != nil {
		return identity.UserInfo{}, err
	}

	claims, err := b.FetchUserInfo(ctx, accessToken)
	if err != nil {
		return identity.UserInfo{}, err
	}

	return Normalize(claims)
}
