// Copyright (c) 2024 GradeHub. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

// Package connector provides LTI Advantage service access for a registered platform. The base Connector obtains and
// reuses scoped bearer tokens; it can be upgraded to the Assignment & Grade Services or the Names & Role Provisioning
// Services recorded on a course.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/gradehub/ltibridge/datastore"
	"github.com/gradehub/ltibridge/datastore/nonpersistent"
	"github.com/gradehub/ltibridge/keyset"
)

// Access token validity period and clock skew allowance for the client assertion.
const (
	AccessTokenTimeout = 60 * time.Minute
	ClockSkewAllowance = 2 * time.Minute
)

const defaultRequestTimeout = 30 * time.Second

// A ServiceNotAvailableError reports that a course has no recorded capability for the requested platform service.
type ServiceNotAvailableError struct {
	Service string
}

func (e *ServiceNotAvailableError) Error() string {
	return fmt.Sprintf("service not available: %s", e.Service)
}

// A StatusError reports a non-success platform response status.
type StatusError struct {
	StatusCode int
	URI        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("platform returned status %d for %s", e.StatusCode, e.URI)
}

// IsTransient reports whether an outbound platform failure is worth retrying: network errors, timeouts, rate limiting
// and server-side errors are transient; other client-side statuses are permanent.
func IsTransient(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}

	return errors.Is(err, context.DeadlineExceeded)
}

// Config represents the configuration used in creating a new *Connector. New will accept zero-value store interfaces,
// and in that case the resulting Connector will use nonpersistent storage.
type Config struct {
	AccessTokens datastore.AccessTokenStorer

	// HTTPClient overrides the outbound client; all requests carry timeouts either way.
	HTTPClient *http.Client
}

// A Connector implements the base that underpins the LTI Advantage services, i.e. AGS or NRPS.
type Connector struct {
	cfg          Config
	registration datastore.Registration
	signingKey   *keyset.SigningKey
	client       *http.Client
}

// New creates a *Connector for a registered platform, signing client assertions with the tool's key.
func New(cfg Config, registration datastore.Registration, signingKey *keyset.SigningKey) *Connector {
	connector := Connector{
		cfg:          cfg,
		registration: registration,
		signingKey:   signingKey,
	}

	if connector.cfg.AccessTokens == nil {
		connector.cfg.AccessTokens = nonpersistent.DefaultStore
	}

	connector.client = cfg.HTTPClient
	if connector.client == nil {
		connector.client = &http.Client{Timeout: defaultRequestTimeout}
	}

	return &connector
}

// UpgradeNRPS provides a Connector upgraded for NRPS calls against the course's recorded memberships endpoint.
func (c *Connector) UpgradeNRPS(course datastore.Course) (*NRPS, error) {
	if course.NRPSMembershipsURI == "" {
		return nil, &ServiceNotAvailableError{Service: "nrps"}
	}
	endpoint, err := url.Parse(course.NRPSMembershipsURI)
	if err != nil {
		return nil, fmt.Errorf("could not parse memberships URI: %w", err)
	}

	return &NRPS{Endpoint: endpoint, Target: c}, nil
}

// UpgradeAGS provides a Connector upgraded for AGS calls against the course's recorded line item endpoints.
func (c *Connector) UpgradeAGS(course datastore.Course) (*AGS, error) {
	if course.AGSLineItemsURI == "" && course.AGSLineItemURI == "" {
		return nil, &ServiceNotAvailableError{Service: "ags"}
	}

	ags := AGS{
		Scopes: course.AGSScopes,
		Target: c,
	}

	var err error
	if course.AGSLineItemURI != "" {
		ags.LineItem, err = url.Parse(course.AGSLineItemURI)
		if err != nil {
			return nil, fmt.Errorf("could not parse lineitem URI: %w", err)
		}
	}
	if course.AGSLineItemsURI != "" {
		ags.LineItems, err = url.Parse(course.AGSLineItemsURI)
		if err != nil {
			return nil, fmt.Errorf("could not parse lineitems URI: %w", err)
		}
	}

	return &ags, nil
}

// accessToken returns a bearer token for the scopes, reusing a stored token until it nears expiry.
func (c *Connector) accessToken(ctx context.Context, scopes []string) (string, error) {
	if len(scopes) == 0 {
		return "", errors.New("received empty scopes argument")
	}
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)

	tokenURI := c.registration.AuthTokenURI.String()
	stored, err := c.cfg.AccessTokens.FindAccessToken(tokenURI, c.registration.ClientID, sorted)
	if err == nil {
		return stored.Token, nil
	}

	token, err := c.requestAccessToken(ctx, tokenURI, sorted)
	if err != nil {
		return "", err
	}

	// Storage failure only costs reuse; the grant already succeeded.
	_ = c.cfg.AccessTokens.StoreAccessToken(token)

	return token.Token, nil
}

// requestAccessToken performs the client-credentials grant with a signed JWT client assertion.
func (c *Connector) requestAccessToken(ctx context.Context, tokenURI string, scopes []string) (datastore.AccessToken, error) {
	now := time.Now()
	assertion, err := jwt.NewBuilder().
		Issuer(c.registration.ClientID).
		Subject(c.registration.ClientID).
		Audience([]string{tokenURI}).
		IssuedAt(now.Add(-ClockSkewAllowance)).
		Expiration(now.Add(AccessTokenTimeout)).
		JwtID("lti-service-token-" + uuid.NewString()).
		Build()
	if err != nil {
		return datastore.AccessToken{}, fmt.Errorf("could not build client assertion: %w", err)
	}

	signingKey, err := c.signingKey.PrivateJWK()
	if err != nil {
		return datastore.AccessToken{}, fmt.Errorf("could not prepare signing key: %w", err)
	}
	signedAssertion, err := jwt.Sign(assertion, jwt.WithKey(jwa.RS256, signingKey))
	if err != nil {
		return datastore.AccessToken{}, fmt.Errorf("could not sign client assertion: %w", err)
	}

	requestValues := url.Values{}
	requestValues.Add("grant_type", "client_credentials")
	requestValues.Add("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
	requestValues.Add("client_assertion", string(signedAssertion))
	requestValues.Add("scope", strings.Join(scopes, " "))

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURI, strings.NewReader(requestValues.Encode()))
	if err != nil {
		return datastore.AccessToken{}, fmt.Errorf("could not create access token request: %w", err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := c.client.Do(request)
	if err != nil {
		return datastore.AccessToken{}, fmt.Errorf("access token request error: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return datastore.AccessToken{}, &StatusError{StatusCode: response.StatusCode, URI: tokenURI}
	}

	var responseBody struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(response.Body).Decode(&responseBody); err != nil {
		return datastore.AccessToken{}, errors.New("could not decode access token response body")
	}
	if responseBody.AccessToken == "" {
		return datastore.AccessToken{}, errors.New("no access token in response")
	}

	expiry := now.Add(AccessTokenTimeout)
	if responseBody.ExpiresIn > 0 {
		expiry = now.Add(time.Duration(responseBody.ExpiresIn)*time.Second - ClockSkewAllowance)
	}

	return datastore.AccessToken{
		TokenURI:   tokenURI,
		ClientID:   c.registration.ClientID,
		Scopes:     scopes,
		Token:      responseBody.AccessToken,
		ExpiryTime: expiry,
	}, nil
}

// A ServiceRequest describes a single authorized call against a platform service endpoint.
type ServiceRequest struct {
	Scopes         []string
	Method         string
	URI            *url.URL
	Body           io.Reader
	ContentType    string
	Accept         string
	ExpectedStatus int
}

// makeServiceRequest obtains a scoped bearer token and performs the request. The response body is returned open; the
// caller must close it. Non-expected statuses produce a *StatusError so callers can classify transient failures.
func (c *Connector) makeServiceRequest(ctx context.Context, s ServiceRequest) (http.Header, io.ReadCloser, error) {
	if len(s.Scopes) == 0 {
		return nil, nil, errors.New("received empty scopes argument")
	}
	if s.ExpectedStatus == 0 {
		s.ExpectedStatus = http.StatusOK
	}

	bearer, err := c.accessToken(ctx, s.Scopes)
	if err != nil {
		return nil, nil, fmt.Errorf("get access token error: %w", err)
	}

	request, err := http.NewRequestWithContext(ctx, s.Method, s.URI.String(), s.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("could not create service request: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+bearer)
	if s.ContentType != "" {
		request.Header.Set("Content-Type", s.ContentType)
	}
	if s.Accept != "" {
		request.Header.Set("Accept", s.Accept)
	}

	response, err := c.client.Do(request)
	if err != nil {
		return nil, nil, fmt.Errorf("service request error: %w", err)
	}

	if response.StatusCode != s.ExpectedStatus && !(response.StatusCode >= 200 && response.StatusCode < 300) {
		response.Body.Close()
		return nil, nil, &StatusError{StatusCode: response.StatusCode, URI: s.URI.String()}
	}

	return response.Header, response.Body, nil
}

// nextPageLink extracts the rel="next" target from a Link response header, or returns the empty string.
func nextPageLink(header http.Header) string {
	for _, link := range header.Values("Link") {
		for _, part := range strings.Split(link, ",") {
			if !strings.Contains(part, `rel="next"`) {
				continue
			}
			start := strings.IndexByte(part, '<')
			end := strings.IndexByte(part, '>')
			if start >= 0 && end > start {
				return part[start+1 : end]
			}
		}
	}
	return ""
}
