// Copyright (c) 2024 GradeHub. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

package launch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/gradehub/ltibridge/datastore"
	"github.com/gradehub/ltibridge/keyset"
)

// ClockSkewAllowance is the default tolerance applied to exp and nbf checks.
const ClockSkewAllowance = 2 * time.Minute

// A KeyResolver resolves a key ID within a platform's keyset. keyset.Cache satisfies it; tests substitute fakes so
// signature checks run without network access.
type KeyResolver interface {
	KeyFor(ctx context.Context, keysetURI, keyID string) (jwk.Key, error)
}

// A Validator verifies a raw id_token against a registration, an expected nonce, and the platform's current keyset,
// and extracts the LTI claims. Aside from the key lookup, validation is a pure function over its inputs.
type Validator struct {
	keys          KeyResolver
	registrations datastore.RegistrationStorer

	// ClockSkew is the exp/nbf tolerance. The zero value falls back on ClockSkewAllowance.
	ClockSkew time.Duration

	// now is replaceable for expiry tests.
	now func() time.Time
}

// NewValidator creates a Validator resolving keys through the supplied resolver and deployments through the supplied
// registration store.
func NewValidator(keys KeyResolver, registrations datastore.RegistrationStorer) *Validator {
	return &Validator{
		keys:          keys,
		registrations: registrations,
		now:           time.Now,
	}
}

func (v *Validator) skew() time.Duration {
	if v.ClockSkew > 0 {
		return v.ClockSkew
	}
	return ClockSkewAllowance
}

// Validate runs the validation pipeline: resolve the signing key (refreshing the keyset cache once on an unknown key
// ID), verify the signature, check the registered issuer and audience, the validity window, and the nonce, then
// require the LTI claims and extract the optional service claims. The returned LaunchContext is complete; on any
// failure it is nil and the error names the failing step.
func (v *Validator) Validate(ctx context.Context, rawToken []byte, registration datastore.Registration, expectedNonce string) (*LaunchContext, error) {
	message, err := jws.Parse(rawToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	signatures := message.Signatures()
	if len(signatures) == 0 {
		return nil, fmt.Errorf("%w: no signature", ErrInvalidSignature)
	}
	headers := signatures[0].ProtectedHeaders()
	keyID := headers.KeyID()
	if keyID == "" {
		return nil, fmt.Errorf("%w: no key ID in token header", ErrUnknownSigningKey)
	}

	key, err := v.keys.KeyFor(ctx, registration.KeysetURI.String(), keyID)
	if err != nil {
		if errors.Is(err, keyset.ErrUnknownKey) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownSigningKey, keyID)
		}
		return nil, fmt.Errorf("resolve signing key: %w", err)
	}

	token, err := jwt.Parse(rawToken, jwt.WithKey(headers.Algorithm(), key), jwt.WithValidate(false))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if err := v.validateRegisteredClaims(token, registration, expectedNonce); err != nil {
		return nil, err
	}

	return v.extractLaunchContext(token, registration)
}

// validateRegisteredClaims checks iss, aud, exp, nbf, and nonce against the registration and the pending login.
func (v *Validator) validateRegisteredClaims(token jwt.Token, registration datastore.Registration, expectedNonce string) error {
	if token.Issuer() != registration.Issuer {
		return claimMismatch("iss")
	}

	audienceMatched := false
	for _, audience := range token.Audience() {
		if audience == registration.ClientID {
			audienceMatched = true
			break
		}
	}
	if !audienceMatched {
		return claimMismatch("aud")
	}

	now := v.now()
	expiration := token.Expiration()
	if expiration.IsZero() {
		return missingClaim("exp")
	}
	if now.After(expiration.Add(v.skew())) {
		return claimMismatch("exp")
	}
	if notBefore := token.NotBefore(); !notBefore.IsZero() && now.Add(v.skew()).Before(notBefore) {
		return claimMismatch("nbf")
	}

	nonce, ok := stringClaim(token, "nonce")
	if !ok || nonce == "" {
		return missingClaim("nonce")
	}
	if nonce != expectedNonce {
		return claimMismatch("nonce")
	}

	return nil
}

// extractLaunchContext requires the LTI claims and assembles the immutable launch context.
func (v *Validator) extractLaunchContext(token jwt.Token, registration datastore.Registration) (*LaunchContext, error) {
	messageType, ok := stringClaim(token, claimMessageType)
	if !ok || messageType == "" {
		return nil, missingClaim("message_type")
	}
	if messageType != MessageTypeResourceLink && messageType != MessageTypeDeepLinking {
		return nil, claimMismatch("message_type")
	}

	if version, ok := stringClaim(token, claimVersion); ok && version != "1.3.0" {
		return nil, claimMismatch("version")
	}

	deploymentID, ok := stringClaim(token, claimDeploymentID)
	if !ok || deploymentID == "" {
		return nil, missingClaim("deployment_id")
	}
	_, err := v.registrations.FindDeployment(registration.Issuer, registration.ClientID, deploymentID)
	if err != nil {
		if errors.Is(err, datastore.ErrDeploymentNotFound) {
			return nil, claimMismatch("deployment_id")
		}
		return nil, fmt.Errorf("find deployment error: %w", err)
	}

	roles, ok := stringSliceClaim(token, claimRoles)
	if !ok || len(roles) == 0 {
		return nil, missingClaim("roles")
	}

	if token.Subject() == "" {
		return nil, missingClaim("sub")
	}

	launchContext := LaunchContext{
		Issuer:       registration.Issuer,
		ClientID:     registration.ClientID,
		DeploymentID: deploymentID,
		Subject:      token.Subject(),
		Roles:        roles,
		MessageType:  messageType,
	}
	launchContext.TargetLinkURI, _ = stringClaim(token, claimTargetLinkURI)
	launchContext.Name, _ = stringClaim(token, "name")
	launchContext.Email, _ = stringClaim(token, "email")

	if contextClaim, ok := mapClaim(token, claimContext); ok {
		launchContext.ContextID, _ = contextClaim["id"].(string)
		launchContext.ContextLabel, _ = contextClaim["label"].(string)
		launchContext.ContextTitle, _ = contextClaim["title"].(string)
	}

	// Resource-link launches must carry a resource link ID; deep linking launches have none.
	if resourceLink, ok := mapClaim(token, claimResourceLink); ok {
		launchContext.ResourceLinkID, _ = resourceLink["id"].(string)
	}
	if messageType == MessageTypeResourceLink && launchContext.ResourceLinkID == "" {
		return nil, missingClaim("resource_link")
	}

	// Optional service claims. Absence is not an error unless the caller later requests that service.
	if agsClaim, ok := mapClaim(token, claimAGSEndpoint); ok {
		endpoint := AGSEndpoint{}
		endpoint.LineItem, _ = agsClaim["lineitem"].(string)
		endpoint.LineItems, _ = agsClaim["lineitems"].(string)
		endpoint.Scopes = anySlice(agsClaim["scope"])
		launchContext.AGS = &endpoint
	}

	if nrpsClaim, ok := mapClaim(token, claimNRPS); ok {
		endpoint := NRPSEndpoint{}
		endpoint.MembershipsURI, _ = nrpsClaim["context_memberships_url"].(string)
		endpoint.ServiceVersions = anySlice(nrpsClaim["service_versions"])
		launchContext.NRPS = &endpoint
	}

	if deepLinking, ok := mapClaim(token, claimDeepLinking); ok {
		settings := DeepLinkingSettings{}
		settings.ReturnURI, _ = deepLinking["deep_link_return_url"].(string)
		settings.Data, _ = deepLinking["data"].(string)
		settings.AcceptTypes = anySlice(deepLinking["accept_types"])
		settings.AcceptMultiple, _ = deepLinking["accept_multiple"].(bool)
		launchContext.DeepLinking = &settings
	}

	return &launchContext, nil
}

func stringClaim(token jwt.Token, name string) (string, bool) {
	raw, ok := token.Get(name)
	if !ok {
		return "", false
	}
	value, ok := raw.(string)
	return value, ok
}

func mapClaim(token jwt.Token, name string) (map[string]interface{}, bool) {
	raw, ok := token.Get(name)
	if !ok {
		return nil, false
	}
	value, ok := raw.(map[string]interface{})
	return value, ok
}

func stringSliceClaim(token jwt.Token, name string) ([]string, bool) {
	raw, ok := token.Get(name)
	if !ok {
		return nil, false
	}
	return anySlice(raw), true
}

// anySlice converts the interface slices produced by JSON decoding into string slices, dropping non-strings.
func anySlice(raw interface{}) []string {
	switch values := raw.(type) {
	case []string:
		return values
	case []interface{}:
		var out []string
		for _, value := range values {
			if s, ok := value.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
