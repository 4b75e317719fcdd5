// Copyright (c) 2024 GradeHub. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

package launch

import "strings"

// LTI message types accepted by the validator.
const (
	MessageTypeResourceLink = "LtiResourceLinkRequest"
	MessageTypeDeepLinking  = "LtiDeepLinkingRequest"
)

// IMS claim URLs. Source: http://www.imsglobal.org/spec/lti/v1p3/.
const (
	claimMessageType   = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	claimVersion       = "https://purl.imsglobal.org/spec/lti/claim/version"
	claimDeploymentID  = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	claimTargetLinkURI = "https://purl.imsglobal.org/spec/lti/claim/target_link_uri"
	claimRoles         = "https://purl.imsglobal.org/spec/lti/claim/roles"
	claimContext       = "https://purl.imsglobal.org/spec/lti/claim/context"
	claimResourceLink  = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	claimAGSEndpoint   = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"
	claimNRPS          = "https://purl.imsglobal.org/spec/lti-nrps/claim/namesroleservice"
	claimDeepLinking   = "https://purl.imsglobal.org/spec/lti-dl/claim/deep_linking_settings"
)

// An AGSEndpoint is the Assignment and Grade Services capability advertised in the launch.
type AGSEndpoint struct {
	LineItem  string
	LineItems string
	Scopes    []string
}

// An NRPSEndpoint is the Names and Role Provisioning Services capability advertised in the launch.
type NRPSEndpoint struct {
	MembershipsURI  string
	ServiceVersions []string
}

// DeepLinkingSettings carries the platform's content-selection settings for a deep linking launch.
type DeepLinkingSettings struct {
	ReturnURI      string
	Data           string
	AcceptTypes    []string
	AcceptMultiple bool
}

// A LaunchContext is the resolved identity and capability set extracted from a validated launch. It is derived per
// request and never trusted without a prior matching, unexpired, single-use pending login.
type LaunchContext struct {
	Issuer        string
	ClientID      string
	DeploymentID  string
	Subject       string
	Roles         []string
	MessageType   string
	TargetLinkURI string

	ContextID    string
	ContextLabel string
	ContextTitle string

	ResourceLinkID string

	// Optional user profile claims; platforms may withhold them.
	Name  string
	Email string

	// Optional service capabilities; nil when the platform did not advertise the service.
	AGS         *AGSEndpoint
	NRPS        *NRPSEndpoint
	DeepLinking *DeepLinkingSettings
}

// HasRole reports whether the launch carries the role, matching either the full role URI or its short fragment
// (e.g. "Instructor").
func (lc *LaunchContext) HasRole(role string) bool {
	for _, candidate := range lc.Roles {
		if candidate == role {
			return true
		}
		if i := strings.LastIndexByte(candidate, '#'); i >= 0 && candidate[i+1:] == role {
			return true
		}
	}
	return false
}
