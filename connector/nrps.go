// Copyright (c) 2024 GradeHub. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

const (
	scopeContextMembership = "https://purl.imsglobal.org/spec/lti-nrps/scope/contextmembership.readonly"

	membershipContainerMediaType = "application/vnd.ims.lti-nrps.v2.membershipcontainer+json"
)

// maximumMembershipPages bounds pagination so a platform emitting cyclic next links cannot spin the sync forever.
const maximumMembershipPages = 1000

// NRPS implements Names & Role Provisioning Services functions.
type NRPS struct {
	Endpoint *url.URL
	Limit    int
	NextPage *url.URL
	Target   *Connector
}

// A Membership represents a course membership with a brief class description.
type Membership struct {
	ID      string     `json:"id"`
	Context LTIContext `json:"context"`
	Members []Member   `json:"members"`
}

// A LTIContext represents a brief course description used in Names & Roles.
type LTIContext struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Title string `json:"title"`
}

// A Member represents a participant in an LTI-enabled course.
type Member struct {
	Status             string   `json:"status"`
	Name               string   `json:"name"`
	Picture            string   `json:"picture"`
	GivenName          string   `json:"given_name"`
	FamilyName         string   `json:"family_name"`
	MiddleName         string   `json:"middle_name"`
	Email              string   `json:"email"`
	UserID             string   `json:"user_id"`
	LisPersonSourceDid string   `json:"lis_person_sourcedid"`
	Roles              []string `json:"roles"`
}

// GetMembership gets the complete course (typically referred to as a Context in LTI) membership from the platform,
// following pagination links to completion.
func (n *NRPS) GetMembership(ctx context.Context) (Membership, error) {
	// Restart from the first page; a prior call that failed mid-pagination leaves a stale next page link, and
	// resuming from it would silently drop the leading pages' members.
	n.NextPage = nil

	membership, hasMore, err := n.GetPagedMembership(ctx)
	if err != nil {
		return Membership{}, err
	}

	for pages := 1; hasMore; pages++ {
		if pages >= maximumMembershipPages {
			return Membership{}, errors.New("membership pagination exceeded page bound")
		}
		var page Membership
		page, hasMore, err = n.GetPagedMembership(ctx)
		if err != nil {
			return Membership{}, err
		}
		membership.Members = append(membership.Members, page.Members...)
	}

	return membership, nil
}

// GetPagedMembership gets one page of Memberships from a course, useful for processing large enrollments. The second
// return value reports whether a further page remains; the NRPS tracks the next page link between calls.
func (n *NRPS) GetPagedMembership(ctx context.Context) (Membership, bool, error) {
	pagedURI, err := url.Parse(n.Endpoint.String())
	if err != nil {
		return Membership{}, false, errors.New("could not parse NRPS endpoint")
	}
	if n.Limit > 0 {
		query := pagedURI.Query()
		query.Set("limit", strconv.Itoa(n.Limit))
		pagedURI.RawQuery = query.Encode()
	}

	s := ServiceRequest{
		Scopes: []string{scopeContextMembership},
		Method: http.MethodGet,
		URI:    pagedURI,
		Accept: membershipContainerMediaType,
	}

	// If there was a next page set from a previous response, use it.
	if n.NextPage != nil {
		s.URI = n.NextPage
	}

	headers, body, err := n.Target.makeServiceRequest(ctx, s)
	if err != nil {
		return Membership{}, false, err
	}
	defer body.Close()

	var membership Membership
	if err := json.NewDecoder(body).Decode(&membership); err != nil {
		return Membership{}, false, errors.New("could not decode get membership response body")
	}

	next := nextPageLink(headers)
	if next == "" {
		n.NextPage = nil
		return membership, false, nil
	}

	nextPage, err := url.Parse(next)
	if err != nil {
		return Membership{}, false, fmt.Errorf("could not parse next page URI from response headers: %w", err)
	}
	n.NextPage = nextPage

	return membership, true, nil
}
