// Copyright (c) 2024 GradeHub. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// AGS scope URIs.
const (
	ScopeScore            = "https://purl.imsglobal.org/spec/lti-ags/scope/score"
	ScopeLineItem         = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem"
	ScopeLineItemReadOnly = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem.readonly"
)

const (
	scoreMediaType             = "application/vnd.ims.lis.v1.score+json"
	lineItemMediaType          = "application/vnd.ims.lis.v2.lineitem+json"
	lineItemContainerMediaType = "application/vnd.ims.lis.v2.lineitemcontainer+json"
)

// AGS activityProgress constants.
const (
	ActivityInitialized = "Initialized"
	ActivityStarted     = "Started"
	ActivityInProgress  = "InProgress"
	ActivitySubmitted   = "Submitted"
	ActivityCompleted   = "Completed"
)

// AGS gradingProgress constants.
const (
	GradingFullyGraded   = "FullyGraded"
	GradingPending       = "Pending"
	GradingPendingManual = "PendingManual"
	GradingFailed        = "Failed"
	GradingNotReady      = "NotReady"
)

// AGS implements Assignment & Grade Services functions.
type AGS struct {
	LineItem  *url.URL
	LineItems *url.URL
	Scopes    []string
	Target    *Connector
}

// A Score represents a grade assigned by the tool and sent to the platform.
type Score struct {
	Timestamp        string  `json:"timestamp"`
	ScoreGiven       float64 `json:"scoreGiven"`
	ScoreMaximum     float64 `json:"scoreMaximum"`
	Comment          string  `json:"comment,omitempty"`
	ActivityProgress string  `json:"activityProgress"`
	GradingProgress  string  `json:"gradingProgress"`
	UserID           string  `json:"userId"`
}

// A LineItem represents a gradebook column associated with a launched resource.
type LineItem struct {
	ID             string  `json:"id,omitempty"`
	StartDateTime  string  `json:"startDateTime,omitempty"`
	EndDateTime    string  `json:"endDateTime,omitempty"`
	ScoreMaximum   float64 `json:"scoreMaximum,omitempty"`
	Label          string  `json:"label,omitempty"`
	Tag            string  `json:"tag,omitempty"`
	ResourceID     string  `json:"resourceId,omitempty"`
	ResourceLinkID string  `json:"resourceLinkId,omitempty"`
}

// PutScore posts a score for a line item to the platform's gradebook. It always sends the authoritative current
// score; the platform upserts by user, so resubmission replaces rather than accumulates.
func (a *AGS) PutScore(ctx context.Context, lineItemURI string, score Score) error {
	if score.UserID == "" {
		return errors.New("received score without user ID")
	}

	target := a.LineItem
	if lineItemURI != "" {
		parsed, err := url.Parse(lineItemURI)
		if err != nil {
			return fmt.Errorf("could not parse lineitem URI: %w", err)
		}
		target = parsed
	}
	if target == nil {
		return &ServiceNotAvailableError{Service: "ags"}
	}

	// Make a copy of the lineitem URI and add the /scores path, preserving any query.
	scoreURI, err := url.Parse(target.String())
	if err != nil {
		return fmt.Errorf("could not parse score URI: %w", err)
	}
	scoreURI.Path += "/scores"

	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(score); err != nil {
		return fmt.Errorf("could not encode body of score publish request: %w", err)
	}

	_, responseBody, err := a.Target.makeServiceRequest(ctx, ServiceRequest{
		Scopes:      []string{ScopeScore},
		Method:      http.MethodPost,
		URI:         scoreURI,
		Body:        &body,
		ContentType: scoreMediaType,
	})
	if err != nil {
		return fmt.Errorf("put score make service request error: %w", err)
	}
	responseBody.Close()

	return nil
}

// GetLineItems gets all the line items for the course, i.e. all columns in the course gradebook.
func (a *AGS) GetLineItems(ctx context.Context) ([]LineItem, error) {
	if a.LineItems == nil {
		return nil, &ServiceNotAvailableError{Service: "ags"}
	}

	_, body, err := a.Target.makeServiceRequest(ctx, ServiceRequest{
		Scopes: []string{ScopeLineItemReadOnly},
		Method: http.MethodGet,
		URI:    a.LineItems,
		Accept: lineItemContainerMediaType,
	})
	if err != nil {
		return nil, fmt.Errorf("get lineitems make service request error: %w", err)
	}
	defer body.Close()

	var lineItems []LineItem
	if err := json.NewDecoder(body).Decode(&lineItems); err != nil {
		return nil, fmt.Errorf("could not decode get lineitems response body: %w", err)
	}

	return lineItems, nil
}

// CreateLineItem creates a new gradebook column in the course's line item container.
func (a *AGS) CreateLineItem(ctx context.Context, lineItem LineItem) (LineItem, error) {
	if a.LineItems == nil {
		return LineItem{}, &ServiceNotAvailableError{Service: "ags"}
	}

	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(lineItem); err != nil {
		return LineItem{}, fmt.Errorf("could not encode lineitem to create: %w", err)
	}

	_, responseBody, err := a.Target.makeServiceRequest(ctx, ServiceRequest{
		Scopes:      []string{ScopeLineItem},
		Method:      http.MethodPost,
		URI:         a.LineItems,
		Body:        &body,
		ContentType: lineItemMediaType,
		Accept:      lineItemMediaType,
	})
	if err != nil {
		return LineItem{}, fmt.Errorf("create lineitem make service request error: %w", err)
	}
	defer responseBody.Close()

	var createdLineItem LineItem
	if err := json.NewDecoder(responseBody).Decode(&createdLineItem); err != nil {
		return LineItem{}, fmt.Errorf("could not decode create lineitem response body: %w", err)
	}

	return createdLineItem, nil
}
