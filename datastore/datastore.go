// Copyright (c) 2024 GradeHub. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

// Package datastore implements the interfaces and types for all the different storers used by the LTI bridge.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Config holds the stores required by the bridge packages. New package functions will accept the zero value of this
// struct, and in the case of the zero value, the resulting process will use nonpersistent storage.
type Config struct {
	Registrations RegistrationStorer
	PendingLogins PendingLoginStorer
	Courses       CourseStorer
	Enrollments   EnrollmentStorer
	Submissions   GradeSubmissionStorer
	AccessTokens  AccessTokenStorer
}

// A Registration is the details of a link between a Platform and the tool. There can be multiple deployments per
// registration. Each Registration is uniquely identified by the issuer and client ID pair.
type Registration struct {
	Issuer       string
	ClientID     string
	AuthTokenURI *url.URL
	AuthLoginURI *url.URL
	KeysetURI    *url.URL
	LaunchURI    *url.URL
}

// A Deployment contains the details that identify the platform-tool integration for a message.
// Source: http://www.imsglobal.org/spec/lti/v1p3/#lti-deployment-id-claim.
type Deployment struct {
	DeploymentID string
}

// A PendingLogin is the single-use anti-replay record created at OIDC initiation and consumed exactly once at launch
// validation. Entries expire after a short TTL so abandoned logins cannot accumulate or be replayed.
type PendingLogin struct {
	State         string
	Nonce         string
	Issuer        string
	ClientID      string
	DeploymentID  string
	TargetLinkURI string
	CreatedAt     time.Time
}

// A Course binds a local course record to exactly one (issuer, client ID, platform context) triple. Re-launching the
// same triple resolves to the same Course.
type Course struct {
	ID           string
	Issuer       string
	ClientID     string
	ContextID    string
	DeploymentID string
	Title        string

	// Service endpoints recorded from the most recent launch, used by the
	// background roster and grade engines. Empty when the platform did not
	// advertise the service.
	NRPSMembershipsURI string
	AGSLineItemsURI    string
	AGSLineItemURI     string
	AGSScopes          []string

	CreatedAt time.Time
}

// An Enrollment is a (course, user) membership with roles sourced from the launch roles claim or roster sync.
type Enrollment struct {
	CourseID     string
	UserID       string
	Roles        []string
	Active       bool
	LastSyncedAt time.Time
}

// SubmissionStatus is the lifecycle state of a GradeSubmission.
type SubmissionStatus string

// GradeSubmission lifecycle states.
const (
	SubmissionPending  SubmissionStatus = "pending"
	SubmissionRetrying SubmissionStatus = "retrying"
	SubmissionAccepted SubmissionStatus = "accepted"
	SubmissionRejected SubmissionStatus = "rejected"
)

// A GradeSubmission is the audit record for a score sent to the platform's Assignment and Grade Services. It is
// created by the grading collaborator's result and mutated only by the grade passback engine. A resubmission for the
// same (course, user, line item) supersedes the prior record.
type GradeSubmission struct {
	CourseID     string
	UserID       string
	LineItemID   string
	ScoreGiven   float64
	ScoreMaximum float64
	Status       SubmissionStatus
	Attempts     int
	Reason       string
	UpdatedAt    time.Time
}

// An AccessToken is the scoped bearer token used for direct communication between the platform and tool.
type AccessToken struct {
	TokenURI   string    `json:"tokenURI"`
	ClientID   string    `json:"clientID"`
	Scopes     []string  `json:"scopes"`
	Token      string    `json:"token"`
	ExpiryTime time.Time `json:"expiryTime"`
}

var maximumDeploymentIDLength = 255

// ValidateDeploymentID validates a deployment ID.
func ValidateDeploymentID(deploymentID string) error {
	if len(deploymentID) == 0 {
		return errors.New("empty deployment ID")
	}
	if len(deploymentID) > maximumDeploymentIDLength {
		return fmt.Errorf("exceeds maximum length (%d)", maximumDeploymentIDLength)
	}

	return nil
}

var (
	// ErrRegistrationNotFound is the error returned when a registration cannot be found.
	ErrRegistrationNotFound = errors.New("registration not found")

	// ErrDeploymentNotFound is the error returned when an issuer/clientID/deploymentID cannot be found.
	ErrDeploymentNotFound = errors.New("deployment not found")
)

// A RegistrationStorer manages the storage and retrieval of platform registrations & deployments.
type RegistrationStorer interface {
	// StoreRegistration stores a registration for later retrieval.
	StoreRegistration(Registration) error

	// FindRegistrationByIssuerAndClientID retrieves a previously-stored registration using the `issuer' and
	// `clientID' fields. If the registration cannot be found, it returns ErrRegistrationNotFound.
	FindRegistrationByIssuerAndClientID(issuer, clientID string) (Registration, error)

	// StoreDeployment stores a deployment for later retrieval.
	StoreDeployment(issuer, clientID, deploymentID string) error

	// FindDeployment retrieves a previously-stored deployment. Its primary purpose is to validate the deployment
	// ID claimed in a launch. If the deployment cannot be found, it returns ErrDeploymentNotFound.
	FindDeployment(issuer, clientID, deploymentID string) (Deployment, error)
}

// ErrPendingLoginNotFound is the error returned when a pending login is absent, expired, or already consumed.
var ErrPendingLoginNotFound = errors.New("pending login not found")

// A PendingLoginStorer manages the anti-replay ledger for OIDC state and nonce values.
type PendingLoginStorer interface {
	// StorePendingLogin stores a pending login keyed by its state value.
	StorePendingLogin(PendingLogin) error

	// ConsumePendingLogin atomically retrieves and deletes a pending login by its state value. A second call with
	// the same state, or a call for an expired entry, returns ErrPendingLoginNotFound. The check-and-delete must
	// be atomic so two concurrent requests cannot both succeed on one state.
	ConsumePendingLogin(state string) (PendingLogin, error)

	// EvictExpiredLogins removes entries whose TTL has lapsed, regardless of consumption.
	EvictExpiredLogins() error
}

// ErrCourseNotFound is the error returned when a course cannot be found.
var ErrCourseNotFound = errors.New("course not found")

// A CourseStorer manages the idempotent binding between platform contexts and local courses.
type CourseStorer interface {
	// UpsertCourse resolves the course bound to the (issuer, clientID, contextID) triple, creating it on first
	// use. The returned course carries the local ID; service endpoints are refreshed from the argument when they
	// are non-empty.
	UpsertCourse(ctx context.Context, course Course) (Course, error)

	// FindCourse retrieves a course by its local ID. If the course cannot be found, it returns ErrCourseNotFound.
	FindCourse(ctx context.Context, id string) (Course, error)

	// FindCourseByContext retrieves the course bound to the (issuer, clientID, contextID) triple. If the course
	// cannot be found, it returns ErrCourseNotFound.
	FindCourseByContext(ctx context.Context, issuer, clientID, contextID string) (Course, error)

	// ListCourses returns all bound courses.
	ListCourses(ctx context.Context) ([]Course, error)
}

// ErrEnrollmentNotFound is the error returned when an enrollment cannot be found.
var ErrEnrollmentNotFound = errors.New("enrollment not found")

// An EnrollmentStorer manages (course, user) memberships. Implementations must enforce uniqueness per pair.
type EnrollmentStorer interface {
	// UpsertEnrollment creates or updates the enrollment for its (course, user) pair. It reports whether a write
	// occurred; storing an enrollment identical but for the sync timestamp is a no-op so that reconciliation
	// stays idempotent.
	UpsertEnrollment(ctx context.Context, enrollment Enrollment) (changed bool, err error)

	// FindEnrollment retrieves the enrollment for a (course, user) pair. If the enrollment cannot be found, it
	// returns ErrEnrollmentNotFound.
	FindEnrollment(ctx context.Context, courseID, userID string) (Enrollment, error)

	// ListEnrollments returns all enrollments for a course, active and inactive.
	ListEnrollments(ctx context.Context, courseID string) ([]Enrollment, error)

	// SetEnrollmentActive marks an enrollment active or inactive. Inactive enrollments are never deleted; grade
	// history must survive roster churn.
	SetEnrollmentActive(ctx context.Context, courseID, userID string, active bool) error
}

// ErrSubmissionNotFound is the error returned when a grade submission cannot be found.
var ErrSubmissionNotFound = errors.New("grade submission not found")

// A GradeSubmissionStorer manages the grade passback audit log. Submissions are unique per (course, user, line item);
// resubmission supersedes the prior record.
type GradeSubmissionStorer interface {
	// UpsertSubmission creates or replaces the submission for its (course, user, line item) key.
	UpsertSubmission(ctx context.Context, submission GradeSubmission) error

	// FindSubmission retrieves the submission for a (course, user, line item) key. If it cannot be found, it
	// returns ErrSubmissionNotFound.
	FindSubmission(ctx context.Context, courseID, userID, lineItemID string) (GradeSubmission, error)

	// SetSubmissionStatus records a status transition, the attempt count, and the reason for terminal failures.
	SetSubmissionStatus(ctx context.Context, courseID, userID, lineItemID string, status SubmissionStatus, attempts int, reason string) error

	// ListSubmissions returns all submissions for a course.
	ListSubmissions(ctx context.Context, courseID string) ([]GradeSubmission, error)
}

var (
	// ErrAccessTokenNotFound is the error returned when an access token cannot be found.
	ErrAccessTokenNotFound = errors.New("access token not found")

	// ErrAccessTokenExpired is the error returned when an access token has expired.
	ErrAccessTokenExpired = errors.New("access token has expired")
)

// An AccessTokenStorer manages the storage and retrieval of scoped platform access tokens for reuse until expiry.
type AccessTokenStorer interface {
	// StoreAccessToken stores an access token.
	StoreAccessToken(token AccessToken) error

	// FindAccessToken retrieves a previously-stored, unexpired access token. If the access token cannot be found,
	// it returns ErrAccessTokenNotFound; if it has expired, ErrAccessTokenExpired.
	FindAccessToken(tokenURI, clientID string, scopes []string) (AccessToken, error)
}
