// Copyright (c) 2024 GradeHub. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

// Package nonpersistent implements an in-memory (non-persistent) data store. It implements all of the Storer
// interfaces, so it can be used for any and all bridge data.
package nonpersistent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gradehub/ltibridge/datastore"
)

// DefaultLoginTTL bounds the lifetime of a stored pending login.
const DefaultLoginTTL = 10 * time.Minute

// Store implements an in-memory datastore.
type Store struct {
	Registrations *sync.Map
	Deployments   *sync.Map
	AccessTokens  *sync.Map

	// LoginTTL is the pending-login lifetime. The zero value falls back on DefaultLoginTTL.
	LoginTTL time.Duration

	// now is replaceable for expiry tests.
	now func() time.Time

	mu            sync.Mutex
	pendingLogins map[string]pendingEntry
	courses       map[string]datastore.Course // keyed by local ID
	courseIndex   map[string]string           // (issuer, clientID, contextID) -> local ID
	enrollments   map[string]datastore.Enrollment
	submissions   map[string]datastore.GradeSubmission
}

type pendingEntry struct {
	login     datastore.PendingLogin
	expiresAt time.Time
}

// DefaultStore provides a single default datastore as a package variable so that other bridge functions can fall back
// on this datastore whenever the user does not explicitly specify a datastore.
var DefaultStore *Store = New()

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		Registrations: &sync.Map{},
		Deployments:   &sync.Map{},
		AccessTokens:  &sync.Map{},
		now:           time.Now,
		pendingLogins: make(map[string]pendingEntry),
		courses:       make(map[string]datastore.Course),
		courseIndex:   make(map[string]string),
		enrollments:   make(map[string]datastore.Enrollment),
		submissions:   make(map[string]datastore.GradeSubmission),
	}
}

func registrationIndex(issuer, clientID string) string {
	return issuer + "\x00" + clientID
}

func deploymentIndex(issuer, clientID, deploymentID string) string {
	return issuer + "\x00" + clientID + "\x00" + deploymentID
}

// StoreRegistration stores a Registration in-memory.
func (s *Store) StoreRegistration(reg datastore.Registration) error {
	s.Registrations.Store(registrationIndex(reg.Issuer, reg.ClientID), reg)

	return nil
}

// FindRegistrationByIssuerAndClientID looks up and returns either a Registration or the datastore error
// ErrRegistrationNotFound.
func (s *Store) FindRegistrationByIssuerAndClientID(issuer, clientID string) (datastore.Registration, error) {
	if issuer == "" {
		return datastore.Registration{}, errors.New("received empty issuer argument")
	}
	if clientID == "" {
		return datastore.Registration{}, errors.New("received empty clientID argument")
	}

	registration, ok := s.Registrations.Load(registrationIndex(issuer, clientID))
	if !ok {
		return datastore.Registration{}, datastore.ErrRegistrationNotFound
	}

	return registration.(datastore.Registration), nil
}

// StoreDeployment stores a deployment ID in-memory.
func (s *Store) StoreDeployment(issuer, clientID, deploymentID string) error {
	if issuer == "" {
		return errors.New("received empty issuer argument")
	}
	if clientID == "" {
		return errors.New("received empty clientID argument")
	}
	if err := datastore.ValidateDeploymentID(deploymentID); err != nil {
		return fmt.Errorf("received invalid deployment ID: %v", err)
	}

	s.Deployments.Store(deploymentIndex(issuer, clientID, deploymentID),
		datastore.Deployment{DeploymentID: deploymentID})

	return nil
}

// FindDeployment looks up and returns either a Deployment or the datastore error ErrDeploymentNotFound.
func (s *Store) FindDeployment(issuer, clientID, deploymentID string) (datastore.Deployment, error) {
	if issuer == "" {
		return datastore.Deployment{}, errors.New("received empty issuer argument")
	}
	if clientID == "" {
		return datastore.Deployment{}, errors.New("received empty clientID argument")
	}
	if err := datastore.ValidateDeploymentID(deploymentID); err != nil {
		return datastore.Deployment{}, fmt.Errorf("received invalid deployment ID: %v", err)
	}

	deployment, ok := s.Deployments.Load(deploymentIndex(issuer, clientID, deploymentID))
	if !ok {
		return datastore.Deployment{}, datastore.ErrDeploymentNotFound
	}

	return deployment.(datastore.Deployment), nil
}

func (s *Store) loginTTL() time.Duration {
	if s.LoginTTL > 0 {
		return s.LoginTTL
	}
	return DefaultLoginTTL
}

// StorePendingLogin stores a pending login keyed by its state value.
func (s *Store) StorePendingLogin(login datastore.PendingLogin) error {
	if login.State == "" {
		return errors.New("received empty state argument")
	}
	if login.Nonce == "" {
		return errors.New("received empty nonce argument")
	}
	if login.CreatedAt.IsZero() {
		login.CreatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingLogins[login.State] = pendingEntry{
		login:     login,
		expiresAt: login.CreatedAt.Add(s.loginTTL()),
	}

	return nil
}

// ConsumePendingLogin atomically looks up and deletes a pending login by state. Expired or already-consumed entries
// return datastore.ErrPendingLoginNotFound.
func (s *Store) ConsumePendingLogin(state string) (datastore.PendingLogin, error) {
	if state == "" {
		return datastore.PendingLogin{}, errors.New("received empty state argument")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.pendingLogins[state]
	if !ok {
		return datastore.PendingLogin{}, datastore.ErrPendingLoginNotFound
	}
	delete(s.pendingLogins, state)

	if s.now().After(entry.expiresAt) {
		return datastore.PendingLogin{}, datastore.ErrPendingLoginNotFound
	}

	return entry.login, nil
}

// EvictExpiredLogins removes pending logins whose TTL has lapsed.
func (s *Store) EvictExpiredLogins() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for state, entry := range s.pendingLogins {
		if now.After(entry.expiresAt) {
			delete(s.pendingLogins, state)
		}
	}

	return nil
}

func contextIndex(issuer, clientID, contextID string) string {
	return issuer + "\x00" + clientID + "\x00" + contextID
}

// UpsertCourse resolves or creates the course bound to the (issuer, clientID, contextID) triple. The binding is
// idempotent: repeated launches of the same triple resolve to the same local course ID. Non-empty service endpoints on
// the argument refresh the stored record.
func (s *Store) UpsertCourse(_ context.Context, course datastore.Course) (datastore.Course, error) {
	if course.Issuer == "" || course.ClientID == "" || course.ContextID == "" {
		return datastore.Course{}, errors.New("received incomplete course binding")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index := contextIndex(course.Issuer, course.ClientID, course.ContextID)
	if id, ok := s.courseIndex[index]; ok {
		existing := s.courses[id]
		if course.Title != "" {
			existing.Title = course.Title
		}
		if course.NRPSMembershipsURI != "" {
			existing.NRPSMembershipsURI = course.NRPSMembershipsURI
		}
		if course.AGSLineItemsURI != "" {
			existing.AGSLineItemsURI = course.AGSLineItemsURI
		}
		if course.AGSLineItemURI != "" {
			existing.AGSLineItemURI = course.AGSLineItemURI
		}
		if len(course.AGSScopes) != 0 {
			existing.AGSScopes = course.AGSScopes
		}
		s.courses[id] = existing
		return existing, nil
	}

	course.ID = uuid.NewString()
	course.CreatedAt = s.now()
	s.courses[course.ID] = course
	s.courseIndex[index] = course.ID

	return course, nil
}

// FindCourse retrieves a course by its local ID.
func (s *Store) FindCourse(_ context.Context, id string) (datastore.Course, error) {
	if id == "" {
		return datastore.Course{}, errors.New("received empty id argument")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	course, ok := s.courses[id]
	if !ok {
		return datastore.Course{}, datastore.ErrCourseNotFound
	}
	return course, nil
}

// FindCourseByContext retrieves the course bound to the (issuer, clientID, contextID) triple.
func (s *Store) FindCourseByContext(_ context.Context, issuer, clientID, contextID string) (datastore.Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.courseIndex[contextIndex(issuer, clientID, contextID)]
	if !ok {
		return datastore.Course{}, datastore.ErrCourseNotFound
	}
	return s.courses[id], nil
}

// ListCourses returns all bound courses.
func (s *Store) ListCourses(_ context.Context) ([]datastore.Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	courses := make([]datastore.Course, 0, len(s.courses))
	for _, course := range s.courses {
		courses = append(courses, course)
	}
	return courses, nil
}

func enrollmentIndex(courseID, userID string) string {
	return courseID + "\x00" + userID
}

func sameRoles(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// UpsertEnrollment creates or updates the (course, user) enrollment. It reports whether anything other than the sync
// timestamp changed, which lets a repeated roster reconciliation count zero writes.
func (s *Store) UpsertEnrollment(_ context.Context, enrollment datastore.Enrollment) (bool, error) {
	if enrollment.CourseID == "" {
		return false, errors.New("received empty courseID argument")
	}
	if enrollment.UserID == "" {
		return false, errors.New("received empty userID argument")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index := enrollmentIndex(enrollment.CourseID, enrollment.UserID)
	existing, ok := s.enrollments[index]
	if ok && existing.Active == enrollment.Active && sameRoles(existing.Roles, enrollment.Roles) {
		existing.LastSyncedAt = enrollment.LastSyncedAt
		s.enrollments[index] = existing
		return false, nil
	}

	s.enrollments[index] = enrollment
	return true, nil
}

// FindEnrollment retrieves the enrollment for a (course, user) pair.
func (s *Store) FindEnrollment(_ context.Context, courseID, userID string) (datastore.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	enrollment, ok := s.enrollments[enrollmentIndex(courseID, userID)]
	if !ok {
		return datastore.Enrollment{}, datastore.ErrEnrollmentNotFound
	}
	return enrollment, nil
}

// ListEnrollments returns all enrollments for a course.
func (s *Store) ListEnrollments(_ context.Context, courseID string) ([]datastore.Enrollment, error) {
	if courseID == "" {
		return nil, errors.New("received empty courseID argument")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var enrollments []datastore.Enrollment
	for _, enrollment := range s.enrollments {
		if enrollment.CourseID == courseID {
			enrollments = append(enrollments, enrollment)
		}
	}
	return enrollments, nil
}

// SetEnrollmentActive marks an enrollment active or inactive. The record is kept either way.
func (s *Store) SetEnrollmentActive(_ context.Context, courseID, userID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := enrollmentIndex(courseID, userID)
	enrollment, ok := s.enrollments[index]
	if !ok {
		return datastore.ErrEnrollmentNotFound
	}
	enrollment.Active = active
	s.enrollments[index] = enrollment

	return nil
}

func submissionIndex(courseID, userID, lineItemID string) string {
	return courseID + "\x00" + userID + "\x00" + lineItemID
}

// UpsertSubmission creates or replaces the grade submission for its (course, user, line item) key.
func (s *Store) UpsertSubmission(_ context.Context, submission datastore.GradeSubmission) error {
	if submission.CourseID == "" || submission.UserID == "" || submission.LineItemID == "" {
		return errors.New("received incomplete submission key")
	}
	if submission.UpdatedAt.IsZero() {
		submission.UpdatedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions[submissionIndex(submission.CourseID, submission.UserID, submission.LineItemID)] = submission

	return nil
}

// FindSubmission retrieves the grade submission for a (course, user, line item) key.
func (s *Store) FindSubmission(_ context.Context, courseID, userID, lineItemID string) (datastore.GradeSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	submission, ok := s.submissions[submissionIndex(courseID, userID, lineItemID)]
	if !ok {
		return datastore.GradeSubmission{}, datastore.ErrSubmissionNotFound
	}
	return submission, nil
}

// SetSubmissionStatus records a submission status transition.
func (s *Store) SetSubmissionStatus(_ context.Context, courseID, userID, lineItemID string, status datastore.SubmissionStatus, attempts int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index := submissionIndex(courseID, userID, lineItemID)
	submission, ok := s.submissions[index]
	if !ok {
		return datastore.ErrSubmissionNotFound
	}
	submission.Status = status
	submission.Attempts = attempts
	submission.Reason = reason
	submission.UpdatedAt = s.now()
	s.submissions[index] = submission

	return nil
}

// ListSubmissions returns all grade submissions for a course.
func (s *Store) ListSubmissions(_ context.Context, courseID string) ([]datastore.GradeSubmission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var submissions []datastore.GradeSubmission
	for _, submission := range s.submissions {
		if submission.CourseID == courseID {
			submissions = append(submissions, submission)
		}
	}
	return submissions, nil
}

func accessTokenIndex(tokenURI, clientID string, scopes []string) string {
	return tokenURI + clientID + strings.Join(scopes[:], "")
}

// StoreAccessToken stores bearer tokens for potential reuse.
func (s *Store) StoreAccessToken(token datastore.AccessToken) error {
	if token.TokenURI == "" {
		return errors.New("received empty tokenURI argument")
	}
	if token.ClientID == "" {
		return errors.New("received empty clientID argument")
	}
	if len(token.Scopes) == 0 {
		return errors.New("received empty scopes argument")
	}
	if token.Token == "" {
		return errors.New("received empty token argument")
	}

	s.AccessTokens.Store(accessTokenIndex(token.TokenURI, token.ClientID, token.Scopes), token)
	return nil
}

// FindAccessToken retrieves bearer tokens for potential reuse.
func (s *Store) FindAccessToken(tokenURI, clientID string, scopes []string) (datastore.AccessToken, error) {
	if tokenURI == "" {
		return datastore.AccessToken{}, errors.New("received empty tokenURI argument")
	}
	if clientID == "" {
		return datastore.AccessToken{}, errors.New("received empty clientID argument")
	}
	if len(scopes) == 0 {
		return datastore.AccessToken{}, errors.New("received empty scopes argument")
	}

	stored, ok := s.AccessTokens.Load(accessTokenIndex(tokenURI, clientID, scopes))
	if !ok {
		return datastore.AccessToken{}, datastore.ErrAccessTokenNotFound
	}

	token := stored.(datastore.AccessToken)
	if s.now().After(token.ExpiryTime) {
		return datastore.AccessToken{}, datastore.ErrAccessTokenExpired
	}

	return token, nil
}
