// Copyright (c) 2024 GradeHub. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

package sql

import (
	"context"
	"database/sql"
	"net/url"
	"reflect"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gradehub/ltibridge/datastore"
)

// newStoreForTesting opens an in-memory database restricted to a single connection, so every statement sees the same
// memory-backed file.
func newStoreForTesting(t *testing.T) *Store {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("cannot open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := New(db)
	if err != nil {
		t.Fatalf("cannot create store: %v", err)
	}

	return store
}

func mustParse(t *testing.T, rawurl string) *url.URL {
	url, err := url.Parse(rawurl)
	if err != nil {
		t.Fatalf("cannot parse %s: %v", rawurl, err)
	}

	return url
}

func newRegistrationForTesting(t *testing.T) datastore.Registration {
	return datastore.Registration{
		Issuer:       "https://platform.tld",
		ClientID:     "abcdef123456",
		AuthTokenURI: mustParse(t, "https://platform.tld/token"),
		AuthLoginURI: mustParse(t, "https://platform.tld/auth"),
		KeysetURI:    mustParse(t, "https://platform.tld/keyset"),
		LaunchURI:    mustParse(t, "https://tool.tld/launch"),
	}
}

func TestStoreAndFindRegistration(t *testing.T) {
	store := newStoreForTesting(t)
	registration := newRegistrationForTesting(t)

	if err := store.StoreRegistration(registration); err != nil {
		t.Fatalf("cannot store registration: %v", err)
	}

	// Re-registering the same issuer and client ID replaces the row.
	registration.KeysetURI = mustParse(t, "https://platform.tld/keyset2")
	if err := store.StoreRegistration(registration); err != nil {
		t.Fatalf("cannot replace registration: %v", err)
	}

	found, err := store.FindRegistrationByIssuerAndClientID(registration.Issuer, registration.ClientID)
	if err != nil {
		t.Fatalf("cannot find registration: %v", err)
	}
	if !reflect.DeepEqual(registration, found) {
		t.Fatalf("got %#v, wanted %#v", found, registration)
	}

	_, err = store.FindRegistrationByIssuerAndClientID(registration.Issuer, "unknown")
	if err != datastore.ErrRegistrationNotFound {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStoreAndFindDeployment(t *testing.T) {
	store := newStoreForTesting(t)

	if err := store.StoreDeployment("a", "b", "1"); err != nil {
		t.Fatalf("cannot store deployment: %v", err)
	}

	if err := store.StoreDeployment("", "b", "1"); err == nil {
		t.Error("issuer not validated")
	}
	if err := store.StoreDeployment("a", "b", ""); err == nil {
		t.Error("deployment ID not validated")
	}

	deployment, err := store.FindDeployment("a", "b", "1")
	if err != nil {
		t.Fatalf("cannot find deployment: %v", err)
	}
	if deployment.DeploymentID != "1" {
		t.Fatalf("got %#v, wanted %#v", deployment.DeploymentID, "1")
	}

	if _, err := store.FindDeployment("a", "b", "unknown"); err != datastore.ErrDeploymentNotFound {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestConsumePendingLoginIsSingleUse(t *testing.T) {
	store := newStoreForTesting(t)

	login := datastore.PendingLogin{
		State:         "state-1234",
		Nonce:         "nonce-5678",
		Issuer:        "https://platform.tld",
		ClientID:      "abcdef123456",
		TargetLinkURI: "https://tool.tld/launch",
	}
	if err := store.StorePendingLogin(login); err != nil {
		t.Fatalf("cannot store pending login: %v", err)
	}

	consumed, err := store.ConsumePendingLogin(login.State)
	if err != nil {
		t.Fatalf("cannot consume pending login: %v", err)
	}
	if consumed.Nonce != login.Nonce {
		t.Fatal("consumed login does not match stored login")
	}

	if _, err := store.ConsumePendingLogin(login.State); err != datastore.ErrPendingLoginNotFound {
		t.Fatal("state was consumable twice")
	}
}

func TestPendingLoginExpiry(t *testing.T) {
	store := newStoreForTesting(t)

	current := time.Now()
	store.now = func() time.Time { return current }

	if err := store.StorePendingLogin(datastore.PendingLogin{State: "state-old", Nonce: "nonce-old"}); err != nil {
		t.Fatalf("cannot store pending login: %v", err)
	}

	current = current.Add(DefaultLoginTTL + time.Second)

	if _, err := store.ConsumePendingLogin("state-old"); err != datastore.ErrPendingLoginNotFound {
		t.Fatal("expired login was consumable")
	}

	if err := store.StorePendingLogin(datastore.PendingLogin{State: "state-new", Nonce: "nonce-new"}); err != nil {
		t.Fatalf("cannot store pending login: %v", err)
	}
	current = current.Add(DefaultLoginTTL + time.Second)
	if err := store.EvictExpiredLogins(); err != nil {
		t.Fatalf("cannot evict logins: %v", err)
	}
	if _, err := store.ConsumePendingLogin("state-new"); err != datastore.ErrPendingLoginNotFound {
		t.Fatal("expired login survived eviction")
	}
}

func TestUpsertCourseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newStoreForTesting(t)

	course := datastore.Course{
		Issuer:          "https://platform.tld",
		ClientID:        "abcdef123456",
		ContextID:       "course-453",
		DeploymentID:    "1",
		Title:           "Data Structures",
		AGSLineItemsURI: "https://platform.tld/lineitems",
		AGSScopes:       []string{"https://purl.imsglobal.org/spec/lti-ags/scope/score"},
	}

	first, err := store.UpsertCourse(ctx, course)
	if err != nil {
		t.Fatalf("cannot upsert course: %v", err)
	}
	if first.ID == "" {
		t.Fatal("upserted course has no local ID")
	}

	// The second launch of the same context must resolve to the same course and keep recorded endpoints that the
	// new launch omits.
	course.AGSLineItemsURI = ""
	course.NRPSMembershipsURI = "https://platform.tld/memberships"
	second, err := store.UpsertCourse(ctx, course)
	if err != nil {
		t.Fatalf("cannot upsert course: %v", err)
	}
	if second.ID != first.ID {
		t.Fatal("repeated upsert resolved to a different course")
	}
	if second.AGSLineItemsURI != "https://platform.tld/lineitems" {
		t.Error("recorded AGS endpoint was erased")
	}
	if second.NRPSMembershipsURI != "https://platform.tld/memberships" {
		t.Error("new NRPS endpoint was not recorded")
	}

	found, err := store.FindCourse(ctx, first.ID)
	if err != nil {
		t.Fatalf("cannot find course: %v", err)
	}
	if !reflect.DeepEqual(found.AGSScopes, course.AGSScopes) {
		t.Error("AGS scopes not round-tripped")
	}

	byContext, err := store.FindCourseByContext(ctx, course.Issuer, course.ClientID, course.ContextID)
	if err != nil {
		t.Fatalf("cannot find course by context: %v", err)
	}
	if byContext.ID != first.ID {
		t.Fatal("context lookup resolved to a different course")
	}

	courses, err := store.ListCourses(ctx)
	if err != nil {
		t.Fatalf("cannot list courses: %v", err)
	}
	if len(courses) != 1 {
		t.Fatalf("got %d courses, wanted 1", len(courses))
	}
}

func TestEnrollmentLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newStoreForTesting(t)

	enrollment := datastore.Enrollment{
		CourseID:     "course-1",
		UserID:       "user-1",
		Roles:        []string{"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner"},
		Active:       true,
		LastSyncedAt: time.Now(),
	}

	changed, err := store.UpsertEnrollment(ctx, enrollment)
	if err != nil {
		t.Fatalf("cannot upsert enrollment: %v", err)
	}
	if !changed {
		t.Fatal("first upsert not reported as a change")
	}

	enrollment.LastSyncedAt = enrollment.LastSyncedAt.Add(time.Hour)
	changed, err = store.UpsertEnrollment(ctx, enrollment)
	if err != nil {
		t.Fatalf("cannot upsert enrollment: %v", err)
	}
	if changed {
		t.Fatal("timestamp-only upsert reported as a change")
	}

	enrollment.Roles = append(enrollment.Roles, "http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor")
	changed, err = store.UpsertEnrollment(ctx, enrollment)
	if err != nil {
		t.Fatalf("cannot upsert enrollment: %v", err)
	}
	if !changed {
		t.Fatal("role change not reported as a change")
	}

	if err := store.SetEnrollmentActive(ctx, "course-1", "user-1", false); err != nil {
		t.Fatalf("cannot deactivate enrollment: %v", err)
	}
	found, err := store.FindEnrollment(ctx, "course-1", "user-1")
	if err != nil {
		t.Fatal("deactivated enrollment was deleted")
	}
	if found.Active {
		t.Error("enrollment still active after deactivation")
	}

	if err := store.SetEnrollmentActive(ctx, "course-1", "unknown", false); err != datastore.ErrEnrollmentNotFound {
		t.Fatalf("unexpected error: %v", err)
	}

	enrollments, err := store.ListEnrollments(ctx, "course-1")
	if err != nil {
		t.Fatalf("cannot list enrollments: %v", err)
	}
	if len(enrollments) != 1 {
		t.Fatalf("got %d enrollments, wanted 1", len(enrollments))
	}
}

func TestSubmissionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newStoreForTesting(t)

	submission := datastore.GradeSubmission{
		CourseID:     "course-1",
		UserID:       "user-1",
		LineItemID:   "https://platform.tld/lineitem/7",
		ScoreGiven:   8,
		ScoreMaximum: 10,
		Status:       datastore.SubmissionPending,
	}
	if err := store.UpsertSubmission(ctx, submission); err != nil {
		t.Fatalf("cannot upsert submission: %v", err)
	}

	err := store.SetSubmissionStatus(ctx, submission.CourseID, submission.UserID, submission.LineItemID,
		datastore.SubmissionRejected, 1, "platform returned status 400")
	if err != nil {
		t.Fatalf("cannot set submission status: %v", err)
	}

	found, err := store.FindSubmission(ctx, submission.CourseID, submission.UserID, submission.LineItemID)
	if err != nil {
		t.Fatalf("cannot find submission: %v", err)
	}
	if found.Status != datastore.SubmissionRejected {
		t.Error("status transition not recorded")
	}
	if found.Reason == "" {
		t.Error("rejection reason not recorded")
	}

	// A resubmission for the same key replaces the terminal record.
	submission.ScoreGiven = 10
	submission.Status = datastore.SubmissionPending
	if err := store.UpsertSubmission(ctx, submission); err != nil {
		t.Fatalf("cannot upsert submission: %v", err)
	}
	found, err = store.FindSubmission(ctx, submission.CourseID, submission.UserID, submission.LineItemID)
	if err != nil {
		t.Fatalf("cannot find submission: %v", err)
	}
	if found.Status != datastore.SubmissionPending || found.ScoreGiven != 10 {
		t.Error("resubmission did not replace the record")
	}

	submissions, err := store.ListSubmissions(ctx, "course-1")
	if err != nil {
		t.Fatalf("cannot list submissions: %v", err)
	}
	if len(submissions) != 1 {
		t.Fatalf("got %d submissions, wanted 1", len(submissions))
	}
}

func TestAccessTokenRoundTrip(t *testing.T) {
	store := newStoreForTesting(t)

	token := datastore.AccessToken{
		TokenURI:   "https://platform.tld/token",
		ClientID:   "abcdef123456",
		Scopes:     []string{"https://scope/1.readonly"},
		Token:      "123456789abcdef",
		ExpiryTime: time.Now().Add(30 * time.Minute),
	}
	if err := store.StoreAccessToken(token); err != nil {
		t.Fatalf("cannot store access token: %v", err)
	}

	found, err := store.FindAccessToken(token.TokenURI, token.ClientID, token.Scopes)
	if err != nil {
		t.Fatalf("cannot find access token: %v", err)
	}
	if found.Token != token.Token {
		t.Fatal("found token does not match stored token")
	}

	if _, err := store.FindAccessToken(token.TokenURI, "unknown", token.Scopes); err != datastore.ErrAccessTokenNotFound {
		t.Fatalf("unexpected error: %v", err)
	}

	token.ExpiryTime = time.Now().Add(-time.Minute)
	if err := store.StoreAccessToken(token); err != nil {
		t.Fatalf("cannot store access token: %v", err)
	}
	if _, err := store.FindAccessToken(token.TokenURI, token.ClientID, token.Scopes); err != datastore.ErrAccessTokenExpired {
		t.Fatal("error not reported for expired token")
	}
}
