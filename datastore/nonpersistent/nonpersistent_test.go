// Copyright (c) 2024 GradeHub. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

package nonpersistent

import (
	"context"
	"net/url"
	"reflect"
	"testing"
	"time"

	"github.com/gradehub/ltibridge/datastore"
)

func TestNew(t *testing.T) {
	actual := New()
	if actual == nil {
		t.Fatal("got nil, want non-nil")
	}
}

func TestStoreAndFindRegistrationByIssuerAndClientID(t *testing.T) {
	issuer := "https://test-issuer"
	clientID := "abcdef123456"
	authTokenURI, _ := url.Parse("https://domain.tld/token")
	authLoginURI, _ := url.Parse("https://domain.tld/auth")
	keysetURI, _ := url.Parse("https://domain.tld/keyset")
	launchURI, _ := url.Parse("https://tool.tld/launch")

	registration := datastore.Registration{
		Issuer:       issuer,
		ClientID:     clientID,
		AuthTokenURI: authTokenURI,
		AuthLoginURI: authLoginURI,
		KeysetURI:    keysetURI,
		LaunchURI:    launchURI,
	}

	npStore := New()

	err := npStore.StoreRegistration(registration)
	if err != nil {
		t.Fatalf("store registration error: %v", err)
	}

	_, err = npStore.FindRegistrationByIssuerAndClientID("", clientID)
	if err == nil {
		t.Error("error not reported for empty issuer")
	}

	_, err = npStore.FindRegistrationByIssuerAndClientID(issuer, "")
	if err == nil {
		t.Error("error not reported for empty client ID")
	}

	_, err = npStore.FindRegistrationByIssuerAndClientID("unknown"+issuer, clientID)
	if err != datastore.ErrRegistrationNotFound {
		t.Error("unexpected error value for nonexistent issuer")
	}

	actual, err := npStore.FindRegistrationByIssuerAndClientID(issuer, clientID)
	if err != nil {
		t.Fatalf("find registration error: %v", err)
	}

	if actual != registration {
		t.Fatal("found registration does not match stored registration")
	}
}

func TestStoreAndFindDeployment(t *testing.T) {
	issuer := "test-issuer"
	clientID := "abcdef123456"
	deploymentID := "1"
	expected := datastore.Deployment{DeploymentID: deploymentID}

	npStore := New()

	err := npStore.StoreDeployment("", clientID, deploymentID)
	if err == nil {
		t.Error("error not reported for empty issuer")
	}

	err = npStore.StoreDeployment(issuer, clientID, "")
	if err == nil {
		t.Error("error not reported for empty deployment ID")
	}

	err = npStore.StoreDeployment(issuer, clientID, deploymentID)
	if err != nil {
		t.Fatalf("store deployment error: %v", err)
	}

	actual, err := npStore.FindDeployment(issuer, clientID, deploymentID)
	if err != nil {
		t.Fatalf("find deployment error: %v", err)
	}
	if !reflect.DeepEqual(expected, actual) {
		t.Fatal("found deployment does not match stored deployment")
	}

	_, err = npStore.FindDeployment(issuer, clientID, "unknown"+deploymentID)
	if err != datastore.ErrDeploymentNotFound {
		t.Error("unexpected error value for nonexistent deployment")
	}
}

func TestStoreAndConsumePendingLogin(t *testing.T) {
	login := datastore.PendingLogin{
		State:         "state-1234",
		Nonce:         "nonce-5678",
		Issuer:        "https://test-issuer",
		ClientID:      "abcdef123456",
		DeploymentID:  "1",
		TargetLinkURI: "https://tool.tld/launch",
	}

	npStore := New()

	err := npStore.StorePendingLogin(datastore.PendingLogin{Nonce: login.Nonce})
	if err == nil {
		t.Error("error not reported for empty state")
	}

	err = npStore.StorePendingLogin(datastore.PendingLogin{State: login.State})
	if err == nil {
		t.Error("error not reported for empty nonce")
	}

	err = npStore.StorePendingLogin(login)
	if err != nil {
		t.Fatalf("store pending login error: %v", err)
	}

	actual, err := npStore.ConsumePendingLogin(login.State)
	if err != nil {
		t.Fatalf("consume pending login error: %v", err)
	}
	if actual.Nonce != login.Nonce {
		t.Error("consumed login does not match stored login")
	}

	// A state value must not be consumable twice.
	_, err = npStore.ConsumePendingLogin(login.State)
	if err != datastore.ErrPendingLoginNotFound {
		t.Fatal("error not reported for already-consumed state")
	}

	_, err = npStore.ConsumePendingLogin("unknown" + login.State)
	if err != datastore.ErrPendingLoginNotFound {
		t.Error("unexpected error value for nonexistent state")
	}
}

func TestConsumeExpiredPendingLogin(t *testing.T) {
	npStore := New()

	current := time.Now()
	npStore.now = func() time.Time { return current }

	login := datastore.PendingLogin{State: "state-1234", Nonce: "nonce-5678"}
	if err := npStore.StorePendingLogin(login); err != nil {
		t.Fatalf("store pending login error: %v", err)
	}

	current = current.Add(DefaultLoginTTL + time.Second)

	_, err := npStore.ConsumePendingLogin(login.State)
	if err != datastore.ErrPendingLoginNotFound {
		t.Fatal("error not reported for expired login")
	}
}

func TestEvictExpiredLogins(t *testing.T) {
	npStore := New()

	current := time.Now()
	npStore.now = func() time.Time { return current }

	expired := datastore.PendingLogin{State: "state-old", Nonce: "nonce-old"}
	if err := npStore.StorePendingLogin(expired); err != nil {
		t.Fatalf("store pending login error: %v", err)
	}

	current = current.Add(DefaultLoginTTL / 2)
	fresh := datastore.PendingLogin{State: "state-new", Nonce: "nonce-new"}
	if err := npStore.StorePendingLogin(fresh); err != nil {
		t.Fatalf("store pending login error: %v", err)
	}

	current = current.Add(DefaultLoginTTL/2 + time.Second)
	if err := npStore.EvictExpiredLogins(); err != nil {
		t.Fatalf("evict error: %v", err)
	}

	if _, err := npStore.ConsumePendingLogin(expired.State); err != datastore.ErrPendingLoginNotFound {
		t.Error("expired login survived eviction")
	}
	if _, err := npStore.ConsumePendingLogin(fresh.State); err != nil {
		t.Errorf("fresh login evicted: %v", err)
	}
}

func TestUpsertCourseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	npStore := New()

	course := datastore.Course{
		Issuer:    "https://test-issuer",
		ClientID:  "abcdef123456",
		ContextID: "course-453",
		Title:     "Data Structures",
	}

	_, err := npStore.UpsertCourse(ctx, datastore.Course{Issuer: course.Issuer})
	if err == nil {
		t.Error("error not reported for incomplete course binding")
	}

	first, err := npStore.UpsertCourse(ctx, course)
	if err != nil {
		t.Fatalf("upsert course error: %v", err)
	}
	if first.ID == "" {
		t.Fatal("upserted course has no local ID")
	}

	second, err := npStore.UpsertCourse(ctx, course)
	if err != nil {
		t.Fatalf("upsert course error: %v", err)
	}
	if second.ID != first.ID {
		t.Fatal("repeated upsert of the same context resolved to a different course")
	}

	found, err := npStore.FindCourseByContext(ctx, course.Issuer, course.ClientID, course.ContextID)
	if err != nil {
		t.Fatalf("find course by context error: %v", err)
	}
	if found.ID != first.ID {
		t.Fatal("found course does not match upserted course")
	}
}

func TestUpsertCourseRefreshesEndpoints(t *testing.T) {
	ctx := context.Background()
	npStore := New()

	course := datastore.Course{
		Issuer:             "https://test-issuer",
		ClientID:           "abcdef123456",
		ContextID:          "course-453",
		NRPSMembershipsURI: "https://platform.tld/memberships",
	}

	first, err := npStore.UpsertCourse(ctx, course)
	if err != nil {
		t.Fatalf("upsert course error: %v", err)
	}

	// A later launch without service claims must not erase the recorded endpoint.
	course.NRPSMembershipsURI = ""
	course.AGSLineItemURI = "https://platform.tld/lineitem"
	second, err := npStore.UpsertCourse(ctx, course)
	if err != nil {
		t.Fatalf("upsert course error: %v", err)
	}

	if second.ID != first.ID {
		t.Fatal("repeated upsert resolved to a different course")
	}
	if second.NRPSMembershipsURI != "https://platform.tld/memberships" {
		t.Error("recorded NRPS endpoint was erased")
	}
	if second.AGSLineItemURI != "https://platform.tld/lineitem" {
		t.Error("new AGS endpoint was not recorded")
	}
}

func TestUpsertEnrollmentReportsChanges(t *testing.T) {
	ctx := context.Background()
	npStore := New()

	enrollment := datastore.Enrollment{
		CourseID:     "course-1",
		UserID:       "user-1",
		Roles:        []string{"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner"},
		Active:       true,
		LastSyncedAt: time.Now(),
	}

	changed, err := npStore.UpsertEnrollment(ctx, enrollment)
	if err != nil {
		t.Fatalf("upsert enrollment error: %v", err)
	}
	if !changed {
		t.Fatal("first upsert not reported as a change")
	}

	// The same membership with a fresher timestamp is not a change.
	enrollment.LastSyncedAt = enrollment.LastSyncedAt.Add(time.Hour)
	changed, err = npStore.UpsertEnrollment(ctx, enrollment)
	if err != nil {
		t.Fatalf("upsert enrollment error: %v", err)
	}
	if changed {
		t.Fatal("timestamp-only upsert reported as a change")
	}

	found, err := npStore.FindEnrollment(ctx, enrollment.CourseID, enrollment.UserID)
	if err != nil {
		t.Fatalf("find enrollment error: %v", err)
	}
	if !found.LastSyncedAt.Equal(enrollment.LastSyncedAt) {
		t.Error("timestamp-only upsert did not refresh the sync timestamp")
	}

	enrollment.Roles = []string{"http://purl.imsglobal.org/vocab/lis/v2/membership#Instructor"}
	changed, err = npStore.UpsertEnrollment(ctx, enrollment)
	if err != nil {
		t.Fatalf("upsert enrollment error: %v", err)
	}
	if !changed {
		t.Fatal("role change not reported as a change")
	}
}

func TestSetEnrollmentActiveKeepsRecord(t *testing.T) {
	ctx := context.Background()
	npStore := New()

	err := npStore.SetEnrollmentActive(ctx, "course-1", "user-1", false)
	if err != datastore.ErrEnrollmentNotFound {
		t.Error("unexpected error value for nonexistent enrollment")
	}

	enrollment := datastore.Enrollment{CourseID: "course-1", UserID: "user-1", Active: true}
	if _, err := npStore.UpsertEnrollment(ctx, enrollment); err != nil {
		t.Fatalf("upsert enrollment error: %v", err)
	}

	if err := npStore.SetEnrollmentActive(ctx, "course-1", "user-1", false); err != nil {
		t.Fatalf("set enrollment active error: %v", err)
	}

	found, err := npStore.FindEnrollment(ctx, "course-1", "user-1")
	if err != nil {
		t.Fatal("deactivated enrollment was deleted")
	}
	if found.Active {
		t.Error("enrollment still active after deactivation")
	}
}

func TestSubmissionLifecycle(t *testing.T) {
	ctx := context.Background()
	npStore := New()

	submission := datastore.GradeSubmission{
		CourseID:     "course-1",
		UserID:       "user-1",
		LineItemID:   "https://platform.tld/lineitem/7",
		ScoreGiven:   8,
		ScoreMaximum: 10,
		Status:       datastore.SubmissionPending,
	}

	err := npStore.UpsertSubmission(ctx, datastore.GradeSubmission{CourseID: submission.CourseID})
	if err == nil {
		t.Error("error not reported for incomplete submission key")
	}

	if err := npStore.UpsertSubmission(ctx, submission); err != nil {
		t.Fatalf("upsert submission error: %v", err)
	}

	err = npStore.SetSubmissionStatus(ctx, submission.CourseID, submission.UserID, submission.LineItemID,
		datastore.SubmissionAccepted, 2, "")
	if err != nil {
		t.Fatalf("set submission status error: %v", err)
	}

	found, err := npStore.FindSubmission(ctx, submission.CourseID, submission.UserID, submission.LineItemID)
	if err != nil {
		t.Fatalf("find submission error: %v", err)
	}
	if found.Status != datastore.SubmissionAccepted {
		t.Error("submission status transition not recorded")
	}
	if found.Attempts != 2 {
		t.Error("submission attempts not recorded")
	}

	err = npStore.SetSubmissionStatus(ctx, submission.CourseID, "unknown-user", submission.LineItemID,
		datastore.SubmissionAccepted, 1, "")
	if err != datastore.ErrSubmissionNotFound {
		t.Error("unexpected error value for nonexistent submission")
	}
}

func TestStoreAndFindAccessToken(t *testing.T) {
	testToken := datastore.AccessToken{
		TokenURI:   "https://domain.tld/token",
		ClientID:   "abcdef123456",
		Scopes:     []string{"https://scope/1.readonly", "https://scope/2.delete"},
		Token:      "123456789abcdef",
		ExpiryTime: time.Now().Add(-time.Minute * 30),
	}
	npStore := New()

	testToken.TokenURI = ""
	if err := npStore.StoreAccessToken(testToken); err == nil {
		t.Error("error not reported for empty tokenURI")
	}
	testToken.TokenURI = "https://domain.tld/token"

	testToken.ClientID = ""
	if err := npStore.StoreAccessToken(testToken); err == nil {
		t.Error("error not reported for empty clientID")
	}
	testToken.ClientID = "abcdef123456"

	testToken.Scopes = []string{}
	if err := npStore.StoreAccessToken(testToken); err == nil {
		t.Error("error not reported for empty scopes")
	}
	testToken.Scopes = []string{"https://scope/1.readonly", "https://scope/2.delete"}

	testToken.Token = ""
	if err := npStore.StoreAccessToken(testToken); err == nil {
		t.Error("error not reported for empty token string")
	}
	testToken.Token = "123456789abcdef"

	if err := npStore.StoreAccessToken(testToken); err != nil {
		t.Fatal("access token storage failed")
	}

	_, err := npStore.FindAccessToken(testToken.TokenURI, "nonexistent", testToken.Scopes)
	if err != datastore.ErrAccessTokenNotFound {
		t.Error("unexpected error value for nonexistent token")
	}

	_, err = npStore.FindAccessToken(testToken.TokenURI, testToken.ClientID, testToken.Scopes)
	if err != datastore.ErrAccessTokenExpired {
		t.Fatal("error not reported for expired token")
	}

	testToken.ExpiryTime = time.Now().Add(time.Minute * 30).Round(0)
	if err := npStore.StoreAccessToken(testToken); err != nil {
		t.Fatal("could not store token for find test")
	}
	actual, err := npStore.FindAccessToken(testToken.TokenURI, testToken.ClientID, testToken.Scopes)
	if err != nil {
		t.Fatalf("unexpected error reported: %v", err)
	}
	if !reflect.DeepEqual(testToken, actual) {
		t.Fatal("found token does not match test token")
	}
}
