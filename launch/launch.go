// Copyright (c) 2024 GradeHub. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

// Package launch validates LTI 1.3 resource-link and deep-linking launches: it consumes the single-use pending login,
// verifies the id_token against the platform's keyset, binds the platform context to a local course, and enrolls the
// launching user.
package launch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gradehub/ltibridge/datastore"
	"github.com/gradehub/ltibridge/datastore/nonpersistent"
	"github.com/gradehub/ltibridge/login"
)

// LaunchContextKey is the request-context key type under which a validated launch is stored.
type LaunchContextKey string

// DefaultLaunchContextKey is the request-context key under which the *Result of a validated launch is stored.
const DefaultLaunchContextKey = LaunchContextKey("LaunchContext")

// Config represents the configuration used in creating a new *Launch. New will accept zero-value store interfaces,
// and in that case the resulting Launch will use nonpersistent storage.
type Config struct {
	Registrations datastore.RegistrationStorer
	PendingLogins datastore.PendingLoginStorer
	Courses       datastore.CourseStorer
	Enrollments   datastore.EnrollmentStorer

	// Validator must be set; it carries the key resolver.
	Validator *Validator

	// OnError, if set, receives every rejected launch with its specific reason. The HTTP response itself stays
	// generic so claim contents never leak to the user agent.
	OnError func(r *http.Request, err error)
}

// A Result is the outcome of a successful launch: the resolved launch context and the bound course and enrollment.
type Result struct {
	LaunchContext *LaunchContext
	Course        datastore.Course
	Enrollment    datastore.Enrollment
}

// A Launch implements an http.Handler for the tool's launch URI. On success it stores the *Result in the request
// context and transfers control to the next handler, i.e. the session handoff to the grading environment.
type Launch struct {
	cfg  Config
	next http.HandlerFunc
}

// New creates a *Launch. The Validator must be supplied; stores fall back on nonpersistent.DefaultStore.
func New(cfg Config, next http.HandlerFunc) *Launch {
	launch := Launch{
		cfg:  cfg,
		next: next,
	}

	if launch.cfg.Registrations == nil {
		launch.cfg.Registrations = nonpersistent.DefaultStore
	}
	if launch.cfg.PendingLogins == nil {
		launch.cfg.PendingLogins = nonpersistent.DefaultStore
	}
	if launch.cfg.Courses == nil {
		launch.cfg.Courses = nonpersistent.DefaultStore
	}
	if launch.cfg.Enrollments == nil {
		launch.cfg.Enrollments = nonpersistent.DefaultStore
	}

	return &launch
}

// HandleLaunch validates a launch. The pending login for the state is consumed exactly once, before any token work,
// so a failed validation still burns the state. On success, the platform context is idempotently bound to a course
// and the launching user's enrollment is created or its role set refreshed.
func (l *Launch) HandleLaunch(ctx context.Context, rawIDToken []byte, state string) (*Result, error) {
	pending, err := l.cfg.PendingLogins.ConsumePendingLogin(state)
	if err != nil {
		if errors.Is(err, datastore.ErrPendingLoginNotFound) {
			return nil, ErrReplayOrExpired
		}
		return nil, fmt.Errorf("consume pending login error: %w", err)
	}

	registration, err := l.cfg.Registrations.FindRegistrationByIssuerAndClientID(pending.Issuer, pending.ClientID)
	if err != nil {
		return nil, fmt.Errorf("find registration error: %w", err)
	}

	launchContext, err := l.cfg.Validator.Validate(ctx, rawIDToken, registration, pending.Nonce)
	if err != nil {
		return nil, err
	}

	result := Result{LaunchContext: launchContext}
	if launchContext.ContextID == "" {
		return &result, nil
	}

	course := datastore.Course{
		Issuer:       launchContext.Issuer,
		ClientID:     launchContext.ClientID,
		ContextID:    launchContext.ContextID,
		DeploymentID: launchContext.DeploymentID,
		Title:        launchContext.ContextTitle,
	}
	if launchContext.NRPS != nil {
		course.NRPSMembershipsURI = launchContext.NRPS.MembershipsURI
	}
	if launchContext.AGS != nil {
		course.AGSLineItemURI = launchContext.AGS.LineItem
		course.AGSLineItemsURI = launchContext.AGS.LineItems
		course.AGSScopes = launchContext.AGS.Scopes
	}

	result.Course, err = l.cfg.Courses.UpsertCourse(ctx, course)
	if err != nil {
		return nil, fmt.Errorf("bind course error: %w", err)
	}

	enrollment := datastore.Enrollment{
		CourseID:     result.Course.ID,
		UserID:       launchContext.Subject,
		Roles:        launchContext.Roles,
		Active:       true,
		LastSyncedAt: time.Now(),
	}
	if _, err := l.cfg.Enrollments.UpsertEnrollment(ctx, enrollment); err != nil {
		return nil, fmt.Errorf("upsert enrollment error: %w", err)
	}
	result.Enrollment = enrollment

	return &result, nil
}

// ServeHTTP makes Launch an http.Handler for the tool's launch URI. It compares the state cookie set at login with
// the posted state, validates the launch, and on success invokes the next handler with the *Result in the request
// context. Failures produce a generic response; specific reasons go to OnError only.
func (l *Launch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		l.reject(w, r, fmt.Errorf("parse launch form: %w", err))
		return
	}

	state := r.PostFormValue("state")
	rawIDToken := r.PostFormValue("id_token")
	if state == "" || rawIDToken == "" {
		l.reject(w, r, errors.New("launch request missing state or id_token"))
		return
	}

	// The state cookie set at login must match the posted state when the browser returned it. Some agents drop
	// third-party cookies entirely; the single-use ledger below still protects those launches.
	if cookie, err := r.Cookie(login.StateCookieName); err == nil && cookie.Value != state {
		l.reject(w, r, fmt.Errorf("%w: state cookie mismatch", ErrReplayOrExpired))
		return
	}

	result, err := l.HandleLaunch(r.Context(), []byte(rawIDToken), state)
	if err != nil {
		l.reject(w, r, err)
		return
	}

	ctx := context.WithValue(r.Context(), DefaultLaunchContextKey, result)
	l.next(w, r.WithContext(ctx))
}

func (l *Launch) reject(w http.ResponseWriter, r *http.Request, err error) {
	if l.cfg.OnError != nil {
		l.cfg.OnError(r, err)
	}
	http.Error(w, "launch could not be validated", http.StatusUnauthorized)
}

// ResultFromContext retrieves the launch result stored by ServeHTTP for the next handler.
func ResultFromContext(ctx context.Context) (*Result, bool) {
	result, ok := ctx.Value(DefaultLaunchContextKey).(*Result)
	return result, ok
}
