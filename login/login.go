// Copyright (c) 2024 GradeHub. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

// Package login provides functions and methods for LTI's modified OpenID Connect login flow, i.e. the third-party
// initiated login that precedes a launch.
package login

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/gradehub/ltibridge/datastore"
	"github.com/gradehub/ltibridge/datastore/nonpersistent"
)

// ErrUnknownPlatform is the error returned when the initiation names an issuer/client ID pair that was never
// registered. Platforms are registered explicitly at configuration time, never auto-discovered.
var ErrUnknownPlatform = errors.New("unknown platform")

// StateCookieName is the name of the correlation cookie set alongside the authorization redirect.
const StateCookieName = "stateCookie"

// New creates a new login object. If the passed Config has zero-value store interfaces, fall back on the in-memory
// nonpersistent.DefaultStore.
func New(cfg datastore.Config) *Login {
	login := Login{
		cfg: cfg,
	}

	if login.cfg.Registrations == nil {
		login.cfg.Registrations = nonpersistent.DefaultStore
	}
	if login.cfg.PendingLogins == nil {
		login.cfg.PendingLogins = nonpersistent.DefaultStore
	}

	return &login
}

// A Login implements an http.Handler that can be easily associated with a tool URI such as /lti/login/.
type Login struct {
	cfg datastore.Config
}

// An Initiation carries the validated parameters of a third-party initiated login request.
type Initiation struct {
	Issuer         string
	ClientID       string
	LoginHint      string
	TargetLinkURI  string
	DeploymentID   string
	LTIMessageHint string
}

// A Redirect describes the authorization redirect answering an initiation: where to send the user agent and the state
// cookie that correlates the eventual launch with this browser.
type Redirect struct {
	URI    string
	State  string
	Nonce  string
	Cookie http.Cookie
}

// InitiateLogin validates that the issuer and client ID resolve to a registered platform, generates the state and
// nonce pair, records the pending login in the ledger, and returns the authorization redirect.
func (l *Login) InitiateLogin(initiation Initiation) (Redirect, error) {
	if initiation.Issuer == "" {
		return Redirect{}, errors.New("issuer not found in login request")
	}
	if initiation.LoginHint == "" {
		return Redirect{}, errors.New("login hint not found in login request")
	}
	if initiation.TargetLinkURI == "" {
		return Redirect{}, errors.New("target link uri not found in login request")
	}

	registration, err := l.cfg.Registrations.FindRegistrationByIssuerAndClientID(initiation.Issuer, initiation.ClientID)
	if err != nil {
		if errors.Is(err, datastore.ErrRegistrationNotFound) {
			return Redirect{}, ErrUnknownPlatform
		}
		return Redirect{}, fmt.Errorf("find registration error: %w", err)
	}

	state := "state-" + uuid.NewString()
	nonce := uuid.NewString()

	err = l.cfg.PendingLogins.StorePendingLogin(datastore.PendingLogin{
		State:         state,
		Nonce:         nonce,
		Issuer:        registration.Issuer,
		ClientID:      registration.ClientID,
		DeploymentID:  initiation.DeploymentID,
		TargetLinkURI: initiation.TargetLinkURI,
		CreatedAt:     time.Now(),
	})
	if err != nil {
		return Redirect{}, fmt.Errorf("store pending login error: %w", err)
	}

	// Build the auth response to the initial login request.
	values := url.Values{}
	values.Set("scope", "openid")
	values.Set("response_type", "id_token")
	values.Set("response_mode", "form_post")
	values.Set("prompt", "none")
	values.Set("client_id", registration.ClientID)
	values.Set("redirect_uri", registration.LaunchURI.String())
	values.Set("state", state)
	values.Set("nonce", nonce)
	values.Set("login_hint", initiation.LoginHint)

	// Pass back the message hint if received.
	if initiation.LTIMessageHint != "" {
		values.Set("lti_message_hint", initiation.LTIMessageHint)
	}

	redirectURI := *registration.AuthLoginURI
	redirectURI.RawQuery = values.Encode()

	return Redirect{
		URI:   redirectURI.String(),
		State: state,
		Nonce: nonce,
		Cookie: http.Cookie{
			Name:     StateCookieName,
			Value:    state,
			Path:     registration.LaunchURI.EscapedPath(),
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteNoneMode,
		},
	}, nil
}

// RedirectURI extracts the form data from the initial login request and returns an auth redirect URI and state cookie.
func (l *Login) RedirectURI(r *http.Request) (string, http.Cookie, error) {
	redirect, err := l.InitiateLogin(initiationFromRequest(r))
	if err != nil {
		return "", http.Cookie{}, err
	}

	return redirect.URI, redirect.Cookie, nil
}

// ServeHTTP makes Login an http.Handler so that it can easily be associated with a tool URI, e.g., /lti/login/. The
// state travels both in the redirect parameters and in a cookie; the launch compares the two.
func (l *Login) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	redirectURI, stateCookie, err := l.RedirectURI(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	http.SetCookie(w, &stateCookie)
	http.Redirect(w, r, redirectURI, http.StatusFound)
}

// initiationFromRequest reads the platform-posted initiation parameters from the query or form body.
func initiationFromRequest(r *http.Request) Initiation {
	return Initiation{
		Issuer:         r.FormValue("iss"),
		ClientID:       r.FormValue("client_id"),
		LoginHint:      r.FormValue("login_hint"),
		TargetLinkURI:  r.FormValue("target_link_uri"),
		DeploymentID:   r.FormValue("lti_deployment_id"),
		LTIMessageHint: r.FormValue("lti_message_hint"),
	}
}
