// Copyright (c) 2024 GradeHub. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

// Package ltibridge connects an LTI 1.3 platform to a notebook grading
// environment. It provides types and methods to support the OpenID
// Connect flow, the tool launch, roster synchronization via the
// platform's ``Names and Role Provisioning Services,'' and grade
// passback via its ``Assignment and Grade Services.''
package ltibridge

import (
	"net/http"

	"github.com/gradehub/ltibridge/datastore"
	"github.com/gradehub/ltibridge/grades"
	"github.com/gradehub/ltibridge/launch"
	"github.com/gradehub/ltibridge/login"
	"github.com/gradehub/ltibridge/roster"
)

func NewLogin(cfg datastore.Config) *login.Login {
	return login.New(cfg)
}

func NewLaunchConfig() launch.Config {
	return launch.Config{}
}

func NewLaunch(cfg launch.Config, next http.HandlerFunc) *launch.Launch {
	return launch.New(cfg, next)
}

func NewRosterConfig() roster.Config {
	return roster.Config{}
}

func NewRosterEngine(cfg roster.Config) *roster.Engine {
	return roster.NewEngine(cfg)
}

func NewGradeConfig() grades.Config {
	return grades.Config{}
}

func NewGradeEngine(cfg grades.Config) *grades.Engine {
	return grades.NewEngine(cfg)
}

func GetLaunchContextKey() launch.LaunchContextKey {
	return launch.LaunchContextKey(launch.DefaultLaunchContextKey)
}
