// Copyright (c) 2024 GradeHub. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

// Package config loads server configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every operator-tunable setting for the bridge server. All values are read once at startup.
type Config struct {
	// Addr is the listen address of the HTTP server.
	Addr string `env:"LTIBRIDGE_ADDR" envDefault:":8080"`

	// DatabasePath locates the SQLite database file. Empty selects the in-memory store.
	DatabasePath string `env:"LTIBRIDGE_DB_PATH"`

	// PlatformsPath locates a JSON file of platform registrations and deployments loaded at startup.
	PlatformsPath string `env:"LTIBRIDGE_PLATFORMS_PATH"`

	// SigningKeyPath locates the tool's PEM-encoded RSA private key. Empty generates an ephemeral key.
	SigningKeyPath string `env:"LTIBRIDGE_SIGNING_KEY_PATH"`

	// SigningKeyID is the kid advertised for the tool's signing key.
	SigningKeyID string `env:"LTIBRIDGE_SIGNING_KEY_ID" envDefault:"ltibridge-1"`

	// LoginTTL bounds how long an initiated login may wait for its launch.
	LoginTTL time.Duration `env:"LTIBRIDGE_LOGIN_TTL" envDefault:"10m"`

	// KeysetTTL bounds how long fetched platform keysets are served from cache.
	KeysetTTL time.Duration `env:"LTIBRIDGE_KEYSET_TTL" envDefault:"10m"`

	// RosterSyncInterval is the period of the background roster sync. Zero disables it.
	RosterSyncInterval time.Duration `env:"LTIBRIDGE_ROSTER_SYNC_INTERVAL" envDefault:"15m"`

	// RosterGrace is how long a member may be absent from roster responses before deactivation.
	RosterGrace time.Duration `env:"LTIBRIDGE_ROSTER_GRACE" envDefault:"24h"`

	// GradeMaxAttempts bounds delivery attempts for a single score submission.
	GradeMaxAttempts uint `env:"LTIBRIDGE_GRADE_MAX_ATTEMPTS" envDefault:"5"`

	// ShutdownTimeout bounds graceful shutdown of the HTTP server.
	ShutdownTimeout time.Duration `env:"LTIBRIDGE_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// LogDevelopment switches the logger to a human-readable development encoder.
	LogDevelopment bool `env:"LTIBRIDGE_LOG_DEVELOPMENT"`
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	return cfg, nil
}
