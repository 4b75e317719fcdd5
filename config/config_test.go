// Copyright (c) 2024 GradeHub. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gradehub/ltibridge/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Addr)
	require.Empty(t, cfg.DatabasePath)
	require.Equal(t, "ltibridge-1", cfg.SigningKeyID)
	require.Equal(t, 10*time.Minute, cfg.LoginTTL)
	require.Equal(t, 10*time.Minute, cfg.KeysetTTL)
	require.Equal(t, 15*time.Minute, cfg.RosterSyncInterval)
	require.Equal(t, 24*time.Hour, cfg.RosterGrace)
	require.Equal(t, uint(5), cfg.GradeMaxAttempts)
	require.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	require.False(t, cfg.LogDevelopment)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("LTIBRIDGE_ADDR", ":9090")
	t.Setenv("LTIBRIDGE_DB_PATH", "/var/lib/ltibridge/bridge.db")
	t.Setenv("LTIBRIDGE_LOGIN_TTL", "3m")
	t.Setenv("LTIBRIDGE_ROSTER_SYNC_INTERVAL", "0")
	t.Setenv("LTIBRIDGE_GRADE_MAX_ATTEMPTS", "2")
	t.Setenv("LTIBRIDGE_LOG_DEVELOPMENT", "true")

	cfg, err := config.Load()
	require.NoError(t, err)

	require.Equal(t, ":9090", cfg.Addr)
	require.Equal(t, "/var/lib/ltibridge/bridge.db", cfg.DatabasePath)
	require.Equal(t, 3*time.Minute, cfg.LoginTTL)
	require.Zero(t, cfg.RosterSyncInterval)
	require.Equal(t, uint(2), cfg.GradeMaxAttempts)
	require.True(t, cfg.LogDevelopment)
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("LTIBRIDGE_LOGIN_TTL", "soon")

	_, err := config.Load()
	require.Error(t, err)
}
