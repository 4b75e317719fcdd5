// Copyright (c) 2024 GradeHub. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

// Package roster reconciles platform rosters, retrieved through the Names and Role Provisioning Services, against
// local course enrollments. Syncs are independent per course and safe to run concurrently across courses; writes for
// a single course are serialized so a live launch and a concurrent sync cannot race each other's updates.
package roster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/gradehub/ltibridge/connector"
	"github.com/gradehub/ltibridge/datastore"
	"github.com/gradehub/ltibridge/keyset"
)

// ErrSyncIncomplete is the error returned when the paginated membership fetch could not be completed within the retry
// bound. No reconciliation happens on an incomplete roster.
var ErrSyncIncomplete = errors.New("roster sync incomplete")

// DefaultGrace is how long an enrollment may be absent from the remote roster before it is marked inactive. The
// source material leaves this unspecified; it is a policy knob rather than a constant so operators can tighten it.
const DefaultGrace = 24 * time.Hour

// DefaultMaxFetchAttempts bounds transient-failure retries for the membership fetch.
const DefaultMaxFetchAttempts = 3

// DefaultInitialInterval seeds the exponential backoff between fetch attempts.
const DefaultInitialInterval = 500 * time.Millisecond

// A MembershipGetter fetches a complete course membership. *connector.NRPS satisfies it; tests substitute fakes.
type MembershipGetter interface {
	GetMembership(ctx context.Context) (connector.Membership, error)
}

// Config represents the configuration used in creating a new *Engine.
type Config struct {
	Registrations datastore.RegistrationStorer
	Enrollments   datastore.EnrollmentStorer
	AccessTokens  datastore.AccessTokenStorer

	// SigningKey signs the client assertions used to obtain NRPS access tokens.
	SigningKey *keyset.SigningKey

	// NewMembershipGetter builds the NRPS client for a course. Defaults to upgrading a connector built from the
	// course's registration; tests substitute fakes.
	NewMembershipGetter func(course datastore.Course) (MembershipGetter, error)

	// Grace is the absence window before an enrollment is marked inactive. Zero falls back on DefaultGrace.
	Grace time.Duration

	// MaxFetchAttempts bounds retries of the membership fetch. Zero falls back on DefaultMaxFetchAttempts.
	MaxFetchAttempts int

	// InitialInterval seeds the backoff schedule for fetch retries. Zero falls back on DefaultInitialInterval.
	InitialInterval time.Duration

	Logger *zap.Logger
}

// Stats summarizes the writes performed by one reconciliation. A repeat run against an unchanged roster reports all
// zeroes.
type Stats struct {
	Added       int
	Updated     int
	Deactivated int
	Total       int
}

func (s Stats) writes() int {
	return s.Added + s.Updated + s.Deactivated
}

// An Engine synchronizes course rosters.
type Engine struct {
	cfg Config
	now func() time.Time

	mu          sync.Mutex
	courseLocks map[string]*sync.Mutex
}

// NewEngine creates a roster sync engine.
func NewEngine(cfg Config) *Engine {
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.MaxFetchAttempts <= 0 {
		cfg.MaxFetchAttempts = DefaultMaxFetchAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultInitialInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Engine{
		cfg:         cfg,
		now:         time.Now,
		courseLocks: make(map[string]*sync.Mutex),
	}
}

// courseLock returns the mutex serializing enrollment writes for one course.
func (e *Engine) courseLock(courseID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	lock, ok := e.courseLocks[courseID]
	if !ok {
		lock = &sync.Mutex{}
		e.courseLocks[courseID] = lock
	}
	return lock
}

// SyncRoster fetches the course's remote membership and reconciles it against local enrollments. Remote members
// missing locally are added with their remote roles; local enrollments absent from the remote roster beyond the grace
// window are marked inactive, never deleted. Reconciliation is idempotent.
func (e *Engine) SyncRoster(ctx context.Context, course datastore.Course) (Stats, error) {
	if course.NRPSMembershipsURI == "" {
		return Stats{}, &connector.ServiceNotAvailableError{Service: "nrps"}
	}

	getter, err := e.membershipGetter(course)
	if err != nil {
		return Stats{}, err
	}

	membership, err := e.fetchMembership(ctx, getter)
	if err != nil {
		return Stats{}, err
	}

	lock := e.courseLock(course.ID)
	lock.Lock()
	defer lock.Unlock()

	stats, err := e.reconcile(ctx, course, membership)
	if err != nil {
		return stats, err
	}

	e.cfg.Logger.Info("roster sync complete",
		zap.String("course_id", course.ID),
		zap.Int("members", stats.Total),
		zap.Int("added", stats.Added),
		zap.Int("updated", stats.Updated),
		zap.Int("deactivated", stats.Deactivated),
	)

	return stats, nil
}

func (e *Engine) membershipGetter(course datastore.Course) (MembershipGetter, error) {
	if e.cfg.NewMembershipGetter != nil {
		return e.cfg.NewMembershipGetter(course)
	}
	if e.cfg.Registrations == nil || e.cfg.SigningKey == nil {
		return nil, errors.New("roster engine needs a registration store and signing key")
	}

	registration, err := e.cfg.Registrations.FindRegistrationByIssuerAndClientID(course.Issuer, course.ClientID)
	if err != nil {
		return nil, fmt.Errorf("find registration error: %w", err)
	}

	target := connector.New(connector.Config{AccessTokens: e.cfg.AccessTokens}, registration, e.cfg.SigningKey)
	return target.UpgradeNRPS(course)
}

// fetchMembership retrieves the full paginated roster, retrying transient failures with exponential backoff up to
// the attempt bound. Exhausting the bound surfaces as ErrSyncIncomplete; no reconciliation happens in that case.
func (e *Engine) fetchMembership(ctx context.Context, getter MembershipGetter) (connector.Membership, error) {
	attempts := 0
	operation := func() (connector.Membership, error) {
		attempts++
		membership, err := getter.GetMembership(ctx)
		if err == nil {
			return membership, nil
		}
		if !connector.IsTransient(err) {
			return connector.Membership{}, backoff.Permanent(err)
		}

		e.cfg.Logger.Warn("membership fetch failed, retrying",
			zap.Int("attempt", attempts),
			zap.Error(err),
		)

		return connector.Membership{}, err
	}

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = e.cfg.InitialInterval

	membership, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(schedule),
		backoff.WithMaxTries(uint(e.cfg.MaxFetchAttempts)),
	)
	if err != nil {
		if connector.IsTransient(err) {
			return connector.Membership{}, fmt.Errorf("%w: %v", ErrSyncIncomplete, err)
		}
		return connector.Membership{}, fmt.Errorf("fetch membership: %w", err)
	}

	return membership, nil
}

func (e *Engine) reconcile(ctx context.Context, course datastore.Course, membership connector.Membership) (Stats, error) {
	now := e.now()
	stats := Stats{Total: len(membership.Members)}

	remote := make(map[string]connector.Member, len(membership.Members))
	for _, member := range membership.Members {
		if member.UserID == "" {
			continue
		}
		remote[member.UserID] = member
	}

	existing, err := e.cfg.Enrollments.ListEnrollments(ctx, course.ID)
	if err != nil {
		return stats, fmt.Errorf("list enrollments: %w", err)
	}
	known := make(map[string]datastore.Enrollment, len(existing))
	for _, enrollment := range existing {
		known[enrollment.UserID] = enrollment
	}

	for userID, member := range remote {
		enrollment := datastore.Enrollment{
			CourseID:     course.ID,
			UserID:       userID,
			Roles:        member.Roles,
			Active:       member.Status != "Inactive" && member.Status != "Deleted",
			LastSyncedAt: now,
		}

		changed, err := e.cfg.Enrollments.UpsertEnrollment(ctx, enrollment)
		if err != nil {
			return stats, fmt.Errorf("upsert enrollment for %s: %w", userID, err)
		}
		if changed {
			if _, ok := known[userID]; ok {
				stats.Updated++
			} else {
				stats.Added++
			}
		}
	}

	// Absent members are deactivated only after the grace window so a transient roster hiccup cannot strip a
	// course. The record itself is retained; grade history hangs off it.
	for userID, enrollment := range known {
		if _, present := remote[userID]; present {
			continue
		}
		if !enrollment.Active {
			continue
		}
		if now.Sub(enrollment.LastSyncedAt) <= e.cfg.Grace {
			continue
		}
		if err := e.cfg.Enrollments.SetEnrollmentActive(ctx, course.ID, userID, false); err != nil {
			return stats, fmt.Errorf("deactivate enrollment for %s: %w", userID, err)
		}
		stats.Deactivated++
	}

	return stats, nil
}
