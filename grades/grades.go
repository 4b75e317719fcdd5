// Copyright (c) 2024 GradeHub. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

// Package grades submits scores to the platform's Assignment and Grade Services. Each submission is tracked in the
// grade audit log through a pending/retrying/accepted/rejected lifecycle; transient platform failures are retried
// with bounded exponential backoff, permanent ones are not.
package grades

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/gradehub/ltibridge/connector"
	"github.com/gradehub/ltibridge/datastore"
	"github.com/gradehub/ltibridge/keyset"
)

// DefaultMaxAttempts is the attempt ceiling for one submission, first try included.
const DefaultMaxAttempts = 5

// DefaultInitialInterval seeds the exponential backoff between attempts.
const DefaultInitialInterval = 500 * time.Millisecond

// A ScorePoster posts one score to a platform line item. *connector.AGS satisfies it; tests substitute fakes.
type ScorePoster interface {
	PutScore(ctx context.Context, lineItemURI string, score connector.Score) error
}

// A LineItemResolver lists and creates gradebook columns. *connector.AGS satisfies it; posters that do not are
// limited to submissions naming a line item directly.
type LineItemResolver interface {
	GetLineItems(ctx context.Context) ([]connector.LineItem, error)
	CreateLineItem(ctx context.Context, lineItem connector.LineItem) (connector.LineItem, error)
}

// Config represents the configuration used in creating a new *Engine.
type Config struct {
	Registrations datastore.RegistrationStorer
	Submissions   datastore.GradeSubmissionStorer
	AccessTokens  datastore.AccessTokenStorer

	// SigningKey signs the client assertions used to obtain AGS access tokens.
	SigningKey *keyset.SigningKey

	// NewScorePoster builds the AGS client for a course. Defaults to upgrading a connector built from the
	// course's registration; tests substitute fakes.
	NewScorePoster func(course datastore.Course) (ScorePoster, error)

	// MaxAttempts bounds retries per submission. Zero falls back on DefaultMaxAttempts.
	MaxAttempts uint

	// InitialInterval seeds the backoff schedule. Zero falls back on DefaultInitialInterval.
	InitialInterval time.Duration

	Logger *zap.Logger
}

// A Request carries one score from the grading collaborator to the platform.
type Request struct {
	Course     datastore.Course
	UserID     string
	LineItemID string

	// LineItemLabel selects a gradebook column by label when no line item URI is known. A column with that label
	// is created in the course's line item container if none exists.
	LineItemLabel string

	ScoreGiven   float64
	ScoreMaximum float64
	Comment      string

	// ActivityProgress and GradingProgress default to Completed/FullyGraded. They are part of the authoritative
	// current-state payload and are sent on every attempt, retries included.
	ActivityProgress string
	GradingProgress  string
}

// An Engine performs grade passback.
type Engine struct {
	cfg Config
	now func() time.Time
}

// NewEngine creates a grade passback engine.
func NewEngine(cfg Config) *Engine {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = DefaultInitialInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Engine{
		cfg: cfg,
		now: time.Now,
	}
}

// SubmitScore records the submission and sends the authoritative current score to the platform. The submission record
// for the (course, user, line item) key is superseded by each call; the platform upserts grades by user, so no
// duplicate platform-side entries result from resubmission. Transient failures move the record to retrying and are
// retried with exponential backoff up to the attempt ceiling; any other failure is terminal and moves it to rejected.
func (e *Engine) SubmitScore(ctx context.Context, request Request) (datastore.GradeSubmission, error) {
	if request.Course.AGSLineItemsURI == "" && request.Course.AGSLineItemURI == "" {
		return datastore.GradeSubmission{}, &connector.ServiceNotAvailableError{Service: "ags"}
	}
	if request.UserID == "" {
		return datastore.GradeSubmission{}, errors.New("received empty userID argument")
	}

	poster, err := e.scorePoster(request.Course)
	if err != nil {
		return datastore.GradeSubmission{}, fmt.Errorf("build score poster: %w", err)
	}

	if request.LineItemID == "" {
		request.LineItemID = request.Course.AGSLineItemURI
	}
	if request.LineItemID == "" && request.LineItemLabel != "" {
		request.LineItemID, err = e.resolveLineItem(ctx, poster, request)
		if err != nil {
			return datastore.GradeSubmission{}, fmt.Errorf("resolve line item: %w", err)
		}
	}
	if request.LineItemID == "" {
		return datastore.GradeSubmission{}, errors.New("no line item for submission")
	}

	submission := datastore.GradeSubmission{
		CourseID:     request.Course.ID,
		UserID:       request.UserID,
		LineItemID:   request.LineItemID,
		ScoreGiven:   request.ScoreGiven,
		ScoreMaximum: request.ScoreMaximum,
		Status:       datastore.SubmissionPending,
		UpdatedAt:    e.now(),
	}
	if err := e.cfg.Submissions.UpsertSubmission(ctx, submission); err != nil {
		return datastore.GradeSubmission{}, fmt.Errorf("record submission: %w", err)
	}

	score := e.buildScore(request)

	attempts := 0
	operation := func() (bool, error) {
		attempts++
		err := poster.PutScore(ctx, request.LineItemID, score)
		if err == nil {
			return true, nil
		}
		if !connector.IsTransient(err) {
			return false, backoff.Permanent(err)
		}

		// Mark the audit record so an operator can see the submission is mid-retry.
		if statusErr := e.cfg.Submissions.SetSubmissionStatus(ctx, submission.CourseID, submission.UserID,
			submission.LineItemID, datastore.SubmissionRetrying, attempts, err.Error()); statusErr != nil {
			return false, backoff.Permanent(fmt.Errorf("record retry state: %w", statusErr))
		}
		e.cfg.Logger.Warn("score submission failed, retrying",
			zap.String("course_id", submission.CourseID),
			zap.String("user_id", submission.UserID),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)

		return false, err
	}

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = e.cfg.InitialInterval

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(schedule),
		backoff.WithMaxTries(e.cfg.MaxAttempts),
	)

	return e.finish(ctx, submission, attempts, err)
}

// finish records the terminal status and returns the final submission record.
func (e *Engine) finish(ctx context.Context, submission datastore.GradeSubmission, attempts int, err error) (datastore.GradeSubmission, error) {
	status := datastore.SubmissionAccepted
	reason := ""
	if err != nil {
		status = datastore.SubmissionRejected
		reason = err.Error()
	}

	if statusErr := e.cfg.Submissions.SetSubmissionStatus(ctx, submission.CourseID, submission.UserID,
		submission.LineItemID, status, attempts, reason); statusErr != nil {
		if err == nil {
			err = fmt.Errorf("record submission status: %w", statusErr)
		} else {
			// The rejection itself is already being reported; the audit record may now be missing its
			// terminal status, which an operator needs to know.
			e.cfg.Logger.Error("could not record terminal submission status",
				zap.String("course_id", submission.CourseID),
				zap.String("user_id", submission.UserID),
				zap.String("line_item", submission.LineItemID),
				zap.String("status", string(status)),
				zap.Error(statusErr),
			)
		}
	}

	submission.Status = status
	submission.Attempts = attempts
	submission.Reason = reason
	submission.UpdatedAt = e.now()

	if err != nil {
		e.cfg.Logger.Error("score submission rejected",
			zap.String("course_id", submission.CourseID),
			zap.String("user_id", submission.UserID),
			zap.String("line_item", submission.LineItemID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return submission, err
	}

	e.cfg.Logger.Info("score submission accepted",
		zap.String("course_id", submission.CourseID),
		zap.String("user_id", submission.UserID),
		zap.String("line_item", submission.LineItemID),
		zap.Int("attempts", attempts),
	)

	return submission, nil
}

// resolveLineItem finds the gradebook column labelled request.LineItemLabel, creating it if the platform has none.
func (e *Engine) resolveLineItem(ctx context.Context, poster ScorePoster, request Request) (string, error) {
	resolver, ok := poster.(LineItemResolver)
	if !ok {
		return "", errors.New("score poster cannot resolve line items")
	}

	lineItems, err := resolver.GetLineItems(ctx)
	if err != nil {
		return "", fmt.Errorf("get lineitems error: %w", err)
	}
	for _, lineItem := range lineItems {
		if lineItem.Label == request.LineItemLabel {
			return lineItem.ID, nil
		}
	}

	created, err := resolver.CreateLineItem(ctx, connector.LineItem{
		Label:        request.LineItemLabel,
		ScoreMaximum: request.ScoreMaximum,
	})
	if err != nil {
		return "", fmt.Errorf("create lineitem error: %w", err)
	}

	e.cfg.Logger.Info("created line item",
		zap.String("course_id", request.Course.ID),
		zap.String("label", request.LineItemLabel),
		zap.String("line_item", created.ID),
	)

	return created.ID, nil
}

func (e *Engine) buildScore(request Request) connector.Score {
	activityProgress := request.ActivityProgress
	if activityProgress == "" {
		activityProgress = connector.ActivityCompleted
	}
	gradingProgress := request.GradingProgress
	if gradingProgress == "" {
		gradingProgress = connector.GradingFullyGraded
	}

	return connector.Score{
		Timestamp:        e.now().UTC().Format(time.RFC3339Nano),
		ScoreGiven:       request.ScoreGiven,
		ScoreMaximum:     request.ScoreMaximum,
		Comment:          request.Comment,
		ActivityProgress: activityProgress,
		GradingProgress:  gradingProgress,
		UserID:           request.UserID,
	}
}

func (e *Engine) scorePoster(course datastore.Course) (ScorePoster, error) {
	if e.cfg.NewScorePoster != nil {
		return e.cfg.NewScorePoster(course)
	}
	if e.cfg.Registrations == nil || e.cfg.SigningKey == nil {
		return nil, errors.New("grade engine needs a registration store and signing key")
	}

	registration, err := e.cfg.Registrations.FindRegistrationByIssuerAndClientID(course.Issuer, course.ClientID)
	if err != nil {
		return nil, fmt.Errorf("find registration error: %w", err)
	}

	target := connector.New(connector.Config{AccessTokens: e.cfg.AccessTokens}, registration, e.cfg.SigningKey)
	return target.UpgradeAGS(course)
}
