// Copyright (c) 2024 GradeHub. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

// Package sql implements a persistent data store on database/sql. It implements all of the Storer interfaces. The
// schema is created on demand. The statements target SQLite (INSERT OR REPLACE upserts); porting to another engine
// means revisiting the upsert statements.
package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gradehub/ltibridge/datastore"
)

// DefaultLoginTTL bounds the lifetime of a stored pending login.
const DefaultLoginTTL = 10 * time.Minute

// Store implements a persistent datastore.
type Store struct {
	db *sql.DB

	// LoginTTL is the pending-login lifetime. The zero value falls back on DefaultLoginTTL.
	LoginTTL time.Duration

	now func() time.Time
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS registrations (
		issuer TEXT NOT NULL,
		client_id TEXT NOT NULL,
		auth_token_uri TEXT NOT NULL,
		auth_login_uri TEXT NOT NULL,
		keyset_uri TEXT NOT NULL,
		launch_uri TEXT NOT NULL,
		PRIMARY KEY (issuer, client_id)
	)`,
	`CREATE TABLE IF NOT EXISTS deployments (
		issuer TEXT NOT NULL,
		client_id TEXT NOT NULL,
		deployment_id TEXT NOT NULL,
		PRIMARY KEY (issuer, client_id, deployment_id)
	)`,
	`CREATE TABLE IF NOT EXISTS pending_logins (
		state TEXT NOT NULL PRIMARY KEY,
		nonce TEXT NOT NULL,
		issuer TEXT NOT NULL,
		client_id TEXT NOT NULL,
		deployment_id TEXT NOT NULL,
		target_link_uri TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS courses (
		id TEXT NOT NULL PRIMARY KEY,
		issuer TEXT NOT NULL,
		client_id TEXT NOT NULL,
		context_id TEXT NOT NULL,
		deployment_id TEXT NOT NULL,
		title TEXT NOT NULL,
		nrps_memberships_uri TEXT NOT NULL,
		ags_lineitems_uri TEXT NOT NULL,
		ags_lineitem_uri TEXT NOT NULL,
		ags_scopes TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (issuer, client_id, context_id)
	)`,
	`CREATE TABLE IF NOT EXISTS enrollments (
		course_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		roles TEXT NOT NULL,
		active INTEGER NOT NULL,
		last_synced_at INTEGER NOT NULL,
		PRIMARY KEY (course_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS grade_submissions (
		course_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		line_item_id TEXT NOT NULL,
		score_given REAL NOT NULL,
		score_maximum REAL NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		reason TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (course_id, user_id, line_item_id)
	)`,
	`CREATE TABLE IF NOT EXISTS access_tokens (
		token_uri TEXT NOT NULL,
		client_id TEXT NOT NULL,
		scopes TEXT NOT NULL,
		token TEXT NOT NULL,
		expiry_time INTEGER NOT NULL,
		PRIMARY KEY (token_uri, client_id, scopes)
	)`,
}

// New creates a Store on the supplied database and ensures the schema exists.
func New(db *sql.DB) (*Store, error) {
	for _, statement := range schema {
		if _, err := db.Exec(statement); err != nil {
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) loginTTL() time.Duration {
	if s.LoginTTL > 0 {
		return s.LoginTTL
	}
	return DefaultLoginTTL
}

func parseURI(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	return url.Parse(raw)
}

// StoreRegistration stores a Registration, replacing any prior row for the issuer and client ID.
func (s *Store) StoreRegistration(reg datastore.Registration) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO registrations
		(issuer, client_id, auth_token_uri, auth_login_uri, keyset_uri, launch_uri)
		VALUES (?, ?, ?, ?, ?, ?)`,
		reg.Issuer, reg.ClientID, reg.AuthTokenURI.String(), reg.AuthLoginURI.String(),
		reg.KeysetURI.String(), reg.LaunchURI.String())
	if err != nil {
		return fmt.Errorf("store registration: %w", err)
	}

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

	row := s.db.QueryRow(`SELECT auth_token_uri, auth_login_uri, keyset_uri, launch_uri
		FROM registrations WHERE issuer = ? AND client_id = ?`, issuer, clientID)

	var authTokenURI, authLoginURI, keysetURI, launchURI string
	if err := row.Scan(&authTokenURI, &authLoginURI, &keysetURI, &launchURI); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return datastore.Registration{}, datastore.ErrRegistrationNotFound
		}
		return datastore.Registration{}, fmt.Errorf("find registration: %w", err)
	}

	reg := datastore.Registration{Issuer: issuer, ClientID: clientID}
	var err error
	if reg.AuthTokenURI, err = parseURI(authTokenURI); err != nil {
		return datastore.Registration{}, fmt.Errorf("parse auth token uri: %w", err)
	}
	if reg.AuthLoginURI, err = parseURI(authLoginURI); err != nil {
		return datastore.Registration{}, fmt.Errorf("parse auth login uri: %w", err)
	}
	if reg.KeysetURI, err = parseURI(keysetURI); err != nil {
		return datastore.Registration{}, fmt.Errorf("parse keyset uri: %w", err)
	}
	if reg.LaunchURI, err = parseURI(launchURI); err != nil {
		return datastore.Registration{}, fmt.Errorf("parse launch uri: %w", err)
	}

	return reg, nil
}

// StoreDeployment stores a deployment ID.
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

	_, err := s.db.Exec(`INSERT OR REPLACE INTO deployments (issuer, client_id, deployment_id) VALUES (?, ?, ?)`,
		issuer, clientID, deploymentID)
	if err != nil {
		return fmt.Errorf("store deployment: %w", err)
	}

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

	row := s.db.QueryRow(`SELECT deployment_id FROM deployments
		WHERE issuer = ? AND client_id = ? AND deployment_id = ?`, issuer, clientID, deploymentID)

	var found string
	if err := row.Scan(&found); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return datastore.Deployment{}, datastore.ErrDeploymentNotFound
		}
		return datastore.Deployment{}, fmt.Errorf("find deployment: %w", err)
	}

	return datastore.Deployment{DeploymentID: found}, nil
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

	_, err := s.db.Exec(`INSERT OR REPLACE INTO pending_logins
		(state, nonce, issuer, client_id, deployment_id, target_link_uri, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		login.State, login.Nonce, login.Issuer, login.ClientID, login.DeploymentID,
		login.TargetLinkURI, login.CreatedAt.UnixNano(), login.CreatedAt.Add(s.loginTTL()).UnixNano())
	if err != nil {
		return fmt.Errorf("store pending login: %w", err)
	}

	return nil
}

// ConsumePendingLogin atomically looks up and deletes a pending login by state. The delete's affected-row count
// decides the winner when two launches race on one state.
func (s *Store) ConsumePendingLogin(state string) (datastore.PendingLogin, error) {
	if state == "" {
		return datastore.PendingLogin{}, errors.New("received empty state argument")
	}

	row := s.db.QueryRow(`SELECT nonce, issuer, client_id, deployment_id, target_link_uri, created_at, expires_at
		FROM pending_logins WHERE state = ?`, state)

	login := datastore.PendingLogin{State: state}
	var createdAt, expiresAt int64
	if err := row.Scan(&login.Nonce, &login.Issuer, &login.ClientID, &login.DeploymentID,
		&login.TargetLinkURI, &createdAt, &expiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return datastore.PendingLogin{}, datastore.ErrPendingLoginNotFound
		}
		return datastore.PendingLogin{}, fmt.Errorf("find pending login: %w", err)
	}
	login.CreatedAt = time.Unix(0, createdAt)

	result, err := s.db.Exec(`DELETE FROM pending_logins WHERE state = ?`, state)
	if err != nil {
		return datastore.PendingLogin{}, fmt.Errorf("consume pending login: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return datastore.PendingLogin{}, fmt.Errorf("consume pending login: %w", err)
	}
	if affected == 0 {
		// A concurrent launch consumed the state first.
		return datastore.PendingLogin{}, datastore.ErrPendingLoginNotFound
	}

	if s.now().UnixNano() > expiresAt {
		return datastore.PendingLogin{}, datastore.ErrPendingLoginNotFound
	}

	return login, nil
}

// EvictExpiredLogins removes pending logins whose TTL has lapsed.
func (s *Store) EvictExpiredLogins() error {
	_, err := s.db.Exec(`DELETE FROM pending_logins WHERE expires_at < ?`, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("evict pending logins: %w", err)
	}

	return nil
}

func joinList(values []string) string {
	return strings.Join(values, " ")
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	return strings.Fields(value)
}

// UpsertCourse resolves or creates the course bound to the (issuer, clientID, contextID) triple within a transaction,
// so concurrent first launches of the same context resolve to a single course row.
func (s *Store) UpsertCourse(ctx context.Context, course datastore.Course) (datastore.Course, error) {
	if course.Issuer == "" || course.ClientID == "" || course.ContextID == "" {
		return datastore.Course{}, errors.New("received incomplete course binding")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return datastore.Course{}, fmt.Errorf("begin upsert course: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT id, deployment_id, title, nrps_memberships_uri, ags_lineitems_uri,
		ags_lineitem_uri, ags_scopes, created_at FROM courses
		WHERE issuer = ? AND client_id = ? AND context_id = ?`,
		course.Issuer, course.ClientID, course.ContextID)

	existing := datastore.Course{
		Issuer:    course.Issuer,
		ClientID:  course.ClientID,
		ContextID: course.ContextID,
	}
	var scopes string
	var createdAt int64
	err = row.Scan(&existing.ID, &existing.DeploymentID, &existing.Title, &existing.NRPSMembershipsURI,
		&existing.AGSLineItemsURI, &existing.AGSLineItemURI, &scopes, &createdAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		course.ID = uuid.NewString()
		course.CreatedAt = s.now()
		_, err = tx.ExecContext(ctx, `INSERT INTO courses
			(id, issuer, client_id, context_id, deployment_id, title, nrps_memberships_uri,
			 ags_lineitems_uri, ags_lineitem_uri, ags_scopes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			course.ID, course.Issuer, course.ClientID, course.ContextID, course.DeploymentID,
			course.Title, course.NRPSMembershipsURI, course.AGSLineItemsURI, course.AGSLineItemURI,
			joinList(course.AGSScopes), course.CreatedAt.UnixNano())
		if err != nil {
			return datastore.Course{}, fmt.Errorf("insert course: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return datastore.Course{}, fmt.Errorf("commit course: %w", err)
		}
		return course, nil

	case err != nil:
		return datastore.Course{}, fmt.Errorf("find course: %w", err)
	}

	existing.AGSScopes = splitList(scopes)
	existing.CreatedAt = time.Unix(0, createdAt)
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

	_, err = tx.ExecContext(ctx, `UPDATE courses SET title = ?, nrps_memberships_uri = ?, ags_lineitems_uri = ?,
		ags_lineitem_uri = ?, ags_scopes = ? WHERE id = ?`,
		existing.Title, existing.NRPSMembershipsURI, existing.AGSLineItemsURI, existing.AGSLineItemURI,
		joinList(existing.AGSScopes), existing.ID)
	if err != nil {
		return datastore.Course{}, fmt.Errorf("update course: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return datastore.Course{}, fmt.Errorf("commit course: %w", err)
	}

	return existing, nil
}

func scanCourse(row *sql.Row) (datastore.Course, error) {
	var course datastore.Course
	var scopes string
	var createdAt int64
	err := row.Scan(&course.ID, &course.Issuer, &course.ClientID, &course.ContextID, &course.DeploymentID,
		&course.Title, &course.NRPSMembershipsURI, &course.AGSLineItemsURI, &course.AGSLineItemURI,
		&scopes, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return datastore.Course{}, datastore.ErrCourseNotFound
		}
		return datastore.Course{}, fmt.Errorf("find course: %w", err)
	}
	course.AGSScopes = splitList(scopes)
	course.CreatedAt = time.Unix(0, createdAt)

	return course, nil
}

const courseColumns = `id, issuer, client_id, context_id, deployment_id, title, nrps_memberships_uri,
	ags_lineitems_uri, ags_lineitem_uri, ags_scopes, created_at`

// FindCourse retrieves a course by its local ID.
func (s *Store) FindCourse(ctx context.Context, id string) (datastore.Course, error) {
	if id == "" {
		return datastore.Course{}, errors.New("received empty id argument")
	}

	return scanCourse(s.db.QueryRowContext(ctx, `SELECT `+courseColumns+` FROM courses WHERE id = ?`, id))
}

// FindCourseByContext retrieves the course bound to the (issuer, clientID, contextID) triple.
func (s *Store) FindCourseByContext(ctx context.Context, issuer, clientID, contextID string) (datastore.Course, error) {
	return scanCourse(s.db.QueryRowContext(ctx, `SELECT `+courseColumns+` FROM courses
		WHERE issuer = ? AND client_id = ? AND context_id = ?`, issuer, clientID, contextID))
}

// ListCourses returns all bound courses.
func (s *Store) ListCourses(ctx context.Context) ([]datastore.Course, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+courseColumns+` FROM courses`)
	if err != nil {
		return nil, fmt.Errorf("list courses: %w", err)
	}
	defer rows.Close()

	var courses []datastore.Course
	for rows.Next() {
		var course datastore.Course
		var scopes string
		var createdAt int64
		err := rows.Scan(&course.ID, &course.Issuer, &course.ClientID, &course.ContextID, &course.DeploymentID,
			&course.Title, &course.NRPSMembershipsURI, &course.AGSLineItemsURI, &course.AGSLineItemURI,
			&scopes, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scan course: %w", err)
		}
		course.AGSScopes = splitList(scopes)
		course.CreatedAt = time.Unix(0, createdAt)
		courses = append(courses, course)
	}

	return courses, rows.Err()
}

// UpsertEnrollment creates or updates the (course, user) enrollment. A write identical but for the sync timestamp
// refreshes the timestamp alone and reports no change.
func (s *Store) UpsertEnrollment(ctx context.Context, enrollment datastore.Enrollment) (bool, error) {
	if enrollment.CourseID == "" {
		return false, errors.New("received empty courseID argument")
	}
	if enrollment.UserID == "" {
		return false, errors.New("received empty userID argument")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin upsert enrollment: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT roles, active FROM enrollments WHERE course_id = ? AND user_id = ?`,
		enrollment.CourseID, enrollment.UserID)

	var roles string
	var active bool
	err = row.Scan(&roles, &active)
	if err == nil && active == enrollment.Active && roles == joinList(enrollment.Roles) {
		_, err = tx.ExecContext(ctx, `UPDATE enrollments SET last_synced_at = ? WHERE course_id = ? AND user_id = ?`,
			enrollment.LastSyncedAt.UnixNano(), enrollment.CourseID, enrollment.UserID)
		if err != nil {
			return false, fmt.Errorf("refresh enrollment: %w", err)
		}
		return false, tx.Commit()
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("find enrollment: %w", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO enrollments (course_id, user_id, roles, active, last_synced_at)
		VALUES (?, ?, ?, ?, ?)`,
		enrollment.CourseID, enrollment.UserID, joinList(enrollment.Roles), enrollment.Active,
		enrollment.LastSyncedAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("upsert enrollment: %w", err)
	}

	return true, tx.Commit()
}

// FindEnrollment retrieves the enrollment for a (course, user) pair.
func (s *Store) FindEnrollment(ctx context.Context, courseID, userID string) (datastore.Enrollment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT roles, active, last_synced_at FROM enrollments
		WHERE course_id = ? AND user_id = ?`, courseID, userID)

	enrollment := datastore.Enrollment{CourseID: courseID, UserID: userID}
	var roles string
	var lastSyncedAt int64
	if err := row.Scan(&roles, &enrollment.Active, &lastSyncedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return datastore.Enrollment{}, datastore.ErrEnrollmentNotFound
		}
		return datastore.Enrollment{}, fmt.Errorf("find enrollment: %w", err)
	}
	enrollment.Roles = splitList(roles)
	enrollment.LastSyncedAt = time.Unix(0, lastSyncedAt)

	return enrollment, nil
}

// ListEnrollments returns all enrollments for a course.
func (s *Store) ListEnrollments(ctx context.Context, courseID string) ([]datastore.Enrollment, error) {
	if courseID == "" {
		return nil, errors.New("received empty courseID argument")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT user_id, roles, active, last_synced_at FROM enrollments
		WHERE course_id = ?`, courseID)
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	defer rows.Close()

	var enrollments []datastore.Enrollment
	for rows.Next() {
		enrollment := datastore.Enrollment{CourseID: courseID}
		var roles string
		var lastSyncedAt int64
		if err := rows.Scan(&enrollment.UserID, &roles, &enrollment.Active, &lastSyncedAt); err != nil {
			return nil, fmt.Errorf("scan enrollment: %w", err)
		}
		enrollment.Roles = splitList(roles)
		enrollment.LastSyncedAt = time.Unix(0, lastSyncedAt)
		enrollments = append(enrollments, enrollment)
	}

	return enrollments, rows.Err()
}

// SetEnrollmentActive marks an enrollment active or inactive. The row is kept either way.
func (s *Store) SetEnrollmentActive(ctx context.Context, courseID, userID string, active bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE enrollments SET active = ? WHERE course_id = ? AND user_id = ?`,
		active, courseID, userID)
	if err != nil {
		return fmt.Errorf("set enrollment active: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set enrollment active: %w", err)
	}
	if affected == 0 {
		return datastore.ErrEnrollmentNotFound
	}

	return nil
}

// UpsertSubmission creates or replaces the grade submission for its (course, user, line item) key.
func (s *Store) UpsertSubmission(ctx context.Context, submission datastore.GradeSubmission) error {
	if submission.CourseID == "" || submission.UserID == "" || submission.LineItemID == "" {
		return errors.New("received incomplete submission key")
	}
	if submission.UpdatedAt.IsZero() {
		submission.UpdatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO grade_submissions
		(course_id, user_id, line_item_id, score_given, score_maximum, status, attempts, reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		submission.CourseID, submission.UserID, submission.LineItemID, submission.ScoreGiven,
		submission.ScoreMaximum, string(submission.Status), submission.Attempts, submission.Reason,
		submission.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert submission: %w", err)
	}

	return nil
}

// FindSubmission retrieves the grade submission for a (course, user, line item) key.
func (s *Store) FindSubmission(ctx context.Context, courseID, userID, lineItemID string) (datastore.GradeSubmission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT score_given, score_maximum, status, attempts, reason, updated_at
		FROM grade_submissions WHERE course_id = ? AND user_id = ? AND line_item_id = ?`,
		courseID, userID, lineItemID)

	submission := datastore.GradeSubmission{CourseID: courseID, UserID: userID, LineItemID: lineItemID}
	var status string
	var updatedAt int64
	err := row.Scan(&submission.ScoreGiven, &submission.ScoreMaximum, &status, &submission.Attempts,
		&submission.Reason, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return datastore.GradeSubmission{}, datastore.ErrSubmissionNotFound
		}
		return datastore.GradeSubmission{}, fmt.Errorf("find submission: %w", err)
	}
	submission.Status = datastore.SubmissionStatus(status)
	submission.UpdatedAt = time.Unix(0, updatedAt)

	return submission, nil
}

// SetSubmissionStatus records a submission status transition.
func (s *Store) SetSubmissionStatus(ctx context.Context, courseID, userID, lineItemID string, status datastore.SubmissionStatus, attempts int, reason string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE grade_submissions SET status = ?, attempts = ?, reason = ?, updated_at = ?
		WHERE course_id = ? AND user_id = ? AND line_item_id = ?`,
		string(status), attempts, reason, s.now().UnixNano(), courseID, userID, lineItemID)
	if err != nil {
		return fmt.Errorf("set submission status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set submission status: %w", err)
	}
	if affected == 0 {
		return datastore.ErrSubmissionNotFound
	}

	return nil
}

// ListSubmissions returns all grade submissions for a course, most recently updated first.
func (s *Store) ListSubmissions(ctx context.Context, courseID string) ([]datastore.GradeSubmission, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, line_item_id, score_given, score_maximum, status, attempts,
		reason, updated_at FROM grade_submissions WHERE course_id = ? ORDER BY updated_at DESC`, courseID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var submissions []datastore.GradeSubmission
	for rows.Next() {
		submission := datastore.GradeSubmission{CourseID: courseID}
		var status string
		var updatedAt int64
		err := rows.Scan(&submission.UserID, &submission.LineItemID, &submission.ScoreGiven,
			&submission.ScoreMaximum, &status, &submission.Attempts, &submission.Reason, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		submission.Status = datastore.SubmissionStatus(status)
		submission.UpdatedAt = time.Unix(0, updatedAt)
		submissions = append(submissions, submission)
	}

	return submissions, rows.Err()
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

	_, err := s.db.Exec(`INSERT OR REPLACE INTO access_tokens (token_uri, client_id, scopes, token, expiry_time)
		VALUES (?, ?, ?, ?, ?)`,
		token.TokenURI, token.ClientID, joinList(token.Scopes), token.Token, token.ExpiryTime.UnixNano())
	if err != nil {
		return fmt.Errorf("store access token: %w", err)
	}

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

	row := s.db.QueryRow(`SELECT token, expiry_time FROM access_tokens
		WHERE token_uri = ? AND client_id = ? AND scopes = ?`, tokenURI, clientID, joinList(scopes))

	token := datastore.AccessToken{TokenURI: tokenURI, ClientID: clientID, Scopes: scopes}
	var expiryTime int64
	if err := row.Scan(&token.Token, &expiryTime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return datastore.AccessToken{}, datastore.ErrAccessTokenNotFound
		}
		return datastore.AccessToken{}, fmt.Errorf("find access token: %w", err)
	}
	token.ExpiryTime = time.Unix(0, expiryTime)

	if s.now().After(token.ExpiryTime) {
		return datastore.AccessToken{}, datastore.ErrAccessTokenExpired
	}

	return token, nil
}
