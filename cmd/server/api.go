// Copyright (c) 2024 GradeHub. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gradehub/ltibridge/connector"
	"github.com/gradehub/ltibridge/datastore"
	"github.com/gradehub/ltibridge/grades"
	"github.com/gradehub/ltibridge/roster"
)

// courseAPI exposes the bridge's course state and engines to the grading environment. It is meant to sit behind the
// deployment's own authentication layer, not on the public internet.
type courseAPI struct {
	courses     datastore.CourseStorer
	enrollments datastore.EnrollmentStorer
	submissions datastore.GradeSubmissionStorer
	roster      *roster.Engine
	grades      *grades.Engine
	logger      *zap.Logger
}

func (a *courseAPI) findCourse(w http.ResponseWriter, r *http.Request) (datastore.Course, bool) {
	course, err := a.courses.FindCourse(r.Context(), chi.URLParam(r, "courseID"))
	if errors.Is(err, datastore.ErrCourseNotFound) {
		http.Error(w, "course not found", http.StatusNotFound)
		return datastore.Course{}, false
	}
	if err != nil {
		a.logger.Error("find course", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return datastore.Course{}, false
	}

	return course, true
}

func (a *courseAPI) listCourses(w http.ResponseWriter, r *http.Request) {
	courses, err := a.courses.ListCourses(r.Context())
	if err != nil {
		a.logger.Error("list courses", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, courses)
}

func (a *courseAPI) listEnrollments(w http.ResponseWriter, r *http.Request) {
	course, ok := a.findCourse(w, r)
	if !ok {
		return
	}

	enrollments, err := a.enrollments.ListEnrollments(r.Context(), course.ID)
	if err != nil {
		a.logger.Error("list enrollments", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, enrollments)
}

func (a *courseAPI) listSubmissions(w http.ResponseWriter, r *http.Request) {
	course, ok := a.findCourse(w, r)
	if !ok {
		return
	}

	submissions, err := a.submissions.ListSubmissions(r.Context(), course.ID)
	if err != nil {
		a.logger.Error("list submissions", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, submissions)
}

func (a *courseAPI) syncRoster(w http.ResponseWriter, r *http.Request) {
	course, ok := a.findCourse(w, r)
	if !ok {
		return
	}

	stats, err := a.roster.SyncRoster(r.Context(), course)
	var unavailable *connector.ServiceNotAvailableError
	if errors.As(err, &unavailable) {
		http.Error(w, unavailable.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		a.logger.Error("sync roster", zap.String("courseID", course.ID), zap.Error(err))
		http.Error(w, "roster sync failed", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

type scoreRequest struct {
	UserID        string  `json:"user_id"`
	LineItemID    string  `json:"line_item_id"`
	LineItemLabel string  `json:"line_item_label"`
	ScoreGiven    float64 `json:"score_given"`
	ScoreMaximum  float64 `json:"score_maximum"`
	Comment       string  `json:"comment"`
}

func (a *courseAPI) submitScore(w http.ResponseWriter, r *http.Request) {
	course, ok := a.findCourse(w, r)
	if !ok {
		return
	}

	var request scoreRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "malformed score request", http.StatusBadRequest)
		return
	}
	if request.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if request.ScoreMaximum <= 0 {
		http.Error(w, "score_maximum must be positive", http.StatusBadRequest)
		return
	}

	submission, err := a.grades.SubmitScore(r.Context(), grades.Request{
		Course:        course,
		UserID:        request.UserID,
		LineItemID:    request.LineItemID,
		LineItemLabel: request.LineItemLabel,
		ScoreGiven:    request.ScoreGiven,
		ScoreMaximum:  request.ScoreMaximum,
		Comment:       request.Comment,
	})
	var unavailable *connector.ServiceNotAvailableError
	if errors.As(err, &unavailable) {
		http.Error(w, unavailable.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		// The submission record carries the terminal status and reason either way.
		writeJSON(w, http.StatusBadGateway, submission)
		return
	}

	writeJSON(w, http.StatusOK, submission)
}
