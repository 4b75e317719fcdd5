// Copyright (c) 2024 GradeHub. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

// Command server runs the LTI bridge: the OIDC login and launch endpoints, the published tool keyset, a small
// course API, and the background roster sync.
package main

import (
	"context"
	dbsql "database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/gradehub/ltibridge/config"
	"github.com/gradehub/ltibridge/datastore"
	"github.com/gradehub/ltibridge/datastore/nonpersistent"
	storesql "github.com/gradehub/ltibridge/datastore/sql"
	"github.com/gradehub/ltibridge/grades"
	"github.com/gradehub/ltibridge/keyset"
	"github.com/gradehub/ltibridge/launch"
	"github.com/gradehub/ltibridge/login"
	"github.com/gradehub/ltibridge/roster"
)

const maxBodySize = 2_100_000

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		os.Stderr.WriteString("init logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	if cfg.LogDevelopment {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newSigningKey(cfg config.Config, logger *zap.Logger) (*keyset.SigningKey, error) {
	if cfg.SigningKeyPath == "" {
		logger.Warn("no signing key configured, generating an ephemeral key",
			zap.String("hint", "set LTIBRIDGE_SIGNING_KEY_PATH to keep the published keyset stable"))
		return keyset.GenerateSigningKey()
	}

	pemKey, err := os.ReadFile(cfg.SigningKeyPath)
	if err != nil {
		return nil, err
	}

	return keyset.NewSigningKey(string(pemKey), cfg.SigningKeyID)
}

func newDatastore(cfg config.Config, logger *zap.Logger) (datastore.Config, func(), error) {
	if cfg.DatabasePath == "" {
		logger.Warn("no database configured, state will not survive restarts")
		store := nonpersistent.New()
		store.LoginTTL = cfg.LoginTTL
		return datastore.Config{
			Registrations: store,
			PendingLogins: store,
			Courses:       store,
			Enrollments:   store,
			Submissions:   store,
			AccessTokens:  store,
		}, func() {}, nil
	}

	db, err := dbsql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return datastore.Config{}, nil, err
	}
	store, err := storesql.New(db)
	if err != nil {
		db.Close()
		return datastore.Config{}, nil, err
	}
	store.LoginTTL = cfg.LoginTTL

	return datastore.Config{
		Registrations: store,
		PendingLogins: store,
		Courses:       store,
		Enrollments:   store,
		Submissions:   store,
		AccessTokens:  store,
	}, func() { db.Close() }, nil
}

// platformFile is the startup registration format: one entry per platform integration, with its deployment IDs.
type platformFile []struct {
	Issuer       string   `json:"issuer"`
	ClientID     string   `json:"client_id"`
	AuthTokenURI string   `json:"auth_token_uri"`
	AuthLoginURI string   `json:"auth_login_uri"`
	KeysetURI    string   `json:"keyset_uri"`
	LaunchURI    string   `json:"launch_uri"`
	Deployments  []string `json:"deployments"`
}

func seedPlatforms(path string, registrations datastore.RegistrationStorer, logger *zap.Logger) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var platforms platformFile
	if err := json.Unmarshal(raw, &platforms); err != nil {
		return err
	}

	for _, platform := range platforms {
		registration := datastore.Registration{
			Issuer:   platform.Issuer,
			ClientID: platform.ClientID,
		}
		for _, uri := range []struct {
			raw    string
			target **url.URL
		}{
			{platform.AuthTokenURI, &registration.AuthTokenURI},
			{platform.AuthLoginURI, &registration.AuthLoginURI},
			{platform.KeysetURI, &registration.KeysetURI},
			{platform.LaunchURI, &registration.LaunchURI},
		} {
			parsed, err := url.Parse(uri.raw)
			if err != nil {
				return err
			}
			*uri.target = parsed
		}

		if err := registrations.StoreRegistration(registration); err != nil {
			return err
		}
		for _, deploymentID := range platform.Deployments {
			if err := registrations.StoreDeployment(platform.Issuer, platform.ClientID, deploymentID); err != nil {
				return err
			}
		}
		logger.Info("registered platform",
			zap.String("issuer", platform.Issuer),
			zap.String("clientID", platform.ClientID),
			zap.Int("deployments", len(platform.Deployments)))
	}

	return nil
}

func run(cfg config.Config, logger *zap.Logger) error {
	signingKey, err := newSigningKey(cfg, logger)
	if err != nil {
		return err
	}

	stores, closeStores, err := newDatastore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	if cfg.PlatformsPath != "" {
		if err := seedPlatforms(cfg.PlatformsPath, stores.Registrations, logger); err != nil {
			return err
		}
	}

	keys := keyset.NewCache(keyset.WithTTL(cfg.KeysetTTL))
	validator := launch.NewValidator(keys, stores.Registrations)

	loginHandler := login.New(stores)
	launchHandler := launch.New(launch.Config{
		Registrations: stores.Registrations,
		PendingLogins: stores.PendingLogins,
		Courses:       stores.Courses,
		Enrollments:   stores.Enrollments,
		Validator:     validator,
		OnError: func(r *http.Request, err error) {
			logger.Warn("launch rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
		},
	}, launchedHandler(logger))

	rosterEngine := roster.NewEngine(roster.Config{
		Registrations: stores.Registrations,
		Enrollments:   stores.Enrollments,
		AccessTokens:  stores.AccessTokens,
		SigningKey:    signingKey,
		Grace:         cfg.RosterGrace,
		Logger:        logger,
	})
	gradeEngine := grades.NewEngine(grades.Config{
		Registrations: stores.Registrations,
		Submissions:   stores.Submissions,
		AccessTokens:  stores.AccessTokens,
		SigningKey:    signingKey,
		MaxAttempts:   cfg.GradeMaxAttempts,
		Logger:        logger,
	})

	api := &courseAPI{
		courses:     stores.Courses,
		enrollments: stores.Enrollments,
		submissions: stores.Submissions,
		roster:      rosterEngine,
		grades:      gradeEngine,
		logger:      logger,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestSize(maxBodySize))
	router.Use(middleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	router.Get("/.well-known/jwks.json", jwksHandler(signingKey, logger))
	router.Handle("/lti/login", loginHandler)
	router.Post("/lti/launch", launchHandler.ServeHTTP)
	router.Route("/api", func(r chi.Router) {
		r.Get("/courses", api.listCourses)
		r.Route("/courses/{courseID}", func(r chi.Router) {
			r.Get("/enrollments", api.listEnrollments)
			r.Get("/submissions", api.listSubmissions)
			r.Post("/sync", api.syncRoster)
			r.Post("/scores", api.submitScore)
		})
	})

	server := &http.Server{Addr: cfg.Addr, Handler: router}

	background, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	go evictionLoop(background, stores.PendingLogins, logger)
	if cfg.RosterSyncInterval > 0 {
		go rosterLoop(background, cfg.RosterSyncInterval, stores.Courses, rosterEngine, logger)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errs:
		return err
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	stopBackground()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("server stopped")

	return nil
}

// launchedHandler terminates a validated launch. The grading frontend replaces this with its own redirect.
func launchedHandler(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, ok := launch.ResultFromContext(r.Context())
		if !ok {
			http.Error(w, "launch result not available", http.StatusInternalServerError)
			return
		}

		logger.Info("launch completed",
			zap.String("userID", result.LaunchContext.Subject),
			zap.String("courseID", result.Course.ID),
			zap.String("messageType", result.LaunchContext.MessageType))

		writeJSON(w, http.StatusOK, map[string]any{
			"user_id":      result.LaunchContext.Subject,
			"course_id":    result.Course.ID,
			"course_title": result.Course.Title,
			"roles":        result.LaunchContext.Roles,
			"message_type": result.LaunchContext.MessageType,
		})
	}
}

func jwksHandler(signingKey *keyset.SigningKey, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jwks, err := signingKey.PublicJWKSJSON()
		if err != nil {
			logger.Error("render jwks", zap.Error(err))
			http.Error(w, "keyset not available", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(jwks)
	}
}

func evictionLoop(ctx context.Context, logins datastore.PendingLoginStorer, logger *zap.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := logins.EvictExpiredLogins(); err != nil {
				logger.Warn("evict pending logins", zap.Error(err))
			}
		}
	}
}

func rosterLoop(ctx context.Context, interval time.Duration, courses datastore.CourseStorer, engine *roster.Engine, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			syncAll(ctx, courses, engine, logger)
		}
	}
}

func syncAll(ctx context.Context, courses datastore.CourseStorer, engine *roster.Engine, logger *zap.Logger) {
	list, err := courses.ListCourses(ctx)
	if err != nil {
		logger.Warn("list courses for sync", zap.Error(err))
		return
	}

	for _, course := range list {
		if course.NRPSMembershipsURI == "" {
			continue
		}
		if _, err := engine.SyncRoster(ctx, course); err != nil {
			logger.Warn("roster sync failed", zap.String("courseID", course.ID), zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
