// Package api serves the fulfillment and credential administration endpoints over HTTP.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-fulfillment/internal/core"
	"github.com/book-expert/tts-fulfillment/internal/db"
	"github.com/book-expert/tts-fulfillment/internal/keycheck"
	"github.com/book-expert/tts-fulfillment/internal/metrics"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	bearerPrefix    = "Bearer "
	rateLimitWindow = time.Minute
	unknownRoute    = "unmatched"
)

// CredentialStore is the credential pool as the admin endpoints see it.
type CredentialStore interface {
	CreateCredential(ctx context.Context, cred *core.Credential) error
	GetCredential(ctx context.Context, id string) (core.Credential, error)
	ListCredentials(ctx context.Context) ([]core.Credential, error)
	SetCredentialEnabled(ctx context.Context, id string, enabled bool) error
	UpdateCredential(ctx context.Context, id string, update db.CredentialUpdate) (core.Credential, error)
}

// RecordStore is the read side of the ledger, plus admin deletion.
type RecordStore interface {
	ListRecords(ctx context.Context, limit, offset int) ([]core.Record, error)
	GetRecord(ctx context.Context, id string) (core.Record, error)
	DeleteRecord(ctx context.Context, id string) error
	UsageSummaries(ctx context.Context) ([]db.UsageSummary, error)
}

// AudioSource serves stored audio back by object key.
type AudioSource interface {
	Download(ctx context.Context, key string) ([]byte, error)
}

// KeyChecker refreshes credential usage from the providers.
type KeyChecker interface {
	CheckAll(ctx context.Context) (keycheck.Summary, error)
}

// Config holds the HTTP-facing settings.
type Config struct {
	AdminToken         string
	RateLimitPerMinute int
}

// Dependencies are the components the handlers call into.
type Dependencies struct {
	Fulfiller   core.Fulfiller
	Credentials CredentialStore
	Records     RecordStore
	Audio       AudioSource
	Checker     KeyChecker
}

// Server owns the chi router.
type Server struct {
	deps     Dependencies
	validate *validator.Validate
	log      *logger.Logger
	cfg      Config
}

// NewServer creates the API server.
func NewServer(cfg Config, deps Dependencies, log *logger.Logger) *Server {
	return &Server{
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      log,
		cfg:      cfg,
	}
}

// Handler builds the routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(recordMetrics)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/audio/*", s.handleAudio)

	r.Route("/v1", func(r chi.Router) {
		if s.cfg.RateLimitPerMinute > 0 {
			r.Use(httprate.LimitByIP(s.cfg.RateLimitPerMinute, rateLimitWindow))
		}

		r.Use(s.requireAdmin)

		r.Post("/tts", s.handleSpeak)

		r.Route("/credentials", func(r chi.Router) {
			r.Get("/", s.handleListCredentials)
			r.Post("/", s.handleCreateCredential)
			r.Post("/check", s.handleCheckCredentials)
			r.Patch("/{id}", s.handleUpdateCredential)
			r.Post("/{id}/disable", s.handleSetEnabled(false))
			r.Post("/{id}/enable", s.handleSetEnabled(true))
		})

		r.Route("/records", func(r chi.Router) {
			r.Get("/", s.handleListRecords)
			r.Get("/{id}", s.handleGetRecord)
			r.Delete("/{id}", s.handleDeleteRecord)
		})

		r.Get("/usage", s.handleUsage)
	})

	return r
}

// requireAdmin checks the bearer token. With no token configured every caller is admitted.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			next.ServeHTTP(w, r)

			return
		}

		header := r.Header.Get("Authorization")
		token, found := strings.CutPrefix(header, bearerPrefix)

		if !found || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, errUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		wrapped := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(wrapped, r)

		route := unknownRoute
		if routeContext := chi.RouteContext(r.Context()); routeContext != nil {
			if pattern := routeContext.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		status := wrapped.Status()
		if status == 0 {
			status = http.StatusOK
		}

		metrics.RecordHTTPRequest(r.Method, route, status, time.Since(started))
	})
}
