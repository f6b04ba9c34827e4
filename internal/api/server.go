// Package api is the HTTP façade over the conversion controller.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dharsanguruparan/SlideFill/internal/config"
	"github.com/dharsanguruparan/SlideFill/internal/conversion"
	"github.com/dharsanguruparan/SlideFill/internal/model"
	"github.com/dharsanguruparan/SlideFill/internal/transfer"
)

// Service is the part of *conversion.Controller the handlers call.
type Service interface {
	SubmitConversion(ctx context.Context, callerID string, req conversion.SubmitRequest) (*model.Job, error)
	GetConversion(ctx context.Context, callerID, jobID string) (*model.Job, error)
	ListConversions(ctx context.Context, callerID string) ([]*model.Job, error)
	RegisterTemplate(ctx context.Context, callerID string, req conversion.RegisterRequest) (*model.Template, error)
	ListTemplates(ctx context.Context, callerID string) ([]*model.Template, error)
	GetTemplate(ctx context.Context, callerID, templateID string) (*model.Template, error)
	DeleteTemplate(ctx context.Context, callerID, templateID string) error
	MeasureTemplate(ctx context.Context, callerID, key string) (int, error)
	Subscription(ctx context.Context, callerID string) (*model.Subscription, error)
}

// CallerHeader carries the already-authenticated caller id.
const CallerHeader = "X-User-ID"

// Server exposes HTTP endpoints for uploads, templates and conversions.
type Server struct {
	cfg    *config.Config
	svc    Service
	blobs  transfer.BlobStore
	files  http.Handler
	logger *slog.Logger
	server *http.Server
	once   sync.Once
}

// New constructs a Server. files serves /blobs/* for the filesystem blob
// store and may be nil when blobs are served elsewhere.
func New(cfg *config.Config, svc Service, blobs transfer.BlobStore, files http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, svc: svc, blobs: blobs, files: files, logger: logger}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(cors)

	r.Get("/healthz", s.handleHealth)
	if s.files != nil {
		r.Handle("/blobs/*", http.StripPrefix("/blobs", s.files))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(requireCaller)
		r.Post("/uploads", s.handleUpload)

		r.Get("/templates", s.handleListTemplates)
		r.Post("/templates", s.handleRegisterTemplate)
		r.Post("/templates/slide-count", s.handleSlideCount)
		r.Get("/templates/{id}", s.handleGetTemplate)
		r.Delete("/templates/{id}", s.handleDeleteTemplate)

		r.Get("/conversions", s.handleListConversions)
		r.Post("/conversions", s.handleSubmitConversion)
		r.Get("/conversions/{id}", s.handleGetConversion)

		r.Get("/subscription", s.handleSubscription)
	})
	return r
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:              s.cfg.Address,
			Handler:           s.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.logger.Info("api listening", "address", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type callerKey struct{}

func requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := strings.TrimSpace(r.Header.Get(CallerHeader))
		if caller == "" {
			respondError(w, http.StatusUnauthorized, "missing "+CallerHeader+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), callerKey{}, caller)))
	})
}

func callerFrom(r *http.Request) string {
	caller, _ := r.Context().Value(callerKey{}).(string)
	return caller
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,"+CallerHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
