// Package api exposes folder selection, article queries, sync control and
// change detection over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/yourusername/pdv-sync/internal/articles"
	"github.com/yourusername/pdv-sync/internal/folder"
	"github.com/yourusername/pdv-sync/internal/legacy"
	"github.com/yourusername/pdv-sync/internal/locator"
	"github.com/yourusername/pdv-sync/internal/scheduler"
	"github.com/yourusername/pdv-sync/internal/selection"
	"github.com/yourusername/pdv-sync/internal/store"
	"github.com/yourusername/pdv-sync/internal/syncer"
	"github.com/yourusername/pdv-sync/internal/watcher"
)

// Selections manages the current folder.
type Selections interface {
	Select(ctx context.Context, folderName, hint string) (*folder.SelectedFolder, error)
	Upload(ctx context.Context, folderName, originalName string, r io.Reader) (*folder.SelectedFolder, error)
	Current(ctx context.Context) (*folder.SelectedFolder, error)
	Reset(ctx context.Context) error
	GlobalSearch(ctx context.Context) ([]locator.Match, error)
}

// Articles answers article queries.
type Articles interface {
	Search(ctx context.Context, f folder.SelectedFolder, q articles.Query) (*articles.Page[articles.ArticleView], error)
	Families(ctx context.Context, f folder.SelectedFolder) ([]string, error)
}

// Runner triggers syncs and change checks.
type Runner interface {
	TriggerNow(ctx context.Context) (*syncer.SyncResult, error)
	CheckChanges(ctx context.Context, f folder.SelectedFolder) ([]watcher.ChangeEvent, error)
	LastRun() *scheduler.Run
}

// Baselines forgets file observations.
type Baselines interface {
	Reset(files []folder.WatchedFile)
}

// Pool is the legacy connection pool as seen by the status endpoint.
type Pool interface {
	Acquire(ctx context.Context, path string) (*legacy.Handle, error)
	Release(h *legacy.Handle)
	Stats() legacy.PoolStats
}

// StatusStore lists persisted sync bookkeeping.
type StatusStore interface {
	ListSyncStatus(ctx context.Context) ([]store.SyncStatus, error)
	ListFailures(ctx context.Context) ([]store.SyncFailure, error)
}

// Deps are the services behind the routes.
type Deps struct {
	Selections Selections
	Articles   Articles
	Runner     Runner
	Baselines  Baselines
	Pool       Pool
	Status     StatusStore

	// MCP is mounted at MCPPath when set.
	MCP     http.Handler
	MCPPath string

	RateLimit      float64 // legacy requests per second per client
	RateBurst      int
	MaxUploadBytes int64
}

// Server is the HTTP API.
type Server struct {
	router  chi.Router
	deps    Deps
	limiter *ipLimiter
}

// NewServer builds the router.
func NewServer(deps Deps) *Server {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = selection.DefaultMaxUpload
	}
	if deps.MCPPath == "" {
		deps.MCPPath = "/mcp"
	}
	s := &Server{
		router:  chi.NewRouter(),
		deps:    deps,
		limiter: newIPLimiter(deps.RateLimit, deps.RateBurst),
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(requestID)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/api/ping", s.handlePing)

	s.router.Route("/api/folder-selection", func(r chi.Router) {
		r.Get("/current", s.handleCurrent)
		r.Delete("/reset", s.handleReset)
		r.Get("/global-search", s.handleGlobalSearch)
		r.Group(func(r chi.Router) {
			r.Use(s.limiter.Middleware)
			r.Post("/select", s.handleSelect)
			r.Post("/upload", s.handleUpload)
		})
	})

	s.router.Route("/api/articles", func(r chi.Router) {
		r.Use(s.limiter.Middleware)
		r.Get("/search", s.handleSearch)
		r.Get("/families", s.handleFamilies)
	})

	s.router.Route("/api/data-refresh", func(r chi.Router) {
		r.Use(s.limiter.Middleware)
		r.Post("/refresh", s.handleRefresh)
		r.Get("/status", s.handleStatus)
	})

	s.router.Route("/api/file-watcher", func(r chi.Router) {
		r.Get("/changes", s.handleChanges)
		r.Post("/reset", s.handleWatcherReset)
	})

	if s.deps.MCP != nil {
		s.router.Handle(s.deps.MCPPath, s.deps.MCP)
		log.Info().Str("path", s.deps.MCPPath).Msg("MCP HTTP handler mounted")
	}
}

type requestIDKey struct{}

// requestID tags each request with a UUID, reusing X-Request-Id when sent.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

// RequestIDFrom returns the request ID stored by the middleware.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("request_id", RequestIDFrom(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("dur", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("Request")
	})
}

type envelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Attempted []string    `json:"attempted,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeData(w http.ResponseWriter, data interface{}, message string) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data, Message: message})
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	env := envelope{Message: err.Error()}
	var nf *locator.NotFoundError
	if errors.As(err, &nf) {
		env.Attempted = nf.Attempted
	}

	ev := log.Warn()
	if status >= http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Err(err).
		Str("request_id", RequestIDFrom(r.Context())).
		Str("path", r.URL.Path).
		Int("status", status).
		Msg("Request failed")
	writeJSON(w, status, env)
}

// statusFor maps service errors onto HTTP status codes. Connection,
// conversion and sync failures fall through to 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, articles.ErrInvalidQuery),
		errors.Is(err, selection.ErrInvalidInput),
		errors.Is(err, selection.ErrInvalidUpload):
		return http.StatusUnprocessableEntity
	case errors.Is(err, selection.ErrUploadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, folder.ErrNoSelection):
		return http.StatusBadRequest
	case errors.Is(err, locator.ErrNotFound),
		errors.Is(err, selection.ErrSelectionGone):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeData(w, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}, "pong")
}
