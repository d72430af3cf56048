package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mdillust/internal/config"
	"mdillust/internal/pipeline"
	"mdillust/internal/storage"
)

const sessionCookie = "mdillust_session"

// Illustrator runs one illustration pass. *pipeline.Illustrator satisfies
// it; tests substitute a stub.
type Illustrator interface {
	Illustrate(ctx context.Context, opts pipeline.Options) (*pipeline.Result, error)
}

// Server is the multi-user image selector: upload a markdown file, run the
// illustration pipeline, pick between batch candidates, save.
type Server struct {
	router      chi.Router
	cfg         *config.Config
	store       *storage.Store
	illustrator Illustrator
	sessions    *sessionManager
	limiter     *rateLimiter
}

// NewServer wires the selector. It seeds the default admin account so a
// fresh database is immediately usable.
func NewServer(cfg *config.Config, store *storage.Store, ill Illustrator) (*Server, error) {
	admin := storage.User{Username: "admin", Name: "管理员", Role: "admin", QuotaLimit: 1000}
	if err := store.EnsureUser(context.Background(), admin, "admin123"); err != nil {
		return nil, fmt.Errorf("failed to seed admin account: %w", err)
	}

	ttl := time.Duration(cfg.Web.SessionTTL) * time.Hour
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	s := &Server{
		cfg:         cfg,
		store:       store,
		illustrator: ill,
		sessions:    newSessionManager(ttl, filepath.Join("temp", "sessions")),
		limiter:     newRateLimiter(),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// StartSweeper cleans up idle sessions once an hour until ctx is done.
func (s *Server) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.sessions.sweep(); n > 0 {
					fmt.Printf("清理了 %d 个过期会话\n", n)
				}
			}
		}
	}()
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	// Public endpoints.
	r.Post("/login", s.handleLogin)
	r.Get("/logout", s.handleLogout)
	r.Handle("/output/images/*", http.StripPrefix("/output/images/",
		http.FileServer(http.Dir(s.cfg.Image.SaveDir))))

	// Authenticated endpoints.
	r.Group(func(r chi.Router) {
		r.Use(s.requireSession)

		r.Get("/api/me", s.handleMe)
		r.Get("/api/status", s.handleStatus)
		r.Get("/api/markdown", s.handleGetMarkdown)
		r.Post("/api/save-markdown", s.handleSaveMarkdown)
		r.Post("/api/preview", s.handlePreview)
		r.Get("/api/candidates", s.handleCandidates)
		r.Post("/api/select", s.handleSelect)
		r.Post("/api/select-all", s.handleSelectAll)
		r.Get("/api/save", s.handleSave)
		r.Post("/api/illustrate", s.handleIllustrate)
		r.Post("/api/upload", s.handleUpload)
		r.Get("/api/session/images/*", s.handleSessionImage)
	})

	s.router = r
}

type sessionKey struct{}

// requireSession resolves the session cookie and rejects unauthenticated
// requests.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookie)
		if err != nil {
			jsonError(w, "Not authenticated", http.StatusUnauthorized)
			return
		}
		sess := s.sessions.get(cookie.Value)
		if sess == nil {
			jsonError(w, "Not authenticated", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey{}, sess)))
	})
}

func sessionFrom(r *http.Request) *session {
	sess, _ := r.Context().Value(sessionKey{}).(*session)
	return sess
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// safeJoin resolves a request path inside a base directory, refusing
// traversal outside it.
func safeJoin(base, name string) (string, bool) {
	joined := filepath.Join(base, filepath.FromSlash(name))
	rel, err := filepath.Rel(base, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return joined, true
}
