package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MikeSquared-Agency/archivist/internal/archive"
	"github.com/MikeSquared-Agency/archivist/internal/hermes"
	"github.com/MikeSquared-Agency/archivist/internal/scrape"
	"github.com/MikeSquared-Agency/archivist/internal/search"
	"github.com/MikeSquared-Agency/archivist/internal/store"
)

// maxSearchLimit caps the limit query parameter of a search.
const maxSearchLimit = 100

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Scheduler starts guild work in the background.
type Scheduler interface {
	StartScrape(req hermes.ScrapeRequested) error
	StartClassify(guildID string) error
}

type Searcher interface {
	Search(guildID, query string, limit int) ([]search.Hit, error)
}

// Deps are the components the API reads from. Search is optional.
type Deps struct {
	Root      *archive.Root
	Store     store.Backend
	Registry  *scrape.Registry
	Scheduler Scheduler
	Search    Searcher
}

type Server struct {
	router *chi.Mux
	deps   Deps
	srv    *http.Server
}

func NewServer(port int, apiToken string, deps Deps) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		deps:   deps,
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/archivist/status", s.status)

	router.Route("/api/v1/guilds/{guildID}", func(r chi.Router) {
		r.Use(validIDs)
		r.Get("/discussion-channels", s.discussionChannels)
		r.Get("/runs/latest", s.latestRun)
		// {channelID} is only bound once the route matched.
		r.With(validIDs).Get("/channels/{channelID}/archive", s.archiveInfo)
		r.Get("/search", s.search)

		r.Group(func(r chi.Router) {
			r.Use(BearerAuthMiddleware(apiToken))
			r.Post("/scrape", s.scrape)
			r.Post("/classify", s.classify)
		})
	})

	return s
}

func (s *Server) Start() error {
	slog.Info("API server starting", "addr", s.srv.Addr)
	return s.srv.ListenAndServe()
}

// Shutdown stops the server. A later Start returns http.ErrServerClosed.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// BearerAuthMiddleware rejects requests without the expected bearer token.
// An empty token disables the protected routes entirely.
func BearerAuthMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeError(w, http.StatusServiceUnavailable, "api token not configured")
				return
			}
			if r.Header.Get("Authorization") != "Bearer "+token {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// validIDs keeps path parameters usable as file names.
func validIDs(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, key := range []string{"guildID", "channelID"} {
			if v := chi.URLParam(r, key); v != "" && !idPattern.MatchString(v) {
				writeError(w, http.StatusBadRequest, "invalid "+key)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":  "archivist",
		"status": "ok",
		"search": s.deps.Search != nil,
	})
}

func (s *Server) discussionChannels(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	prefs, err := s.deps.Store.LoadPreferences(r.Context(), guildID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"guild_id":       guildID,
		"retention_days": prefs.GetRetentionDays(),
		"channel_ids":    prefs.DiscussionChannels,
		"updated_at":     prefs.UpdatedAt,
	})
}

func (s *Server) latestRun(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	run, err := s.deps.Store.LatestScrapeRun(r.Context(), guildID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "guild was never scraped")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]any{"run": run}
	if s.deps.Registry != nil {
		if since, active := s.deps.Registry.Active(guildID); active {
			resp["in_progress_since"] = since
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) archiveInfo(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	channelID := chi.URLParam(r, "channelID")
	st := s.deps.Root.Guild(guildID)

	h, err := st.ReadHeader(channelID)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusNotFound, "no archive for channel")
		return
	case errors.Is(err, archive.ErrCorrupt):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	n, err := st.Count(channelID)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"guild_id":   guildID,
		"channel_id": channelID,
		"head":       h.Head,
		"cutoff":     h.Cutoff,
		"records":    n,
	})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	if s.deps.Search == nil {
		writeError(w, http.StatusServiceUnavailable, "search is disabled")
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := search.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxSearchLimit)
	}

	guildID := chi.URLParam(r, "guildID")
	hits, err := s.deps.Search.Search(guildID, q, limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hits": hits, "count": len(hits)})
}

type scrapeRequest struct {
	RetentionDays int    `json:"retention_days,omitempty"`
	RequestedBy   string `json:"requested_by,omitempty"`
}

func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	var body scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.RetentionDays < 0 {
		writeError(w, http.StatusBadRequest, "retention_days must be positive")
		return
	}
	if body.RequestedBy == "" {
		body.RequestedBy = "api"
	}

	guildID := chi.URLParam(r, "guildID")
	err := s.deps.Scheduler.StartScrape(hermes.ScrapeRequested{
		GuildID:       guildID,
		RetentionDays: body.RetentionDays,
		RequestedBy:   body.RequestedBy,
	})
	if errors.Is(err, scrape.ErrScrapeInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"guild_id": guildID, "status": "scheduled"})
}

func (s *Server) classify(w http.ResponseWriter, r *http.Request) {
	guildID := chi.URLParam(r, "guildID")
	if err := s.deps.Scheduler.StartClassify(guildID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"guild_id": guildID, "status": "scheduled"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
