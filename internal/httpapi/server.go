package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hamed0406/regionwatch/internal/domain"
	apimw "github.com/hamed0406/regionwatch/internal/httpapi/middleware"
	"github.com/hamed0406/regionwatch/internal/repo"
	"github.com/hamed0406/regionwatch/internal/stream"
)

// Server is the CRUD surface around the pipeline: it registers targets for
// the dispatcher and reads back what the workers persisted.
type Server struct {
	Logger  *zap.Logger
	Targets repo.TargetStore
	Results repo.ResultStore
	Regions repo.RegionStore
	// Stream is optional. When set, a newly added target is enqueued at once
	// and /api/stream/stats reports queue depth.
	Stream   stream.Stream
	Gatherer prometheus.Gatherer
}

func NewServer(l *zap.Logger, ts repo.TargetStore, rs repo.ResultStore, regions repo.RegionStore, s stream.Stream, g prometheus.Gatherer) *Server {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return &Server{Logger: l, Targets: ts, Results: rs, Regions: regions, Stream: s, Gatherer: g}
}

// Limits are requests per minute and burst for each route group.
type Limits struct {
	PublicRPM, PublicBurst int
	AdminRPM, AdminBurst   int
}

func (s *Server) Router(keys apimw.Keys, allowedOrigins []string, lim Limits) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if len(allowedOrigins) == 0 {
		r.Use(cors.AllowAll().Handler)
	} else {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: allowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-API-Key"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(api chi.Router) {
		api.Group(func(pub chi.Router) {
			pub.Use(apimw.RateLimit(lim.PublicRPM, lim.PublicBurst))
			pub.Use(apimw.RequireAny(keys))
			pub.Get("/targets", s.handleListTargets)
			pub.Get("/targets/{id}/results", s.handleListResults)
			pub.Get("/results/latest", s.handleLatest)
			pub.Get("/regions", s.handleListRegions)
			pub.Get("/stream/stats", s.handleStreamStats)
		})
		api.Group(func(adm chi.Router) {
			adm.Use(apimw.RateLimit(lim.AdminRPM, lim.AdminBurst))
			adm.Use(apimw.RequireAdmin(keys))
			adm.Post("/targets", s.handleAddTarget)
			adm.Post("/regions", s.handleAddRegion)
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

type addPayload struct {
	URL string `json:"url"`
}

// handleAddTarget stores a new target. Re-adding a known URL returns the
// existing target with 200 instead of creating a duplicate.
func (s *Server) handleAddTarget(w http.ResponseWriter, r *http.Request) {
	var p addPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || !isValidHTTPURL(p.URL) {
		writeError(w, http.StatusBadRequest, "url must be an absolute http(s) URL")
		return
	}
	norm := normalizeHTTPURL(p.URL)
	ctx := r.Context()

	existing, err := s.Targets.GetByURL(ctx, norm)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"target": existing, "created": false})
		return
	case !errors.Is(err, repo.ErrNotFound):
		s.Logger.Warn("api_lookup_error", zap.String("url", norm), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not add")
		return
	}

	t := &domain.Target{URL: norm, CreatedAt: time.Now().UTC()}
	if err := s.Targets.Add(ctx, t); err != nil {
		s.Logger.Warn("api_add_error", zap.String("url", norm), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not add")
		return
	}

	// First check goes out now rather than on the next dispatch tick.
	var entryID string
	if s.Stream != nil {
		entryID, err = s.Stream.Append(ctx, domain.CheckJob{URL: t.URL, TargetID: t.ID})
		if err != nil {
			s.Logger.Warn("api_enqueue_error", zap.String("target_id", string(t.ID)), zap.Error(err))
		}
	}

	s.Logger.Info("added_target",
		zap.String("target_id", string(t.ID)),
		zap.String("url", t.URL),
		zap.String("entry_id", entryID),
	)
	writeJSON(w, http.StatusCreated, map[string]any{"target": t, "created": true, "entry_id": entryID})
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	ts, err := s.Targets.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list error")
		return
	}
	if ts == nil {
		ts = []*domain.Target{}
	}
	writeJSON(w, http.StatusOK, ts)
}

// handleListResults serves GET /api/targets/{id}/results?region=&since=&limit=.
func (s *Server) handleListResults(w http.ResponseWriter, r *http.Request) {
	id := domain.TargetID(chi.URLParam(r, "id"))
	qs := r.URL.Query()

	q := repo.ResultQuery{RegionID: domain.RegionID(qs.Get("region"))}
	if v := qs.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = n
	}
	if v := qs.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		q.Since = ts
	}

	rs, err := s.Results.ListByTarget(r.Context(), id, q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "results error")
		return
	}
	if rs == nil {
		rs = []*domain.CheckResult{}
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	rows, err := s.Results.Latest(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "latest error")
		return
	}
	if rows == nil {
		rows = []repo.LatestRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleListRegions(w http.ResponseWriter, r *http.Request) {
	rs, err := s.Regions.ListRegions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "regions error")
		return
	}
	if rs == nil {
		rs = []*domain.Region{}
	}
	writeJSON(w, http.StatusOK, rs)
}

func (s *Server) handleAddRegion(w http.ResponseWriter, r *http.Request) {
	var reg domain.Region
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil || strings.TrimSpace(string(reg.ID)) == "" {
		writeError(w, http.StatusBadRequest, "region id is required")
		return
	}
	if reg.Name == "" {
		reg.Name = string(reg.ID)
	}
	if err := s.Regions.AddRegion(r.Context(), &reg); err != nil {
		writeError(w, http.StatusInternalServerError, "could not add region")
		return
	}
	// Create the group now so jobs dispatched before the first worker
	// starts are still delivered to this region.
	if s.Stream != nil {
		if err := s.Stream.EnsureGroup(r.Context(), string(reg.ID)); err != nil {
			s.Logger.Warn("api_ensure_group_error", zap.String("region", string(reg.ID)), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusCreated, reg)
}

type streamStats struct {
	Backlog int64            `json:"backlog"`
	Pending map[string]int64 `json:"pending"`
}

func (s *Server) handleStreamStats(w http.ResponseWriter, r *http.Request) {
	if s.Stream == nil {
		writeError(w, http.StatusServiceUnavailable, "stream not configured")
		return
	}
	ctx := r.Context()
	backlog, err := s.Stream.Backlog(ctx)
	if err != nil {
		writeError(w, http.StatusBadGateway, "stream error")
		return
	}
	stats := streamStats{Backlog: backlog, Pending: map[string]int64{}}

	regions, err := s.Regions.ListRegions(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "regions error")
		return
	}
	for _, reg := range regions {
		n, err := s.Stream.Pending(ctx, string(reg.ID))
		if errors.Is(err, stream.ErrGroupNotFound) {
			continue
		}
		if err != nil {
			writeError(w, http.StatusBadGateway, "stream error")
			return
		}
		stats.Pending[string(reg.ID)] = n
	}
	writeJSON(w, http.StatusOK, stats)
}

func isValidHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Hostname() != ""
}

// normalizeHTTPURL lowercases scheme and host, drops default ports and a
// bare trailing slash. Other paths are kept as given.
func normalizeHTTPURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host = host + ":" + port
	}
	u.Host = host
	if u.Path == "/" {
		u.Path = ""
	}
	u.Fragment = ""
	return u.String()
}
