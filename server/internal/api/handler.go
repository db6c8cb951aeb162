package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ospulse/ospulse/server/internal/config"
	"github.com/ospulse/ospulse/server/internal/metrics"
	"github.com/ospulse/ospulse/server/internal/ratelimit"
	"github.com/ospulse/ospulse/server/internal/risk"
	"github.com/ospulse/ospulse/server/internal/seriescache"
	"github.com/ospulse/ospulse/server/internal/summary"
)

const (
	defaultRankTop   = 10
	maxBatchRisk     = 10
	batchRiskWorkers = 4
)

// Error codes carried in errorResponse.ErrorCode.
const (
	CodeBadRequest        = "BAD_REQUEST"
	CodeNotFound          = "NOT_FOUND"
	CodeNoData            = "NO_DATA"
	CodeUpstreamFormat    = "UPSTREAM_INVALID_FORMAT"
	CodeUpstreamUnavail   = "UPSTREAM_UNAVAILABLE"
	CodeMethodNotAllowed  = "METHOD_NOT_ALLOWED"
	CodeInternal          = "INTERNAL"
	CodeUnknownRankMetric = "UNKNOWN_RANK_METRIC"
)

// segment is what a platform, entity, repo or metric path component may hold.
var segment = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Series is the read path of *seriescache.Cache.
type Series interface {
	GetOrRefresh(ctx context.Context, id seriescache.Identity, f seriescache.Fetcher) (seriescache.Series, bool, error)
}

// Summary is the read path of *summary.Cache.
type Summary interface {
	Get(ctx context.Context, force bool) ([]summary.Item, error)
	Ranked(ctx context.Context, field string, top int, force bool) ([]summary.Item, error)
	Projects() []summary.Project
	BuiltAt() time.Time
}

// Options wires a Handler. Series, Fetcher and Summary are required.
type Options struct {
	Series  Series
	Fetcher seriescache.Fetcher
	Summary Summary

	// Limiter and Policies guard each API route with the chain configured
	// under its route name. Limiting is off when either is nil.
	Limiter  *ratelimit.Limiter
	Policies *ratelimit.Table

	// Auth wraps every API and stream route. Nil admits everyone.
	Auth func(http.Handler) http.Handler

	// Metrics is served at /metrics and counts requests when set.
	Metrics *metrics.Registry

	// Stream is served at /ws/summary when set.
	Stream http.Handler
}

// Handler serves the HTTP API.
type Handler struct {
	opts Options
	mux  *http.ServeMux
	root http.Handler
}

// New creates a Handler and registers all routes.
func New(opts Options) *Handler {
	h := &Handler{opts: opts, mux: http.NewServeMux()}

	h.route("/api/data/{platform}/{entity}/{metric}", config.RouteData, http.MethodGet, h.series)
	h.route("/api/data/{platform}/{entity}/{repo}/{metric}", config.RouteData, http.MethodGet, h.series)
	h.route("/api/llm/summary", config.RouteSummary, http.MethodGet, h.summary)
	h.route("/api/llm/rank/{metric}", config.RouteRank, http.MethodGet, h.rank)
	h.route("/api/llm/projects", config.RouteProjects, http.MethodGet, h.projects)
	h.route("/api/health/contributor-risk/{platform}/{org}/{repo}", config.RouteContributorRisk, http.MethodGet, h.contributorRisk)
	h.route("/api/health/batch-risk", config.RouteBatchRisk, http.MethodPost, h.batchRisk)

	h.mux.Handle("/healthz", h.instrument("healthz", http.HandlerFunc(h.status)))
	if opts.Metrics != nil {
		h.mux.Handle("/metrics", opts.Metrics.Handler())
	}
	if opts.Stream != nil {
		h.mux.Handle("/ws/summary", h.instrument("stream", h.protect(opts.Stream)))
	}

	h.root = requestID(h.mux)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r)
}

// route registers fn under pattern behind the method check, authentication
// and the rate limit chain of name.
func (h *Handler) route(pattern, name, method string, fn http.HandlerFunc) {
	var next http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			jsonErr(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed")
			return
		}
		fn(w, r)
	})
	if h.opts.Limiter != nil && h.opts.Policies != nil {
		next = ratelimit.TableMiddleware(h.opts.Limiter, h.opts.Policies, name)(next)
	}
	h.mux.Handle(pattern, h.instrument(name, h.protect(next)))
}

func (h *Handler) protect(next http.Handler) http.Handler {
	if h.opts.Auth == nil {
		return next
	}
	return h.opts.Auth(next)
}

// --- route handlers ---------------------------------------------------------

// series returns one metric series, refreshing it from upstream when stale.
func (h *Handler) series(w http.ResponseWriter, r *http.Request) {
	id := seriescache.Identity{
		Platform: r.PathValue("platform"),
		Entity:   r.PathValue("entity"),
		Repo:     r.PathValue("repo"),
		Metric:   r.PathValue("metric"),
	}
	if !validSegments(id.Platform, id.Entity, id.Metric) || (id.Repo != "" && !segment.MatchString(id.Repo)) {
		jsonErr(w, http.StatusBadRequest, CodeBadRequest, "invalid path component")
		return
	}

	s, cached, err := h.opts.Series.GetOrRefresh(r.Context(), id, h.opts.Fetcher)
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResp(w, http.StatusOK, SeriesResponse{Data: s, Cached: cached})
}

// summary returns GET /api/llm/summary; refresh=1 forces a rebuild.
func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	items, err := h.opts.Summary.Get(r.Context(), refresh(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResp(w, http.StatusOK, SummaryResponse{Projects: items})
}

// rank returns GET /api/llm/rank/{metric}?top=N.
func (h *Handler) rank(w http.ResponseWriter, r *http.Request) {
	field := r.PathValue("metric")
	if !summary.IsRankField(field) {
		jsonErr(w, http.StatusBadRequest, CodeUnknownRankMetric,
			fmt.Sprintf("unsupported rank metric %q, use one of %s, %s or %s",
				field, summary.FieldHealthScore, summary.FieldOpenrankMean, summary.FieldActivityMean))
		return
	}

	top := defaultRankTop
	if raw := r.URL.Query().Get("top"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			jsonErr(w, http.StatusBadRequest, CodeBadRequest, "top must be a positive integer")
			return
		}
		top = n
	}

	items, err := h.opts.Summary.Ranked(r.Context(), field, top, refresh(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	jsonResp(w, http.StatusOK, RankResponse{Metric: field, Top: top, Projects: items})
}

// projects returns the tracked projects grouped by category, categories in
// order of first appearance.
func (h *Handler) projects(w http.ResponseWriter, r *http.Request) {
	projects := h.opts.Summary.Projects()

	tree := make([]TreeNode, 0)
	index := make(map[string]int)
	for _, p := range projects {
		i, ok := index[p.Category]
		if !ok {
			i = len(tree)
			index[p.Category] = i
			tree = append(tree, TreeNode{Label: p.Category})
		}
		tree[i].Children = append(tree[i].Children, TreeNode{
			Label: p.Repo,
			Value: p.Org + "/" + p.Repo,
		})
	}
	jsonResp(w, http.StatusOK, ProjectsResponse{Tree: tree, TotalProjects: len(projects)})
}

// contributorRisk grades one repository's bus factor series.
func (h *Handler) contributorRisk(w http.ResponseWriter, r *http.Request) {
	platform, org, repo := r.PathValue("platform"), r.PathValue("org"), r.PathValue("repo")
	if !validSegments(platform, org, repo) {
		jsonErr(w, http.StatusBadRequest, CodeBadRequest, "invalid path component")
		return
	}

	id := seriescache.Identity{Platform: platform, Entity: org, Repo: repo, Metric: risk.Metric}
	s, cached, err := h.opts.Series.GetOrRefresh(r.Context(), id, h.opts.Fetcher)
	if err != nil {
		writeError(w, r, err)
		return
	}

	a := risk.Assess(s.Tail(-1))
	jsonResp(w, http.StatusOK, RiskResponse{
		Project:    org + "/" + repo,
		Platform:   platform,
		Assessment: a,
		TrendText:  a.Trend.Text(),
		Cached:     cached,
	})
}

// batchRisk grades up to ten GitHub repositories. Per-project failures are
// reported inline.
func (h *Handler) batchRisk(w http.ResponseWriter, r *http.Request) {
	var req BatchRiskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		jsonErr(w, http.StatusBadRequest, CodeBadRequest, "body must be {\"projects\": [\"org/repo\", ...]}")
		return
	}
	switch {
	case len(req.Projects) == 0:
		jsonErr(w, http.StatusBadRequest, CodeBadRequest, "at least one project is required")
		return
	case len(req.Projects) > maxBatchRisk:
		jsonErr(w, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("at most %d projects per request", maxBatchRisk))
		return
	}

	results := make([]BatchRiskResult, len(req.Projects))
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(batchRiskWorkers)
	for i, raw := range req.Projects {
		g.Go(func() error {
			results[i] = h.quickRisk(ctx, raw)
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	jsonResp(w, http.StatusOK, BatchRiskResponse{Results: results})
}

func (h *Handler) quickRisk(ctx context.Context, raw string) BatchRiskResult {
	res := BatchRiskResult{Project: raw}
	org, repo, ok := strings.Cut(strings.TrimSpace(raw), "/")
	if !ok || !validSegments(org, repo) {
		res.Error = "invalid format, should be org/repo"
		return res
	}

	id := seriescache.Identity{Platform: "github", Entity: org, Repo: repo, Metric: risk.Metric}
	s, _, err := h.opts.Series.GetOrRefresh(ctx, id, h.opts.Fetcher)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	q := risk.Quick(s.Tail(-1))
	res.QuickAssessment = &q
	return res
}

// status reports liveness and summary state.
func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Status: "ok", Projects: len(h.opts.Summary.Projects())}
	if at := h.opts.Summary.BuiltAt(); !at.IsZero() {
		resp.SummaryBuiltAt = at.UTC().Format(time.RFC3339)
	}
	jsonResp(w, http.StatusOK, resp)
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, errorCode, detail string) {
	jsonResp(w, code, errorResponse{Detail: detail, ErrorCode: errorCode})
}

// writeError maps a domain error to its HTTP status and error code.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var ue *seriescache.UpstreamError
	switch {
	case errors.As(err, &ue):
		switch ue.Kind {
		case seriescache.NotFound:
			jsonErr(w, http.StatusNotFound, CodeNotFound, "no upstream data for this series")
		case seriescache.InvalidFormat:
			jsonErr(w, http.StatusBadGateway, CodeUpstreamFormat, "upstream returned malformed data: "+ue.Detail)
		default:
			jsonErr(w, http.StatusBadGateway, CodeUpstreamUnavail, "upstream is unavailable: "+ue.Detail)
		}
	case errors.Is(err, summary.ErrNoData):
		jsonErr(w, http.StatusNotFound, CodeNoData, "no tracked project has cached series yet")
	case errors.Is(err, seriescache.ErrInvalidIdentity):
		jsonErr(w, http.StatusBadRequest, CodeBadRequest, err.Error())
	default:
		slog.Error("api: request failed", "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()), "err", err)
		jsonErr(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}

func refresh(r *http.Request) bool {
	switch r.URL.Query().Get("refresh") {
	case "1", "true", "yes":
		return true
	}
	return false
}

func validSegments(parts ...string) bool {
	for _, p := range parts {
		if !segment.MatchString(p) {
			return false
		}
	}
	return true
}
