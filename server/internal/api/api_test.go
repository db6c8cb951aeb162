package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ospulse/ospulse/server/internal/api"
	"github.com/ospulse/ospulse/server/internal/auth"
	"github.com/ospulse/ospulse/server/internal/config"
	"github.com/ospulse/ospulse/server/internal/metrics"
	"github.com/ospulse/ospulse/server/internal/ratelimit"
	"github.com/ospulse/ospulse/server/internal/seriescache"
	"github.com/ospulse/ospulse/server/internal/store"
	"github.com/ospulse/ospulse/server/internal/summary"
)

// --- test helpers -----------------------------------------------------------

// upstream serves payloads by series path; anything else is NotFound.
type upstream struct {
	payloads map[string]string
	errs     map[string]error
	calls    atomic.Int32
}

func (u *upstream) Fetch(_ context.Context, id seriescache.Identity) ([]byte, error) {
	u.calls.Add(1)
	if err, ok := u.errs[id.String()]; ok {
		return nil, err
	}
	if p, ok := u.payloads[id.String()]; ok {
		return []byte(p), nil
	}
	return nil, &seriescache.UpstreamError{Kind: seriescache.NotFound, Detail: "HTTP 404", Status: 404}
}

var projects = []summary.Project{
	{Platform: "github", Org: "apache", Repo: "kafka", Category: "data"},
	{Platform: "github", Org: "golang", Repo: "go", Category: "language"},
	{Platform: "github", Org: "apache", Repo: "flink", Category: "data"},
}

type env struct {
	handler  *api.Handler
	cache    *seriescache.Cache
	upstream *upstream
	summary  *summary.Cache
	registry *metrics.Registry
}

func newEnv(t *testing.T, mutate func(*api.Options)) *env {
	t.Helper()
	u := &upstream{payloads: map[string]string{}, errs: map[string]error{}}
	sc := seriescache.New(store.New(0))
	agg, err := summary.NewAggregator(sc, summary.Settings{})
	if err != nil {
		t.Fatalf("NewAggregator: %v", err)
	}
	sum := summary.NewCache(agg, projects, time.Minute)
	reg := metrics.NewRegistry()

	opts := api.Options{Series: sc, Fetcher: u, Summary: sum, Metrics: reg}
	if mutate != nil {
		mutate(&opts)
	}
	return &env{handler: api.New(opts), cache: sc, upstream: u, summary: sum, registry: reg}
}

// seed stores series directly, without going through upstream.
func (e *env) seed(t *testing.T, path, payload string) {
	t.Helper()
	parts := strings.Split(path, "/")
	id := seriescache.Identity{Platform: parts[0], Entity: parts[1], Repo: parts[2], Metric: parts[3]}
	if _, err := e.cache.RefreshSeries(context.Background(), id, []byte(payload)); err != nil {
		t.Fatalf("seed %s: %v", path, err)
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, strings.NewReader(body)))
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode JSON: %v (body: %s)", err, rr.Body.String())
	}
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Detail    string `json:"detail"`
		ErrorCode string `json:"error_code"`
	}
	decode(t, rr, &body)
	if body.Detail == "" {
		t.Errorf("error body without detail")
	}
	return body.ErrorCode
}

// --- series -----------------------------------------------------------------

func TestSeries_RepoLevel(t *testing.T) {
	e := newEnv(t, nil)
	e.upstream.payloads["github/apache/kafka/openrank"] = `{"2024-02": 3.5, "2024-01": 5, "2024-01-raw": 9}`

	rr := get(t, e.handler, "/api/data/github/apache/kafka/openrank")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (body %s)", rr.Code, rr.Body.String())
	}
	var resp struct {
		Data []struct {
			Month string  `json:"month"`
			Count float64 `json:"count"`
		} `json:"data"`
		Cached bool `json:"cached"`
	}
	decode(t, rr, &resp)
	if len(resp.Data) != 2 || resp.Data[0].Month != "2024-01" || resp.Data[1].Count != 3.5 {
		t.Errorf("data: got %+v", resp.Data)
	}
	if resp.Cached {
		t.Error("first read should not be cached")
	}

	rr = get(t, e.handler, "/api/data/github/apache/kafka/openrank")
	decode(t, rr, &resp)
	if !resp.Cached {
		t.Error("second read should be cached")
	}
	if n := e.upstream.calls.Load(); n != 1 {
		t.Errorf("upstream calls: got %d, want 1", n)
	}
}

func TestSeries_UserLevel(t *testing.T) {
	e := newEnv(t, nil)
	e.upstream.payloads["github/torvalds/openrank"] = `{"2024-01": 12}`

	rr := get(t, e.handler, "/api/data/github/torvalds/openrank")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
}

func TestSeries_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*upstream)
		wantCode int
		wantErr  string
	}{
		{"not found", func(*upstream) {}, http.StatusNotFound, api.CodeNotFound},
		{"malformed payload", func(u *upstream) {
			u.payloads["github/apache/kafka/openrank"] = `[1, 2, 3]`
		}, http.StatusBadGateway, api.CodeUpstreamFormat},
		{"no monthly labels", func(u *upstream) {
			u.payloads["github/apache/kafka/openrank"] = `{"bad-label": 1}`
		}, http.StatusBadGateway, api.CodeUpstreamFormat},
		{"unavailable", func(u *upstream) {
			u.errs["github/apache/kafka/openrank"] = &seriescache.UpstreamError{Kind: seriescache.Unavailable, Detail: "HTTP 503", Status: 503}
		}, http.StatusBadGateway, api.CodeUpstreamUnavail},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, nil)
			tc.setup(e.upstream)
			rr := get(t, e.handler, "/api/data/github/apache/kafka/openrank")
			if rr.Code != tc.wantCode {
				t.Fatalf("status: got %d, want %d", rr.Code, tc.wantCode)
			}
			if code := errorCode(t, rr); code != tc.wantErr {
				t.Errorf("error_code: got %q, want %q", code, tc.wantErr)
			}
		})
	}
}

func TestSeries_InvalidSegment(t *testing.T) {
	e := newEnv(t, nil)
	rr := get(t, e.handler, "/api/data/github/apache/ka%20fka/openrank")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rr.Code)
	}
	if e.upstream.calls.Load() != 0 {
		t.Error("upstream contacted for an invalid path")
	}
}

func TestSeries_MethodNotAllowed(t *testing.T) {
	e := newEnv(t, nil)
	rr := post(t, e.handler, "/api/data/github/apache/kafka/openrank", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status: got %d, want 405", rr.Code)
	}
}

// --- summary and rank -------------------------------------------------------

func seedSummary(t *testing.T, e *env) {
	t.Helper()
	e.seed(t, "github/apache/kafka/openrank", `{"2024-01": 10, "2024-02": 10}`)
	e.seed(t, "github/apache/kafka/activity", `{"2024-01": 100}`)
	e.seed(t, "github/golang/go/openrank", `{"2024-01": 20, "2024-02": 40}`)
	e.seed(t, "github/golang/go/activity", `{"2024-01": 50}`)
}

func TestSummary_NoData(t *testing.T) {
	e := newEnv(t, nil)
	rr := get(t, e.handler, "/api/llm/summary")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status: got %d, want 404", rr.Code)
	}
	if code := errorCode(t, rr); code != api.CodeNoData {
		t.Errorf("error_code: got %q, want %q", code, api.CodeNoData)
	}
}

func TestSummary_Projects(t *testing.T) {
	e := newEnv(t, nil)
	seedSummary(t, e)

	rr := get(t, e.handler, "/api/llm/summary")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp api.SummaryResponse
	decode(t, rr, &resp)
	if len(resp.Projects) != 2 {
		t.Fatalf("projects: got %d, want 2 (flink has no series)", len(resp.Projects))
	}
	if resp.Projects[0].ProjectKey != "github/apache/kafka" || resp.Projects[1].ProjectKey != "github/golang/go" {
		t.Errorf("order: got %s, %s", resp.Projects[0].ProjectKey, resp.Projects[1].ProjectKey)
	}
	if resp.Projects[1].OpenrankMean != 30 {
		t.Errorf("go openrank mean: got %v, want 30", resp.Projects[1].OpenrankMean)
	}
}

func TestSummary_RefreshRebuilds(t *testing.T) {
	e := newEnv(t, nil)
	seedSummary(t, e)
	get(t, e.handler, "/api/llm/summary")
	first := e.summary.BuiltAt()

	time.Sleep(2 * time.Millisecond)
	get(t, e.handler, "/api/llm/summary")
	if !e.summary.BuiltAt().Equal(first) {
		t.Error("summary rebuilt inside its TTL without refresh")
	}

	get(t, e.handler, "/api/llm/summary?refresh=1")
	if !e.summary.BuiltAt().After(first) {
		t.Error("refresh=1 did not rebuild the summary")
	}
}

func TestRank(t *testing.T) {
	e := newEnv(t, nil)
	seedSummary(t, e)

	rr := get(t, e.handler, "/api/llm/rank/activity_mean_12m?top=1")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp api.RankResponse
	decode(t, rr, &resp)
	if resp.Metric != "activity_mean_12m" || resp.Top != 1 {
		t.Errorf("metric/top: got %q/%d", resp.Metric, resp.Top)
	}
	if len(resp.Projects) != 1 || resp.Projects[0].Repo != "kafka" {
		t.Errorf("projects: got %+v", resp.Projects)
	}

	rr = get(t, e.handler, "/api/llm/rank/openrank_mean_12m")
	decode(t, rr, &resp)
	if resp.Top != 10 || len(resp.Projects) != 2 || resp.Projects[0].Repo != "go" {
		t.Errorf("default top: got top=%d projects=%+v", resp.Top, resp.Projects)
	}
}

func TestRank_BadInput(t *testing.T) {
	e := newEnv(t, nil)
	seedSummary(t, e)

	rr := get(t, e.handler, "/api/llm/rank/stars")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown metric: got %d, want 400", rr.Code)
	}
	if code := errorCode(t, rr); code != api.CodeUnknownRankMetric {
		t.Errorf("error_code: got %q", code)
	}

	for _, top := range []string{"0", "-3", "ten"} {
		if rr := get(t, e.handler, "/api/llm/rank/health_score?top="+top); rr.Code != http.StatusBadRequest {
			t.Errorf("top=%s: got %d, want 400", top, rr.Code)
		}
	}
}

func TestProjectsTree(t *testing.T) {
	e := newEnv(t, nil)
	rr := get(t, e.handler, "/api/llm/projects")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp api.ProjectsResponse
	decode(t, rr, &resp)
	if resp.TotalProjects != 3 {
		t.Errorf("total_projects: got %d, want 3", resp.TotalProjects)
	}
	if len(resp.Tree) != 2 || resp.Tree[0].Label != "data" || resp.Tree[1].Label != "language" {
		t.Fatalf("categories: got %+v", resp.Tree)
	}
	data := resp.Tree[0].Children
	if len(data) != 2 || data[0].Value != "apache/kafka" || data[1].Value != "apache/flink" {
		t.Errorf("data children: got %+v", data)
	}
}

// --- risk -------------------------------------------------------------------

func TestContributorRisk(t *testing.T) {
	e := newEnv(t, nil)
	e.upstream.payloads["github/apache/kafka/bus_factor"] =
		`{"2024-01": 1, "2024-02": 1, "2024-03": 1, "2024-04": 1, "2024-05": 1, "2024-06": 1}`

	rr := get(t, e.handler, "/api/health/contributor-risk/github/apache/kafka")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (body %s)", rr.Code, rr.Body.String())
	}
	var body map[string]interface{}
	decode(t, rr, &body)
	if body["project"] != "apache/kafka" || body["platform"] != "github" {
		t.Errorf("project/platform: got %v/%v", body["project"], body["platform"])
	}
	if body["risk_level"] != "critical" || body["risk_score"] != 0.95 {
		t.Errorf("level/score: got %v/%v", body["risk_level"], body["risk_score"])
	}
	if body["bus_factor_trend"] != "stable" || body["bus_factor_trend_text"] != "holding steady" {
		t.Errorf("trend: got %v / %v", body["bus_factor_trend"], body["bus_factor_trend_text"])
	}
	if _, ok := body["details"].(map[string]interface{}); !ok {
		t.Error("details: missing")
	}
	if body["cached"] != false {
		t.Errorf("cached: got %v", body["cached"])
	}
}

func TestContributorRisk_NotFound(t *testing.T) {
	e := newEnv(t, nil)
	rr := get(t, e.handler, "/api/health/contributor-risk/github/nobody/ghost")
	if rr.Code != http.StatusNotFound {
		t.Errorf("status: got %d, want 404", rr.Code)
	}
}

func TestBatchRisk(t *testing.T) {
	e := newEnv(t, nil)
	e.upstream.payloads["github/apache/kafka/bus_factor"] = `{"2024-01": 9, "2024-02": 9}`

	rr := post(t, e.handler, "/api/health/batch-risk", `{"projects": ["apache/kafka", "not-a-repo", "nobody/ghost"]}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	var resp struct {
		Results []map[string]interface{} `json:"results"`
	}
	decode(t, rr, &resp)
	if len(resp.Results) != 3 {
		t.Fatalf("results: got %d, want 3", len(resp.Results))
	}

	kafka := resp.Results[0]
	if kafka["project"] != "apache/kafka" || kafka["risk_level"] != "low" || kafka["bus_factor_avg_6m"] != 9.0 {
		t.Errorf("kafka: got %v", kafka)
	}
	if _, ok := kafka["error"]; ok {
		t.Errorf("kafka: unexpected error %v", kafka["error"])
	}
	if msg, _ := resp.Results[1]["error"].(string); !strings.Contains(msg, "org/repo") {
		t.Errorf("format error: got %v", resp.Results[1])
	}
	if _, ok := resp.Results[1]["risk_level"]; ok {
		t.Error("failed entry should carry no assessment")
	}
	if resp.Results[2]["error"] == nil {
		t.Errorf("missing project: got %v", resp.Results[2])
	}
}

func TestBatchRisk_BadRequests(t *testing.T) {
	e := newEnv(t, nil)
	eleven := `{"projects": ["a/b","a/b","a/b","a/b","a/b","a/b","a/b","a/b","a/b","a/b","a/b"]}`
	for name, body := range map[string]string{
		"empty list":   `{"projects": []}`,
		"missing list": `{}`,
		"not json":     `projects=a/b`,
		"too many":     eleven,
	} {
		if rr := post(t, e.handler, "/api/health/batch-risk", body); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: got %d, want 400", name, rr.Code)
		}
	}
	if rr := get(t, e.handler, "/api/health/batch-risk"); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: got %d, want 405", rr.Code)
	}
}

// --- cross-cutting ----------------------------------------------------------

func TestRateLimitedRoute(t *testing.T) {
	e := newEnv(t, func(o *api.Options) {
		o.Limiter = ratelimit.New(nil, nil)
		o.Policies = ratelimit.NewTable(map[string]ratelimit.Chain{
			config.RouteProjects: {{MaxRequests: 2, Window: time.Minute}},
		})
	})

	for i := 0; i < 2; i++ {
		if rr := get(t, e.handler, "/api/llm/projects"); rr.Code != http.StatusOK {
			t.Fatalf("call %d: got %d", i, rr.Code)
		}
	}
	rr := get(t, e.handler, "/api/llm/projects")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("third call: got %d, want 429", rr.Code)
	}
	if rr.Header().Get(ratelimit.HeaderRetryAfter) == "" {
		t.Error("Retry-After: missing")
	}

	// Other routes keep their own quota.
	if rr := get(t, e.handler, "/healthz"); rr.Code != http.StatusOK {
		t.Errorf("healthz: got %d", rr.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	e := newEnv(t, func(o *api.Options) {
		o.Auth = auth.Middleware(auth.ModeAPIKey, "x-api-key", auth.Keys{"s3cret": "dashboard"})
	})

	if rr := get(t, e.handler, "/api/llm/projects"); rr.Code != http.StatusUnauthorized {
		t.Errorf("without key: got %d, want 401", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/llm/projects", nil)
	req.Header.Set("x-api-key", "s3cret")
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("with key: got %d, want 200", rr.Code)
	}
}

func TestRequestID(t *testing.T) {
	e := newEnv(t, nil)

	rr := get(t, e.handler, "/healthz")
	if rr.Header().Get(api.HeaderRequestID) == "" {
		t.Error("X-Request-ID: missing")
	}

	const inbound = "0b7f2f4e-3d5c-4b8e-9a57-5d0b6c1f2e3a"
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(api.HeaderRequestID, inbound)
	rr = httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	if got := rr.Header().Get(api.HeaderRequestID); got != inbound {
		t.Errorf("X-Request-ID: got %q, want %q", got, inbound)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newEnv(t, nil)
	get(t, e.handler, "/api/llm/projects")

	rr := get(t, e.handler, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `ospulse_http_requests_total{code="200",route="projects"} 1`) {
		t.Errorf("request counter missing from:\n%s", rr.Body.String())
	}
}

func TestContentTypeJSON(t *testing.T) {
	e := newEnv(t, nil)
	for _, path := range []string{"/api/llm/projects", "/api/llm/summary", "/healthz"} {
		rr := get(t, e.handler, path)
		if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("%s Content-Type: got %q", path, ct)
		}
	}
}
