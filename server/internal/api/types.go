package api

import (
	"github.com/ospulse/ospulse/server/internal/risk"
	"github.com/ospulse/ospulse/server/internal/seriescache"
	"github.com/ospulse/ospulse/server/internal/summary"
)

// errorResponse is the body of every non-2xx response.
type errorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code"`
}

// SeriesResponse is the payload for GET /api/data/....
type SeriesResponse struct {
	Data   seriescache.Series `json:"data"`
	Cached bool               `json:"cached"`
}

// SummaryResponse is the payload for GET /api/llm/summary.
type SummaryResponse struct {
	Projects []summary.Item `json:"projects"`
}

// RankResponse is the payload for GET /api/llm/rank/{metric}.
type RankResponse struct {
	Metric   string         `json:"metric"`
	Top      int            `json:"top"`
	Projects []summary.Item `json:"projects"`
}

// ProjectsResponse is the payload for GET /api/llm/projects: tracked
// projects grouped by category.
type ProjectsResponse struct {
	Tree          []TreeNode `json:"tree"`
	TotalProjects int        `json:"total_projects"`
}

// TreeNode is a category (with Children) or a project leaf (with Value
// "org/repo").
type TreeNode struct {
	Label    string     `json:"label"`
	Value    string     `json:"value,omitempty"`
	Children []TreeNode `json:"children,omitempty"`
}

// RiskResponse is the payload for GET /api/health/contributor-risk/....
type RiskResponse struct {
	Project  string `json:"project"`
	Platform string `json:"platform"`
	risk.Assessment
	TrendText string `json:"bus_factor_trend_text"`
	Cached    bool   `json:"cached"`
}

// BatchRiskRequest is the body of POST /api/health/batch-risk.
type BatchRiskRequest struct {
	Projects []string `json:"projects"`
}

// BatchRiskResponse lists one result per requested project, in request order.
type BatchRiskResponse struct {
	Results []BatchRiskResult `json:"results"`
}

// BatchRiskResult carries either an assessment or an error.
type BatchRiskResult struct {
	Project string `json:"project"`
	*risk.QuickAssessment
	Error string `json:"error,omitempty"`
}

// StatusResponse is the payload for GET /healthz.
type StatusResponse struct {
	Status         string `json:"status"`
	Projects       int    `json:"projects"`
	SummaryBuiltAt string `json:"summary_built_at,omitempty"`
}
