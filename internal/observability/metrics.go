package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics centralizes the runtime's Prometheus instrumentation: turn and
// job throughput, LLM cost/latency, tool execution and safety-pipeline
// outcomes, and channel/sandbox activity. All series are
// promauto-registered against a caller-supplied registry.
type Metrics struct {
	TurnsTotal   *prometheus.CounterVec
	TurnDuration *prometheus.HistogramVec
	JobsTotal    *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec
	ActiveJobs   *prometheus.GaugeVec

	LLMRequestDuration *prometheus.HistogramVec
	LLMRequestCounter  *prometheus.CounterVec
	LLMTokensUsed      *prometheus.CounterVec
	LLMCostUSD         *prometheus.CounterVec
	LLMCooldowns       *prometheus.CounterVec

	ToolExecutionCounter  *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec
	ToolApprovalsTotal    *prometheus.CounterVec
	ToolBreakerTrips      *prometheus.CounterVec

	SafetyStageBlocked *prometheus.CounterVec

	SandboxLaunches *prometheus.CounterVec
	SandboxDuration *prometheus.HistogramVec

	WorkspaceSearchDuration *prometheus.HistogramVec
	WorkspaceDocumentsTotal *prometheus.GaugeVec

	ChannelMessages *prometheus.CounterVec
	ActiveSessions  *prometheus.GaugeVec

	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestCounter  *prometheus.CounterVec

	DatabaseQueryDuration *prometheus.HistogramVec
	DatabaseQueryCounter  *prometheus.CounterVec

	ErrorCounter *prometheus.CounterVec
}

// NewMetrics registers every series with the default registry. Call once
// at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		TurnsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ironclaw_turns_total",
			Help: "Total number of conversational turns by outcome.",
		}, []string{"outcome"}),

		TurnDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ironclaw_turn_duration_seconds",
			Help:    "Duration of a turn from submission to completion.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),

		JobsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ironclaw_jobs_total",
			Help: "Total number of jobs by terminal state.",
		}, []string{"state", "mode"}),

		JobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ironclaw_job_duration_seconds",
			Help:    "Duration of a job from start to completion.",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		}, []string{"mode"}),

		ActiveJobs: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ironclaw_active_jobs",
			Help: "Current number of in-progress jobs.",
		}, []string{"mode"}),

		LLMRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ironclaw_llm_request_duration_seconds",
			Help:    "Duration of LLM completion calls.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),

		LLMRequestCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ironclaw_llm_requests_total",
			Help: "Total LLM requests by provider, model, and status.",
		}, []string{"provider", "model", "status"}),

		LLMTokensUsed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ironclaw_llm_tokens_total",
			Help: "Total tokens consumed by provider, model, and type.",
		}, []string{"provider", "model", "type"}),

		LLMCostUSD: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ironclaw_llm_cost_usd_total",
			Help: "Estimated cumulative LLM spend in USD.",
		}, []string{"provider", "model"}),

		LLMCooldowns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ironclaw_llm_provider_cooldowns_total",
			Help: "Total number of times a provider entered failover cooldown.",
		}, []string{"provider"}),

		ToolExecutionCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ironclaw_tool_executions_total",
			Help: "Total tool executions by tool name and status.",
		}, []string{"tool_name", "status"}),

		ToolExecutionDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ironclaw_tool_execution_duration_seconds",
			Help:    "Duration of tool executions.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),

		ToolApprovalsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ironclaw_tool_approvals_total",
			Help: "Total approval decisions by tool name and decision.",
		}, []string{"tool_name", "decision"}),

		ToolBreakerTrips: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ironclaw_tool_breaker_trips_total",
			Help: "Total number of times a tool was marked broken by the self-repair task.",
		}, []string{"tool_name"}),

		SafetyStageBlocked: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ironclaw_safety_stage_blocked_total",
			Help: "Total content blocked by each safety pipeline stage.",
		}, []string{"stage", "direction"}),

		SandboxLaunches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ironclaw_sandbox_launches_total",
			Help: "Total sandboxed worker launches by status.",
		}, []string{"status"}),

		SandboxDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ironclaw_sandbox_duration_seconds",
			Help:    "Wall-clock duration of sandboxed worker executions.",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900},
		}, []string{"status"}),

		WorkspaceSearchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ironclaw_workspace_search_duration_seconds",
			Help:    "Duration of hybrid workspace search operations.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"mode"}),

		WorkspaceDocumentsTotal: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ironclaw_workspace_documents",
			Help: "Current number of workspace documents per user.",
		}, []string{"user_id"}),

		ChannelMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ironclaw_channel_messages_total",
			Help: "Total messages by channel and direction.",
		}, []string{"channel", "direction"}),

		ActiveSessions: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ironclaw_active_sessions",
			Help: "Current number of active sessions by channel.",
		}, []string{"channel"}),

		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ironclaw_http_request_duration_seconds",
			Help:    "Duration of gateway HTTP requests.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path", "status_code"}),

		HTTPRequestCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ironclaw_http_requests_total",
			Help: "Total gateway HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		DatabaseQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ironclaw_database_query_duration_seconds",
			Help:    "Duration of persistence port operations.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"operation", "table"}),

		DatabaseQueryCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ironclaw_database_queries_total",
			Help: "Total persistence port operations.",
		}, []string{"operation", "table", "status"}),

		ErrorCounter: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ironclaw_errors_total",
			Help: "Total errors by component and error kind.",
		}, []string{"component", "error_kind"}),
	}
}
