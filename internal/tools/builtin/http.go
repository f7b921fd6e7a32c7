package builtin

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/danielsimonjr/ironclaw/internal/net/ssrf"
	"github.com/danielsimonjr/ironclaw/internal/tools"
)

// HTTPParams describes an outbound HTTP request the http tool performs on
// the caller's behalf. Only GET/POST/PUT/PATCH/DELETE are accepted.
type HTTPParams struct {
	Method  string            `json:"method,omitempty" jsonschema:"description=HTTP method, default GET."`
	URL     string            `json:"url" jsonschema:"required,description=Absolute http(s) URL to fetch."`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

const maxHTTPResponseBytes = 1 << 20 // 1MiB

// HTTPTool performs a single outbound HTTP request, subject to the same
// SSRF defenses the sandbox egress proxy applies, since this tool
// runs in-process with the orchestrator's own network access.
type HTTPTool struct {
	tools.BaseTool
	client *http.Client
}

// NewHTTPTool constructs the reserved "http" tool.
func NewHTTPTool() *HTTPTool {
	return &HTTPTool{
		BaseTool: tools.BaseTool{
			ToolName:        "http",
			ToolDescription: "Perform a single outbound HTTP request to a public host.",
			ToolSchema:      tools.GenerateSchema(&HTTPParams{}),
			ToolDomain:      tools.DomainOrchestrator,
			Timeout:         30 * time.Second,
		},
		client: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (t *HTTPTool) Execute(ctx context.Context, jobCtx tools.JobContext, params json.RawMessage) (*tools.Output, error) {
	var p HTTPParams
	if err := json.Unmarshal(params, &p); err != nil {
		return tools.ErrorOutput("invalid parameters: " + err.Error()), nil
	}
	method := strings.ToUpper(strings.TrimSpace(p.Method))
	if method == "" {
		method = http.MethodGet
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return tools.ErrorOutput("unsupported method: " + method), nil
	}

	parsed, err := url.Parse(p.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return tools.ErrorOutput("url must be an absolute http(s) URL"), nil
	}
	if err := ssrf.ValidatePublicHostname(ctx, parsed.Hostname()); err != nil {
		return tools.ErrorOutput("blocked by network policy: " + err.Error()), nil
	}

	var body io.Reader
	if p.Body != "" {
		body = strings.NewReader(p.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.URL, body)
	if err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxHTTPResponseBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return tools.ErrorOutput(err.Error()), nil
	}
	truncated := ""
	if len(data) > maxHTTPResponseBytes {
		data = data[:maxHTTPResponseBytes]
		truncated = " (truncated)"
	}
	return &tools.Output{
		Content: string(data) + truncated,
		Detail:  map[string]any{"status": resp.StatusCode},
	}, nil
}
