package ssrf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrRedirectBlocked is returned (wrapped in a url.Error by net/http) when
// the upstream server attempts to redirect the egress request.
var ErrRedirectBlocked = errors.New("ssrf: redirects are not permitted through the egress proxy")

// ErrTunnelBlocked is returned for CONNECT requests, which the egress
// proxy never permits.
var ErrTunnelBlocked = NewBlockedError("ssrf: CONNECT tunneling is not permitted")

// BodyScanner is the leak-detection hook the egress proxy calls on both
// the outbound request body and the inbound response body before either
// crosses the sandbox boundary. internal/safety's leak detector satisfies
// this interface; it is injected here rather than imported directly so
// this package stays free of a dependency on the safety pipeline.
type BodyScanner interface {
	ScanBytes(ctx context.Context, content []byte) (blocked bool, reason string)
}

// RequestScanner extends BodyScanner for the outbound leg: it sees the
// request URL and header values as well as the body, so secrets placed in
// a query parameter or header are caught, not just body payloads.
// internal/safety's pipeline satisfies this interface too.
type RequestScanner interface {
	ScanRequest(ctx context.Context, rawURL string, headers map[string]string, body []byte) (blocked bool, reason string)
}

// noopScanner lets a Proxy be constructed without a scanner in tests.
type noopScanner struct{}

func (noopScanner) ScanBytes(context.Context, []byte) (bool, string) { return false, "" }

// ProxyConfig configures an egress Proxy.
type ProxyConfig struct {
	// AllowedHosts is the exact-match (case-insensitive) domain allowlist
	// declared by the sandboxed tool or job.
	AllowedHosts []string
	// Scanner inspects request/response bodies for credential shapes.
	// Defaults to a no-op scanner if nil. When Scanner also implements
	// RequestScanner, the outbound leg additionally covers the request
	// URL's query parameters and headers.
	Scanner BodyScanner
	// MaxBodyBytes bounds how much of a body is buffered for scanning.
	// Defaults to 4 MiB.
	MaxBodyBytes int64
	// Resolver overrides DNS resolution for hostname validation, for tests.
	Resolver Resolver
	// Timeout bounds a single forwarded request. Defaults to 30s.
	Timeout time.Duration
}

// Proxy is the host-side network proxy a sandboxed worker's outbound HTTP
// calls are routed through. It enforces the allowlist, blocks SSRF-shaped
// destinations, refuses redirects and CONNECT tunnels, and scans both
// legs of the request with the injected BodyScanner before anything
// crosses the boundary.
type Proxy struct {
	cfg    ProxyConfig
	client *http.Client
}

// NewProxy constructs a Proxy from cfg, filling in defaults.
func NewProxy(cfg ProxyConfig) *Proxy {
	if cfg.Scanner == nil {
		cfg.Scanner = noopScanner{}
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 4 << 20
	}
	if cfg.Resolver == nil {
		cfg.Resolver = defaultResolver
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Proxy{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return ErrRedirectBlocked
			},
		},
	}
}

func (p *Proxy) hostAllowed(host string) bool {
	normalized := normalizeHostname(host)
	for _, allowed := range p.cfg.AllowedHosts {
		if normalizeHostname(allowed) == normalized {
			return true
		}
	}
	return false
}

// Forward validates and executes req, returning the upstream response with
// its body already scanned and fully buffered (so callers may read it
// more than once; the sandbox RPC layer always marshals it to JSON
// immediately afterward).
func (p *Proxy) Forward(ctx context.Context, req *http.Request) (*http.Response, error) {
	if strings.EqualFold(req.Method, http.MethodConnect) {
		return nil, ErrTunnelBlocked
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return nil, NewBlockedError(fmt.Sprintf("ssrf: unsupported scheme %q", req.URL.Scheme))
	}
	var reqBody []byte
	if req.Body != nil {
		defer req.Body.Close()
		var err error
		reqBody, err = io.ReadAll(io.LimitReader(req.Body, p.cfg.MaxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("ssrf: reading request body: %w", err)
		}
	}
	// The leak scan runs first, before DNS resolution or any dial, and it
	// always runs, body or not: a secret can ride in a query parameter or
	// header just as easily as in a payload.
	if rs, ok := p.cfg.Scanner.(RequestScanner); ok {
		headers := make(map[string]string, len(req.Header))
		for name := range req.Header {
			headers[name] = req.Header.Get(name)
		}
		if blocked, reason := rs.ScanRequest(ctx, req.URL.String(), headers, reqBody); blocked {
			return nil, NewBlockedError("ssrf: request blocked by leak detector: " + reason)
		}
	} else if reqBody != nil {
		if blocked, reason := p.cfg.Scanner.ScanBytes(ctx, reqBody); blocked {
			return nil, NewBlockedError("ssrf: request body blocked by leak detector: " + reason)
		}
	}

	host := req.URL.Hostname()
	if !p.hostAllowed(host) {
		return nil, NewBlockedError(fmt.Sprintf("ssrf: host %q is not in the declared allowlist", host))
	}
	if err := ValidatePublicHostnameWith(ctx, p.cfg.Resolver, host); err != nil {
		return nil, err
	}

	outReq := req.Clone(ctx)
	if reqBody != nil {
		outReq.Body = io.NopCloser(bytes.NewReader(reqBody))
		outReq.ContentLength = int64(len(reqBody))
	}

	resp, err := p.client.Do(outReq)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && errors.Is(urlErr.Err, ErrRedirectBlocked) {
			return nil, ErrRedirectBlocked
		}
		return nil, err
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxBodyBytes))
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("ssrf: reading response body: %w", err)
	}
	if blocked, reason := p.cfg.Scanner.ScanBytes(ctx, respBody); blocked {
		return nil, NewBlockedError("ssrf: response body blocked by leak detector: " + reason)
	}
	resp.Body = io.NopCloser(bytes.NewReader(respBody))
	resp.ContentLength = int64(len(respBody))
	return resp, nil
}
