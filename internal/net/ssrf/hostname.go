package ssrf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// blockedHostnames are always rejected regardless of DNS resolution.
var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata.azure.com":       true,
}

// dangerousSuffixes flag hostnames that name internal/local resources by
// convention even when they don't resolve to a private IP.
var dangerousSuffixes = []string{".localhost", ".local", ".internal"}

// IsBlockedHostname reports whether hostname is in the fixed blocklist or
// carries a dangerous suffix.
func IsBlockedHostname(hostname string) bool {
	normalized := normalizeHostname(hostname)
	if normalized == "" {
		return false
	}
	if blockedHostnames[normalized] {
		return true
	}
	for _, suffix := range dangerousSuffixes {
		if strings.HasSuffix(normalized, suffix) {
			return true
		}
	}
	return false
}

// Resolver abstracts DNS lookup so callers can inject a fake for tests.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

var defaultResolver Resolver = net.DefaultResolver

// ValidatePublicHostname rejects raw IP literals pointed at private space,
// blocked hostnames, and any hostname whose DNS resolution lands on
// private, loopback, link-local, or CGNAT space — the core SSRF defense
// required at the sandbox egress proxy. It never dials; callers
// still go through the usual transport after validation passes.
func ValidatePublicHostname(ctx context.Context, hostname string) error {
	return ValidatePublicHostnameWith(ctx, defaultResolver, hostname)
}

// ValidatePublicHostnameWith is ValidatePublicHostname with an injectable
// resolver.
func ValidatePublicHostnameWith(ctx context.Context, resolver Resolver, hostname string) error {
	normalized := normalizeHostname(hostname)
	if normalized == "" {
		return errors.New("invalid hostname: empty after normalization")
	}
	if IsBlockedHostname(normalized) {
		return NewBlockedError(fmt.Sprintf("blocked hostname: %s", hostname))
	}
	if IsPrivateIPAddress(normalized) {
		return NewBlockedError("blocked: private/internal IP address")
	}
	ips, err := resolver.LookupIP(ctx, "ip", normalized)
	if err != nil {
		return fmt.Errorf("unable to resolve hostname %s: %w", hostname, err)
	}
	if len(ips) == 0 {
		return fmt.Errorf("unable to resolve hostname: %s", hostname)
	}
	for _, ip := range ips {
		if IsPrivateIPAddress(ip.String()) {
			return NewBlockedError("blocked: resolves to private/internal IP address")
		}
	}
	return nil
}
