package sessionmgr

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// PublicIPResolver discovers the address attacker sessions see as the
// honeypot's own address, stamped as DstAddr on every SessionEndpoint
// (spec supplement: original_source's _connection_manager.py resolves
// its public IP via ident.me once at startup).
type PublicIPResolver interface {
	Resolve(ctx context.Context) (net.IP, error)
}

// httpPublicIPResolver fetches the caller's address from a plain-text
// IP-echo service such as https://ident.me.
type httpPublicIPResolver struct {
	url    string
	client *http.Client
}

// NewHTTPPublicIPResolver builds a PublicIPResolver against an IP-echo
// service. url defaults to https://ident.me when empty.
func NewHTTPPublicIPResolver(url string, timeout time.Duration) PublicIPResolver {
	if url == "" {
		url = "https://ident.me"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &httpPublicIPResolver{url: url, client: &http.Client{Timeout: timeout}}
}

func (r *httpPublicIPResolver) Resolve(ctx context.Context) (net.IP, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("building public ip request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching public ip from %s: %w", r.url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return nil, fmt.Errorf("reading public ip response: %w", err)
	}
	text := strings.TrimSpace(string(body))
	ip := net.ParseIP(text)
	if ip == nil {
		return nil, fmt.Errorf("public ip service %s returned unparseable address %q", r.url, text)
	}
	return ip, nil
}

// StaticPublicIPResolver always resolves to a fixed address, used as a
// fallback when the HTTP resolver is unreachable (so tests and offline
// runs never need network access).
type StaticPublicIPResolver net.IP

func (s StaticPublicIPResolver) Resolve(ctx context.Context) (net.IP, error) {
	return net.IP(s), nil
}

// ResolveWithFallback tries primary and falls back to static if primary
// errors, logging nothing itself — callers log the fallback decision.
func ResolveWithFallback(ctx context.Context, primary PublicIPResolver, fallback net.IP) (net.IP, error) {
	ip, err := primary.Resolve(ctx)
	if err == nil {
		return ip, nil
	}
	if fallback == nil {
		return nil, err
	}
	return fallback, nil
}
