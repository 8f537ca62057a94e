// Package upstream is the Upstream Adapter: authenticated HTTPS
// requests to the upstream mail API, a DNS+HEAD reachability probe, and the
// safe-call fallback wrapper used by Mailbox Operations.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"m365proxy/mailerr"
)

const (
	defaultBase       = "https://graph.microsoft.com/v1.0"
	defaultHost       = "graph.microsoft.com"
	requestTimeout    = 10 * time.Second
	reachabilityProbe = 1 * time.Second
)

// TokenSource supplies the bearer token for upstream calls. Implemented by
// tokenmgr.Manager; declared here to avoid a dependency cycle.
type TokenSource interface {
	GetAccessToken(ctx context.Context) (string, bool)
}

// Response is the untreated result of a Request call.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Adapter is the Upstream Adapter. One Adapter is shared by every caller of
// the upstream API in a running proxy.
type Adapter struct {
	client   *http.Client
	base     string
	host     string
	tokens   TokenSource
	log      *zap.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBase overrides the upstream base URL and reachability-probe host.
// Used by tests to point the Adapter at an httptest server instead of the
// real Graph API.
func WithBase(base, host string) Option {
	return func(a *Adapter) {
		a.base = base
		a.host = host
	}
}

// WithProxy routes requests through an HTTPS forward proxy.
func WithProxy(proxyURL string) Option {
	return func(a *Adapter) {
		if proxyURL == "" {
			return
		}
		if transport, ok := a.client.Transport.(*http.Transport); ok {
			if u, err := url.Parse(proxyURL); err == nil {
				transport.Proxy = http.ProxyURL(u)
			}
		}
	}
}

// New builds an Adapter that vends bearer tokens from tokens.
func New(tokens TokenSource, log *zap.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		client: &http.Client{
			Timeout:   requestTimeout,
			Transport: &http.Transport{},
		},
		base:   defaultBase,
		host:   defaultHost,
		tokens: tokens,
		log:    log,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Request performs an authenticated call against the upstream API. path may
// be a path (resolved against the v1.0 base) or an absolute URL (as
// returned by paginated list responses' next links). Returns a nil Response
// and a *mailerr.AuthError when no bearer token is available.
func (a *Adapter) Request(ctx context.Context, method, pathOrURL string, headers map[string]string, body []byte) (*Response, error) {
	token, ok := a.tokens.GetAccessToken(ctx)
	if !ok {
		return nil, &mailerr.AuthError{Reason: "no access token available"}
	}

	target := pathOrURL
	if !isAbsoluteURL(target) {
		target = a.base + target
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		a.log.Warn("upstream request failed", zap.String("method", method), zap.String("url", target), zap.Error(err))
		return nil, &mailerr.UpstreamTransient{Op: method + " " + pathOrURL, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &mailerr.UpstreamTransient{Op: method + " " + pathOrURL, Err: err}
	}

	if resp.StatusCode >= 400 {
		a.log.Warn("upstream returned error status",
			zap.String("method", method), zap.String("url", target), zap.Int("status", resp.StatusCode))
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func isAbsoluteURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && u.IsAbs()
}

// IsUpstreamReachable implements the reachability probe: DNS
// resolution of the upstream host, then a HEAD to /me. 200/401/403/405 all
// indicate the endpoint exists and is reachable.
func (a *Adapter) IsUpstreamReachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, reachabilityProbe)
	defer cancel()

	var resolver net.Resolver
	if _, err := resolver.LookupHost(ctx, a.host); err != nil {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, a.base+"/me", nil)
	if err != nil {
		return false
	}

	client := &http.Client{Timeout: reachabilityProbe, Transport: a.client.Transport}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusUnauthorized, http.StatusForbidden, http.StatusMethodNotAllowed:
		return true
	default:
		return false
	}
}

// SafeCall wraps fn with the safe-call fallback policy: if the
// reachability probe fails, fn is never invoked and fallback runs instead;
// otherwise fn runs, and a transport error or a 502/503/504 response also
// triggers fallback. Any other error propagates unchanged.
func (a *Adapter) SafeCall(ctx context.Context, fn func(ctx context.Context) (any, error), fallback func(ctx context.Context) any) any {
	if !a.IsUpstreamReachable(ctx) {
		a.log.Warn("upstream not reachable, using fallback")
		return fallback(ctx)
	}

	result, err := fn(ctx)
	if err == nil {
		return result
	}

	var transient *mailerr.UpstreamTransient
	if errors.As(err, &transient) {
		a.log.Warn("upstream transient failure, using fallback", zap.Error(err))
		return fallback(ctx)
	}

	return err
}
