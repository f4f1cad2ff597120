// Package pool implements the three connection pool variants a controller
// dispatches through: direct, HTTP-proxy, and SOCKS-proxy. Each pool owns
// its own *http.Transport/*http.Client (never shared across pools, so one
// slow proxy's idle connections can't starve another pool), a semaphore
// bounding in-flight work to its configured max_connections, and an atomic
// pending counter a controller reads without taking any lock.
//
// Transport construction is adapted from the teacher's
// provider/pool.go createTransport: same dialer/timeout knobs, same
// ForceHTTP2 TLS defaults, generalized from "one transport per named
// provider" to "one transport per pool instance".
package pool

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/sync/semaphore"

	"github.com/outrider/fastdispatch/errs"
	"github.com/outrider/fastdispatch/request"
)

// TransportConfig holds the dialer/transport tuning knobs shared by every
// pool variant. Defaults mirror the teacher's DefaultPoolConfig.
type TransportConfig struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	ResponseHeaderTimeout time.Duration
	ExpectContinueTimeout time.Duration
	ForceHTTP2            bool
}

// DefaultTransportConfig returns production-grade defaults.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		DialTimeout:           10 * time.Second,
		KeepAlive:             30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceHTTP2:            true,
	}
}

func newTransport(cfg TransportConfig, dialContext func(ctx context.Context, network, addr string) (net.Conn, error)) *http.Transport {
	dialer := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: cfg.KeepAlive}
	if dialContext == nil {
		dialContext = dialer.DialContext
	}

	t := &http.Transport{
		DialContext:           dialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
	}

	if cfg.ForceHTTP2 {
		t.TLSClientConfig = &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
			MinVersion: tls.VersionTLS12,
		}
		t.ForceAttemptHTTP2 = true
	}

	return t
}

// TokenSource optionally supplies a rotating bearer token applied to every
// outbound request a pool sends. Left nil, no rotation happens — the
// Open Question in spec.md's design notes is resolved as an opt-in hook
// rather than a behavior wired into dispatch.
type TokenSource func(ctx context.Context) (string, error)

// Pool is one connection pool a controller can dispatch a request
// through.
type Pool interface {
	// ID identifies this pool within its controller. Pool selection does
	// not consult it: ties between equally busy pools rotate by position.
	ID() string
	// GroupID reports the pool-group this pool belongs to, or "" if it is
	// not grouped.
	GroupID() string
	// Pending returns the current in-flight count. Never guarded by the
	// shared store mutex — read with a plain atomic load.
	Pending() int64
	// Submit sends req through this pool's transport. It blocks until a
	// worker slot is free (bounded by max_connections), performs the round
	// trip, and returns the response or a transport error.
	Submit(ctx context.Context, req request.Request) (request.Response, error)
	// Close releases idle connections held by this pool's transport.
	Close()
}

type basePool struct {
	id      string
	groupID string
	client  *http.Client
	sem     *semaphore.Weighted
	pending int64
	headers map[string]string
	tokens  TokenSource
}

func (p *basePool) ID() string      { return p.id }
func (p *basePool) GroupID() string { return p.groupID }
func (p *basePool) Pending() int64  { return atomic.LoadInt64(&p.pending) }
func (p *basePool) Close() {
	if closer, ok := p.client.Transport.(interface{ CloseIdleConnections() }); ok {
		closer.CloseIdleConnections()
	}
}

func (p *basePool) submit(ctx context.Context, req request.Request, extraHeaders map[string]string) (request.Response, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return request.Response{}, errs.Transport(err)
	}
	atomic.AddInt64(&p.pending, 1)
	defer func() {
		atomic.AddInt64(&p.pending, -1)
		p.sem.Release(1)
	}()

	targetURL, body, contentType, err := buildRequestURLAndBody(req)
	if err != nil {
		return request.Response{}, errs.Transport(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, targetURL, body)
	if err != nil {
		return request.Response{}, errs.Transport(err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range extraHeaders {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if p.tokens != nil {
		tok, err := p.tokens(ctx)
		if err != nil {
			return request.Response{}, errs.Transport(err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+tok)
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return request.Response{}, errs.Transport(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return request.Response{}, errs.Transport(err)
	}

	return request.Response{
		Status:  resp.StatusCode,
		Reason:  resp.Status,
		Version: resp.Proto,
		Headers: resp.Header,
		Body:    respBody,
		ID:      req.ID,
		Elapsed: time.Since(start),
	}, nil
}

// buildRequestURLAndBody applies req.Fields the way the underlying HTTP
// client is documented to: query parameters for GET (and any other verb
// without a conventional body, e.g. HEAD/DELETE), a urlencoded form body
// for POST and the other body-carrying verbs. A nil/empty Fields map
// leaves the URL and body untouched.
func buildRequestURLAndBody(req request.Request) (string, io.Reader, string, error) {
	if len(req.Fields) == 0 {
		return req.URL, nil, "", nil
	}

	values := make(url.Values, len(req.Fields))
	for k, v := range req.Fields {
		values.Set(k, v)
	}

	switch strings.ToUpper(req.Method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return req.URL, strings.NewReader(values.Encode()), "application/x-www-form-urlencoded", nil
	default:
		u, err := url.Parse(req.URL)
		if err != nil {
			return "", nil, "", err
		}
		q := u.Query()
		for k, v := range req.Fields {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
		return u.String(), nil, "", nil
	}
}

// DirectPool dials the target host directly, no proxy.
type DirectPool struct {
	basePool
}

// NewDirectPool builds a DirectPool. maxConnections bounds concurrent
// in-flight requests; headers are applied to every outbound request.
func NewDirectPool(id, groupID string, maxConnections int64, headers map[string]string, cfg TransportConfig, tokens TokenSource) *DirectPool {
	transport := newTransport(cfg, nil)
	return &DirectPool{basePool{
		id:      id,
		groupID: groupID,
		client:  &http.Client{Transport: transport},
		sem:     semaphore.NewWeighted(maxConnections),
		headers: headers,
		tokens:  tokens,
	}}
}

func (p *DirectPool) Submit(ctx context.Context, req request.Request) (request.Response, error) {
	return p.submit(ctx, req, nil)
}

// NewDirectPoolWithRoundTripper builds a DirectPool over a caller-supplied
// http.RoundTripper instead of a dialed transport. It exists so tests (and
// callers embedding their own instrumentation) can substitute a stub
// transport without going through a real network.
func NewDirectPoolWithRoundTripper(id, groupID string, maxConnections int64, headers map[string]string, rt http.RoundTripper, tokens TokenSource) *DirectPool {
	return &DirectPool{basePool{
		id:      id,
		groupID: groupID,
		client:  &http.Client{Transport: rt},
		sem:     semaphore.NewWeighted(maxConnections),
		headers: headers,
		tokens:  tokens,
	}}
}

// HTTPProxyPool routes every request through a fixed HTTP(S) proxy.
type HTTPProxyPool struct {
	basePool
}

// HTTPProxyOptions configures an HTTPProxyPool.
type HTTPProxyOptions struct {
	ProxyURL             string
	Headers              map[string]string
	ProxyHeaders         map[string]string
	TLSConfig            *tls.Config
	UseForwardingForHTTPS bool
}

// NewHTTPProxyPool builds an HTTPProxyPool.
func NewHTTPProxyPool(id, groupID string, maxConnections int64, opts HTTPProxyOptions, cfg TransportConfig, tokens TokenSource) (*HTTPProxyPool, error) {
	proxyURL, err := url.Parse(opts.ProxyURL)
	if err != nil {
		return nil, errs.Transport(err)
	}

	transport := newTransport(cfg, nil)
	transport.Proxy = http.ProxyURL(proxyURL)
	if opts.TLSConfig != nil {
		transport.TLSClientConfig = opts.TLSConfig
	}
	if len(opts.ProxyHeaders) > 0 {
		h := make(http.Header, len(opts.ProxyHeaders))
		for k, v := range opts.ProxyHeaders {
			h.Set(k, v)
		}
		transport.ProxyConnectHeader = h
	}
	if opts.UseForwardingForHTTPS {
		transport.DisableCompression = true
	}

	return &HTTPProxyPool{basePool{
		id:      id,
		groupID: groupID,
		client:  &http.Client{Transport: transport},
		sem:     semaphore.NewWeighted(maxConnections),
		headers: opts.Headers,
		tokens:  tokens,
	}}, nil
}

func (p *HTTPProxyPool) Submit(ctx context.Context, req request.Request) (request.Response, error) {
	return p.submit(ctx, req, nil)
}

// SOCKSProxyPool routes every request through a SOCKS5 proxy, optionally
// authenticated.
type SOCKSProxyPool struct {
	basePool
}

// SOCKSProxyOptions configures a SOCKSProxyPool.
type SOCKSProxyOptions struct {
	ProxyAddr string
	Username  string
	Password  string
	Headers   map[string]string
}

// NewSOCKSProxyPool builds a SOCKSProxyPool whose transport dials every
// connection through the given SOCKS5 proxy via golang.org/x/net/proxy.
func NewSOCKSProxyPool(id, groupID string, maxConnections int64, opts SOCKSProxyOptions, cfg TransportConfig, tokens TokenSource) (*SOCKSProxyPool, error) {
	var auth *proxy.Auth
	if opts.Username != "" {
		auth = &proxy.Auth{User: opts.Username, Password: opts.Password}
	}

	dialer, err := proxy.SOCKS5("tcp", opts.ProxyAddr, auth, proxy.Direct)
	if err != nil {
		return nil, errs.Transport(err)
	}

	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, errs.Transport(errSOCKSDialerUnsupported)
	}

	transport := newTransport(cfg, contextDialer.DialContext)

	return &SOCKSProxyPool{basePool{
		id:      id,
		groupID: groupID,
		client:  &http.Client{Transport: transport},
		sem:     semaphore.NewWeighted(maxConnections),
		headers: opts.Headers,
		tokens:  tokens,
	}}, nil
}

func (p *SOCKSProxyPool) Submit(ctx context.Context, req request.Request) (request.Response, error) {
	return p.submit(ctx, req, nil)
}

var errSOCKSDialerUnsupported = errSentinel("socks5 dialer does not support DialContext")

type errSentinel string

func (e errSentinel) Error() string { return string(e) }
