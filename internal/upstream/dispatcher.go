// Package upstream forwards requests to the inference backend over one
// shared connection pool.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout         = 300 * time.Second
	defaultMaxIdleConns    = 100
	defaultMaxConnsPerHost = 64
)

// Config holds dispatcher settings
type Config struct {
	BaseURL         string
	Timeout         time.Duration // ceiling for a whole call, body included
	MaxIdleConns    int
	MaxConnsPerHost int
}

// Request is an inbound call to be replayed against the upstream.
type Request struct {
	Method   string
	Path     string // relative to the base URL, e.g. "api/chat"
	RawQuery string
	Header   http.Header
	Body     []byte
}

// Response is the upstream answer. Exactly one of Body or Stream is set:
// Stream for streaming calls, which the caller must close.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Stream     io.ReadCloser
}

// Dispatcher sends requests to the upstream. It never retries.
type Dispatcher struct {
	baseURL   *url.URL
	client    *http.Client
	transport *http.Transport
}

// NewDispatcher creates a dispatcher with a pooled transport
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q: scheme and host are required", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	maxPerHost := cfg.MaxConnsPerHost
	if maxPerHost <= 0 {
		maxPerHost = defaultMaxConnsPerHost
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxPerHost,
		MaxConnsPerHost:       maxPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Dispatcher{
		baseURL: base,
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		transport: transport,
	}, nil
}

// URL returns the upstream address for path and query.
func (d *Dispatcher) URL(path, rawQuery string) string {
	u := *d.baseURL
	u.Path = d.baseURL.Path + "/" + strings.TrimLeft(path, "/")
	u.RawQuery = rawQuery
	return u.String()
}

// Forward performs exactly one upstream call. With stream set the response
// body is handed back unread; otherwise it is read in full.
func (d *Dispatcher) Forward(ctx context.Context, req Request, stream bool) (*Response, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, d.URL(req.Path, req.RawQuery), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	CopyHeaders(httpReq.Header, req.Header)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
	}
	if stream {
		out.Stream = resp.Body
		return out, nil
	}

	defer resp.Body.Close()
	out.Body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}
	return out, nil
}

// Close releases idle upstream connections.
func (d *Dispatcher) Close() {
	d.transport.CloseIdleConnections()
}

// IsHopByHopHeader reports whether k applies to a single connection only.
func IsHopByHopHeader(k string) bool {
	switch strings.ToLower(strings.TrimSpace(k)) {
	case "connection", "keep-alive", "proxy-authenticate", "proxy-authorization",
		"te", "trailer", "transfer-encoding", "upgrade":
		return true
	default:
		return false
	}
}

// CopyHeaders adds src to dst, skipping hop-by-hop headers and any header
// named by src's Connection header.
func CopyHeaders(dst, src http.Header) {
	connScoped := map[string]bool{}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			connScoped[http.CanonicalHeaderKey(strings.TrimSpace(name))] = true
		}
	}

	for k, vs := range src {
		if IsHopByHopHeader(k) || connScoped[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
