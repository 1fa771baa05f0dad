// Package httpclient provides the shared outbound HTTP client: pooled
// connections wrapped in a per-host circuit breaker, so one flapping
// upstream cannot absorb every renewal pass.
package httpclient

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

var (
	defaultClient     *Client
	defaultClientOnce sync.Once
)

type Config struct {
	ResponseTimeout     time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	TLSHandshakeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ResponseTimeout:     30 * time.Second,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
}

// Client is an http.Client with a circuit breaker per destination host.
// Requests to a host whose breaker is open fail immediately with
// gobreaker.ErrOpenState instead of tying up a connection.
type Client struct {
	http *http.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func New(cfg Config) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
		ForceAttemptHTTP2:   true,
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.ResponseTimeout,
		},
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Default returns the process-wide client, created on first use.
func Default() *Client {
	defaultClientOnce.Do(func() {
		defaultClient = New(DefaultConfig())
	})
	return defaultClient
}

func (c *Client) Do(req *http.Request) (*http.Response, error) {
	cb := c.breakerFor(req.URL.Host)

	result, err := cb.Execute(func() (interface{}, error) {
		return c.http.Do(req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}

func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

func (c *Client) breakerFor(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[host]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        host,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("host", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Outbound circuit state changed")
		},
	})
	c.breakers[host] = cb
	return cb
}

// Request builds an outbound call header by header before sending it
// through the breaker-wrapped client.
type Request struct {
	client  *Client
	method  string
	url     string
	headers map[string]string
	body    io.Reader
}

func (c *Client) NewRequest(method, url string) *Request {
	return &Request{
		client:  c,
		method:  method,
		url:     url,
		headers: make(map[string]string),
	}
}

func (r *Request) Header(key, value string) *Request {
	r.headers[key] = value
	return r
}

func (r *Request) Body(body io.Reader) *Request {
	r.body = body
	return r
}

func (r *Request) Do(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, r.method, r.url, r.body)
	if err != nil {
		return nil, err
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	return r.client.Do(req)
}
