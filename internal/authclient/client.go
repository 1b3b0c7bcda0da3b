// Package authclient implements C2: calling out to the external
// authorization service, caching its verdicts, and translating its
// responses (and failures) into the error taxonomy the lifecycle handler
// understands.
package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/sony/gobreaker"

	"github.com/vulcanproxy/gateway/internal/middleware"
	"github.com/vulcanproxy/gateway/internal/ratetypes"
)

const (
	cacheTTL    = 60 * time.Second
	cacheMaxLen = 100
	circuitName = "auth-service"
)

// Denied means the auth service responded with a non-2xx status; the
// lifecycle handler answers the client with Code and an error body carrying
// Body verbatim (or Phrase when Body is empty).
type Denied struct {
	Code   int
	Phrase string
	Body   string
}

func (e *Denied) Error() string {
	return fmt.Sprintf("auth denied: %d %s", e.Code, e.Phrase)
}

// TransportError covers everything that isn't a clean HTTP response from
// the auth service: dial failures, timeouts, a tripped circuit breaker, or
// a response body that doesn't parse as the expected JSON shape.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("auth transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Config configures the client. URLs is the pool of auth-service base URLs
// one is picked from uniformly at random per call, per §4.2.
type Config struct {
	URLs           []string
	Timeout        time.Duration
	CacheDenied4xx bool
}

// Client calls the external auth service, per C2.
type Client struct {
	urls           []string
	httpClient     *http.Client
	cb             *gobreaker.CircuitBreaker
	cache          *otter.Cache[string, cacheEntry]
	cacheDenied4xx bool
}

type cacheEntry struct {
	resp   *ratetypes.AuthResponse
	denied *Denied
}

func New(cfg Config) (*Client, error) {
	if len(cfg.URLs) == 0 {
		return nil, errors.New("authclient: at least one auth URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	cache, err := otter.New(&otter.Options[string, cacheEntry]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, cacheEntry](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("authclient: create cache: %w", err)
	}

	st := gobreaker.Settings{
		Name:        circuitName,
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			middleware.RecordCircuitBreakerState(name, int(to))
		},
	}

	return &Client{
		urls: cfg.URLs,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		cb:             gobreaker.NewCircuitBreaker(st),
		cache:          cache,
		cacheDenied4xx: cfg.CacheDenied4xx,
	}, nil
}

// Authorize calls the auth service for req, consulting and populating the
// cache per §3/§9. It returns either a decoded *ratetypes.AuthResponse, a
// *Denied (the service rejected the request), or a *TransportError (the
// service could not be reached or returned something uninterpretable).
func (c *Client) Authorize(ctx context.Context, req ratetypes.AuthRequest) (*ratetypes.AuthResponse, error) {
	key := req.CacheKey()
	if entry, ok := c.cache.GetIfPresent(key); ok {
		if entry.denied != nil {
			return nil, entry.denied
		}
		return entry.resp, nil
	}

	resp, denied, err := c.call(ctx, req)
	if err != nil {
		// Transport errors are never cached: the service may be back up
		// on the very next request.
		return nil, err
	}
	if denied != nil {
		if c.cacheDenied4xx && denied.Code >= 400 && denied.Code < 500 {
			c.cache.Set(key, cacheEntry{denied: denied})
		}
		return nil, denied
	}

	c.cache.Set(key, cacheEntry{resp: resp})
	return resp, nil
}

func (c *Client) call(ctx context.Context, req ratetypes.AuthRequest) (*ratetypes.AuthResponse, *Denied, error) {
	url := c.urls[rand.IntN(len(c.urls))] + "?" + req.QueryValues().Encode()

	result, err := c.cb.Execute(func() (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		return httpResult{status: resp.StatusCode, body: body}, nil
	})
	if err != nil {
		return nil, nil, &TransportError{Err: err}
	}

	hr := result.(httpResult)
	if hr.status >= 300 {
		return nil, &Denied{
			Code:   hr.status,
			Phrase: http.StatusText(hr.status),
			Body:   string(hr.body),
		}, nil
	}

	var parsed ratetypes.AuthResponse
	if err := json.Unmarshal(hr.body, &parsed); err != nil {
		return nil, nil, &TransportError{Err: fmt.Errorf("decode auth response: %w", err)}
	}
	return &parsed, nil, nil
}

type httpResult struct {
	status int
	body   []byte
}

// CacheStats reports the auth cache's current size, for the admin
// introspection endpoint.
func (c *Client) CacheStats() (size int, capacity int) {
	return int(c.cache.EstimatedSize()), cacheMaxLen
}

// PurgeCache drops every cached auth verdict.
func (c *Client) PurgeCache() {
	c.cache.InvalidateAll()
}
