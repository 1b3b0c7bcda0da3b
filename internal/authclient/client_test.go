package authclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulcanproxy/gateway/internal/ratetypes"
)

func sampleAuthResponseBody() string {
	return `{
		"tokens": [{"id": "abc", "rates": [{"value": 400, "period": "minute"}]}],
		"upstreams": [{"url": "http://127.0.0.1:5000/path?key=val"}]
	}`
}

func TestAuthorizeSuccess(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sampleAuthResponseBody()))
	}))
	defer srv.Close()

	c, err := New(Config{URLs: []string{srv.URL}, Timeout: time.Second})
	require.NoError(t, err)

	req := ratetypes.AuthRequest{Username: "user", Protocol: "http", Method: "GET", URL: "/path"}
	resp, err := c.Authorize(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Tokens, 1)
	assert.Equal(t, "abc", resp.Tokens[0].ID)

	// Second call must be served from cache, not hit the server again.
	_, err = c.Authorize(context.Background(), req)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestAuthorizeDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("no access"))
	}))
	defer srv.Close()

	c, err := New(Config{URLs: []string{srv.URL}, Timeout: time.Second})
	require.NoError(t, err)

	_, err = c.Authorize(context.Background(), ratetypes.AuthRequest{Username: "user"})
	var denied *Denied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, http.StatusForbidden, denied.Code)
}

func TestAuthorizeDenied4xxNotCachedByDefault(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := New(Config{URLs: []string{srv.URL}, Timeout: time.Second})
	require.NoError(t, err)

	req := ratetypes.AuthRequest{Username: "user"}
	_, _ = c.Authorize(context.Background(), req)
	_, _ = c.Authorize(context.Background(), req)
	assert.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestAuthorizeDenied4xxCachedWhenEnabled(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c, err := New(Config{URLs: []string{srv.URL}, Timeout: time.Second, CacheDenied4xx: true})
	require.NoError(t, err)

	req := ratetypes.AuthRequest{Username: "user"}
	_, _ = c.Authorize(context.Background(), req)
	_, _ = c.Authorize(context.Background(), req)
	assert.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestAuthorizeTransportErrorOnServerGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c, err := New(Config{URLs: []string{srv.URL}, Timeout: 100 * time.Millisecond})
	require.NoError(t, err)

	_, err = c.Authorize(context.Background(), ratetypes.AuthRequest{Username: "user"})
	var te *TransportError
	require.ErrorAs(t, err, &te)
}

func TestAuthorizeTransportErrorOnBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	c, err := New(Config{URLs: []string{srv.URL}, Timeout: time.Second})
	require.NoError(t, err)

	_, err = c.Authorize(context.Background(), ratetypes.AuthRequest{Username: "user"})
	var te *TransportError
	require.ErrorAs(t, err, &te)
}

func TestNewRequiresAtLeastOneURL(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
