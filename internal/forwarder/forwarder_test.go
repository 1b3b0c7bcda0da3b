package forwarder

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vulcanproxy/gateway/internal/lifecycle"
	"github.com/vulcanproxy/gateway/internal/ratetypes"
)

func recordFor(t *testing.T, upstreamURL, method string, body []byte, originalHost string) *lifecycle.RequestRecord {
	t.Helper()
	return &lifecycle.RequestRecord{
		Method:   method,
		Host:     originalHost,
		Header:   http.Header{},
		Body:     body,
		Upstream: &ratetypes.Upstream{URL: upstreamURL},
	}
}

func TestForwardCopiesBodyAndHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Host != "client.example" {
			t.Errorf("Host = %q, want client.example", r.Host)
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Custom", "resp")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer upstream.Close()

	f := New(2*time.Second, time.Minute)
	rec := recordFor(t, upstream.URL, http.MethodPost, []byte("payload"), "client.example")

	w := httptest.NewRecorder()
	err := f.Forward(context.Background(), w, rec)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "resp", w.Header().Get("X-Custom"))
	assert.Equal(t, "payload", w.Body.String())
}

func TestForwardStripsHopByHopHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Keep-Alive") != "" {
			t.Error("Keep-Alive should have been stripped")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	f := New(2*time.Second, time.Minute)
	rec := recordFor(t, upstream.URL, http.MethodGet, nil, "client.example")
	rec.Header.Set("Keep-Alive", "timeout=5")

	w := httptest.NewRecorder()
	require.NoError(t, f.Forward(context.Background(), w, rec))
}

func TestForwardStreamsSSEFlushing(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		_, _ = io.WriteString(w, "data: chunk1\n\n")
		flusher.Flush()
		_, _ = io.WriteString(w, "data: chunk2\n\n")
		flusher.Flush()
	}))
	defer upstream.Close()

	f := New(2*time.Second, time.Minute)
	rec := recordFor(t, upstream.URL, http.MethodGet, nil, "client.example")

	w := httptest.NewRecorder()
	require.NoError(t, f.Forward(context.Background(), w, rec))
	body := w.Body.String()
	assert.True(t, strings.Contains(body, "chunk1") && strings.Contains(body, "chunk2"))
}

func TestForwardUnreachableUpstreamReturnsForwardError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close() // closed immediately: connection refused

	f := New(200*time.Millisecond, time.Minute)
	rec := recordFor(t, upstream.URL, http.MethodGet, nil, "client.example")

	w := httptest.NewRecorder()
	err := f.Forward(context.Background(), w, rec)
	require.Error(t, err)

	var fe *lifecycle.ForwardError
	require.ErrorAs(t, err, &fe)
	assert.True(t, fe.Unreachable)
	assert.False(t, fe.ResponseStarted)
}
