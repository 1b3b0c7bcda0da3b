// Package forwarder implements C5: sending an admitted request on to the
// chosen upstream and streaming the response back to the client.
package forwarder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"

	"github.com/vulcanproxy/gateway/internal/lifecycle"
)

// hopByHopHeaders must never be copied between client and upstream, per
// RFC 7230 §6.1; grounded on the teacher pack's provider.ForwardRequest.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// Forwarder implements lifecycle.Forwarder.
type Forwarder struct {
	client   *http.Client
	resolver *dnscache.Resolver
}

func New(dialTimeout time.Duration, refresh time.Duration) *Forwarder {
	resolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(refresh)
		defer t.Stop()
		for range t.C {
			resolver.Refresh(true)
		}
	}()

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			if dialTimeout > 0 {
				d.Timeout = dialTimeout
			}
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		},
	}

	return &Forwarder{
		client:   &http.Client{Transport: transport},
		resolver: resolver,
	}
}

// Forward builds the outbound request from rec, preserving the client's
// original Host header (§9 "Host header preservation" design note: net/http
// would otherwise derive Host from the outbound URL), and streams the
// upstream's response back to w, flushing per-read for SSE/chunked bodies.
func (f *Forwarder) Forward(ctx context.Context, w http.ResponseWriter, rec *lifecycle.RequestRecord) error {
	up := rec.Upstream
	targetURL := up.Scheme() + "://" + up.HostPort() + up.RequestURI()

	outReq, err := http.NewRequestWithContext(ctx, rec.Method, targetURL, bytes.NewReader(rec.Body))
	if err != nil {
		return &lifecycle.ForwardError{Err: fmt.Errorf("forwarder: build request: %w", err), Unreachable: true}
	}
	outReq.Header = filterHopByHop(rec.MergedHeaders())
	// net/http derives the Host header from targetURL unless set explicitly;
	// the forwarded request must carry the client's original Host, not the
	// upstream's, per §4.5.
	outReq.Host = rec.Host

	resp, err := f.client.Do(outReq)
	if err != nil {
		return &lifecycle.ForwardError{Err: fmt.Errorf("forwarder: dial %s: %w", up.HostPort(), err), Unreachable: true, ResponseStarted: false}
	}
	defer resp.Body.Close()

	for key, vals := range resp.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	flusher, canFlush := w.(http.Flusher)
	ct := resp.Header.Get("Content-Type")
	needsFlush := canFlush && (strings.Contains(ct, "text/event-stream") ||
		strings.Contains(ct, "application/x-ndjson") ||
		resp.ContentLength < 0)

	if needsFlush {
		buf := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if _, writeErr := w.Write(buf[:n]); writeErr != nil {
					return &lifecycle.ForwardError{Err: fmt.Errorf("forwarder: write response: %w", writeErr), ResponseStarted: true}
				}
				flusher.Flush()
			}
			if readErr != nil {
				if readErr == io.EOF {
					return nil
				}
				return &lifecycle.ForwardError{Err: fmt.Errorf("forwarder: read response: %w", readErr), ResponseStarted: true}
			}
		}
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return &lifecycle.ForwardError{Err: fmt.Errorf("forwarder: copy response: %w", err), ResponseStarted: true}
	}
	return nil
}

func filterHopByHop(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		if _, hop := hopByHopHeaders[k]; hop {
			continue
		}
		out[k] = v
	}
	return out
}
