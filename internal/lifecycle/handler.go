// Package lifecycle implements C4: the per-request state machine that
// takes an incoming HTTP request through authorization, rate-limited
// routing, and forwarding, writing exactly one response.
package lifecycle

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vulcanproxy/gateway/internal/authclient"
	"github.com/vulcanproxy/gateway/internal/middleware"
	"github.com/vulcanproxy/gateway/internal/ratetypes"
	"github.com/vulcanproxy/gateway/internal/rateengine"
)

// Authorizer is the subset of authclient.Client the handler needs.
type Authorizer interface {
	Authorize(ctx context.Context, req ratetypes.AuthRequest) (*ratetypes.AuthResponse, error)
}

// Router is the subset of rateengine.Engine the handler needs.
type Router interface {
	GetUpstream(ctx context.Context, resp *ratetypes.AuthResponse, now time.Time) (*ratetypes.Upstream, *rateengine.RateLimited, error)
}

// ForwardError, when returned by Forwarder.Forward, distinguishes a
// connect/transport failure that happened before any bytes were written to
// the client (the handler is still free to write a response) from one that
// happened after (the connection must simply be dropped), per §4.5.
type ForwardError struct {
	Err             error
	ResponseStarted bool
	Unreachable     bool
}

func (e *ForwardError) Error() string { return e.Err.Error() }
func (e *ForwardError) Unwrap() error { return e.Err }

// Forwarder sends the admitted request on to the chosen upstream and
// streams the response back to w. Implemented by internal/forwarder.
type Forwarder interface {
	Forward(ctx context.Context, w http.ResponseWriter, rec *RequestRecord) error
}

// RequestRecord is the per-request bookkeeping object threaded through the
// state machine's stages, per §3/§4.4. One is created at the top of
// ServeProxy and discarded once the response is written.
type RequestRecord struct {
	ID     string
	Method string
	URL    string
	// Host is the client's original Host, captured separately from Header
	// because net/http strips the Host header out of Request.Header into
	// Request.Host — Header.Get("Host") is always empty.
	Host       string
	Header     http.Header
	Body       []byte
	RemoteAddr string
	Proto      string
	ReceivedAt time.Time

	AuthRequest  ratetypes.AuthRequest
	AuthResponse *ratetypes.AuthResponse
	Upstream     *ratetypes.Upstream

	responded sync.Once
}

// MergedHeaders returns the forwarding headers in the order §4.4 requires:
// original request headers, then AuthResponse.Headers, then
// Upstream.Headers, each layer overwriting the previous on key collision.
func (r *RequestRecord) MergedHeaders() http.Header {
	out := r.Header.Clone()
	if out == nil {
		out = http.Header{}
	}
	if r.AuthResponse != nil {
		for k, v := range r.AuthResponse.Headers {
			out.Set(k, v)
		}
	}
	if r.Upstream != nil {
		for k, v := range r.Upstream.Headers {
			out.Set(k, v)
		}
	}
	return out
}

// Handler wires authorization, rate limiting, and forwarding into a single
// gin handler, matching the teacher's per-stage middleware but collapsed
// into one straight-line function per SPEC_FULL.md's concurrency-model
// mapping: a goroutine per request already gives independent stage
// ordering without callback chaining, so the RECEIVING_HEADERS ->
// HEADERS_COMPLETE -> AUTHORIZING -> (AUTHORIZED|REJECTED) -> ROUTING ->
// (ADMITTED|REJECTED) -> FORWARDING -> DONE transitions in §4.4 read top to
// bottom below instead of living in separate callback methods.
type Handler struct {
	Auth      Authorizer
	Router    Router
	Forwarder Forwarder
	Realm     string
	Now       func() time.Time
}

func New(auth Authorizer, router Router, fwd Forwarder, realm string) *Handler {
	return &Handler{Auth: auth, Router: router, Forwarder: fwd, Realm: realm, Now: time.Now}
}

// ServeProxy is the gin handler registered as the catch-all route.
func (h *Handler) ServeProxy(c *gin.Context) {
	// RECEIVING_HEADERS -> HEADERS_COMPLETE.
	rec := &RequestRecord{
		ID:         uuid.NewString(),
		Method:     c.Request.Method,
		URL:        c.Request.URL.String(),
		Host:       c.Request.Host,
		Header:     c.Request.Header.Clone(),
		RemoteAddr: c.ClientIP(),
		Proto:      c.Request.Proto,
		ReceivedAt: h.now(),
	}
	c.Header("X-Request-Id", rec.ID)
	log := slog.With("request_id", rec.ID, "method", rec.Method, "url", rec.URL)

	username, password, ok := basicAuth(c.Request)
	if !ok {
		log.Info("rejected: missing or malformed basic auth")
		c.Header("WWW-Authenticate", `Basic realm="`+h.Realm+`"`)
		// The body has not been read; close the connection after the
		// response rather than leave unread bytes on it.
		c.Header("Connection", "close")
		h.writeError(c, rec, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized), "")
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		log.Error("failed reading request body", "error", err)
		h.writeError(c, rec, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError), "")
		return
	}
	rec.Body = body

	rec.AuthRequest = ratetypes.AuthRequest{
		Username: username,
		Password: password,
		Protocol: protocolOf(c.Request),
		Method:   rec.Method,
		URL:      rec.URL,
		Length:   int64(len(body)),
		IP:       rec.RemoteAddr,
	}

	// AUTHORIZING.
	authResp, err := h.Auth.Authorize(c.Request.Context(), rec.AuthRequest)
	if err != nil {
		var denied *authclient.Denied
		var transport *authclient.TransportError
		switch {
		case errors.As(err, &denied):
			log.Info("rejected: auth denied", "code", denied.Code)
			middleware.RecordAuthOutcome("denied")
			body := denied.Body
			if body == "" {
				body = denied.Phrase
			}
			h.writeError(c, rec, denied.Code, denied.Phrase, body)
		case errors.As(err, &transport):
			log.Error("rejected: auth transport error", "error", transport.Err)
			middleware.RecordAuthOutcome("transport_error")
			h.writeError(c, rec, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError), "")
		default:
			log.Error("rejected: unexpected auth error", "error", err)
			middleware.RecordAuthOutcome("transport_error")
			h.writeError(c, rec, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError), "")
		}
		return
	}
	// AUTHORIZED.
	middleware.RecordAuthOutcome("granted")
	rec.AuthResponse = authResp

	// ROUTING.
	upstream, limited, err := h.Router.GetUpstream(c.Request.Context(), authResp, h.now())
	if err != nil {
		log.Error("rejected: rate engine error", "error", err)
		h.writeError(c, rec, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError), "")
		return
	}
	if limited != nil {
		log.Info("rejected: rate limited", "retry_seconds", limited.RetrySeconds)
		middleware.RecordRateLimitOutcome("throttled")
		h.writeRateLimited(c, rec, limited)
		return
	}
	// ADMITTED.
	middleware.RecordRateLimitOutcome("admitted")
	rec.Upstream = upstream

	// FORWARDING.
	forwardStart := h.now()
	if err := h.Forwarder.Forward(c.Request.Context(), c.Writer, rec); err != nil {
		var fe *ForwardError
		if errors.As(err, &fe) && !fe.ResponseStarted {
			log.Error("forwarding failed before response started", "error", fe.Err, "unreachable", fe.Unreachable)
			middleware.RecordForward("unreachable", h.now().Sub(forwardStart).Seconds())
			h.writeError(c, rec, http.StatusServiceUnavailable, http.StatusText(http.StatusServiceUnavailable), "")
			return
		}
		// Response already started: nothing left to do but drop the
		// connection, per §4.5.
		log.Warn("forwarding failed after response started", "error", err)
		return
	}
	middleware.RecordForward("ok", h.now().Sub(forwardStart).Seconds())
	// DONE.
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handler) writeError(c *gin.Context, rec *RequestRecord, code int, phrase, body string) {
	rec.responded.Do(func() {
		msg := body
		if msg == "" {
			msg = phrase
		}
		c.AbortWithStatusJSON(code, gin.H{"error": msg})
	})
}

func (h *Handler) writeRateLimited(c *gin.Context, rec *RequestRecord, limited *rateengine.RateLimited) {
	rec.responded.Do(func() {
		n := limited.RetrySeconds
		c.Header("Retry-After", strconv.FormatInt(n, 10))
		c.Header("X-Retry-In-Seconds", strconv.FormatInt(n, 10))
		unit := "second"
		if n != 1 {
			unit = "seconds"
		}
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":         "Rate limit reached. Retry in " + strconv.FormatInt(n, 10) + " " + unit,
			"retry_seconds": n,
		})
	})
}

// basicAuth extracts username/password from an RFC 7617 "Basic" header.
// Unlike net/http.Request.BasicAuth, this never depends on the request's
// TLS state, matching the original proxy's plain scheme check in
// protocolOf below.
func basicAuth(r *http.Request) (username, password string, ok bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Basic "
	if !strings.HasPrefix(auth, prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(auth[len(prefix):])
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func protocolOf(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
