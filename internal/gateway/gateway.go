// Package gateway proxies subscriber requests to twin containers, enforcing
// the bound policy before any byte reaches the upstream.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"twingrid.org/internal/ids"
	"twingrid.org/internal/obs"
	"twingrid.org/internal/policy"
	"twingrid.org/internal/twin"
	"twingrid.org/internal/usage"
)

// ErrUpstreamUnavailable is returned when the twin's container cannot be
// reached or does not answer within the client timeout.
var ErrUpstreamUnavailable = errors.New("gateway: upstream unavailable")

const defaultUpstreamTimeout = 60 * time.Second

// Hop-by-hop headers are scoped to one connection and must not be forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Handler forwards action calls to a twin's exposed component.
type Handler struct {
	twins    *twin.Manager
	policies *policy.Service
	usage    usage.Store
	client   *http.Client
	host     string
}

// Option configures a Handler.
type Option func(*Handler)

// WithClient sets the HTTP client used for upstream calls.
func WithClient(c *http.Client) Option {
	return func(h *Handler) { h.client = c }
}

// WithUpstreamHost overrides the host twins are dialed on.
func WithUpstreamHost(host string) Option {
	return func(h *Handler) { h.host = host }
}

// NewHandler constructs a gateway over the lifecycle manager, policy
// evaluator and usage store.
func NewHandler(twins *twin.Manager, policies *policy.Service, usageStore usage.Store, opts ...Option) *Handler {
	h := &Handler{
		twins:    twins,
		policies: policies,
		usage:    usageStore,
		client:   &http.Client{Timeout: defaultUpstreamTimeout},
		host:     "localhost",
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Forward proxies one action call to the twin's public port. The policy
// gate runs first; a denied or quota-exceeded request never reaches the
// upstream. When the model's policy records a verb for the endpoint, that
// verb replaces the inbound method. A usage record is written only for a
// twin with data sharing enabled, and only after the upstream response was
// received in full.
func (h *Handler) Forward(w http.ResponseWriter, r *http.Request, twinID uuid.UUID, endpoint string, actor twin.Actor) error {
	ctx := r.Context()
	endpoint = strings.ToLower(strings.Trim(endpoint, "/"))

	t, _, err := h.twins.Get(ctx, twinID, actor)
	if err != nil {
		return err
	}
	if t.Status != twin.StatusRunning {
		return fmt.Errorf("%w: twin is %s", twin.ErrInvalidState, t.Status)
	}
	if t.Port == nil {
		return fmt.Errorf("%w: twin exposes no port", twin.ErrInvalidState)
	}

	verb := r.Method
	if t.PolicyID != nil {
		if err := h.policies.Evaluate(ctx, *t.PolicyID, endpoint, actor.ID, t.ID); err != nil {
			return err
		}
		// The recorded verb is authoritative for policied endpoints; a failed
		// lookup must not let the inbound method through.
		v, err := h.policies.Verb(ctx, *t.PolicyID, endpoint)
		if err != nil {
			return err
		}
		verb = v
	}

	// Buffer the inbound body so it can both be forwarded and, on success,
	// persisted verbatim in the usage record.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("gateway: read request body: %w", err)
	}

	target := "http://" + h.host + ":" + strconv.Itoa(*t.Port) + "/" + endpoint
	upReq, err := http.NewRequestWithContext(ctx, verb, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("gateway: build upstream request: %w", err)
	}
	copyHeaders(upReq.Header, r.Header)
	stripHopHeaders(upReq.Header)
	upReq.Header.Set("X-Forwarded-For", clientIP(r))

	start := time.Now()
	resp, err := h.client.Do(upReq)
	if err != nil {
		obs.ObserveUpstream("error", time.Since(start))
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		obs.ObserveUpstream("error", time.Since(start))
		return fmt.Errorf("%w: read response: %v", ErrUpstreamUnavailable, err)
	}
	obs.ObserveUpstream("ok", time.Since(start))

	if t.EnableDataSharing && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		h.record(ctx, t, actor, endpoint, body, respBody, resp.StatusCode)
	}

	copyHeaders(w.Header(), resp.Header)
	stripHopHeaders(w.Header())
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respBody)
	return nil
}

func (h *Handler) record(ctx context.Context, t *twin.Twin, actor twin.Actor, endpoint string, in, out []byte, status int) {
	rec := &usage.Record{
		ID:       ids.New(),
		ModelID:  t.ModelID,
		TwinID:   t.ID,
		UserID:   actor.ID,
		Endpoint: endpoint,
		Input:    string(in),
		Output:   string(out),
		Status:   status,
	}
	if err := h.usage.Append(ctx, rec); err != nil {
		obs.LogEvent("gateway.usage_append_failed", map[string]any{"twin_id": t.ID.String(), "error": err.Error()})
	}
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func stripHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}
