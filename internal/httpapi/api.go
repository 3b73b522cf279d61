// Package httpapi is the HTTP boundary of the twingrid service.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"twingrid.org/internal/alloc"
	"twingrid.org/internal/audit"
	"twingrid.org/internal/cache"
	"twingrid.org/internal/gateway"
	"twingrid.org/internal/ids"
	"twingrid.org/internal/obs"
	"twingrid.org/internal/policy"
	"twingrid.org/internal/twin"
	"twingrid.org/internal/usage"
)

// ReadyProbe reports backend readiness, e.g. a database ping.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the lifecycle manager, policy service and
// gateway.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	twins      *twin.Manager
	models     twin.ModelSource
	policies   *policy.Service
	usage      usage.Store
	gw         *gateway.Handler
}

func New(rp ReadyProbe, version string, twins *twin.Manager, models twin.ModelSource, policies *policy.Service, usageStore usage.Store, gw *gateway.Handler) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		twins:      twins,
		models:     models,
		policies:   policies,
		usage:      usageStore,
		gw:         gw,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// subscriber surface
	a.mux.HandleFunc("/user/models/", a.handleModelSubscribe)
	a.mux.HandleFunc("/user/twins", a.handleTwinsCollection)
	a.mux.HandleFunc("/user/twins/", a.handleTwinResource)

	// owner surface
	a.mux.HandleFunc("/owner/models/", a.handleOwnerModel)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	return obs.Instrument(withRequestID(a.withAuth(a.mux)))
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "twingrid-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "twingrid-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- request id ---

type ctxKey string

const requestIDKey ctxKey = "request_id"

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if rid == "" {
			rid = ids.New()
		}
		w.Header().Set("X-Request-Id", rid)
		ctx := context.WithValue(r.Context(), requestIDKey, rid)
		ctx = audit.WithRequestID(ctx, rid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFromContext returns the request id assigned by the middleware.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleDomainError maps domain sentinels to HTTP statuses. Backend error
// text never reaches the caller on 5xx.
func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, policy.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, twin.ErrNotFound), errors.Is(err, policy.ErrNotFound), errors.Is(err, usage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "resource not found")
	case errors.Is(err, twin.ErrInvalidState):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, policy.ErrQuotaExceeded):
		writeError(w, r, http.StatusTooManyRequests, "quota exceeded for this action")
	case errors.Is(err, alloc.ErrPortsExhausted), errors.Is(err, cache.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, "temporarily unable to serve the request")
	case errors.Is(err, gateway.ErrUpstreamUnavailable), errors.Is(err, twin.ErrProvisioning):
		writeError(w, r, http.StatusBadGateway, "twin backend unavailable")
	case errors.Is(err, twin.ErrNotImplemented):
		writeError(w, r, http.StatusNotImplemented, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
