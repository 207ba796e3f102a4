// Package gateway is the HTTP surface: POST /v1/query and GET /healthz.
// Authentication happens upstream; the gateway trusts the X-Omni-*
// identity headers a fronting proxy injects.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/omnisql/omnisql/internal/federate"
	"github.com/omnisql/omnisql/internal/tenant"
	"github.com/omnisql/omnisql/internal/types"
)

const maxBodyBytes = 1 << 20

// Server serves the query API for one federation service.
type Server struct {
	svc      *federate.Service
	registry *tenant.Registry
	logger   *slog.Logger
}

func New(svc *federate.Service, registry *tenant.Registry, logger *slog.Logger) *Server {
	return &Server{svc: svc, registry: registry, logger: logger.With("component", "gateway")}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/query", s.handleQuery)
	mux.HandleFunc("GET /v1/tenants", s.handleTenants)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return s.logRequests(mux)
}

type queryBody struct {
	SQL      string `json:"sql"`
	Metadata struct {
		MaxStalenessMS int64  `json:"max_staleness_ms"`
		DeadlineMS     int64  `json:"deadline_ms"`
		TraceID        string `json:"trace_id"`
	} `json:"metadata"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var body queryBody
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		s.writeError(w, types.Planf("bad request body: %v", err), "")
		return
	}
	if strings.TrimSpace(body.SQL) == "" {
		s.writeError(w, types.Planf("sql is required"), body.Metadata.TraceID)
		return
	}

	principal, err := principalFrom(r)
	if err != nil {
		s.writeError(w, types.Denied("", err.Error()), body.Metadata.TraceID)
		return
	}

	resp, err := s.svc.Query(r.Context(), federate.Request{
		SQL:          body.SQL,
		Principal:    principal,
		MaxStaleness: time.Duration(body.Metadata.MaxStalenessMS) * time.Millisecond,
		Deadline:     time.Duration(body.Metadata.DeadlineMS) * time.Millisecond,
		TraceID:      body.Metadata.TraceID,
	})
	if err != nil {
		s.writeError(w, err, body.Metadata.TraceID)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTenants(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"tenants": s.registry.IDs()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// principalFrom resolves the caller identity from the trusted headers.
func principalFrom(r *http.Request) (types.Principal, error) {
	p := types.Principal{
		UserID:   r.Header.Get("X-Omni-User"),
		TenantID: r.Header.Get("X-Omni-Tenant"),
		Role:     r.Header.Get("X-Omni-Role"),
		TeamID:   r.Header.Get("X-Omni-Team"),
	}
	if p.UserID == "" || p.TenantID == "" {
		return types.Principal{}, errors.New("missing identity headers")
	}
	if caps := r.Header.Get("X-Omni-Capabilities"); caps != "" {
		for _, c := range strings.Split(caps, ",") {
			if c = strings.TrimSpace(c); c != "" {
				p.Capabilities = append(p.Capabilities, c)
			}
		}
	}
	return p, nil
}

func (s *Server) writeError(w http.ResponseWriter, err error, traceID string) {
	e := types.AsError(err)
	status := statusFor(e.Kind)
	if e.RetryAfter > 0 {
		secs := int(e.RetryAfter.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
	}
	if status >= 500 {
		s.logger.Error("query failed", "kind", e.Kind.Code(), "error", err)
	}
	s.writeJSON(w, status, federate.ShapeError(err, traceID))
}

func statusFor(k types.Kind) int {
	switch k {
	case types.KindPlanFailed:
		return http.StatusBadRequest
	case types.KindEntitlementDenied:
		return http.StatusForbidden
	case types.KindRateLimitExhausted:
		return http.StatusTooManyRequests
	case types.KindSourceTimeout:
		return http.StatusGatewayTimeout
	case types.KindSourceError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response", "error", err)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
