// Package server exposes the dispatcher over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/ttsdispatch/internal/config"
	"github.com/dgnsrekt/ttsdispatch/internal/ttypes"
	"github.com/rs/xid"
)

const (
	maxRequestBodySize = 1 << 20 // 1 MiB

	// statusClientClosedRequest is reported when the request was cancelled.
	statusClientClosedRequest = 499

	correlationHeader = "X-Correlation-ID"
)

// Service is the dispatcher surface served over HTTP. *dispatch.Dispatcher
// implements it.
type Service interface {
	ProcessRequest(ctx context.Context, req *ttypes.TTSRequest) *ttypes.TTSResponse
	ValidateRequest(req *ttypes.TTSRequest) *ttypes.TTSError
	GetServiceStatus() ttypes.ServiceStatus
	GetActiveRequests() []ttypes.ActiveRequestInfo
	GetPerformanceMetrics() ttypes.PerformanceMetrics
	PerformHealthCheck() ttypes.HealthCheckResult
	AdapterHealth() ttypes.HealthStatus
	ResourceUsage() ttypes.ResourceUsage
	ResetStatistics()
	CurrentRequestID() string
	CancelCurrentRequest() bool
}

// ConfigStore reads, validates and replaces the dispatch configuration.
// *config.Store implements it.
type ConfigStore interface {
	GetCurrent() *config.TTSConfiguration
	Validate(cfg *config.TTSConfiguration) config.ValidationResult
	Update(cfg *config.TTSConfiguration, reason string) bool
}

// ErrorResponse is the body of every non-dispatch error.
type ErrorResponse struct {
	Error string           `json:"error"`
	Code  ttypes.ErrorCode `json:"code,omitempty"`
}

// ValidateResponse is returned by the validate endpoint.
type ValidateResponse struct {
	Valid   bool             `json:"valid"`
	Code    ttypes.ErrorCode `json:"code,omitempty"`
	Message string           `json:"message,omitempty"`
}

// StatusResponse combines the service snapshot with adapter and process
// details.
type StatusResponse struct {
	Service          ttypes.ServiceStatus `json:"service"`
	Adapter          ttypes.HealthStatus  `json:"adapter"`
	Resources        ttypes.ResourceUsage `json:"resources"`
	CurrentRequestID string               `json:"current_request_id,omitempty"`
	Uptime           string               `json:"uptime"`
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	ttypes.HealthCheckResult
	Adapter ttypes.HealthStatus `json:"adapter"`
}

// CancelResponse reports the outcome of a cancel call.
type CancelResponse struct {
	Cancelled bool   `json:"cancelled"`
	RequestID string `json:"request_id,omitempty"`
}

// ConfigResponse is returned after a configuration update.
type ConfigResponse struct {
	Config   *config.TTSConfiguration `json:"config"`
	Warnings []string                 `json:"warnings,omitempty"`
}

// Server is the HTTP front end.
type Server struct {
	svc     Service
	store   ConfigStore
	metrics *Metrics
	logger  *log.Logger
	now     func() time.Time

	srv *http.Server
}

// New creates a server. metrics may be nil, in which case /metrics is not
// served.
func New(addr string, svc Service, store ConfigStore, metrics *Metrics) *Server {
	s := &Server{
		svc:     svc,
		store:   store,
		metrics: metrics,
		logger:  log.WithPrefix("http"),
		now:     time.Now,
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// RegisterRoutes registers all routes on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/speech", s.Speech)
	mux.HandleFunc("POST /v1/speech/validate", s.Validate)
	mux.HandleFunc("GET /v1/status", s.Status)
	mux.HandleFunc("GET /v1/requests", s.Requests)
	mux.HandleFunc("GET /v1/metrics/performance", s.Performance)
	mux.HandleFunc("POST /v1/stats/reset", s.ResetStats)
	mux.HandleFunc("GET /v1/config", s.GetConfig)
	mux.HandleFunc("PUT /v1/config", s.PutConfig)
	mux.HandleFunc("POST /v1/cancel", s.Cancel)
	mux.HandleFunc("GET /healthz", s.Health)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.logRequests(mux)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve(ln) }()
	s.logger.Info("Listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Speech handles POST /v1/speech. Clients sending Accept: audio/* receive
// the raw audio on success; everyone else gets the JSON response.
func (s *Server) Speech(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	resp := s.svc.ProcessRequest(r.Context(), req)
	w.Header().Set("X-Request-ID", resp.RequestID)
	w.Header().Set("X-Attempt-Count", strconv.Itoa(resp.AttemptCount))

	if resp.Success && len(resp.Audio) > 0 && wantsAudio(r) {
		w.Header().Set("Content-Type", audioContentType(resp.Format))
		w.Header().Set("Content-Length", strconv.Itoa(len(resp.Audio)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(resp.Audio)
		return
	}
	writeJSON(w, statusFor(resp), resp)
}

// Validate handles POST /v1/speech/validate.
func (s *Server) Validate(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	if terr := s.svc.ValidateRequest(req); terr != nil {
		writeJSON(w, http.StatusOK, ValidateResponse{Code: terr.Code, Message: terr.Message})
		return
	}
	writeJSON(w, http.StatusOK, ValidateResponse{Valid: true})
}

// Status handles GET /v1/status.
func (s *Server) Status(w http.ResponseWriter, _ *http.Request) {
	st := s.svc.GetServiceStatus()
	writeJSON(w, http.StatusOK, StatusResponse{
		Service:          st,
		Adapter:          s.svc.AdapterHealth(),
		Resources:        s.svc.ResourceUsage(),
		CurrentRequestID: s.svc.CurrentRequestID(),
		Uptime:           st.Uptime(s.now()).Round(time.Second).String(),
	})
}

// Requests handles GET /v1/requests.
func (s *Server) Requests(w http.ResponseWriter, _ *http.Request) {
	active := s.svc.GetActiveRequests()
	if active == nil {
		active = []ttypes.ActiveRequestInfo{}
	}
	writeJSON(w, http.StatusOK, active)
}

// Performance handles GET /v1/metrics/performance.
func (s *Server) Performance(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.GetPerformanceMetrics())
}

// ResetStats handles POST /v1/stats/reset.
func (s *Server) ResetStats(w http.ResponseWriter, _ *http.Request) {
	s.svc.ResetStatistics()
	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /healthz. Unhealthy services answer 503.
func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	res := s.svc.PerformHealthCheck()
	status := http.StatusOK
	if !res.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, HealthResponse{HealthCheckResult: res, Adapter: s.svc.AdapterHealth()})
}

// Cancel handles POST /v1/cancel. Only the most recently started request
// is cancelled.
func (s *Server) Cancel(w http.ResponseWriter, _ *http.Request) {
	id := s.svc.CurrentRequestID()
	if !s.svc.CancelCurrentRequest() {
		writeJSON(w, http.StatusOK, CancelResponse{})
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{Cancelled: true, RequestID: id})
}

// GetConfig handles GET /v1/config.
func (s *Server) GetConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := s.store.GetCurrent()
	if cfg == nil {
		writeError(w, http.StatusNotFound, "no configuration loaded", ttypes.ErrorCodeConfigurationError)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// PutConfig handles PUT /v1/config. Hard validation errors answer 422 and
// leave the active configuration untouched.
func (s *Server) PutConfig(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var cfg config.TTSConfiguration
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid configuration body", ttypes.ErrorCodeConfigurationError)
		return
	}

	res := s.store.Validate(&cfg)
	if !res.Valid {
		writeJSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	if !s.store.Update(&cfg, "http") {
		writeError(w, http.StatusUnprocessableEntity, "configuration rejected", ttypes.ErrorCodeConfigurationError)
		return
	}
	writeJSON(w, http.StatusOK, ConfigResponse{Config: s.store.GetCurrent(), Warnings: res.Warnings})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" {
			id = xid.New().String()
		}
		w.Header().Set(correlationHeader, id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.logger.Debug("Request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"correlation", id,
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (*ttypes.TTSRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req ttypes.TTSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", ttypes.ErrorCodeInvalidRequest)
		return nil, false
	}
	return &req, true
}

func wantsAudio(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		if strings.HasPrefix(strings.TrimSpace(part), "audio/") {
			return true
		}
	}
	return false
}

func audioContentType(format string) string {
	switch strings.ToLower(format) {
	case "", "bin":
		return "application/octet-stream"
	case "mp3":
		return "audio/mpeg"
	default:
		return "audio/" + strings.ToLower(format)
	}
}

// statusFor maps a dispatch outcome to an HTTP status.
func statusFor(resp *ttypes.TTSResponse) int {
	if resp.Success {
		return http.StatusOK
	}
	switch resp.ErrorCode {
	case ttypes.ErrorCodeInvalidRequest, ttypes.ErrorCodeValidationFailed:
		return http.StatusBadRequest
	case ttypes.ErrorCodeAdapterUnavailable, ttypes.ErrorCodeInitializationFailed:
		return http.StatusServiceUnavailable
	case ttypes.ErrorCodeTimeout:
		return http.StatusGatewayTimeout
	case ttypes.ErrorCodeCancelled:
		return statusClientClosedRequest
	case ttypes.ErrorCodeProcessingError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string, code ttypes.ErrorCode) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}
