// Package http exposes the read-only operational surface: health, engine
// status, calibration reporting, Prometheus metrics and the websocket
// telemetry stream.
package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/kjarvik/tradegate/internal/calibration"
	"github.com/kjarvik/tradegate/internal/domain"
)

// StatusSource is the engine view the status endpoints read from.
type StatusSource interface {
	Mode() domain.Mode
	Paused() bool
	Snapshots() []domain.InstrumentState
	OpenPositions() []domain.Position
	Performance() domain.PerformanceSnapshot
	Health(ctx context.Context) domain.HealthReport
}

// CalibrationSource is the calibration view the reporting endpoints read from.
type CalibrationSource interface {
	Buckets() []domain.CalibrationBucket
	Report() calibration.Report
	FitPlatt() (calibration.PlattResult, error)
}

// Server is the read-only HTTP server. All state mutations travel over the
// event bus; nothing here writes.
type Server struct {
	server *http.Server
	router *mux.Router
}

// NewServer wires the routes. metricsHandler serves the Prometheus registry
// and wsHandler upgrades telemetry stream connections.
func NewServer(addr string, status StatusSource, cal CalibrationSource, metricsHandler, wsHandler http.Handler) *Server {
	s := &Server{router: mux.NewRouter()}

	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth(status)).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus(status)).Methods(http.MethodGet)
	s.router.HandleFunc("/instruments", s.handleInstruments(status)).Methods(http.MethodGet)
	s.router.HandleFunc("/calibration", s.handleCalibration(cal)).Methods(http.MethodGet)
	s.router.HandleFunc("/calibration/platt", s.handlePlatt(cal)).Methods(http.MethodGet)
	s.router.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	s.router.Handle("/ws", wsHandler)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start blocks serving until Shutdown or a listener error.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(status StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := status.Health(r.Context())
		code := http.StatusOK
		if report.Status == domain.HealthDegraded {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	}
}

func (s *Server) handleStatus(status StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"mode":           status.Mode(),
			"paused":         status.Paused(),
			"open_positions": status.OpenPositions(),
			"performance":    status.Performance(),
			"timestamp":      time.Now().UTC(),
		})
	}
}

func (s *Server) handleInstruments(status StatusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, status.Snapshots())
	}
}

func (s *Server) handleCalibration(cal CalibrationSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"buckets": cal.Buckets(),
			"report":  cal.Report(),
		})
	}
}

func (s *Server) handlePlatt(cal CalibrationSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := cal.FitPlatt()
		if err != nil {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.code).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("response encode failed")
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.code = code
	sw.ResponseWriter.WriteHeader(code)
}

// Hijack delegates to the underlying writer so the websocket upgrade works
// through the logging wrapper.
func (sw *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}
