// Package server exposes the anonymizer over HTTP.
//
// Endpoints:
//
//	POST /anonymize       - {"text":"..."} -> anonymized text and replaced spans
//	POST /anonymize/json  - any JSON document -> same document, string leaves anonymized
//	GET  /status          - health, model and cache settings
//	GET  /metrics         - counters and latency snapshot
//
// HTTP/2 without TLS (h2c) is accepted alongside HTTP/1.1.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"text-anonymizer/internal/anonymizer"
	"text-anonymizer/internal/config"
	"text-anonymizer/internal/logger"
	"text-anonymizer/internal/metrics"
)

const (
	minBodyBytes = 1 << 20
	// JSON escaping can grow a string; leave room above MaxTextBytes.
	bodyOverhead = 4 << 10
)

// Server is the anonymizer HTTP API.
type Server struct {
	cfg       *config.Config
	anon      *anonymizer.Anonymizer
	startTime time.Time
	token     string           // bearer token for auth; empty = no auth
	metrics   *metrics.Metrics // nil = no metrics
	log       *logger.Logger
	maxBody   int64
}

// New creates an API server around anon.
func New(cfg *config.Config, anon *anonymizer.Anonymizer, m *metrics.Metrics, log *logger.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		anon:      anon,
		startTime: time.Now(),
		token:     cfg.APIToken,
		metrics:   m,
		log:       log,
		maxBody:   max(minBodyBytes, int64(cfg.MaxTextBytes)*2+bodyOverhead),
	}
	if s.token != "" {
		log.Info("init", "Bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/anonymize", s.handleAnonymize)
	mux.HandleFunc("/anonymize/json", s.handleAnonymizeJSON)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	return s.requestID(s.authMiddleware(mux))
}

type ctxKey struct{}

// RequestID returns the ID assigned to the request carried by ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// requestID tags every request with a ULID, echoed in X-Request-Id.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ulid.Make().String()
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			s.log.Warnf("auth", "Unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type anonymizeRequest struct {
	Text *string `json:"text"`
}

type anonymizeResponse struct {
	ID       string                   `json:"id"`
	Text     string                   `json:"text"`
	Entities []anonymizer.Replacement `json:"entities"`
	Rejected int                      `json:"rejected"`
	Degraded bool                     `json:"degraded"`
}

func (s *Server) handleAnonymize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	var req anonymizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == nil {
		if tooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, `invalid request: need {"text":"..."}`)
		return
	}

	id := RequestID(r.Context())
	res, err := s.anon.Analyze(r.Context(), *req.Text)
	if err != nil {
		s.fail(w, id, err)
		return
	}

	entities := res.Replacements
	if entities == nil {
		entities = []anonymizer.Replacement{}
	}
	s.log.Infof("anonymize", "id=%s bytes=%d replaced=%d rejected=%d degraded=%v",
		id, len(*req.Text), len(entities), len(res.Rejected), res.Degraded)
	writeJSON(w, http.StatusOK, anonymizeResponse{
		ID:       id,
		Text:     res.Text,
		Entities: entities,
		Rejected: len(res.Rejected),
		Degraded: res.Degraded,
	})
}

func (s *Server) handleAnonymizeJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		if tooLarge(err) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "could not read request body")
		return
	}

	id := RequestID(r.Context())
	out, err := s.anon.AnonymizeJSON(r.Context(), body)
	if err != nil {
		s.fail(w, id, err)
		return
	}
	s.log.Infof("anonymize_json", "id=%s bytes_in=%d bytes_out=%d", id, len(body), len(out))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out); err != nil {
		s.log.Warnf("write", "id=%s response write error: %v", id, err)
	}
}

// fail maps anonymizer errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, id string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, anonymizer.ErrTextTooLarge):
		status = http.StatusRequestEntityTooLarge
	case errors.Is(err, anonymizer.ErrDetectionUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	s.log.Warnf("anonymize", "id=%s failed with %d: %v", id, status, err)
	writeError(w, status, err.Error())
}

func tooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type response struct {
		Status   string `json:"status"`
		Uptime   string `json:"uptime"`
		Detector struct {
			Model         string `json:"model"`
			Enabled       bool   `json:"enabled"`
			AllowDegraded bool   `json:"allowDegraded"`
		} `json:"detector"`
		Cache struct {
			Kind     string `json:"kind"`
			Capacity int    `json:"capacity"`
		} `json:"cache"`
	}

	resp := response{
		Status: "running",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	}
	resp.Detector.Model = s.cfg.HFModel
	resp.Detector.Enabled = s.cfg.DetectionEnabled()
	resp.Detector.AllowDegraded = s.cfg.AllowDegraded
	resp.Cache.Kind = "memory"
	if s.cfg.CachePath != "" {
		resp.Cache.Kind = "bbolt"
	}
	resp.Cache.Capacity = s.cfg.CacheCapacity

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics not enabled")
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // headers already sent
}

// h2cHandler accepts prior-knowledge HTTP/2 and h2c upgrades in addition to
// HTTP/1.1.
func (s *Server) h2cHandler() http.Handler {
	return h2c.NewHandler(s.Handler(), &http2.Server{})
}

// ListenAndServe serves the API on cfg.ListenAddress until ctx is done,
// then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.h2cHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Infof("listen", "Listening on %s (HTTP/1.1 + h2c)", s.cfg.ListenAddress)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Info("shutdown", "Shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
