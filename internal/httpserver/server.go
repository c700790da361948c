// Package httpserver exposes webhook intake, the read-only email lookup,
// health and metrics.
package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	mqcontracts "mailshield/contracts/mq"
	"mailshield/internal/ingest"
	"mailshield/internal/store"
	"mailshield/pkg/trace"
)

const maxBodyBytes = 4 << 20

// Ingester is the part of the ingest service the webhook needs.
type Ingester interface {
	Ingest(ctx context.Context, raw ingest.RawEvent) ([]mqcontracts.WorkItem, error)
}

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

type Server struct {
	addr     string
	ingester Ingester
	store    store.Store
	checks   map[string]Check
	logger   *zap.Logger
}

// New creates the server. port may be "8080" or ":8080".
func New(port string, ingester Ingester, st store.Store, logger *zap.Logger) *Server {
	addr := port
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	return &Server{
		addr:     addr,
		ingester: ingester,
		store:    st,
		checks:   make(map[string]Check),
		logger:   logger.With(zap.String("component", "http")),
	}
}

// WithCheck adds a dependency to /healthz.
func (s *Server) WithCheck(name string, check Check) *Server {
	s.checks[name] = check
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/events", s.handleEvents).Methods(http.MethodPost)
	v1.HandleFunc("/emails/{id}", s.handleGetEmail).Methods(http.MethodGet)

	return router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, traceID := trace.Ensure(r.Context())
		w.Header().Set("X-Trace-ID", traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("trace_id", traceID),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type eventsResponse struct {
	Accepted   int      `json:"accepted"`
	Duplicates int      `json:"duplicates"`
	Rejected   int      `json:"rejected"`
	EmailIDs   []string `json:"email_ids,omitempty"`
}

// handleEvents handles POST /v1/events. The body is one event, an array of
// events, or {"events": [...]}. A validationToken query parameter is echoed
// back as plain text, which is how mailbox webhooks confirm a subscription.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, token)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	events, err := decodeEvents(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	var resp eventsResponse
	for _, ev := range events {
		items, err := s.ingester.Ingest(r.Context(), ev)
		switch {
		case errors.Is(err, ingest.ErrMalformedEvent):
			resp.Rejected++
		case err != nil:
			s.logger.Error("Ingest failed", zap.String("email_id", ev.ID), zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "failed to ingest event")
			return
		case len(items) == 0:
			resp.Duplicates++
		default:
			resp.Accepted++
			resp.EmailIDs = append(resp.EmailIDs, items[0].EmailID)
		}
	}

	if len(events) > 0 && resp.Rejected == len(events) {
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func decodeEvents(body []byte) ([]ingest.RawEvent, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}

	if body[0] == '[' {
		var events []ingest.RawEvent
		if err := json.Unmarshal(body, &events); err != nil {
			return nil, err
		}
		return events, nil
	}

	var batch struct {
		Events []ingest.RawEvent `json:"events"`
	}
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, err
	}
	if batch.Events != nil {
		return batch.Events, nil
	}

	var single ingest.RawEvent
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, err
	}
	return []ingest.RawEvent{single}, nil
}

// handleGetEmail handles GET /v1/emails/{id}
func (s *Server) handleGetEmail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	view, err := store.View(r.Context(), s.store, id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "email not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to load email", zap.String("email_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load email")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	result := map[string]string{"status": "ok"}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			result["status"] = "degraded"
			result[name] = err.Error()
			continue
		}
		result[name] = "ok"
	}
	writeJSON(w, status, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
