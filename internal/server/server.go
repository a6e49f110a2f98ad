// Package server provides the local HTTP surface for ha-sync: health,
// prometheus metrics, cached entity state and an authenticated command
// endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/ha-sync/internal/entities"
	herrors "github.com/alexjbarnes/ha-sync/internal/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxCommandBody caps POST /api/commands request bodies.
const maxCommandBody = 16 << 10

// Hub is the part of the hub client the HTTP surface uses.
type Hub interface {
	IsConnected() bool
	InitialSyncDone() bool
	SubmitCommand(ctx context.Context, domain, service string, payload json.RawMessage) error
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Hub      Hub
	Entities *entities.Store
	// TokenHash is the bcrypt hash of the command bearer token.
	TokenHash string
	Logger    *slog.Logger
	// Metrics serves /metrics. Nil uses the default registry.
	Metrics http.Handler
}

// NewMux builds the HTTP mux. Only POST /api/commands is protected.
func NewMux(cfg MuxConfig) *http.ServeMux {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.Handle("GET /metrics", metrics)
	mux.HandleFunc("GET /api/status", handleStatus(cfg.Hub, cfg.Entities))
	mux.HandleFunc("GET /api/entities/{id}", handleEntity(cfg.Entities))

	auth := BearerAuth(cfg.TokenHash, cfg.Logger)
	mux.Handle("POST /api/commands", auth(handleCommand(cfg.Hub, cfg.Logger)))

	return mux
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, "ok")
}

type statusResponse struct {
	Connected       bool `json:"connected"`
	InitialSyncDone bool `json:"initial_sync_done"`
	Entities        int  `json:"entities"`
}

func handleStatus(hub Hub, store *entities.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse{
			Connected:       hub.IsConnected(),
			InitialSyncDone: hub.InitialSyncDone(),
			Entities:        store.Len(),
		})
	}
}

func handleEntity(store *entities.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, ok := store.Get(r.PathValue("id"))
		if !ok {
			writeJSONError(w, http.StatusNotFound, "entity not cached")
			return
		}

		writeJSON(w, http.StatusOK, e)
	}
}

type commandRequest struct {
	Domain      string          `json:"domain"`
	Service     string          `json:"service"`
	ServiceData json.RawMessage `json:"service_data,omitempty"`
}

func handleCommand(hub Hub, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req commandRequest

		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBody))
		dec.DisallowUnknownFields()

		if err := dec.Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("decoding request: %v", err))
			return
		}

		start := time.Now()
		err := hub.SubmitCommand(r.Context(), req.Domain, req.Service, req.ServiceData)

		logger.Info("command submitted over HTTP",
			slog.String("domain", req.Domain),
			slog.String("service", req.Service),
			slog.Duration("elapsed", time.Since(start)),
			slog.Bool("ok", err == nil),
		)

		if err != nil {
			writeJSONError(w, commandStatus(err), err.Error())
			return
		}

		w.WriteHeader(http.StatusAccepted)
	}
}

func commandStatus(err error) int {
	switch {
	case errors.Is(err, herrors.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, herrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, herrors.ErrNotConnected), herrors.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, description string) {
	writeJSON(w, status, map[string]string{"error": description})
}

// Serve runs an HTTP server on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down HTTP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("starting HTTP server", slog.String("listen", addr))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}
