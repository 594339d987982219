// Package api serves the indexer's operational endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/zilstream/grants-indexer/internal/listener"
)

// ChainReporter is implemented by listener.Listener.
type ChainReporter interface {
	Status() listener.Status
}

type HealthServer struct {
	chains []ChainReporter
	port   int
	logger zerolog.Logger
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Chains    []listener.Status `json:"chains"`
}

func NewHealthServer(port int, chains []ChainReporter, logger zerolog.Logger) *HealthServer {
	return &HealthServer{
		chains: chains,
		port:   port,
		logger: logger.With().Str("component", "health").Logger(),
	}
}

func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	// Readiness: every chain has finished replaying.
	mux.HandleFunc("/ready", h.handleReady)
	mux.HandleFunc("/live", h.handleLive)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start serves until ctx is cancelled.
func (h *HealthServer) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", h.port),
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	h.logger.Info().Int("port", h.port).Msg("Starting health server")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (h *HealthServer) status() HealthStatus {
	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Chains:    make([]listener.Status, 0, len(h.chains)),
	}
	for _, c := range h.chains {
		st := c.Status()
		status.Chains = append(status.Chains, st)
		switch {
		case st.Halted != "" || st.State == listener.StateStopped.String():
			status.Status = "unhealthy"
		case st.State != listener.StateListening.String() && status.Status == "healthy":
			status.Status = "degraded"
		}
	}
	return status
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.status()
	code := http.StatusOK
	if status.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	JSON(w, code, status)
}

func (h *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.status().Status != "healthy" {
		Error(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	JSON(w, http.StatusOK, "ready")
}

func (h *HealthServer) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("alive"))
}
