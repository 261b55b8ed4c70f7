package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/cachemesh/cachemesh/internal/cluster"
	"github.com/cachemesh/cachemesh/internal/store"
)

// HealthChecker provides health check endpoints
type HealthChecker struct {
	registry      *cluster.Registry
	metadataStore store.MetadataStore
	logger        *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(registry *cluster.Registry, metadataStore store.MetadataStore, logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		registry:      registry,
		metadataStore: metadataStore,
		logger:        logger,
	}
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// ReadinessHandler handles readiness probe requests. Ready means at least
// one routable node owns partitions and the metadata store answers.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if h.registry.Topology() == nil || h.registry.HealthyCount() == 0 {
		checks["cluster"] = "unhealthy: no routable nodes"
		allHealthy = false
	} else {
		checks["cluster"] = fmt.Sprintf("healthy: %d nodes routable", h.registry.HealthyCount())
	}

	if h.metadataStore != nil {
		if err := h.metadataStore.Ping(ctx); err != nil {
			h.logger.Error("Metadata store health check failed", zap.Error(err))
			checks["metadata_store"] = "unhealthy: " + err.Error()
			allHealthy = false
		} else {
			checks["metadata_store"] = "healthy"
		}
	}

	status := HealthStatus{
		Timestamp: time.Now().Unix(),
		Checks:    checks,
	}

	w.Header().Set("Content-Type", "application/json")

	if allHealthy {
		status.Status = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		status.Status = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(status)
}

// StartHealthServer starts the health check HTTP server
func StartHealthServer(hc *HealthChecker, port int, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", hc.LivenessHandler)
	mux.HandleFunc("/health/ready", hc.ReadinessHandler)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		logger.Info("Health server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Health server failed", zap.Error(err))
		}
	}()

	return srv
}
