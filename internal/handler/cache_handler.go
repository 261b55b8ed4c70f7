package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cachemesh/cachemesh/internal/model"
	"github.com/cachemesh/cachemesh/internal/replication"
)

// CacheHandler exposes the cache data path over HTTP
type CacheHandler struct {
	coordinator *replication.Coordinator
	logger      *zap.Logger
}

// NewCacheHandler creates a cache data-path handler
func NewCacheHandler(coordinator *replication.Coordinator, logger *zap.Logger) *CacheHandler {
	return &CacheHandler{
		coordinator: coordinator,
		logger:      logger,
	}
}

type getResponse struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	Hit       bool      `json:"hit"`
	Version   int64     `json:"version,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
}

type setRequest struct {
	TTLSeconds  int64    `json:"ttl_seconds,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Strategy    string   `json:"strategy,omitempty"`
	Consistency string   `json:"consistency,omitempty"`
}

type setResponse struct {
	Success     bool   `json:"success"`
	Key         string `json:"key"`
	Acks        int    `json:"acks"`
	Required    int    `json:"required"`
	Consistency string `json:"consistency"`
}

// Get handles GET /api/v1/cache/{key}
func (h *CacheHandler) Get(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	opts := replication.GetOptions{
		Consistency:    model.ConsistencyLevel(r.URL.Query().Get("consistency")),
		ReadPreference: model.ReadPreference(r.URL.Query().Get("read_preference")),
	}

	entry, err := h.coordinator.Get(r.Context(), key, opts)
	if err != nil {
		if model.IsMiss(err) {
			writeJSON(w, http.StatusNotFound, getResponse{Key: key, Hit: false})
			return
		}
		h.logger.Error("Cache read failed", zap.String("key", key), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, getResponse{
		Key:       key,
		Value:     entry.Value,
		Hit:       true,
		Version:   entry.Version,
		CreatedAt: entry.CreatedAt,
		Tags:      entry.Tags,
	})
}

// Set handles PUT /api/v1/cache/{key}. The raw body is the value; write
// options travel in the X-Cache-Options header as JSON.
func (h *CacheHandler) Set(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 16<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	var req setRequest
	if raw := r.Header.Get("X-Cache-Options"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid X-Cache-Options header")
			return
		}
	}

	result, err := h.coordinator.Set(r.Context(), key, value, replication.SetOptions{
		TTL:         time.Duration(req.TTLSeconds) * time.Second,
		Tags:        req.Tags,
		Strategy:    req.Strategy,
		Consistency: model.ConsistencyLevel(req.Consistency),
	})
	if err != nil {
		h.logger.Error("Cache write failed", zap.String("key", key), zap.Error(err))
		status := http.StatusServiceUnavailable
		resp := setResponse{Success: false, Key: key}
		if result != nil {
			resp.Acks = result.Acks
			resp.Required = result.Required
			resp.Consistency = string(result.Consistency)
		}
		writeJSON(w, status, resp)
		return
	}

	writeJSON(w, http.StatusOK, setResponse{
		Success:     true,
		Key:         result.Key,
		Acks:        result.Acks,
		Required:    result.Required,
		Consistency: string(result.Consistency),
	})
}

// Invalidate handles DELETE /api/v1/cache/{key}. The key may be a pattern;
// ?cascade=true fires dependent invalidation rules.
func (h *CacheHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	if key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	opts := replication.InvalidateOptions{
		Cascade: r.URL.Query().Get("cascade") == "true",
	}

	if err := h.coordinator.Invalidate(r.Context(), key, opts); err != nil {
		h.logger.Error("Invalidation failed", zap.String("pattern", key), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
