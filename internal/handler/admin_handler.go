package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cachemesh/cachemesh/internal/cluster"
	"github.com/cachemesh/cachemesh/internal/invalidation"
	"github.com/cachemesh/cachemesh/internal/lock"
	"github.com/cachemesh/cachemesh/internal/model"
	"github.com/cachemesh/cachemesh/internal/policy"
	"github.com/cachemesh/cachemesh/internal/replication"
	"github.com/cachemesh/cachemesh/internal/store"
)

// AdminHandler exposes cluster, policy, rule and lock administration
type AdminHandler struct {
	registry      *cluster.Registry
	policies      *policy.Engine
	rules         *invalidation.Engine
	locks         *lock.Manager
	coordinator   *replication.Coordinator
	metadataStore store.MetadataStore
	logger        *zap.Logger
}

// NewAdminHandler creates an admin handler
func NewAdminHandler(
	registry *cluster.Registry,
	policies *policy.Engine,
	rules *invalidation.Engine,
	locks *lock.Manager,
	coordinator *replication.Coordinator,
	metadataStore store.MetadataStore,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		registry:      registry,
		policies:      policies,
		rules:         rules,
		locks:         locks,
		coordinator:   coordinator,
		metadataStore: metadataStore,
		logger:        logger,
	}
}

// RegisterNode handles POST /api/v1/nodes
func (h *AdminHandler) RegisterNode(w http.ResponseWriter, r *http.Request) {
	var node model.Node
	if err := json.NewDecoder(r.Body).Decode(&node); err != nil {
		writeError(w, http.StatusBadRequest, "invalid node payload")
		return
	}
	if node.ID == "" || node.Host == "" || node.Port == 0 {
		writeError(w, http.StatusBadRequest, "id, host and port are required")
		return
	}
	if node.Role == "" {
		node.Role = model.NodeRolePrimary
	}
	if node.Health == "" {
		node.Health = model.NodeHealthy
	}

	h.logger.Info("Received node registration",
		zap.String("node_id", node.ID),
		zap.String("host", node.Host),
		zap.Int("port", node.Port),
		zap.String("role", string(node.Role)))

	if err := h.registry.Register(&node); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	if h.metadataStore != nil {
		if err := h.metadataStore.SaveNode(r.Context(), &node); err != nil {
			h.logger.Error("Failed to persist node", zap.String("node_id", node.ID), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusCreated, node)
}

// DeregisterNode handles DELETE /api/v1/nodes/{id}
func (h *AdminHandler) DeregisterNode(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]

	if err := h.registry.Deregister(nodeID); err != nil {
		if errors.Is(err, model.ErrNodeNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		// The node is removed even when the remaining set yields no routable
		// topology; that state is reported through logs, not to the caller.
		h.logger.Warn("Topology rebuild failed after deregistration",
			zap.String("node_id", nodeID), zap.Error(err))
	}

	if h.metadataStore != nil {
		if err := h.metadataStore.RemoveNode(r.Context(), nodeID); err != nil {
			h.logger.Error("Failed to remove persisted node", zap.String("node_id", nodeID), zap.Error(err))
		}
	}

	h.logger.Info("Node deregistered", zap.String("node_id", nodeID))
	w.WriteHeader(http.StatusNoContent)
}

// ListNodes handles GET /api/v1/nodes
func (h *AdminHandler) ListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Nodes())
}

// RegisterPolicy handles POST /api/v1/policies
func (h *AdminHandler) RegisterPolicy(w http.ResponseWriter, r *http.Request) {
	var spec model.PolicySpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid policy payload")
		return
	}

	compiled, err := spec.Compile()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.policies.Register(compiled); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.metadataStore != nil {
		if err := h.metadataStore.SavePolicy(r.Context(), spec); err != nil {
			h.logger.Error("Failed to persist policy", zap.String("policy", spec.Name), zap.Error(err))
		}
	}

	h.logger.Info("Policy registered",
		zap.String("policy", spec.Name),
		zap.String("pattern", spec.Pattern),
		zap.Int("priority", spec.Priority))
	writeJSON(w, http.StatusCreated, spec)
}

// RegisterRule handles POST /api/v1/rules
func (h *AdminHandler) RegisterRule(w http.ResponseWriter, r *http.Request) {
	var rule model.InvalidationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule payload")
		return
	}

	if err := h.rules.RegisterRule(&rule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if h.metadataStore != nil {
		if err := h.metadataStore.SaveRule(r.Context(), &rule); err != nil {
			h.logger.Error("Failed to persist rule", zap.String("rule", rule.Name), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusCreated, rule)
}

// TriggerEvent handles POST /api/v1/events/{name}
func (h *AdminHandler) TriggerEvent(w http.ResponseWriter, r *http.Request) {
	event := mux.Vars(r)["name"]
	triggered := h.rules.OnEvent(event)

	h.logger.Info("Event triggered",
		zap.String("event", event),
		zap.Int("rules_triggered", triggered))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"event":           event,
		"rules_triggered": triggered,
	})
}

type lockRequest struct {
	Key        string `json:"key"`
	Owner      string `json:"owner"`
	TTLSeconds int64  `json:"ttl_seconds,omitempty"`
	AutoRenew  bool   `json:"auto_renew,omitempty"`
}

// AcquireLock handles POST /api/v1/locks
func (h *AdminHandler) AcquireLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid lock payload")
		return
	}

	lease, err := h.locks.Acquire(req.Key, req.Owner, time.Duration(req.TTLSeconds)*time.Second, req.AutoRenew)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, lease)
}

// ReleaseLock handles DELETE /api/v1/locks/{key}?owner=
func (h *AdminHandler) ReleaseLock(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	owner := r.URL.Query().Get("owner")

	if err := h.locks.Release(key, owner); err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RenewLock handles PUT /api/v1/locks/{key}?owner=
func (h *AdminHandler) RenewLock(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	owner := r.URL.Query().Get("owner")

	lease, err := h.locks.Renew(key, owner)
	if err != nil {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, lease)
}

// Stats handles GET /api/v1/stats
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	local := h.coordinator.Local()
	hits, misses := local.Stats()

	topology := h.registry.Topology()
	var partitions int
	var version uint64
	if topology != nil {
		partitions = len(topology.Partitions)
		version = topology.Version
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"l1": map[string]any{
			"entries":  local.Len(),
			"hits":     hits,
			"misses":   misses,
			"hit_rate": local.HitRate(),
		},
		"cluster": map[string]any{
			"nodes":            len(h.registry.Nodes()),
			"healthy_nodes":    h.registry.HealthyCount(),
			"partitions":       partitions,
			"topology_version": version,
		},
		"policies": len(h.policies.Policies()),
		"rules":    len(h.rules.Rules()),
		"locks":    h.locks.Len(),
	})
}
