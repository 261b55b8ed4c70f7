package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cachemesh/cachemesh/internal/algorithm"
	"github.com/cachemesh/cachemesh/internal/cache"
	"github.com/cachemesh/cachemesh/internal/client"
	"github.com/cachemesh/cachemesh/internal/cluster"
	"github.com/cachemesh/cachemesh/internal/invalidation"
	"github.com/cachemesh/cachemesh/internal/lock"
	"github.com/cachemesh/cachemesh/internal/metrics"
	"github.com/cachemesh/cachemesh/internal/model"
	"github.com/cachemesh/cachemesh/internal/policy"
	"github.com/cachemesh/cachemesh/internal/replication"
	"github.com/cachemesh/cachemesh/internal/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	logger := zap.NewNop()
	m := metrics.NewNopMetrics()

	assigner := algorithm.NewPartitionAssigner(64, 50)
	registry := cluster.NewRegistry(assigner, 3, logger)
	pool := client.NewMemoryPool()

	for i := 0; i < 3; i++ {
		require.NoError(t, registry.Register(&model.Node{
			ID:     fmt.Sprintf("node-%d", i),
			Host:   "127.0.0.1",
			Port:   7000 + i,
			Role:   model.NodeRolePrimary,
			Health: model.NodeHealthy,
		}))
	}

	breakers := cluster.NewBreakerGroup(cluster.DefaultBreakerConfig(), m, logger)
	policies := policy.NewEngine(logger)
	local, err := cache.NewLocal(100, m, logger)
	require.NoError(t, err)

	coordinator := replication.NewCoordinator(registry, breakers, pool,
		replication.NewStrategyRegistry(), policies, local,
		time.Second, time.Second, m, logger)
	rules := invalidation.NewEngine(coordinator, time.Millisecond, m, logger)
	t.Cleanup(rules.Stop)
	locks := lock.NewManager(time.Second, logger)

	cacheHandler := NewCacheHandler(coordinator, logger)
	adminHandler := NewAdminHandler(registry, policies, rules, locks,
		coordinator, store.NewMemoryMetadataStore(), logger)

	srv := httptest.NewServer(NewRouter(cacheHandler, adminHandler))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestCacheEndpoints_RoundTrip(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/v1/cache/user:1",
		bytes.NewBufferString(`{"name":"ada"}`))
	require.NoError(t, err)
	req.Header.Set("X-Cache-Options", `{"ttl_seconds":60,"tags":["user"]}`)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var set setResponse
	decode(t, resp, &set)
	assert.True(t, set.Success)
	assert.Equal(t, 3, set.Acks)
	assert.Equal(t, "quorum", set.Consistency)

	resp, err = http.Get(srv.URL + "/api/v1/cache/user:1")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got getResponse
	decode(t, resp, &got)
	assert.True(t, got.Hit)
	assert.Equal(t, []byte(`{"name":"ada"}`), got.Value)
	assert.Contains(t, got.Tags, "user")
}

func TestCacheEndpoints_MissReturns404(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/cache/absent")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var got getResponse
	decode(t, resp, &got)
	assert.False(t, got.Hit)
	assert.Equal(t, "absent", got.Key)
}

func TestCacheEndpoints_BadOptionsHeader(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/v1/cache/k",
		bytes.NewBufferString("v"))
	require.NoError(t, err)
	req.Header.Set("X-Cache-Options", `{not json`)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCacheEndpoints_Invalidate(t *testing.T) {
	srv := newTestServer(t)

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/api/v1/cache/todo:1",
		bytes.NewBufferString("v"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/cache/todo:1", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/v1/cache/todo:1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNodeEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/nodes", map[string]any{
		"id":   "node-9",
		"host": "10.0.0.9",
		"port": 7009,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var node model.Node
	decode(t, resp, &node)
	assert.Equal(t, model.NodeRolePrimary, node.Role, "role defaults to primary")
	assert.Equal(t, model.NodeHealthy, node.Health)

	resp, err := http.Get(srv.URL + "/api/v1/nodes")
	require.NoError(t, err)
	var nodes []model.Node
	decode(t, resp, &nodes)
	assert.Len(t, nodes, 4)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/nodes/node-9", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/nodes/node-9", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNodeEndpoints_Validation(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/nodes", map[string]any{"id": "incomplete"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPolicyEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/policies", model.PolicySpec{
		Name:        "sessions",
		PatternKind: model.PatternRegex,
		Pattern:     "^session:[0-9]+$",
		Enabled:     true,
		Priority:    10,
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	// Malformed regex is rejected at registration
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/policies", model.PolicySpec{
		Name:        "broken",
		PatternKind: model.PatternRegex,
		Pattern:     "[unclosed",
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRuleAndEventEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/rules", map[string]any{
		"name":                  "todos",
		"trigger_events":        []string{"todo.updated"},
		"affected_key_patterns": []string{"todo:*"},
	})
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/events/todo.updated", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var event map[string]any
	decode(t, resp, &event)
	assert.Equal(t, float64(1), event["rules_triggered"])
}

func TestLockEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/v1/locks", map[string]any{
		"key": "user:1", "owner": "worker-a", "ttl_seconds": 60,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var lease model.Lock
	decode(t, resp, &lease)
	assert.Equal(t, "worker-a", lease.Owner)

	// Contention is a conflict
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/v1/locks", map[string]any{
		"key": "user:1", "owner": "worker-b", "ttl_seconds": 60,
	})
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Non-owner release is forbidden
	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/locks/user:1?owner=worker-b", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, http.MethodPut, srv.URL+"/api/v1/locks/user:1?owner=worker-a", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodDelete, srv.URL+"/api/v1/locks/user:1?owner=worker-a", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/stats")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats map[string]any
	decode(t, resp, &stats)

	clusterStats, ok := stats["cluster"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(3), clusterStats["nodes"])
	assert.Equal(t, float64(3), clusterStats["healthy_nodes"])
	assert.Contains(t, stats, "l1")
	assert.Contains(t, stats, "policies")
}
