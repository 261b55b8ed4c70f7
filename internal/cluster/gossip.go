package cluster

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/cachemesh/cachemesh/internal/model"
)

// GossipConfig holds gossip discovery configuration
type GossipConfig struct {
	Enabled        bool
	BindPort       int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeTimeout   time.Duration
	ProbeInterval  time.Duration
}

// nodeMeta is the announcement a cache node gossips about itself
type nodeMeta struct {
	NodeID string         `json:"node_id"`
	Host   string         `json:"host"`
	Port   int            `json:"port"`
	Role   model.NodeRole `json:"role"`
	Region string         `json:"region"`
}

// Gossip wires memberlist membership events into the node registry so cache
// nodes can be discovered dynamically instead of by static configuration.
type Gossip struct {
	config     *GossipConfig
	memberlist *memberlist.Memberlist
	registry   *Registry
	local      nodeMeta
	logger     *zap.Logger
}

// NewGossip creates a gossip discoverer and joins the configured seeds
func NewGossip(cfg *GossipConfig, local *model.Node, registry *Registry, logger *zap.Logger) (*Gossip, error) {
	g := &Gossip{
		config:   cfg,
		registry: registry,
		local: nodeMeta{
			NodeID: local.ID,
			Host:   local.Host,
			Port:   local.Port,
			Role:   local.Role,
			Region: local.Region,
		},
		logger: logger,
	}

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = local.ID
	mlConfig.BindPort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = cfg.ProbeTimeout
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = g
	mlConfig.Events = &gossipEvents{gossip: g}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}
	g.memberlist = ml

	if len(cfg.SeedNodes) > 0 {
		if _, err := ml.Join(cfg.SeedNodes); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	return g, nil
}

// NodeMeta implements memberlist.Delegate
func (g *Gossip) NodeMeta(limit int) []byte {
	data, _ := json.Marshal(g.local)
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (g *Gossip) NotifyMsg(data []byte) {}

// GetBroadcasts implements memberlist.Delegate
func (g *Gossip) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (g *Gossip) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (g *Gossip) MergeRemoteState(buf []byte, join bool) {}

// Shutdown leaves the gossip cluster
func (g *Gossip) Shutdown() error {
	return g.memberlist.Shutdown()
}

// gossipEvents feeds membership changes into the registry
type gossipEvents struct {
	gossip *Gossip
}

// NotifyJoin registers the joining node
func (e *gossipEvents) NotifyJoin(node *memberlist.Node) {
	meta, err := decodeMeta(node)
	if err != nil {
		e.gossip.logger.Warn("Ignoring join with unreadable metadata",
			zap.String("member", node.Name), zap.Error(err))
		return
	}

	e.gossip.logger.Info("Gossip member joined",
		zap.String("node_id", meta.NodeID),
		zap.String("addr", node.Addr.String()))

	_ = e.gossip.registry.Register(&model.Node{
		ID:     meta.NodeID,
		Host:   meta.Host,
		Port:   meta.Port,
		Role:   meta.Role,
		Region: meta.Region,
		Health: model.NodeHealthy,
	})
}

// NotifyLeave deregisters the leaving node
func (e *gossipEvents) NotifyLeave(node *memberlist.Node) {
	e.gossip.logger.Info("Gossip member left", zap.String("member", node.Name))
	_ = e.gossip.registry.Deregister(node.Name)
}

// NotifyUpdate refreshes node metadata
func (e *gossipEvents) NotifyUpdate(node *memberlist.Node) {
	meta, err := decodeMeta(node)
	if err != nil {
		return
	}
	if existing, ok := e.gossip.registry.Node(meta.NodeID); ok {
		existing.Host = meta.Host
		existing.Port = meta.Port
		existing.Region = meta.Region
		_ = e.gossip.registry.Register(existing)
	}
}

func decodeMeta(node *memberlist.Node) (*nodeMeta, error) {
	var meta nodeMeta
	if err := json.Unmarshal(node.Meta, &meta); err != nil {
		return nil, err
	}
	if meta.NodeID == "" {
		meta.NodeID = node.Name
	}
	return &meta, nil
}
