package model

import (
	"fmt"
	"time"
)

// NodeRole determines whether a node may own partitions as primary
type NodeRole string

const (
	// NodeRolePrimary indicates a node eligible for primary partition ownership
	NodeRolePrimary NodeRole = "primary"
	// NodeRoleReplica indicates a node that only holds replica copies
	NodeRoleReplica NodeRole = "replica"
)

// NodeHealth represents the observed health state of a cache node
type NodeHealth string

const (
	// NodeHealthy indicates node is responding to probes
	NodeHealthy NodeHealth = "healthy"
	// NodeDegraded indicates node missed recent probes but is not yet excluded
	NodeDegraded NodeHealth = "degraded"
	// NodeUnhealthy indicates node failed sustained probes and is excluded from routing
	NodeUnhealthy NodeHealth = "unhealthy"
)

// Node represents a physical cache cluster node
type Node struct {
	ID            string     `json:"id"`
	Host          string     `json:"host"`
	Port          int        `json:"port"`
	Role          NodeRole   `json:"role"`
	Health        NodeHealth `json:"health"`
	Load          float64    `json:"load"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	Region        string     `json:"region"`
}

// Addr returns the host:port address of the node
func (n *Node) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// IsRoutable reports whether the node should receive traffic
func (n *Node) IsRoutable() bool {
	return n.Health != NodeUnhealthy
}

// PrimaryCapable reports whether the node may own partitions as primary
func (n *Node) PrimaryCapable() bool {
	return n.Role == NodeRolePrimary
}
