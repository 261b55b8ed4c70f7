package model

import "time"

// TokenRange represents a hash range [Start, End)
type TokenRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// Partition represents one slot of the fixed partition space.
// The partition count never changes; ownership is recomputed on topology change.
type Partition struct {
	ID           int        `json:"id"`
	KeyRange     TokenRange `json:"key_range"`
	PrimaryNodes []string   `json:"primary_nodes"`
	ReplicaNodes []string   `json:"replica_nodes"`
}

// Nodes returns primary and replica node IDs in preference order
func (p *Partition) Nodes() []string {
	out := make([]string, 0, len(p.PrimaryNodes)+len(p.ReplicaNodes))
	out = append(out, p.PrimaryNodes...)
	out = append(out, p.ReplicaNodes...)
	return out
}

// Topology is an immutable snapshot of partition ownership.
// Routing reads always go through a snapshot so an in-flight request
// never observes a half-rebuilt ring.
type Topology struct {
	Partitions map[int]*Partition
	NodeIDs    []string
	Version    uint64
	BuiltAt    time.Time
}
