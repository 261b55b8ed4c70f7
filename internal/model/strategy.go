package model

// ConsistencyLevel determines how many replicas must acknowledge an operation
type ConsistencyLevel string

const (
	// ConsistencyOne requires a single replica acknowledgment
	ConsistencyOne ConsistencyLevel = "one"
	// ConsistencyQuorum requires a majority of replicas
	ConsistencyQuorum ConsistencyLevel = "quorum"
	// ConsistencyAll requires every replica
	ConsistencyAll ConsistencyLevel = "all"
)

// Valid reports whether the consistency level is recognized
func (c ConsistencyLevel) Valid() bool {
	switch c {
	case ConsistencyOne, ConsistencyQuorum, ConsistencyAll:
		return true
	default:
		return false
	}
}

// RepairStrategy determines how divergent replicas are reconciled
type RepairStrategy string

const (
	// RepairReadRepair repairs stale replicas when a read observes divergence
	RepairReadRepair RepairStrategy = "read-repair"
	// RepairAntiEntropy relies on a background comparison pass
	RepairAntiEntropy RepairStrategy = "anti-entropy"
	// RepairHintedHandoff stores missed writes as hints for later replay
	RepairHintedHandoff RepairStrategy = "hinted-handoff"
)

// ReadPreference selects which node classes serve reads
type ReadPreference string

const (
	// ReadPreferMaster routes reads to primary owners only
	ReadPreferMaster ReadPreference = "master"
	// ReadPreferReplica routes reads to replica owners only
	ReadPreferReplica ReadPreference = "replica"
	// ReadPreferAny routes reads to any owning node
	ReadPreferAny ReadPreference = "any"
)

// ReplicationStrategy pairs write and read consistency with a repair policy.
// Strategies are immutable once registered and selected per operation by name.
type ReplicationStrategy struct {
	Name                 string           `mapstructure:"name" yaml:"name"`
	ReplicationFactor    int              `mapstructure:"replication_factor" yaml:"replication_factor"`
	WriteConsistency     ConsistencyLevel `mapstructure:"write_consistency" yaml:"write_consistency"`
	ReadConsistency      ConsistencyLevel `mapstructure:"read_consistency" yaml:"read_consistency"`
	RepairStrategy       RepairStrategy   `mapstructure:"repair_strategy" yaml:"repair_strategy"`
	MaxReplicationLagMs  int64            `mapstructure:"max_replication_lag_ms" yaml:"max_replication_lag_ms"`
}
