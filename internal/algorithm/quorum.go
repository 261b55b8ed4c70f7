package algorithm

import "github.com/cachemesh/cachemesh/internal/model"

// QuorumCalculator calculates replica acknowledgment requirements
type QuorumCalculator struct{}

// NewQuorumCalculator creates a new quorum calculator
func NewQuorumCalculator() *QuorumCalculator {
	return &QuorumCalculator{}
}

// Majority returns the number of replicas required for quorum
func (q *QuorumCalculator) Majority(totalReplicas int) int {
	return (totalReplicas / 2) + 1
}

// Required returns the acknowledgment threshold for a consistency level
func (q *QuorumCalculator) Required(level model.ConsistencyLevel, totalReplicas int) int {
	switch level {
	case model.ConsistencyOne:
		return 1
	case model.ConsistencyAll:
		return totalReplicas
	case model.ConsistencyQuorum:
		fallthrough
	default:
		return q.Majority(totalReplicas)
	}
}

// Reached checks whether the success count satisfies the consistency level
func (q *QuorumCalculator) Reached(level model.ConsistencyLevel, successCount, totalReplicas int) bool {
	return successCount >= q.Required(level, totalReplicas)
}
