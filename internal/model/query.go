package model

import "time"

// OperationKind classifies a graph query operation
type OperationKind string

const (
	OperationQuery        OperationKind = "query"
	OperationMutation     OperationKind = "mutation"
	OperationSubscription OperationKind = "subscription"
)

// Cacheable reports whether results of this operation kind may be cached.
// Mutations and subscriptions are never cached.
func (k OperationKind) Cacheable() bool {
	return k == OperationQuery
}

// QueryMetadata describes one cached query result. There is one record per
// distinct (query text, variables, principal) combination.
type QueryMetadata struct {
	QueryHash       string        `json:"query_hash"`
	OperationKind   OperationKind `json:"operation_kind"`
	OperationName   string        `json:"operation_name,omitempty"`
	FieldPaths      []string      `json:"field_paths"`
	ComplexityScore int           `json:"complexity_score"`
	VariablesHash   string        `json:"variables_hash"`
	PrincipalID     string        `json:"principal_id,omitempty"`
	CachedAt        time.Time     `json:"cached_at"`
	ExpiresAt       time.Time     `json:"expires_at"`
}
