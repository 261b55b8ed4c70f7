package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachemesh/cachemesh/internal/model"
)

func TestComputeSignature_WhitespaceNormalization(t *testing.T) {
	a, err := ComputeSignature("query GetTodos { todos { id title } }", nil, "")
	require.NoError(t, err)
	b, err := ComputeSignature("query GetTodos {\n\ttodos {\n\t\tid\n\t\ttitle\n\t}\n}", nil, "")
	require.NoError(t, err)

	assert.Equal(t, a.QueryHash, b.QueryHash)
	assert.Equal(t, a.CacheKey, b.CacheKey)
}

func TestComputeSignature_OperationKinds(t *testing.T) {
	tests := []struct {
		query string
		kind  model.OperationKind
		name  string
	}{
		{"query GetTodos { todos { id } }", model.OperationQuery, "GetTodos"},
		{"query GetTodo($id: ID!) { todo(id: $id) { id } }", model.OperationQuery, "GetTodo"},
		{"mutation CreateTodo { createTodo { id } }", model.OperationMutation, "CreateTodo"},
		{"subscription OnChange { todoChanged { id } }", model.OperationSubscription, "OnChange"},
		{"{ todos { id } }", model.OperationQuery, ""},
	}

	for _, tt := range tests {
		sig, err := ComputeSignature(tt.query, nil, "")
		require.NoError(t, err)
		assert.Equal(t, tt.kind, sig.Kind, "query %q", tt.query)
		assert.Equal(t, tt.name, sig.OperationName, "query %q", tt.query)
	}
}

func TestComputeSignature_TopLevelFields(t *testing.T) {
	sig, err := ComputeSignature("query { todos { id done } users(limit: 10) { name } version }", nil, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"todos", "users", "version"}, sig.TopFields)
}

func TestComputeSignature_VariablesChangeKey(t *testing.T) {
	base, err := ComputeSignature("query GetTodo($id: ID!) { todo(id: $id) { id } }", map[string]any{"id": "1"}, "")
	require.NoError(t, err)
	same, err := ComputeSignature("query GetTodo($id: ID!) { todo(id: $id) { id } }", map[string]any{"id": "1"}, "")
	require.NoError(t, err)
	other, err := ComputeSignature("query GetTodo($id: ID!) { todo(id: $id) { id } }", map[string]any{"id": "2"}, "")
	require.NoError(t, err)

	assert.Equal(t, base.CacheKey, same.CacheKey)
	assert.NotEqual(t, base.CacheKey, other.CacheKey)
	// Same query text, so only the variables segment differs
	assert.Equal(t, base.QueryHash, other.QueryHash)
}

func TestComputeSignature_PrincipalSaltsKey(t *testing.T) {
	anon, err := ComputeSignature("query { me { id } }", nil, "")
	require.NoError(t, err)
	alice, err := ComputeSignature("query { me { id } }", nil, "user-alice")
	require.NoError(t, err)
	bob, err := ComputeSignature("query { me { id } }", nil, "user-bob")
	require.NoError(t, err)

	assert.NotEqual(t, anon.CacheKey, alice.CacheKey)
	assert.NotEqual(t, alice.CacheKey, bob.CacheKey)
	assert.Equal(t, "user-alice", alice.PrincipalID)
}

func TestComputeSignature_ComplexityGrowsWithNesting(t *testing.T) {
	flat, err := ComputeSignature("query { version }", nil, "")
	require.NoError(t, err)
	nested, err := ComputeSignature("query { users { posts { comments { author { name } } } } }", nil, "")
	require.NoError(t, err)

	assert.Greater(t, nested.Complexity, flat.Complexity)
}

func TestComputeSignature_EmptyQueryRejected(t *testing.T) {
	_, err := ComputeSignature("   \n\t  ", nil, "")
	assert.Error(t, err)
}
