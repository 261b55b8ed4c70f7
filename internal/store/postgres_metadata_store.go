package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cachemesh/cachemesh/internal/model"
)

// PostgresMetadataStore implements MetadataStore for PostgreSQL
type PostgresMetadataStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresMetadataStore creates a new PostgreSQL metadata store
func NewPostgresMetadataStore(
	host string,
	port int,
	database, user, password string,
	maxConns, minConns int,
	logger *zap.Logger,
) (MetadataStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		host, port, database, user, password, maxConns, minConns,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresMetadataStore{
		pool:   pool,
		logger: logger,
	}, nil
}

// ListNodes retrieves all registered cache nodes
func (s *PostgresMetadataStore) ListNodes(ctx context.Context) ([]*model.Node, error) {
	query := `
		SELECT node_id, host, port, role, health, region
		FROM cache_nodes
		ORDER BY node_id
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nodes := make([]*model.Node, 0)
	for rows.Next() {
		var node model.Node
		var role, health string
		if err := rows.Scan(&node.ID, &node.Host, &node.Port, &role, &health, &node.Region); err != nil {
			return nil, err
		}
		node.Role = model.NodeRole(role)
		node.Health = model.NodeHealth(health)
		nodes = append(nodes, &node)
	}

	return nodes, rows.Err()
}

// SaveNode upserts a cache node record
func (s *PostgresMetadataStore) SaveNode(ctx context.Context, node *model.Node) error {
	query := `
		INSERT INTO cache_nodes (node_id, host, port, role, health, region, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (node_id) DO UPDATE
		SET host = $2, port = $3, role = $4, health = $5, region = $6, updated_at = NOW()
	`

	_, err := s.pool.Exec(ctx, query,
		node.ID,
		node.Host,
		node.Port,
		string(node.Role),
		string(node.Health),
		node.Region,
	)

	return err
}

// RemoveNode deletes a cache node record
func (s *PostgresMetadataStore) RemoveNode(ctx context.Context, nodeID string) error {
	query := `DELETE FROM cache_nodes WHERE node_id = $1`
	result, err := s.pool.Exec(ctx, query, nodeID)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("node not found")
	}

	return nil
}

// UpdateNodeHealth updates the recorded health of a node
func (s *PostgresMetadataStore) UpdateNodeHealth(ctx context.Context, nodeID string, health model.NodeHealth) error {
	query := `
		UPDATE cache_nodes
		SET health = $2, updated_at = NOW()
		WHERE node_id = $1
	`

	result, err := s.pool.Exec(ctx, query, nodeID, string(health))
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("node not found")
	}

	return nil
}

// ListPolicies retrieves all cache policies
func (s *PostgresMetadataStore) ListPolicies(ctx context.Context) ([]model.PolicySpec, error) {
	query := `
		SELECT spec
		FROM cache_policies
		ORDER BY name
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	specs := make([]model.PolicySpec, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var spec model.PolicySpec
		if err := json.Unmarshal(raw, &spec); err != nil {
			return nil, fmt.Errorf("failed to decode policy: %w", err)
		}
		specs = append(specs, spec)
	}

	return specs, rows.Err()
}

// SavePolicy upserts a cache policy
func (s *PostgresMetadataStore) SavePolicy(ctx context.Context, spec model.PolicySpec) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("failed to encode policy: %w", err)
	}

	query := `
		INSERT INTO cache_policies (name, spec, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (name) DO UPDATE
		SET spec = $2, updated_at = NOW()
	`

	_, err = s.pool.Exec(ctx, query, spec.Name, raw)
	return err
}

// ListRules retrieves all invalidation rules
func (s *PostgresMetadataStore) ListRules(ctx context.Context) ([]*model.InvalidationRule, error) {
	query := `
		SELECT spec
		FROM invalidation_rules
		ORDER BY name
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := make([]*model.InvalidationRule, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rule model.InvalidationRule
		if err := json.Unmarshal(raw, &rule); err != nil {
			return nil, fmt.Errorf("failed to decode rule: %w", err)
		}
		rules = append(rules, &rule)
	}

	return rules, rows.Err()
}

// SaveRule upserts an invalidation rule
func (s *PostgresMetadataStore) SaveRule(ctx context.Context, rule *model.InvalidationRule) error {
	raw, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("failed to encode rule: %w", err)
	}

	query := `
		INSERT INTO invalidation_rules (name, spec, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (name) DO UPDATE
		SET spec = $2, updated_at = NOW()
	`

	_, err = s.pool.Exec(ctx, query, rule.Name, raw)
	return err
}

// Ping checks the database connection
func (s *PostgresMetadataStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresMetadataStore) Close() {
	s.pool.Close()
}
