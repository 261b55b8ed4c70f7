package config

import (
	"errors"
	"time"
)

// Config represents the cache coordinator configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Cluster     ClusterConfig     `mapstructure:"cluster"`
	Gossip      GossipConfig      `mapstructure:"gossip"`
	Consistency ConsistencyConfig `mapstructure:"consistency"`
	Cache       CacheConfig       `mapstructure:"cache"`
	QueryCache  QueryCacheConfig  `mapstructure:"query_cache"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	Health      HealthConfig      `mapstructure:"health"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	PolicyFile  string            `mapstructure:"policy_file"`
	RuleFile    string            `mapstructure:"rule_file"`
}

// ServerConfig represents the admin HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	NodeID          string        `mapstructure:"node_id"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig represents the PostgreSQL metadata store configuration.
// When disabled, metadata lives in process memory only.
type DatabaseConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MinConnections int    `mapstructure:"min_connections"`
}

// ClusterConfig represents partition map and replication configuration
type ClusterConfig struct {
	PartitionCount    int `mapstructure:"partition_count"`
	VirtualNodes      int `mapstructure:"virtual_nodes"`
	ReplicationFactor int `mapstructure:"replication_factor"`
}

// GossipConfig represents memberlist-based node discovery configuration
type GossipConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	BindAddr string   `mapstructure:"bind_addr"`
	BindPort int      `mapstructure:"bind_port"`
	Seeds    []string `mapstructure:"seeds"`
}

// ConsistencyConfig represents default consistency configuration
type ConsistencyConfig struct {
	DefaultLevel string        `mapstructure:"default_level"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
}

// CacheConfig represents the L1 tier configuration
type CacheConfig struct {
	MaxEntries    int           `mapstructure:"max_entries"`
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// QueryCacheConfig represents query result cache configuration
type QueryCacheConfig struct {
	MaxComplexity int `mapstructure:"max_complexity"`
}

// BreakerConfig represents per-node circuit breaker configuration
type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
	HalfOpenRequests uint32        `mapstructure:"half_open_requests"`
}

// HealthConfig represents the node health probe loop configuration
type HealthConfig struct {
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return errors.New("server.host is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.NodeID == "" {
		return errors.New("server.node_id is required")
	}
	if c.Database.Enabled {
		if c.Database.Host == "" {
			return errors.New("database.host is required")
		}
		if c.Database.Database == "" {
			return errors.New("database.database is required")
		}
		if c.Database.User == "" {
			return errors.New("database.user is required")
		}
	}
	if c.Cluster.PartitionCount <= 0 {
		return errors.New("cluster.partition_count must be positive")
	}
	if c.Cluster.VirtualNodes <= 0 {
		return errors.New("cluster.virtual_nodes must be positive")
	}
	if c.Cluster.ReplicationFactor <= 0 {
		return errors.New("cluster.replication_factor must be positive")
	}
	if c.Consistency.DefaultLevel == "" {
		c.Consistency.DefaultLevel = "one"
	}
	if !isValidConsistencyLevel(c.Consistency.DefaultLevel) {
		return errors.New("consistency.default_level must be one of: one, quorum, all")
	}
	if c.Cache.MaxEntries <= 0 {
		return errors.New("cache.max_entries must be positive")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// isValidConsistencyLevel checks if the consistency level is valid
func isValidConsistencyLevel(level string) bool {
	switch level {
	case "one", "quorum", "all":
		return true
	default:
		return false
	}
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			NodeID:          "cachemesh-1",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Enabled:        false,
			Host:           "localhost",
			Port:           5432,
			Database:       "cachemesh_metadata",
			User:           "cachemesh",
			Password:       "",
			MaxConnections: 50,
			MinConnections: 10,
		},
		Cluster: ClusterConfig{
			PartitionCount:    256,
			VirtualNodes:      150,
			ReplicationFactor: 3,
		},
		Gossip: GossipConfig{
			Enabled:  false,
			BindAddr: "0.0.0.0",
			BindPort: 7946,
		},
		Consistency: ConsistencyConfig{
			DefaultLevel: "one",
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  3 * time.Second,
		},
		Cache: CacheConfig{
			MaxEntries:    10000,
			DefaultTTL:    5 * time.Minute,
			SweepInterval: 30 * time.Second,
		},
		QueryCache: QueryCacheConfig{
			MaxComplexity: 100,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
			HalfOpenRequests: 1,
		},
		Health: HealthConfig{
			ProbeInterval:    10 * time.Second,
			ProbeTimeout:     2 * time.Second,
			FailureThreshold: 5,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
