package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Check     CheckConfig     `mapstructure:"check"`
	HealthLog HealthLogConfig `mapstructure:"health_log"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
}

type NodeConfig struct {
	ID        string            `mapstructure:"id"`
	BindAddr  string            `mapstructure:"bind_addr"`
	DataDir   string            `mapstructure:"data_dir"`
	Bootstrap bool              `mapstructure:"bootstrap"`
	PeerAddrs map[string]string `mapstructure:"peer_addrs"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// CheckConfig is node-local tuning for verification. None of it affects
// digests, so members may differ without causing false findings.
type CheckConfig struct {
	Disabled            bool     `mapstructure:"disabled"`
	MaxBatchCount       int64    `mapstructure:"max_batch_count"`
	MaxBatchBytes       int64    `mapstructure:"max_batch_bytes"`
	MaxIdenticalKeys    int64    `mapstructure:"max_consecutive_identical_keys"`
	HealthLogEveryN     int64    `mapstructure:"health_log_every_n_batches"`
	ThrottleBytesPerSec int64    `mapstructure:"throttle_bytes_per_sec"`
	WarnOnlyNamespaces  []string `mapstructure:"warn_only_namespaces"`
}

type HealthLogConfig struct {
	Path     string         `mapstructure:"path"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig points the optional external health log sink at a
// database reachable from outside the cluster.
type PostgresConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.BindAddr == "" {
		return fmt.Errorf("node.bind_addr is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}

	if c.Check.MaxBatchCount < 0 {
		return fmt.Errorf("check.max_batch_count must not be negative")
	}
	if c.Check.MaxBatchBytes < 0 {
		return fmt.Errorf("check.max_batch_bytes must not be negative")
	}

	if c.HealthLog.Postgres.Enabled {
		if c.HealthLog.Postgres.Host == "" {
			return fmt.Errorf("health_log.postgres.host is required when the postgres sink is enabled")
		}
		if c.HealthLog.Postgres.Database == "" {
			return fmt.Errorf("health_log.postgres.database is required when the postgres sink is enabled")
		}
		if c.HealthLog.Postgres.User == "" {
			return fmt.Errorf("health_log.postgres.user is required when the postgres sink is enabled")
		}
	}

	return nil
}

// StoragePath defaults to a file inside the node's data directory.
func (c *Config) StoragePath() string {
	if c.Storage.Path != "" {
		return c.Storage.Path
	}
	return c.Node.DataDir + "/data.db"
}

// HealthLogPath defaults to a file inside the node's data directory.
func (c *Config) HealthLogPath() string {
	if c.HealthLog.Path != "" {
		return c.HealthLog.Path
	}
	return c.Node.DataDir + "/healthlog.db"
}

func (p *PostgresConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		p.Host, p.Port, p.Database, p.User, p.Password)
}
