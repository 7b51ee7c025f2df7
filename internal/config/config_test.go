package config

import (
	"os"
	"testing"
)

func TestLoad(t *testing.T) {
	configContent := `
node:
  id: node1
  bind_addr: 0.0.0.0:7000
  data_dir: /tmp/data
  peer_addrs:
    node2: 127.0.0.1:7001

check:
  max_batch_count: 500
  max_batch_bytes: 1048576
  warn_only_namespaces:
    - app.cache

health_log:
  postgres:
    enabled: false

alerts:
  enabled: false
`

	tmpfile, err := os.CreateTemp("", "replcheck-test-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())

	if _, err := tmpfile.Write([]byte(configContent)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Node.ID != "node1" {
		t.Errorf("expected node.id=node1, got %s", cfg.Node.ID)
	}
	if cfg.Check.MaxBatchCount != 500 {
		t.Errorf("expected max_batch_count=500, got %d", cfg.Check.MaxBatchCount)
	}
	if len(cfg.Check.WarnOnlyNamespaces) != 1 || cfg.Check.WarnOnlyNamespaces[0] != "app.cache" {
		t.Errorf("expected 1 warn-only namespace, got %v", cfg.Check.WarnOnlyNamespaces)
	}
	if cfg.StoragePath() != "/tmp/data/data.db" {
		t.Errorf("unexpected default storage path: %s", cfg.StoragePath())
	}
	if cfg.HealthLogPath() != "/tmp/data/healthlog.db" {
		t.Errorf("unexpected default health log path: %s", cfg.HealthLogPath())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name: "valid config",
			config: Config{
				Node: NodeConfig{
					ID:       "node1",
					BindAddr: "0.0.0.0:7000",
					DataDir:  "/data",
				},
			},
			wantErr: false,
		},
		{
			name: "missing node id",
			config: Config{
				Node: NodeConfig{
					BindAddr: "0.0.0.0:7000",
					DataDir:  "/data",
				},
			},
			wantErr: true,
		},
		{
			name: "negative batch count",
			config: Config{
				Node: NodeConfig{
					ID:       "node1",
					BindAddr: "0.0.0.0:7000",
					DataDir:  "/data",
				},
				Check: CheckConfig{MaxBatchCount: -1},
			},
			wantErr: true,
		},
		{
			name: "postgres sink enabled without host",
			config: Config{
				Node: NodeConfig{
					ID:       "node1",
					BindAddr: "0.0.0.0:7000",
					DataDir:  "/data",
				},
				HealthLog: HealthLogConfig{
					Postgres: PostgresConfig{Enabled: true, Database: "db", User: "u"},
				},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConnectionString(t *testing.T) {
	pg := PostgresConfig{
		Host:     "localhost",
		Port:     5432,
		Database: "testdb",
		User:     "testuser",
		Password: "testpass",
	}

	connStr := pg.ConnectionString()
	expected := "host=localhost port=5432 dbname=testdb user=testuser password=testpass sslmode=disable"

	if connStr != expected {
		t.Errorf("ConnectionString() = %v, want %v", connStr, expected)
	}
}
