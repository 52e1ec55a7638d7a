package agent

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the agent's own configuration, loaded from a yaml file
type Config struct {
	// NodeID identifies this node in the fleet. Defaults to the hostname.
	NodeID string `yaml:"node_id"`

	// DataDir holds the shared-state database and election state
	DataDir string `yaml:"data_dir"`

	// RaftBindAddr is the address the replication transport listens on
	RaftBindAddr string `yaml:"raft_bind_addr"`

	// PeerAddr is the address the write-forwarding endpoint listens on.
	// Every node must use the same port.
	PeerAddr string `yaml:"peer_addr"`

	// MetricsAddr is the address the Prometheus endpoint listens on
	MetricsAddr string `yaml:"metrics_addr"`

	// Bootstrap starts a new single-node fleet instead of joining one
	Bootstrap bool `yaml:"bootstrap"`

	// ServiceConfigPath is where the registry configuration is rendered
	ServiceConfigPath string `yaml:"service_config_path"`

	// AuthFilePath is where the authorization file is rendered
	AuthFilePath string `yaml:"auth_file_path"`

	// TLSDir holds the key, certificate, and CA chain files
	TLSDir string `yaml:"tls_dir"`

	// ReplicationFactor is the desired replication for registry topics,
	// capped at the number of live nodes
	ReplicationFactor int `yaml:"replication_factor"`

	// ClusterSecret derives the key encrypting the secret partition
	ClusterSecret string `yaml:"cluster_secret"`

	// LogLevel is one of debug, info, warn, error
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the agent defaults
func DefaultConfig() Config {
	hostname, _ := os.Hostname()
	return Config{
		NodeID:            hostname,
		DataDir:           "/var/lib/steward",
		RaftBindAddr:      "0.0.0.0:7946",
		PeerAddr:          "0.0.0.0:7947",
		MetricsAddr:       "0.0.0.0:9090",
		ServiceConfigPath: "/etc/steward/registry.config.json",
		AuthFilePath:      "/etc/steward/registry.authfile.json",
		TLSDir:            "/etc/steward/tls",
		ReplicationFactor: 3,
		LogLevel:          "info",
	}
}

// LoadConfig reads the agent configuration file, filling defaults for any
// field left unset. A missing file yields pure defaults; those still go
// through validation, since the cluster secret has no default.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("read agent config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(content, &config); err != nil {
				return Config{}, fmt.Errorf("parse agent config: %w", err)
			}
		}
	}
	return config, config.Validate()
}

// Validate rejects configurations the agent cannot run with
func (c Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id must be set")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("replication_factor must be at least 1")
	}
	if c.ClusterSecret == "" {
		return fmt.Errorf("cluster_secret must be set")
	}
	return nil
}

// ElectionDir returns the directory holding Raft state
func (c Config) ElectionDir() string {
	return filepath.Join(c.DataDir, "election")
}
