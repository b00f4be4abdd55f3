// Package config loads fluxpod's process-global configuration once at
// start. There is no hot-reload; see spec §6.6.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds every environment-sourced setting the core and its
// collaborators need. It is read once in cmd/fluxpod and passed down as an
// explicit value, never consulted as a package-level global by the core
// packages themselves.
type Config struct {
	BrokerType     string `yaml:"broker_type"`
	BrokerURL      string `yaml:"broker_url"`
	BrokerPassword string `yaml:"broker_password"`

	StorePath string `yaml:"store_path"`

	ObjectStorageBucket string `yaml:"object_storage_bucket"`
	ObjectStorageRegion string `yaml:"object_storage_region"`

	TunnelAPIKey string `yaml:"tunnel_api_key"`
	TailnetName  string `yaml:"tailnet_name"`

	RootOwner string `yaml:"root_owner"`

	AuthServerURL string `yaml:"auth_server_url"`

	MeterSinkURL   string `yaml:"meter_sink_url"`
	MeterSinkToken string `yaml:"meter_sink_token"`

	BackendAPIKey   string `yaml:"backend_api_key"`
	RegistryAuthID  string `yaml:"registry_auth_id"`
	SecretEncKeyHex string `yaml:"secret_encryption_key"`

	GPUCloudBaseURL string `yaml:"gpucloud_base_url"`

	KubeEnabled      bool   `yaml:"kube_enabled"`
	KubeConfigPath   string `yaml:"kube_config_path"`
	KubeNamespace    string `yaml:"kube_namespace"`
	KubeStorageClass string `yaml:"kube_storage_class"`

	RaftEnabled  bool   `yaml:"raft_enabled"`
	RaftNodeID   string `yaml:"raft_node_id"`
	RaftBindAddr string `yaml:"raft_bind_addr"`
	RaftDataDir  string `yaml:"raft_data_dir"`

	ServeAddr   string `yaml:"serve_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	LogLevel  string `yaml:"log_level"`
	LogJSON   bool   `yaml:"log_json"`
}

// Load reads an optional YAML overlay file and then applies environment
// variable overrides, matching the teacher's "env wins" precedence.
func Load(path string) (*Config, error) {
	cfg := &Config{
		BrokerType:  "redis",
		StorePath:   "./data/fluxpod.db",
		ServeAddr:   ":8080",
		MetricsAddr: "127.0.0.1:9090",
		LogLevel:    "info",
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	overlay := map[string]*string{
		"BROKER_TYPE":            &cfg.BrokerType,
		"BROKER_URL":             &cfg.BrokerURL,
		"BROKER_PASSWORD":        &cfg.BrokerPassword,
		"STORE_PATH":             &cfg.StorePath,
		"OBJECT_STORAGE_BUCKET":  &cfg.ObjectStorageBucket,
		"OBJECT_STORAGE_REGION":  &cfg.ObjectStorageRegion,
		"TUNNEL_API_KEY":         &cfg.TunnelAPIKey,
		"TAILNET_NAME":           &cfg.TailnetName,
		"ROOT_OWNER":             &cfg.RootOwner,
		"AUTH_SERVER_URL":        &cfg.AuthServerURL,
		"METER_SINK_URL":         &cfg.MeterSinkURL,
		"METER_SINK_TOKEN":       &cfg.MeterSinkToken,
		"BACKEND_API_KEY":        &cfg.BackendAPIKey,
		"REGISTRY_AUTH_ID":       &cfg.RegistryAuthID,
		"SECRET_ENCRYPTION_KEY":  &cfg.SecretEncKeyHex,
		"GPUCLOUD_BASE_URL":      &cfg.GPUCloudBaseURL,
		"KUBE_CONFIG_PATH":       &cfg.KubeConfigPath,
		"KUBE_NAMESPACE":         &cfg.KubeNamespace,
		"KUBE_STORAGE_CLASS":     &cfg.KubeStorageClass,
		"RAFT_NODE_ID":           &cfg.RaftNodeID,
		"RAFT_BIND_ADDR":         &cfg.RaftBindAddr,
		"RAFT_DATA_DIR":          &cfg.RaftDataDir,
		"SERVE_ADDR":             &cfg.ServeAddr,
		"METRICS_ADDR":           &cfg.MetricsAddr,
		"LOG_LEVEL":              &cfg.LogLevel,
	}
	for envVar, field := range overlay {
		if v, ok := os.LookupEnv(envVar); ok {
			*field = v
		}
	}

	boolOverlay := map[string]*bool{
		"KUBE_ENABLED": &cfg.KubeEnabled,
		"RAFT_ENABLED": &cfg.RaftEnabled,
		"LOG_JSON":     &cfg.LogJSON,
	}
	for envVar, field := range boolOverlay {
		if v, ok := os.LookupEnv(envVar); ok {
			*field = v == "true" || v == "1"
		}
	}
}
