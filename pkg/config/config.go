// Package config holds the engine's Config struct — the §6 configuration
// table — loadable from an optional YAML file and overridable by cobra
// flags.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of tunables the engine's components read from.
type Config struct {
	Workers              int           `yaml:"workers"`
	PeriodicInterval     time.Duration `yaml:"periodic_interval"`
	ServiceDownTime      time.Duration `yaml:"service_down_time"`
	DefaultActionTimeout time.Duration `yaml:"default_action_timeout"`
	LockRetryTimes       int           `yaml:"lock_retry_times"`
	LockRetryInterval    time.Duration `yaml:"lock_retry_interval"`
	MaxNodesPerCluster   int           `yaml:"max_nodes_per_cluster"`
	MaxActionsPerBatch   int           `yaml:"max_actions_per_batch"`
	BatchInterval        time.Duration `yaml:"batch_interval"`
	NodeNameFormat       string        `yaml:"node_name_format"`
	ActionRetention      time.Duration `yaml:"action_retention"`
	DataDir              string        `yaml:"data_dir"`
}

// Default returns the configuration table's defaults verbatim.
func Default() Config {
	return Config{
		Workers:              1,
		PeriodicInterval:     60 * time.Second,
		ServiceDownTime:      60 * time.Second,
		DefaultActionTimeout: 3600 * time.Second,
		LockRetryTimes:       3,
		LockRetryInterval:    10 * time.Second,
		MaxNodesPerCluster:   1000,
		MaxActionsPerBatch:   0,
		BatchInterval:        3 * time.Second,
		NodeNameFormat:       "node-$3I",
		ActionRetention:      0,
		DataDir:              "./data",
	}
}

// Load reads a YAML file at path, overlaying it onto Default(). A missing
// file is not an error: the engine runs on defaults plus whatever flags
// the caller applies afterward.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
