// Package config provides configuration for the klingwatch daemon: defaults
// per network, an optional YAML config file, and CLI overrides applied by
// the command layer.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/klingwatch/internal/chain"
)

// Duration wraps time.Duration so config files can use "30s" notation.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds all daemon configuration.
type Config struct {
	// Network selects mainnet, testnet or regtest. Each network gets its
	// own subdirectory under DataDir so indexes never cross-contaminate.
	Network chain.Network `yaml:"network"`

	// DataDir is the root data directory; the index database lives in
	// <DataDir>/<network>.
	DataDir string `yaml:"data_dir"`

	// ElectrumAddr is the client-facing bind address.
	ElectrumAddr string `yaml:"electrum_addr"`

	// MetricsAddr is the monitoring bind address.
	MetricsAddr string `yaml:"metrics_addr"`

	Daemon  DaemonConfig  `yaml:"daemon"`
	Logging LoggingConfig `yaml:"logging"`
	Sync    SyncConfig    `yaml:"sync"`
}

// DaemonConfig holds the bitcoind endpoint settings.
type DaemonConfig struct {
	RPCURL  string   `yaml:"rpc_url"`
	RPCUser string   `yaml:"rpc_user"`
	RPCPass string   `yaml:"rpc_pass"`
	Timeout Duration `yaml:"timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Timestamps bool   `yaml:"timestamps"`
}

// SyncConfig holds tuning knobs for the sync loop.
type SyncConfig struct {
	// PollInterval bounds how long a tip wait blocks before re-checking
	// the mempool.
	PollInterval Duration `yaml:"poll_interval"`

	// Workers bounds concurrent subscription syncs.
	Workers int `yaml:"workers"`
}

// Default returns the configuration for a network with every field set to
// its default.
func Default(network chain.Network) (*Config, error) {
	params, err := chain.GetParams(network)
	if err != nil {
		return nil, err
	}
	return &Config{
		Network:      network,
		DataDir:      "~/.klingwatch",
		ElectrumAddr: params.DefaultElectrumAddr,
		MetricsAddr:  params.DefaultMetricsAddr,
		Daemon: DaemonConfig{
			RPCURL:  params.DefaultDaemonURL,
			Timeout: Duration(30 * time.Second),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Timestamps: false,
		},
		Sync: SyncConfig{
			PollInterval: Duration(5 * time.Second),
			Workers:      4,
		},
	}, nil
}

// Load returns the configuration from path merged over the network
// defaults. A missing file is not an error; the defaults are returned.
func Load(path string, network chain.Network) (*Config, error) {
	cfg, err := Default(network)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	if _, err := chain.GetParams(cfg.Network); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DBDir returns the per-network database directory.
func (c *Config) DBDir() string {
	params, err := chain.GetParams(c.Network)
	if err != nil {
		// Network was validated on load.
		panic(err)
	}
	return filepath.Join(ExpandPath(c.DataDir), params.DBSubdir)
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}
	return path
}
