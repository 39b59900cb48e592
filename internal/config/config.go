// Package config loads the settlement engine configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orbiterx/settlement/internal/alert"
	"github.com/orbiterx/settlement/internal/rule"
)

// Config holds all configuration for the settlement engine.
type Config struct {
	// Storage settings.
	Storage StorageConfig `yaml:"storage"`

	// Logging settings.
	Logging LoggingConfig `yaml:"logging"`

	// Server settings for the local status endpoint.
	Server ServerConfig `yaml:"server"`

	// Maker holds the payout signing identity.
	Maker MakerConfig `yaml:"maker"`

	// Chains are the supported chains, keyed by their entries' chain_id.
	Chains []ChainConfig `yaml:"chains"`

	// RuleFiles are the maker rule documents to load, in override order.
	RuleFiles []string `yaml:"rule_files"`

	// Graph maps the ids encoded in V2 security codes.
	Graph GraphConfig `yaml:"graph"`

	// Matcher settings.
	Matcher MatcherConfig `yaml:"matcher"`

	// Sequencer settings.
	Sequencer SequencerConfig `yaml:"sequencer"`

	// Rates endpoint for cross-symbol value validation.
	Rates RatesConfig `yaml:"rates"`

	// Alert delivery settings.
	Alert alert.Config `yaml:"alert"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for the database files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
}

// ServerConfig holds the status endpoint settings.
type ServerConfig struct {
	// Port for the HTTP status endpoint.
	Port int `yaml:"port"`
}

// MakerConfig holds the payout signing identity.
type MakerConfig struct {
	// PrivateKey is the hex-encoded maker key. The PRIVATE_KEY environment
	// variable overrides it so the key can stay out of the file.
	PrivateKey string `yaml:"private_key"`
}

// ChainConfig holds per-chain settings.
type ChainConfig struct {
	// ChainID is the decimal chain id string.
	ChainID string `yaml:"chain_id"`

	// Index is the chain index used in security codes.
	Index uint64 `yaml:"index"`

	// RPCURL is the JSON-RPC endpoint.
	RPCURL string `yaml:"rpc_url"`

	// Router is the batch transfer router contract, empty when absent.
	Router string `yaml:"router,omitempty"`

	// Batch enables router batching on this chain.
	Batch bool `yaml:"batch"`

	// Fee floors in wei.
	MinFeePerGas         string `yaml:"min_fee_per_gas,omitempty"`
	MinPriorityFeePerGas string `yaml:"min_priority_fee_per_gas,omitempty"`

	// TxType pins the transaction type: "legacy", "dynamic", or empty for
	// automatic selection from the chain head.
	TxType string `yaml:"tx_type,omitempty"`

	// Tokens settled on this chain.
	Tokens []rule.Token `yaml:"tokens"`
}

// GraphConfig holds the static dealer/EBC/chain-index mappings.
type GraphConfig struct {
	Dealers      map[uint64]string `yaml:"dealers"`
	Ebcs         map[uint64]string `yaml:"ebcs"`
	ChainIndexes map[uint64]string `yaml:"chain_indexes"`
}

// MatcherConfig holds matcher settings.
type MatcherConfig struct {
	// SweepInterval is the pause between sweep rounds.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// SweepLimit caps the rows one sweep pass loads.
	SweepLimit int `yaml:"sweep_limit"`

	// CacheSize bounds each side of the match cache.
	CacheSize int `yaml:"cache_size"`
}

// SequencerConfig holds sequencer settings.
type SequencerConfig struct {
	// Interval between payout queue flushes.
	Interval time.Duration `yaml:"interval"`

	// BatchMax is the largest router batch.
	BatchMax int `yaml:"batch_max"`
}

// RatesConfig holds the quote endpoint settings.
type RatesConfig struct {
	// Endpoint serves {"rates": {"SYMBOL": "usd-price"}}.
	Endpoint string `yaml:"endpoint"`

	// TTL bounds quote staleness.
	TTL time.Duration `yaml:"ttl"`

	// MaxLossBps is the permitted payout value loss in basis points.
	MaxLossBps int64 `yaml:"max_loss_bps"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir: "~/.settlement",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Server: ServerConfig{
			Port: 3000,
		},
		Matcher: MatcherConfig{
			SweepInterval: 10 * time.Second,
			SweepLimit:    500,
			CacheSize:     10000,
		},
		Sequencer: SequencerConfig{
			Interval: 10 * time.Second,
			BatchMax: 20,
		},
		Rates: RatesConfig{
			TTL:        time.Minute,
			MaxLossBps: 100,
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from a YAML file in the data directory.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := expandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if key := os.Getenv("PRIVATE_KEY"); key != "" {
		cfg.Maker.PrivateKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants the rest of the engine relies on.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Chains))
	for _, chain := range c.Chains {
		if chain.ChainID == "" {
			return fmt.Errorf("chain with empty chain_id")
		}
		if seen[chain.ChainID] {
			return fmt.Errorf("duplicate chain_id %s", chain.ChainID)
		}
		seen[chain.ChainID] = true
		if chain.RPCURL == "" {
			return fmt.Errorf("chain %s has no rpc_url", chain.ChainID)
		}
		switch chain.TxType {
		case "", "legacy", "dynamic":
		default:
			return fmt.Errorf("chain %s has invalid tx_type %q", chain.ChainID, chain.TxType)
		}
	}
	for index, chainID := range c.Graph.ChainIndexes {
		if !seen[chainID] {
			return fmt.Errorf("graph index %d maps to unknown chain %s", index, chainID)
		}
	}
	return nil
}

// RuleChains converts the chain list to the rule registry form.
func (c *Config) RuleChains() []rule.Chain {
	out := make([]rule.Chain, 0, len(c.Chains))
	for _, chain := range c.Chains {
		out = append(out, rule.Chain{
			ChainID: chain.ChainID,
			Index:   chain.Index,
			Tokens:  chain.Tokens,
		})
	}
	return out
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Settlement Engine Configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
