// Package config defines all configuration for the batch solver.
// Config is loaded from a YAML file (default: configs/solver.yaml) with
// sensitive fields overridable via SOLVER_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Node    NodeConfig    `mapstructure:"node"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Solver  SolverConfig  `mapstructure:"solver"`
	Store   StoreConfig   `mapstructure:"store"`
	Logging LoggingConfig `mapstructure:"logging"`
	API     APIConfig     `mapstructure:"api"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// NodeConfig points at the Ethereum node used for token metadata, buffer
// balances, allowances and gas estimation. Every call is rate limited.
type NodeConfig struct {
	URL               string  `mapstructure:"url"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             float64 `mapstructure:"burst"`
	MaxConcurrency    int     `mapstructure:"max_concurrency"`
}

// EngineConfig holds the external optimization engine endpoint.
//
//   - NetworkName: stamped into the compiled model metadata and instance names.
//   - MaxNrExecOrders: upper bound on orders the engine may execute per batch.
//   - UseInternalBuffers: allow the engine to settle against settlement contract buffers.
//   - RetryCount: retries on connection errors and 5xx responses.
type EngineConfig struct {
	Name               string `mapstructure:"name"`
	BaseURL            string `mapstructure:"base_url"`
	APIKey             string `mapstructure:"api_key"`
	NetworkName        string `mapstructure:"network_name"`
	ChainID            uint64 `mapstructure:"chain_id"`
	MaxNrExecOrders    int    `mapstructure:"max_nr_exec_orders"`
	UseInternalBuffers bool   `mapstructure:"use_internal_buffers"`
	RetryCount         int    `mapstructure:"retry_count"`
}

// SolverConfig tunes the pre-filtering and compilation pipeline.
//
//   - NativeToken: reference token all prices and costs are expressed in.
//   - SettlementContract: holder of the internal buffers and owner of allowances.
//   - MaxGasSurchargeFactor: orders must pay at least gas_price / factor in fees.
//   - MinOrderAge: orders younger than this are never fee filtered.
type SolverConfig struct {
	NativeToken           string        `mapstructure:"native_token"`
	SettlementContract    string        `mapstructure:"settlement_contract"`
	MaxGasSurchargeFactor float64       `mapstructure:"max_gas_surcharge_factor"`
	MinOrderAge           time.Duration `mapstructure:"min_order_age"`
}

// StoreConfig sets where compiled instances are dumped (JSON files). Empty
// disables dumping.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// APIConfig controls the solve/status HTTP server.
type APIConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: SOLVER_NODE_URL, SOLVER_ENGINE_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("SOLVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if url := os.Getenv("SOLVER_NODE_URL"); url != "" {
		cfg.Node.URL = url
	}
	if key := os.Getenv("SOLVER_ENGINE_API_KEY"); key != "" {
		cfg.Engine.APIKey = key
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.requests_per_second", 50)
	v.SetDefault("node.burst", 100)
	v.SetDefault("node.max_concurrency", 16)
	v.SetDefault("engine.name", "http-solver")
	v.SetDefault("engine.max_nr_exec_orders", 100)
	v.SetDefault("solver.max_gas_surcharge_factor", 10.0)
	v.SetDefault("solver.min_order_age", "30s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("api.port", 8080)
	v.SetDefault("metrics.namespace", "batch_solver")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Node.URL == "" {
		return fmt.Errorf("node.url is required (set SOLVER_NODE_URL)")
	}
	if c.Node.RequestsPerSecond <= 0 {
		return fmt.Errorf("node.requests_per_second must be > 0")
	}
	if c.Node.Burst < 1 {
		return fmt.Errorf("node.burst must be >= 1")
	}
	if c.Node.MaxConcurrency <= 0 {
		return fmt.Errorf("node.max_concurrency must be > 0")
	}
	if c.Engine.BaseURL == "" {
		return fmt.Errorf("engine.base_url is required")
	}
	if c.Engine.MaxNrExecOrders <= 0 {
		return fmt.Errorf("engine.max_nr_exec_orders must be > 0")
	}
	if c.Engine.RetryCount < 0 {
		return fmt.Errorf("engine.retry_count must be >= 0")
	}
	if !common.IsHexAddress(c.Solver.NativeToken) {
		return fmt.Errorf("solver.native_token must be a hex address, got %q", c.Solver.NativeToken)
	}
	if !common.IsHexAddress(c.Solver.SettlementContract) {
		return fmt.Errorf("solver.settlement_contract must be a hex address, got %q", c.Solver.SettlementContract)
	}
	if c.Solver.MaxGasSurchargeFactor <= 0 {
		return fmt.Errorf("solver.max_gas_surcharge_factor must be > 0")
	}
	if c.Solver.MinOrderAge < 0 {
		return fmt.Errorf("solver.min_order_age must be >= 0")
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be one of: text, json")
	}
	return nil
}

// NativeToken returns the parsed reference token address.
func (c *Config) NativeToken() common.Address {
	return common.HexToAddress(c.Solver.NativeToken)
}

// SettlementContract returns the parsed settlement contract address.
func (c *Config) SettlementContract() common.Address {
	return common.HexToAddress(c.Solver.SettlementContract)
}
