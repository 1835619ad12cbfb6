// Package config loads runtime settings from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"gacha-exchange/internal/domain"
)

// Config holds every knob of the gacha binary. Command-line flags override these values.
type Config struct {
	// Chain
	RPCEndpoint string `env:"GACHA_RPC_ENDPOINT" envDefault:"http://127.0.0.1:8545"`
	ChainID     int64  `env:"GACHA_CHAIN_ID"`
	Contract    string `env:"GACHA_CONTRACT"`
	PrivateKey  string `env:"GACHA_PRIVATE_KEY"`
	MintFee     string `env:"GACHA_MINT_FEE" envDefault:"0.001"`

	// Metadata
	IPFSGateway         string        `env:"GACHA_IPFS_GATEWAY" envDefault:"https://gateway.pinata.cloud/ipfs/"`
	MetadataConcurrency int           `env:"GACHA_METADATA_CONCURRENCY" envDefault:"8"`
	MetadataRateLimit   float64       `env:"GACHA_METADATA_RATE_LIMIT" envDefault:"20"`
	MetadataCacheSize   int           `env:"GACHA_METADATA_CACHE_SIZE" envDefault:"1024"`
	MetadataTimeout     time.Duration `env:"GACHA_METADATA_TIMEOUT" envDefault:"10s"`
	MetadataRetries     int           `env:"GACHA_METADATA_RETRIES" envDefault:"3"`

	// Storage
	PostgresDSN   string `env:"GACHA_POSTGRES_DSN"`
	ClickhouseDSN string `env:"GACHA_CLICKHOUSE_DSN"`
	UseMemory     bool   `env:"GACHA_USE_MEMORY" envDefault:"false"`

	// Serving
	MetricsAddr        string        `env:"GACHA_METRICS_ADDR" envDefault:":9090"`
	RevealAddr         string        `env:"GACHA_REVEAL_ADDR" envDefault:":8080"`
	RevealAbandonAfter time.Duration `env:"GACHA_REVEAL_ABANDON_AFTER" envDefault:"30s"`

	// Logging
	LogLevel  string `env:"GACHA_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"GACHA_LOG_FORMAT" envDefault:"console"`
}

// Load parses Config from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings every command depends on.
func (c Config) Validate() error {
	if c.RPCEndpoint == "" {
		return errors.New("rpc endpoint is required")
	}
	if c.Contract == "" {
		return errors.New("contract address is required")
	}
	if !c.UseMemory && (c.PostgresDSN == "" || c.ClickhouseDSN == "") {
		return errors.New("postgres and clickhouse DSNs are required (use --use-memory for in-memory storage)")
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	if _, err := c.MintFeeWei(); err != nil {
		return err
	}
	return nil
}

// MintFeeWei returns MintFee in wei.
func (c Config) MintFeeWei() (*big.Int, error) {
	wei, err := domain.ParseEther(c.MintFee)
	if err != nil {
		return nil, fmt.Errorf("mint fee: %w", err)
	}
	return wei, nil
}

// LoadEnvFile sets variables from a dotenv file. Missing files are ignored
// and variables already present in the environment are kept.
func LoadEnvFile(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
