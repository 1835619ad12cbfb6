// Package main provides the gacha command: pulls, trading and the reveal server
// against a deployed collectible contract.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"gacha-exchange/internal/config"
)

func main() {
	root, err := newRootCmd()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = root.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Flag defaults come from the environment
// (and a .env file in the working directory), so flags override env.
func newRootCmd() (*cobra.Command, error) {
	if err := config.LoadEnvFile(".env"); err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	root := &cobra.Command{
		Use:          "gacha",
		Short:        "Pull, reveal and trade collectibles",
		SilenceUsage: true,
	}

	f := root.PersistentFlags()
	f.StringVar(&cfg.RPCEndpoint, "rpc-endpoint", cfg.RPCEndpoint, "Ethereum JSON-RPC endpoint")
	f.Int64Var(&cfg.ChainID, "chain-id", cfg.ChainID, "chain id (0 asks the node)")
	f.StringVar(&cfg.Contract, "contract", cfg.Contract, "collectible contract address")
	f.StringVar(&cfg.PrivateKey, "private-key", cfg.PrivateKey, "hex private key of the signing account")
	f.StringVar(&cfg.MintFee, "mint-fee", cfg.MintFee, "value attached to mintCard, in ether")
	f.StringVar(&cfg.IPFSGateway, "ipfs-gateway", cfg.IPFSGateway, "IPFS HTTP gateway URL")
	f.IntVar(&cfg.MetadataConcurrency, "metadata-concurrency", cfg.MetadataConcurrency, "parallel descriptor fetches")
	f.Float64Var(&cfg.MetadataRateLimit, "metadata-rate-limit", cfg.MetadataRateLimit, "gateway requests per second (0 disables)")
	f.IntVar(&cfg.MetadataCacheSize, "metadata-cache-size", cfg.MetadataCacheSize, "descriptor cache entries")
	f.DurationVar(&cfg.MetadataTimeout, "metadata-timeout", cfg.MetadataTimeout, "per-request gateway timeout")
	f.IntVar(&cfg.MetadataRetries, "metadata-retries", cfg.MetadataRetries, "gateway retries per descriptor")
	f.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "PostgreSQL connection string")
	f.StringVar(&cfg.ClickhouseDSN, "clickhouse-dsn", cfg.ClickhouseDSN, "ClickHouse connection string")
	f.BoolVar(&cfg.UseMemory, "use-memory", cfg.UseMemory, "use in-memory storage instead of PostgreSQL/ClickHouse")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	f.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (console, json)")

	root.AddCommand(
		newServeCmd(&cfg),
		newPullCmd(&cfg),
		newMintCmd(&cfg),
		newListCmd(&cfg),
		newUnlistCmd(&cfg),
		newBuyCmd(&cfg),
		newCollectionCmd(&cfg),
		newMarketCmd(&cfg),
		newHistoryCmd(&cfg),
	)
	return root, nil
}

// newLogger builds the root logger.
func newLogger(level, format string, w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	switch format {
	case "json":
	case "console", "":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", format)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}
