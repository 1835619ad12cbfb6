package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"gacha-exchange/internal/chain"
	"gacha-exchange/internal/config"
	"gacha-exchange/internal/domain"
	"gacha-exchange/internal/exchange"
	"gacha-exchange/internal/metadata"
	"gacha-exchange/internal/reveal"
	"gacha-exchange/internal/storage"
	chstore "gacha-exchange/internal/storage/clickhouse"
	"gacha-exchange/internal/storage/memory"
	"gacha-exchange/internal/storage/migrations"
	pgstore "gacha-exchange/internal/storage/postgres"
	"gacha-exchange/internal/txn"
)

var errNoSigner = errors.New("no signing account: set --private-key or GACHA_PRIVATE_KEY")

// app holds the components shared by every command.
type app struct {
	logger  zerolog.Logger
	gateway chain.Gateway
	account domain.Account

	executor   *txn.Orchestrator
	resolver   *metadata.Resolver
	collection storage.CollectionStore
	history    storage.PullHistoryStore
	exchange   *exchange.Service

	closers []func()
}

// newApp connects to the node and the stores described by cfg.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return nil, err
	}

	a := &app{logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	gw, client, err := chain.Dial(ctx, chain.DialConfig{
		Endpoint:   cfg.RPCEndpoint,
		Contract:   cfg.Contract,
		PrivateKey: cfg.PrivateKey,
		ChainID:    cfg.ChainID,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)
	a.gateway = gw
	if accounts := gw.Accounts(); len(accounts) > 0 {
		a.account = accounts[0]
	}

	collection, history, closeStores, err := openStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, closeStores)
	a.collection, a.history = collection, history

	mintFee, err := cfg.MintFeeWei()
	if err != nil {
		return nil, err
	}
	fetcher := metadata.NewGatewayFetcher(cfg.IPFSGateway,
		metadata.WithTimeout(cfg.MetadataTimeout),
		metadata.WithMaxRetries(cfg.MetadataRetries),
		metadata.WithRateLimit(cfg.MetadataRateLimit),
	)
	resolver, err := metadata.NewResolver(metadata.Options{
		Fetcher:     fetcher,
		Gateway:     cfg.IPFSGateway,
		CacheSize:   cfg.MetadataCacheSize,
		Concurrency: cfg.MetadataConcurrency,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	a.resolver = resolver
	a.executor = txn.New(txn.Options{Gateway: gw, MintFee: mintFee, Logger: logger})
	a.exchange = exchange.New(exchange.Options{
		Executor:   a.executor,
		Reader:     gw,
		Resolver:   resolver,
		Collection: collection,
		Logger:     logger,
	})

	ok = true
	return a, nil
}

// signer returns the signing account or errNoSigner.
func (a *app) signer() (domain.Account, error) {
	if a.account == "" {
		return "", errNoSigner
	}
	return a.account, nil
}

// newSequencer creates a reveal sequencer that plays reveals through presenter.
func (a *app) newSequencer(presenter reveal.Presenter) *reveal.Sequencer {
	return reveal.NewSequencer(reveal.Options{
		Executor:   a.executor,
		Reader:     a.gateway,
		Resolver:   a.resolver,
		Presenter:  presenter,
		Collection: a.collection,
		History:    a.history,
		Logger:     a.logger,
	})
}

// Close releases connections in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// openStores returns in-memory stores, or migrated PostgreSQL/ClickHouse stores.
func openStores(ctx context.Context, cfg config.Config) (storage.CollectionStore, storage.PullHistoryStore, func(), error) {
	if cfg.UseMemory {
		return memory.NewCollectionStore(), memory.NewPullHistoryStore(), func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("postgres migrations: %w", err)
	}

	chConn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickhouseDSN)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("clickhouse migrations: %w", err)
	}

	cleanup := func() {
		chConn.Close()
		pool.Close()
	}
	return pgstore.NewCollectionStore(pool), chstore.NewPullHistoryStore(chConn), cleanup, nil
}
