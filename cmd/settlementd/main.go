// Package main provides the settlementd daemon - the cross-chain
// settlement engine.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/orbiterx/settlement/internal/account"
	"github.com/orbiterx/settlement/internal/alert"
	"github.com/orbiterx/settlement/internal/config"
	"github.com/orbiterx/settlement/internal/matcher"
	"github.com/orbiterx/settlement/internal/rates"
	"github.com/orbiterx/settlement/internal/rule"
	"github.com/orbiterx/settlement/internal/sequencer"
	"github.com/orbiterx/settlement/internal/storage"
	"github.com/orbiterx/settlement/pkg/helpers"
	"github.com/orbiterx/settlement/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	// Parse flags
	var (
		dataDir     = flag.String("data-dir", "~/.settlement", "Data directory")
		port        = flag.Int("port", 0, "Status endpoint port, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("settlementd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Load or create config file
	cfg, err := config.LoadConfig(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over config file
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	cfg.Storage.DataDir = *dataDir

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	store, err := storage.New(&storage.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", cfg.Storage.DataDir)

	// Load the rule set
	provider := rule.NewProvider(cfg.RuleChains())
	if len(cfg.RuleFiles) > 0 {
		if err := provider.LoadMakerFiles(cfg.RuleFiles...); err != nil {
			log.Fatal("Failed to load maker rule files", "error", err)
		}
		log.Info("Maker rules loaded", "files", len(cfg.RuleFiles))
	}
	graph := &rule.StaticGraph{
		Dealers: cfg.Graph.Dealers,
		Ebcs:    cfg.Graph.Ebcs,
		Chains:  cfg.Graph.ChainIndexes,
	}
	engine := rule.NewEngine(graph, provider)

	alerts := alert.New(cfg.Alert)

	// Connect chains and build maker accounts
	accounts := make(map[string]sequencer.SenderAccount, len(cfg.Chains))
	batchChains := make(map[string]bool, len(cfg.Chains))
	for _, chainCfg := range cfg.Chains {
		client, err := ethclient.DialContext(ctx, chainCfg.RPCURL)
		if err != nil {
			log.Fatal("Failed to connect chain", "chain", chainCfg.ChainID, "error", err)
		}
		defer client.Close()

		if cfg.Maker.PrivateKey == "" {
			log.Warn("No maker key configured, running as observer", "chain", chainCfg.ChainID)
			continue
		}

		acctCfg, err := accountConfig(chainCfg)
		if err != nil {
			log.Fatal("Invalid chain config", "chain", chainCfg.ChainID, "error", err)
		}
		acct, err := account.New(client, store, cfg.Maker.PrivateKey, acctCfg)
		if err != nil {
			log.Fatal("Failed to create maker account", "chain", chainCfg.ChainID, "error", err)
		}
		accounts[chainCfg.ChainID] = acct
		batchChains[chainCfg.ChainID] = chainCfg.Batch && chainCfg.Router != ""
		log.Info("Maker account ready", "chain", chainCfg.ChainID, "sender", acct.Address().Hex())
	}

	ratesClient := rates.NewClient(cfg.Rates.Endpoint, cfg.Rates.TTL)
	validator := rates.NewValidator(ratesClient, cfg.Rates.MaxLossBps)

	// Sequencer: reconcile stranded payouts before accepting new ones
	seq := sequencer.New(store, accounts, alerts, sequencer.Config{
		Interval:    cfg.Sequencer.Interval,
		BatchMax:    cfg.Sequencer.BatchMax,
		BatchChains: batchChains,
		Validator:   validator,
	})
	if err := seq.Recover(ctx); err != nil {
		log.Fatal("Failed to recover stranded payouts", "error", err)
	}
	go seq.Run(ctx)

	// Matcher
	var sink matcher.PayoutSink
	if len(accounts) > 0 {
		sink = seq
	}
	m := matcher.New(store, engine, sink, matcher.Config{
		SweepInterval: cfg.Matcher.SweepInterval,
		SweepLimit:    cfg.Matcher.SweepLimit,
		CacheSize:     cfg.Matcher.CacheSize,
		Validator:     validator,
	})
	go func() {
		if err := m.Run(ctx); err != nil {
			log.Error("Matcher stopped with error", "error", err)
			cancel()
		}
	}()

	// Status endpoint
	startedAt := time.Now()
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"version": version,
			"uptime":  time.Since(startedAt).Round(time.Second).String(),
			"chains":  len(cfg.Chains),
			"queued":  seq.QueueLen(),
		})
	})
	srv := &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
		Handler: mux,
	}
	go func() {
		log.Info("Status endpoint listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Status endpoint failed", "error", err)
		}
	}()

	log.Info("Settlement engine started", "version", version, "chains", len(cfg.Chains))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
	case <-ctx.Done():
	}
	log.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	cancel()
	log.Info("Shutdown complete")
}

// accountConfig maps a chain entry to the account settings.
func accountConfig(chainCfg config.ChainConfig) (account.Config, error) {
	chainID, ok := new(big.Int).SetString(chainCfg.ChainID, 10)
	if !ok {
		return account.Config{}, fmt.Errorf("invalid chain id %q", chainCfg.ChainID)
	}

	floors := account.FeeFloors{}
	if chainCfg.MinFeePerGas != "" {
		v, err := helpers.ParseBig(chainCfg.MinFeePerGas)
		if err != nil {
			return account.Config{}, fmt.Errorf("invalid min_fee_per_gas: %w", err)
		}
		floors.MinFeePerGas = v
	}
	if chainCfg.MinPriorityFeePerGas != "" {
		v, err := helpers.ParseBig(chainCfg.MinPriorityFeePerGas)
		if err != nil {
			return account.Config{}, fmt.Errorf("invalid min_priority_fee_per_gas: %w", err)
		}
		floors.MinPriorityFeePerGas = v
	}

	forceType := account.TxTypeAuto
	switch chainCfg.TxType {
	case "legacy":
		forceType = account.TxTypeLegacy
	case "dynamic":
		forceType = account.TxTypeDynamic
	}

	acctCfg := account.Config{
		ChainID:   chainID,
		Floors:    floors,
		ForceType: forceType,
	}
	if chainCfg.Router != "" {
		acctCfg.Router = common.HexToAddress(chainCfg.Router)
	}
	return acctCfg, nil
}
