// Batch solver: compiles batch auctions into optimization instances, solves
// them with an external engine and returns settlements.
//
// Architecture:
//
//	main.go                  entry point: loads config, wires components, waits for SIGINT/SIGTERM
//	driver/driver.go         per auction: prices → fee filter → limit orders → solver, emits events
//	preprocess/fees.go       drops old orders whose fee cannot pay for their execution
//	solver/compile.go        token/order/pool models, fee connectivity pruning, buffers
//	solver/cache.go          single-slot instance cache, one compilation per auction
//	solver/solver.go         deadline-bounded engine call and settlement conversion
//	engine/client.go         REST client of the optimization engine
//	chain/                   rate-limited node calls and ERC20 reads
//	tokeninfo, buffers,
//	allowances               on-chain data the model and settlements need
//	api/                     HTTP solve endpoint, status, WebSocket events, metrics
//	store/store.go           optional JSON dumps of compiled instances
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"gopkg.in/natefinch/lumberjack.v2"

	"batch-solver/internal/allowances"
	"batch-solver/internal/api"
	"batch-solver/internal/buffers"
	"batch-solver/internal/chain"
	"batch-solver/internal/config"
	"batch-solver/internal/driver"
	"batch-solver/internal/engine"
	"batch-solver/internal/gas"
	"batch-solver/internal/metrics"
	"batch-solver/internal/preprocess"
	"batch-solver/internal/solver"
	"batch-solver/internal/store"
	"batch-solver/internal/tokeninfo"
)

func main() {
	// Load config
	cfgPath := "configs/solver.yaml"
	if p := os.Getenv("SOLVER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)

	dialCtx, cancelDial := context.WithTimeout(context.Background(), 10*time.Second)
	node, err := ethclient.DialContext(dialCtx, cfg.Node.URL)
	cancelDial()
	if err != nil {
		logger.Error("failed to connect to node", "error", err)
		os.Exit(1)
	}
	defer node.Close()

	caller := chain.NewLimitedCaller(node, cfg.Node.RequestsPerSecond, cfg.Node.Burst, cfg.Node.MaxConcurrency)
	erc20, err := chain.NewERC20(caller)
	if err != nil {
		logger.Error("failed to create erc20 binding", "error", err)
		os.Exit(1)
	}

	m := metrics.New(cfg.Metrics.Namespace)
	estimator := gas.NewNodeEstimator(node, logger)

	tokenInfos := tokeninfo.NewCachedFetcher(tokeninfo.NewOnchainFetcher(erc20, cfg.Node.MaxConcurrency, logger))
	bufferRetriever := buffers.NewOnchainRetriever(erc20, cfg.SettlementContract(), cfg.Node.MaxConcurrency, logger)
	allowanceManager := allowances.NewOnchainManager(erc20, cfg.SettlementContract(), cfg.Node.MaxConcurrency, logger)

	var dumper solver.InstanceDumper
	if cfg.Store.DataDir != "" {
		st, err := store.Open(cfg.Store.DataDir)
		if err != nil {
			logger.Error("failed to open instance store", "error", err)
			os.Exit(1)
		}
		defer st.Close()
		dumper = st
	}

	compiler := solver.NewCompiler(cfg.NativeToken(), cfg.Engine.NetworkName, tokenInfos, bufferRetriever, m, logger)
	s := solver.New(
		compiler,
		engine.NewClient(cfg.Engine, logger),
		solver.NewInstanceCache(),
		allowanceManager,
		dumper,
		m,
		logger,
	)

	filter := preprocess.NewFeeFilter(estimator, cfg.Solver.MaxGasSurchargeFactor, cfg.Solver.MinOrderAge, m, logger)
	drv := driver.New(filter, estimator, s, cfg.NativeToken(), logger)

	apiServer := api.NewServer(drv, s.Cache(), *cfg, m, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("api server failed", "error", err)
		}
	}()

	logger.Info("batch solver started",
		"engine", cfg.Engine.Name,
		"network", cfg.Engine.NetworkName,
		"chain_id", cfg.Engine.ChainID,
		"url", fmt.Sprintf("http://localhost:%d", cfg.API.Port),
		"instance_dumps", cfg.Store.DataDir != "",
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := apiServer.Stop(); err != nil {
		logger.Error("failed to stop api server", "error", err)
	}
	logger.Info("shutdown complete")
}

// newLogger builds the process logger. With logging.file set, output is also
// written to a rotating log file.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var w io.Writer = os.Stdout
	if cfg.File != "" {
		w = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    10, // Megabytes
			MaxBackups: 3,
			MaxAge:     28, // Days
			Compress:   true,
		})
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
