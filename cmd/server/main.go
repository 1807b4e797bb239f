// Wallet Guardian - on-chain wallet reputation monitoring pipeline
package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/somnia-labs/wallet-guardian/internal/api"
	"github.com/somnia-labs/wallet-guardian/internal/broadcast"
	"github.com/somnia-labs/wallet-guardian/internal/chainclient"
	"github.com/somnia-labs/wallet-guardian/internal/config"
	"github.com/somnia-labs/wallet-guardian/internal/coordinator"
	"github.com/somnia-labs/wallet-guardian/internal/datastream"
	"github.com/somnia-labs/wallet-guardian/internal/flagregistry"
	"github.com/somnia-labs/wallet-guardian/internal/health"
	"github.com/somnia-labs/wallet-guardian/internal/ingest"
	"github.com/somnia-labs/wallet-guardian/internal/logging"
	"github.com/somnia-labs/wallet-guardian/internal/metrics"
	"github.com/somnia-labs/wallet-guardian/internal/ratelimit"
	"github.com/somnia-labs/wallet-guardian/internal/scoring"
	"github.com/somnia-labs/wallet-guardian/internal/security"
	"github.com/somnia-labs/wallet-guardian/internal/traces"
	"github.com/somnia-labs/wallet-guardian/internal/validation"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting wallet guardian",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = logging.New(cfg.LogLevel, "json")

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"writes_enabled", cfg.WritesEnabled(),
		"flag_registry_enabled", cfg.FlagRegistryEnabled(),
	)

	ctx := context.Background()

	shutdownTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(ctx)

	chain, err := chainclient.Dial(cfg.RPCURL)
	if err != nil {
		logger.Error("failed to dial chain", "error", err)
		os.Exit(1)
	}
	defer chain.Close()

	networkID, err := chain.GetNetworkID(ctx)
	if err != nil {
		logger.Error("failed to read network id from endpoint", "error", err)
		os.Exit(1)
	}
	if networkID.Cmp(big.NewInt(cfg.ChainID)) != 0 {
		logger.Error("SOMNIA_CHAIN_ID does not match endpoint network id",
			"configured_chain_id", cfg.ChainID, "endpoint_network_id", networkID)
		os.Exit(1)
	}

	model, err := scoring.LoadLinearModel(cfg.ModelPath)
	if err != nil {
		logger.Warn("no scoring model loaded, using rule-based fallback", "error", err)
		model = nil
	}
	blacklist, err := scoring.LoadBlacklistFile(cfg.BlacklistPath)
	if err != nil {
		logger.Error("failed to load blacklist file", "error", err)
		os.Exit(1)
	}
	engine := scoring.NewEngine(model, blacklist)
	engine.OnFallback(metrics.ScoringFallbackTotal.Inc)

	flagsCfg := flagregistry.Config{
		ContractAddress: cfg.ContractAddress,
		PrivateKey:      cfg.PrivateKey,
		ChainID:         cfg.ChainID,
	}
	flags, err := flagregistry.New(chain, flagsCfg)
	if err != nil {
		logger.Error("failed to construct flag registry client", "error", err)
		os.Exit(1)
	}

	var pushSource ingest.EventSource
	if cfg.DataStreamEnabled() {
		ds := datastream.New(cfg.DataStreamURL, logger)
		defer ds.Close()
		pushSource = ds
	}
	ingester := ingest.New(chain, pushSource, logger)

	hub := broadcast.NewHub(logger)

	coord := coordinator.New(ingester, engine, hub, flags, nativeBalanceLookup(chain), logger)

	checks := health.NewRegistry()
	checks.Register("chain", func(ctx context.Context) health.Status {
		if _, err := chain.GetBlockNumber(ctx); err != nil {
			return health.Status{Name: "chain", Healthy: false, Detail: err.Error()}
		}
		return health.Status{Name: "chain", Healthy: true}
	})
	checks.Register("flag_registry", func(ctx context.Context) health.Status {
		if !flags.Enabled() {
			return health.Status{Name: "flag_registry", Healthy: true, Detail: "not configured, writes disabled"}
		}
		return health.Status{Name: "flag_registry", Healthy: true}
	})
	checks.Register("coordinator", func(ctx context.Context) health.Status {
		return health.Status{Name: "coordinator", Healthy: coord.Running()}
	})

	router := setupRouter(cfg, coord, flags, hub, checks)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go hub.Run(runCtx)
	go coord.Run(runCtx)
	go metrics.StartRuntimeCollector(runCtx.Done(), 15*time.Second)

	errChan := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		logger.Error("server error", "error", err)
		cancel()
		os.Exit(1)
	case sig := <-sigChan:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	logger.Info("starting graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func setupRouter(cfg *config.Config, coord *coordinator.Coordinator, flags *flagregistry.Client, hub *broadcast.Hub, checks *health.Registry) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered", "error", recovered, "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "an unexpected error occurred",
		})
	}))
	router.Use(security.HeadersMiddleware())
	router.Use(security.CORSMiddleware(cfg.CORSOrigins))
	router.Use(validation.RequestSizeMiddleware(cfg.BodySizeLimit))

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerMinute: cfg.RateLimitMax,
		BurstSize:         cfg.RateLimitMax / 6,
		CleanupInterval:   time.Minute,
	})
	router.Use(limiter.Middleware())

	router.Use(metrics.Middleware())
	router.Use(api.RequestIDMiddleware())

	router.GET("/metrics", metrics.Handler())

	handler := api.NewHandler(coord, flags, checks)
	handler.RegisterRoutes(&router.RouterGroup)

	router.GET("/ws", hubWebSocketHandler(hub))

	return router
}

// hubWebSocketHandler exposes the broadcast hub's connection endpoint,
// normalizing subscription addresses the same way the coordinator does.
func hubWebSocketHandler(hub *broadcast.Hub) gin.HandlerFunc {
	normalize := func(wallet string) (string, bool) {
		if !common.IsHexAddress(wallet) {
			return "", false
		}
		return common.HexToAddress(wallet).Hex(), true
	}
	handler := hub.HandleWebSocket(normalize)
	return func(c *gin.Context) {
		handler(c.Writer, c.Request)
	}
}

// nativeBalanceLookup adapts the chain client into a coordinator.BalanceLookup,
// converting wei to a float64 native-token amount for feature extraction.
func nativeBalanceLookup(chain *chainclient.Client) coordinator.BalanceLookup {
	return func(ctx context.Context, wallet string) (float64, error) {
		if !common.IsHexAddress(wallet) {
			return 0, fmt.Errorf("invalid wallet address: %s", wallet)
		}
		wei, err := chain.GetBalance(ctx, common.HexToAddress(wallet))
		if err != nil {
			return 0, err
		}
		f := new(big.Float).SetInt(wei)
		f.Quo(f, big.NewFloat(1e18))
		result, _ := f.Float64()
		return result, nil
	}
}
