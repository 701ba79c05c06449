package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/x402-rs/x402-paywall/pkg/chain/evm"
	"github.com/x402-rs/x402-paywall/pkg/config"
	"github.com/x402-rs/x402-paywall/pkg/gateway"
	"github.com/x402-rs/x402-paywall/pkg/logger"
	"github.com/x402-rs/x402-paywall/pkg/metrics"
	"github.com/x402-rs/x402-paywall/pkg/middleware"
	"github.com/x402-rs/x402-paywall/pkg/network"
	"github.com/x402-rs/x402-paywall/pkg/replay"
	"github.com/x402-rs/x402-paywall/pkg/resources"
	"github.com/x402-rs/x402-paywall/pkg/settle"
	"github.com/x402-rs/x402-paywall/pkg/verify"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zlog := logger.NewZapLogger(cfg.LogLevel)
	recorder := metrics.NewPrometheusRecorder()

	net := cfg.Network()
	chainID, err := network.GetChainID(net)
	if err != nil {
		log.Fatalf("Failed to resolve chain ID: %v", err)
	}

	client, err := evm.Dial(cfg.RPCURL())
	if err != nil {
		log.Fatalf("Failed to connect to %s RPC: %v", net, err)
	}
	defer client.Close()

	verifier, err := verify.NewSignatureVerifier(client, chainID, network.ValidatorAddress)
	if err != nil {
		log.Fatalf("Failed to create signature verifier: %v", err)
	}

	guard := replay.NewGuard()
	defer guard.Stop()

	var settler settle.Settler
	if net.IsTestnet() {
		settler = settle.NewRelaySettler(cfg.RelayURL, zlog)
		zlog.Info("settlement via relay", map[string]any{"relay": cfg.RelayURL, "network": net})
	} else {
		settler, err = settle.NewDirectSettler(client, chainID, cfg.EVMPrivateKey, zlog)
		if err != nil {
			log.Fatalf("Failed to create direct settler: %v", err)
		}
		zlog.Info("settlement via direct submission", map[string]any{"network": net})
	}

	catalog, err := resources.NewCatalog(cfg.BaseURL, net, cfg.WalletAddress, resources.DefaultResources())
	if err != nil {
		log.Fatalf("Failed to build resource catalog: %v", err)
	}

	gw := gateway.New(gateway.Config{
		Verifier: verifier,
		Guard:    guard,
		Settler:  settler,
		CacheTTL: cfg.CacheTTL,
		Logger:   zlog,
		Metrics:  recorder,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/discovery", catalog.DiscoveryHandler)
	mux.HandleFunc("/health", healthHandler(guard))
	mux.Handle("/metrics", promhttp.Handler())
	for _, r := range catalog.Resources() {
		res, ok := catalog.Lookup(r.Path)
		if !ok {
			continue
		}
		mux.Handle(res.Path, gw.Protect(catalog.Handler(res), catalog.Requirements(res)))
	}

	limiter := middleware.NewRateLimiter(100, 20)
	handler := middleware.CORS(
		middleware.MaxBodyBytes(1 << 20)(
			middleware.RateLimit(limiter)(
				middleware.Logging(zlog)(mux),
			),
		),
	)

	server := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		zlog.Info("starting x402 paywall", map[string]any{
			"addr":    cfg.ListenAddr(),
			"network": net,
			"pay_to":  cfg.WalletAddress,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zlog.Info("shutting down", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
}

// healthHandler reports liveness plus replay guard occupancy.
func healthHandler(guard *replay.Guard) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"replay": guard.Stats(),
		})
	}
}
