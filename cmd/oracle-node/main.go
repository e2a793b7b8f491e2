package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/0gfoundation/0g-oracle-router/internal/api"
	"github.com/0gfoundation/0g-oracle-router/internal/chain"
	"github.com/0gfoundation/0g-oracle-router/internal/config"
	"github.com/0gfoundation/0g-oracle-router/internal/jobstore"
	"github.com/0gfoundation/0g-oracle-router/internal/metrics"
	"github.com/0gfoundation/0g-oracle-router/internal/signature"
	"github.com/0gfoundation/0g-oracle-router/internal/source"
	"github.com/0gfoundation/0g-oracle-router/internal/watcher"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}
	store := jobstore.New(rdb)

	// ── Provider key, chain, data source ──────────────────────────────────────
	signer, err := signature.NewSignerFromHex(cfg.Chain.ProviderPrivateKey)
	if err != nil {
		log.Fatal("provider key invalid", zap.Error(err))
	}
	node, err := buildChain(ctx, cfg, signer, log)
	if err != nil {
		log.Fatal("chain init failed", zap.Error(err))
	}
	defer node.close()

	operators, err := parseOperators(cfg.Server.OperatorList())
	if err != nil {
		log.Fatal("invalid OPERATOR_ADDRESSES", zap.Error(err))
	}

	m := metrics.New()

	// ── Watcher ───────────────────────────────────────────────────────────────
	w := watcher.New(
		watcher.NewConfig(cfg.Watcher, signer.Address(), node.salt),
		node.chain,
		store,
		node.source,
		signer,
		m,
		log,
	)
	watcherDone := make(chan error, 1)
	go func() { watcherDone <- w.Run(ctx) }()

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: api.NewServer(rdb, store, m, operators, log).Engine(),
	}
	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── gRPC health ───────────────────────────────────────────────────────────
	healthSrv := health.NewServer()
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		log.Fatal("gRPC listen failed", zap.Error(err))
	}
	go func() {
		log.Info("gRPC health server starting", zap.Int("port", cfg.Server.GRPCPort))
		if err := grpcSrv.Serve(lis); err != nil {
			log.Error("gRPC server error", zap.Error(err))
		}
	}()
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	select {
	case <-quit:
	case err := <-watcherDone:
		log.Error("watcher stopped", zap.Error(err))
	}

	log.Info("shutting down...")
	healthSrv.Shutdown()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	select {
	case <-watcherDone:
	case <-shutdownCtx.Done():
		log.Warn("watcher did not stop in time")
	}
	log.Info("shutdown complete")
}

// nodeChain is the chain backend the watcher runs against.
type nodeChain struct {
	chain  watcher.Chain
	source source.DataSource
	salt   common.Hash
	close  func()
}

// buildChain connects to the configured chain. In local mode an in-process
// router is started with the provider already known to it.
func buildChain(ctx context.Context, cfg *config.Config, signer *signature.Signer, log *zap.Logger) (*nodeChain, error) {
	var src source.DataSource
	if cfg.Source.URLTemplate != "" {
		src = source.NewHTTPSource(source.HTTPConfig{
			URLTemplate: cfg.Source.URLTemplate,
			JSONPath:    cfg.Source.JSONPath,
			Decimals:    cfg.Source.Decimals,
			Timeout:     time.Duration(cfg.Source.TimeoutSec) * time.Second,
		})
	}

	switch cfg.Chain.Mode {
	case config.ChainModeRPC:
		client, err := chain.NewClient(cfg)
		if err != nil {
			return nil, err
		}
		if client.From() != signer.Address() {
			client.Close()
			return nil, fmt.Errorf("chain key %s differs from signing key %s", client.From().Hex(), signer.Address().Hex())
		}
		salt, err := configuredSalt(cfg.Chain.Salt)
		if err != nil {
			client.Close()
			return nil, err
		}
		if salt == (common.Hash{}) {
			if salt, err = client.Salt(ctx); err != nil {
				client.Close()
				return nil, fmt.Errorf("read router salt: %w", err)
			}
		}
		log.Info("chain client ready",
			zap.String("router", client.ContractAddress().Hex()),
			zap.String("chain_id", client.ChainID().String()),
			zap.String("provider", signer.Address().Hex()),
		)
		return &nodeChain{chain: client, source: src, salt: salt, close: client.Close}, nil

	case config.ChainModeLocal:
		salt, err := configuredSalt(cfg.Chain.Salt)
		if err != nil {
			return nil, err
		}
		if salt == (common.Hash{}) {
			salt = crypto.Keccak256Hash([]byte("local-oracle-router"))
		}
		gasPrice := big.NewInt(1)
		if cfg.Chain.MaxGasPrice != "" {
			p, ok := new(big.Int).SetString(cfg.Chain.MaxGasPrice, 10)
			if !ok || p.Sign() <= 0 {
				return nil, fmt.Errorf("invalid MAX_GAS_PRICE %q", cfg.Chain.MaxGasPrice)
			}
			gasPrice = p
		}
		local := chain.NewLocal(chain.LocalConfig{
			Salt:      salt,
			Admin:     signer.Address(),
			Custody:   signer.Address(),
			Token:     common.HexToAddress("0x0000000000000000000000000000000000000a11"),
			StartTime: uint64(time.Now().Unix()),
			AutoMine:  true,
		}, log)
		if src == nil {
			src = source.NewStatic(nil)
		}
		log.Info("local chain ready", zap.String("provider", signer.Address().Hex()))
		return &nodeChain{chain: local.Client(signer.Address(), gasPrice), source: src, salt: salt, close: func() {}}, nil
	}
	return nil, fmt.Errorf("unknown chain mode %q", cfg.Chain.Mode)
}

func configuredSalt(s string) (common.Hash, error) {
	if s == "" {
		return common.Hash{}, nil
	}
	b := common.FromHex(s)
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("ROUTER_SALT must be 32 bytes, got %d", len(b))
	}
	return common.BytesToHash(b), nil
}

func parseOperators(list []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(list))
	for _, s := range list {
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("not an address: %q", s)
		}
		out = append(out, common.HexToAddress(s))
	}
	return out, nil
}
