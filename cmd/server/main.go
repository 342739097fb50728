package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"zkpulse-backend/internal/app"
	"zkpulse-backend/internal/config"
	"zkpulse-backend/internal/contract"
	"zkpulse-backend/internal/events"
	"zkpulse-backend/internal/fieldhash"
	"zkpulse-backend/internal/handlers"
	"zkpulse-backend/internal/merkle"
	"zkpulse-backend/internal/prover"
	"zkpulse-backend/internal/router"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults to CONFIG_PATH or config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}

	log := app.NewLogger(cfg.Log.Level)
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	client, err := app.DialFirstHealthy(cfg.Network.RPCEndpoints, cfg.Network.ChainID, log)
	if err != nil {
		log.WithError(err).Fatal("no healthy RPC endpoint")
	}
	defer client.Close()

	oracle := fieldhash.MiMC{}
	cache := events.NewCache(contract.NewChainSource(client), events.Options{
		Dir:       cfg.Cache.Dir,
		ChunkSize: cfg.Cache.ChunkSize,
		MemoryTTL: time.Duration(cfg.Cache.MemoryTTLSeconds) * time.Second,
	}, log)

	pools := make(map[string]handlers.PoolReader, len(cfg.Pools))
	for _, p := range cfg.Pools {
		pools[p.Denomination] = contract.NewPool(common.HexToAddress(p.Address), client)
	}

	schedule, err := app.BuildFeeSchedule(cfg)
	if err != nil {
		log.WithError(err).Fatal("invalid fee configuration")
	}

	proverClient := prover.NewClient(cfg.Prover.BaseURL, merkle.Height,
		time.Duration(cfg.Prover.TimeoutSeconds)*time.Second, log)

	var relayerClient handlers.RelayerSubmitter
	if cfg.Relayer.BaseURL != "" {
		relayerClient = handlers.NewRelayerClient(cfg.Relayer.BaseURL, 30*time.Second, log)
	}

	api := handlers.NewAPI(cfg, oracle, cache, pools, proverClient, client, schedule, relayerClient, log)
	engine := router.NewAPIRouter(cfg, api, log)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: engine}

	go func() {
		log.WithFields(logrus.Fields{
			"addr":  addr,
			"pools": len(cfg.Pools),
			"chain": cfg.Network.ChainID,
		}).Info("API server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Error("forced shutdown")
	}
}
