package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
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
	"zkpulse-backend/internal/handlers"
	"zkpulse-backend/internal/relayer"
	"zkpulse-backend/internal/router"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults to CONFIG_PATH or config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	if err := cfg.ValidateRelayer(); err != nil {
		logrus.WithError(err).Fatal("relayer configuration incomplete")
	}

	log := app.NewLogger(cfg.Log.Level)
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	key, err := relayer.PrivateKeyFromHex(cfg.Relayer.PrivateKey)
	if err != nil {
		log.WithError(err).Fatal("invalid relayer private key")
	}

	client, err := app.DialFirstHealthy(cfg.Network.RPCEndpoints, cfg.Network.ChainID, log)
	if err != nil {
		log.WithError(err).Fatal("no healthy RPC endpoint")
	}
	defer client.Close()

	schedule, err := app.BuildFeeSchedule(cfg)
	if err != nil {
		log.WithError(err).Fatal("invalid fee configuration")
	}

	contracts := make(map[string]common.Address, len(cfg.Pools))
	for _, p := range cfg.Pools {
		contracts[p.Denomination] = common.HexToAddress(p.Address)
	}

	engine := relayer.NewEngine(relayer.Config{
		RelayerAddress:        common.HexToAddress(cfg.Relayer.Address),
		ChainID:               big.NewInt(cfg.Network.ChainID),
		Contracts:             contracts,
		GasLimitMarginPercent: cfg.Relayer.GasLimitMarginPercent,
		GasPriceMarginPercent: cfg.Relayer.GasPriceMarginPercent,
		ConfirmTimeout:        time.Duration(cfg.Relayer.ConfirmTimeoutSeconds) * time.Second,
		JobRetention:          time.Duration(cfg.Relayer.JobRetentionHours) * time.Hour,
	}, relayer.NewEthBackend(client), key, log)
	engine.Start()
	defer engine.Stop()

	api := handlers.NewRelayerAPI(cfg, engine, schedule, client, log)
	r := router.NewRelayerRouter(cfg, api, log)

	addr := fmt.Sprintf("%s:%d", cfg.Relayer.Host, cfg.Relayer.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		log.WithFields(logrus.Fields{
			"addr":    addr,
			"relayer": cfg.Relayer.Address,
			"chain":   cfg.Network.ChainID,
		}).Info("relayer service listening")
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
