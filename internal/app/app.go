// Package app holds the wiring shared by the server and relayer binaries.
package app

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"zkpulse-backend/internal/config"
	"zkpulse-backend/internal/fees"
)

// NewLogger builds the process logger at the configured level. Unparseable
// levels fall back to info.
func NewLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)
	return log
}

// DialFirstHealthy tries each RPC endpoint in order and returns the first
// one that answers with the expected chain id. chainID 0 skips the check.
func DialFirstHealthy(endpoints []string, chainID int64, log *logrus.Logger) (*ethclient.Client, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("no RPC endpoints configured")
	}
	for _, endpoint := range endpoints {
		client, err := ethclient.Dial(endpoint)
		if err != nil {
			log.WithError(err).WithField("endpoint", endpoint).Warn("RPC dial failed")
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		id, err := client.ChainID(ctx)
		cancel()
		if err != nil {
			log.WithError(err).WithField("endpoint", endpoint).Warn("RPC endpoint unhealthy")
			client.Close()
			continue
		}
		if chainID != 0 && id.Cmp(big.NewInt(chainID)) != 0 {
			log.WithFields(logrus.Fields{
				"endpoint": endpoint,
				"got":      id.String(),
				"want":     chainID,
			}).Warn("RPC endpoint on wrong chain")
			client.Close()
			continue
		}
		log.WithField("endpoint", endpoint).Info("connected to RPC endpoint")
		return client, nil
	}
	return nil, errors.New("all RPC endpoints failed")
}

// BuildFeeSchedule merges the configured fee overrides and pool values into
// the default schedule.
func BuildFeeSchedule(cfg *config.Config) (*fees.Schedule, error) {
	schedule := fees.DefaultSchedule()
	percent, minFee, err := cfg.FeeScheduleOverrides()
	if err != nil {
		return nil, err
	}
	values := make(map[string]*big.Int, len(cfg.Pools))
	for _, p := range cfg.Pools {
		v, err := p.Value()
		if err != nil {
			return nil, err
		}
		values[p.Denomination] = v
	}
	schedule.Override(percent, minFee, values)
	if cfg.Relayer.WithdrawGasLimit > 0 {
		schedule.WithdrawGas = cfg.Relayer.WithdrawGasLimit
	}
	return schedule, nil
}
