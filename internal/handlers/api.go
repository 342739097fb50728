// Package handlers contains the gin handlers for both binaries: the
// wallet-facing API server and the relayer service.
package handlers

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"zkpulse-backend/internal/config"
	"zkpulse-backend/internal/events"
	"zkpulse-backend/internal/fees"
	"zkpulse-backend/internal/fieldhash"
	"zkpulse-backend/internal/merkle"
	"zkpulse-backend/internal/metrics"
	"zkpulse-backend/internal/note"
	"zkpulse-backend/internal/prover"
)

// PoolReader is the pool contract read surface the withdrawal pipeline needs.
// *contract.Pool satisfies it; tests substitute a fake chain.
type PoolReader interface {
	CommitmentExists(ctx context.Context, commitment common.Hash) (bool, error)
	IsSpent(ctx context.Context, nullifierHash common.Hash) (bool, error)
}

// GasPricer supplies the current gas price for fee quotes.
type GasPricer interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Prover generates withdrawal proofs.
type Prover interface {
	Prove(ctx context.Context, in *prover.Input) (string, error)
}

// RelayerSubmitter forwards a finished proof to the relayer service.
type RelayerSubmitter interface {
	SubmitWithdrawal(ctx context.Context, proof string, args [6]string, contract string) (jobID string, err error)
}

// API is the wallet-facing handler set.
type API struct {
	cfg    *config.Config
	oracle fieldhash.Oracle
	cache  *events.Cache
	// pools maps denomination label to its contract reader.
	pools   map[string]PoolReader
	prover  Prover
	gas     GasPricer
	fees    *fees.Schedule
	relayer RelayerSubmitter
	log     *logrus.Logger
}

// NewAPI wires the withdrawal pipeline. relayer may be nil when no relayer
// service is configured; withdrawals then run in direct mode only.
func NewAPI(cfg *config.Config, oracle fieldhash.Oracle, cache *events.Cache, pools map[string]PoolReader,
	prv Prover, gas GasPricer, schedule *fees.Schedule, relayer RelayerSubmitter, log *logrus.Logger) *API {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &API{
		cfg:     cfg,
		oracle:  oracle,
		cache:   cache,
		pools:   pools,
		prover:  prv,
		gas:     gas,
		fees:    schedule,
		relayer: relayer,
		log:     log,
	}
}

func errorJSON(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg, "code": code})
}

// DepositRequest asks for a fresh note in one denomination. "amount" is the
// legacy name for the same field; either works.
type DepositRequest struct {
	Denomination string `json:"denomination"`
	Amount       string `json:"amount"`
}

func (r *DepositRequest) denomination() string {
	if r.Denomination != "" {
		return r.Denomination
	}
	return r.Amount
}

// Deposit generates a fresh note for the requested denomination and returns
// the commitment the wallet must send along with the deposit transaction.
// The note never touches disk or logs.
func (a *API) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.denomination() == "" {
		errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "denomination is required")
		return
	}

	pool, err := a.cfg.Pool(req.denomination())
	if err != nil {
		errorJSON(c, http.StatusNotFound, "UNKNOWN_DENOMINATION", err.Error())
		return
	}

	n, err := note.NewRandom()
	if err != nil {
		a.log.WithError(err).Error("note generation failed")
		errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to generate note")
		return
	}

	metrics.DepositsGenerated.Inc()
	c.JSON(http.StatusOK, gin.H{
		"success":       true,
		"note":          n.Encode(req.denomination()),
		"commitment":    prover.ToHex(n.Commitment(a.oracle), 32),
		"nullifierHash": prover.ToHex(n.NullifierHash(a.oracle), 32),
		"contract":      pool.Address,
		"valueWei":      pool.ValueWei,
	})
}

// WithdrawRequest drives the full withdrawal pipeline for one note.
type WithdrawRequest struct {
	Note      string `json:"note" binding:"required"`
	Recipient string `json:"recipient" binding:"required"`
	// UseRelayer binds a relayer and fee into the proof and forwards it to
	// the relayer service instead of returning it for direct submission.
	UseRelayer bool `json:"useRelayer"`
	// RelayerAddress optionally overrides the configured relayer. A proof
	// bound to a foreign relayer is returned to the caller for delivery;
	// only proofs bound to our own relayer are forwarded.
	RelayerAddress string `json:"relayerAddress"`
}

// Withdraw decodes the note, proves inclusion against the reconstructed tree,
// and either returns the proof for direct submission or forwards it to the
// relayer. Every failure maps to a status the wallet can act on.
func (a *API) Withdraw(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "note and recipient are required")
		return
	}

	decoded, err := note.Decode(req.Note)
	if err != nil {
		metrics.WithdrawalsProcessed.WithLabelValues("invalid_note").Inc()
		errorJSON(c, http.StatusBadRequest, "INVALID_NOTE", "note has invalid format")
		return
	}
	if decoded.Currency != note.Currency || decoded.NetID != note.NetworkID {
		metrics.WithdrawalsProcessed.WithLabelValues("invalid_note").Inc()
		errorJSON(c, http.StatusBadRequest, "INVALID_NOTE", "note is for a different network")
		return
	}
	if !common.IsHexAddress(req.Recipient) {
		errorJSON(c, http.StatusBadRequest, "INVALID_RECIPIENT", "recipient is not a valid address")
		return
	}

	poolCfg, err := a.cfg.Pool(decoded.Denomination)
	if err != nil {
		metrics.WithdrawalsProcessed.WithLabelValues("invalid_note").Inc()
		errorJSON(c, http.StatusBadRequest, "UNKNOWN_DENOMINATION", err.Error())
		return
	}
	reader, ok := a.pools[decoded.Denomination]
	if !ok {
		errorJSON(c, http.StatusInternalServerError, "INTERNAL", "pool not wired")
		return
	}

	ctx := c.Request.Context()
	commitment := decoded.Note.Commitment(a.oracle)
	nullifierHash := decoded.Note.NullifierHash(a.oracle)

	exists, err := reader.CommitmentExists(ctx, common.BigToHash(commitment))
	if err != nil {
		a.log.WithError(err).Error("commitment lookup failed")
		errorJSON(c, http.StatusBadGateway, "CHAIN_UNAVAILABLE", "chain query failed")
		return
	}
	if !exists {
		metrics.WithdrawalsProcessed.WithLabelValues("not_found").Inc()
		errorJSON(c, http.StatusNotFound, "DEPOSIT_NOT_FOUND", "deposit not found on chain")
		return
	}

	spent, err := reader.IsSpent(ctx, common.BigToHash(nullifierHash))
	if err != nil {
		a.log.WithError(err).Error("spent check failed")
		errorJSON(c, http.StatusBadGateway, "CHAIN_UNAVAILABLE", "chain query failed")
		return
	}
	if spent {
		metrics.WithdrawalsProcessed.WithLabelValues("already_spent").Inc()
		errorJSON(c, http.StatusConflict, "ALREADY_SPENT", "note has already been withdrawn")
		return
	}

	tree, index, err := a.locateLeaf(ctx, poolCfg, commitment)
	if err != nil {
		if errors.Is(err, merkle.ErrNotFound) {
			metrics.WithdrawalsProcessed.WithLabelValues("not_found").Inc()
			errorJSON(c, http.StatusNotFound, "DEPOSIT_NOT_FOUND", "deposit not found in event history")
			return
		}
		a.log.WithError(err).WithField("pool", poolCfg.Address).Error("tree reconstruction failed")
		errorJSON(c, http.StatusBadGateway, "CHAIN_UNAVAILABLE", "failed to rebuild commitment tree")
		return
	}

	path, err := tree.PathFor(index)
	if err != nil {
		errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to build inclusion path")
		return
	}

	relayerAddr := common.Address{}
	fee := new(big.Int)
	if req.UseRelayer {
		switch {
		case req.RelayerAddress != "":
			if !common.IsHexAddress(req.RelayerAddress) {
				errorJSON(c, http.StatusBadRequest, "INVALID_RELAYER", "relayerAddress is not a valid address")
				return
			}
			relayerAddr = common.HexToAddress(req.RelayerAddress)
		case a.cfg.Relayer.Address != "":
			relayerAddr = common.HexToAddress(a.cfg.Relayer.Address)
		default:
			errorJSON(c, http.StatusServiceUnavailable, "NO_RELAYER", "no relayer configured")
			return
		}
		fee, err = a.quoteFee(ctx, decoded.Denomination)
		if err != nil {
			errorJSON(c, http.StatusInternalServerError, "INTERNAL", err.Error())
			return
		}
	}

	input := &prover.Input{
		Root:          path.Root,
		NullifierHash: nullifierHash,
		Recipient:     common.HexToAddress(req.Recipient),
		Relayer:       relayerAddr,
		Fee:           fee,
		Refund:        new(big.Int),
		Nullifier:     decoded.Note.Nullifier,
		Secret:        decoded.Note.Secret,
		PathElements:  path.Elements,
		PathIndices:   path.Indices,
	}

	started := time.Now()
	proofHex, err := a.prover.Prove(ctx, input)
	if err != nil {
		switch {
		case errors.Is(err, prover.ErrInvalidInput):
			metrics.WithdrawalsProcessed.WithLabelValues("failed").Inc()
			errorJSON(c, http.StatusBadRequest, "INVALID_PROOF_INPUT", err.Error())
		case errors.Is(err, prover.ErrProvingUnavailable):
			metrics.WithdrawalsProcessed.WithLabelValues("failed").Inc()
			errorJSON(c, http.StatusServiceUnavailable, "PROVER_UNAVAILABLE", "proving service unavailable")
		default:
			metrics.WithdrawalsProcessed.WithLabelValues("failed").Inc()
			a.log.WithError(err).Error("proof generation failed")
			errorJSON(c, http.StatusInternalServerError, "PROOF_FAILED", "proof generation failed")
		}
		return
	}
	metrics.ProofDuration.Observe(time.Since(started).Seconds())

	args := input.Args()
	ownRelayer := a.relayer != nil && a.cfg.Relayer.Address != "" &&
		relayerAddr == common.HexToAddress(a.cfg.Relayer.Address)
	if !req.UseRelayer || !ownRelayer {
		metrics.WithdrawalsProcessed.WithLabelValues("proved").Inc()
		c.JSON(http.StatusOK, gin.H{
			"success":  true,
			"proof":    proofHex,
			"args":     args,
			"contract": poolCfg.Address,
		})
		return
	}

	jobID, err := a.relayer.SubmitWithdrawal(ctx, proofHex, args, poolCfg.Address)
	if err != nil {
		metrics.WithdrawalsProcessed.WithLabelValues("failed").Inc()
		a.log.WithError(err).Error("relayer submission failed")
		errorJSON(c, http.StatusBadGateway, "RELAYER_UNAVAILABLE", "relayer did not accept the withdrawal")
		return
	}

	metrics.WithdrawalsProcessed.WithLabelValues("relayed").Inc()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"jobId":   jobID,
		"relayer": a.cfg.Relayer.Address,
		"feeWei":  fee.String(),
	})
}

// locateLeaf rebuilds the pool tree and finds the commitment. A miss forces
// one cache refresh before giving up, covering deposits newer than the memory
// layer's TTL.
func (a *API) locateLeaf(ctx context.Context, poolCfg *config.PoolConfig, commitment *big.Int) (*merkle.Tree, int, error) {
	leaves, err := a.cache.Leaves(ctx, poolCfg.Address, poolCfg.DeployBlock)
	if err != nil {
		return nil, 0, err
	}

	tree, err := a.buildTree(poolCfg, leaves)
	if err != nil {
		return nil, 0, err
	}
	index, err := tree.Locate(commitment)
	if err == nil {
		return tree, index, nil
	}

	leaves, err = a.cache.Refresh(ctx, poolCfg.Address, poolCfg.DeployBlock)
	if err != nil {
		return nil, 0, err
	}
	tree, err = a.buildTree(poolCfg, leaves)
	if err != nil {
		return nil, 0, err
	}
	index, err = tree.Locate(commitment)
	if err != nil {
		return nil, 0, err
	}
	return tree, index, nil
}

func (a *API) buildTree(poolCfg *config.PoolConfig, leaves []events.DepositLeaf) (*merkle.Tree, error) {
	commitments := make([]*big.Int, len(leaves))
	for i, leaf := range leaves {
		v, ok := new(big.Int).SetString(strings.TrimPrefix(leaf.Commitment, "0x"), 16)
		if !ok {
			return nil, errors.New("corrupt commitment in event cache: " + leaf.Commitment)
		}
		commitments[i] = v
	}
	metrics.CachedLeaves.WithLabelValues(strings.ToLower(poolCfg.Address)).Set(float64(len(leaves)))
	return merkle.NewTree(a.oracle, merkle.Height, commitments)
}

func (a *API) quoteFee(ctx context.Context, denomination string) (*big.Int, error) {
	gasPrice, err := a.gas.SuggestGasPrice(ctx)
	if err != nil {
		a.log.WithError(err).Warn("gas price unavailable, quoting from static floors")
		gasPrice = nil
	}
	return a.fees.Calculate(denomination, gasPrice)
}

// Relayers lists the configured relayer and its fee terms per denomination.
func (a *API) Relayers(c *gin.Context) {
	if a.cfg.Relayer.Address == "" {
		c.JSON(http.StatusOK, gin.H{"success": true, "relayers": []gin.H{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"relayers": []gin.H{{
			"address":       a.cfg.Relayer.Address,
			"url":           a.cfg.Relayer.BaseURL,
			"feePercent":    a.fees.Percent,
			"denominations": a.fees.Denominations(),
		}},
	})
}

// RelayerFee quotes the current relayer fee for one denomination. The gas
// price comes from the query when given, the RPC otherwise.
func (a *API) RelayerFee(c *gin.Context) {
	denomination := c.Query("denomination")
	if denomination == "" {
		denomination = c.Query("amount") // legacy parameter name
	}
	if denomination == "" {
		errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "denomination query parameter is required")
		return
	}

	var gasPrice *big.Int
	if q := c.Query("gasPrice"); q != "" {
		gp, ok := new(big.Int).SetString(q, 10)
		if !ok || gp.Sign() < 0 {
			errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "gasPrice must be a decimal wei value")
			return
		}
		gasPrice = gp
	} else if gp, err := a.gas.SuggestGasPrice(c.Request.Context()); err == nil {
		gasPrice = gp
	} else {
		a.log.WithError(err).Warn("gas price unavailable, quoting from static floors")
	}

	fee, err := a.fees.Calculate(denomination, gasPrice)
	if err != nil {
		errorJSON(c, http.StatusNotFound, "UNKNOWN_DENOMINATION", err.Error())
		return
	}
	resp := gin.H{
		"success":      true,
		"denomination": denomination,
		"feeWei":       fee.String(),
		"feePercent":   a.fees.Percent[denomination],
		"relayer":      a.cfg.Relayer.Address,
	}
	if gasPrice != nil {
		resp["gasPriceWei"] = gasPrice.String()
	}
	c.JSON(http.StatusOK, resp)
}

// RefreshCache is the operator endpoint forcing an event rescan. With a
// denomination in the body only that pool refreshes; otherwise all of them.
func (a *API) RefreshCache(c *gin.Context) {
	var req struct {
		Denomination string `json:"denomination"`
	}
	_ = c.ShouldBindJSON(&req)

	targets := a.cfg.Pools
	if req.Denomination != "" {
		pool, err := a.cfg.Pool(req.Denomination)
		if err != nil {
			errorJSON(c, http.StatusNotFound, "UNKNOWN_DENOMINATION", err.Error())
			return
		}
		targets = []config.PoolConfig{*pool}
	}

	results := make(map[string]int, len(targets))
	for _, pool := range targets {
		leaves, err := a.cache.Refresh(c.Request.Context(), pool.Address, pool.DeployBlock)
		if err != nil {
			a.log.WithError(err).WithField("pool", pool.Address).Error("forced cache refresh failed")
			errorJSON(c, http.StatusBadGateway, "CHAIN_UNAVAILABLE", "refresh failed for pool "+pool.Denomination)
			return
		}
		metrics.CacheRefreshes.WithLabelValues(strings.ToLower(pool.Address)).Inc()
		results[pool.Denomination] = len(leaves)
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "leafCounts": results})
}
