package handlers

import (
	"errors"
	"math/big"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"zkpulse-backend/internal/config"
	"zkpulse-backend/internal/fees"
	"zkpulse-backend/internal/relayer"
)

// RelayerAPI is the relayer service's handler set. It fronts the job engine
// with the wire surface wallets and the API server expect.
type RelayerAPI struct {
	cfg    *config.Config
	engine *relayer.Engine
	fees   *fees.Schedule
	gas    GasPricer
	log    *logrus.Logger
}

// NewRelayerAPI wires the relayer handlers.
func NewRelayerAPI(cfg *config.Config, engine *relayer.Engine, schedule *fees.Schedule, gas GasPricer, log *logrus.Logger) *RelayerAPI {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &RelayerAPI{cfg: cfg, engine: engine, fees: schedule, gas: gas, log: log}
}

const serviceVersion = "1.2.0"

// Status reports the relayer's identity and terms. Wallets read this before
// building a proof so the relayer address in the public inputs matches.
func (r *RelayerAPI) Status(c *gin.Context) {
	contracts := make(map[string]string, len(r.cfg.Pools))
	for _, pool := range r.cfg.Pools {
		contracts[pool.Denomination] = pool.Address
	}
	minFees := make(map[string]string, len(r.fees.MinFee))
	for denom, fee := range r.fees.MinFee {
		minFees[denom] = fee.String()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":                 "ok",
		"version":                serviceVersion,
		"relayerAddress":         r.cfg.Relayer.Address,
		"netId":                  r.cfg.Network.ChainID,
		"contracts":              contracts,
		"supportedDenominations": r.fees.Denominations(),
		"feePercent":             r.fees.Percent,
		"minFeesWei":             minFees,
	})
}

// Fee quotes the fee for one denomination at the current gas price.
func (r *RelayerAPI) Fee(c *gin.Context) {
	denomination := c.Query("denomination")
	if denomination == "" {
		denomination = c.Query("amount") // legacy parameter name
	}
	if denomination == "" {
		errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "denomination query parameter is required")
		return
	}

	gasPrice, err := r.gas.SuggestGasPrice(c.Request.Context())
	if err != nil {
		r.log.WithError(err).Warn("gas price unavailable, quoting from static floors")
		gasPrice = nil
	}
	fee, err := r.fees.Calculate(denomination, gasPrice)
	if err != nil {
		errorJSON(c, http.StatusNotFound, "UNKNOWN_DENOMINATION", err.Error())
		return
	}

	resp := gin.H{
		"denomination":   denomination,
		"feeWei":         fee.String(),
		"feePercent":     r.fees.Percent[denomination],
		"relayerAddress": r.cfg.Relayer.Address,
	}
	if gasPrice != nil {
		resp["gasPriceWei"] = gasPrice.String()
	}
	c.JSON(http.StatusOK, resp)
}

type withdrawSubmission struct {
	Proof    string   `json:"proof" binding:"required"`
	Args     []string `json:"args" binding:"required"`
	Contract string   `json:"contract" binding:"required"`
}

// Withdraw accepts a proof for relaying. Validation failures are returned
// synchronously; an accepted submission returns the job id to poll.
func (r *RelayerAPI) Withdraw(c *gin.Context) {
	var req withdrawSubmission
	if err := c.ShouldBindJSON(&req); err != nil {
		errorJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "proof, args and contract are required")
		return
	}

	pool, err := r.cfg.PoolByAddress(req.Contract)
	if err != nil {
		errorJSON(c, http.StatusBadRequest, "CONTRACT_NOT_ALLOWED", "contract is not a configured pool")
		return
	}

	if err := r.checkFee(pool.Denomination, req.Args); err != nil {
		errorJSON(c, http.StatusBadRequest, "FEE_TOO_LOW", err.Error())
		return
	}

	job, err := r.engine.Submit(relayer.SubmitRequest{
		Proof:        req.Proof,
		Args:         req.Args,
		Contract:     req.Contract,
		Denomination: pool.Denomination,
	})
	if err != nil {
		switch {
		case errors.Is(err, relayer.ErrRelayerMismatch):
			errorJSON(c, http.StatusBadRequest, "RELAYER_MISMATCH", "proof is bound to a different relayer address")
		case errors.Is(err, relayer.ErrContractNotAllowed):
			errorJSON(c, http.StatusBadRequest, "CONTRACT_NOT_ALLOWED", "contract address not whitelisted")
		case errors.Is(err, relayer.ErrInvalidArgs):
			errorJSON(c, http.StatusBadRequest, "INVALID_ARGS", err.Error())
		case errors.Is(err, relayer.ErrShuttingDown):
			errorJSON(c, http.StatusServiceUnavailable, "SHUTTING_DOWN", "relayer is shutting down")
		default:
			r.log.WithError(err).Error("job submission failed")
			errorJSON(c, http.StatusInternalServerError, "INTERNAL", "failed to accept withdrawal")
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": job.ID, "jobId": job.ID, "status": job.Status})
}

// checkFee rejects submissions whose embedded fee does not cover the current
// quote. The gas floor moves with the chain, so the percent and flat floors
// alone bound a quote taken moments earlier.
func (r *RelayerAPI) checkFee(denomination string, args []string) error {
	if len(args) != 6 {
		return nil // the engine reports the precise arg error
	}
	fee, ok := new(big.Int).SetString(strings.TrimPrefix(args[4], "0x"), 16)
	if !ok {
		return nil
	}

	expected, err := r.fees.Calculate(denomination, nil)
	if err != nil {
		return err
	}
	if fee.Cmp(expected) < 0 {
		return errors.New("provided fee does not cover the relayer's minimum")
	}
	return nil
}

// Job returns the state of one job. Malformed ids are a 400, unknown and
// purged ids alike a 404.
func (r *RelayerAPI) Job(c *gin.Context) {
	jobID := c.Param("jobId")
	if _, err := uuid.Parse(jobID); err != nil {
		errorJSON(c, http.StatusBadRequest, "INVALID_JOB_ID", "job id must be a UUID")
		return
	}

	job, err := r.engine.Status(jobID)
	if err != nil {
		errorJSON(c, http.StatusNotFound, "JOB_NOT_FOUND", "job not found")
		return
	}

	resp := gin.H{
		"id":           job.ID,
		"status":       job.Status,
		"contract":     job.Contract,
		"denomination": job.Denomination,
		"createdAt":    job.CreatedAt,
	}
	if job.TxHash != "" {
		resp["txHash"] = job.TxHash
	}
	if job.Error != "" {
		resp["error"] = job.Error
	}
	if !job.CompletedAt.IsZero() {
		resp["completedAt"] = job.CompletedAt
	}
	c.JSON(http.StatusOK, resp)
}
