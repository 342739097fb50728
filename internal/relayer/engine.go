// Package relayer accepts generated withdrawal proofs, submits them on-chain
// from the relayer's own account, and tracks each submission as a job that
// clients poll. Jobs move pending -> processing -> completed|failed and never
// leave a terminal state.
package relayer

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"zkpulse-backend/internal/contract"
	"zkpulse-backend/internal/metrics"
)

// Job statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Validation errors, all rejected synchronously before a job exists.
var (
	ErrRelayerMismatch    = errors.New("proof is bound to a different relayer")
	ErrContractNotAllowed = errors.New("contract address not whitelisted")
	ErrInvalidArgs        = errors.New("invalid withdrawal arguments")
	ErrJobNotFound        = errors.New("job not found")
	ErrShuttingDown       = errors.New("relayer is shutting down")
)

var hexValue = regexp.MustCompile(`^0x[0-9a-fA-F]+$`)

// Job is one tracked withdrawal submission.
type Job struct {
	ID           string
	Status       string
	Contract     string
	Denomination string
	TxHash       string
	Error        string
	CreatedAt    time.Time
	CompletedAt  time.Time
}

// SubmitRequest is a withdrawal handed to the engine.
type SubmitRequest struct {
	Proof        string
	Args         []string
	Contract     string
	Denomination string
}

// Config is the engine's operating parameters.
type Config struct {
	RelayerAddress common.Address
	ChainID        *big.Int
	// Contracts maps denomination label to the allow-listed pool address.
	Contracts map[string]common.Address

	GasLimitMarginPercent int64
	GasPriceMarginPercent int64
	ConfirmTimeout        time.Duration
	JobRetention          time.Duration
	SweepInterval         time.Duration
}

// Engine is the job engine. The submitter creates a job; the processing
// goroutine is its only mutator afterwards; status readers never mutate.
type Engine struct {
	cfg     Config
	backend Backend
	key     *ecdsa.PrivateKey
	log     *logrus.Logger

	mu      sync.RWMutex
	jobs    map[string]*Job
	stopped bool

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine builds a job engine over backend, signing with key.
func NewEngine(cfg Config, backend Backend, key *ecdsa.PrivateKey, log *logrus.Logger) *Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.GasLimitMarginPercent == 0 {
		cfg.GasLimitMarginPercent = 20
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.JobRetention == 0 {
		cfg.JobRetention = 24 * time.Hour
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Hour
	}
	return &Engine{
		cfg:      cfg,
		backend:  backend,
		key:      key,
		log:      log,
		jobs:     make(map[string]*Job),
		stopChan: make(chan struct{}),
	}
}

// Start launches the retention sweep.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.sweepLoop()
	e.log.WithFields(logrus.Fields{
		"relayer":   e.cfg.RelayerAddress.Hex(),
		"retention": e.cfg.JobRetention.String(),
	}).Info("relayer job engine started")
}

// Stop halts the sweep, rejects further submissions and waits for in-flight
// jobs to settle their state.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.mu.Lock()
		e.stopped = true
		e.mu.Unlock()
		close(e.stopChan)
	})
	e.wg.Wait()
}

// Submit validates the request and, if acceptable, creates a pending job and
// begins processing it asynchronously. Any validation failure is returned
// synchronously and leaves no job behind.
func (e *Engine) Submit(req SubmitRequest) (*Job, error) {
	parsed, err := e.validate(req)
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:           uuid.New().String(),
		Status:       StatusPending,
		Contract:     req.Contract,
		Denomination: req.Denomination,
		CreatedAt:    time.Now(),
	}
	// Registering the job and reserving the worker slot happen under the same
	// lock Stop takes before waiting, so Submit either completes before the
	// wait or is rejected.
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, ErrShuttingDown
	}
	e.jobs[job.ID] = job
	e.wg.Add(1)
	e.mu.Unlock()

	metrics.RelayerJobsSubmitted.Inc()
	e.log.WithFields(logrus.Fields{
		"jobId":        job.ID,
		"denomination": job.Denomination,
		"contract":     job.Contract,
	}).Info("withdrawal job accepted")

	go e.process(job.ID, parsed)

	return e.snapshot(job.ID), nil
}

// Status returns a copy of the job, or ErrJobNotFound for unknown and purged
// IDs alike.
func (e *Engine) Status(jobID string) (*Job, error) {
	job := e.snapshot(jobID)
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// parsedWithdrawal is the decoded argument tuple.
type parsedWithdrawal struct {
	proof         []byte
	root          common.Hash
	nullifierHash common.Hash
	recipient     common.Address
	relayer       common.Address
	fee           *big.Int
	refund        *big.Int
	contract      common.Address
}

func (e *Engine) validate(req SubmitRequest) (*parsedWithdrawal, error) {
	if len(req.Args) != 6 {
		return nil, fmt.Errorf("%w: expected 6 args, got %d", ErrInvalidArgs, len(req.Args))
	}
	if !hexValue.MatchString(req.Proof) {
		return nil, fmt.Errorf("%w: proof is not hex", ErrInvalidArgs)
	}
	for i, a := range req.Args {
		if !hexValue.MatchString(a) {
			return nil, fmt.Errorf("%w: args[%d] is not hex", ErrInvalidArgs, i)
		}
	}
	if !common.IsHexAddress(req.Contract) {
		return nil, fmt.Errorf("%w: contract is not an address", ErrInvalidArgs)
	}

	expected, ok := e.cfg.Contracts[req.Denomination]
	if !ok {
		return nil, fmt.Errorf("%w: unknown denomination %q", ErrContractNotAllowed, req.Denomination)
	}
	if expected != common.HexToAddress(req.Contract) {
		return nil, fmt.Errorf("%w: contract does not match denomination %s", ErrContractNotAllowed, req.Denomination)
	}

	relayerArg := common.HexToAddress(req.Args[3])
	if relayerArg != e.cfg.RelayerAddress {
		return nil, fmt.Errorf("%w: proof names %s", ErrRelayerMismatch, relayerArg.Hex())
	}

	proof, err := hex.DecodeString(strings.TrimPrefix(req.Proof, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: proof hex: %v", ErrInvalidArgs, err)
	}
	fee, ok := new(big.Int).SetString(strings.TrimPrefix(req.Args[4], "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("%w: fee", ErrInvalidArgs)
	}
	refund, ok := new(big.Int).SetString(strings.TrimPrefix(req.Args[5], "0x"), 16)
	if !ok {
		return nil, fmt.Errorf("%w: refund", ErrInvalidArgs)
	}

	return &parsedWithdrawal{
		proof:         proof,
		root:          common.HexToHash(req.Args[0]),
		nullifierHash: common.HexToHash(req.Args[1]),
		recipient:     common.HexToAddress(req.Args[2]),
		relayer:       relayerArg,
		fee:           fee,
		refund:        refund,
		contract:      common.HexToAddress(req.Contract),
	}, nil
}

// process drives one job to a terminal state. It is the job's sole mutator.
func (e *Engine) process(jobID string, w *parsedWithdrawal) {
	defer e.wg.Done()
	started := time.Now()

	e.setStatus(jobID, func(j *Job) { j.Status = StatusProcessing })

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ConfirmTimeout)
	defer cancel()

	txHash, err := e.submitTx(ctx, w)
	if err != nil {
		reason := sanitizeError(err)
		e.log.WithError(err).WithField("jobId", jobID).Warn("withdrawal job failed")
		metrics.RelayerJobsCompleted.WithLabelValues(StatusFailed).Inc()
		e.setStatus(jobID, func(j *Job) {
			j.Status = StatusFailed
			j.Error = reason
			j.CompletedAt = time.Now()
		})
		return
	}

	metrics.RelayerJobsCompleted.WithLabelValues(StatusCompleted).Inc()
	metrics.RelayerJobDuration.Observe(time.Since(started).Seconds())
	e.log.WithFields(logrus.Fields{
		"jobId":  jobID,
		"txHash": txHash.Hex(),
	}).Info("withdrawal confirmed")
	e.setStatus(jobID, func(j *Job) {
		j.Status = StatusCompleted
		j.TxHash = txHash.Hex()
		j.CompletedAt = time.Now()
	})
}

func (e *Engine) submitTx(ctx context.Context, w *parsedWithdrawal) (common.Hash, error) {
	data, err := contract.PackWithdraw(w.proof, w.root, w.nullifierHash, w.recipient, w.relayer, w.fee, w.refund)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack withdraw: %w", err)
	}

	// Estimation failing means the call would revert: spent note, stale
	// root, bad proof. Fail the job now instead of burning gas.
	gasEstimate, err := e.backend.EstimateWithdraw(ctx, e.cfg.RelayerAddress, w.contract, data)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas estimation: %w", err)
	}

	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas price: %w", err)
	}
	gasPrice = applyMargin(gasPrice, e.cfg.GasPriceMarginPercent)
	gasLimit := gasEstimate + gasEstimate*uint64(e.cfg.GasLimitMarginPercent)/100

	nonce, err := e.backend.PendingNonce(ctx, e.cfg.RelayerAddress)
	if err != nil {
		return common.Hash{}, fmt.Errorf("nonce: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &w.contract,
		Value:    new(big.Int),
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(e.cfg.ChainID), e.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign: %w", err)
	}

	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send: %w", err)
	}

	receipt, err := e.waitMined(ctx, signed.Hash())
	if err != nil {
		return common.Hash{}, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return common.Hash{}, fmt.Errorf("transaction reverted on-chain")
	}
	return signed.Hash(), nil
}

// waitMined polls for the receipt until the context's confirm deadline.
func (e *Engine) waitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		receipt, err := e.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("confirmation timeout: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (e *Engine) setStatus(jobID string, mutate func(*Job)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if job, ok := e.jobs[jobID]; ok {
		mutate(job)
	}
}

func (e *Engine) snapshot(jobID string) *Job {
	e.mu.RLock()
	defer e.mu.RUnlock()
	job, ok := e.jobs[jobID]
	if !ok {
		return nil
	}
	copied := *job
	return &copied
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.sweep(time.Now())
		}
	}
}

// sweep removes jobs past the retention window regardless of terminal state.
func (e *Engine) sweep(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, job := range e.jobs {
		if now.Sub(job.CreatedAt) > e.cfg.JobRetention {
			delete(e.jobs, id)
		}
	}
}

func applyMargin(v *big.Int, percent int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(100+percent))
	return out.Div(out, big.NewInt(100))
}

// sanitizeError reduces an internal failure to the user-safe reason the
// poller sees. Raw chain text stays in the logs.
func sanitizeError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already spent"):
		return "note already withdrawn"
	case strings.Contains(msg, "merkle root") || strings.Contains(msg, "unknown root"):
		return "invalid merkle root"
	case strings.Contains(msg, "fee exceeds"):
		return "fee too high"
	case strings.Contains(msg, "confirmation timeout"):
		return "transaction confirmation timed out"
	case strings.Contains(msg, "gas estimation"):
		return "transaction would revert"
	default:
		return "transaction failed"
	}
}

// PrivateKeyFromHex parses the relayer signing key.
func PrivateKeyFromHex(hexKey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
}
