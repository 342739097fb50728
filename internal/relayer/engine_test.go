package relayer

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

var (
	relayerAddr = common.HexToAddress("0x9999999999999999999999999999999999999999")
	poolAddr    = common.HexToAddress("0x65d1D748b4d513756cA179049227F6599D803594")
)

// fakeBackend scripts the chain interactions.
type fakeBackend struct {
	mu          sync.Mutex
	estimateErr error
	sent        []*types.Transaction
	receiptHold chan struct{} // when set, receipts wait until closed
	revert      bool
	spentNotes  map[string]bool // calldata hex -> spent
}

func (f *fakeBackend) EstimateWithdraw(ctx context.Context, from, to common.Address, data []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	if f.spentNotes != nil && f.spentNotes[common.Bytes2Hex(data)] {
		return 0, errors.New("execution reverted: The note has been already spent")
	}
	return 100_000, nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	if f.spentNotes != nil {
		f.spentNotes[common.Bytes2Hex(tx.Data())] = true
	}
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.receiptHold != nil {
		select {
		case <-f.receiptHold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	status := types.ReceiptStatusSuccessful
	if f.revert {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{Status: status, TxHash: txHash}, nil
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func newTestEngine(t *testing.T, backend Backend) *Engine {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	return NewEngine(Config{
		RelayerAddress: relayerAddr,
		ChainID:        big.NewInt(369),
		Contracts:      map[string]common.Address{"1M": poolAddr},
		ConfirmTimeout: 5 * time.Second,
	}, backend, key, quietLogger())
}

func validSubmit() SubmitRequest {
	return SubmitRequest{
		Proof: "0x" + strings.Repeat("ab", 256),
		Args: []string{
			"0x" + strings.Repeat("11", 32),
			"0x" + strings.Repeat("22", 32),
			"0x3333333333333333333333333333333333333333",
			strings.ToLower(relayerAddr.Hex()),
			"0x" + strings.Repeat("00", 31) + "64",
			"0x" + strings.Repeat("00", 32),
		},
		Contract:     poolAddr.Hex(),
		Denomination: "1M",
	}
}

func waitForTerminal(t *testing.T, e *Engine, jobID string) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := e.Status(jobID)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if job.Status == StatusCompleted || job.Status == StatusFailed {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", jobID)
	return nil
}

func TestSubmitAndComplete(t *testing.T) {
	backend := &fakeBackend{}
	e := newTestEngine(t, backend)

	job, err := e.Submit(validSubmit())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if job.Status != StatusPending && job.Status != StatusProcessing && job.Status != StatusCompleted {
		t.Errorf("fresh job has status %q", job.Status)
	}

	final := waitForTerminal(t, e, job.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("job ended %q (%s), want completed", final.Status, final.Error)
	}
	if final.TxHash == "" {
		t.Errorf("completed job missing txHash")
	}
	if final.CompletedAt.IsZero() {
		t.Errorf("completed job missing completedAt")
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.sent) != 1 {
		t.Fatalf("sent %d transactions, want 1", len(backend.sent))
	}
	tx := backend.sent[0]
	if tx.Gas() != 120_000 {
		t.Errorf("gas limit %d, want estimate+20%% margin = 120000", tx.Gas())
	}
	if tx.To() == nil || *tx.To() != poolAddr {
		t.Errorf("transaction sent to %v, want pool", tx.To())
	}
}

func TestRelayerMismatchRejectedBeforeJobCreation(t *testing.T) {
	e := newTestEngine(t, &fakeBackend{})

	req := validSubmit()
	req.Args[3] = "0x4444444444444444444444444444444444444444"
	if _, err := e.Submit(req); !errors.Is(err, ErrRelayerMismatch) {
		t.Fatalf("got %v, want ErrRelayerMismatch", err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.jobs) != 0 {
		t.Errorf("rejected submission still created %d job(s)", len(e.jobs))
	}
}

func TestContractValidation(t *testing.T) {
	e := newTestEngine(t, &fakeBackend{})

	req := validSubmit()
	req.Contract = "0x1212121212121212121212121212121212121212"
	if _, err := e.Submit(req); !errors.Is(err, ErrContractNotAllowed) {
		t.Errorf("foreign contract: got %v, want ErrContractNotAllowed", err)
	}

	req = validSubmit()
	req.Denomination = "10M"
	if _, err := e.Submit(req); !errors.Is(err, ErrContractNotAllowed) {
		t.Errorf("unknown denomination: got %v, want ErrContractNotAllowed", err)
	}
}

func TestArgsValidation(t *testing.T) {
	e := newTestEngine(t, &fakeBackend{})

	req := validSubmit()
	req.Args = req.Args[:5]
	if _, err := e.Submit(req); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("5 args: got %v, want ErrInvalidArgs", err)
	}

	req = validSubmit()
	req.Proof = "not hex"
	if _, err := e.Submit(req); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("bad proof: got %v, want ErrInvalidArgs", err)
	}

	req = validSubmit()
	req.Args[0] = "zz"
	if _, err := e.Submit(req); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("bad arg hex: got %v, want ErrInvalidArgs", err)
	}
}

func TestEstimateFailureSanitized(t *testing.T) {
	backend := &fakeBackend{estimateErr: errors.New("execution reverted: The note has been already spent")}
	e := newTestEngine(t, backend)

	job, err := e.Submit(validSubmit())
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	final := waitForTerminal(t, e, job.ID)
	if final.Status != StatusFailed {
		t.Fatalf("job ended %q, want failed", final.Status)
	}
	if final.Error != "note already withdrawn" {
		t.Errorf("error %q leaks internals or lost the cause", final.Error)
	}
	if final.TxHash != "" {
		t.Errorf("failed-at-estimation job has a txHash")
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.sent) != 0 {
		t.Errorf("estimation failure still broadcast a transaction")
	}
}

func TestOnChainRevertFailsJob(t *testing.T) {
	backend := &fakeBackend{revert: true}
	e := newTestEngine(t, backend)

	job, _ := e.Submit(validSubmit())
	final := waitForTerminal(t, e, job.ID)
	if final.Status != StatusFailed {
		t.Fatalf("job ended %q, want failed", final.Status)
	}
	if final.Error != "transaction failed" {
		t.Errorf("unexpected sanitized reason %q", final.Error)
	}
}

func TestDoubleSpendNeverCompletesTwice(t *testing.T) {
	backend := &fakeBackend{spentNotes: make(map[string]bool)}
	e := newTestEngine(t, backend)

	first, err := e.Submit(validSubmit())
	if err != nil {
		t.Fatalf("first Submit failed: %v", err)
	}
	if got := waitForTerminal(t, e, first.ID); got.Status != StatusCompleted {
		t.Fatalf("first job ended %q", got.Status)
	}

	second, err := e.Submit(validSubmit())
	if err != nil {
		t.Fatalf("second Submit failed: %v", err)
	}
	if got := waitForTerminal(t, e, second.ID); got.Status != StatusFailed {
		t.Fatalf("replayed withdrawal completed twice (status %q)", got.Status)
	}
}

func TestProcessingJobHasNoTxHash(t *testing.T) {
	hold := make(chan struct{})
	backend := &fakeBackend{receiptHold: hold}
	e := newTestEngine(t, backend)

	job, _ := e.Submit(validSubmit())

	// Wait until the transaction is in flight.
	deadline := time.Now().Add(2 * time.Second)
	for {
		backend.mu.Lock()
		sent := len(backend.sent)
		backend.mu.Unlock()
		if sent > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mid, err := e.Status(job.ID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if mid.Status != StatusProcessing {
		t.Errorf("mid-flight status %q, want processing", mid.Status)
	}
	if mid.TxHash != "" {
		t.Errorf("mid-flight job already exposes txHash")
	}

	close(hold)
	waitForTerminal(t, e, job.ID)
}

func TestSubmitAfterStopRejected(t *testing.T) {
	backend := &fakeBackend{}
	e := newTestEngine(t, backend)
	e.Start()
	e.Stop()

	job, err := e.Submit(validSubmit())
	if !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("Submit after Stop: got err %v, want ErrShuttingDown", err)
	}
	if job != nil {
		t.Errorf("Submit after Stop returned a job: %+v", job)
	}
	e.mu.RLock()
	n := len(e.jobs)
	e.mu.RUnlock()
	if n != 0 {
		t.Errorf("stopped engine holds %d jobs, want 0", n)
	}
}

func TestRetentionSweepPurges(t *testing.T) {
	backend := &fakeBackend{}
	e := newTestEngine(t, backend)

	job, _ := e.Submit(validSubmit())
	waitForTerminal(t, e, job.ID)

	e.sweep(time.Now().Add(25 * time.Hour))
	if _, err := e.Status(job.ID); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("purged job still visible: %v", err)
	}
	if _, err := e.Status("00000000-0000-0000-0000-000000000000"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("unknown job: got %v, want ErrJobNotFound", err)
	}
}

func TestTerminalStateNeverReverts(t *testing.T) {
	backend := &fakeBackend{}
	e := newTestEngine(t, backend)

	job, _ := e.Submit(validSubmit())
	final := waitForTerminal(t, e, job.ID)

	// A late mutator targeting a terminal job must not resurrect it; the
	// engine's processing path only ever sets terminal states once, so the
	// snapshot returned to pollers stays frozen.
	again, _ := e.Status(job.ID)
	if again.Status != final.Status || again.TxHash != final.TxHash {
		t.Errorf("terminal snapshot changed: %+v vs %+v", again, final)
	}
}
