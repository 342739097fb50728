package handlers

import (
	"context"
	"math/big"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"zkpulse-backend/internal/fees"
	"zkpulse-backend/internal/relayer"
)

// relayerChain is a minimal happy-path relayer.Backend.
type relayerChain struct{}

func (relayerChain) EstimateWithdraw(ctx context.Context, from, to common.Address, data []byte) (uint64, error) {
	return 100_000, nil
}

func (relayerChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (relayerChain) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (relayerChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return nil
}

func (relayerChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: txHash}, nil
}

func newRelayerFixture(t *testing.T) (*gin.Engine, *relayer.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	cfg := testConfig(t)
	cfg.Network.ChainID = 369

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	engine := relayer.NewEngine(relayer.Config{
		RelayerAddress: common.HexToAddress(cfg.Relayer.Address),
		ChainID:        big.NewInt(cfg.Network.ChainID),
		Contracts:      map[string]common.Address{"1M": common.HexToAddress(testPoolAddr)},
		ConfirmTimeout: 5 * time.Second,
	}, relayerChain{}, key, log)

	api := NewRelayerAPI(cfg, engine, fees.DefaultSchedule(), &fakeGas{price: big.NewInt(1_000_000_000)}, log)

	r := gin.New()
	r.GET("/status", api.Status)
	r.GET("/v1/tornadoFee", api.Fee)
	r.POST("/v1/tornadoWithdraw", api.Withdraw)
	r.GET("/v1/jobs/:jobId", api.Job)
	return r, engine
}

// submission builds a valid withdrawal body. The fee arg covers the 1M
// minimum of 5000 PLS.
func submission(relayerAddr string) gin.H {
	fee := new(big.Int).Mul(big.NewInt(6000), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	return gin.H{
		"proof":    "0x" + strings.Repeat("cd", 256),
		"contract": testPoolAddr,
		"args": []string{
			"0x" + strings.Repeat("11", 32),
			"0x" + strings.Repeat("22", 32),
			"0x3333333333333333333333333333333333333333",
			relayerAddr,
			"0x" + fee.Text(16),
			"0x0",
		},
	}
}

func TestRelayerStatus(t *testing.T) {
	r, _ := newRelayerFixture(t)

	w := getPath(t, r, "/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["relayerAddress"] != "0x9999999999999999999999999999999999999999" {
		t.Errorf("relayerAddress = %v", body["relayerAddress"])
	}
	contracts := body["contracts"].(map[string]interface{})
	if contracts["1M"] != testPoolAddr {
		t.Errorf("contracts = %v", contracts)
	}
}

func TestRelayerFeeEndpoint(t *testing.T) {
	r, _ := newRelayerFixture(t)

	w := getPath(t, r, "/v1/tornadoFee?denomination=1M")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	expected, _ := fees.DefaultSchedule().Calculate("1M", big.NewInt(1_000_000_000))
	if decodeBody(t, w)["feeWei"] != expected.String() {
		t.Errorf("feeWei mismatch: %s", w.Body.String())
	}

	w = getPath(t, r, "/v1/tornadoFee")
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing denomination: status %d, want 400", w.Code)
	}
}

func TestRelayerWithdrawAcceptsAndCompletes(t *testing.T) {
	r, engine := newRelayerFixture(t)

	w := postJSON(t, r, "/v1/tornadoWithdraw", submission("0x9999999999999999999999999999999999999999"))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	jobID, ok := decodeBody(t, w)["id"].(string)
	if !ok || jobID == "" {
		t.Fatalf("no job id in response: %s", w.Body.String())
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := engine.Status(jobID)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if job.Status == relayer.StatusCompleted {
			break
		}
		if job.Status == relayer.StatusFailed {
			t.Fatalf("job failed: %s", job.Error)
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %q", job.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	w = getPath(t, r, "/v1/jobs/"+jobID)
	if w.Code != http.StatusOK {
		t.Fatalf("jobs endpoint: status %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != relayer.StatusCompleted {
		t.Errorf("status = %v", body["status"])
	}
	if body["txHash"] == nil || body["txHash"] == "" {
		t.Errorf("completed job missing txHash")
	}
}

func TestRelayerWithdrawRejections(t *testing.T) {
	r, _ := newRelayerFixture(t)

	// Foreign contract.
	req := submission("0x9999999999999999999999999999999999999999")
	req["contract"] = "0x1212121212121212121212121212121212121212"
	w := postJSON(t, r, "/v1/tornadoWithdraw", req)
	if w.Code != http.StatusBadRequest || decodeBody(t, w)["code"] != "CONTRACT_NOT_ALLOWED" {
		t.Errorf("foreign contract: %d %s", w.Code, w.Body.String())
	}

	// Proof bound to someone else.
	w = postJSON(t, r, "/v1/tornadoWithdraw", submission("0x4444444444444444444444444444444444444444"))
	if w.Code != http.StatusBadRequest || decodeBody(t, w)["code"] != "RELAYER_MISMATCH" {
		t.Errorf("relayer mismatch: %d %s", w.Code, w.Body.String())
	}

	// Fee below the schedule minimum.
	req = submission("0x9999999999999999999999999999999999999999")
	req["args"].([]string)[4] = "0x1"
	w = postJSON(t, r, "/v1/tornadoWithdraw", req)
	if w.Code != http.StatusBadRequest || decodeBody(t, w)["code"] != "FEE_TOO_LOW" {
		t.Errorf("low fee: %d %s", w.Code, w.Body.String())
	}

	// Missing fields.
	w = postJSON(t, r, "/v1/tornadoWithdraw", gin.H{"proof": "0xab"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing fields: status %d", w.Code)
	}
}

func TestRelayerJobLookup(t *testing.T) {
	r, _ := newRelayerFixture(t)

	w := getPath(t, r, "/v1/jobs/not-a-uuid")
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed id: status %d, want 400", w.Code)
	}

	w = getPath(t, r, "/v1/jobs/00000000-0000-4000-8000-000000000000")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown id: status %d, want 404", w.Code)
	}
}
