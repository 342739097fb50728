package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// RelayerClient talks to the relayer service over HTTP. It satisfies
// RelayerSubmitter for the withdrawal pipeline.
type RelayerClient struct {
	BaseURL    string
	httpClient *http.Client
	log        *logrus.Logger
}

// NewRelayerClient builds a client for the relayer at baseURL.
func NewRelayerClient(baseURL string, timeout time.Duration, log *logrus.Logger) *RelayerClient {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &RelayerClient{
		BaseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

type relayerSubmitRequest struct {
	Proof    string   `json:"proof"`
	Args     []string `json:"args"`
	Contract string   `json:"contract"`
}

type relayerSubmitResponse struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// SubmitWithdrawal posts the proof to the relayer and returns the job id.
func (r *RelayerClient) SubmitWithdrawal(ctx context.Context, proof string, args [6]string, contract string) (string, error) {
	body, err := json.Marshal(relayerSubmitRequest{
		Proof:    proof,
		Args:     args[:],
		Contract: contract,
	})
	if err != nil {
		return "", fmt.Errorf("marshal relayer request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.BaseURL+"/v1/tornadoWithdraw", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build relayer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("relayer unreachable: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read relayer response: %w", err)
	}

	var parsed relayerSubmitResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("parse relayer response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != "" {
			return "", fmt.Errorf("relayer rejected withdrawal: %s", parsed.Error)
		}
		return "", fmt.Errorf("relayer returned status %d", resp.StatusCode)
	}
	if parsed.ID == "" {
		return "", fmt.Errorf("relayer response missing job id")
	}

	r.log.WithField("jobId", parsed.ID).Info("withdrawal forwarded to relayer")
	return parsed.ID, nil
}
