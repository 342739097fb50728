package prover

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

// Client calls the external proving service over HTTP. The service holds the
// circuit and proving key; this client only ships witnesses and receives
// contract-ready proof bytes.
type Client struct {
	BaseURL    string
	TreeHeight int
	httpClient *http.Client
	log        *logrus.Logger
}

// NewClient builds a proving client. timeout bounds a single proof run,
// which can take tens of seconds.
func NewClient(baseURL string, treeHeight int, timeout time.Duration, log *logrus.Logger) *Client {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		BaseURL:    baseURL,
		TreeHeight: treeHeight,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

// witnessRequest is the wire layout of the circuit input. Field elements go
// as decimal strings, matching the witness names the circuit declares.
type witnessRequest struct {
	Root          string   `json:"root"`
	NullifierHash string   `json:"nullifierHash"`
	Recipient     string   `json:"recipient"`
	Relayer       string   `json:"relayer"`
	Fee           string   `json:"fee"`
	Refund        string   `json:"refund"`
	Nullifier     string   `json:"nullifier"`
	Secret        string   `json:"secret"`
	PathElements  []string `json:"pathElements"`
	PathIndices   []int    `json:"pathIndices"`
}

type proofResponse struct {
	Success      bool    `json:"success"`
	Proof        string  `json:"proof"`
	ErrorMessage *string `json:"errorMessage"`
}

// Prove generates a proof for the input. The returned string is the
// 0x-prefixed proof blob the contract's withdraw call takes verbatim.
func (c *Client) Prove(ctx context.Context, in *Input) (string, error) {
	if err := in.Validate(c.TreeHeight); err != nil {
		return "", err
	}

	req := witnessRequest{
		Root:          in.Root.String(),
		NullifierHash: in.NullifierHash.String(),
		Recipient:     in.Recipient.Big().String(),
		Relayer:       in.Relayer.Big().String(),
		Fee:           in.Fee.String(),
		Refund:        in.Refund.String(),
		Nullifier:     in.Nullifier.String(),
		Secret:        in.Secret.String(),
		PathElements:  make([]string, len(in.PathElements)),
		PathIndices:   in.PathIndices,
	}
	for i, e := range in.PathElements {
		req.PathElements[i] = e.String()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal witness: %w", err)
	}

	started := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/proof/withdraw", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build proof request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.log.WithError(err).Error("proving service unreachable")
		return "", fmt.Errorf("%w: %v", ErrProvingUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read proof response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.log.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"body":   string(respBody),
		}).Error("proving service returned error")
		if resp.StatusCode >= http.StatusInternalServerError {
			return "", fmt.Errorf("%w: status %d", ErrProvingUnavailable, resp.StatusCode)
		}
		return "", fmt.Errorf("%w: proving service rejected witness (status %d)", ErrInvalidInput, resp.StatusCode)
	}

	var result proofResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("unmarshal proof response: %w", err)
	}
	if !result.Success || result.Proof == "" {
		msg := "no proof returned"
		if result.ErrorMessage != nil {
			msg = *result.ErrorMessage
		}
		return "", fmt.Errorf("%w: %s", ErrProvingUnavailable, msg)
	}

	c.log.WithField("duration", time.Since(started).String()).Info("proof generated")
	return result.Proof, nil
}
