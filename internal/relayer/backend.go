package relayer

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the chain surface the engine needs. Production wraps an
// ethclient; tests substitute a scripted fake.
type Backend interface {
	EstimateWithdraw(ctx context.Context, from, to common.Address, data []byte) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// EthBackend adapts an ethclient to the Backend interface.
type EthBackend struct {
	client *ethclient.Client
}

// NewEthBackend wraps client.
func NewEthBackend(client *ethclient.Client) *EthBackend {
	return &EthBackend{client: client}
}

func (b *EthBackend) EstimateWithdraw(ctx context.Context, from, to common.Address, data []byte) (uint64, error) {
	return b.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
}

func (b *EthBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return b.client.SuggestGasPrice(ctx)
}

func (b *EthBackend) PendingNonce(ctx context.Context, account common.Address) (uint64, error) {
	return b.client.PendingNonceAt(ctx, account)
}

func (b *EthBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return b.client.SendTransaction(ctx, tx)
}

func (b *EthBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return b.client.TransactionReceipt(ctx, txHash)
}
