// Package contract is the fixed on-chain surface the core drives: the pool's
// commitments/isSpent views, its Deposit event, and the withdraw call. The
// contract itself is treated as a correct black box; nothing here re-derives
// its semantics.
package contract

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"zkpulse-backend/internal/events"
)

// poolABI is the subset of the pool contract this backend touches.
const poolABI = `[
	{"inputs":[{"name":"","type":"bytes32"}],"name":"commitments","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"_nullifierHash","type":"bytes32"}],"name":"isSpent","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"},
	{"inputs":[
		{"name":"_proof","type":"bytes"},
		{"name":"_root","type":"bytes32"},
		{"name":"_nullifierHash","type":"bytes32"},
		{"name":"_recipient","type":"address"},
		{"name":"_relayer","type":"address"},
		{"name":"_fee","type":"uint256"},
		{"name":"_refund","type":"uint256"}],
	 "name":"withdraw","outputs":[],"stateMutability":"payable","type":"function"},
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"commitment","type":"bytes32"},
		{"indexed":false,"name":"leafIndex","type":"uint32"},
		{"indexed":false,"name":"timestamp","type":"uint256"}],
	 "name":"Deposit","type":"event"}
]`

var parsedABI = mustParseABI()

func mustParseABI() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(poolABI))
	if err != nil {
		panic(fmt.Sprintf("contract: bad pool ABI: %v", err))
	}
	return parsed
}

// Caller is the read-side RPC surface Pool needs. *ethclient.Client satisfies it.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Pool reads one deployed pool contract.
type Pool struct {
	Address common.Address
	caller  Caller
}

// NewPool binds a pool at address through caller.
func NewPool(address common.Address, caller Caller) *Pool {
	return &Pool{Address: address, caller: caller}
}

func (p *Pool) callBool(ctx context.Context, method string, arg [32]byte) (bool, error) {
	data, err := parsedABI.Pack(method, arg)
	if err != nil {
		return false, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := p.caller.CallContract(ctx, ethereum.CallMsg{To: &p.Address, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("call %s: %w", method, err)
	}
	results, err := parsedABI.Unpack(method, out)
	if err != nil {
		return false, fmt.Errorf("unpack %s: %w", method, err)
	}
	value, ok := results[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected %s return type %T", method, results[0])
	}
	return value, nil
}

// CommitmentExists reports whether the commitment was ever deposited.
func (p *Pool) CommitmentExists(ctx context.Context, commitment common.Hash) (bool, error) {
	return p.callBool(ctx, "commitments", commitment)
}

// IsSpent reports whether the nullifier hash was already used to withdraw.
func (p *Pool) IsSpent(ctx context.Context, nullifierHash common.Hash) (bool, error) {
	return p.callBool(ctx, "isSpent", nullifierHash)
}

// PackWithdraw builds the withdraw calldata from the proof and the public
// input tuple the proof binds.
func PackWithdraw(proof []byte, root, nullifierHash common.Hash, recipient, relayer common.Address, fee, refund *big.Int) ([]byte, error) {
	return parsedABI.Pack("withdraw", proof, [32]byte(root), [32]byte(nullifierHash), recipient, relayer, fee, refund)
}

// ChainSource implements events.Source over an ethclient.
type ChainSource struct {
	client *ethclient.Client
}

// NewChainSource wraps client as an event source.
func NewChainSource(client *ethclient.Client) *ChainSource {
	return &ChainSource{client: client}
}

// CurrentBlock returns the chain head number.
func (s *ChainSource) CurrentBlock(ctx context.Context) (uint64, error) {
	return s.client.BlockNumber(ctx)
}

// DepositLeaves fetches and decodes the pool's Deposit events in [from, to].
func (s *ChainSource) DepositLeaves(ctx context.Context, pool string, from, to uint64) ([]events.DepositLeaf, error) {
	depositTopic := parsedABI.Events["Deposit"].ID
	logs, err := s.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{common.HexToAddress(pool)},
		Topics:    [][]common.Hash{{depositTopic}},
	})
	if err != nil {
		return nil, fmt.Errorf("filter deposit logs [%d,%d]: %w", from, to, err)
	}

	out := make([]events.DepositLeaf, 0, len(logs))
	for _, lg := range logs {
		leaf, err := decodeDeposit(lg)
		if err != nil {
			return nil, err
		}
		out = append(out, leaf)
	}
	return out, nil
}

func decodeDeposit(lg types.Log) (events.DepositLeaf, error) {
	if len(lg.Topics) < 2 {
		return events.DepositLeaf{}, fmt.Errorf("deposit log %s missing commitment topic", lg.TxHash)
	}
	values, err := parsedABI.Unpack("Deposit", lg.Data)
	if err != nil {
		return events.DepositLeaf{}, fmt.Errorf("decode deposit log %s: %w", lg.TxHash, err)
	}
	leafIndex, ok := values[0].(uint32)
	if !ok {
		return events.DepositLeaf{}, fmt.Errorf("deposit log %s: unexpected leafIndex type %T", lg.TxHash, values[0])
	}
	timestamp, ok := values[1].(*big.Int)
	if !ok {
		return events.DepositLeaf{}, fmt.Errorf("deposit log %s: unexpected timestamp type %T", lg.TxHash, values[1])
	}
	return events.DepositLeaf{
		Commitment:  lg.Topics[1].Hex(),
		LeafIndex:   leafIndex,
		BlockNumber: lg.BlockNumber,
		Timestamp:   timestamp.Uint64(),
	}, nil
}
