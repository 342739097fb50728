// Package prover assembles withdraw circuit inputs and drives the external
// proving service. Proof generation itself is a black box behind HTTP; this
// package owns the public/private input split and the fixed-width encoding of
// the contract's argument tuple.
package prover

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrProvingUnavailable means the circuit/proving-key service cannot
	// serve requests. Operator intervention required; not retryable.
	ErrProvingUnavailable = errors.New("proving service unavailable")

	// ErrInvalidInput means the assembled inputs cannot form a valid
	// witness (wrong path length, out-of-range elements).
	ErrInvalidInput = errors.New("invalid proof input")
)

// Input is the full witness for the withdraw circuit: six public inputs
// followed by the private note material and merkle path.
type Input struct {
	// Public.
	Root          *big.Int
	NullifierHash *big.Int
	Recipient     common.Address
	Relayer       common.Address
	Fee           *big.Int
	Refund        *big.Int

	// Private.
	Nullifier    *big.Int
	Secret       *big.Int
	PathElements []*big.Int
	PathIndices  []int
}

// Validate checks the input against the tree height before any network call.
func (in *Input) Validate(treeHeight int) error {
	if in.Root == nil || in.NullifierHash == nil || in.Nullifier == nil || in.Secret == nil {
		return fmt.Errorf("%w: missing field element", ErrInvalidInput)
	}
	if len(in.PathElements) != treeHeight {
		return fmt.Errorf("%w: path has %d elements, tree height is %d", ErrInvalidInput, len(in.PathElements), treeHeight)
	}
	if len(in.PathIndices) != treeHeight {
		return fmt.Errorf("%w: path has %d indices, tree height is %d", ErrInvalidInput, len(in.PathIndices), treeHeight)
	}
	for i, idx := range in.PathIndices {
		if idx != 0 && idx != 1 {
			return fmt.Errorf("%w: path index %d is %d, want 0 or 1", ErrInvalidInput, i, idx)
		}
	}
	if in.Fee == nil {
		in.Fee = new(big.Int)
	}
	if in.Refund == nil {
		in.Refund = new(big.Int)
	}
	return nil
}

// Args returns the ordered public-input tuple the contract's withdraw call
// expects: [root, nullifierHash, recipient, relayer, fee, refund], hashes as
// 32 bytes and addresses as 20 bytes, all 0x-prefixed hex.
func (in *Input) Args() [6]string {
	return [6]string{
		ToHex(in.Root, 32),
		ToHex(in.NullifierHash, 32),
		ToHex(new(big.Int).SetBytes(in.Recipient.Bytes()), 20),
		ToHex(new(big.Int).SetBytes(in.Relayer.Bytes()), 20),
		ToHex(in.Fee, 32),
		ToHex(in.Refund, 32),
	}
}

// ToHex encodes v as 0x-prefixed hex padded to length bytes.
func ToHex(v *big.Int, length int) string {
	if v == nil {
		v = new(big.Int)
	}
	return fmt.Sprintf("0x%0*x", 2*length, v)
}
