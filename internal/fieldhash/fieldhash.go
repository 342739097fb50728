// Package fieldhash provides the hash primitives shared by the note codec and the
// merkle reconstructor. The deployed pools commit with the same primitives inside
// the withdraw circuit, so both sides of the protocol must byte-match this package.
package fieldhash

import (
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
)

// Oracle is the hash surface the core consumes. Implementations must be pure:
// identical inputs always produce identical outputs.
type Oracle interface {
	// HashPreimage hashes raw preimage bytes into a field element.
	// Used for commitments and nullifier hashes.
	HashPreimage(data []byte) *big.Int

	// HashPair hashes an ordered (left, right) node pair.
	// Used for merkle tree levels.
	HashPair(left, right *big.Int) *big.Int
}

// Modulus returns the scalar field order all note values must stay below.
func Modulus() *big.Int {
	return fr.Modulus()
}

// MiMC is the default Oracle, backed by gnark-crypto's MiMC over the BN254
// scalar field. Preimage bytes are split into 31-byte little-endian limbs so
// every limb is a canonical field element regardless of input.
type MiMC struct{}

const limbSize = 31

func (MiMC) HashPreimage(data []byte) *big.Int {
	h := mimc.NewMiMC()
	for start := 0; start < len(data); start += limbSize {
		end := start + limbSize
		if end > len(data) {
			end = len(data)
		}
		writeElement(h, limbToInt(data[start:end]))
	}
	return new(big.Int).SetBytes(h.Sum(nil))
}

func (MiMC) HashPair(left, right *big.Int) *big.Int {
	h := mimc.NewMiMC()
	writeElement(h, left)
	writeElement(h, right)
	return new(big.Int).SetBytes(h.Sum(nil))
}

// limbToInt interprets a limb as a little-endian integer, matching the
// leBuff2int convention the deposit side uses for note material.
func limbToInt(limb []byte) *big.Int {
	le := make([]byte, len(limb))
	for i, b := range limb {
		le[len(limb)-1-i] = b
	}
	return new(big.Int).SetBytes(le)
}

// writeElement feeds v to the hash as one canonical 32-byte field element.
func writeElement(h interface{ Write(p []byte) (int, error) }, v *big.Int) {
	var e fr.Element
	e.SetBigInt(v)
	b := e.Bytes()
	h.Write(b[:])
}
