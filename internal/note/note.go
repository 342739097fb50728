// Package note implements the shareable deposit note: two 31-byte field
// elements serialized into the fixed textual grammar
//
//	<prefix>-<currency>-<denomination>-<netId>-0x<124 hex chars>
//
// The payload is the little-endian concatenation of (nullifier, secret).
// The width is canonical: 62+62 hex characters, leading zeros preserved.
// Any other payload length is rejected outright, because deriving a
// commitment from a reinterpreted preimage silently points at the wrong leaf.
package note

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"regexp"

	"zkpulse-backend/internal/fieldhash"
)

const (
	// Prefix and currency of every note this deployment issues.
	Prefix   = "tornado"
	Currency = "pls"

	// NetworkID is the chain the pools live on.
	NetworkID = 369

	secretBytes = 31
	payloadHex  = 4 * secretBytes // 124 hex chars
)

// ErrInvalidFormat is returned for anything that does not match the canonical
// note grammar, including payloads of a non-canonical width.
var ErrInvalidFormat = errors.New("note has invalid format")

var noteRegex = regexp.MustCompile(`^([a-z]+)-([a-z]+)-([0-9.]+[MB]?)-(\d+)-0x([0-9a-fA-F]+)$`)

// Note is the user secret pair. It is never persisted server-side. Both
// values are 31-byte little-endian integers; anything wider is reduced
// mod 2^248 when serialized.
type Note struct {
	Nullifier *big.Int
	Secret    *big.Int
}

// New samples a fresh note from r. Both values are 31-byte little-endian
// integers and therefore always below the scalar field modulus.
func New(r io.Reader) (*Note, error) {
	nullifier, err := randomElement(r)
	if err != nil {
		return nil, fmt.Errorf("sample nullifier: %w", err)
	}
	secret, err := randomElement(r)
	if err != nil {
		return nil, fmt.Errorf("sample secret: %w", err)
	}
	return &Note{Nullifier: nullifier, Secret: secret}, nil
}

// NewRandom samples a fresh note from crypto/rand.
func NewRandom() (*Note, error) {
	return New(rand.Reader)
}

func randomElement(r io.Reader) (*big.Int, error) {
	buf := make([]byte, secretBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return leBytesToInt(buf), nil
}

// Preimage returns LE31(nullifier) || LE31(secret), the exact bytes the
// deposit side hashed into the on-chain commitment.
func (n *Note) Preimage() []byte {
	out := make([]byte, 0, 2*secretBytes)
	out = append(out, intToLEBytes(n.Nullifier)...)
	out = append(out, intToLEBytes(n.Secret)...)
	return out
}

// Commitment derives the tree leaf for this note.
func (n *Note) Commitment(o fieldhash.Oracle) *big.Int {
	return o.HashPreimage(n.Preimage())
}

// NullifierHash derives the value recorded on-chain at withdrawal.
func (n *Note) NullifierHash(o fieldhash.Oracle) *big.Int {
	return o.HashPreimage(intToLEBytes(n.Nullifier))
}

// Encode serializes the note into its shareable string for the given
// denomination label (e.g. "1M").
func (n *Note) Encode(denomination string) string {
	return fmt.Sprintf("%s-%s-%s-%d-0x%s", Prefix, Currency, denomination, NetworkID,
		hex.EncodeToString(n.Preimage()))
}

// Decoded is the result of parsing a note string.
type Decoded struct {
	Note         *Note
	Currency     string
	Denomination string
	NetID        int
}

// Decode parses a note string. The payload must be exactly 124 hex characters;
// notes produced by non-conforming encoders (e.g. 128 chars) fail here rather
// than deriving a mismatched commitment downstream.
func Decode(s string) (*Decoded, error) {
	m := noteRegex.FindStringSubmatch(s)
	if m == nil {
		return nil, ErrInvalidFormat
	}
	if m[1] != Prefix {
		return nil, ErrInvalidFormat
	}
	if len(m[5]) != payloadHex {
		return nil, ErrInvalidFormat
	}
	payload, err := hex.DecodeString(m[5])
	if err != nil {
		return nil, ErrInvalidFormat
	}

	var netID int
	if _, err := fmt.Sscanf(m[4], "%d", &netID); err != nil {
		return nil, ErrInvalidFormat
	}

	return &Decoded{
		Note: &Note{
			Nullifier: leBytesToInt(payload[:secretBytes]),
			Secret:    leBytesToInt(payload[secretBytes:]),
		},
		Currency:     m[2],
		Denomination: m[3],
		NetID:        netID,
	}, nil
}

// intToLEBytes writes v as exactly 31 little-endian bytes, keeping only the
// low 31 bytes of wider values.
func intToLEBytes(v *big.Int) []byte {
	be := v.Bytes()
	if len(be) > secretBytes {
		be = be[len(be)-secretBytes:]
	}
	out := make([]byte, secretBytes)
	for i, b := range be {
		out[len(be)-1-i] = b
	}
	return out
}

func leBytesToInt(le []byte) *big.Int {
	be := make([]byte, len(le))
	for i, b := range le {
		be[len(le)-1-i] = b
	}
	return new(big.Int).SetBytes(be)
}
