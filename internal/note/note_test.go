package note

import (
	"bytes"
	"math/big"
	"strings"
	"testing"

	"zkpulse-backend/internal/fieldhash"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	n, err := NewRandom()
	if err != nil {
		t.Fatalf("NewRandom failed: %v", err)
	}

	s := n.Encode("10M")
	d, err := Decode(s)
	if err != nil {
		t.Fatalf("Decode failed for %q: %v", s, err)
	}

	if d.Note.Nullifier.Cmp(n.Nullifier) != 0 {
		t.Errorf("nullifier mismatch: got %s want %s", d.Note.Nullifier, n.Nullifier)
	}
	if d.Note.Secret.Cmp(n.Secret) != 0 {
		t.Errorf("secret mismatch: got %s want %s", d.Note.Secret, n.Secret)
	}
	if d.Denomination != "10M" {
		t.Errorf("denomination mismatch: got %s", d.Denomination)
	}
	if d.NetID != NetworkID {
		t.Errorf("netId mismatch: got %d", d.NetID)
	}
	if d.Currency != Currency {
		t.Errorf("currency mismatch: got %s", d.Currency)
	}
}

func TestEncodePreservesLeadingZeros(t *testing.T) {
	// Small values must still produce the fixed 124-char payload.
	n := &Note{Nullifier: big.NewInt(5), Secret: big.NewInt(7)}

	s := n.Encode("1")
	parts := strings.Split(s, "-")
	if len(parts) != 5 {
		t.Fatalf("unexpected note shape: %q", s)
	}
	payload := strings.TrimPrefix(parts[4], "0x")
	if len(payload) != 124 {
		t.Fatalf("payload width %d, want 124", len(payload))
	}

	d, err := Decode(s)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if d.Note.Nullifier.Cmp(n.Nullifier) != 0 || d.Note.Secret.Cmp(n.Secret) != 0 {
		t.Errorf("round trip lost small values")
	}
}

func TestDecodeRejectsWrongWidth(t *testing.T) {
	cases := map[string]string{
		"128 hex chars": "tornado-pls-1M-369-0x" + strings.Repeat("ab", 64),
		"shorter":       "tornado-pls-1M-369-0x" + strings.Repeat("ab", 60),
		"odd length":    "tornado-pls-1M-369-0x" + strings.Repeat("a", 123),
		"empty payload": "tornado-pls-1M-369-0x",
		"no payload":    "tornado-pls-1M-369",
		"wrong prefix":  "cyclone-pls-1M-369-0x" + strings.Repeat("ab", 62),
		"garbage":       "not a note",
	}
	for name, s := range cases {
		if _, err := Decode(s); err != ErrInvalidFormat {
			t.Errorf("%s: got err %v, want ErrInvalidFormat", name, err)
		}
	}
}

func TestDecodeAcceptsCanonicalWidth(t *testing.T) {
	s := "tornado-pls-100M-369-0x" + strings.Repeat("0a", 62)
	if _, err := Decode(s); err != nil {
		t.Fatalf("canonical note rejected: %v", err)
	}
}

func TestOversizedValuesReduced(t *testing.T) {
	// Fields are exported, so a caller can build a Note wider than 31 bytes.
	// Serialization must keep the low 248 bits instead of panicking.
	wide := new(big.Int).Lsh(big.NewInt(1), 255)
	wide.Or(wide, big.NewInt(0x42))
	n := &Note{Nullifier: wide, Secret: new(big.Int).Set(wide)}

	p := n.Preimage()
	if len(p) != 62 {
		t.Fatalf("preimage length %d, want 62", len(p))
	}
	if p[0] != 0x42 {
		t.Errorf("low byte lost: % x", p[:4])
	}

	s := n.Encode("1M")
	d, err := Decode(s)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	want := new(big.Int).And(wide, new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 248), big.NewInt(1)))
	if d.Note.Nullifier.Cmp(want) != 0 {
		t.Errorf("nullifier not reduced mod 2^248: got %s want %s", d.Note.Nullifier, want)
	}
}

func TestCommitmentDeterministic(t *testing.T) {
	o := fieldhash.MiMC{}
	n := &Note{Nullifier: big.NewInt(12345), Secret: big.NewInt(67890)}

	c1 := n.Commitment(o)
	c2 := n.Commitment(o)
	if c1.Cmp(c2) != 0 {
		t.Errorf("commitment not deterministic: %s vs %s", c1, c2)
	}

	h1 := n.NullifierHash(o)
	h2 := n.NullifierHash(o)
	if h1.Cmp(h2) != 0 {
		t.Errorf("nullifier hash not deterministic: %s vs %s", h1, h2)
	}

	if c1.Cmp(h1) == 0 {
		t.Errorf("commitment and nullifier hash collide")
	}
	if c1.Cmp(fieldhash.Modulus()) >= 0 {
		t.Errorf("commitment exceeds field modulus")
	}
}

func TestCommitmentBindsBothValues(t *testing.T) {
	o := fieldhash.MiMC{}
	a := &Note{Nullifier: big.NewInt(1), Secret: big.NewInt(2)}
	b := &Note{Nullifier: big.NewInt(1), Secret: big.NewInt(3)}
	if a.Commitment(o).Cmp(b.Commitment(o)) == 0 {
		t.Errorf("commitment ignores secret")
	}
}

func TestPreimageLayout(t *testing.T) {
	n := &Note{Nullifier: big.NewInt(0x01), Secret: big.NewInt(0x02)}
	p := n.Preimage()
	if len(p) != 62 {
		t.Fatalf("preimage length %d, want 62", len(p))
	}
	// Little-endian: the value sits in the first byte of each half.
	if p[0] != 0x01 || p[31] != 0x02 {
		t.Errorf("preimage not little-endian: % x", p[:4])
	}
	if !bytes.Equal(p[1:31], make([]byte, 30)) {
		t.Errorf("nullifier half not zero padded")
	}
}
