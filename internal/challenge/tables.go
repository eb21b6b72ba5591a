package challenge

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Widths of the challenge inputs.
const (
	ChallengeSize = 32
	NonceSize     = 64
)

// Set holds the challenge inputs a verifier sends to the prover. It is
// treated as immutable once handed to an orchestrator.
type Set struct {
	CommitmentP1 []byte
	CommitmentP2 []byte
	ProofsP1     []byte
	ProofsP2     []byte
	Nonce        []byte
}

var (
	defaultChallengeP1 = mustHex("d13353e86b41f94c8877f68fb95aad0a35820695e2037413bd57a9c447df11d9")
	defaultChallengeP2 = mustHex("8899aabbccddeeff00112233445566778899aabbccddeeff0011223344556677")
	defaultNonce       = bytes.Repeat(mustHex("8899aabbccddeeff0011223344556677"), 4)
)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

// DefaultSet returns the challenge table deployed provers are enrolled
// with. The commitment and proof phases use the same challenge pair.
func DefaultSet() Set {
	return Set{
		CommitmentP1: bytes.Clone(defaultChallengeP1),
		CommitmentP2: bytes.Clone(defaultChallengeP2),
		ProofsP1:     bytes.Clone(defaultChallengeP1),
		ProofsP2:     bytes.Clone(defaultChallengeP2),
		Nonce:        bytes.Clone(defaultNonce),
	}
}

// ParseSet decodes a set from hex strings. Empty strings keep the default.
func ParseSet(commitP1, commitP2, proofsP1, proofsP2, nonce string) (Set, error) {
	s := DefaultSet()
	fields := []struct {
		name string
		text string
		dst  *[]byte
	}{
		{"commitment_p1", commitP1, &s.CommitmentP1},
		{"commitment_p2", commitP2, &s.CommitmentP2},
		{"proofs_p1", proofsP1, &s.ProofsP1},
		{"proofs_p2", proofsP2, &s.ProofsP2},
		{"nonce", nonce, &s.Nonce},
	}
	for _, f := range fields {
		if f.text == "" {
			continue
		}
		b, err := hex.DecodeString(f.text)
		if err != nil {
			return Set{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = b
	}
	return s, s.Validate()
}

// Validate checks portion widths.
func (s Set) Validate() error {
	for name, b := range map[string][]byte{
		"commitment_p1": s.CommitmentP1,
		"commitment_p2": s.CommitmentP2,
		"proofs_p1":     s.ProofsP1,
		"proofs_p2":     s.ProofsP2,
	} {
		if len(b) != ChallengeSize {
			return fmt.Errorf("%s must be %d bytes, got %d", name, ChallengeSize, len(b))
		}
	}
	if len(s.Nonce) != NonceSize {
		return fmt.Errorf("nonce must be %d bytes, got %d", NonceSize, len(s.Nonce))
	}
	return nil
}

// CommitmentRequest builds the GET_COMMITMENT request.
func (s Set) CommitmentRequest(id FunctionID) *FunctionCall {
	c := Construct(id, PatternCommitment)
	copy(c.Portions[0].Data, s.CommitmentP1)
	copy(c.Portions[1].Data, s.CommitmentP2)
	return c
}

// ProofsRequest builds the GET_ZK_PROOFS request.
func (s Set) ProofsRequest(id FunctionID) *FunctionCall {
	c := Construct(id, PatternProofs)
	copy(c.Portions[0].Data, s.ProofsP1)
	copy(c.Portions[1].Data, s.ProofsP2)
	copy(c.Portions[2].Data, s.Nonce)
	return c
}
