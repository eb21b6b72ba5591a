// Package zkproof verifies the Chaum-Pedersen style proof a prover returns
// at the end of attestation.
//
// The prover holds PUF-derived secrets s1, s2 with COM = s1·g + s2·h. It
// picks r1, r2, publishes P = r1·g + r2·h and answers with
// v = r1 + α·s1 and w = r2 + α·s2 (mod n), where the Fiat-Shamir challenge
// α = SHA-256(P.x ‖ P.y ‖ nonce) binds the proof to P and the verifier's
// nonce. The verifier accepts iff v·g + w·h = P + α·COM.
package zkproof

import (
	"crypto/sha256"
	"fmt"
	"math/big"

	"pufattest/internal/bigutil"
	"pufattest/internal/ecc"
)

// NonceSize is the serialized nonce width in bytes.
const NonceSize = 64

// PreimageSize is the length of the challenge hash input.
const PreimageSize = 2*ecc.CoordinateSize + NonceSize

// Result is the outcome of a completed verification.
type Result int

const (
	Rejected Result = iota
	Accepted
)

func (r Result) String() string {
	if r == Accepted {
		return "accepted"
	}
	return "rejected"
}

// Transcript is everything the verifier collected from one attestation.
type Transcript struct {
	G     ecc.Point
	H     ecc.Point
	COM   ecc.Point
	P     ecc.Point
	Nonce *big.Int
	V     *big.Int
	W     *big.Int
}

// Preimage returns P.x ‖ P.y ‖ nonce with fixed widths 32, 32 and 64.
func Preimage(p ecc.Point, nonce *big.Int) ([]byte, error) {
	px, py, err := p.Coordinates()
	if err != nil {
		return nil, fmt.Errorf("commitment point: %w", err)
	}
	nb, err := bigutil.ToFixedWidthBytes(nonce, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	buf := make([]byte, 0, PreimageSize)
	buf = append(buf, px...)
	buf = append(buf, py...)
	return append(buf, nb...), nil
}

// Challenge derives α from P and the nonce. The digest is used as a
// 256-bit integer without reduction modulo the group order.
func Challenge(p ecc.Point, nonce *big.Int) (*big.Int, error) {
	pre, err := Preimage(p, nonce)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(pre)
	return bigutil.FromBytes(sum[:]), nil
}

// Verify checks v·g + w·h == P + α·COM. A failed equation, or a nonce that
// does not fit in NonceSize bytes, is Rejected with a nil error; a non-nil
// error means the check could not be carried out.
func Verify(t *Transcript) (Result, error) {
	if t.Nonce != nil && t.Nonce.BitLen() > 8*NonceSize {
		return Rejected, nil
	}
	alpha, err := Challenge(t.P, t.Nonce)
	if err != nil {
		return Rejected, err
	}

	vg, err := ecc.ScalarMul(t.V, t.G)
	if err != nil {
		return Rejected, fmt.Errorf("v·g: %w", err)
	}
	wh, err := ecc.ScalarMul(t.W, t.H)
	if err != nil {
		return Rejected, fmt.Errorf("w·h: %w", err)
	}
	lhs, err := ecc.Add(vg, wh)
	if err != nil {
		return Rejected, fmt.Errorf("left side: %w", err)
	}

	ac, err := ecc.ScalarMul(alpha, t.COM)
	if err != nil {
		return Rejected, fmt.Errorf("α·COM: %w", err)
	}
	rhs, err := ecc.Add(t.P, ac)
	if err != nil {
		return Rejected, fmt.Errorf("right side: %w", err)
	}

	if lhs.Equal(rhs) {
		return Accepted, nil
	}
	return Rejected, nil
}
