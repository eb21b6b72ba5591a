package zkproof

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"pufattest/internal/ecc"
)

// Proof is the prover's answer to a proof request.
type Proof struct {
	P ecc.Point
	V *big.Int
	W *big.Int
}

// Commit returns s1·g + s2·h.
func Commit(g, h ecc.Point, s1, s2 *big.Int) (ecc.Point, error) {
	a, err := ecc.ScalarMul(s1, g)
	if err != nil {
		return ecc.Point{}, err
	}
	b, err := ecc.ScalarMul(s2, h)
	if err != nil {
		return ecc.Point{}, err
	}
	return ecc.Add(a, b)
}

// Prove produces a proof of knowledge of s1, s2 for the commitment
// s1·g + s2·h, bound to nonce. Blinding scalars are drawn from random, or
// crypto/rand when random is nil.
func Prove(random io.Reader, g, h ecc.Point, s1, s2, nonce *big.Int) (*Proof, error) {
	if random == nil {
		random = rand.Reader
	}
	n := ecc.Order()

	r1, err := randScalar(random, n)
	if err != nil {
		return nil, err
	}
	r2, err := randScalar(random, n)
	if err != nil {
		return nil, err
	}

	p, err := Commit(g, h, r1, r2)
	if err != nil {
		return nil, fmt.Errorf("blinding point: %w", err)
	}
	alpha, err := Challenge(p, nonce)
	if err != nil {
		return nil, err
	}

	v := new(big.Int).Mul(alpha, s1)
	v.Add(v, r1).Mod(v, n)
	w := new(big.Int).Mul(alpha, s2)
	w.Add(w, r2).Mod(w, n)

	return &Proof{P: p, V: v, W: w}, nil
}

func randScalar(random io.Reader, n *big.Int) (*big.Int, error) {
	for {
		k, err := rand.Int(random, n)
		if err != nil {
			return nil, fmt.Errorf("random scalar: %w", err)
		}
		if k.Sign() != 0 {
			return k, nil
		}
	}
}
