package ecc

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
)

// maxHashAttempts bounds the try-and-increment loop. Roughly half of all x
// values are on the curve, so exhausting it is practically impossible.
const maxHashAttempts = 256

// HashToPoint deterministically maps domain to a curve point whose discrete
// logarithm with respect to G is unknown. It hashes domain with a counter
// until the digest, reduced mod p, is the x coordinate of a curve point and
// returns the root with even y.
func HashToPoint(domain []byte) (Point, error) {
	var ctr [4]byte
	for i := uint32(0); i < maxHashAttempts; i++ {
		binary.BigEndian.PutUint32(ctr[:], i)

		h := sha256.New()
		h.Write(domain)
		h.Write(ctr[:])

		x := new(big.Int).SetBytes(h.Sum(nil))
		x.Mod(x, fieldP)

		y := new(big.Int).ModSqrt(curveRHS(x), fieldP)
		if y == nil || y.Sign() == 0 {
			continue
		}
		if y.Bit(0) == 1 {
			y.Sub(fieldP, y)
		}
		return Point{X: x, Y: y}, nil
	}
	return Point{}, fmt.Errorf("%w: hash to point exhausted for %q", ErrArithmetic, domain)
}
