// Package ecc implements affine point arithmetic over the NIST P-256 curve
// from first principles on top of math/big.
//
// The curve is y² = x³ − 3x + b over the prime field GF(p). All operations
// are pure functions of their arguments and safe for concurrent use.
//
// # Point at infinity
//
// The group identity is encoded as the coordinate pair (0, 0). No point on
// P-256 has x = 0 and y = 0, so the encoding is unambiguous for points that
// satisfy the curve equation. Callers should test for it with
// Point.IsInfinity rather than comparing coordinates.
package ecc

import (
	"errors"
	"fmt"
	"math/big"
)

// CoordinateSize is the serialized width of a field element in bytes.
const CoordinateSize = 32

// ErrArithmetic is returned when a field operation is undefined, such as
// inverting zero.
var ErrArithmetic = errors.New("ecc: arithmetic failure")

// ErrNotOnCurve is returned by operations that require a valid curve point.
var ErrNotOnCurve = errors.New("ecc: point not on curve")

var (
	fieldP = hexInt("ffffffff00000001000000000000000000000000ffffffffffffffffffffffff")
	orderN = hexInt("ffffffff00000000ffffffffffffffffbce6faada7179e84f3b9cac2fc632551")
	coeffB = hexInt("5ac635d8aa3a93e7b3ebbd55769886bc651d06b0cc53b0f63bce3c3e27d2604b")
	genX   = hexInt("6b17d1f2e12c4247f8bce6e563a440f277037d812deb33a0f4a13945d898c296")
	genY   = hexInt("4fe342e2fe1a7f9b8ee7eb4a7c0f9e162bce33576b315ececbb6406837bf51f5")
	three  = big.NewInt(3)
	two    = big.NewInt(2)
)

func hexInt(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("ecc: bad constant " + s)
	}
	return v
}

// Prime returns the field modulus p = 2^256 − 2^224 + 2^192 + 2^96 − 1.
func Prime() *big.Int { return new(big.Int).Set(fieldP) }

// Order returns the order n of the base point.
func Order() *big.Int { return new(big.Int).Set(orderN) }

// B returns the curve coefficient b.
func B() *big.Int { return new(big.Int).Set(coeffB) }

// Generator returns the standard P-256 base point G.
func Generator() Point {
	return Point{X: new(big.Int).Set(genX), Y: new(big.Int).Set(genY)}
}

// curveRHS computes x³ − 3x + b mod p.
func curveRHS(x *big.Int) *big.Int {
	x3 := new(big.Int).Mul(x, x)
	x3.Mul(x3, x)

	threeX := new(big.Int).Mul(three, x)
	x3.Sub(x3, threeX)
	x3.Add(x3, coeffB)
	return x3.Mod(x3, fieldP)
}

// IsOnCurve reports whether pt satisfies the curve equation with both
// coordinates reduced modulo p. The point at infinity is not on the curve.
func IsOnCurve(pt Point) bool {
	if pt.IsInfinity() {
		return false
	}
	if pt.X.Sign() < 0 || pt.X.Cmp(fieldP) >= 0 || pt.Y.Sign() < 0 || pt.Y.Cmp(fieldP) >= 0 {
		return false
	}
	y2 := new(big.Int).Mul(pt.Y, pt.Y)
	y2.Mod(y2, fieldP)
	return y2.Cmp(curveRHS(pt.X)) == 0
}

// Validate returns ErrNotOnCurve unless pt is a finite curve point.
func Validate(pt Point) error {
	if !IsOnCurve(pt) {
		return fmt.Errorf("%w: %s", ErrNotOnCurve, pt)
	}
	return nil
}
