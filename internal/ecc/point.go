package ecc

import (
	"fmt"
	"math/big"

	"pufattest/internal/bigutil"
)

// Point is an affine point with coordinates modulo p. The zero value and
// (0, 0) both denote the point at infinity.
type Point struct {
	X *big.Int
	Y *big.Int
}

// Infinity returns the group identity.
func Infinity() Point {
	return Point{X: new(big.Int), Y: new(big.Int)}
}

// NewPoint returns a point holding copies of x and y.
func NewPoint(x, y *big.Int) Point {
	return Point{X: new(big.Int).Set(x), Y: new(big.Int).Set(y)}
}

// PointFromBytes decodes big-endian coordinate buffers.
func PointFromBytes(x, y []byte) Point {
	return Point{X: bigutil.FromBytes(x), Y: bigutil.FromBytes(y)}
}

// IsInfinity reports whether pt is the point at infinity.
func (pt Point) IsInfinity() bool {
	return isZero(pt.X) && isZero(pt.Y)
}

func isZero(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}

func coord(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// Equal compares coordinates.
func (pt Point) Equal(other Point) bool {
	return coord(pt.X).Cmp(coord(other.X)) == 0 && coord(pt.Y).Cmp(coord(other.Y)) == 0
}

// Coordinates returns x and y as CoordinateSize big-endian buffers.
func (pt Point) Coordinates() (x, y []byte, err error) {
	x, err = bigutil.ToFixedWidthBytes(coord(pt.X), CoordinateSize)
	if err != nil {
		return nil, nil, fmt.Errorf("x coordinate: %w", err)
	}
	y, err = bigutil.ToFixedWidthBytes(coord(pt.Y), CoordinateSize)
	if err != nil {
		return nil, nil, fmt.Errorf("y coordinate: %w", err)
	}
	return x, y, nil
}

func (pt Point) String() string {
	if pt.IsInfinity() {
		return "(infinity)"
	}
	return fmt.Sprintf("(%s, %s)", bigutil.Hex(pt.X), bigutil.Hex(pt.Y))
}

// Neg returns −pt.
func Neg(pt Point) Point {
	if pt.IsInfinity() {
		return Infinity()
	}
	y := new(big.Int).Neg(pt.Y)
	return Point{X: new(big.Int).Set(pt.X), Y: y.Mod(y, fieldP)}
}

// Add returns a + b.
//
// Equal x coordinates with equal y select the tangent (doubling) slope
// (3x² − 3)/(2y); equal x with differing y yields infinity. Otherwise the
// chord slope (yb − ya)/(xb − xa) is used.
func Add(a, b Point) (Point, error) {
	if a.IsInfinity() {
		return NewPoint(coord(b.X), coord(b.Y)), nil
	}
	if b.IsInfinity() {
		return NewPoint(a.X, a.Y), nil
	}

	var lambda *big.Int
	if a.X.Cmp(b.X) == 0 {
		if a.Y.Cmp(b.Y) != 0 {
			return Infinity(), nil
		}
		num := new(big.Int).Mul(a.X, a.X)
		num.Mul(num, three)
		num.Sub(num, three)

		den := new(big.Int).Mul(two, a.Y)
		l, err := divMod(num, den)
		if err != nil {
			return Point{}, fmt.Errorf("doubling: %w", err)
		}
		lambda = l
	} else {
		num := new(big.Int).Sub(b.Y, a.Y)
		den := new(big.Int).Sub(b.X, a.X)
		l, err := divMod(num, den)
		if err != nil {
			return Point{}, fmt.Errorf("addition: %w", err)
		}
		lambda = l
	}

	xr := new(big.Int).Mul(lambda, lambda)
	xr.Sub(xr, a.X)
	xr.Sub(xr, b.X)
	xr.Mod(xr, fieldP)

	yr := new(big.Int).Sub(a.X, xr)
	yr.Mul(yr, lambda)
	yr.Sub(yr, a.Y)
	yr.Mod(yr, fieldP)

	return Point{X: xr, Y: yr}, nil
}

// Double returns pt + pt.
func Double(pt Point) (Point, error) {
	return Add(pt, pt)
}

// divMod returns num/den mod p.
func divMod(num, den *big.Int) (*big.Int, error) {
	d := new(big.Int).Mod(den, fieldP)
	inv := new(big.Int).ModInverse(d, fieldP)
	if inv == nil {
		return nil, fmt.Errorf("%w: no inverse of %s", ErrArithmetic, bigutil.Hex(d))
	}
	r := new(big.Int).Mod(num, fieldP)
	r.Mul(r, inv)
	return r.Mod(r, fieldP), nil
}

// ScalarMul returns k·pt using left-to-right double-and-add. k must be
// non-negative; it is not reduced modulo the group order.
func ScalarMul(k *big.Int, pt Point) (Point, error) {
	if k == nil || k.Sign() == 0 {
		return Infinity(), nil
	}
	if k.Sign() < 0 {
		return Point{}, fmt.Errorf("%w: negative scalar", ErrArithmetic)
	}

	acc := Infinity()
	top := k.BitLen() - 1
	for i := top; i >= 0; i-- {
		var err error
		if i != top {
			if acc, err = Add(acc, acc); err != nil {
				return Point{}, err
			}
		}
		if bigutil.TestBit(k, i) {
			if acc, err = Add(acc, pt); err != nil {
				return Point{}, err
			}
		}
	}
	return acc, nil
}
