// Package bigutil converts between textual, byte and integer forms of the
// unsigned scalars carried by the attestation protocol.
package bigutil

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Errors returned by the conversion helpers.
var (
	ErrParse    = errors.New("bigutil: malformed scalar")
	ErrOverflow = errors.New("bigutil: value does not fit width")
	ErrNegative = errors.New("bigutil: negative value")
)

// ParseTextualScalar parses text as an unsigned integer. A leading "0x" or
// "0X" selects base 16, anything else is read as base 10.
func ParseTextualScalar(text string) (*big.Int, error) {
	s := strings.TrimSpace(text)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	if s == "" || s[0] == '+' || s[0] == '-' {
		return nil, fmt.Errorf("%w: %q", ErrParse, text)
	}

	v, ok := new(big.Int).SetString(s, base)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrParse, text)
	}
	return v, nil
}

// MustParse is ParseTextualScalar for package-level constants.
func MustParse(text string) *big.Int {
	v, err := ParseTextualScalar(text)
	if err != nil {
		panic(err)
	}
	return v
}

// TestBit reports whether bit index (0 = least significant) of v is set.
// Indices beyond the bit length of v report false.
func TestBit(v *big.Int, index int) bool {
	if v == nil || index < 0 || index >= v.BitLen() {
		return false
	}
	return v.Bit(index) == 1
}

// ToFixedWidthBytes encodes v big-endian, left padded with zeros to exactly
// width bytes.
func ToFixedWidthBytes(v *big.Int, width int) ([]byte, error) {
	if v == nil {
		v = new(big.Int)
	}
	if v.Sign() < 0 {
		return nil, ErrNegative
	}
	if width < 0 || v.BitLen() > width*8 {
		return nil, fmt.Errorf("%w: %d bits into %d bytes", ErrOverflow, v.BitLen(), width)
	}
	return v.FillBytes(make([]byte, width)), nil
}

// FromBytes interprets b as a big-endian unsigned integer.
func FromBytes(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}

// Hex formats v as a 0x-prefixed lowercase hexadecimal string, which
// ParseTextualScalar accepts.
func Hex(v *big.Int) string {
	if v == nil {
		return "0x0"
	}
	return "0x" + v.Text(16)
}
