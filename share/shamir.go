// Package share implements t-of-n secret sharing over GF(2^8), the field
// used by AES/Rijndael (modulus x^8 + x^4 + x^3 + x + 1). Each byte of the
// secret is shared independently: Split picks a random degree-(t-1)
// polynomial per byte position whose constant term is that byte, and
// evaluates it at x = 1..n; Combine performs Lagrange interpolation at
// x = 0 to recover each byte.
package share

import (
	"crypto/rand"
	"errors"
	"fmt"
)

var (
	ErrInvalidParams      = errors.New("share: threshold must be between 1 and total, total must be <= 255")
	ErrInsufficientShares = errors.New("share: insufficient shares to reconstruct")
	ErrInconsistentShares = errors.New("share: shares have differing lengths")
	ErrDuplicateIndex     = errors.New("share: duplicate share index")
	ErrEmptySecret        = errors.New("share: secret must be non-empty")
)

// Share is one (index, evaluation) pair of a split secret. Index is the
// Shamir x-coordinate in [1,255].
type Share struct {
	Index int
	Bytes []byte
}

// Split divides secret into n shares such that any t of them reconstruct
// it, and fewer than t reveal nothing about it.
func Split(secret []byte, threshold, total int) ([]Share, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	if threshold < 1 || total < threshold || total > 255 {
		return nil, ErrInvalidParams
	}

	// coeffs[pos] holds the threshold coefficients of the polynomial for
	// byte position pos; coefficient 0 is the secret byte itself.
	coeffs := make([][]byte, len(secret))
	for pos, b := range secret {
		c := make([]byte, threshold)
		c[0] = b
		if threshold > 1 {
			if _, err := rand.Read(c[1:]); err != nil {
				return nil, fmt.Errorf("share: generate coefficients: %w", err)
			}
		}
		coeffs[pos] = c
	}

	shares := make([]Share, total)
	for i := 0; i < total; i++ {
		x := byte(i + 1)
		y := make([]byte, len(secret))
		for pos := range secret {
			y[pos] = evalPoly(coeffs[pos], x)
		}
		shares[i] = Share{Index: i + 1, Bytes: y}
	}
	return shares, nil
}

// Combine reconstructs the secret from at least threshold shares. The
// caller is responsible for knowing threshold; Combine only needs len(shares) >= 1
// and will reconstruct correctly once that count reaches the original
// threshold — passing fewer than the true threshold silently yields a wrong
// result, so callers must track and enforce the threshold themselves before
// calling Combine with a quorum they believe is sufficient. See
// CombineWithThreshold for a checked variant.
func Combine(shares []Share) ([]byte, error) {
	if len(shares) == 0 {
		return nil, ErrInsufficientShares
	}
	width := len(shares[0].Bytes)
	seen := make(map[int]bool, len(shares))
	for _, s := range shares {
		if len(s.Bytes) != width {
			return nil, ErrInconsistentShares
		}
		if seen[s.Index] {
			return nil, ErrDuplicateIndex
		}
		seen[s.Index] = true
		if s.Index < 1 || s.Index > 255 {
			return nil, fmt.Errorf("share: index %d out of range", s.Index)
		}
	}

	secret := make([]byte, width)
	for pos := 0; pos < width; pos++ {
		secret[pos] = interpolateAtZero(shares, pos)
	}
	return secret, nil
}

// CombineWithThreshold is Combine with an explicit minimum-share check,
// returning ErrInsufficientShares if fewer than threshold shares are given.
func CombineWithThreshold(shares []Share, threshold int) ([]byte, error) {
	if len(shares) < threshold {
		return nil, ErrInsufficientShares
	}
	return Combine(shares)
}

// evalPoly evaluates a polynomial (coeffs[0] is the constant term) at x
// using Horner's method in GF(2^8).
func evalPoly(coeffs []byte, x byte) byte {
	var result byte
	for i := len(coeffs) - 1; i >= 0; i-- {
		result = gfAdd(gfMul(result, x), coeffs[i])
	}
	return result
}

// interpolateAtZero computes the Lagrange interpolation of shares at x=0
// for a single byte position.
func interpolateAtZero(shares []Share, pos int) byte {
	var result byte
	for i, si := range shares {
		xi := byte(si.Index)
		num := byte(1)
		den := byte(1)
		for j, sj := range shares {
			if i == j {
				continue
			}
			xj := byte(sj.Index)
			num = gfMul(num, xj)           // (0 - xj) == xj in GF(2^k)
			den = gfMul(den, gfAdd(xi, xj)) // (xi - xj) == xi ^ xj
		}
		term := gfMul(si.Bytes[pos], gfDiv(num, den))
		result = gfAdd(result, term)
	}
	return result
}

// GF(2^8) arithmetic, field x^8 + x^4 + x^3 + x + 1 (the AES/Rijndael field).
// Addition and subtraction are both XOR; multiplication and division use
// precomputed log/antilog tables.

var (
	gfExp [510]byte
	gfLog [256]byte
)

func init() {
	x := byte(1)
	for i := 0; i < 255; i++ {
		gfExp[i] = x
		gfLog[x] = byte(i)
		// advance x to x*3 (3 generates the multiplicative group of this field)
		doubled := x << 1
		if x&0x80 != 0 {
			doubled ^= 0x1b
		}
		x = doubled ^ x
	}
	for i := 255; i < 510; i++ {
		gfExp[i] = gfExp[i-255]
	}
}

func gfAdd(a, b byte) byte { return a ^ b }

func gfMul(a, b byte) byte {
	if a == 0 || b == 0 {
		return 0
	}
	return gfExp[int(gfLog[a])+int(gfLog[b])]
}

func gfDiv(a, b byte) byte {
	if a == 0 {
		return 0
	}
	if b == 0 {
		panic("share: division by zero in GF(2^8)")
	}
	diff := int(gfLog[a]) - int(gfLog[b])
	if diff < 0 {
		diff += 255
	}
	return gfExp[diff]
}
