// Package fixedpoint implements exact scaled-integer decimal arithmetic for
// every money and price value that flows through the market engine. No
// host floating point participates in a computation that affects engine
// state or fills: multiplication and addition are exact on widened
// big.Int coefficients, division rounds half-to-even at a fixed working
// precision, and the quadratic solver's square root is computed by
// bounded integer Newton iteration rather than a floating-point sqrt.
//
// This is the single scaled-integer module the rest of the core imports;
// no other package may touch math/big directly or use float64 for a value
// that reaches EngineState.
package fixedpoint

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Canonical decimal scales from the host wire contract: collateral and
// token quantities carry 6 decimal places, prices carry 4.
const (
	AmountScale int32 = 6
	PriceScale  int32 = 4

	// divisionScale is the fixed precision (decimal digits right of the
	// point) at which Div produces its quotient before the caller rounds
	// down to a declared scale. Keeping it constant makes every division
	// deterministic regardless of operand scale.
	divisionScale int32 = 40

	maxNewtonIterations = 64
	maxRootDegree        = 1000
)

var (
	// ErrDivisionByZero is safe_divide's failure mode (spec §4.1).
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
	// ErrNegativeDiscriminant is solve_positive_quadratic's failure mode.
	ErrNegativeDiscriminant = errors.New("fixedpoint: negative discriminant")
)

var pow10Cache = map[int32]*big.Int{}

func pow10(e int32) *big.Int {
	if e < 0 {
		panic(fmt.Sprintf("fixedpoint: negative pow10 exponent %d", e))
	}
	if v, ok := pow10Cache[e]; ok {
		return v
	}
	v := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(e)), nil)
	pow10Cache[e] = v
	return v
}

// Num is a scaled-integer decimal: its value equals coef / 10^scale.
// The zero value is not usable; construct with Zero, FromInt64 or
// FromString.
type Num struct {
	coef  *big.Int
	scale int32
}

// Zero returns the additive identity at scale 0.
func Zero() Num { return Num{coef: big.NewInt(0), scale: 0} }

// FromInt64 builds an exact integer value.
func FromInt64(v int64) Num { return Num{coef: big.NewInt(v), scale: 0} }

// FromScaledInt64 builds a value equal to v / 10^scale — the raw
// scaled-integer wire representation named in spec §6.
func FromScaledInt64(v int64, scale int32) Num {
	return Num{coef: big.NewInt(v), scale: scale}
}

// FromString parses an exact decimal literal such as "0.0001" or "-12.5".
// It never round-trips through float64.
func FromString(s string) (Num, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Num{}, fmt.Errorf("fixedpoint: empty decimal literal")
	}
	neg := false
	switch s[0] {
	case '+':
		s = s[1:]
	case '-':
		neg = true
		s = s[1:]
	}
	intPart, fracPart := s, ""
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		intPart, fracPart = s[:idx], s[idx+1:]
	}
	if intPart == "" {
		intPart = "0"
	}
	digits := intPart + fracPart
	if digits == "" || !isAllDigits(digits) {
		return Num{}, fmt.Errorf("fixedpoint: invalid decimal literal %q", s)
	}
	coef := new(big.Int)
	if _, ok := coef.SetString(digits, 10); !ok {
		return Num{}, fmt.Errorf("fixedpoint: invalid decimal literal %q", s)
	}
	if neg {
		coef.Neg(coef)
	}
	return Num{coef: coef, scale: int32(len(fracPart))}, nil
}

func isAllDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// MustFromString parses a decimal literal, panicking on error. Intended
// for constant-like literals in tests and parameter defaults.
func MustFromString(s string) Num {
	n, err := FromString(s)
	if err != nil {
		panic(err)
	}
	return n
}

// Scale reports the value's current decimal scale.
func (a Num) Scale() int32 { return a.scale }

func (a Num) rescale(scale int32) Num {
	if a.scale == scale {
		return a
	}
	if scale > a.scale {
		factor := pow10(scale - a.scale)
		return Num{coef: new(big.Int).Mul(a.coef, factor), scale: scale}
	}
	factor := pow10(a.scale - scale)
	return Num{coef: divRoundHalfEven(a.coef, factor), scale: scale}
}

// Round rescales to the given number of decimal places, rounding
// half-to-even — the rounding rule declared for every result in spec §6.
func (a Num) Round(scale int32) Num { return a.rescale(scale) }

func divRoundHalfEven(num, den *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() == 0 {
		return q
	}
	twiceR := new(big.Int).Lsh(new(big.Int).Abs(r), 1)
	denAbs := new(big.Int).Abs(den)
	cmp := twiceR.Cmp(denAbs)

	sameSign := (num.Sign() < 0) == (den.Sign() < 0)
	var adjust int64 = 1
	if !sameSign {
		adjust = -1
	}
	switch {
	case cmp < 0:
		return q
	case cmp > 0:
		return q.Add(q, big.NewInt(adjust))
	default:
		// Exactly half: round to even.
		if new(big.Int).And(q, big.NewInt(1)).Sign() != 0 {
			return q.Add(q, big.NewInt(adjust))
		}
		return q
	}
}

func maxScale(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

// Add returns a+b, exact at the wider of the two scales.
func (a Num) Add(b Num) Num {
	s := maxScale(a.scale, b.scale)
	ar, br := a.rescale(s), b.rescale(s)
	return Num{coef: new(big.Int).Add(ar.coef, br.coef), scale: s}
}

// Sub returns a-b.
func (a Num) Sub(b Num) Num { return a.Add(b.Neg()) }

// Neg returns -a.
func (a Num) Neg() Num { return Num{coef: new(big.Int).Neg(a.coef), scale: a.scale} }

// Abs returns |a|.
func (a Num) Abs() Num { return Num{coef: new(big.Int).Abs(a.coef), scale: a.scale} }

// Mul returns a*b. Multiplication never loses precision: the result
// scale is the sum of the operand scales.
func (a Num) Mul(b Num) Num {
	return Num{coef: new(big.Int).Mul(a.coef, b.coef), scale: a.scale + b.scale}
}

// Div returns a/b rounded half-to-even at a fixed internal precision
// (divisionScale decimal places). Callers round the result
// down to a declared scale at the point the value is stored or returned —
// this mirrors safe_divide from spec §4.1, except the zero-denominator
// case is reported rather than panicking.
func (a Num) Div(b Num) (Num, error) {
	if b.coef.Sign() == 0 {
		return Num{}, ErrDivisionByZero
	}
	numPow := b.scale + divisionScale
	num := new(big.Int).Mul(a.coef, pow10(numPow))
	den := new(big.Int).Mul(b.coef, pow10(a.scale))
	return Num{coef: divRoundHalfEven(num, den), scale: divisionScale}, nil
}

// SafeDivide is the spec-named alias for Div, returning ErrDivisionByZero
// rather than panicking.
func SafeDivide(n, d Num) (Num, error) { return n.Div(d) }

// Cmp returns -1, 0 or 1 as a is less than, equal to, or greater than b.
func (a Num) Cmp(b Num) int {
	s := maxScale(a.scale, b.scale)
	return a.rescale(s).coef.Cmp(b.rescale(s).coef)
}

func (a Num) LessThan(b Num) bool           { return a.Cmp(b) < 0 }
func (a Num) LessThanOrEqual(b Num) bool    { return a.Cmp(b) <= 0 }
func (a Num) GreaterThan(b Num) bool        { return a.Cmp(b) > 0 }
func (a Num) GreaterThanOrEqual(b Num) bool { return a.Cmp(b) >= 0 }
func (a Num) Equal(b Num) bool              { return a.Cmp(b) == 0 }

func (a Num) IsZero() bool     { return a.coef.Sign() == 0 }
func (a Num) IsPositive() bool { return a.coef.Sign() > 0 }
func (a Num) IsNegative() bool { return a.coef.Sign() < 0 }
func (a Num) Sign() int        { return a.coef.Sign() }

// Min and Max return the lesser/greater of two values without mutating
// either operand.
func Min(a, b Num) Num {
	if a.LessThanOrEqual(b) {
		return a
	}
	return b
}

func Max(a, b Num) Num {
	if a.GreaterThanOrEqual(b) {
		return a
	}
	return b
}

// Clamp restricts a to [lo, hi].
func Clamp(a, lo, hi Num) Num { return Min(Max(a, lo), hi) }

// Sqrt returns the non-negative square root, computed via bounded integer
// Newton iteration on a widened big.Int — never through a host
// floating-point sqrt. outScale controls the decimal precision of the
// result.
func (a Num) Sqrt(outScale int32) (Num, error) {
	if a.coef.Sign() < 0 {
		return Num{}, ErrNegativeDiscriminant
	}
	if a.coef.Sign() == 0 {
		return Num{coef: big.NewInt(0), scale: outScale}, nil
	}
	shift := 2*outScale - a.scale
	var radicand *big.Int
	if shift >= 0 {
		radicand = new(big.Int).Mul(a.coef, pow10(shift))
	} else {
		radicand = divRoundHalfEven(a.coef, pow10(-shift))
	}
	return Num{coef: isqrt(radicand), scale: outScale}, nil
}

// isqrt computes floor(sqrt(n)) for a non-negative big.Int via Newton's
// method, seeded from the operand's bit length (a nearest-power-of-two
// estimate) and iterated to a fixed bound with bit-accurate convergence:
// the loop stops the instant an iteration reproduces its input exactly,
// never on a floating-point epsilon.
func isqrt(n *big.Int) *big.Int {
	if n.Sign() == 0 {
		return big.NewInt(0)
	}
	x := new(big.Int).Lsh(big.NewInt(1), uint(n.BitLen()/2+1))
	for i := 0; i < maxNewtonIterations; i++ {
		next := new(big.Int).Quo(n, x)
		next.Add(next, x)
		next.Rsh(next, 1)
		if next.Cmp(x) == 0 {
			x = next
			break
		}
		x = next
	}
	for new(big.Int).Mul(x, x).Cmp(n) > 0 {
		x.Sub(x, big.NewInt(1))
	}
	one := big.NewInt(1)
	for new(big.Int).Mul(new(big.Int).Add(x, one), new(big.Int).Add(x, one)).Cmp(n) <= 0 {
		x.Add(x, one)
	}
	return x
}

// integerNthRoot generalizes isqrt to an arbitrary positive integer
// degree via the same bounded Newton iteration:
//
//	x_{k+1} = ((deg-1)*x_k + n/x_k^(deg-1)) / deg
func integerNthRoot(n *big.Int, deg int64) *big.Int {
	if n.Sign() == 0 {
		return big.NewInt(0)
	}
	if deg == 1 {
		return new(big.Int).Set(n)
	}
	degBig := big.NewInt(deg)
	degMinus1 := big.NewInt(deg - 1)
	x := new(big.Int).Lsh(big.NewInt(1), uint(n.BitLen()/int(deg)+1))
	for i := 0; i < maxNewtonIterations; i++ {
		xPow := new(big.Int).Exp(x, degMinus1, nil)
		if xPow.Sign() == 0 {
			xPow = big.NewInt(1)
		}
		next := new(big.Int).Mul(degMinus1, x)
		next.Add(next, new(big.Int).Quo(n, xPow))
		next.Quo(next, degBig)
		if next.Cmp(x) == 0 {
			x = next
			break
		}
		x = next
	}
	for new(big.Int).Exp(x, degBig, nil).Cmp(n) > 0 {
		x.Sub(x, big.NewInt(1))
	}
	one := big.NewInt(1)
	for new(big.Int).Exp(new(big.Int).Add(x, one), degBig, nil).Cmp(n) <= 0 {
		x.Add(x, one)
	}
	return x
}

// Pow raises a non-negative base to a (possibly fractional, possibly
// negative) exponent, returning a value at outScale decimal places. The
// exponent is rounded to 3 decimal places and reduced to a small rational
// p/q so the result can be computed exactly as base^p followed by an
// integer q-th root (Newton iteration again, never math.Pow). This is
// used only for the asymptotic penalty's exponent η; penalty shaping
// tolerates the rounding, and the bound it must respect is re-checked and
// saturated exactly by the caller regardless of Pow's precision.
func (a Num) Pow(exponent Num, outScale int32) (Num, error) {
	if a.coef.Sign() < 0 {
		return Num{}, fmt.Errorf("fixedpoint: Pow base must be non-negative")
	}
	exp := exponent.rescale(3)
	if exp.coef.Sign() == 0 {
		return Num{coef: pow10(outScale), scale: outScale}, nil
	}
	denom := pow10(3)
	g := new(big.Int).GCD(nil, nil, new(big.Int).Abs(exp.coef), denom)
	p := new(big.Int).Quo(exp.coef, g)
	q := new(big.Int).Quo(denom, g)
	if q.Cmp(big.NewInt(maxRootDegree)) > 0 {
		return Num{}, fmt.Errorf("fixedpoint: Pow exponent denominator too large")
	}
	negExp := p.Sign() < 0
	pAbs := new(big.Int).Abs(p)
	if !pAbs.IsInt64() {
		return Num{}, fmt.Errorf("fixedpoint: Pow exponent numerator too large")
	}

	if a.IsZero() {
		if negExp {
			return Num{}, ErrDivisionByZero
		}
		return Num{coef: big.NewInt(0), scale: outScale}, nil
	}

	qInt := q.Int64()
	workScale := outScale + int32(qInt)*2 + 6
	baseScaled := a.rescale(workScale)
	basePow := new(big.Int).Exp(baseScaled.coef, pAbs, nil)
	powScale := workScale * int32(pAbs.Int64())

	// integerNthRoot with degree 1 is the identity, so this formula also
	// covers the qInt==1 (integer exponent) case: radicand is just basePow
	// rescaled from powScale down to outScale.
	shift := outScale*int32(qInt) - powScale
	var radicand *big.Int
	if shift >= 0 {
		radicand = new(big.Int).Mul(basePow, pow10(shift))
	} else {
		radicand = divRoundHalfEven(basePow, pow10(-shift))
	}
	resultCoef := integerNthRoot(radicand, qInt)
	result := Num{coef: resultCoef, scale: outScale}
	if negExp {
		one := Num{coef: pow10(outScale), scale: outScale}
		inv, err := one.Div(result)
		if err != nil {
			return Num{}, err
		}
		return inv.rescale(outScale), nil
	}
	return result, nil
}

// SolvePositiveQuadratic returns the larger root of a*x^2 + b*x + c = 0
// for a>0, rounded to outScale decimal places. It fails with
// ErrNegativeDiscriminant when the discriminant is negative — a
// contract violation that spec §4.1 says "shall not occur" but must
// remain detectable.
func SolvePositiveQuadratic(a, b, c Num, outScale int32) (Num, error) {
	if a.coef.Sign() <= 0 {
		return Num{}, fmt.Errorf("fixedpoint: quadratic leading coefficient must be positive")
	}
	disc := b.Mul(b).Sub(FromInt64(4).Mul(a).Mul(c))
	if disc.coef.Sign() < 0 {
		return Num{}, ErrNegativeDiscriminant
	}
	sqrtDisc, err := disc.Sqrt(outScale + 12)
	if err != nil {
		return Num{}, err
	}
	numerator := sqrtDisc.Sub(b)
	denom := FromInt64(2).Mul(a)
	root, err := numerator.Div(denom)
	if err != nil {
		return Num{}, err
	}
	return root.rescale(outScale), nil
}

// String renders a human-readable decimal, e.g. "1.500000", matching the
// teacher's decimal.Decimal.String() usage in logs and responses.
func (a Num) String() string {
	if a.scale == 0 {
		return a.coef.String()
	}
	neg := a.coef.Sign() < 0
	coef := new(big.Int).Abs(a.coef)
	s := coef.String()
	for int32(len(s)) <= a.scale {
		s = "0" + s
	}
	intPart := s[:int32(len(s))-a.scale]
	fracPart := s[int32(len(s))-a.scale:]
	out := intPart + "." + fracPart
	if neg {
		out = "-" + out
	}
	return out
}

// RawString renders the value's raw scaled integer at the given scale as
// a plain base-10 string — the wire encoding convention from spec §6
// ("encoded as base-10 string of the scaled integer"), distinct from the
// dotted decimal String() used for display.
func (a Num) RawString(scale int32) string {
	return a.rescale(scale).coef.String()
}

// ParseRaw parses a raw scaled-integer wire string back into a Num at the
// given scale — the inverse of RawString, used by EngineState
// deserialization.
func ParseRaw(s string, scale int32) (Num, error) {
	coef := new(big.Int)
	if _, ok := coef.SetString(s, 10); !ok {
		return Num{}, fmt.Errorf("fixedpoint: invalid raw integer %q", s)
	}
	return Num{coef: coef, scale: scale}, nil
}
