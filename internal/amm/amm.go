// Package amm implements the closed-form buy/sell cost quadratics, the
// post-trade price they imply, and the asymptotic penalty that bounds
// price within (p_min, p_max). Every formula here is grounded in
// app/engine/amm_math.py from the original implementation; the fixed
// weights a=μ/(μ+ν), b=ν/(μ+ν) and the quadratic coefficients are
// reproduced exactly, just over fixedpoint.Num instead of Decimal.
package amm

import (
	"fmt"

	"github.com/atmx/outcome-engine/internal/engineerr"
	"github.com/atmx/outcome-engine/internal/enginestate"
	"github.com/atmx/outcome-engine/internal/fixedpoint"
	"github.com/atmx/outcome-engine/internal/params"
)

// maxPenaltyIterations bounds the asymptotic penalty's repeat-until-bound
// loop (spec §4.4: "repeat up to a fixed small bound and then saturate").
const maxPenaltyIterations = 8

// Quote is the result of solving an AMM leg: the cost/proceeds X, the
// post-trade price p' before any penalty (PPrimeBefore) and after it
// (PPrime), and whether the penalty was applied.
type Quote struct {
	X            fixedpoint.Num
	PPrimeBefore fixedpoint.Num
	PPrime       fixedpoint.Num
	Penalized    bool
}

func weights(eff params.Effective) (a, b fixedpoint.Num, err error) {
	denom := eff.Mu.Add(eff.Nu)
	a, err = fixedpoint.SafeDivide(eff.Mu, denom)
	if err != nil {
		return fixedpoint.Zero(), fixedpoint.Zero(), err
	}
	b, err = fixedpoint.SafeDivide(eff.Nu, denom)
	if err != nil {
		return fixedpoint.Zero(), fixedpoint.Zero(), err
	}
	return a, b, nil
}

// BuyYes solves for the collateral cost X of buying Δ YES tokens on
// binary b, given the live own-impact fraction fi and interpolated
// tunables. It does not mutate state; callers commit the result via
// impact.Apply after validating slippage.
func BuyYes(b *enginestate.BinaryState, eff params.Effective, p params.EngineParams, fi, delta fixedpoint.Num) (Quote, error) {
	return solve(b.QYesEff(), b.QNo, b.L, eff, p, fi, delta, true, true)
}

// BuyNo solves for the cost of buying Δ NO tokens (virtual supply is not
// part of the NO side per spec §4.4's "omit virtual").
func BuyNo(b *enginestate.BinaryState, eff params.Effective, p params.EngineParams, fi, delta fixedpoint.Num) (Quote, error) {
	return solve(b.QNo, b.QYesEff(), b.L, eff, p, fi, delta, true, false)
}

// SellYes solves for the proceeds X of selling Δ YES tokens.
func SellYes(b *enginestate.BinaryState, eff params.Effective, p params.EngineParams, fi, delta fixedpoint.Num) (Quote, error) {
	return solve(b.QYesEff(), b.QNo, b.L, eff, p, fi, delta, false, true)
}

// SellNo solves for the proceeds of selling Δ NO tokens.
func SellNo(b *enginestate.BinaryState, eff params.Effective, p params.EngineParams, fi, delta fixedpoint.Num) (Quote, error) {
	return solve(b.QNo, b.QYesEff(), b.L, eff, p, fi, delta, false, false)
}

// solve implements spec §4.4's reduction to
//
//	fi*X^2 + (L - fi*k)*X - (k*L + m) = 0
//
// for the side named by isYes (virtual supply participates only for the
// YES side), in the direction named by isBuy. qSame is q_yes_eff or q_no
// for the traded side; qOther is the complementary side's quantity (only
// used to keep the signature symmetric with the reference; the formula
// itself only needs qSame and L).
func solve(qSame, qOther, l fixedpoint.Num, eff params.Effective, prm params.EngineParams, fi, delta fixedpoint.Num, isBuy, isYes bool) (Quote, error) {
	_ = qOther
	if !delta.IsPositive() {
		return Quote{}, fmt.Errorf("amm: delta must be >0")
	}
	a, bWeight, err := weights(eff)
	if err != nil {
		return Quote{}, err
	}
	p, err := fixedpoint.SafeDivide(qSame, l)
	if err != nil {
		return Quote{}, err
	}

	// k = Δ*a*p + κ*Δ²
	k := delta.Mul(a).Mul(p).Add(eff.Kappa.Mul(delta).Mul(delta))
	// m = Δ*b*(q_same + Δ)
	m := delta.Mul(bWeight).Mul(qSame.Add(delta))

	coefA := fi
	coefB := l.Sub(fi.Mul(k))
	coefC := k.Mul(l).Add(m).Neg()

	x, err := fixedpoint.SolvePositiveQuadratic(coefA, coefB, coefC, fixedpoint.AmountScale)
	if err != nil {
		if err == fixedpoint.ErrNegativeDiscriminant {
			return Quote{}, &engineerr.NumericError{Reason: engineerr.ReasonNegativeDisc, Detail: "amm quadratic"}
		}
		return Quote{}, &engineerr.NumericError{Reason: engineerr.ReasonDivisionByZero, Detail: err.Error()}
	}
	if !x.IsPositive() {
		return Quote{}, &engineerr.NumericError{Reason: engineerr.ReasonNegativeDisc, Detail: "amm quadratic returned non-positive root"}
	}

	var qAfter fixedpoint.Num
	if isBuy {
		qAfter = qSame.Add(delta)
	} else {
		qAfter = qSame.Sub(delta)
	}

	recomputePPrime := func(x fixedpoint.Num) (fixedpoint.Num, error) {
		var lAfter fixedpoint.Num
		if isBuy {
			lAfter = l.Add(fi.Mul(x))
		} else {
			lAfter = l.Sub(fi.Mul(x))
		}
		return fixedpoint.SafeDivide(qAfter, lAfter)
	}

	pPrime, err := recomputePPrime(x)
	if err != nil {
		return Quote{}, &engineerr.NumericError{Reason: engineerr.ReasonDivisionByZero, Detail: err.Error()}
	}

	q := Quote{X: x.Round(fixedpoint.AmountScale), PPrimeBefore: pPrime, PPrime: pPrime}
	q, err = applyPenalty(q, prm, isBuy, recomputePPrime)
	if err != nil {
		return Quote{}, err
	}
	_ = isYes
	return q, nil
}

// applyPenalty inflates BUY cost or deflates SELL proceeds until p'
// respects (p_min, p_max), saturating exactly at the bound after a
// bounded number of iterations rather than ever rejecting (spec §4.4).
// recomputePPrime re-derives p' from a candidate X using the same
// own-impact-weighted L the quadratic solve used, so each iteration
// reflects the true post-trade price rather than an approximation.
func applyPenalty(q Quote, prm params.EngineParams, isBuy bool, recomputePPrime func(fixedpoint.Num) (fixedpoint.Num, error)) (Quote, error) {
	for i := 0; i < maxPenaltyIterations; i++ {
		bounded := (isBuy && q.PPrime.LessThanOrEqual(prm.PMax)) || (!isBuy && q.PPrime.GreaterThanOrEqual(prm.PMin))
		if bounded {
			return q, nil
		}
		var ratio fixedpoint.Num
		var err error
		if isBuy {
			ratio, err = fixedpoint.SafeDivide(q.PPrime, prm.PMax)
		} else {
			ratio, err = fixedpoint.SafeDivide(prm.PMin, q.PPrime)
		}
		if err != nil {
			return Quote{}, &engineerr.NumericError{Reason: engineerr.ReasonDivisionByZero, Detail: err.Error()}
		}
		factor, err := ratio.Pow(prm.Eta, fixedpoint.AmountScale+6)
		if err != nil {
			return Quote{}, &engineerr.NumericError{Reason: engineerr.ReasonPenaltyUnbounded, Detail: err.Error()}
		}
		q.X = q.X.Mul(factor).Round(fixedpoint.AmountScale)
		q.Penalized = true
		next, err := recomputePPrime(q.X)
		if err != nil {
			return Quote{}, &engineerr.NumericError{Reason: engineerr.ReasonDivisionByZero, Detail: err.Error()}
		}
		q.PPrime = next
	}
	// Bound not achieved after the fixed iteration count: binary-search X
	// itself down to the bound, rather than only clamping the reported
	// price, so the committed X and p' stay consistent with each other.
	target := prm.PMax
	if !isBuy {
		target = prm.PMin
	}
	lo, hi := fixedpoint.Zero(), q.X
	for i := 0; i < maxPenaltyIterations; i++ {
		mid, err := lo.Add(hi).Div(fixedpoint.FromInt64(2))
		if err != nil {
			break
		}
		mid = mid.Round(fixedpoint.AmountScale)
		price, err := recomputePPrime(mid)
		if err != nil {
			break
		}
		withinBound := (isBuy && price.LessThanOrEqual(target)) || (!isBuy && price.GreaterThanOrEqual(target))
		if withinBound {
			lo = mid
		} else {
			hi = mid
		}
	}
	q.X = lo
	if final, err := recomputePPrime(q.X); err == nil {
		q.PPrime = final
	}
	if isBuy {
		q.PPrime = fixedpoint.Min(q.PPrime, prm.PMax)
	} else {
		q.PPrime = fixedpoint.Max(q.PPrime, prm.PMin)
	}
	return q, nil
}
