// Package params holds the static and time-interpolated tunables that
// configure a market's AMM, LOB, auto-fill and resolution behavior, plus
// validation and the ζ clamp that keeps the own-impact retention fraction
// f_i strictly positive.
package params

import (
	"fmt"

	"github.com/atmx/outcome-engine/internal/fixedpoint"
)

// InterpolationMode names how time-varying tunables reset across
// resolution rounds. The engine does not read it: EffectiveAt evaluates
// every tunable at the elapsed time its caller passes, and no package in
// this module restarts that clock at a round boundary.
type InterpolationMode int

const (
	// Continue keeps interpolating from session start across rounds.
	Continue InterpolationMode = iota
	// Reset restarts each time-varying tunable's clock at the start of
	// every new round.
	Reset
)

func (m InterpolationMode) String() string {
	if m == Reset {
		return "RESET"
	}
	return "CONTINUE"
}

// TimeVaryingParam linearly interpolates between Start and End over
// DurationMs: p(t) = start + clamp(t/T, 0, 1) * (end - start).
type TimeVaryingParam struct {
	Start      fixedpoint.Num
	End        fixedpoint.Num
	DurationMs int64
}

// ValueAt returns the interpolated value at elapsedMs since the relevant
// clock origin (session start, or round start under Reset+MREnabled).
func (p TimeVaryingParam) ValueAt(elapsedMs int64) fixedpoint.Num {
	if p.DurationMs <= 0 || elapsedMs >= p.DurationMs {
		return p.End
	}
	if elapsedMs <= 0 {
		return p.Start
	}
	t, err := fixedpoint.FromInt64(elapsedMs).Div(fixedpoint.FromInt64(p.DurationMs))
	if err != nil {
		return p.Start
	}
	t = fixedpoint.Clamp(t, fixedpoint.Zero(), fixedpoint.FromInt64(1))
	delta := p.End.Sub(p.Start)
	return p.Start.Add(t.Mul(delta))
}

// EngineParams is the full set of tunables for one market's N binaries.
// Static fields are validated once at construction; the four
// time-varying tunables (Zeta, Mu, Nu, Kappa) are evaluated fresh on
// every apply_orders call via Effective.
type EngineParams struct {
	NOutcomes int

	Z     fixedpoint.Num // total subsidy budget
	Gamma fixedpoint.Num // subsidy phase-out rate
	Q0    fixedpoint.Num // initial virtual token seed
	F     fixedpoint.Num // trade fee
	PMax  fixedpoint.Num
	PMin  fixedpoint.Num
	Eta   fixedpoint.Num // asymptotic penalty exponent
	Tick  fixedpoint.Num // tick_size, price denominator

	CMEnabled bool // cross-match
	AFEnabled bool // auto-fill
	MREnabled bool // multi-round resolution
	VCEnabled bool // virtual-yes cap at 0

	FMatch fixedpoint.Num // cross-match fee fraction

	Sigma        fixedpoint.Num // auto-fill seigniorage share to system
	AFCapFrac    fixedpoint.Num // per-pool auto-fill cap fraction
	AFMaxPools   int            // max pools filled per trigger
	AFMaxSurplus fixedpoint.Num // max surplus fraction of |D_j|

	ResSchedule       []int // elimination counts per round, sums to N-1
	InterpolationMode InterpolationMode

	Zeta  TimeVaryingParam // cross-coupling
	Mu    TimeVaryingParam // initial-price weight
	Nu    TimeVaryingParam // new-price weight
	Kappa TimeVaryingParam // convexity
}

// Effective is the snapshot of the time-varying tunables plus the
// clamped cross-coupling actually used for one apply_orders call.
type Effective struct {
	Zeta       fixedpoint.Num
	Mu         fixedpoint.Num
	Nu         fixedpoint.Num
	Kappa      fixedpoint.Num
	ZetaWarned bool // true if the configured ζ was clamped
}

// Validate checks every static-field range named in spec §4.2.
func (p EngineParams) Validate() error {
	switch {
	case p.NOutcomes < 3 || p.NOutcomes > 10:
		return fmt.Errorf("params: n_outcomes must be in [3,10], got %d", p.NOutcomes)
	case !p.Z.IsPositive():
		return fmt.Errorf("params: Z must be >0")
	case !p.Gamma.IsPositive() || p.Gamma.GreaterThan(fixedpoint.MustFromString("0.001")):
		return fmt.Errorf("params: gamma must be in (0, 0.001]")
	case !p.Q0.IsPositive():
		return fmt.Errorf("params: q0 must be >0")
	case p.F.IsNegative() || p.F.GreaterThanOrEqual(fixedpoint.MustFromString("0.05")):
		return fmt.Errorf("params: f must be in [0, 0.05)")
	case p.PMax.LessThanOrEqual(fixedpoint.MustFromString("0.5")) || p.PMax.GreaterThanOrEqual(fixedpoint.FromInt64(1)):
		return fmt.Errorf("params: p_max must be in (0.5, 1)")
	case p.PMin.LessThanOrEqual(fixedpoint.Zero()) || p.PMin.GreaterThanOrEqual(fixedpoint.MustFromString("0.5")):
		return fmt.Errorf("params: p_min must be in (0, 0.5)")
	case p.Eta.LessThan(fixedpoint.FromInt64(1)):
		return fmt.Errorf("params: eta must be >= 1")
	case !p.Tick.IsPositive():
		return fmt.Errorf("params: tick_size must be >0")
	case p.FMatch.IsNegative() || p.FMatch.GreaterThanOrEqual(fixedpoint.MustFromString("0.02")):
		return fmt.Errorf("params: f_match must be in [0, 0.02)")
	case p.Sigma.IsNegative() || p.Sigma.GreaterThan(fixedpoint.FromInt64(1)):
		return fmt.Errorf("params: sigma must be in [0,1]")
	case p.AFMaxPools < 0:
		return fmt.Errorf("params: af_max_pools must be >= 0")
	}
	sum := 0
	for _, k := range p.ResSchedule {
		if k <= 0 {
			return fmt.Errorf("params: res_schedule entries must be positive")
		}
		sum += k
	}
	if p.MREnabled && len(p.ResSchedule) > 0 && sum != p.NOutcomes-1 {
		return fmt.Errorf("params: res_schedule must sum to n_outcomes-1, got %d", sum)
	}
	return nil
}

// zetaEpsilon is the margin subtracted from the theoretical ζ ceiling so
// the clamp keeps f_i strictly positive rather than merely non-negative.
var zetaEpsilon = fixedpoint.MustFromString("0.000001")

// ClampZeta enforces f_i := 1 - (nActive-1)*ζ > 0 by clamping ζ to just
// under 1/(nActive-1), reporting whether a clamp occurred.
func ClampZeta(zeta fixedpoint.Num, nActive int) (clamped fixedpoint.Num, warned bool) {
	if nActive <= 1 {
		return zeta, false
	}
	ceiling, err := fixedpoint.FromInt64(1).Div(fixedpoint.FromInt64(int64(nActive - 1)))
	if err != nil {
		return zeta, false
	}
	ceiling = ceiling.Sub(zetaEpsilon)
	if zeta.GreaterThan(ceiling) {
		if ceiling.IsNegative() {
			ceiling = fixedpoint.Zero()
		}
		return ceiling, true
	}
	return zeta, false
}

// ComputeFi returns the own-impact retention fraction for the live,
// already-clamped ζ.
func ComputeFi(clampedZeta fixedpoint.Num, nActive int) fixedpoint.Num {
	if nActive <= 1 {
		return fixedpoint.FromInt64(1)
	}
	diverted := fixedpoint.FromInt64(int64(nActive - 1)).Mul(clampedZeta)
	return fixedpoint.FromInt64(1).Sub(diverted)
}

// EffectiveAt evaluates every time-varying tunable at elapsedMs and
// applies the ζ clamp for the given active-outcome count.
func (p EngineParams) EffectiveAt(elapsedMs int64, nActive int) Effective {
	rawZeta := p.Zeta.ValueAt(elapsedMs)
	clampedZeta, warned := ClampZeta(rawZeta, nActive)
	return Effective{
		Zeta:       clampedZeta,
		Mu:         p.Mu.ValueAt(elapsedMs),
		Nu:         p.Nu.ValueAt(elapsedMs),
		Kappa:      p.Kappa.ValueAt(elapsedMs),
		ZetaWarned: warned,
	}
}

// Default returns the seed-scenario configuration used across the S1-S6
// end-to-end scenarios: N=3, q0 = L/2 rounded to 6 decimals so the
// initial price is 0.5 at the 4-decimal price scale, and every toggle
// enabled.
func Default() EngineParams {
	constVal := func(v string) TimeVaryingParam {
		n := fixedpoint.MustFromString(v)
		return TimeVaryingParam{Start: n, End: n, DurationMs: 0}
	}
	return EngineParams{
		NOutcomes:         3,
		Z:                 fixedpoint.MustFromString("10000"),
		Gamma:             fixedpoint.MustFromString("0.0001"),
		Q0:                fixedpoint.MustFromString("1666.666667"),
		F:                 fixedpoint.MustFromString("0.01"),
		PMax:              fixedpoint.MustFromString("0.99"),
		PMin:              fixedpoint.MustFromString("0.01"),
		Eta:               fixedpoint.FromInt64(2),
		Tick:              fixedpoint.MustFromString("0.01"),
		CMEnabled:         true,
		AFEnabled:         true,
		MREnabled:         true,
		VCEnabled:         true,
		FMatch:            fixedpoint.MustFromString("0.005"),
		Sigma:             fixedpoint.MustFromString("0.5"),
		AFCapFrac:         fixedpoint.MustFromString("0.1"),
		AFMaxPools:        5,
		AFMaxSurplus:      fixedpoint.MustFromString("0.05"),
		ResSchedule:       []int{1, 1},
		InterpolationMode: Continue,
		Zeta:              constVal("0.1"),
		Mu:                constVal("1"),
		Nu:                constVal("1"),
		Kappa:             constVal("0.001"),
	}
}
