// Package impact applies the own- and cross-pool collateral diversion
// that follows every committed AMM leg (spec §4.5), grounded in
// app/engine/impact_functions.py's apply_own_impact/apply_cross_impacts.
package impact

import (
	"github.com/atmx/outcome-engine/internal/enginestate"
	"github.com/atmx/outcome-engine/internal/fixedpoint"
	"github.com/atmx/outcome-engine/internal/params"
)

// Diversion is the per-binary V change a single AMM leg produced, used
// by autofill to know how much of each other binary's price drift it
// may legitimately exploit.
type Diversion struct {
	OutcomeIndex int
	DeltaV       fixedpoint.Num // signed: + if V_j rose, - if it fell
}

// Apply moves fi*X into the trading binary's own V and ζ*X into every
// other active binary's V (sign following buy/sell direction), then
// recomputes subsidy/L for every binary touched. Binaries are visited in
// ascending outcome index for determinism (spec §4.5). It returns the
// signed diversion applied to each *other* active binary, the input
// autofill needs to find exploitable price drift.
func Apply(s *enginestate.EngineState, p params.EngineParams, eff params.Effective, tradingOutcome int, fi, x fixedpoint.Num, isBuy bool) ([]Diversion, error) {
	sign := fixedpoint.FromInt64(1)
	if !isBuy {
		sign = fixedpoint.FromInt64(-1)
	}

	own, err := s.GetBinary(tradingOutcome)
	if err != nil {
		return nil, err
	}
	own.V = own.V.Add(sign.Mul(fi).Mul(x)).Round(fixedpoint.AmountScale)
	if err := enginestate.RecomputeSubsidy(own, p); err != nil {
		return nil, err
	}

	diversions := make([]Diversion, 0, len(s.Binaries)-1)
	for _, j := range s.ActiveAscending() {
		if j.OutcomeIndex == tradingOutcome {
			continue
		}
		delta := sign.Mul(eff.Zeta).Mul(x).Round(fixedpoint.AmountScale)
		j.V = j.V.Add(delta).Round(fixedpoint.AmountScale)
		if err := enginestate.RecomputeSubsidy(j, p); err != nil {
			return nil, err
		}
		diversions = append(diversions, Diversion{OutcomeIndex: j.OutcomeIndex, DeltaV: delta})
	}
	return diversions, nil
}
