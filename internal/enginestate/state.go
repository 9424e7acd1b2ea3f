// Package enginestate owns the single mutable aggregate the rest of the
// core operates on: per-binary collateral/subsidy/token fields, LOB
// pools, and the global renormalization anchor. The engine treats
// EngineState as an owned value — callers pass one in and receive a new
// one out, never aliasing the same pointer across concurrent calls.
package enginestate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/atmx/outcome-engine/internal/engineerr"
	"github.com/atmx/outcome-engine/internal/fixedpoint"
	"github.com/atmx/outcome-engine/internal/params"
)

// Side is the token side of a binary: YES or NO.
type Side int8

const (
	Yes Side = iota
	No
)

func (s Side) String() string {
	if s == Yes {
		return "YES"
	}
	return "NO"
}

// Direction is the resting side of an LOB pool.
type Direction int8

const (
	Buy Direction = iota
	Sell
)

func (d Direction) String() string {
	if d == Buy {
		return "BUY"
	}
	return "SELL"
}

// PoolKey identifies one LOB pool within a binary. Tick is the integer
// price expressed in units of tick_size; OptIn gates auto-fill
// eligibility and is carried in the key (not as a pool field) so
// opted-in and opted-out liquidity at the same tick never mix.
type PoolKey struct {
	Side      Side
	Direction Direction
	Tick      int64
	OptIn     bool
}

// String renders the canonical, sortable textual form of a pool key,
// e.g. "YES|BUY|55|true".
func (k PoolKey) String() string {
	return fmt.Sprintf("%s|%s|%d|%t", k.Side, k.Direction, k.Tick, k.OptIn)
}

// Pool is one resting liquidity pool. BUY pools hold committed
// collateral in Volume (Σ share·tick_price); SELL pools hold committed
// tokens in Volume (Σ share). Shares is keyed by user id.
type Pool struct {
	Volume fixedpoint.Num
	Shares map[string]fixedpoint.Num
}

func newPool() *Pool {
	return &Pool{Volume: fixedpoint.Zero(), Shares: map[string]fixedpoint.Num{}}
}

// BinaryState is the per-outcome sub-market.
type BinaryState struct {
	OutcomeIndex int
	V            fixedpoint.Num // user-contributed collateral
	Subsidy      fixedpoint.Num
	L            fixedpoint.Num // effective pool = V + Subsidy
	QYes         fixedpoint.Num
	QNo          fixedpoint.Num
	VirtualYes   fixedpoint.Num
	Seigniorage  fixedpoint.Num
	Active       bool
	Pools        map[PoolKey]*Pool
}

// QYesEff is q_yes + virtual_yes, the quantity pricing math uses.
func (b *BinaryState) QYesEff() fixedpoint.Num { return b.QYes.Add(b.VirtualYes) }

// PYes returns q_yes_eff / L.
func (b *BinaryState) PYes() (fixedpoint.Num, error) {
	return fixedpoint.SafeDivide(b.QYesEff(), b.L)
}

// PNo returns q_no / L.
func (b *BinaryState) PNo() (fixedpoint.Num, error) {
	return fixedpoint.SafeDivide(b.QNo, b.L)
}

// Pool returns the pool at key, creating it lazily if create is true and
// it does not yet exist.
func (b *BinaryState) Pool(key PoolKey, create bool) *Pool {
	p, ok := b.Pools[key]
	if !ok {
		if !create {
			return nil
		}
		p = newPool()
		b.Pools[key] = p
	}
	return p
}

// SortedPoolKeys returns every key present in b.Pools ordered by Side,
// then Direction, then numeric Tick, then OptIn (each ascending by its
// Go value), the deterministic base ordering required by
// spec §9 ("do not rely on insertion-ordered containers").
func (b *BinaryState) SortedPoolKeys() []PoolKey {
	keys := make([]PoolKey, 0, len(b.Pools))
	for k := range b.Pools {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, c := keys[i], keys[j]
		if a.Side != c.Side {
			return a.Side < c.Side
		}
		if a.Direction != c.Direction {
			return a.Direction < c.Direction
		}
		if a.Tick != c.Tick {
			return a.Tick < c.Tick
		}
		return !a.OptIn && c.OptIn
	})
	return keys
}

// EngineState is the full market: N binaries plus the global
// renormalization anchor.
type EngineState struct {
	NOutcomes int
	Binaries  []*BinaryState // index i == OutcomeIndex
	PreSumYes fixedpoint.Num
}

// GetBinary returns binary outcome or an InputError if out of range.
func (s *EngineState) GetBinary(outcome int) (*BinaryState, error) {
	if outcome < 0 || outcome >= len(s.Binaries) {
		return nil, &engineerr.InputError{Reason: engineerr.ReasonUnknownOutcome, Detail: fmt.Sprintf("outcome %d out of range", outcome)}
	}
	return s.Binaries[outcome], nil
}

// ActiveAscending returns every active binary in ascending outcome
// index order — the iteration order spec §4.5/§4.7 require for
// deterministic cross/auto-fill processing.
func (s *EngineState) ActiveAscending() []*BinaryState {
	out := make([]*BinaryState, 0, len(s.Binaries))
	for _, b := range s.Binaries {
		if b.Active {
			out = append(out, b)
		}
	}
	return out
}

// NActive counts active binaries.
func (s *EngineState) NActive() int {
	n := 0
	for _, b := range s.Binaries {
		if b.Active {
			n++
		}
	}
	return n
}

// SumPYes sums p_yes over every active binary.
func (s *EngineState) SumPYes() (fixedpoint.Num, error) {
	sum := fixedpoint.Zero()
	for _, b := range s.ActiveAscending() {
		p, err := b.PYes()
		if err != nil {
			return fixedpoint.Zero(), err
		}
		sum = sum.Add(p)
	}
	return sum, nil
}

// RecomputeSubsidy applies subsidy_i = max(0, Z/N - γ*V_i); L_i = V_i +
// subsidy_i (spec §4.3) to a single binary.
func RecomputeSubsidy(b *BinaryState, p params.EngineParams) error {
	zOverN, err := fixedpoint.SafeDivide(p.Z, fixedpoint.FromInt64(int64(p.NOutcomes)))
	if err != nil {
		return err
	}
	subsidy := zOverN.Sub(p.Gamma.Mul(b.V))
	subsidy = fixedpoint.Max(subsidy, fixedpoint.Zero())
	b.Subsidy = subsidy.Round(fixedpoint.AmountScale)
	b.L = b.V.Add(b.Subsidy).Round(fixedpoint.AmountScale)
	return nil
}

// RecomputeAllSubsidies recomputes subsidy/L for every binary, active or
// not, mirroring update_subsidies from the reference implementation.
func RecomputeAllSubsidies(s *EngineState, p params.EngineParams) error {
	for _, b := range s.Binaries {
		if err := RecomputeSubsidy(b, p); err != nil {
			return err
		}
	}
	return nil
}

// Init builds a fresh EngineState per spec §4.3: subsidy_i = Z/N, L_i =
// subsidy_i (V starts at 0), q_yes = q_no = q0, virtual_yes = 0, every
// binary active, no LOB pools, pre_sum_yes = 0.
func Init(p params.EngineParams) (*EngineState, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	zOverN, err := fixedpoint.SafeDivide(p.Z, fixedpoint.FromInt64(int64(p.NOutcomes)))
	if err != nil {
		return nil, err
	}
	zOverN = zOverN.Round(fixedpoint.AmountScale)
	maxInitial := p.PMax.Mul(zOverN)
	if p.Q0.GreaterThanOrEqual(maxInitial) {
		return nil, fmt.Errorf("enginestate: q0 %s must be < p_max*Z/N %s", p.Q0, maxInitial)
	}

	binaries := make([]*BinaryState, p.NOutcomes)
	for i := 0; i < p.NOutcomes; i++ {
		b := &BinaryState{
			OutcomeIndex: i,
			V:            fixedpoint.Zero(),
			Subsidy:      zOverN,
			L:            zOverN,
			QYes:         p.Q0.Round(fixedpoint.AmountScale),
			QNo:          p.Q0.Round(fixedpoint.AmountScale),
			VirtualYes:   fixedpoint.Zero(),
			Seigniorage:  fixedpoint.Zero(),
			Active:       true,
			Pools:        map[PoolKey]*Pool{},
		}
		binaries[i] = b
	}
	s := &EngineState{NOutcomes: p.NOutcomes, Binaries: binaries, PreSumYes: fixedpoint.Zero()}
	if err := Validate(s, p); err != nil {
		return nil, err
	}
	return s, nil
}

// Clone deep-copies an EngineState so the pipeline can simulate a
// mutation, check invariants, and roll back by simply discarding the
// clone instead of reverting field-by-field.
func (s *EngineState) Clone() *EngineState {
	out := &EngineState{NOutcomes: s.NOutcomes, PreSumYes: s.PreSumYes, Binaries: make([]*BinaryState, len(s.Binaries))}
	for i, b := range s.Binaries {
		nb := &BinaryState{
			OutcomeIndex: b.OutcomeIndex,
			V:            b.V,
			Subsidy:      b.Subsidy,
			L:            b.L,
			QYes:         b.QYes,
			QNo:          b.QNo,
			VirtualYes:   b.VirtualYes,
			Seigniorage:  b.Seigniorage,
			Active:       b.Active,
			Pools:        make(map[PoolKey]*Pool, len(b.Pools)),
		}
		for k, p := range b.Pools {
			shares := make(map[string]fixedpoint.Num, len(p.Shares))
			for u, v := range p.Shares {
				shares[u] = v
			}
			nb.Pools[k] = &Pool{Volume: p.Volume, Shares: shares}
		}
		out.Binaries[i] = nb
	}
	return out
}

// Validate checks every invariant named in spec §4.3. It is called at
// apply_orders entry/exit and at every mutation boundary inside the
// pipeline; callers are expected to roll back to a pre-mutation clone on
// failure rather than attempt partial repair.
func Validate(s *EngineState, p params.EngineParams) error {
	two := fixedpoint.FromInt64(2)
	zero := fixedpoint.Zero()
	subsidySum := zero
	for _, b := range s.Binaries {
		if !b.Active {
			continue
		}
		if !b.L.IsPositive() {
			return &engineerr.InvariantViolation{Detail: fmt.Sprintf("binary %d: L=%s must be >0", b.OutcomeIndex, b.L)}
		}
		if b.QYesEff().Add(b.QNo).GreaterThanOrEqual(two.Mul(b.L)) {
			return &engineerr.InvariantViolation{Detail: fmt.Sprintf("binary %d: q_yes_eff+q_no >= 2L", b.OutcomeIndex)}
		}
		pYes, err := b.PYes()
		if err != nil {
			return &engineerr.InvariantViolation{Detail: err.Error()}
		}
		pNo, err := b.PNo()
		if err != nil {
			return &engineerr.InvariantViolation{Detail: err.Error()}
		}
		if pYes.LessThanOrEqual(zero) || pYes.GreaterThanOrEqual(p.PMax) {
			return &engineerr.InvariantViolation{Detail: fmt.Sprintf("binary %d: p_yes=%s out of (0,p_max)", b.OutcomeIndex, pYes)}
		}
		if pNo.LessThanOrEqual(zero) || pNo.GreaterThanOrEqual(p.PMax) {
			return &engineerr.InvariantViolation{Detail: fmt.Sprintf("binary %d: p_no=%s out of (0,p_max)", b.OutcomeIndex, pNo)}
		}
		if p.VCEnabled && b.VirtualYes.IsNegative() {
			return &engineerr.InvariantViolation{Detail: fmt.Sprintf("binary %d: virtual_yes negative under vc_enabled", b.OutcomeIndex)}
		}
		subsidySum = subsidySum.Add(b.Subsidy)

		for key, pool := range b.Pools {
			if pool.Volume.IsNegative() {
				return &engineerr.InvariantViolation{Detail: fmt.Sprintf("binary %d pool %s: negative volume", b.OutcomeIndex, key)}
			}
			shareSum := fixedpoint.Zero()
			for _, sh := range pool.Shares {
				shareSum = shareSum.Add(sh)
			}
			if key.Direction == Buy {
				tickPrice := fixedpoint.FromInt64(key.Tick).Mul(p.Tick)
				expected := shareSum.Mul(tickPrice).Round(fixedpoint.AmountScale)
				if !pool.Volume.Round(fixedpoint.AmountScale).Equal(expected) {
					return &engineerr.InvariantViolation{Detail: fmt.Sprintf("binary %d pool %s: BUY volume mismatch", b.OutcomeIndex, key)}
				}
			} else {
				if !pool.Volume.Round(fixedpoint.AmountScale).Equal(shareSum.Round(fixedpoint.AmountScale)) {
					return &engineerr.InvariantViolation{Detail: fmt.Sprintf("binary %d pool %s: SELL volume mismatch", b.OutcomeIndex, key)}
				}
			}
		}
	}
	if subsidySum.GreaterThan(p.Z) {
		return &engineerr.InvariantViolation{Detail: fmt.Sprintf("sum of subsidies %s exceeds Z %s", subsidySum, p.Z)}
	}
	return nil
}

// --- Canonical serialization ---

type wirePool struct {
	Volume string            `json:"volume"`
	Shares map[string]string `json:"shares"`
}

type wireBinary struct {
	V           string               `json:"v"`
	Subsidy     string               `json:"subsidy"`
	L           string               `json:"l"`
	QYes        string               `json:"q_yes"`
	QNo         string               `json:"q_no"`
	VirtualYes  string               `json:"virtual_yes"`
	Seigniorage string               `json:"seigniorage"`
	Active      bool                 `json:"active"`
	Pools       map[string]*wirePool `json:"lob_pools"`
}

type wireState struct {
	NOutcomes int          `json:"n_outcomes"`
	Binaries  []wireBinary `json:"binaries"`
	PreSumYes string       `json:"pre_sum_yes"`
}

// Serialize renders the canonical, deterministic wire form: every
// fixed-point value as a raw scaled-integer base-10 string (spec §6),
// map keys sorted (encoding/json sorts map[string] keys alphabetically),
// and LOB pool keys as decimal-tick strings carrying an explicit opt_in
// field rather than sign-encoded integers (Open Question O5).
func Serialize(s *EngineState) ([]byte, error) {
	w := wireState{NOutcomes: s.NOutcomes, PreSumYes: s.PreSumYes.RawString(fixedpoint.PriceScale)}
	w.Binaries = make([]wireBinary, len(s.Binaries))
	for i, b := range s.Binaries {
		wb := wireBinary{
			V:           b.V.RawString(fixedpoint.AmountScale),
			Subsidy:     b.Subsidy.RawString(fixedpoint.AmountScale),
			L:           b.L.RawString(fixedpoint.AmountScale),
			QYes:        b.QYes.RawString(fixedpoint.AmountScale),
			QNo:         b.QNo.RawString(fixedpoint.AmountScale),
			VirtualYes:  b.VirtualYes.RawString(fixedpoint.AmountScale),
			Seigniorage: b.Seigniorage.RawString(fixedpoint.AmountScale),
			Active:      b.Active,
			Pools:       map[string]*wirePool{},
		}
		for key, pool := range b.Pools {
			shares := map[string]string{}
			for user, share := range pool.Shares {
				scale := fixedpoint.AmountScale
				if key.Direction == Sell {
					scale = fixedpoint.AmountScale
				}
				shares[user] = share.RawString(scale)
			}
			scale := fixedpoint.AmountScale
			wb.Pools[key.String()] = &wirePool{Volume: pool.Volume.RawString(scale), Shares: shares}
		}
		w.Binaries[i] = wb
	}
	return json.Marshal(w)
}

// Deserialize parses the canonical wire form produced by Serialize.
func Deserialize(data []byte) (*EngineState, error) {
	var w wireState
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	s := &EngineState{NOutcomes: w.NOutcomes, Binaries: make([]*BinaryState, len(w.Binaries))}
	preSumYes, err := fixedpoint.ParseRaw(w.PreSumYes, fixedpoint.PriceScale)
	if err != nil {
		return nil, err
	}
	s.PreSumYes = preSumYes

	for i, wb := range w.Binaries {
		parse := func(raw string) (fixedpoint.Num, error) { return fixedpoint.ParseRaw(raw, fixedpoint.AmountScale) }
		v, err := parse(wb.V)
		if err != nil {
			return nil, err
		}
		subsidy, err := parse(wb.Subsidy)
		if err != nil {
			return nil, err
		}
		l, err := parse(wb.L)
		if err != nil {
			return nil, err
		}
		qYes, err := parse(wb.QYes)
		if err != nil {
			return nil, err
		}
		qNo, err := parse(wb.QNo)
		if err != nil {
			return nil, err
		}
		virtualYes, err := parse(wb.VirtualYes)
		if err != nil {
			return nil, err
		}
		seigniorage, err := parse(wb.Seigniorage)
		if err != nil {
			return nil, err
		}
		b := &BinaryState{
			OutcomeIndex: i,
			V:            v,
			Subsidy:      subsidy,
			L:            l,
			QYes:         qYes,
			QNo:          qNo,
			VirtualYes:   virtualYes,
			Seigniorage:  seigniorage,
			Active:       wb.Active,
			Pools:        map[PoolKey]*Pool{},
		}
		for keyStr, wp := range wb.Pools {
			key, err := parsePoolKey(keyStr)
			if err != nil {
				return nil, err
			}
			volume, err := parse(wp.Volume)
			if err != nil {
				return nil, err
			}
			shares := map[string]fixedpoint.Num{}
			for user, raw := range wp.Shares {
				share, err := parse(raw)
				if err != nil {
					return nil, err
				}
				shares[user] = share
			}
			b.Pools[key] = &Pool{Volume: volume, Shares: shares}
		}
		s.Binaries[i] = b
	}
	return s, nil
}

func parsePoolKey(s string) (PoolKey, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 4 {
		return PoolKey{}, fmt.Errorf("enginestate: invalid pool key %q", s)
	}
	sideStr, dirStr, tickStr, optInStr := parts[0], parts[1], parts[2], parts[3]
	var tick int64
	if _, err := fmt.Sscanf(tickStr, "%d", &tick); err != nil {
		return PoolKey{}, fmt.Errorf("enginestate: invalid pool key tick %q", s)
	}
	optIn := optInStr == "true"
	var side Side
	switch sideStr {
	case "YES":
		side = Yes
	case "NO":
		side = No
	default:
		return PoolKey{}, fmt.Errorf("enginestate: invalid pool side %q", sideStr)
	}
	var dir Direction
	switch dirStr {
	case "BUY":
		dir = Buy
	case "SELL":
		dir = Sell
	default:
		return PoolKey{}, fmt.Errorf("enginestate: invalid pool direction %q", dirStr)
	}
	return PoolKey{Side: side, Direction: dir, Tick: tick, OptIn: optIn}, nil
}
