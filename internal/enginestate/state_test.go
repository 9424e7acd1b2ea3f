package enginestate

import (
	"testing"

	"github.com/atmx/outcome-engine/internal/fixedpoint"
	"github.com/atmx/outcome-engine/internal/params"
)

func TestInit_SeedsEveryBinaryIdenticallyAndPasses(t *testing.T) {
	p := params.Default()
	s, err := Init(p)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if len(s.Binaries) != p.NOutcomes {
		t.Fatalf("got %d binaries, want %d", len(s.Binaries), p.NOutcomes)
	}
	for _, b := range s.Binaries {
		if !b.Active {
			t.Errorf("binary %d: expected active at init", b.OutcomeIndex)
		}
		if !b.QYes.Equal(p.Q0.Round(fixedpoint.AmountScale)) {
			t.Errorf("binary %d: q_yes = %s, want q0 = %s", b.OutcomeIndex, b.QYes, p.Q0)
		}
		if !b.VirtualYes.IsZero() {
			t.Errorf("binary %d: expected virtual_yes=0 at init", b.OutcomeIndex)
		}
	}
	if err := Validate(s, p); err != nil {
		t.Errorf("freshly initialized state failed Validate: %v", err)
	}
}

func TestInit_RejectsQ0AboveCeiling(t *testing.T) {
	p := params.Default()
	zOverN, err := fixedpoint.SafeDivide(p.Z, fixedpoint.FromInt64(int64(p.NOutcomes)))
	if err != nil {
		t.Fatalf("SafeDivide: %v", err)
	}
	p.Q0 = p.PMax.Mul(zOverN)
	if _, err := Init(p); err == nil {
		t.Errorf("expected Init to reject q0 >= p_max*Z/N")
	}
}

func TestPYes_Init_IsOneHalf(t *testing.T) {
	p := params.Default()
	s, err := Init(p)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	b, _ := s.GetBinary(0)
	pYes, err := b.PYes()
	if err != nil {
		t.Fatalf("PYes: %v", err)
	}
	// q0 and L are both rounded to 6 decimals, so the raw quotient is
	// 0.50000000015; at the 4-decimal price scale it is exactly 0.5.
	if !pYes.Round(fixedpoint.PriceScale).Equal(fixedpoint.MustFromString("0.5")) {
		t.Errorf("p_yes at init = %s, want 0.5 at the price scale (Default seeds q0 for an even split)", pYes)
	}
}

func TestGetBinary_OutOfRangeReturnsError(t *testing.T) {
	p := params.Default()
	s, _ := Init(p)
	if _, err := s.GetBinary(-1); err == nil {
		t.Errorf("expected error for negative outcome index")
	}
	if _, err := s.GetBinary(len(s.Binaries)); err == nil {
		t.Errorf("expected error for out-of-range outcome index")
	}
}

func TestActiveAscending_SkipsEliminated(t *testing.T) {
	p := params.Default()
	s, _ := Init(p)
	b1, _ := s.GetBinary(1)
	b1.Active = false
	active := s.ActiveAscending()
	if len(active) != p.NOutcomes-1 {
		t.Fatalf("got %d active binaries, want %d", len(active), p.NOutcomes-1)
	}
	for _, b := range active {
		if b.OutcomeIndex == 1 {
			t.Errorf("eliminated outcome 1 still present in ActiveAscending")
		}
	}
}

func TestClone_IsDeepAndIndependent(t *testing.T) {
	p := params.Default()
	s, _ := Init(p)
	key := PoolKey{Side: Yes, Direction: Buy, Tick: 50, OptIn: false}
	pool := s.Binaries[0].Pool(key, true)
	pool.Shares["alice"] = fixedpoint.MustFromString("10")

	clone := s.Clone()
	clone.Binaries[0].V = fixedpoint.MustFromString("999")
	clone.Binaries[0].Pool(key, true).Shares["alice"] = fixedpoint.MustFromString("777")

	if s.Binaries[0].V.Equal(fixedpoint.MustFromString("999")) {
		t.Errorf("mutating the clone's V also mutated the original")
	}
	if s.Binaries[0].Pool(key, false).Shares["alice"].Equal(fixedpoint.MustFromString("777")) {
		t.Errorf("mutating the clone's pool shares also mutated the original")
	}
}

func TestSerialize_Deserialize_RoundTripsExactly(t *testing.T) {
	p := params.Default()
	s, err := Init(p)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	key := PoolKey{Side: No, Direction: Sell, Tick: 30, OptIn: true}
	s.Binaries[2].Pool(key, true).Shares["bob"] = fixedpoint.MustFromString("4.5")
	s.Binaries[2].Pool(key, true).Volume = fixedpoint.MustFromString("4.5")

	blob, err := Serialize(s)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	back, err := Deserialize(blob)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if back.NOutcomes != s.NOutcomes {
		t.Errorf("n_outcomes = %d, want %d", back.NOutcomes, s.NOutcomes)
	}
	for i := range s.Binaries {
		want, got := s.Binaries[i], back.Binaries[i]
		if !want.QYes.Equal(got.QYes) || !want.QNo.Equal(got.QNo) {
			t.Errorf("binary %d: q_yes/q_no did not round-trip", i)
		}
		if !want.L.Equal(got.L) {
			t.Errorf("binary %d: L did not round-trip", i)
		}
	}
	restoredPool := back.Binaries[2].Pool(key, false)
	if restoredPool == nil {
		t.Fatalf("pool did not round-trip")
	}
	if !restoredPool.Shares["bob"].Equal(fixedpoint.MustFromString("4.5")) {
		t.Errorf("pool shares did not round-trip exactly")
	}
}

func TestValidate_RejectsPYesAtOrAbovePMax(t *testing.T) {
	p := params.Default()
	s, _ := Init(p)
	b, _ := s.GetBinary(0)
	b.VirtualYes = b.L.Sub(b.QYes) // drives p_yes to exactly 1
	if err := Validate(s, p); err == nil {
		t.Errorf("expected Validate to reject p_yes >= p_max")
	}
}

func TestValidate_RejectsSubsidySumAboveZ(t *testing.T) {
	p := params.Default()
	s, _ := Init(p)
	for _, b := range s.Binaries {
		b.Subsidy = p.Z
	}
	if err := Validate(s, p); err == nil {
		t.Errorf("expected Validate to reject sum of subsidies exceeding Z")
	}
}

func TestRecomputeSubsidy_MatchesMaxZeroFloor(t *testing.T) {
	p := params.Default()
	s, _ := Init(p)
	b, _ := s.GetBinary(0)
	// γ*V = 0.0001*1e8 = 10000 exceeds Z/N ≈ 3333.33, so subsidy floors at 0.
	b.V = fixedpoint.MustFromString("100000000")
	if err := RecomputeSubsidy(b, p); err != nil {
		t.Fatalf("RecomputeSubsidy: %v", err)
	}
	if !b.Subsidy.IsZero() {
		t.Errorf("subsidy = %s, want 0 when γ*V exceeds Z/N", b.Subsidy)
	}
	if !b.L.Equal(b.V) {
		t.Errorf("L = %s, want V (subsidy=0)", b.L)
	}
}

func TestSortedPoolKeys_IsDeterministic(t *testing.T) {
	p := params.Default()
	s, _ := Init(p)
	b, _ := s.GetBinary(0)
	keys := []PoolKey{
		{Side: No, Direction: Sell, Tick: 10, OptIn: false},
		{Side: Yes, Direction: Buy, Tick: 90, OptIn: true},
		{Side: Yes, Direction: Buy, Tick: 10, OptIn: false},
	}
	for _, k := range keys {
		b.Pool(k, true)
	}
	sorted := b.SortedPoolKeys()
	if len(sorted) != len(keys) {
		t.Fatalf("got %d keys, want %d", len(sorted), len(keys))
	}
	for i := 1; i < len(sorted); i++ {
		a, c := sorted[i-1].String(), sorted[i].String()
		if a > c && sorted[i-1].Side == sorted[i].Side && sorted[i-1].Direction == sorted[i].Direction {
			t.Errorf("pool keys %v then %v not in ascending tick order", sorted[i-1], sorted[i])
		}
	}
}
