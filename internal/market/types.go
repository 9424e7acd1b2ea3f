// Package market holds the wire-level types shared across the pipeline,
// LOB, auto-fill and resolution packages: orders, fills and events. None
// of these types carry behavior beyond simple constructors; the
// operations that produce and consume them live in their own packages.
package market

import (
	"github.com/atmx/outcome-engine/internal/enginestate"
	"github.com/atmx/outcome-engine/internal/fixedpoint"
)

// Reserved counterparty ids for system-side legs, named so a host can
// post accounting entries correctly (spec §9, "Counterparty ids").
const (
	SystemAMM      = "SYSTEM:AMM"
	SystemAutofill = "SYSTEM:AUTOFILL"
	// SystemLOBPool is the aggregate counterparty id for a Fill matched
	// against a multi-user LOB pool, where per-user attribution lives in
	// the pool's own share ledger rather than in the Fill record.
	SystemLOBPool = "SYSTEM:LOB_POOL"
)

// OrderKind distinguishes a MARKET order, which executes immediately
// against LOB+AMM, from a LIMIT order, which rests in a pool.
type OrderKind int8

const (
	Market OrderKind = iota
	Limit
)

// Order is one caller-submitted instruction.
type Order struct {
	OrderID      string
	UserID       string
	OutcomeIndex int
	Side         enginestate.Side
	Kind         OrderKind
	IsBuy        bool
	Size         fixedpoint.Num
	LimitPrice   fixedpoint.Num // meaningful only when Kind == Limit
	MaxSlippage  *fixedpoint.Num
	AFOptIn      bool
	TsMs         int64
}

// FillType tags how a Fill was produced.
type FillType int8

const (
	FillAMM FillType = iota
	FillLOB
	FillCross
	FillAutofill
)

func (t FillType) String() string {
	switch t {
	case FillAMM:
		return "AMM"
	case FillLOB:
		return "LOB"
	case FillCross:
		return "CROSS"
	case FillAutofill:
		return "AUTOFILL"
	default:
		return "UNKNOWN"
	}
}

// Fill records one executed trade leg.
type Fill struct {
	TradeID      string
	Buyer        string
	Seller       string
	OutcomeIndex int
	Side         enginestate.Side
	Price        fixedpoint.Num
	Size         fixedpoint.Num
	Fee          fixedpoint.Num
	FillType     FillType
	PriceYes     *fixedpoint.Num // set for CROSS fills
	PriceNo      *fixedpoint.Num // set for CROSS fills
	TickID       *int64
	TsMs         int64
}

// EventType enumerates the tagged event kinds from spec §3.1.
type EventType string

const (
	EventOrderAccepted    EventType = "ORDER_ACCEPTED"
	EventOrderRejected    EventType = "ORDER_REJECTED"
	EventFill             EventType = "FILL"
	EventCrossMatch       EventType = "CROSS_MATCH"
	EventAutoFill         EventType = "AUTO_FILL"
	EventElimination      EventType = "ELIMINATION"
	EventResolutionFinal  EventType = "RESOLUTION_FINAL"
	EventParamWarning     EventType = "PARAM_WARNING"
	EventRoundSummary     EventType = "ROUND_SUMMARY"
)

// Event is a tagged, caller-owned notification produced by apply_orders
// or trigger_resolution.
type Event struct {
	Type    EventType
	Payload map[string]any
	TsMs    int64
}
