package engine

import (
	"context"
	"math"

	"github.com/shopspring/decimal"
)

// RPCBackend is the slice of the endpoint failover manager the engine
// components depend on. *rpctier.Manager satisfies it.
type RPCBackend interface {
	Call(ctx context.Context, result any, method string, params ...any) error
	BlockNumber(ctx context.Context) (uint64, error)
	Healthy(ctx context.Context) bool
}

// SubscribingBackend additionally exposes the websocket endpoint used for
// streaming subscriptions.
type SubscribingBackend interface {
	RPCBackend
	SubscribeURL() (string, error)
}

// StrategyProducer is one pluggable opportunity source. FindOpportunity is
// invoked once per cycle with a bounded context and returns at most one
// candidate. BuildIntent turns a previously returned opportunity into an
// execution-ready transaction.
type StrategyProducer interface {
	Kind() StrategyKind
	FindOpportunity(ctx context.Context) (*Opportunity, error)
	BuildIntent(ctx context.Context, opp *Opportunity) (*TxIntent, error)
}

// ConfidenceScorer estimates the probability that an opportunity at a given
// expected profit will realize. The production scorer is an external model;
// ProfitCurveScorer is the in-process fallback.
type ConfidenceScorer interface {
	Score(expectedProfit decimal.Decimal, kind StrategyKind) float64
}

// ProfitCurveScorer maps expected profit onto a saturating confidence curve.
// Small profits are treated as noise-prone, large ones saturate near capped
// confidence.
type ProfitCurveScorer struct {
	// Midpoint is the profit at which confidence crosses halfway to Max.
	Midpoint decimal.Decimal
	// Max caps the confidence; a heuristic scorer should never claim
	// certainty.
	Max float64
}

func NewProfitCurveScorer() *ProfitCurveScorer {
	return &ProfitCurveScorer{
		Midpoint: decimal.NewFromInt(20),
		Max:      0.95,
	}
}

func (s *ProfitCurveScorer) Score(expectedProfit decimal.Decimal, kind StrategyKind) float64 {
	if !expectedProfit.IsPositive() {
		return 0
	}
	profit, _ := expectedProfit.Float64()
	midpoint, _ := s.Midpoint.Float64()
	if midpoint <= 0 {
		midpoint = 1
	}
	return s.Max * (1 - math.Exp(-profit/midpoint))
}
