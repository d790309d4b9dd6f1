package engine

import (
	"sort"

	"github.com/shopspring/decimal"
)

// SelectBest implements the two-stage opportunity ranking:
//
//  1. discard candidates below minConfidence
//  2. sort the rest by expected profit, descending
//  3. within a fixed absolute band of the top profit, break the tie by the
//     strategy kind's fixed priority
//
// Profit is the primary signal; the priority tie-break only decides between
// near-equal profits, preferring time-sensitive strategies over equally
// profitable slower ones. Pure selection, no side effects.
func SelectBest(opps []*Opportunity, minConfidence float64, similarityBand decimal.Decimal) *Opportunity {
	candidates := make([]*Opportunity, 0, len(opps))
	for _, opp := range opps {
		if opp == nil {
			continue
		}
		if opp.Confidence < minConfidence {
			continue
		}
		candidates = append(candidates, opp)
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].ExpectedProfit.GreaterThan(candidates[j].ExpectedProfit)
	})
	top := candidates[0]

	winner := top
	for _, opp := range candidates[1:] {
		if top.ExpectedProfit.Sub(opp.ExpectedProfit).GreaterThan(similarityBand) {
			break
		}
		if opp.Kind.Priority() > winner.Kind.Priority() {
			winner = opp
		}
	}
	return winner
}
