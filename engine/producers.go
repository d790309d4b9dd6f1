package engine

import (
	"context"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var executorABI = mustABI(`[{"inputs":[{"internalType":"address","name":"tokenIn","type":"address"},{"internalType":"address","name":"tokenOut","type":"address"},{"internalType":"address","name":"buyRouter","type":"address"},{"internalType":"address","name":"sellRouter","type":"address"},{"internalType":"uint256","name":"amountIn","type":"uint256"}],"name":"executeSpread","outputs":[],"stateMutability":"nonpayable","type":"function"},{"inputs":[{"internalType":"bytes32","name":"victim","type":"bytes32"},{"internalType":"address","name":"router","type":"address"},{"internalType":"bytes","name":"victimInput","type":"bytes"}],"name":"executeSandwich","outputs":[],"stateMutability":"nonpayable","type":"function"}]`)

// combined swap fee over the two legs of a spread trade, as a fraction
var spreadFeeFraction = decimal.RequireFromString("0.006")

// Market names a cross-venue pair the spread producer watches. Both pairs
// trade the same token couple on different routers.
type Market struct {
	Name         string
	TokenIn      common.Address
	TokenOut     common.Address
	BuyPair      common.Address
	SellPair     common.Address
	BuyRouter    common.Address
	SellRouter   common.Address
	TradeSizeUSD decimal.Decimal
}

// DirectSpreadProducer looks for price gaps between two venues quoting the
// same pair. All pair reserves are read in one aggregated batch per poll.
type DirectSpreadProducer struct {
	log      *zap.Logger
	agg      *Aggregator
	executor common.Address
	markets  []Market
	// spreads below this, net of fees, are noise
	minProfitUSD decimal.Decimal
}

func NewDirectSpreadProducer(log *zap.Logger, agg *Aggregator, executor common.Address, markets []Market, minProfitUSD decimal.Decimal) *DirectSpreadProducer {
	return &DirectSpreadProducer{
		log:          log.Named("spread"),
		agg:          agg,
		executor:     executor,
		markets:      markets,
		minProfitUSD: minProfitUSD,
	}
}

func (p *DirectSpreadProducer) Kind() StrategyKind { return StrategyDirect }

func (p *DirectSpreadProducer) FindOpportunity(ctx context.Context) (*Opportunity, error) {
	if len(p.markets) == 0 {
		return nil, nil
	}
	pairs := make([]common.Address, 0, 2*len(p.markets))
	for _, m := range p.markets {
		pairs = append(pairs, m.BuyPair, m.SellPair)
	}
	reserves, err := p.agg.ReservesBatch(ctx, pairs)
	if err != nil {
		return nil, err
	}

	var best *Opportunity
	for i, market := range p.markets {
		buy, sell := reserves[2*i], reserves[2*i+1]
		if !buy.OK || !sell.OK {
			continue
		}
		profit := spreadProfit(buy, sell, market.TradeSizeUSD)
		if profit.LessThan(p.minProfitUSD) {
			continue
		}
		if best != nil && profit.LessThanOrEqual(best.ExpectedProfit) {
			continue
		}
		p.log.Debug("spread found",
			zap.String("market", market.Name), zap.String("profitUsd", profit.StringFixed(2)))
		best = &Opportunity{
			Kind:           StrategyDirect,
			ExpectedProfit: profit,
			Payload: OpportunityPayload{Direct: &DirectPayload{
				TokenIn:      market.TokenIn,
				TokenOut:     market.TokenOut,
				BuyRouter:    market.BuyRouter,
				SellRouter:   market.SellRouter,
				TradeSizeUSD: market.TradeSizeUSD,
			}},
		}
	}
	return best, nil
}

// spreadProfit prices tokenOut in tokenIn on both venues and nets the swap
// fees out of the relative gap.
func spreadProfit(buy, sell PairReserves, tradeSizeUSD decimal.Decimal) decimal.Decimal {
	if buy.Reserve0.Sign() == 0 || sell.Reserve0.Sign() == 0 {
		return decimal.Zero
	}
	buyPrice := decimal.NewFromBigInt(buy.Reserve1, 0).Div(decimal.NewFromBigInt(buy.Reserve0, 0))
	sellPrice := decimal.NewFromBigInt(sell.Reserve1, 0).Div(decimal.NewFromBigInt(sell.Reserve0, 0))
	if buyPrice.IsZero() || sellPrice.LessThanOrEqual(buyPrice) {
		return decimal.Zero
	}
	spread := sellPrice.Sub(buyPrice).Div(buyPrice)
	return tradeSizeUSD.Mul(spread.Sub(spreadFeeFraction))
}

func (p *DirectSpreadProducer) BuildIntent(_ context.Context, opp *Opportunity) (*TxIntent, error) {
	payload := opp.Payload.Direct
	if payload == nil {
		return nil, ErrInvalidPayload
	}
	amount := payload.TradeSizeUSD.Shift(6).BigInt() // sized in 6-decimal stable units
	data, err := executorABI.Pack("executeSpread",
		payload.TokenIn, payload.TokenOut, payload.BuyRouter, payload.SellRouter, amount)
	if err != nil {
		return nil, err
	}
	return &TxIntent{
		To:    p.executor,
		Data:  data,
		Value: (*hexutil.Big)(big.NewInt(0)),
		Gas:   500_000,
		State: IntentBuilt,
	}, nil
}

// SandwichProducer turns the largest live mempool swap candidate into a
// sandwich opportunity. Profit is estimated from the victim's trade size;
// the tight window makes this the most time-critical strategy.
type SandwichProducer struct {
	log      *zap.Logger
	feed     *MempoolFeed
	executor common.Address
	// fraction of the victim's visible trade value captured by the sandwich
	captureFraction decimal.Decimal
	ethPriceUSD     decimal.Decimal
	minProfitUSD    decimal.Decimal
}

func NewSandwichProducer(log *zap.Logger, feed *MempoolFeed, executor common.Address, ethPriceUSD, minProfitUSD decimal.Decimal) *SandwichProducer {
	return &SandwichProducer{
		log:             log.Named("sandwich"),
		feed:            feed,
		executor:        executor,
		captureFraction: decimal.RequireFromString("0.003"),
		ethPriceUSD:     ethPriceUSD,
		minProfitUSD:    minProfitUSD,
	}
}

func (p *SandwichProducer) Kind() StrategyKind { return StrategySandwich }

func (p *SandwichProducer) FindOpportunity(_ context.Context) (*Opportunity, error) {
	candidates := p.feed.Candidates()
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Value.Cmp(candidates[j].Value) > 0
	})

	for _, candidate := range candidates {
		profit := p.estimateProfit(candidate)
		if profit.LessThan(p.minProfitUSD) {
			continue
		}
		return &Opportunity{
			Kind:           StrategySandwich,
			ExpectedProfit: profit,
			Payload: OpportunityPayload{Sandwich: &SandwichPayload{
				VictimTx:       candidate.Hash,
				VictimGasPrice: (*hexutil.Big)(candidate.GasPrice),
				Router:         candidate.Router,
			}},
		}, nil
	}
	return nil, nil
}

func (p *SandwichProducer) estimateProfit(candidate *SwapCandidate) decimal.Decimal {
	valueEth := decimal.NewFromBigInt(candidate.Value, -18)
	return valueEth.Mul(p.ethPriceUSD).Mul(p.captureFraction)
}

func (p *SandwichProducer) BuildIntent(_ context.Context, opp *Opportunity) (*TxIntent, error) {
	payload := opp.Payload.Sandwich
	if payload == nil {
		return nil, ErrInvalidPayload
	}
	// claim the victim so a later cycle cannot target it again
	candidate, ok := p.feed.Take(payload.VictimTx)
	if !ok {
		return nil, ErrInvalidPayload
	}
	data, err := executorABI.Pack("executeSandwich",
		[32]byte(candidate.Hash), candidate.Router, []byte(candidate.Input))
	if err != nil {
		return nil, err
	}
	return &TxIntent{
		To:    p.executor,
		Data:  data,
		Value: (*hexutil.Big)(big.NewInt(0)),
		Gas:   650_000,
		State: IntentBuilt,
	}, nil
}
