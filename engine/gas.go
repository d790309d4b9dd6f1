package engine

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"
	"github.com/stratarb/arb-engine/spike"
	"go.uber.org/zap"
)

const (
	// number of recently observed tips the learned estimate averages over
	tipHistorySize = 100
	// learned estimate is only blended in once this many samples exist
	tipBlendThreshold = 10
	// gas units a representative arbitrage burns, used to convert a tip
	// into a dollar cost when capping against expected profit
	referenceGas = 500_000

	// network gas price samples kept for the trend estimate
	gasHistorySize = 30
	// below this many samples the direction is noise
	gasTrendMinSamples = 6
	// recent half must move this much against the older half to count
	gasTrendRatio = 1.05
)

// GasTrend labels the direction of recent network gas price movement.
type GasTrend string

const (
	TrendRising  GasTrend = "rising"
	TrendFalling GasTrend = "falling"
	TrendStable  GasTrend = "stable"
)

var (
	tipProfitCapFraction = decimal.RequireFromString("0.1")
	tipBandMid           = decimal.NewFromInt(50)
	tipBandHigh          = decimal.NewFromInt(100)
)

type GasPricerConfig struct {
	MinTipGwei float64
	MaxTipGwei float64
	// hard ceiling for any fee field, in wei
	MaxFeeWei *big.Int
	// spot price used to convert gwei into dollars
	EthPriceUSD decimal.Decimal
	// how long a cached base fee quote stays fresh; zero means two seconds
	QuoteTTL time.Duration
}

const (
	quoteGasPrice = "gasPrice"
	quoteBaseFee  = "baseFee"
)

var errUnknownQuote = errors.New("unknown gas quote key")

// GasPricer prices transactions from three inputs: the live network rate, a
// profit-scaled priority band, and a learned component averaged from recent
// submissions. The tip can never exceed the configured ceiling or spend more
// than a tenth of the opportunity's expected profit.
type GasPricer struct {
	log    *zap.Logger
	rpc    RPCBackend
	cfg    GasPricerConfig
	quotes *spike.Loader[*big.Int]

	mu         sync.Mutex
	observed   []float64
	cursor     int
	gasHistory []float64
}

func NewGasPricer(log *zap.Logger, rpc RPCBackend, cfg GasPricerConfig) *GasPricer {
	if cfg.QuoteTTL == 0 {
		cfg.QuoteTTL = 2 * time.Second
	}
	p := &GasPricer{
		log: log.Named("gas"),
		rpc: rpc,
		cfg: cfg,
	}
	p.quotes = spike.NewLoader(p.fetchQuote, cfg.QuoteTTL)
	return p
}

// fetchQuote reads one network quote; concurrent callers coalesce on the
// loader and everyone shares the result until it expires.
func (p *GasPricer) fetchQuote(ctx context.Context, key string) (*big.Int, error) {
	switch key {
	case quoteGasPrice:
		var price hexutil.Big
		if err := p.rpc.Call(ctx, &price, "eth_gasPrice"); err != nil {
			return nil, err
		}
		p.recordGasSample(weiToGwei(price.ToInt()))
		return price.ToInt(), nil
	case quoteBaseFee:
		var head struct {
			BaseFee *hexutil.Big `json:"baseFeePerGas"`
		}
		if err := p.rpc.Call(ctx, &head, "eth_getBlockByNumber", "latest", false); err != nil {
			return nil, err
		}
		if head.BaseFee == nil {
			return new(big.Int), nil
		}
		return head.BaseFee.ToInt(), nil
	}
	return nil, errUnknownQuote
}

// JITPrice reads the network gas price just before submission and adds a 5%
// buffer so the quote does not go stale between pricing and broadcast. It
// always hits the network; only the base fee path goes through the quote
// cache.
func (p *GasPricer) JITPrice(ctx context.Context) (*big.Int, error) {
	price, err := p.fetchQuote(ctx, quoteGasPrice)
	if err != nil {
		return nil, err
	}
	buffered := new(big.Int).Mul(price, big.NewInt(21))
	buffered.Div(buffered, big.NewInt(20))
	return p.capFee(buffered), nil
}

// FeeParams derives the EIP-1559 fee pair from the latest base fee. The fee
// cap leaves headroom for one doubling of the base fee.
func (p *GasPricer) FeeParams(ctx context.Context, tip *big.Int) (feeCap, tipCap *big.Int, err error) {
	base, err := p.quotes.Get(ctx, quoteBaseFee)
	if err != nil {
		return nil, nil, err
	}
	feeCap = new(big.Int).Mul(base, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	return p.capFee(feeCap), p.capFee(tip), nil
}

// Tip computes the priority fee in wei for an opportunity. victimGasPrice is
// only consulted for sandwiches, where the attacker has to outbid the victim
// by the replacement margin for the ordering to hold.
func (p *GasPricer) Tip(expectedProfit decimal.Decimal, kind StrategyKind, victimGasPrice *big.Int) *big.Int {
	tip := p.cfg.MinTipGwei
	switch {
	case expectedProfit.GreaterThanOrEqual(tipBandHigh):
		tip *= 2.0
	case expectedProfit.GreaterThanOrEqual(tipBandMid):
		tip *= 1.5
	}

	if kind == StrategySandwich && victimGasPrice != nil {
		beat := weiToGwei(victimGasPrice) * 1.125
		if beat > tip {
			tip = beat
		}
	}

	if learned, ok := p.learnedGwei(); ok {
		tip = 0.6*tip + 0.4*learned
	}

	if tip < p.cfg.MinTipGwei {
		tip = p.cfg.MinTipGwei
	}
	if tip > p.cfg.MaxTipGwei {
		tip = p.cfg.MaxTipGwei
	}

	// the profit cap applies after clamping so a thin opportunity can pull
	// the tip below the configured floor rather than be priced out of it
	if cap, ok := p.profitCapGwei(expectedProfit); ok && tip > cap {
		tip = cap
	}
	return gweiToWei(tip)
}

// RecordOutcome feeds a landed transaction's tip back into the learned
// estimate. Failed submissions carry no pricing signal and are ignored.
func (p *GasPricer) RecordOutcome(tipWei *big.Int, landed bool) {
	if !landed || tipWei == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	gwei := weiToGwei(tipWei)
	if len(p.observed) < tipHistorySize {
		p.observed = append(p.observed, gwei)
		return
	}
	p.observed[p.cursor] = gwei
	p.cursor = (p.cursor + 1) % tipHistorySize
}

// recordGasSample keeps a short ordered history of network gas prices for
// the trend estimate.
func (p *GasPricer) recordGasSample(gwei float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.gasHistory) >= gasHistorySize {
		copy(p.gasHistory, p.gasHistory[1:])
		p.gasHistory[len(p.gasHistory)-1] = gwei
		return
	}
	p.gasHistory = append(p.gasHistory, gwei)
}

// Trend compares the recent half of the gas price history against the older
// half and labels the movement rising, falling or stable.
func (p *GasPricer) Trend() GasTrend {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.gasHistory) < gasTrendMinSamples {
		return TrendStable
	}
	mid := len(p.gasHistory) / 2
	older := mean(p.gasHistory[:mid])
	recent := mean(p.gasHistory[mid:])
	switch {
	case older > 0 && recent > older*gasTrendRatio:
		return TrendRising
	case recent > 0 && older > recent*gasTrendRatio:
		return TrendFalling
	}
	return TrendStable
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// AverageGwei reports the learned tip, or zero before enough samples exist.
func (p *GasPricer) AverageGwei() float64 {
	learned, ok := p.learnedGwei()
	if !ok {
		return 0
	}
	return learned
}

func (p *GasPricer) learnedGwei() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.observed) <= tipBlendThreshold {
		return 0, false
	}
	var sum float64
	for _, v := range p.observed {
		sum += v
	}
	return sum / float64(len(p.observed)), true
}

// profitCapGwei converts a tenth of the expected profit into gwei at the
// reference gas usage.
func (p *GasPricer) profitCapGwei(expectedProfit decimal.Decimal) (float64, bool) {
	if p.cfg.EthPriceUSD.IsZero() || expectedProfit.Sign() <= 0 {
		return 0, false
	}
	budgetUSD := expectedProfit.Mul(tipProfitCapFraction)
	budgetEth := budgetUSD.Div(p.cfg.EthPriceUSD)
	ethF, _ := budgetEth.Float64()
	return ethF * params.GWei / referenceGas, true
}

func (p *GasPricer) capFee(fee *big.Int) *big.Int {
	if p.cfg.MaxFeeWei != nil && fee.Cmp(p.cfg.MaxFeeWei) > 0 {
		return new(big.Int).Set(p.cfg.MaxFeeWei)
	}
	return fee
}

func weiToGwei(wei *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(params.GWei)).Float64()
	return f
}

func gweiToWei(gwei float64) *big.Int {
	wei, _ := new(big.Float).Mul(big.NewFloat(gwei), big.NewFloat(params.GWei)).Int(nil)
	return wei
}
