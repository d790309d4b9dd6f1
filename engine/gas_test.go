package engine

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/params"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPricer(t *testing.T) (*GasPricer, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend()
	return NewGasPricer(zap.NewNop(), backend, GasPricerConfig{
		MinTipGwei:  2,
		MaxTipGwei:  50,
		MaxFeeWei:   gweiToWei(500),
		EthPriceUSD: decimal.NewFromInt(2000),
		QuoteTTL:    time.Nanosecond,
	}), backend
}

func usd(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestTipProfitBands(t *testing.T) {
	pricer, _ := newTestPricer(t)

	require.InDelta(t, 2.0, weiToGwei(pricer.Tip(usd(30), StrategyDirect, nil)), 0.001)
	require.InDelta(t, 3.0, weiToGwei(pricer.Tip(usd(50), StrategyDirect, nil)), 0.001)
	require.InDelta(t, 3.0, weiToGwei(pricer.Tip(usd(99), StrategyDirect, nil)), 0.001)
	require.InDelta(t, 4.0, weiToGwei(pricer.Tip(usd(100), StrategyDirect, nil)), 0.001)
}

func TestTipSandwichBeatsVictim(t *testing.T) {
	pricer, _ := newTestPricer(t)

	tip := pricer.Tip(usd(300), StrategySandwich, gweiToWei(20))
	require.InDelta(t, 22.5, weiToGwei(tip), 0.001)

	// a cheap victim does not pull the tip below the band price
	tip = pricer.Tip(usd(300), StrategySandwich, gweiToWei(1))
	require.InDelta(t, 4.0, weiToGwei(tip), 0.001)
}

func TestTipClampedToCeiling(t *testing.T) {
	pricer, _ := newTestPricer(t)

	tip := pricer.Tip(usd(5000), StrategySandwich, gweiToWei(200))
	require.InDelta(t, 50.0, weiToGwei(tip), 0.001)
}

func TestTipProfitFractionCap(t *testing.T) {
	pricer, _ := newTestPricer(t)

	// 10% of $1 at $2000/ETH over 500k gas is 0.1 gwei, far below the floor
	tip := pricer.Tip(usd(1), StrategyDirect, nil)
	require.InDelta(t, 0.1, weiToGwei(tip), 0.001)
}

func TestTipLearnedBlend(t *testing.T) {
	pricer, _ := newTestPricer(t)

	// below the sample threshold the learned term stays out of the price
	for i := 0; i < tipBlendThreshold; i++ {
		pricer.RecordOutcome(gweiToWei(30), true)
	}
	require.Zero(t, pricer.AverageGwei())
	require.InDelta(t, 4.0, weiToGwei(pricer.Tip(usd(200), StrategyDirect, nil)), 0.001)

	pricer.RecordOutcome(gweiToWei(30), true)
	require.InDelta(t, 30.0, pricer.AverageGwei(), 0.001)
	// 0.6*4 + 0.4*30
	require.InDelta(t, 14.4, weiToGwei(pricer.Tip(usd(200), StrategyDirect, nil)), 0.001)
}

func TestRecordOutcomeIgnoresFailures(t *testing.T) {
	pricer, _ := newTestPricer(t)

	for i := 0; i < 20; i++ {
		pricer.RecordOutcome(gweiToWei(30), false)
	}
	require.Zero(t, pricer.AverageGwei())
}

func TestJITPriceBuffersAndCaps(t *testing.T) {
	pricer, backend := newTestPricer(t)

	backend.results["eth_gasPrice"] = (*hexutil.Big)(gweiToWei(100))
	price, err := pricer.JITPrice(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 105.0, weiToGwei(price), 0.001)

	backend.results["eth_gasPrice"] = (*hexutil.Big)(gweiToWei(600))
	price, err = pricer.JITPrice(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 500.0, weiToGwei(price), 0.001)
}

func TestJITPriceNeverServedFromCache(t *testing.T) {
	backend := newFakeBackend()
	pricer := NewGasPricer(zap.NewNop(), backend, GasPricerConfig{
		MinTipGwei:  2,
		MaxTipGwei:  50,
		MaxFeeWei:   gweiToWei(500),
		EthPriceUSD: decimal.NewFromInt(2000),
		QuoteTTL:    time.Hour,
	})

	backend.results["eth_gasPrice"] = (*hexutil.Big)(gweiToWei(100))
	price, err := pricer.JITPrice(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 105.0, weiToGwei(price), 0.001)

	backend.results["eth_gasPrice"] = (*hexutil.Big)(gweiToWei(200))
	price, err = pricer.JITPrice(context.Background())
	require.NoError(t, err)
	require.InDelta(t, 210.0, weiToGwei(price), 0.001)
	require.Equal(t, 2, backend.callCount("eth_gasPrice"))
}

func TestGasTrend(t *testing.T) {
	pricer, _ := newTestPricer(t)
	require.Equal(t, TrendStable, pricer.Trend(), "no samples yet")

	for _, gwei := range []float64{30, 30, 30, 50, 50, 50} {
		pricer.recordGasSample(gwei)
	}
	require.Equal(t, TrendRising, pricer.Trend())

	pricer, _ = newTestPricer(t)
	for _, gwei := range []float64{50, 50, 50, 30, 30, 30} {
		pricer.recordGasSample(gwei)
	}
	require.Equal(t, TrendFalling, pricer.Trend())

	pricer, _ = newTestPricer(t)
	for _, gwei := range []float64{40, 41, 40, 41, 40, 41} {
		pricer.recordGasSample(gwei)
	}
	require.Equal(t, TrendStable, pricer.Trend())
}

func TestGasTrendFedByQuotes(t *testing.T) {
	pricer, backend := newTestPricer(t)

	for i := 0; i < gasTrendMinSamples; i++ {
		backend.results["eth_gasPrice"] = (*hexutil.Big)(gweiToWei(float64(20 + 10*i)))
		_, err := pricer.JITPrice(context.Background())
		require.NoError(t, err)
	}
	require.Equal(t, TrendRising, pricer.Trend())
}

func TestFeeParams(t *testing.T) {
	pricer, backend := newTestPricer(t)

	backend.results["eth_getBlockByNumber"] = map[string]any{
		"baseFeePerGas": hexutil.EncodeBig(gweiToWei(40)),
	}
	feeCap, tipCap, err := pricer.FeeParams(context.Background(), gweiToWei(3))
	require.NoError(t, err)
	require.InDelta(t, 83.0, weiToGwei(feeCap), 0.001)
	require.InDelta(t, 3.0, weiToGwei(tipCap), 0.001)
}

func TestGweiRoundTrip(t *testing.T) {
	require.Equal(t, big.NewInt(2*params.GWei), gweiToWei(2))
	require.InDelta(t, 2.0, weiToGwei(big.NewInt(2*params.GWei)), 0.0001)
}
