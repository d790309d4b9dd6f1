package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"github.com/stratarb/arb-engine/rpctier"
	"github.com/stretchr/testify/require"
	"github.com/ybbus/jsonrpc/v3"
	"go.uber.org/zap"
)

type fakeProducer struct {
	kind   StrategyKind
	opp    *Opportunity
	finds  int
	builds int
}

func (p *fakeProducer) Kind() StrategyKind { return p.kind }

func (p *fakeProducer) FindOpportunity(context.Context) (*Opportunity, error) {
	p.finds++
	return p.opp, nil
}

func (p *fakeProducer) BuildIntent(_ context.Context, _ *Opportunity) (*TxIntent, error) {
	p.builds++
	return &TxIntent{
		To:    addr(0xee),
		Data:  hexutil.Bytes{0x01},
		Gas:   500_000,
		State: IntentBuilt,
	}, nil
}

type fakeSigner struct{ signs int }

func (s *fakeSigner) Address() common.Address { return testAddress }

func (s *fakeSigner) SignIntent(intent *TxIntent) (hexutil.Bytes, common.Hash, error) {
	s.signs++
	return hexutil.Bytes{byte(s.signs)}, common.BytesToHash([]byte{byte(s.signs)}), nil
}

type fakeStore struct {
	mu     sync.Mutex
	trades []*TradeOutcome
}

func (s *fakeStore) InsertTrade(_ context.Context, outcome *TradeOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, outcome)
	return nil
}

func (s *fakeStore) RecentTrades(context.Context, int) ([]*TradeRecord, error) { return nil, nil }

func (s *fakeStore) RealizedSince(context.Context, time.Time) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (s *fakeStore) Close() error { return nil }

type schedulerFixture struct {
	scheduler *Scheduler
	backend   *fakeBackend
	producer  *fakeProducer
	signer    *fakeSigner
	store     *fakeStore
	risk      *RiskGovernor
}

func directOpp(profit int64) *Opportunity {
	return &Opportunity{
		Kind:           StrategyDirect,
		ExpectedProfit: decimal.NewFromInt(profit),
		Payload: OpportunityPayload{Direct: &DirectPayload{
			TradeSizeUSD: decimal.NewFromInt(1000),
		}},
	}
}

func newSchedulerFixture(t *testing.T, opp *Opportunity) *schedulerFixture {
	t.Helper()
	log := zap.NewNop()
	backend := newFakeBackend()
	backend.block = 100
	backend.results["eth_getTransactionCount"] = hexutil.Uint64(5)
	backend.results["eth_gasPrice"] = (*hexutil.Big)(gweiToWei(30))
	backend.results["eth_getBlockByNumber"] = map[string]any{
		"baseFeePerGas": hexutil.EncodeBig(gweiToWei(40)),
	}
	backend.results["eth_call"] = hexutil.Bytes{0x01}
	backend.results["eth_sendRawTransaction"] = common.BytesToHash([]byte{1})
	backend.results["eth_getTransactionReceipt"] = &txReceipt{
		Status:            1,
		GasUsed:           hexutil.Uint64(400_000),
		EffectiveGasPrice: (*hexutil.Big)(gweiToWei(40)),
	}

	producer := &fakeProducer{kind: StrategyDirect, opp: opp}
	signer := &fakeSigner{}
	store := &fakeStore{}
	risk := NewRiskGovernor(log, RiskConfig{
		MaxDailyLossUSD:        decimal.NewFromInt(1000),
		MaxConsecutiveFailures: 3,
	}, nil)
	pricer := NewGasPricer(log, backend, GasPricerConfig{
		MinTipGwei:  2,
		MaxTipGwei:  50,
		EthPriceUSD: decimal.NewFromInt(2000),
	})
	nonces := NewNonceSequencer(log, backend, testAddress)
	scheduler := NewScheduler(log, SchedulerConfig{
		CycleInterval:       10 * time.Millisecond,
		ProducerBudget:      time.Second,
		ConfirmTimeout:      200 * time.Millisecond,
		MaxPendingBlocks:    1000,
		ReceiptPollInterval: 5 * time.Millisecond,
		MinConfidence:       0.1,
		SimilarityBandUSD:   decimal.NewFromInt(2),
		EthPriceUSD:         decimal.NewFromInt(2000),
	}, backend, []StrategyProducer{producer}, NewProfitCurveScorer(),
		pricer, nonces, risk, NewSimulator(log, backend), signer, store, nil, NewMemoryCache())
	scheduler.currentBlock.Store(100)

	return &schedulerFixture{
		scheduler: scheduler,
		backend:   backend,
		producer:  producer,
		signer:    signer,
		store:     store,
		risk:      risk,
	}
}

func TestSchedulerHappyPath(t *testing.T) {
	fix := newSchedulerFixture(t, directOpp(40))

	fix.scheduler.runCycle(context.Background())

	require.Equal(t, 1, fix.producer.finds)
	require.Equal(t, 1, fix.producer.builds)
	require.Equal(t, 1, fix.signer.signs)
	require.Equal(t, 1, fix.backend.callCount("eth_sendRawTransaction"))

	require.Len(t, fix.store.trades, 1)
	trade := fix.store.trades[0]
	require.Equal(t, "confirmed", trade.Status)
	require.Equal(t, uint64(5), trade.Nonce)
	require.Positive(t, trade.Confidence, "unscored opportunities get scored")
	// $40 expected minus 400k gas at 40 gwei and $2000/ETH ($32)
	require.True(t, trade.GasCostUSD.Equal(decimal.NewFromInt(32)), trade.GasCostUSD.String())
	require.True(t, trade.RealizedProfit.Equal(decimal.NewFromInt(8)), trade.RealizedProfit.String())

	require.Zero(t, fix.scheduler.nonces.PendingCount(), "confirmed nonce released")
	require.Zero(t, fix.risk.Status().ConsecutiveFailures)
	require.False(t, fix.scheduler.Halted())
}

func TestSchedulerSkipsWhenTripped(t *testing.T) {
	fix := newSchedulerFixture(t, directOpp(40))
	fix.risk.Trip(context.Background(), "manual")

	fix.scheduler.runCycle(context.Background())

	require.Zero(t, fix.producer.finds, "tripped governor stops polling entirely")
	require.Empty(t, fix.store.trades)
}

func TestSchedulerNoOpportunityNoTrade(t *testing.T) {
	fix := newSchedulerFixture(t, nil)

	fix.scheduler.runCycle(context.Background())

	require.Equal(t, 1, fix.producer.finds)
	require.Zero(t, fix.producer.builds)
	require.Empty(t, fix.store.trades)
}

func TestSchedulerSimulationRevertBlocksSubmission(t *testing.T) {
	fix := newSchedulerFixture(t, directOpp(40))
	fix.backend.callFunc = func(method string, _ []any) (any, error) {
		if method == "eth_call" {
			return nil, &jsonrpc.RPCError{Code: 3, Message: "execution reverted"}
		}
		fix.backend.mu.Lock()
		defer fix.backend.mu.Unlock()
		return fix.backend.results[method], nil
	}

	fix.scheduler.runCycle(context.Background())

	require.Zero(t, fix.backend.callCount("eth_sendRawTransaction"))
	require.Empty(t, fix.store.trades)
	require.Zero(t, fix.scheduler.nonces.PendingCount(), "no nonce burned on a rejected intent")
}

func TestSchedulerRevertedReceiptBooksLoss(t *testing.T) {
	fix := newSchedulerFixture(t, directOpp(40))
	fix.backend.results["eth_getTransactionReceipt"] = &txReceipt{
		Status:            0,
		GasUsed:           hexutil.Uint64(400_000),
		EffectiveGasPrice: (*hexutil.Big)(gweiToWei(40)),
	}

	fix.scheduler.runCycle(context.Background())

	require.Len(t, fix.store.trades, 1)
	trade := fix.store.trades[0]
	require.Equal(t, "reverted", trade.Status)
	require.True(t, trade.RealizedProfit.Equal(decimal.NewFromInt(-32)), trade.RealizedProfit.String())

	status := fix.risk.Status()
	require.Equal(t, 1, status.ConsecutiveFailures)
	require.Equal(t, "32.00", status.DailyLossUSD)
}

func TestSchedulerStuckEscalation(t *testing.T) {
	fix := newSchedulerFixture(t, directOpp(40))
	// no receipt ever arrives
	fix.backend.callFunc = func(method string, _ []any) (any, error) {
		if method == "eth_getTransactionReceipt" {
			return nil, nil
		}
		fix.backend.mu.Lock()
		defer fix.backend.mu.Unlock()
		return fix.backend.results[method], nil
	}

	fix.scheduler.runCycle(context.Background())

	// original send, one speed up, then the cancel
	require.Equal(t, 3, fix.backend.callCount("eth_sendRawTransaction"))
	require.Len(t, fix.store.trades, 1)
	require.Equal(t, "cancelled", fix.store.trades[0].Status)
}

func TestSchedulerConfirmationBoundedThroughPollFailures(t *testing.T) {
	fix := newSchedulerFixture(t, directOpp(40))
	// every receipt poll fails with a transient transport error
	fix.backend.callFunc = func(method string, _ []any) (any, error) {
		if method == "eth_getTransactionReceipt" {
			return nil, errors.New("connection refused")
		}
		fix.backend.mu.Lock()
		defer fix.backend.mu.Unlock()
		return fix.backend.results[method], nil
	}

	done := make(chan struct{})
	go func() {
		fix.scheduler.runCycle(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cycle did not conclude within the confirmation timeout")
	}

	// original send, one speed up, then the cancel
	require.Equal(t, 3, fix.backend.callCount("eth_sendRawTransaction"))
	require.Len(t, fix.store.trades, 1)
	require.Equal(t, "cancelled", fix.store.trades[0].Status)
	require.False(t, fix.scheduler.Halted(), "a flaky receipt endpoint is not an emergency")
}

func TestSchedulerExhaustionDuringConfirmationShutsDown(t *testing.T) {
	fix := newSchedulerFixture(t, directOpp(40))
	fix.backend.callFunc = func(method string, _ []any) (any, error) {
		if method == "eth_getTransactionReceipt" {
			return nil, rpctier.ErrEndpointsExhausted
		}
		fix.backend.mu.Lock()
		defer fix.backend.mu.Unlock()
		return fix.backend.results[method], nil
	}

	fix.scheduler.runCycle(context.Background())

	require.True(t, fix.scheduler.Halted())
	require.True(t, fix.risk.Status().Tripped)
	require.Empty(t, fix.store.trades, "an abandoned trade is not settled")
}

func TestSchedulerEndpointExhaustionShutsDown(t *testing.T) {
	fix := newSchedulerFixture(t, directOpp(40))
	fix.backend.callFunc = func(method string, _ []any) (any, error) {
		if method == "eth_sendRawTransaction" {
			return nil, rpctier.ErrEndpointsExhausted
		}
		fix.backend.mu.Lock()
		defer fix.backend.mu.Unlock()
		return fix.backend.results[method], nil
	}

	fix.scheduler.runCycle(context.Background())

	require.True(t, fix.scheduler.Halted())
	require.True(t, fix.risk.Status().Tripped)

	fix.producer.finds = 0
	fix.scheduler.runCycle(context.Background())
	require.Zero(t, fix.producer.finds, "halted scheduler runs no cycles")
}
