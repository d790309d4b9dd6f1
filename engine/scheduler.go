package engine

import (
	"context"
	"errors"
	"math/big"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
	"github.com/stratarb/arb-engine/metrics"
	"github.com/stratarb/arb-engine/rpctier"
	"go.uber.org/zap"
)

const (
	lastBlockCacheKey  = "scheduler:last_block"
	receiptPollEvery   = 2 * time.Second
	blockFollowTimeout = 10 * time.Second
)

type SchedulerConfig struct {
	CycleInterval  time.Duration
	ProducerBudget time.Duration
	ConfirmTimeout time.Duration
	// after this many blocks without a receipt the transaction is stuck
	MaxPendingBlocks uint64
	// zero means the default of two seconds
	ReceiptPollInterval time.Duration

	MinConfidence     float64
	SimilarityBandUSD decimal.Decimal
	EthPriceUSD       decimal.Decimal

	// funds are swept here on emergency shutdown; zero disables the sweep
	SafeAddress common.Address
}

// Scheduler owns the trade cycle: poll every strategy, pick one opportunity,
// price it, simulate it, submit it and see it through to a receipt. One
// trade is in flight at a time; everything the cycle learns flows back into
// the gas pricer, the risk governor and the trade ledger.
type Scheduler struct {
	log       *zap.Logger
	cfg       SchedulerConfig
	rpc       RPCBackend
	producers []StrategyProducer
	scorer    ConfidenceScorer
	pricer    *GasPricer
	nonces    *NonceSequencer
	risk      *RiskGovernor
	sim       *Simulator
	signer    Signer
	store     TradeStore
	alerter   Alerter
	cache     Cache

	currentBlock atomic.Uint64
	halted       atomic.Bool
}

func NewScheduler(
	log *zap.Logger,
	cfg SchedulerConfig,
	rpc RPCBackend,
	producers []StrategyProducer,
	scorer ConfidenceScorer,
	pricer *GasPricer,
	nonces *NonceSequencer,
	risk *RiskGovernor,
	sim *Simulator,
	signer Signer,
	store TradeStore,
	alerter Alerter,
	cache Cache,
) *Scheduler {
	if cfg.ReceiptPollInterval == 0 {
		cfg.ReceiptPollInterval = receiptPollEvery
	}
	return &Scheduler{
		log:       log.Named("scheduler"),
		cfg:       cfg,
		rpc:       rpc,
		producers: producers,
		scorer:    scorer,
		pricer:    pricer,
		nonces:    nonces,
		risk:      risk,
		sim:       sim,
		signer:    signer,
		store:     store,
		alerter:   alerter,
		cache:     cache,
	}
}

func (s *Scheduler) Start(ctx context.Context) *sync.WaitGroup {
	wg := &sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.followBlocks(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.cfg.CycleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runCycle(ctx)
			}
		}
	}()

	return wg
}

// followBlocks keeps the current block number warm for stuck detection. The
// last seen block also lands in the cache so a restart knows where it was.
func (s *Scheduler) followBlocks(ctx context.Context) {
	policy := backoff.WithContext(backoff.NewConstantBackOff(blockFollowTimeout/2), ctx)
	_ = backoff.Retry(func() error {
		if ctx.Err() != nil {
			return nil
		}
		callCtx, cancel := context.WithTimeout(ctx, blockFollowTimeout)
		block, err := s.rpc.BlockNumber(callCtx)
		cancel()
		if err != nil {
			s.log.Warn("block follow failed", zap.Error(err))
			return err
		}
		if block > s.currentBlock.Load() {
			s.currentBlock.Store(block)
			_ = s.cache.Set(ctx, lastBlockCacheKey, []byte(strconv.FormatUint(block, 10)), 0)
		}
		return errors.New("continue")
	}, policy)
}

func (s *Scheduler) CurrentBlock() uint64 {
	return s.currentBlock.Load()
}

func (s *Scheduler) Halted() bool {
	return s.halted.Load()
}

func (s *Scheduler) runCycle(ctx context.Context) {
	if s.halted.Load() {
		return
	}
	if err := s.risk.Allow(); err != nil {
		s.log.Debug("cycle skipped", zap.Error(err))
		return
	}
	if !s.rpc.Healthy(ctx) {
		s.log.Warn("cycle skipped", zap.Error(ErrEndpointUnhealthy))
		return
	}

	metrics.IncCycles()
	started := time.Now()
	defer func() {
		metrics.RecordCycleDuration(time.Since(started).Milliseconds())
	}()

	best := s.gather(ctx)
	if best == nil {
		return
	}
	metrics.IncOpportunitiesSelected()
	s.log.Info("opportunity selected",
		zap.String("strategy", best.Kind.String()),
		zap.String("expectedProfitUsd", best.ExpectedProfit.StringFixed(2)),
		zap.Float64("confidence", best.Confidence))

	if err := s.execute(ctx, best); err != nil {
		switch {
		case errors.Is(err, rpctier.ErrEndpointsExhausted):
			s.emergencyShutdown(ctx, "all rpc endpoints exhausted")
		case errors.Is(err, ErrRiskTripped):
			s.emergencyShutdown(ctx, "risk governor tripped mid-cycle")
		case errors.Is(err, context.Canceled):
		default:
			s.log.Warn("cycle failed", zap.Error(err))
		}
	}
}

// gather polls every producer concurrently under one deadline and returns
// the ranked winner, scoring any opportunity the producer left unscored.
func (s *Scheduler) gather(ctx context.Context) *Opportunity {
	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.ProducerBudget)
	defer cancel()

	found := make([]*Opportunity, len(s.producers))
	var wg sync.WaitGroup
	for i, producer := range s.producers {
		wg.Add(1)
		go func(i int, producer StrategyProducer) {
			defer wg.Done()
			opp, err := producer.FindOpportunity(pollCtx)
			if err != nil {
				s.log.Warn("producer failed",
					zap.String("strategy", producer.Kind().String()), zap.Error(err))
				return
			}
			if opp == nil {
				return
			}
			if err := opp.Validate(); err != nil {
				s.log.Error("producer emitted invalid opportunity",
					zap.String("strategy", producer.Kind().String()), zap.Error(err))
				return
			}
			if opp.Confidence == 0 {
				opp.Confidence = s.scorer.Score(opp.ExpectedProfit, opp.Kind)
			}
			found[i] = opp
			metrics.IncOpportunitiesFound()
		}(i, producer)
	}
	wg.Wait()

	return SelectBest(found, s.cfg.MinConfidence, s.cfg.SimilarityBandUSD)
}

func (s *Scheduler) execute(ctx context.Context, opp *Opportunity) error {
	producer := s.producerFor(opp.Kind)
	if producer == nil {
		return ErrUnknownStrategy
	}

	var victimGas *big.Int
	if opp.Kind == StrategySandwich && opp.Payload.Sandwich != nil && opp.Payload.Sandwich.VictimGasPrice != nil {
		victimGas = opp.Payload.Sandwich.VictimGasPrice.ToInt()
	}
	tip := s.pricer.Tip(opp.ExpectedProfit, opp.Kind, victimGas)
	feeCap, tipCap, err := s.pricer.FeeParams(ctx, tip)
	if err != nil {
		return err
	}

	intent, err := producer.BuildIntent(ctx, opp)
	if err != nil {
		return err
	}
	intent.GasFeeCap = (*hexutil.Big)(feeCap)
	intent.GasTipCap = (*hexutil.Big)(tipCap)

	simRes, err := s.sim.Simulate(ctx, s.signer.Address().Hex(), intent)
	if err != nil {
		return err
	}
	switch simRes.Verdict {
	case SimReverted:
		s.log.Info("intent rejected by simulation",
			zap.String("strategy", opp.Kind.String()), zap.String("reason", simRes.Reason))
		return nil
	case SimAmbiguous:
		s.log.Warn("proceeding on ambiguous simulation",
			zap.String("strategy", opp.Kind.String()), zap.String("reason", simRes.Reason))
	}
	intent.State = IntentSimulated

	nonce, err := s.nonces.Allocate(ctx)
	if err != nil {
		return err
	}
	intent.Nonce = nonce

	submittedAt := time.Now()
	if err := s.submit(ctx, intent); err != nil {
		s.nonces.Cancel(nonce)
		s.risk.RecordFailure(ctx)
		return err
	}

	outcome, err := s.awaitConclusion(ctx, opp, intent)
	outcome.SubmittedAt = submittedAt
	outcome.ConcludedAt = time.Now()
	if err != nil {
		s.risk.RecordFailure(ctx)
		return err
	}
	s.settle(ctx, outcome, intent)
	return nil
}

func (s *Scheduler) submit(ctx context.Context, intent *TxIntent) error {
	raw, hash, err := s.signer.SignIntent(intent)
	if err != nil {
		return err
	}
	var returned common.Hash
	if err := s.rpc.Call(ctx, &returned, "eth_sendRawTransaction", raw); err != nil {
		return err
	}
	intent.Hash = hash
	intent.State = IntentSubmitted
	intent.SubmittedBlock = s.currentBlock.Load()
	s.nonces.MarkSubmitted(intent.Nonce, intent.SubmittedBlock)
	metrics.IncTxSubmitted()
	s.log.Info("transaction submitted",
		zap.String("hash", hash.Hex()), zap.Uint64("nonce", intent.Nonce))
	return nil
}

type txReceipt struct {
	Status            hexutil.Uint64 `json:"status"`
	GasUsed           hexutil.Uint64 `json:"gasUsed"`
	EffectiveGasPrice *hexutil.Big   `json:"effectiveGasPrice"`
	BlockNumber       *hexutil.Big   `json:"blockNumber"`
}

// awaitConclusion polls for the receipt, escalating once through a fee bump
// and then a cancel if the transaction stays pending past the block window.
// The confirmation timeout holds through poll failures; an exhausted endpoint
// pool surfaces as an error so the cycle can escalate.
func (s *Scheduler) awaitConclusion(ctx context.Context, opp *Opportunity, intent *TxIntent) (*TradeOutcome, error) {
	outcome := &TradeOutcome{
		Strategy:       opp.Kind,
		ExpectedProfit: opp.ExpectedProfit,
		Confidence:     opp.Confidence,
		TxHash:         intent.Hash,
		Nonce:          intent.Nonce,
	}

	spedUp := false
	deadline := time.Now().Add(s.cfg.ConfirmTimeout)
	ticker := time.NewTicker(s.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			outcome.Status = "abandoned"
			return outcome, nil
		case <-ticker.C:
		}

		var receipt *txReceipt
		if err := s.rpc.Call(ctx, &receipt, "eth_getTransactionReceipt", intent.Hash); err != nil {
			if errors.Is(err, rpctier.ErrEndpointsExhausted) {
				outcome.Status = "abandoned"
				return outcome, err
			}
			s.log.Warn("receipt poll failed", zap.Error(err))
		} else if receipt != nil {
			s.concludeFromReceipt(outcome, intent, receipt)
			return outcome, nil
		}

		stuck := len(s.nonces.Stuck(s.currentBlock.Load(), s.cfg.MaxPendingBlocks)) > 0
		timedOut := time.Now().After(deadline)
		if !stuck && !timedOut {
			continue
		}
		metrics.IncTxStuck()

		if !spedUp && !opp.Kind.TimeCritical() {
			// one bump first; a stale sandwich is worthless so those skip
			// straight to the cancel
			bumped := s.nonces.SpeedUp(intent)
			if err := s.submit(ctx, bumped); err != nil {
				if errors.Is(err, rpctier.ErrEndpointsExhausted) {
					outcome.Status = "abandoned"
					return outcome, err
				}
				s.log.Warn("speed up failed", zap.Error(err))
			} else {
				*intent = *bumped
				spedUp = true
				deadline = time.Now().Add(s.cfg.ConfirmTimeout)
				continue
			}
		}

		if err := s.cancelStuck(ctx, intent); err != nil && errors.Is(err, rpctier.ErrEndpointsExhausted) {
			outcome.Status = "abandoned"
			return outcome, err
		}
		outcome.Status = "cancelled"
		outcome.TxHash = intent.Hash
		return outcome, nil
	}
}

func (s *Scheduler) concludeFromReceipt(outcome *TradeOutcome, intent *TxIntent, receipt *txReceipt) {
	s.nonces.Confirm(intent.Nonce)
	outcome.GasCostUSD = s.gasCostUSD(receipt)
	if receipt.Status == 1 {
		intent.State = IntentConfirmed
		outcome.Status = "confirmed"
		// realized profit is the expectation net of gas until the
		// accounting job reconciles fills
		outcome.RealizedProfit = outcome.ExpectedProfit.Sub(outcome.GasCostUSD)
		metrics.IncTxConfirmed()
	} else {
		intent.State = IntentReverted
		outcome.Status = "reverted"
		outcome.RealizedProfit = outcome.GasCostUSD.Neg()
		metrics.IncTxReverted()
	}
}

func (s *Scheduler) cancelStuck(ctx context.Context, intent *TxIntent) error {
	cancel := s.nonces.CancelIntent(intent.Nonce,
		intent.GasFeeCap.ToInt(), intent.GasTipCap.ToInt())
	if err := s.submit(ctx, cancel); err != nil {
		s.log.Error("cancel submission failed",
			zap.Uint64("nonce", intent.Nonce), zap.Error(err))
		return err
	}
	*intent = *cancel
	return nil
}

// settle feeds one concluded trade back into every learning surface.
func (s *Scheduler) settle(ctx context.Context, outcome *TradeOutcome, intent *TxIntent) {
	confirmed := outcome.Status == "confirmed"
	s.pricer.RecordOutcome(intent.GasTipCap.ToInt(), confirmed)

	if confirmed {
		s.risk.RecordSuccess()
		if outcome.RealizedProfit.IsNegative() {
			s.risk.RecordLoss(ctx, outcome.RealizedProfit)
		}
	} else {
		s.risk.RecordFailure(ctx)
		if outcome.RealizedProfit.IsNegative() {
			s.risk.RecordLoss(ctx, outcome.RealizedProfit)
		}
	}
	metrics.RecordConfirmDuration(outcome.ConcludedAt.Sub(outcome.SubmittedAt).Milliseconds())

	if err := s.store.InsertTrade(ctx, outcome); err != nil {
		s.log.Error("trade insert failed", zap.Error(err))
	}
	s.log.Info("trade concluded",
		zap.String("strategy", outcome.Strategy.String()),
		zap.String("status", outcome.Status),
		zap.String("realizedProfitUsd", outcome.RealizedProfit.StringFixed(2)),
		zap.String("gasCostUsd", outcome.GasCostUSD.StringFixed(2)))
}

func (s *Scheduler) gasCostUSD(receipt *txReceipt) decimal.Decimal {
	if receipt.EffectiveGasPrice == nil || s.cfg.EthPriceUSD.IsZero() {
		return decimal.Zero
	}
	costWei := new(big.Int).Mul(
		new(big.Int).SetUint64(uint64(receipt.GasUsed)),
		receipt.EffectiveGasPrice.ToInt())
	return decimal.NewFromBigInt(costWei, -18).Mul(s.cfg.EthPriceUSD)
}

func (s *Scheduler) producerFor(kind StrategyKind) StrategyProducer {
	for _, producer := range s.producers {
		if producer.Kind() == kind {
			return producer
		}
	}
	return nil
}

// EmergencyShutdown halts the cycle loop, trips the governor and sweeps the
// wallet's gas balance to the safe address. Exposed for the operator API.
func (s *Scheduler) EmergencyShutdown(ctx context.Context, reason string) {
	s.emergencyShutdown(ctx, reason)
}

func (s *Scheduler) emergencyShutdown(ctx context.Context, reason string) {
	if s.halted.Swap(true) {
		return
	}
	s.risk.Trip(ctx, reason)
	s.log.Error("emergency shutdown", zap.String("reason", reason))

	if s.cfg.SafeAddress == (common.Address{}) {
		return
	}
	if err := s.flushFunds(ctx); err != nil {
		s.log.Error("fund flush failed", zap.Error(err))
		if s.alerter != nil {
			_ = s.alerter.Notify(ctx, SeverityCritical, "fund flush failed", err.Error())
		}
	}
}

// flushFunds sweeps the signer's full balance minus the transfer gas to the
// safe address.
func (s *Scheduler) flushFunds(ctx context.Context) error {
	var balance hexutil.Big
	if err := s.rpc.Call(ctx, &balance, "eth_getBalance", s.signer.Address(), "latest"); err != nil {
		return err
	}
	price, err := s.pricer.JITPrice(ctx)
	if err != nil {
		return err
	}
	gasBudget := new(big.Int).Mul(price, big.NewInt(21000))
	amount := new(big.Int).Sub(balance.ToInt(), gasBudget)
	if amount.Sign() <= 0 {
		return nil
	}

	nonce, err := s.nonces.Allocate(ctx)
	if err != nil {
		return err
	}
	intent := &TxIntent{
		To:        s.cfg.SafeAddress,
		Value:     (*hexutil.Big)(amount),
		Gas:       21000,
		GasFeeCap: (*hexutil.Big)(price),
		GasTipCap: (*hexutil.Big)(price),
		Nonce:     nonce,
	}
	if err := s.submit(ctx, intent); err != nil {
		s.nonces.Cancel(nonce)
		return err
	}
	s.log.Warn("funds flushed",
		zap.String("to", s.cfg.SafeAddress.Hex()),
		zap.String("amountWei", amount.String()))
	return nil
}
