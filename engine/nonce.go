package engine

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
)

// replacement fee bump: +12.5%, the common minimum for a same-nonce
// replacement to be accepted
var (
	bumpNum = big.NewInt(9)
	bumpDen = big.NewInt(8)
)

type inflightNonce struct {
	submittedBlock uint64
}

// NonceSequencer issues monotonically increasing, never-repeated nonces for
// one signing identity. Allocation and bookkeeping are a single atomic unit:
// under concurrent allocations the issued set has no duplicates and no gaps
// other than explicit cancels.
type NonceSequencer struct {
	log     *zap.Logger
	rpc     RPCBackend
	address common.Address

	mu       sync.Mutex
	next     uint64
	synced   bool
	inFlight map[uint64]inflightNonce
}

func NewNonceSequencer(log *zap.Logger, rpc RPCBackend, address common.Address) *NonceSequencer {
	return &NonceSequencer{
		log:      log.Named("nonce"),
		rpc:      rpc,
		address:  address,
		inFlight: make(map[uint64]inflightNonce),
	}
}

// Allocate returns the next nonce and records it as in flight.
func (s *NonceSequencer) Allocate(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.synced {
		if err := s.syncLocked(ctx); err != nil {
			return 0, err
		}
	}
	nonce := s.next
	s.next++
	s.inFlight[nonce] = inflightNonce{}
	s.log.Debug("allocated nonce", zap.Uint64("nonce", nonce))
	return nonce, nil
}

// MarkSubmitted records the block at which the transaction carrying nonce
// entered the mempool; stuck detection is measured from here.
func (s *NonceSequencer) MarkSubmitted(nonce, block uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[nonce]; ok {
		s.inFlight[nonce] = inflightNonce{submittedBlock: block}
	}
}

// Confirm removes a landed nonce from the in-flight set.
func (s *NonceSequencer) Confirm(nonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, nonce)
}

// Cancel forgets an issued nonce that never reached the network. The gap it
// leaves is explicit and expected.
func (s *NonceSequencer) Cancel(nonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, nonce)
}

// Resync discards all bookkeeping and re-reads ground truth from the
// network, counting pending transactions. Used after systemic desync.
func (s *NonceSequencer) Resync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.syncLocked(ctx); err != nil {
		return err
	}
	s.inFlight = make(map[uint64]inflightNonce)
	s.log.Warn("nonce resynced", zap.Uint64("next", s.next))
	return nil
}

func (s *NonceSequencer) syncLocked(ctx context.Context) error {
	var count hexutil.Uint64
	if err := s.rpc.Call(ctx, &count, "eth_getTransactionCount", s.address, "pending"); err != nil {
		return err
	}
	s.next = uint64(count)
	s.synced = true
	return nil
}

func (s *NonceSequencer) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

// Stuck returns the nonces whose transactions have been pending for more
// than maxPendingBlocks. The sequencer only exposes the stuck set; whether
// to cancel or speed up is the caller's decision.
func (s *NonceSequencer) Stuck(currentBlock, maxPendingBlocks uint64) []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stuck []uint64
	for nonce, entry := range s.inFlight {
		if entry.submittedBlock == 0 {
			continue
		}
		if currentBlock > entry.submittedBlock+maxPendingBlocks {
			stuck = append(stuck, nonce)
		}
	}
	return stuck
}

// CancelIntent builds the zero-value self-send that replaces a stuck
// transaction at the same nonce.
func (s *NonceSequencer) CancelIntent(nonce uint64, gasFeeCap, gasTipCap *big.Int) *TxIntent {
	return &TxIntent{
		To:        s.address,
		Value:     (*hexutil.Big)(big.NewInt(0)),
		Gas:       21000,
		GasFeeCap: (*hexutil.Big)(bumpFee(gasFeeCap)),
		GasTipCap: (*hexutil.Big)(bumpFee(gasTipCap)),
		Nonce:     nonce,
		State:     IntentCancelled,
	}
}

// SpeedUp returns a copy of intent with both fee fields bumped by the
// minimum replacement margin.
func (s *NonceSequencer) SpeedUp(intent *TxIntent) *TxIntent {
	bumped := *intent
	bumped.GasFeeCap = (*hexutil.Big)(bumpFee(intent.GasFeeCap.ToInt()))
	bumped.GasTipCap = (*hexutil.Big)(bumpFee(intent.GasTipCap.ToInt()))
	bumped.State = IntentSpedUp
	return &bumped
}

func bumpFee(fee *big.Int) *big.Int {
	out := new(big.Int).Mul(fee, bumpNum)
	return out.Div(out, bumpDen)
}
