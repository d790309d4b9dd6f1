package engine

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stratarb/arb-engine/metrics"
	"go.uber.org/zap"
)

// DefaultMulticallAddress is the canonical Multicall3 deployment, same
// address on every major chain.
var DefaultMulticallAddress = common.HexToAddress("0xcA11bde05977b3631167028862bE2a173976CA11")

const defaultChunkSize = 50

var multicall3ABI = mustABI(`[{"inputs":[{"components":[{"internalType":"address","name":"target","type":"address"},{"internalType":"bool","name":"allowFailure","type":"bool"},{"internalType":"bytes","name":"callData","type":"bytes"}],"internalType":"struct Multicall3.Call3[]","name":"calls","type":"tuple[]"}],"name":"aggregate3","outputs":[{"components":[{"internalType":"bool","name":"success","type":"bool"},{"internalType":"bytes","name":"returnData","type":"bytes"}],"internalType":"struct Multicall3.Result[]","name":"returnData","type":"tuple[]"}],"stateMutability":"payable","type":"function"}]`)

var erc20ABI = mustABI(`[{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`)

var pairABI = mustABI(`[{"inputs":[],"name":"getReserves","outputs":[{"internalType":"uint112","name":"reserve0","type":"uint112"},{"internalType":"uint112","name":"reserve1","type":"uint112"},{"internalType":"uint32","name":"blockTimestampLast","type":"uint32"}],"stateMutability":"view","type":"function"}]`)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

type BatchCall struct {
	Target   common.Address
	CallData []byte
}

// BatchResult mirrors one Multicall3 result slot. A false Success covers
// both a reverted inner call and a failed chunk.
type BatchResult struct {
	Success    bool
	ReturnData []byte
}

// PairReserves is the decoded getReserves output for one AMM pair.
type PairReserves struct {
	Reserve0 *big.Int
	Reserve1 *big.Int
	OK       bool
}

// Aggregator folds many read-only contract calls into a handful of
// Multicall3 aggregate3 invocations. Results come back in request order,
// one slot per call, and a single reverting call never poisons its
// neighbours.
type Aggregator struct {
	log       *zap.Logger
	rpc       RPCBackend
	contract  common.Address
	chunkSize int
}

func NewAggregator(log *zap.Logger, rpc RPCBackend, contract common.Address) *Aggregator {
	return &Aggregator{
		log:       log.Named("multicall"),
		rpc:       rpc,
		contract:  contract,
		chunkSize: defaultChunkSize,
	}
}

// Aggregate executes calls in chunks of at most 50. A chunk-level transport
// failure marks only that chunk's slots as failed; other chunks still
// return real data.
func (a *Aggregator) Aggregate(ctx context.Context, calls []BatchCall) ([]BatchResult, error) {
	results := make([]BatchResult, len(calls))
	for start := 0; start < len(calls); start += a.chunkSize {
		end := start + a.chunkSize
		if end > len(calls) {
			end = len(calls)
		}
		chunk, err := a.aggregateChunk(ctx, calls[start:end])
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.log.Warn("multicall chunk failed",
				zap.Int("start", start), zap.Int("size", end-start), zap.Error(err))
			continue
		}
		copy(results[start:end], chunk)
	}
	metrics.IncBatchCalls()
	return results, nil
}

func (a *Aggregator) aggregateChunk(ctx context.Context, calls []BatchCall) ([]BatchResult, error) {
	type call3 struct {
		Target       common.Address
		AllowFailure bool
		CallData     []byte
	}
	packed := make([]call3, len(calls))
	for i, c := range calls {
		packed[i] = call3{Target: c.Target, AllowFailure: true, CallData: c.CallData}
	}
	input, err := multicall3ABI.Pack("aggregate3", packed)
	if err != nil {
		return nil, err
	}

	var raw hexutil.Bytes
	err = a.rpc.Call(ctx, &raw, "eth_call", map[string]any{
		"to":   a.contract,
		"data": hexutil.Bytes(input),
	}, "latest")
	if err != nil {
		return nil, err
	}

	out, err := multicall3ABI.Unpack("aggregate3", raw)
	if err != nil {
		return nil, err
	}
	decoded := *abi.ConvertType(out[0], new([]struct {
		Success    bool
		ReturnData []byte
	})).(*[]struct {
		Success    bool
		ReturnData []byte
	})

	results := make([]BatchResult, len(calls))
	for i := range decoded {
		results[i] = BatchResult{Success: decoded[i].Success, ReturnData: decoded[i].ReturnData}
	}
	return results, nil
}

// BalanceBatch reads the holder's balance of each token. A failed slot
// reports a nil balance.
func (a *Aggregator) BalanceBatch(ctx context.Context, holder common.Address, tokens []common.Address) ([]*big.Int, error) {
	calls := make([]BatchCall, len(tokens))
	for i, token := range tokens {
		data, err := erc20ABI.Pack("balanceOf", holder)
		if err != nil {
			return nil, err
		}
		calls[i] = BatchCall{Target: token, CallData: data}
	}
	results, err := a.Aggregate(ctx, calls)
	if err != nil {
		return nil, err
	}

	balances := make([]*big.Int, len(tokens))
	for i, res := range results {
		if !res.Success {
			continue
		}
		out, err := erc20ABI.Unpack("balanceOf", res.ReturnData)
		if err != nil {
			continue
		}
		balances[i] = abi.ConvertType(out[0], new(big.Int)).(*big.Int)
	}
	return balances, nil
}

// ReservesBatch reads getReserves from each pair in one trip.
func (a *Aggregator) ReservesBatch(ctx context.Context, pairs []common.Address) ([]PairReserves, error) {
	data, err := pairABI.Pack("getReserves")
	if err != nil {
		return nil, err
	}
	calls := make([]BatchCall, len(pairs))
	for i, pair := range pairs {
		calls[i] = BatchCall{Target: pair, CallData: data}
	}
	results, err := a.Aggregate(ctx, calls)
	if err != nil {
		return nil, err
	}

	reserves := make([]PairReserves, len(pairs))
	for i, res := range results {
		if !res.Success {
			continue
		}
		out, err := pairABI.Unpack("getReserves", res.ReturnData)
		if err != nil {
			continue
		}
		reserves[i] = PairReserves{
			Reserve0: abi.ConvertType(out[0], new(big.Int)).(*big.Int),
			Reserve1: abi.ConvertType(out[1], new(big.Int)).(*big.Int),
			OK:       true,
		}
	}
	return reserves, nil
}
