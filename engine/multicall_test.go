package engine

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mcResult struct {
	Success    bool
	ReturnData []byte
}

// decodeAggregate3 pulls the inner calls back out of a packed eth_call
// payload so a test handler can answer per slot.
func decodeAggregate3(t *testing.T, params []any) []BatchCall {
	t.Helper()
	input := params[0].(map[string]any)["data"].(hexutil.Bytes)
	out, err := multicall3ABI.Methods["aggregate3"].Inputs.Unpack(input[4:])
	require.NoError(t, err)
	decoded := *abi.ConvertType(out[0], new([]struct {
		Target       common.Address
		AllowFailure bool
		CallData     []byte
	})).(*[]struct {
		Target       common.Address
		AllowFailure bool
		CallData     []byte
	})
	calls := make([]BatchCall, len(decoded))
	for i := range decoded {
		calls[i] = BatchCall{Target: decoded[i].Target, CallData: decoded[i].CallData}
	}
	return calls
}

func packAggregate3(t *testing.T, results []mcResult) hexutil.Bytes {
	t.Helper()
	raw, err := multicall3ABI.Methods["aggregate3"].Outputs.Pack(results)
	require.NoError(t, err)
	return raw
}

func addr(b byte) common.Address {
	return common.BytesToAddress([]byte{b})
}

func TestAggregateOrderAndPartialFailure(t *testing.T) {
	backend := newFakeBackend()
	agg := NewAggregator(zap.NewNop(), backend, DefaultMulticallAddress)

	backend.callFunc = func(method string, params []any) (any, error) {
		require.Equal(t, "eth_call", method)
		calls := decodeAggregate3(t, params)
		results := make([]mcResult, len(calls))
		for i, c := range calls {
			if c.CallData[0] == 2 {
				results[i] = mcResult{Success: false, ReturnData: []byte{}}
				continue
			}
			// echo the call data so ordering is observable
			results[i] = mcResult{Success: true, ReturnData: c.CallData}
		}
		return packAggregate3(t, results), nil
	}

	calls := make([]BatchCall, 5)
	for i := range calls {
		calls[i] = BatchCall{Target: addr(0x10), CallData: []byte{byte(i)}}
	}
	results, err := agg.Aggregate(context.Background(), calls)
	require.NoError(t, err)
	require.Len(t, results, 5)
	for i, res := range results {
		if i == 2 {
			require.False(t, res.Success)
			continue
		}
		require.True(t, res.Success)
		require.Equal(t, []byte{byte(i)}, res.ReturnData)
	}
}

func TestAggregateChunks(t *testing.T) {
	backend := newFakeBackend()
	agg := NewAggregator(zap.NewNop(), backend, DefaultMulticallAddress)
	agg.chunkSize = 2

	var sizes []int
	backend.callFunc = func(_ string, params []any) (any, error) {
		calls := decodeAggregate3(t, params)
		sizes = append(sizes, len(calls))
		results := make([]mcResult, len(calls))
		for i, c := range calls {
			results[i] = mcResult{Success: true, ReturnData: c.CallData}
		}
		return packAggregate3(t, results), nil
	}

	calls := make([]BatchCall, 5)
	for i := range calls {
		calls[i] = BatchCall{Target: addr(0x10), CallData: []byte{byte(i)}}
	}
	results, err := agg.Aggregate(context.Background(), calls)
	require.NoError(t, err)
	require.Equal(t, []int{2, 2, 1}, sizes)
	for i, res := range results {
		require.Equal(t, []byte{byte(i)}, res.ReturnData)
	}
}

func TestAggregateChunkFailureIsolated(t *testing.T) {
	backend := newFakeBackend()
	agg := NewAggregator(zap.NewNop(), backend, DefaultMulticallAddress)
	agg.chunkSize = 2

	var chunk int
	backend.callFunc = func(_ string, params []any) (any, error) {
		chunk++
		calls := decodeAggregate3(t, params)
		if chunk == 2 {
			return nil, errors.New("upstream timeout")
		}
		results := make([]mcResult, len(calls))
		for i, c := range calls {
			results[i] = mcResult{Success: true, ReturnData: c.CallData}
		}
		return packAggregate3(t, results), nil
	}

	calls := make([]BatchCall, 5)
	for i := range calls {
		calls[i] = BatchCall{Target: addr(0x10), CallData: []byte{byte(i)}}
	}
	results, err := agg.Aggregate(context.Background(), calls)
	require.NoError(t, err)
	require.True(t, results[0].Success)
	require.True(t, results[1].Success)
	require.False(t, results[2].Success, "failed chunk slots report failure")
	require.False(t, results[3].Success)
	require.True(t, results[4].Success, "later chunks survive an earlier chunk failure")
}

func TestBalanceBatch(t *testing.T) {
	backend := newFakeBackend()
	agg := NewAggregator(zap.NewNop(), backend, DefaultMulticallAddress)
	holder := addr(0xaa)

	backend.callFunc = func(_ string, params []any) (any, error) {
		calls := decodeAggregate3(t, params)
		results := make([]mcResult, len(calls))
		for i := range calls {
			if i == 1 {
				results[i] = mcResult{Success: false}
				continue
			}
			ret, err := erc20ABI.Methods["balanceOf"].Outputs.Pack(big.NewInt(int64(100 + i)))
			require.NoError(t, err)
			results[i] = mcResult{Success: true, ReturnData: ret}
		}
		return packAggregate3(t, results), nil
	}

	balances, err := agg.BalanceBatch(context.Background(), holder, []common.Address{addr(1), addr(2), addr(3)})
	require.NoError(t, err)
	require.Equal(t, big.NewInt(100), balances[0])
	require.Nil(t, balances[1])
	require.Equal(t, big.NewInt(102), balances[2])
}

func TestReservesBatch(t *testing.T) {
	backend := newFakeBackend()
	agg := NewAggregator(zap.NewNop(), backend, DefaultMulticallAddress)

	backend.callFunc = func(_ string, params []any) (any, error) {
		calls := decodeAggregate3(t, params)
		results := make([]mcResult, len(calls))
		for i := range calls {
			ret, err := pairABI.Methods["getReserves"].Outputs.Pack(
				big.NewInt(1000), big.NewInt(2000), uint32(7))
			require.NoError(t, err)
			results[i] = mcResult{Success: true, ReturnData: ret}
		}
		return packAggregate3(t, results), nil
	}

	reserves, err := agg.ReservesBatch(context.Background(), []common.Address{addr(1), addr(2)})
	require.NoError(t, err)
	require.Len(t, reserves, 2)
	require.True(t, reserves[0].OK)
	require.Equal(t, big.NewInt(1000), reserves[0].Reserve0)
	require.Equal(t, big.NewInt(2000), reserves[0].Reserve1)
}
