package engine

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestDBBackendRoundTrip(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	backend, err := NewDBBackend(dsn)
	require.NoError(t, err)
	defer backend.Close()

	ctx := context.Background()
	now := time.Now()
	err = backend.InsertTrade(ctx, &TradeOutcome{
		Strategy:       StrategyDirect,
		ExpectedProfit: decimal.NewFromInt(12),
		RealizedProfit: decimal.NewFromInt(9),
		GasCostUSD:     decimal.RequireFromString("1.5"),
		Confidence:     0.8,
		TxHash:         common.HexToHash("0x01"),
		Nonce:          4,
		Status:         "confirmed",
		SubmittedAt:    now.Add(-time.Minute),
		ConcludedAt:    now,
	})
	require.NoError(t, err)

	records, err := backend.RecentTrades(ctx, 1)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	require.Equal(t, "direct_arbitrage", records[0].Strategy)

	total, err := backend.RealizedSince(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	require.False(t, total.IsZero())
}

func TestNopTradeStore(t *testing.T) {
	store := NopTradeStore{}
	ctx := context.Background()

	require.NoError(t, store.InsertTrade(ctx, &TradeOutcome{}))
	records, err := store.RecentTrades(ctx, 10)
	require.NoError(t, err)
	require.Nil(t, records)
	total, err := store.RealizedSince(ctx, time.Time{})
	require.NoError(t, err)
	require.True(t, total.IsZero())
	require.NoError(t, store.Close())
}
