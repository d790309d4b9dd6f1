package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestLoadMarkets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
markets:
  - name: weth-usdc
    token_in: "0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619"
    token_out: "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
    buy_pair: "0x0000000000000000000000000000000000000001"
    sell_pair: "0x0000000000000000000000000000000000000002"
    buy_router: "0x0000000000000000000000000000000000000003"
    sell_router: "0x0000000000000000000000000000000000000004"
    trade_size_usd: 1500
`), 0o644))

	markets, err := LoadMarkets(path)
	require.NoError(t, err)
	require.Len(t, markets, 1)
	require.Equal(t, "weth-usdc", markets[0].Name)
	require.Equal(t, "1500", markets[0].TradeSizeUSD.String())
	require.Equal(t, common.HexToAddress("0x03"), markets[0].BuyRouter)
	require.Equal(t, common.HexToAddress("0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619"), markets[0].TokenIn)
}

func TestLoadMarketsRejectsBadEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "markets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
markets:
  - name: broken
    token_in: "not-an-address"
`), 0o644))

	_, err := LoadMarkets(path)
	require.ErrorIs(t, err, ErrInvalidMarketConfig)

	require.NoError(t, os.WriteFile(path, []byte(`
markets:
  - name: zero-size
    token_in: "0x0000000000000000000000000000000000000001"
    token_out: "0x0000000000000000000000000000000000000002"
    buy_pair: "0x0000000000000000000000000000000000000003"
    sell_pair: "0x0000000000000000000000000000000000000004"
    buy_router: "0x0000000000000000000000000000000000000005"
    sell_router: "0x0000000000000000000000000000000000000006"
    trade_size_usd: "0"
`), 0o644))

	_, err = LoadMarkets(path)
	require.ErrorIs(t, err, ErrInvalidMarketConfig)
}
