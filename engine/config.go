package engine

import (
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var ErrInvalidMarketConfig = errors.New("invalid market config")

type marketsConfig struct {
	Markets []struct {
		Name         string `yaml:"name"`
		TokenIn      string `yaml:"token_in"`
		TokenOut     string `yaml:"token_out"`
		BuyPair      string `yaml:"buy_pair"`
		SellPair     string `yaml:"sell_pair"`
		BuyRouter    string `yaml:"buy_router"`
		SellRouter   string `yaml:"sell_router"`
		TradeSizeUSD string `yaml:"trade_size_usd"`
	} `yaml:"markets"`
}

// LoadMarkets parses the watched market list for the spread producer.
func LoadMarkets(file string) ([]Market, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}

	var config marketsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}

	markets := make([]Market, 0, len(config.Markets))
	for _, raw := range config.Markets {
		if raw.Name == "" {
			return nil, fmt.Errorf("%w: market with no name", ErrInvalidMarketConfig)
		}
		market := Market{Name: raw.Name}
		for _, field := range []struct {
			value string
			dst   *common.Address
		}{
			{raw.TokenIn, &market.TokenIn},
			{raw.TokenOut, &market.TokenOut},
			{raw.BuyPair, &market.BuyPair},
			{raw.SellPair, &market.SellPair},
			{raw.BuyRouter, &market.BuyRouter},
			{raw.SellRouter, &market.SellRouter},
		} {
			if !common.IsHexAddress(field.value) {
				return nil, fmt.Errorf("%w: market %q has a bad address %q",
					ErrInvalidMarketConfig, raw.Name, field.value)
			}
			*field.dst = common.HexToAddress(field.value)
		}
		market.TradeSizeUSD, err = decimalFromConfig(raw.TradeSizeUSD)
		if err != nil || market.TradeSizeUSD.Sign() <= 0 {
			return nil, fmt.Errorf("%w: market %q has a bad trade size %q",
				ErrInvalidMarketConfig, raw.Name, raw.TradeSizeUSD)
		}
		markets = append(markets, market)
	}
	return markets, nil
}

func decimalFromConfig(value string) (decimal.Decimal, error) {
	if value == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(value)
}
