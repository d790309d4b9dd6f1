package rpctier

import (
	"errors"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

var ErrInvalidTierConfig = errors.New("invalid tier config")

type Capability uint8

const (
	CapRead Capability = 1 << iota
	CapWrite
	CapSubscribe
)

func (c Capability) Has(flag Capability) bool {
	return c&flag != 0
}

func parseCapabilities(caps []string) (Capability, error) {
	var out Capability
	for _, c := range caps {
		switch c {
		case "read":
			out |= CapRead
		case "write":
			out |= CapWrite
		case "subscribe":
			out |= CapSubscribe
		default:
			return 0, ErrInvalidTierConfig
		}
	}
	return out, nil
}

type TierConfig struct {
	Name         string   `yaml:"name"`
	Priority     int      `yaml:"priority"`
	HTTPURL      string   `yaml:"http_url"`
	WSURL        string   `yaml:"ws_url"`
	Capabilities []string `yaml:"capabilities"`
}

type Config struct {
	Tiers []TierConfig `yaml:"tiers"`
}

// LoadConfig reads the tier fallback sequence from a yaml file.
// Tiers are ordered by ascending priority, lowest number first.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	if len(config.Tiers) == 0 {
		return nil, ErrNoTiers
	}
	for _, tier := range config.Tiers {
		if tier.Name == "" || tier.HTTPURL == "" {
			return nil, ErrInvalidTierConfig
		}
	}
	sort.SliceStable(config.Tiers, func(i, j int) bool {
		return config.Tiers[i].Priority < config.Tiers[j].Priority
	})
	return &config, nil
}
