package engine

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownStrategy   = errors.New("unknown strategy kind")
	ErrInvalidPayload    = errors.New("opportunity payload does not match strategy kind")
	ErrRiskTripped       = errors.New("risk governor tripped")
	ErrEndpointUnhealthy = errors.New("active endpoint unhealthy")
	ErrNonceConflict     = errors.New("nonce conflict")
)

// StrategyKind identifies the strategy that produced an opportunity.
// Priorities are fixed per kind and are used only to break near-ties on
// expected profit; they are never derived from profit itself.
type StrategyKind uint8

const (
	StrategyDirect StrategyKind = iota
	StrategyTriangular
	StrategyFlashloan
	StrategyLiquidation
	StrategySandwich
)

var strategyNames = map[StrategyKind]string{
	StrategyDirect:      "direct_arbitrage",
	StrategyTriangular:  "triangular_arbitrage",
	StrategyFlashloan:   "flashloan_arbitrage",
	StrategyLiquidation: "liquidation_arbitrage",
	StrategySandwich:    "sandwich",
}

var strategyPriorities = map[StrategyKind]int{
	StrategyDirect:      2,
	StrategyTriangular:  3,
	StrategyFlashloan:   4,
	StrategyLiquidation: 4,
	StrategySandwich:    5,
}

func (k StrategyKind) String() string {
	return strategyNames[k]
}

func (k StrategyKind) Priority() int {
	return strategyPriorities[k]
}

// TimeCritical strategies must win ordering against a reference transaction
// and get their tip bumped past its fee.
func (k StrategyKind) TimeCritical() bool {
	return k == StrategySandwich
}

func (k StrategyKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *StrategyKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for kind, name := range strategyNames {
		if name == s {
			*k = kind
			return nil
		}
	}
	return ErrUnknownStrategy
}

type DirectPayload struct {
	TokenIn      common.Address  `json:"tokenIn"`
	TokenOut     common.Address  `json:"tokenOut"`
	BuyRouter    common.Address  `json:"buyRouter"`
	SellRouter   common.Address  `json:"sellRouter"`
	TradeSizeUSD decimal.Decimal `json:"tradeSizeUsd"`
}

type TriangularPayload struct {
	Path     []common.Address `json:"path"`
	Router   common.Address   `json:"router"`
	AmountIn *hexutil.Big     `json:"amountIn"`
}

type FlashloanPayload struct {
	Asset  common.Address   `json:"asset"`
	Amount *hexutil.Big     `json:"amount"`
	Route  []common.Address `json:"route"`
}

type LiquidationPayload struct {
	Protocol     string         `json:"protocol"`
	Borrower     common.Address `json:"borrower"`
	Collateral   common.Address `json:"collateral"`
	Debt         common.Address `json:"debt"`
	DebtToCover  *hexutil.Big   `json:"debtToCover"`
	HealthFactor float64        `json:"healthFactor"`
}

type SandwichPayload struct {
	VictimTx       common.Hash    `json:"victimTx"`
	VictimGasPrice *hexutil.Big   `json:"victimGasPrice"`
	Router         common.Address `json:"router"`
	TokenIn        common.Address `json:"tokenIn"`
	TokenOut       common.Address `json:"tokenOut"`
}

// OpportunityPayload is a tagged variant: exactly one member is non-nil and
// it must match the opportunity's Kind. The scheduler never looks inside, it
// only hands the payload back to the owning strategy to build the intent.
type OpportunityPayload struct {
	Direct      *DirectPayload      `json:"direct,omitempty"`
	Triangular  *TriangularPayload  `json:"triangular,omitempty"`
	Flashloan   *FlashloanPayload   `json:"flashloan,omitempty"`
	Liquidation *LiquidationPayload `json:"liquidation,omitempty"`
	Sandwich    *SandwichPayload    `json:"sandwich,omitempty"`
}

// Opportunity is a single candidate trade produced by a strategy for one
// scheduler cycle. Immutable once produced and consumed at most once.
type Opportunity struct {
	Kind           StrategyKind       `json:"strategy"`
	ExpectedProfit decimal.Decimal    `json:"expectedProfitUsd"`
	Confidence     float64            `json:"confidence"`
	Payload        OpportunityPayload `json:"payload"`
}

func (o *Opportunity) Validate() error {
	set := 0
	var matches bool
	if o.Payload.Direct != nil {
		set++
		matches = o.Kind == StrategyDirect
	}
	if o.Payload.Triangular != nil {
		set++
		matches = o.Kind == StrategyTriangular
	}
	if o.Payload.Flashloan != nil {
		set++
		matches = o.Kind == StrategyFlashloan
	}
	if o.Payload.Liquidation != nil {
		set++
		matches = o.Kind == StrategyLiquidation
	}
	if o.Payload.Sandwich != nil {
		set++
		matches = o.Kind == StrategySandwich
	}
	if set != 1 || !matches {
		return ErrInvalidPayload
	}
	return nil
}

type IntentState uint8

const (
	IntentBuilt IntentState = iota
	IntentSimulated
	IntentSubmitted
	IntentPending
	IntentConfirmed
	IntentReverted
	IntentStuck
	IntentCancelled
	IntentSpedUp
)

var intentStateNames = map[IntentState]string{
	IntentBuilt:     "built",
	IntentSimulated: "simulated",
	IntentSubmitted: "submitted",
	IntentPending:   "pending",
	IntentConfirmed: "confirmed",
	IntentReverted:  "reverted",
	IntentStuck:     "stuck",
	IntentCancelled: "cancelled",
	IntentSpedUp:    "sped_up",
}

func (s IntentState) String() string {
	return intentStateNames[s]
}

// TxIntent is an execution-ready transaction built from a selected
// opportunity. Owned exclusively by the cycle that created it.
type TxIntent struct {
	To        common.Address
	Data      hexutil.Bytes
	Value     *hexutil.Big
	Gas       uint64
	GasFeeCap *hexutil.Big
	GasTipCap *hexutil.Big
	Nonce     uint64

	State          IntentState
	Hash           common.Hash
	SubmittedBlock uint64
}

// TradeOutcome is the operator-facing record of one executed cycle.
type TradeOutcome struct {
	Strategy       StrategyKind
	ExpectedProfit decimal.Decimal
	RealizedProfit decimal.Decimal
	GasCostUSD     decimal.Decimal
	Confidence     float64
	TxHash         common.Hash
	Nonce          uint64
	Status         string
	SubmittedAt    time.Time
	ConcludedAt    time.Time
}
