// Package model defines the optimization engine's wire format.
//
// BatchAuctionModel is what the solver sends; SettledBatchAuctionModel is what
// the engine returns. Field names, map keys and the "kind" discriminator of
// pool parameters are part of the engine contract and must not change.
// Amounts are decimal strings, token addresses lowercase hex, rationals
// decimal strings.
package model

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ————————————————————————————————————————————————————————————————————————
// Request
// ————————————————————————————————————————————————————————————————————————

// BatchAuctionModel is the compiled optimization instance.
type BatchAuctionModel struct {
	Tokens   map[common.Address]TokenInfoModel `json:"tokens"`
	Orders   map[int]OrderModel                `json:"orders"`
	AMMs     map[int]AMMModel                  `json:"amms"`
	Metadata *MetadataModel                    `json:"metadata,omitempty"`
}

// TokenInfoModel describes one token of the instance.
type TokenInfoModel struct {
	Decimals          *uint8       `json:"decimals"`
	Alias             *string      `json:"alias"`
	ExternalPrice     *float64     `json:"external_price"`
	NormalizePriority *uint64      `json:"normalize_priority"`
	InternalBuffer    *uint256.Int `json:"internal_buffer"`
}

// TokenAmount is an amount of a specific token.
type TokenAmount struct {
	Amount *uint256.Int   `json:"amount"`
	Token  common.Address `json:"token"`
}

// FeeModel is the fee an order pays, in its sell token.
type FeeModel = TokenAmount

// CostModel is the execution cost of an order or pool, in the native token.
type CostModel = TokenAmount

// OrderModel is one order of the instance.
type OrderModel struct {
	SellToken          common.Address `json:"sell_token"`
	BuyToken           common.Address `json:"buy_token"`
	SellAmount         *uint256.Int   `json:"sell_amount"`
	BuyAmount          *uint256.Int   `json:"buy_amount"`
	AllowPartialFill   bool           `json:"allow_partial_fill"`
	IsSellOrder        bool           `json:"is_sell_order"`
	Fee                FeeModel       `json:"fee"`
	Cost               CostModel      `json:"cost"`
	IsLiquidityOrder   bool           `json:"is_liquidity_order"`
	Mandatory          bool           `json:"mandatory"`
	HasAtomicExecution bool           `json:"has_atomic_execution"`
}

// AMMKind discriminates pool parameter blocks.
type AMMKind string

const (
	KindConstantProduct AMMKind = "ConstantProduct"
	KindWeightedProduct AMMKind = "WeightedProduct"
	KindStable          AMMKind = "Stable"
)

// AMMParameters is implemented by the three pool parameter blocks.
type AMMParameters interface {
	Kind() AMMKind
}

// ConstantProductPoolParameters holds the two reserves of an x*y=k pool.
type ConstantProductPoolParameters struct {
	Reserves map[common.Address]*uint256.Int `json:"reserves"`
}

// WeightedPoolTokenData is one token of a weighted pool.
type WeightedPoolTokenData struct {
	Balance *uint256.Int `json:"balance"`
	Weight  Ratio        `json:"weight"`
}

// WeightedProductPoolParameters holds the reserves of a weighted pool.
type WeightedProductPoolParameters struct {
	Reserves map[common.Address]WeightedPoolTokenData `json:"reserves"`
}

// StablePoolParameters holds the reserves of a stable pool.
type StablePoolParameters struct {
	Reserves               map[common.Address]*uint256.Int `json:"reserves"`
	ScalingRates           map[common.Address]*uint256.Int `json:"scaling_rates"`
	AmplificationParameter Ratio                           `json:"amplification_parameter"`
}

func (ConstantProductPoolParameters) Kind() AMMKind { return KindConstantProduct }
func (WeightedProductPoolParameters) Kind() AMMKind { return KindWeightedProduct }
func (StablePoolParameters) Kind() AMMKind          { return KindStable }

// AMMModel is one pool of the instance. On the wire the parameter block is
// flattened into the pool object next to a "kind" field.
type AMMModel struct {
	Parameters AMMParameters
	Fee        Ratio
	Cost       CostModel
	Mandatory  bool
}

type ammHeader struct {
	Kind      AMMKind   `json:"kind"`
	Fee       Ratio     `json:"fee"`
	Cost      CostModel `json:"cost"`
	Mandatory bool      `json:"mandatory"`
}

// MarshalJSON flattens the parameter block into the pool object.
func (a AMMModel) MarshalJSON() ([]byte, error) {
	if a.Parameters == nil {
		return nil, fmt.Errorf("amm model without parameters")
	}
	params, err := json.Marshal(a.Parameters)
	if err != nil {
		return nil, fmt.Errorf("marshal amm parameters: %w", err)
	}
	header, err := json.Marshal(ammHeader{
		Kind:      a.Parameters.Kind(),
		Fee:       a.Fee,
		Cost:      a.Cost,
		Mandatory: a.Mandatory,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal amm header: %w", err)
	}
	return mergeObjects(header, params)
}

// UnmarshalJSON reads a flattened pool object.
func (a *AMMModel) UnmarshalJSON(data []byte) error {
	var header ammHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return fmt.Errorf("unmarshal amm header: %w", err)
	}
	var params AMMParameters
	switch header.Kind {
	case KindConstantProduct:
		var p ConstantProductPoolParameters
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("unmarshal constant product parameters: %w", err)
		}
		params = p
	case KindWeightedProduct:
		var p WeightedProductPoolParameters
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("unmarshal weighted product parameters: %w", err)
		}
		params = p
	case KindStable:
		var p StablePoolParameters
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("unmarshal stable parameters: %w", err)
		}
		params = p
	default:
		return fmt.Errorf("unknown amm kind %q", header.Kind)
	}
	*a = AMMModel{
		Parameters: params,
		Fee:        header.Fee,
		Cost:       header.Cost,
		Mandatory:  header.Mandatory,
	}
	return nil
}

// mergeObjects joins two JSON objects. Keys of b win on conflict.
func mergeObjects(a, b []byte) ([]byte, error) {
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(a, &merged); err != nil {
		return nil, err
	}
	var extra map[string]json.RawMessage
	if err := json.Unmarshal(b, &extra); err != nil {
		return nil, err
	}
	for k, v := range extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// MetadataModel carries auction metadata for engine-side diagnostics.
type MetadataModel struct {
	Environment *string         `json:"environment"`
	AuctionID   *uint64         `json:"auction_id"`
	GasPrice    *float64        `json:"gas_price"`
	NativeToken *common.Address `json:"native_token"`
}

// ————————————————————————————————————————————————————————————————————————
// Response
// ————————————————————————————————————————————————————————————————————————

// SettledBatchAuctionModel is the engine's solution. Unknown fields are
// ignored.
type SettledBatchAuctionModel struct {
	Orders   map[int]ExecutedOrderModel      `json:"orders"`
	AMMs     map[int]UpdatedAMMModel         `json:"amms"`
	RefToken *common.Address                 `json:"ref_token"`
	Prices   map[common.Address]*uint256.Int `json:"prices"`
}

// ExecutedOrderModel is the executed amounts of one order.
type ExecutedOrderModel struct {
	ExecSellAmount *uint256.Int `json:"exec_sell_amount"`
	ExecBuyAmount  *uint256.Int `json:"exec_buy_amount"`
}

// UpdatedAMMModel lists the swaps executed against one pool.
type UpdatedAMMModel struct {
	Execution []ExecutedAMMModel `json:"execution"`
}

// ExecutedAMMModel is one swap against a pool.
type ExecutedAMMModel struct {
	SellToken      common.Address                 `json:"sell_token"`
	BuyToken       common.Address                 `json:"buy_token"`
	ExecSellAmount *uint256.Int                   `json:"exec_sell_amount"`
	ExecBuyAmount  *uint256.Int                   `json:"exec_buy_amount"`
	ExecPlan       *ExecutionPlanCoordinatesModel `json:"exec_plan"`
}

// ExecutionPlanCoordinatesModel places an interaction within a settlement.
type ExecutionPlanCoordinatesModel struct {
	Sequence uint32 `json:"sequence"`
	Position uint32 `json:"position"`
}

// HasExecutionPlan reports whether the solution settles anything: it must
// execute at least one order and every pool swap must carry plan
// coordinates.
func (s *SettledBatchAuctionModel) HasExecutionPlan() bool {
	if s == nil || len(s.Orders) == 0 {
		return false
	}
	for _, amm := range s.AMMs {
		for _, exec := range amm.Execution {
			if exec.ExecPlan == nil {
				return false
			}
		}
	}
	return true
}
