package api

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"batch-solver/internal/config"
	"batch-solver/internal/driver"
	"batch-solver/internal/model"
	"batch-solver/internal/settlement"
	"batch-solver/internal/solver"
	"batch-solver/pkg/types"
)

// Liquidity kinds accepted in auction requests.
const (
	liquidityConstantProduct = "ConstantProduct"
	liquidityWeightedProduct = "WeightedProduct"
	liquidityStable          = "Stable"
	liquidityLimitOrder      = "LimitOrder"
)

// AuctionRequest is the body of POST /solve. Amounts are decimal strings,
// fees and prices decimal numbers.
type AuctionRequest struct {
	ID        uint64                         `json:"id"`
	Orders    []OrderJSON                    `json:"orders"`
	Liquidity []LiquidityJSON                `json:"liquidity"`
	Prices    map[common.Address]model.Ratio `json:"prices"`
	Deadline  time.Time                      `json:"deadline"`
}

// OrderJSON is a user order.
type OrderJSON struct {
	UID               string          `json:"uid"`
	SellToken         common.Address  `json:"sell_token"`
	BuyToken          common.Address  `json:"buy_token"`
	SellAmount        *uint256.Int    `json:"sell_amount"`
	BuyAmount         *uint256.Int    `json:"buy_amount"`
	Kind              types.OrderKind `json:"kind"`
	PartiallyFillable bool            `json:"partially_fillable"`
	FeeAmount         *uint256.Int    `json:"fee_amount"`
	FullFeeAmount     *uint256.Int    `json:"full_fee_amount"`
	IsLiquidityOrder  bool            `json:"is_liquidity_order"`
	CreationDate      time.Time       `json:"creation_date"`
}

// LiquidityJSON decodes one liquidity source, discriminated by "kind".
type LiquidityJSON struct {
	types.Liquidity
}

type constantProductJSON struct {
	Address  common.Address    `json:"address"`
	Spender  common.Address    `json:"spender"`
	Tokens   [2]common.Address `json:"tokens"`
	Reserves [2]*uint256.Int   `json:"reserves"`
	Fee      model.Ratio       `json:"fee"`
}

type weightedTokenJSON struct {
	Balance         *uint256.Int `json:"balance"`
	ScalingExponent uint8        `json:"scaling_exponent"`
	Weight          model.Ratio  `json:"weight"`
}

type weightedProductJSON struct {
	Address  common.Address                       `json:"address"`
	Spender  common.Address                       `json:"spender"`
	Reserves map[common.Address]weightedTokenJSON `json:"reserves"`
	Fee      model.Ratio                          `json:"fee"`
}

type stableTokenJSON struct {
	Balance         *uint256.Int `json:"balance"`
	ScalingExponent uint8        `json:"scaling_exponent"`
}

type stableJSON struct {
	Address                common.Address                     `json:"address"`
	Spender                common.Address                     `json:"spender"`
	Reserves               map[common.Address]stableTokenJSON `json:"reserves"`
	Fee                    model.Ratio                        `json:"fee"`
	AmplificationParameter struct {
		Factor    *uint256.Int `json:"factor"`
		Precision *uint256.Int `json:"precision"`
	} `json:"amplification_parameter"`
}

type limitOrderJSON struct {
	ID                    string          `json:"id"`
	SellToken             common.Address  `json:"sell_token"`
	BuyToken              common.Address  `json:"buy_token"`
	SellAmount            *uint256.Int    `json:"sell_amount"`
	BuyAmount             *uint256.Int    `json:"buy_amount"`
	Kind                  types.OrderKind `json:"order_kind"`
	PartiallyFillable     bool            `json:"partially_fillable"`
	UnscaledSubsidizedFee *uint256.Int    `json:"unscaled_subsidized_fee"`
	ScaledUnsubsidizedFee *uint256.Int    `json:"scaled_unsubsidized_fee"`
	Exchange              types.Exchange  `json:"exchange"`
}

// UnmarshalJSON picks the liquidity type from the "kind" field.
func (l *LiquidityJSON) UnmarshalJSON(data []byte) error {
	var header struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return err
	}

	switch header.Kind {
	case liquidityConstantProduct:
		var v constantProductJSON
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("constant product pool: %w", err)
		}
		pair, ok := types.NewTokenPair(v.Tokens[0], v.Tokens[1])
		if !ok {
			return fmt.Errorf("constant product pool %s trades a token against itself", v.Address.Hex())
		}
		if v.Reserves[0] == nil || v.Reserves[1] == nil {
			return fmt.Errorf("constant product pool %s is missing reserves", v.Address.Hex())
		}
		reserves := v.Reserves
		if t0, _ := pair.Get(); t0 != v.Tokens[0] {
			reserves[0], reserves[1] = reserves[1], reserves[0]
		}
		l.Liquidity = &types.ConstantProductOrder{
			Address:  v.Address,
			Spender:  v.Spender,
			Tokens:   pair,
			Reserves: reserves,
			Fee:      v.Fee.Rat(),
		}

	case liquidityWeightedProduct:
		var v weightedProductJSON
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("weighted product pool: %w", err)
		}
		reserves := make(map[common.Address]types.WeightedTokenState, len(v.Reserves))
		for token, state := range v.Reserves {
			if state.Balance == nil {
				return fmt.Errorf("weighted product pool %s: missing balance of %s", v.Address.Hex(), token.Hex())
			}
			reserves[token] = types.WeightedTokenState{
				Balance:         state.Balance,
				ScalingExponent: state.ScalingExponent,
				Weight:          state.Weight.Rat(),
			}
		}
		l.Liquidity = &types.WeightedProductOrder{
			Address:  v.Address,
			Spender:  v.Spender,
			Reserves: reserves,
			Fee:      v.Fee.Rat(),
		}

	case liquidityStable:
		var v stableJSON
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("stable pool: %w", err)
		}
		reserves := make(map[common.Address]types.StableTokenState, len(v.Reserves))
		for token, state := range v.Reserves {
			if state.Balance == nil {
				return fmt.Errorf("stable pool %s: missing balance of %s", v.Address.Hex(), token.Hex())
			}
			reserves[token] = types.StableTokenState{
				Balance:         state.Balance,
				ScalingExponent: state.ScalingExponent,
			}
		}
		l.Liquidity = &types.StablePoolOrder{
			Address:  v.Address,
			Spender:  v.Spender,
			Reserves: reserves,
			Fee:      v.Fee.Rat(),
			AmplificationParameter: types.AmplificationParameter{
				Factor:    v.AmplificationParameter.Factor,
				Precision: v.AmplificationParameter.Precision,
			},
		}

	case liquidityLimitOrder:
		var v limitOrderJSON
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("limit order: %w", err)
		}
		if err := checkOrder(v.ID, v.Kind, v.SellAmount, v.BuyAmount); err != nil {
			return err
		}
		exchange := v.Exchange
		if exchange == "" {
			exchange = types.ExchangeZeroEx
		}
		l.Liquidity = &types.LimitOrder{
			ID:                    v.ID,
			SellToken:             v.SellToken,
			BuyToken:              v.BuyToken,
			SellAmount:            v.SellAmount,
			BuyAmount:             v.BuyAmount,
			Kind:                  v.Kind,
			PartiallyFillable:     v.PartiallyFillable,
			UnscaledSubsidizedFee: orZero(v.UnscaledSubsidizedFee),
			ScaledUnsubsidizedFee: orZero(v.ScaledUnsubsidizedFee),
			IsLiquidityOrder:      true,
			Exchange:              exchange,
		}

	default:
		return fmt.Errorf("unknown liquidity kind %q", header.Kind)
	}
	return nil
}

// ToRequest validates the body and converts it for the driver.
func (a AuctionRequest) ToRequest() (driver.Request, error) {
	orders := make([]types.Order, 0, len(a.Orders))
	for _, o := range a.Orders {
		if err := checkOrder(o.UID, o.Kind, o.SellAmount, o.BuyAmount); err != nil {
			return driver.Request{}, err
		}
		orders = append(orders, types.Order{
			UID:               o.UID,
			SellToken:         o.SellToken,
			BuyToken:          o.BuyToken,
			SellAmount:        o.SellAmount,
			BuyAmount:         o.BuyAmount,
			Kind:              o.Kind,
			PartiallyFillable: o.PartiallyFillable,
			FeeAmount:         orZero(o.FeeAmount),
			FullFeeAmount:     o.FullFeeAmount,
			IsLiquidityOrder:  o.IsLiquidityOrder,
			CreationDate:      o.CreationDate,
		})
	}

	liquidity := make([]types.Liquidity, 0, len(a.Liquidity))
	for _, l := range a.Liquidity {
		if l.Liquidity == nil {
			return driver.Request{}, fmt.Errorf("empty liquidity entry")
		}
		liquidity = append(liquidity, l.Liquidity)
	}

	prices := make(map[common.Address]*big.Rat, len(a.Prices))
	for token, price := range a.Prices {
		prices[token] = price.Rat()
	}

	if a.Deadline.IsZero() {
		return driver.Request{}, fmt.Errorf("auction %d has no deadline", a.ID)
	}

	return driver.Request{
		ID:        a.ID,
		Orders:    orders,
		Liquidity: liquidity,
		Prices:    prices,
		Deadline:  a.Deadline,
	}, nil
}

func checkOrder(id string, kind types.OrderKind, sell, buy *uint256.Int) error {
	switch kind {
	case types.OrderKindSell, types.OrderKindBuy:
	default:
		return fmt.Errorf("order %q: unknown kind %q", id, kind)
	}
	if sell == nil || buy == nil {
		return fmt.Errorf("order %q: missing sell or buy amount", id)
	}
	return nil
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

// SolveResponse is the body returned by POST /solve.
type SolveResponse struct {
	AuctionID   uint64                   `json:"auction_id"`
	Settlements []*settlement.Settlement `json:"settlements"`
}

// Snapshot is the current solver state served by /api/instance and sent to
// new stream clients.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	// Cached instance, absent until the first compilation.
	Instance *solver.InstanceSummary `json:"instance,omitempty"`

	Config ConfigSummary `json:"config"`
}

// ConfigSummary exposes the non-secret configuration.
type ConfigSummary struct {
	// Engine
	Engine             string `json:"engine"`
	NetworkName        string `json:"network_name"`
	ChainID            uint64 `json:"chain_id"`
	MaxNrExecOrders    int    `json:"max_nr_exec_orders"`
	UseInternalBuffers bool   `json:"use_internal_buffers"`

	// Solver
	NativeToken           string  `json:"native_token"`
	SettlementContract    string  `json:"settlement_contract"`
	MaxGasSurchargeFactor float64 `json:"max_gas_surcharge_factor"`
	MinOrderAge           string  `json:"min_order_age"`
}

// NewConfigSummary creates config summary from config
func NewConfigSummary(cfg config.Config) ConfigSummary {
	return ConfigSummary{
		Engine:             cfg.Engine.Name,
		NetworkName:        cfg.Engine.NetworkName,
		ChainID:            cfg.Engine.ChainID,
		MaxNrExecOrders:    cfg.Engine.MaxNrExecOrders,
		UseInternalBuffers: cfg.Engine.UseInternalBuffers,

		NativeToken:           cfg.NativeToken().Hex(),
		SettlementContract:    cfg.SettlementContract().Hex(),
		MaxGasSurchargeFactor: cfg.Solver.MaxGasSurchargeFactor,
		MinOrderAge:           cfg.Solver.MinOrderAge.String(),
	}
}
