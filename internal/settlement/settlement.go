// Package settlement turns an engine solution into a settlement.
//
// The engine refers to orders and pools by their index in the compiled
// model. Context keeps the objects behind those indices so the solution can
// be mapped back to concrete orders and pools.
package settlement

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"batch-solver/internal/allowances"
	"batch-solver/internal/model"
	"batch-solver/pkg/types"
)

// ErrInconsistentSolution is returned when a solution refers to unknown
// orders or pools, or trades tokens it cannot.
var ErrInconsistentSolution = errors.New("inconsistent solution")

// Context holds what the model's indices refer to: Orders[i] is order i and
// AMMs[j] is pool j of the compiled model.
type Context struct {
	Orders []types.LimitOrder
	AMMs   []types.Liquidity
}

// Trade is an executed order.
type Trade struct {
	OrderID            string         `json:"order_id"`
	SellToken          common.Address `json:"sell_token"`
	BuyToken           common.Address `json:"buy_token"`
	ExecutedSellAmount *uint256.Int   `json:"executed_sell_amount"`
	ExecutedBuyAmount  *uint256.Int   `json:"executed_buy_amount"`
	IsLiquidityOrder   bool           `json:"is_liquidity_order"`
	Exchange           types.Exchange `json:"exchange"`
}

// Swap is one execution against a pool. The settlement pays AmountIn of
// TokenIn to the pool and receives AmountOut of TokenOut.
type Swap struct {
	Pool      common.Address `json:"pool"`
	Spender   common.Address `json:"spender"`
	TokenIn   common.Address `json:"token_in"`
	TokenOut  common.Address `json:"token_out"`
	AmountIn  *uint256.Int   `json:"amount_in"`
	AmountOut *uint256.Int   `json:"amount_out"`
	Sequence  uint32         `json:"sequence"`
	Position  uint32         `json:"position"`
}

// Settlement is a solved batch ready for encoding. Approvals run first,
// then Swaps in order.
type Settlement struct {
	ClearingPrices map[common.Address]*uint256.Int `json:"clearing_prices"`
	Trades         []Trade                         `json:"trades"`
	Approvals      []allowances.Approval           `json:"approvals"`
	Swaps          []Swap                          `json:"swaps"`
}

// Convert maps a solution with an execution plan back onto ctx. Pool
// swaps are ordered by (sequence, position) and the approvals they need
// are prepended.
func Convert(ctx context.Context, settled *model.SettledBatchAuctionModel, sc Context, manager allowances.Manager) (*Settlement, error) {
	if settled == nil {
		return nil, fmt.Errorf("%w: empty solution", ErrInconsistentSolution)
	}

	trades, err := convertTrades(settled, sc)
	if err != nil {
		return nil, err
	}
	swaps, err := convertSwaps(settled, sc)
	if err != nil {
		return nil, err
	}

	requests := make([]allowances.Request, 0, len(swaps))
	for _, swap := range swaps {
		requests = append(requests, allowances.Request{
			Token:   swap.TokenIn,
			Spender: swap.Spender,
			Amount:  swap.AmountIn,
		})
	}
	var approvals []allowances.Approval
	if len(requests) > 0 {
		if manager == nil {
			return nil, fmt.Errorf("solution needs approvals but no allowance manager is configured")
		}
		approvals, err = manager.Approvals(ctx, requests)
		if err != nil {
			return nil, fmt.Errorf("compute approvals: %w", err)
		}
	}

	prices := make(map[common.Address]*uint256.Int, len(settled.Prices))
	for token, price := range settled.Prices {
		if price != nil {
			prices[token] = price.Clone()
		}
	}
	for _, trade := range trades {
		if trade.Exchange != types.ExchangeGnosisProtocol {
			continue
		}
		for _, token := range []common.Address{trade.SellToken, trade.BuyToken} {
			if _, ok := prices[token]; !ok {
				return nil, fmt.Errorf("%w: order %s trades %s without a clearing price",
					ErrInconsistentSolution, trade.OrderID, token.Hex())
			}
		}
	}

	return &Settlement{
		ClearingPrices: prices,
		Trades:         trades,
		Approvals:      approvals,
		Swaps:          swaps,
	}, nil
}

func convertTrades(settled *model.SettledBatchAuctionModel, sc Context) ([]Trade, error) {
	indices := sortedIndices(settled.Orders)
	trades := make([]Trade, 0, len(indices))
	for _, idx := range indices {
		exec := settled.Orders[idx]
		if idx < 0 || idx >= len(sc.Orders) {
			return nil, fmt.Errorf("%w: unknown order index %d", ErrInconsistentSolution, idx)
		}
		if exec.ExecSellAmount == nil || exec.ExecBuyAmount == nil {
			return nil, fmt.Errorf("%w: order index %d without executed amounts", ErrInconsistentSolution, idx)
		}
		order := sc.Orders[idx]
		if err := checkFill(order, exec); err != nil {
			return nil, err
		}
		trades = append(trades, Trade{
			OrderID:            order.ID,
			SellToken:          order.SellToken,
			BuyToken:           order.BuyToken,
			ExecutedSellAmount: exec.ExecSellAmount.Clone(),
			ExecutedBuyAmount:  exec.ExecBuyAmount.Clone(),
			IsLiquidityOrder:   order.IsLiquidityOrder,
			Exchange:           order.Exchange,
		})
	}
	return trades, nil
}

// checkFill rejects executions exceeding the order's limits, and partial
// executions of fill-or-kill orders.
func checkFill(order types.LimitOrder, exec model.ExecutedOrderModel) error {
	exact, executed := order.SellAmount, exec.ExecSellAmount
	if order.Kind == types.OrderKindBuy {
		exact, executed = order.BuyAmount, exec.ExecBuyAmount
	}
	if exact == nil {
		return nil
	}
	if executed.Gt(exact) {
		return fmt.Errorf("%w: order %s executed %s above its amount %s",
			ErrInconsistentSolution, order.ID, executed.Dec(), exact.Dec())
	}
	if !order.PartiallyFillable && !executed.Eq(exact) {
		return fmt.Errorf("%w: fill-or-kill order %s partially executed (%s of %s)",
			ErrInconsistentSolution, order.ID, executed.Dec(), exact.Dec())
	}
	return nil
}

func convertSwaps(settled *model.SettledBatchAuctionModel, sc Context) ([]Swap, error) {
	var swaps []Swap
	for _, idx := range sortedIndices(settled.AMMs) {
		if idx < 0 || idx >= len(sc.AMMs) {
			return nil, fmt.Errorf("%w: unknown amm index %d", ErrInconsistentSolution, idx)
		}
		pool, spender := poolAddresses(sc.AMMs[idx])
		tokens := types.Tokens(sc.AMMs[idx])
		for _, exec := range settled.AMMs[idx].Execution {
			if exec.ExecPlan == nil {
				return nil, fmt.Errorf("%w: amm index %d execution without plan", ErrInconsistentSolution, idx)
			}
			if !slices.Contains(tokens, exec.SellToken) || !slices.Contains(tokens, exec.BuyToken) {
				return nil, fmt.Errorf("%w: amm index %d does not trade %s for %s",
					ErrInconsistentSolution, idx, exec.BuyToken.Hex(), exec.SellToken.Hex())
			}
			if exec.ExecSellAmount == nil || exec.ExecBuyAmount == nil {
				return nil, fmt.Errorf("%w: amm index %d execution without amounts", ErrInconsistentSolution, idx)
			}
			// The engine reports amounts from the pool's side: the pool sells
			// SellToken to the settlement and buys BuyToken from it.
			swaps = append(swaps, Swap{
				Pool:      pool,
				Spender:   spender,
				TokenIn:   exec.BuyToken,
				TokenOut:  exec.SellToken,
				AmountIn:  exec.ExecBuyAmount.Clone(),
				AmountOut: exec.ExecSellAmount.Clone(),
				Sequence:  exec.ExecPlan.Sequence,
				Position:  exec.ExecPlan.Position,
			})
		}
	}
	slices.SortStableFunc(swaps, func(a, b Swap) int {
		if c := cmp.Compare(a.Sequence, b.Sequence); c != 0 {
			return c
		}
		return cmp.Compare(a.Position, b.Position)
	})
	return swaps, nil
}

func poolAddresses(l types.Liquidity) (pool, spender common.Address) {
	switch l := l.(type) {
	case *types.ConstantProductOrder:
		return l.Address, l.Spender
	case *types.WeightedProductOrder:
		return l.Address, l.Spender
	case *types.StablePoolOrder:
		return l.Address, l.Spender
	case *types.LimitOrder:
		panic("settlement: limit order in pool context")
	default:
		panic("settlement: unknown liquidity")
	}
}

func sortedIndices[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
