package preprocess

import (
	"github.com/holiman/uint256"

	"batch-solver/pkg/types"
)

// ToLimitOrders converts user orders into solver limit orders settled by the
// protocol. The signed fee becomes the subsidized fee; the full fee amount,
// when known, is the unsubsidized one.
func ToLimitOrders(orders []types.Order) []types.LimitOrder {
	out := make([]types.LimitOrder, 0, len(orders))
	for _, order := range orders {
		out = append(out, ToLimitOrder(order))
	}
	return out
}

// ToLimitOrder converts a single user order.
func ToLimitOrder(order types.Order) types.LimitOrder {
	subsidized := orZero(order.FeeAmount)
	unsubsidized := subsidized
	if order.FullFeeAmount != nil {
		unsubsidized = order.FullFeeAmount
	}
	return types.LimitOrder{
		ID:                    order.UID,
		SellToken:             order.SellToken,
		BuyToken:              order.BuyToken,
		SellAmount:            orZero(order.SellAmount),
		BuyAmount:             orZero(order.BuyAmount),
		Kind:                  order.Kind,
		PartiallyFillable:     order.PartiallyFillable,
		UnscaledSubsidizedFee: subsidized.Clone(),
		ScaledUnsubsidizedFee: unsubsidized.Clone(),
		IsLiquidityOrder:      order.IsLiquidityOrder,
		Exchange:              types.ExchangeGnosisProtocol,
	}
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
