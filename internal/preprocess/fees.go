// Package preprocess prepares auction data before it is handed to the solver.
//
// It removes orders whose fee cannot pay for their own execution, converts
// user orders into solver limit orders and answers whether a batch contains
// anything worth solving.
package preprocess

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/holiman/uint256"

	"batch-solver/internal/gas"
	"batch-solver/internal/metrics"
	"batch-solver/internal/prices"
	"batch-solver/pkg/types"
)

// FeeFilter drops orders whose full fee, valued in the native token, is
// below gas_price / MaxSurchargeFactor. Orders younger than MinAge are exempt
// because their fee is not final yet.
type FeeFilter struct {
	estimator          gas.Estimator
	maxSurchargeFactor float64
	minAge             time.Duration
	metrics            *metrics.Metrics
	logger             *slog.Logger
	now                func() time.Time
}

// NewFeeFilter creates a fee filter.
func NewFeeFilter(
	estimator gas.Estimator,
	maxSurchargeFactor float64,
	minAge time.Duration,
	m *metrics.Metrics,
	logger *slog.Logger,
) *FeeFilter {
	return &FeeFilter{
		estimator:          estimator,
		maxSurchargeFactor: maxSurchargeFactor,
		minAge:             minAge,
		metrics:            m,
		logger:             logger.With("component", "fee-filter"),
		now:                time.Now,
	}
}

// Filter removes orders with insufficient fees, preserving the relative
// order of the retained ones. The returned slice shares the input's backing
// array. A failed gas estimate fails the whole call and leaves orders
// untouched.
func (f *FeeFilter) Filter(ctx context.Context, orders []types.Order, external *prices.ExternalPrices) ([]types.Order, error) {
	gasPrice, err := f.estimator.Estimate(ctx)
	if err != nil {
		return orders, fmt.Errorf("failed to estimate gas price for solving: %w", err)
	}
	minNativeFee := gasPrice.Effective() / f.maxSurchargeFactor
	minCreationTime := f.now().Add(-f.minAge)

	f.logger.Debug("filtering orders with insufficient fees",
		"min_native_full_fee", minNativeFee,
		"min_creation_time", minCreationTime,
	)

	kept := orders[:0]
	for _, order := range orders {
		if f.retain(order, external, minNativeFee, minCreationTime) {
			kept = append(kept, order)
		}
	}
	// Clear the tail so dropped orders are not kept alive by the backing array.
	clear(orders[len(kept):])
	return kept, nil
}

func (f *FeeFilter) retain(order types.Order, external *prices.ExternalPrices, minNativeFee float64, minCreationTime time.Time) bool {
	nativeFee, err := nativeFullFee(order, external)
	if err != nil {
		// Amounts out of float range or missing prices; exclude the order.
		f.logger.Error("error computing full fee amount for order",
			"order", order.UID,
			"sell_token", order.SellToken.Hex(),
			"error", err,
		)
		f.metrics.OrderFiltered("fee_conversion")
		return false
	}

	if !order.CreationDate.Before(minCreationTime) {
		return true
	}

	if nativeFee < minNativeFee {
		f.logger.Debug("filtered order because of insufficient fee",
			"order", order.UID,
			"native_full_fee", nativeFee,
			"min_native_full_fee", minNativeFee,
		)
		f.metrics.OrderFiltered("insufficient_fee")
		return false
	}
	return true
}

// nativeFullFee values the order's fee amount in the native token.
func nativeFullFee(order types.Order, external *prices.ExternalPrices) (float64, error) {
	fee := order.FeeAmount
	if fee == nil {
		fee = new(uint256.Int)
	}
	amount, ok := external.NativeAmount(order.SellToken, fee)
	if !ok {
		return 0, fmt.Errorf("missing external price for %s", order.SellToken.Hex())
	}
	return prices.ToFloat(amount)
}

// HasAtLeastOneUserOrder reports whether any order is not a liquidity order.
// Batches made only of liquidity orders are not worth solving.
func HasAtLeastOneUserOrder(orders []types.LimitOrder) bool {
	for _, order := range orders {
		if !order.IsLiquidityOrder {
			return true
		}
	}
	return false
}
