// Package gas estimates the current network gas price.
//
// Prices follow EIP-1559: a block base fee plus a priority tip, capped by a
// max fee. The effective price is what a transaction mined now would pay.
package gas

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/big"

	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Price is an EIP-1559 gas price, in native base units per gas.
type Price struct {
	MaxFeePerGas         float64
	MaxPriorityFeePerGas float64
	BaseFeePerGas        float64
}

// Effective returns min(max_fee, base_fee + priority_fee).
func (p Price) Effective() float64 {
	return math.Min(p.MaxFeePerGas, p.BaseFeePerGas+p.MaxPriorityFeePerGas)
}

// Estimator produces a fresh gas price estimate.
type Estimator interface {
	Estimate(ctx context.Context) (Price, error)
}

// FeeSource is the subset of the node client the estimator reads from.
type FeeSource interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
}

// NodeEstimator derives gas prices from the latest block's base fee and the
// node's suggested tip. The max fee leaves room for the base fee doubling.
type NodeEstimator struct {
	node   FeeSource
	logger *slog.Logger
}

// NewNodeEstimator creates an estimator backed by an Ethereum node.
func NewNodeEstimator(node FeeSource, logger *slog.Logger) *NodeEstimator {
	return &NodeEstimator{
		node:   node,
		logger: logger.With("component", "gas"),
	}
}

// Estimate returns the current gas price.
func (e *NodeEstimator) Estimate(ctx context.Context) (Price, error) {
	header, err := e.node.HeaderByNumber(ctx, nil)
	if err != nil {
		return Price{}, fmt.Errorf("latest header: %w", err)
	}
	if header.BaseFee == nil {
		return Price{}, fmt.Errorf("latest block %v has no base fee", header.Number)
	}
	tip, err := e.node.SuggestGasTipCap(ctx)
	if err != nil {
		return Price{}, fmt.Errorf("suggest gas tip: %w", err)
	}

	baseFee, _ := new(big.Float).SetInt(header.BaseFee).Float64()
	priority, _ := new(big.Float).SetInt(tip).Float64()
	price := Price{
		MaxFeePerGas:         2*baseFee + priority,
		MaxPriorityFeePerGas: priority,
		BaseFeePerGas:        baseFee,
	}
	e.logger.Debug("estimated gas price", "base_fee", baseFee, "tip", priority, "effective", price.Effective())
	return price, nil
}
