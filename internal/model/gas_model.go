package model

import (
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Gas used by one execution of each interaction kind.
const (
	GasPerOrder        = 66_315
	GasPerZeroExOrder  = 73_000
	GasPerUniswap      = 94_696
	GasPerBalancerSwap = 120_000
)

// GasModel prices execution costs in the native token.
type GasModel struct {
	NativeToken common.Address
	GasPrice    float64
}

// CostForGas returns gas × gas price in native base units, truncated.
// Negative or non-finite products yield zero, products beyond 2^256
// saturate.
func (g GasModel) CostForGas(gas uint64) CostModel {
	return CostModel{
		Amount: floatToU256(g.GasPrice * float64(gas)),
		Token:  g.NativeToken,
	}
}

// GPOrderCost is the cost of settling a protocol order.
func (g GasModel) GPOrderCost() CostModel { return g.CostForGas(GasPerOrder) }

// ZeroExOrderCost is the cost of filling a 0x limit order.
func (g GasModel) ZeroExOrderCost() CostModel { return g.CostForGas(GasPerZeroExOrder) }

// UniswapCost is the cost of a constant-product swap.
func (g GasModel) UniswapCost() CostModel { return g.CostForGas(GasPerUniswap) }

// BalancerCost is the cost of a weighted or stable pool swap.
func (g GasModel) BalancerCost() CostModel { return g.CostForGas(GasPerBalancerSwap) }

func floatToU256(f float64) *uint256.Int {
	if math.IsNaN(f) || f <= 0 {
		return new(uint256.Int)
	}
	if math.IsInf(f, 1) {
		return new(uint256.Int).SetAllOne()
	}
	i, _ := new(big.Float).SetFloat64(f).Int(nil)
	v, overflow := uint256.FromBig(i)
	if overflow {
		return new(uint256.Int).SetAllOne()
	}
	return v
}
