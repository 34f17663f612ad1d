// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the solver: user orders, limit
// orders, the liquidity sum type and the auction envelope. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"bytes"
	"math/big"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// OrderKind is the fill direction of an order: sell-exact or buy-exact.
type OrderKind string

const (
	OrderKindSell OrderKind = "sell" // sell amount is exact, buy amount is a limit
	OrderKindBuy  OrderKind = "buy"  // buy amount is exact, sell amount is a limit
)

// Exchange tags where an order originates. It decides the execution cost
// the order carries in the compiled model.
type Exchange string

const (
	ExchangeGnosisProtocol Exchange = "GnosisProtocol" // settled by the settlement contract itself
	ExchangeZeroEx         Exchange = "ZeroEx"         // passthrough 0x limit order, executed atomically
)

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// Order is a user order as observed in the auction. It is the input of the
// fee viability filter and is never mutated by the solver.
type Order struct {
	UID               string
	SellToken         common.Address
	BuyToken          common.Address
	SellAmount        *uint256.Int
	BuyAmount         *uint256.Int
	Kind              OrderKind
	PartiallyFillable bool
	FeeAmount         *uint256.Int // signed fee, denominated in the sell token
	FullFeeAmount     *uint256.Int // unsubsidized fee, denominated in the sell token
	IsLiquidityOrder  bool
	CreationDate      time.Time
}

// LimitOrder is the solver-side representation of anything that trades like
// an order: user orders converted for solving and passthrough liquidity
// orders sourced from other exchanges.
type LimitOrder struct {
	ID                    string
	SellToken             common.Address
	BuyToken              common.Address
	SellAmount            *uint256.Int
	BuyAmount             *uint256.Int
	Kind                  OrderKind
	PartiallyFillable     bool
	UnscaledSubsidizedFee *uint256.Int
	ScaledUnsubsidizedFee *uint256.Int
	IsLiquidityOrder      bool
	Exchange              Exchange
}

// ————————————————————————————————————————————————————————————————————————
// Token pairs
// ————————————————————————————————————————————————————————————————————————

// TokenPair is an unordered pair of distinct tokens, stored sorted so that
// equal pairs compare equal regardless of construction order.
type TokenPair struct {
	token0 common.Address
	token1 common.Address
}

// NewTokenPair returns the sorted pair of a and b. It reports false when both
// tokens are the same.
func NewTokenPair(a, b common.Address) (TokenPair, bool) {
	switch bytes.Compare(a[:], b[:]) {
	case -1:
		return TokenPair{token0: a, token1: b}, true
	case 1:
		return TokenPair{token0: b, token1: a}, true
	default:
		return TokenPair{}, false
	}
}

// Get returns both tokens, lowest address first.
func (p TokenPair) Get() (common.Address, common.Address) {
	return p.token0, p.token1
}

// Contains reports whether token is one of the pair's tokens.
func (p TokenPair) Contains(token common.Address) bool {
	return p.token0 == token || p.token1 == token
}

// ————————————————————————————————————————————————————————————————————————
// Liquidity
// ————————————————————————————————————————————————————————————————————————

// Liquidity is a closed sum type over the supported liquidity sources:
// *ConstantProductOrder, *WeightedProductOrder, *StablePoolOrder and
// *LimitOrder. Code handling liquidity switches over the concrete type and
// treats any other type as a programming error.
type Liquidity interface {
	// TokenPairs returns every pair of tokens the source can trade between.
	// Passthrough limit orders return none: they do not provide pricing
	// connectivity.
	TokenPairs() []TokenPair

	isLiquidity()
}

// ConstantProductOrder is a Uniswap-v2 style x*y=k pool.
type ConstantProductOrder struct {
	Address  common.Address
	Spender  common.Address // router that needs an allowance to swap
	Tokens   TokenPair
	Reserves [2]*uint256.Int // indexed like Tokens.Get()
	Fee      *big.Rat
}

// WeightedTokenState is one token of a weighted pool.
type WeightedTokenState struct {
	Balance         *uint256.Int
	ScalingExponent uint8
	Weight          *big.Rat
}

// WeightedProductOrder is a Balancer-v2 weighted pool.
type WeightedProductOrder struct {
	Address  common.Address
	Spender  common.Address // vault
	Reserves map[common.Address]WeightedTokenState
	Fee      *big.Rat
}

// StableTokenState is one token of a stable pool.
type StableTokenState struct {
	Balance         *uint256.Int
	ScalingExponent uint8
}

// AmplificationParameter is the stable pool invariant's amplification,
// stored as factor / precision.
type AmplificationParameter struct {
	Factor    *uint256.Int
	Precision *uint256.Int
}

// Rat returns the parameter as an exact rational. A zero precision yields
// nil.
func (a AmplificationParameter) Rat() *big.Rat {
	if a.Factor == nil || a.Precision == nil || a.Precision.IsZero() {
		return nil
	}
	return new(big.Rat).SetFrac(a.Factor.ToBig(), a.Precision.ToBig())
}

// StablePoolOrder is a Balancer-v2 stable pool.
type StablePoolOrder struct {
	Address                common.Address
	Spender                common.Address // vault
	Reserves               map[common.Address]StableTokenState
	Fee                    *big.Rat
	AmplificationParameter AmplificationParameter
}

func (o *ConstantProductOrder) TokenPairs() []TokenPair {
	return []TokenPair{o.Tokens}
}

func (o *WeightedProductOrder) TokenPairs() []TokenPair {
	return pairsOf(sortedKeys(o.Reserves))
}

func (o *StablePoolOrder) TokenPairs() []TokenPair {
	return pairsOf(sortedKeys(o.Reserves))
}

func (o *LimitOrder) TokenPairs() []TokenPair {
	return nil
}

func (*ConstantProductOrder) isLiquidity() {}
func (*WeightedProductOrder) isLiquidity() {}
func (*StablePoolOrder) isLiquidity()      {}
func (*LimitOrder) isLiquidity()           {}

// Tokens returns every token traded by the liquidity source.
func Tokens(l Liquidity) []common.Address {
	switch l := l.(type) {
	case *ConstantProductOrder:
		t0, t1 := l.Tokens.Get()
		return []common.Address{t0, t1}
	case *WeightedProductOrder:
		return sortedKeys(l.Reserves)
	case *StablePoolOrder:
		return sortedKeys(l.Reserves)
	case *LimitOrder:
		return []common.Address{l.SellToken, l.BuyToken}
	default:
		panic("types: unknown liquidity")
	}
}

func sortedKeys[V any](m map[common.Address]V) []common.Address {
	keys := make([]common.Address, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b common.Address) int {
		return bytes.Compare(a[:], b[:])
	})
	return keys
}

func pairsOf(tokens []common.Address) []TokenPair {
	var pairs []TokenPair
	for i := range tokens {
		for j := i + 1; j < len(tokens); j++ {
			if pair, ok := NewTokenPair(tokens[i], tokens[j]); ok {
				pairs = append(pairs, pair)
			}
		}
	}
	return pairs
}

// ————————————————————————————————————————————————————————————————————————
// Auction
// ————————————————————————————————————————————————————————————————————————

// Auction is one batch of orders plus a liquidity snapshot to be solved
// together before Deadline.
type Auction struct {
	ID             uint64
	Orders         []LimitOrder
	Liquidity      []Liquidity
	GasPrice       float64 // native units per gas
	Deadline       time.Time
	ExternalPrices ExternalPriceSource
}

// ExternalPriceSource provides the exact native price of a token.
type ExternalPriceSource interface {
	Price(token common.Address) (*big.Rat, bool)
	SolverPrices() map[common.Address]float64
}
