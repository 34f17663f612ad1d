// Package prices holds the external price vector of an auction.
//
// Prices are exact rationals expressing how many native token base units one
// base unit of a token is worth. They are used to value order fees in the
// native token and are projected into floats for the optimization engine.
package prices

import (
	"fmt"
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// NativePlaceholder is the pseudo address used for the chain's native asset.
var NativePlaceholder = common.HexToAddress("0xeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee")

// unit is 1e18, the scale of solver prices.
var unit = new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

// ExternalPrices maps tokens to their exact native price. The zero value is
// usable and empty.
type ExternalPrices struct {
	prices map[common.Address]*big.Rat
}

// New builds an external price vector. The native token and the native
// placeholder are always priced at exactly one, overriding any input entry.
func New(nativeToken common.Address, input map[common.Address]*big.Rat) (*ExternalPrices, error) {
	prices := make(map[common.Address]*big.Rat, len(input)+2)
	for token, price := range input {
		if price == nil || price.Sign() < 0 {
			return nil, fmt.Errorf("invalid external price %v for token %s", price, token.Hex())
		}
		prices[token] = new(big.Rat).Set(price)
	}
	prices[nativeToken] = big.NewRat(1, 1)
	prices[NativePlaceholder] = big.NewRat(1, 1)
	return &ExternalPrices{prices: prices}, nil
}

// Price returns the exact native price of a token.
func (p *ExternalPrices) Price(token common.Address) (*big.Rat, bool) {
	if p == nil {
		return nil, false
	}
	price, ok := p.prices[token]
	if !ok {
		return nil, false
	}
	return new(big.Rat).Set(price), true
}

// NativeAmount converts an amount of token into native token base units.
func (p *ExternalPrices) NativeAmount(token common.Address, amount *uint256.Int) (*big.Rat, bool) {
	price, ok := p.Price(token)
	if !ok {
		return nil, false
	}
	return price.Mul(price, new(big.Rat).SetInt(amount.ToBig())), true
}

// SolverPrices projects the prices into the engine's float representation:
// the native value of 1e18 base units. Entries that do not fit a float64 are
// returned as ±Inf and must be discarded by the caller.
func (p *ExternalPrices) SolverPrices() map[common.Address]float64 {
	if p == nil {
		return nil
	}
	out := make(map[common.Address]float64, len(p.prices))
	for token, price := range p.prices {
		f, _ := new(big.Rat).Mul(price, unit).Float64()
		out[token] = f
	}
	return out
}

// Len returns the number of priced tokens, including the native entries.
func (p *ExternalPrices) Len() int {
	if p == nil {
		return 0
	}
	return len(p.prices)
}

// ToFloat narrows an exact amount to a float64, failing when the value is
// not finite.
func ToFloat(amount *big.Rat) (float64, error) {
	f, _ := amount.Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("error converting rational amount %s to float", amount.RatString())
	}
	return f, nil
}
