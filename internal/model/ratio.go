package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ratioPrecision is the number of fractional digits kept when a rational is
// written as a decimal string.
const ratioPrecision = 18

// Ratio is an exact rational that travels as a decimal string, e.g. "0.003".
// Rationals with non-terminating expansions are rounded to 18 fractional
// digits on the wire.
type Ratio struct {
	r *big.Rat
}

// NewRatio wraps r. The value is copied.
func NewRatio(r *big.Rat) Ratio {
	if r == nil {
		return Ratio{}
	}
	return Ratio{r: new(big.Rat).Set(r)}
}

// Rat returns a copy of the wrapped rational, or nil when unset.
func (r Ratio) Rat() *big.Rat {
	if r.r == nil {
		return nil
	}
	return new(big.Rat).Set(r.r)
}

// Decimal returns the decimal representation used on the wire.
func (r Ratio) Decimal() decimal.Decimal {
	if r.r == nil {
		return decimal.Zero
	}
	num := decimal.NewFromBigInt(r.r.Num(), 0)
	den := decimal.NewFromBigInt(r.r.Denom(), 0)
	return num.DivRound(den, ratioPrecision)
}

func (r Ratio) String() string {
	return r.Decimal().String()
}

func (r Ratio) MarshalJSON() ([]byte, error) {
	if r.r == nil {
		return []byte("null"), nil
	}
	return json.Marshal(r.Decimal().String())
}

func (r *Ratio) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*r = Ratio{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Accept bare JSON numbers as well.
		s = string(data)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fmt.Errorf("parse ratio %q: %w", s, err)
	}
	*r = Ratio{r: decimalToRat(d)}
	return nil
}

// decimalToRat converts coefficient * 10^exponent into an exact rational.
func decimalToRat(d decimal.Decimal) *big.Rat {
	coeff := d.Coefficient()
	exp := d.Exponent()
	pow := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(abs32(exp))), nil)
	if exp >= 0 {
		return new(big.Rat).SetInt(coeff.Mul(coeff, pow))
	}
	return new(big.Rat).SetFrac(coeff, pow)
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
