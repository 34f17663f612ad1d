package solver

import (
	"github.com/ethereum/go-ethereum/common"

	"batch-solver/pkg/types"
)

// FeeConnectedTokens returns the tokens reachable from native through pool
// token pairs. Only tokens in this set can have their fees valued in the
// native token by the engine. Passthrough limit orders contribute no pairs.
//
// The closure rescans the remaining pairs until a pass connects nothing
// new. Quadratic in the number of pairs, which is fine for auction sizes.
func FeeConnectedTokens(liquidity []types.Liquidity, native common.Address) map[common.Address]struct{} {
	seen := make(map[types.TokenPair]struct{})
	var pairs []types.TokenPair
	for _, l := range liquidity {
		for _, pair := range l.TokenPairs() {
			if _, ok := seen[pair]; ok {
				continue
			}
			seen[pair] = struct{}{}
			pairs = append(pairs, pair)
		}
	}

	connected := map[common.Address]struct{}{native: {}}
	for len(pairs) > 0 {
		remaining := pairs[:0]
		for _, pair := range pairs {
			t0, t1 := pair.Get()
			_, has0 := connected[t0]
			_, has1 := connected[t1]
			switch {
			case has0:
				connected[t1] = struct{}{}
			case has1:
				connected[t0] = struct{}{}
			default:
				remaining = append(remaining, pair)
			}
		}
		if len(remaining) == len(pairs) {
			break
		}
		pairs = remaining
	}
	return connected
}
