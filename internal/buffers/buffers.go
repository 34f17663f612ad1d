// Package buffers reads the settlement contract's internal token balances.
//
// The settlement contract holds small amounts of tokens ("internal buffers")
// that the engine may trade against instead of routing through pools.
// Failures are reported per token; callers decide which to log.
package buffers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"

	"batch-solver/internal/chain"
)

// Result is the outcome of reading one token's buffer.
type Result struct {
	Balance *uint256.Int
	Err     error
}

// Retriever reads buffers for a set of tokens.
type Retriever interface {
	GetBuffers(ctx context.Context, tokens []common.Address) map[common.Address]Result
}

// BalanceReader is the subset of the ERC20 binding the retriever uses.
type BalanceReader interface {
	BalanceOf(ctx context.Context, token, owner common.Address) (*uint256.Int, error)
}

// IsTransientCallFailure reports whether err means the token contract call
// itself failed on chain (revert, invalid opcode, no code). Such failures
// are expected for non-standard tokens and are not worth logging.
func IsTransientCallFailure(err error) bool {
	return errors.Is(err, chain.ErrCallReverted)
}

// OnchainRetriever reads balanceOf(settlement) for each token.
type OnchainRetriever struct {
	reader      BalanceReader
	settlement  common.Address
	concurrency int
	logger      *slog.Logger
}

// NewOnchainRetriever creates a retriever for the given settlement contract.
func NewOnchainRetriever(reader BalanceReader, settlement common.Address, concurrency int, logger *slog.Logger) *OnchainRetriever {
	return &OnchainRetriever{
		reader:      reader,
		settlement:  settlement,
		concurrency: concurrency,
		logger:      logger.With("component", "buffers"),
	}
}

// GetBuffers returns one result per requested token.
func (r *OnchainRetriever) GetBuffers(ctx context.Context, tokens []common.Address) map[common.Address]Result {
	results := make([]Result, len(tokens))

	var g errgroup.Group
	if r.concurrency > 0 {
		g.SetLimit(r.concurrency)
	}
	for i, token := range tokens {
		g.Go(func() error {
			balance, err := r.reader.BalanceOf(ctx, token, r.settlement)
			results[i] = Result{Balance: balance, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[common.Address]Result, len(tokens))
	for i, token := range tokens {
		out[token] = results[i]
	}
	r.logger.Debug("retrieved buffers", "tokens", len(tokens))
	return out
}
