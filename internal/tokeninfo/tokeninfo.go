// Package tokeninfo resolves ERC20 metadata (decimals and symbol).
//
// Lookups never fail as a whole: a token whose metadata cannot be read is
// returned with nil fields.
package tokeninfo

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// TokenInfo is the metadata of one token. Nil fields are unknown.
type TokenInfo struct {
	Decimals *uint8  `json:"decimals,omitempty"`
	Symbol   *string `json:"symbol,omitempty"`
}

// Fetcher resolves token metadata.
type Fetcher interface {
	GetTokenInfos(ctx context.Context, tokens []common.Address) map[common.Address]TokenInfo
}

// TokenReader is the subset of the ERC20 binding the on-chain fetcher uses.
type TokenReader interface {
	Decimals(ctx context.Context, token common.Address) (uint8, error)
	Symbol(ctx context.Context, token common.Address) (string, error)
}

// OnchainFetcher reads metadata from token contracts.
type OnchainFetcher struct {
	reader      TokenReader
	concurrency int
	logger      *slog.Logger
}

// NewOnchainFetcher creates a fetcher issuing at most concurrency token reads
// at a time. Non-positive concurrency means unbounded.
func NewOnchainFetcher(reader TokenReader, concurrency int, logger *slog.Logger) *OnchainFetcher {
	return &OnchainFetcher{
		reader:      reader,
		concurrency: concurrency,
		logger:      logger.With("component", "tokeninfo"),
	}
}

// GetTokenInfos returns an entry for every requested token.
func (f *OnchainFetcher) GetTokenInfos(ctx context.Context, tokens []common.Address) map[common.Address]TokenInfo {
	infos := make([]TokenInfo, len(tokens))

	var g errgroup.Group
	if f.concurrency > 0 {
		g.SetLimit(f.concurrency)
	}
	for i, token := range tokens {
		g.Go(func() error {
			infos[i] = f.fetch(ctx, token)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[common.Address]TokenInfo, len(tokens))
	for i, token := range tokens {
		out[token] = infos[i]
	}
	return out
}

func (f *OnchainFetcher) fetch(ctx context.Context, token common.Address) TokenInfo {
	var info TokenInfo
	if d, err := f.reader.Decimals(ctx, token); err == nil {
		info.Decimals = &d
	} else {
		f.logger.Debug("token decimals unavailable", "token", token, "error", err)
	}
	if s, err := f.reader.Symbol(ctx, token); err == nil {
		info.Symbol = &s
	} else {
		f.logger.Debug("token symbol unavailable", "token", token, "error", err)
	}
	return info
}

// CachedFetcher memoizes another Fetcher. Token metadata is immutable, so
// entries never expire. Only complete lookups are cached so that a token
// whose read failed transiently is retried next time.
type CachedFetcher struct {
	inner Fetcher

	mu    sync.RWMutex
	cache map[common.Address]TokenInfo
}

// NewCachedFetcher wraps inner.
func NewCachedFetcher(inner Fetcher) *CachedFetcher {
	return &CachedFetcher{
		inner: inner,
		cache: make(map[common.Address]TokenInfo),
	}
}

// GetTokenInfos serves cached entries and fetches the rest in one batch.
func (c *CachedFetcher) GetTokenInfos(ctx context.Context, tokens []common.Address) map[common.Address]TokenInfo {
	out := make(map[common.Address]TokenInfo, len(tokens))
	var missing []common.Address

	c.mu.RLock()
	for _, token := range tokens {
		if info, ok := c.cache[token]; ok {
			out[token] = info
		} else {
			missing = append(missing, token)
		}
	}
	c.mu.RUnlock()

	if len(missing) == 0 {
		return out
	}

	fetched := c.inner.GetTokenInfos(ctx, missing)
	c.mu.Lock()
	for _, token := range missing {
		info := fetched[token]
		out[token] = info
		if info.Decimals != nil && info.Symbol != nil {
			c.cache[token] = info
		}
	}
	c.mu.Unlock()
	return out
}
