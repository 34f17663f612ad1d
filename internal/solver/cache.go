package solver

import (
	"context"
	"sync"
	"time"

	"batch-solver/internal/model"
	"batch-solver/internal/settlement"
)

// CompileFunc builds the instance of an auction.
type CompileFunc func(ctx context.Context) (*model.BatchAuctionModel, settlement.Context, error)

type instance struct {
	auctionID  uint64
	model      *model.BatchAuctionModel
	context    settlement.Context
	compiledAt time.Time
}

// InstanceCache remembers the instance of the most recent auction so that
// repeated solves of the same auction skip compilation and its node
// requests. It holds a single entry: a new auction id replaces it.
//
// The lock is held from lookup through compilation and store, so
// concurrent callers for the same auction compile exactly once.
type InstanceCache struct {
	mu    sync.Mutex
	entry *instance
}

// NewInstanceCache returns an empty cache.
func NewInstanceCache() *InstanceCache {
	return &InstanceCache{}
}

// GetOrCompile returns the cached instance for auctionID, or runs compile
// and caches its result. hit reports whether the cached entry was used. A
// failed compilation leaves the cache untouched. Callers must treat the
// returned model and context as read-only.
func (c *InstanceCache) GetOrCompile(ctx context.Context, auctionID uint64, compile CompileFunc) (m *model.BatchAuctionModel, sc settlement.Context, hit bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entry != nil && c.entry.auctionID == auctionID {
		return c.entry.model, c.entry.context, true, nil
	}

	m, sc, err = compile(ctx)
	if err != nil {
		return nil, settlement.Context{}, false, err
	}
	c.entry = &instance{
		auctionID:  auctionID,
		model:      m,
		context:    sc,
		compiledAt: time.Now(),
	}
	return m, sc, false, nil
}

// InstanceSummary describes the cached instance.
type InstanceSummary struct {
	AuctionID  uint64    `json:"auction_id"`
	Tokens     int       `json:"tokens"`
	Orders     int       `json:"orders"`
	AMMs       int       `json:"amms"`
	CompiledAt time.Time `json:"compiled_at"`
}

// Current summarizes the cached instance, if any. It waits for an
// in-flight compilation to finish.
func (c *InstanceCache) Current() (InstanceSummary, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entry == nil {
		return InstanceSummary{}, false
	}
	return InstanceSummary{
		AuctionID:  c.entry.auctionID,
		Tokens:     len(c.entry.model.Tokens),
		Orders:     len(c.entry.model.Orders),
		AMMs:       len(c.entry.model.AMMs),
		CompiledAt: c.entry.compiledAt,
	}, true
}
