// Package solver compiles auctions into engine instances and solves them.
//
// Solve is the entry point: it reuses or compiles the auction's instance,
// sends it to the optimization engine within the auction deadline and
// converts the engine's answer into a settlement.
package solver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"batch-solver/internal/allowances"
	"batch-solver/internal/engine"
	"batch-solver/internal/metrics"
	"batch-solver/internal/model"
	"batch-solver/internal/settlement"
	"batch-solver/pkg/types"
)

// ErrNoTimeLeft is returned when the deadline passed before the engine
// could be called.
var ErrNoTimeLeft = errors.New("no time left to send request")

// InstanceDumper persists freshly compiled instances.
type InstanceDumper interface {
	SaveInstance(auctionID uint64, m *model.BatchAuctionModel) error
}

// Solver is the deadline-bounded solve pipeline. Safe for concurrent use.
type Solver struct {
	compiler   *Compiler
	engine     engine.Solver
	cache      *InstanceCache
	allowances allowances.Manager
	dumper     InstanceDumper
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a solver. The cache is shared by every solver that should
// reuse instances; dumper may be nil.
func New(
	compiler *Compiler,
	eng engine.Solver,
	cache *InstanceCache,
	allowanceManager allowances.Manager,
	dumper InstanceDumper,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Solver {
	return &Solver{
		compiler:   compiler,
		engine:     eng,
		cache:      cache,
		allowances: allowanceManager,
		dumper:     dumper,
		metrics:    m,
		logger:     logger.With("component", "solver"),
		now:        time.Now,
	}
}

// Cache returns the instance cache the solver uses.
func (s *Solver) Cache() *InstanceCache {
	return s.cache
}

// Solve returns at most one settlement for the auction. An auction without
// orders, or a solution without an execution plan, yields no settlements
// and no error.
func (s *Solver) Solve(ctx context.Context, auction types.Auction) ([]*settlement.Settlement, error) {
	if len(auction.Orders) == 0 {
		return nil, nil
	}

	orders := make([]types.LimitOrder, 0, len(auction.Orders))
	orders = append(orders, auction.Orders...)
	for _, l := range auction.Liquidity {
		if order, ok := l.(*types.LimitOrder); ok {
			orders = append(orders, *order)
		}
	}

	m, sc, hit, err := s.cache.GetOrCompile(ctx, auction.ID, func(ctx context.Context) (*model.BatchAuctionModel, settlement.Context, error) {
		return s.compiler.Compile(ctx, auction.ID, orders, auction.Liquidity, auction.GasPrice, auction.ExternalPrices)
	})
	if err != nil {
		return nil, fmt.Errorf("prepare instance for auction %d: %w", auction.ID, err)
	}
	if hit {
		s.metrics.CacheHit()
	} else {
		s.dump(auction.ID, m)
	}

	timeout := auction.Deadline.Sub(s.now())
	if timeout <= 0 {
		s.metrics.ObserveSolve("timeout", 0)
		return nil, fmt.Errorf("auction %d: %w (deadline %s)", auction.ID, ErrNoTimeLeft, auction.Deadline.Format(time.RFC3339Nano))
	}

	start := time.Now()
	settled, err := s.engine.Solve(ctx, m, timeout)
	if err != nil {
		s.metrics.ObserveSolve("error", time.Since(start))
		return nil, fmt.Errorf("solve auction %d: %w", auction.ID, err)
	}
	if !settled.HasExecutionPlan() {
		s.metrics.ObserveSolve("no_plan", time.Since(start))
		s.logger.Debug("engine returned no execution plan", "auction_id", auction.ID)
		return nil, nil
	}
	s.metrics.ObserveSolve("solved", time.Since(start))

	result, err := settlement.Convert(ctx, settled, sc, s.allowances)
	if err != nil {
		return nil, fmt.Errorf("convert solution of auction %d: %w", auction.ID, err)
	}
	s.logger.Info("solved auction",
		"auction_id", auction.ID,
		"trades", len(result.Trades),
		"swaps", len(result.Swaps),
		"approvals", len(result.Approvals),
	)
	return []*settlement.Settlement{result}, nil
}

func (s *Solver) dump(auctionID uint64, m *model.BatchAuctionModel) {
	if s.dumper == nil {
		return
	}
	if err := s.dumper.SaveInstance(auctionID, m); err != nil {
		s.logger.Error("failed to dump instance", "auction_id", auctionID, "error", err)
	}
}
