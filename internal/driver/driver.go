// Package driver runs auctions through the solving pipeline.
//
// For every auction it:
//
//  1. Builds the external price vector (native token always priced at one).
//  2. Drops orders whose fee cannot pay for their execution.
//  3. Converts the surviving user orders into solver limit orders.
//  4. Skips auctions made only of liquidity orders.
//  5. Hands the auction to the solver and reports the outcome as events.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"batch-solver/internal/gas"
	"batch-solver/internal/preprocess"
	"batch-solver/internal/prices"
	"batch-solver/internal/settlement"
	"batch-solver/pkg/types"
)

const eventBuffer = 100

// Request is one auction as received from the outside.
type Request struct {
	ID        uint64
	Orders    []types.Order
	Liquidity []types.Liquidity
	Prices    map[common.Address]*big.Rat
	Deadline  time.Time
}

// AuctionSolver solves a prepared auction.
type AuctionSolver interface {
	Solve(ctx context.Context, auction types.Auction) ([]*settlement.Settlement, error)
}

// Driver runs auction requests through filter and solver. Safe for
// concurrent use.
type Driver struct {
	filter      *preprocess.FeeFilter
	estimator   gas.Estimator
	solver      AuctionSolver
	nativeToken common.Address
	events      chan Event
	logger      *slog.Logger
}

// New creates a driver.
func New(
	filter *preprocess.FeeFilter,
	estimator gas.Estimator,
	solver AuctionSolver,
	nativeToken common.Address,
	logger *slog.Logger,
) *Driver {
	return &Driver{
		filter:      filter,
		estimator:   estimator,
		solver:      solver,
		nativeToken: nativeToken,
		events:      make(chan Event, eventBuffer),
		logger:      logger.With("component", "driver"),
	}
}

// Events returns the stream of run events. Events are dropped when nobody
// keeps up with the stream.
func (d *Driver) Events() <-chan Event {
	return d.events
}

// Run solves one auction. An auction without user orders yields no
// settlements and no error.
func (d *Driver) Run(ctx context.Context, req Request) ([]*settlement.Settlement, error) {
	start := time.Now()
	d.emit(req.ID, EventAuctionReceived, AuctionReceived{
		Orders:    len(req.Orders),
		Liquidity: len(req.Liquidity),
		Deadline:  req.Deadline,
	})

	external, err := prices.New(d.nativeToken, req.Prices)
	if err != nil {
		return nil, d.fail(req.ID, "prices", fmt.Errorf("auction %d: %w", req.ID, err))
	}

	gasPrice, err := d.estimator.Estimate(ctx)
	if err != nil {
		return nil, d.fail(req.ID, "gas", fmt.Errorf("estimate gas price for auction %d: %w", req.ID, err))
	}

	received := len(req.Orders)
	orders, err := d.filter.Filter(ctx, req.Orders, external)
	if err != nil {
		return nil, d.fail(req.ID, "filter", fmt.Errorf("filter orders of auction %d: %w", req.ID, err))
	}
	d.emit(req.ID, EventOrdersFiltered, OrdersFiltered{Before: received, After: len(orders)})

	limitOrders := preprocess.ToLimitOrders(orders)
	if !preprocess.HasAtLeastOneUserOrder(limitOrders) {
		d.logger.Info("skipping auction without user orders", "auction_id", req.ID, "orders", len(limitOrders))
		d.emit(req.ID, EventAuctionSkipped, AuctionSkipped{Reason: "no user orders"})
		return nil, nil
	}

	settlements, err := d.solver.Solve(ctx, types.Auction{
		ID:             req.ID,
		Orders:         limitOrders,
		Liquidity:      req.Liquidity,
		GasPrice:       gasPrice.Effective(),
		Deadline:       req.Deadline,
		ExternalPrices: external,
	})
	if err != nil {
		return nil, d.fail(req.ID, "solve", err)
	}

	solved := AuctionSolved{
		Settlements: len(settlements),
		DurationSec: time.Since(start).Seconds(),
	}
	for _, s := range settlements {
		solved.Trades += len(s.Trades)
		solved.Swaps += len(s.Swaps)
		solved.Approvals += len(s.Approvals)
	}
	d.emit(req.ID, EventAuctionSolved, solved)
	return settlements, nil
}

func (d *Driver) fail(auctionID uint64, stage string, err error) error {
	d.logger.Error("auction failed", "auction_id", auctionID, "stage", stage, "error", err)
	d.emit(auctionID, EventAuctionFailed, AuctionFailed{Stage: stage, Error: err.Error()})
	return err
}

// emit sends an event without blocking.
func (d *Driver) emit(auctionID uint64, typ EventType, data any) {
	select {
	case d.events <- Event{Type: typ, Time: time.Now(), AuctionID: auctionID, Data: data}:
	default:
		// Consumer can't keep up, drop event
	}
}
