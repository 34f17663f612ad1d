// Package allowances computes the ERC20 approvals a settlement needs.
//
// Before the settlement contract can pay a pool, the pool's spender (router
// or vault) must be allowed to pull the token. The manager reads the current
// allowances and emits an approval for every (token, spender) pair that is
// short.
package allowances

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"
)

// Request asks for spender to be able to pull amount of token.
type Request struct {
	Token   common.Address
	Spender common.Address
	Amount  *uint256.Int
}

// Approval is an approve(spender, amount) call on token.
type Approval struct {
	Token    common.Address `json:"token"`
	Spender  common.Address `json:"spender"`
	Amount   *uint256.Int   `json:"amount"`
	Calldata []byte         `json:"calldata"`
}

// Manager computes the approvals required to honour a set of requests.
type Manager interface {
	Approvals(ctx context.Context, requests []Request) ([]Approval, error)
}

// Token is the subset of the ERC20 binding the manager uses.
type Token interface {
	Allowance(ctx context.Context, token, owner, spender common.Address) (*uint256.Int, error)
	PackApprove(spender common.Address, amount *uint256.Int) ([]byte, error)
}

// OnchainManager checks the settlement contract's current allowances.
type OnchainManager struct {
	token       Token
	owner       common.Address
	concurrency int
	logger      *slog.Logger
}

// NewOnchainManager creates a manager for approvals granted by owner.
func NewOnchainManager(token Token, owner common.Address, concurrency int, logger *slog.Logger) *OnchainManager {
	return &OnchainManager{
		token:       token,
		owner:       owner,
		concurrency: concurrency,
		logger:      logger.With("component", "allowances"),
	}
}

// Approvals merges requests per (token, spender), reads the existing
// allowances and returns approvals for the pairs whose allowance is below
// the requested total. Approvals are for the maximum amount so that later
// settlements can reuse them. Output is sorted by token then spender.
func (m *OnchainManager) Approvals(ctx context.Context, requests []Request) ([]Approval, error) {
	merged := Merge(requests)
	if len(merged) == 0 {
		return nil, nil
	}

	needed := make([]bool, len(merged))
	g, gctx := errgroup.WithContext(ctx)
	if m.concurrency > 0 {
		g.SetLimit(m.concurrency)
	}
	for i, req := range merged {
		g.Go(func() error {
			current, err := m.token.Allowance(gctx, req.Token, m.owner, req.Spender)
			if err != nil {
				return fmt.Errorf("allowance of %s for %s: %w", req.Token.Hex(), req.Spender.Hex(), err)
			}
			needed[i] = current.Lt(req.Amount)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	maxAmount := new(uint256.Int).SetAllOne()
	var approvals []Approval
	for i, req := range merged {
		if !needed[i] {
			continue
		}
		calldata, err := m.token.PackApprove(req.Spender, maxAmount)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, Approval{
			Token:    req.Token,
			Spender:  req.Spender,
			Amount:   maxAmount.Clone(),
			Calldata: calldata,
		})
	}
	m.logger.Debug("computed approvals", "requests", len(merged), "approvals", len(approvals))
	return approvals, nil
}

// Merge sums requests for the same (token, spender) pair, saturating on
// overflow, and sorts the result by token then spender.
func Merge(requests []Request) []Request {
	type key struct{ token, spender common.Address }
	totals := make(map[key]*uint256.Int, len(requests))
	for _, req := range requests {
		k := key{req.Token, req.Spender}
		total, ok := totals[k]
		if !ok {
			total = new(uint256.Int)
			totals[k] = total
		}
		if req.Amount == nil {
			continue
		}
		if _, overflow := total.AddOverflow(total, req.Amount); overflow {
			total.SetAllOne()
		}
	}

	out := make([]Request, 0, len(totals))
	for k, amount := range totals {
		out = append(out, Request{Token: k.token, Spender: k.spender, Amount: amount})
	}
	slices.SortFunc(out, func(a, b Request) int {
		if c := bytes.Compare(a.Token[:], b.Token[:]); c != 0 {
			return c
		}
		return bytes.Compare(a.Spender[:], b.Spender[:])
	})
	return out
}
