// Package chain wraps read-only access to an Ethereum node.
//
// All contract reads go through a Caller. LimitedCaller throttles a Caller
// with a token bucket and a concurrency cap so that per-token fan-out during
// compilation cannot flood the node. ERC20 packs and unpacks the token calls
// the solver needs.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/rpc"
)

// ErrCallReverted marks a contract call the node executed and rejected.
var ErrCallReverted = errors.New("call reverted")

// Caller executes read-only contract calls. *ethclient.Client satisfies it.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// LimitedCaller rate limits and bounds the concurrency of calls to a node.
type LimitedCaller struct {
	next   Caller
	bucket *TokenBucket
	slots  chan struct{}
}

// NewLimitedCaller wraps next. A non-positive rate disables throttling and a
// non-positive concurrency disables the cap.
func NewLimitedCaller(next Caller, ratePerSecond, burst float64, maxConcurrency int) *LimitedCaller {
	c := &LimitedCaller{next: next}
	if ratePerSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		c.bucket = NewTokenBucket(burst, ratePerSecond)
	}
	if maxConcurrency > 0 {
		c.slots = make(chan struct{}, maxConcurrency)
	}
	return c
}

// CallContract waits for capacity and forwards the call.
func (c *LimitedCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if c.bucket != nil {
		if err := c.bucket.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if c.slots != nil {
		select {
		case c.slots <- struct{}{}:
			defer func() { <-c.slots }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.next.CallContract(ctx, msg, blockNumber)
}

// ClassifyCallError wraps err with ErrCallReverted when the node reports that
// the call itself failed on chain, as opposed to a transport or node error.
func ClassifyCallError(err error) error {
	if err == nil || errors.Is(err, ErrCallReverted) {
		return err
	}
	if isRevert(err) {
		return fmt.Errorf("%w: %v", ErrCallReverted, err)
	}
	return err
}

func isRevert(err error) bool {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"execution reverted", "invalid opcode", "out of gas", "stack underflow"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
