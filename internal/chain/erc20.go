package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const erc20ABI = `[
  {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function","stateMutability":"view"},
  {"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function","stateMutability":"view"},
  {"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function","stateMutability":"view"},
  {"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function","stateMutability":"view"},
  {"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function","stateMutability":"nonpayable"}
]`

// ERC20 reads token state through a Caller.
type ERC20 struct {
	caller Caller
	abi    abi.ABI
}

// NewERC20 parses the token ABI and binds it to caller.
func NewERC20(caller Caller) (*ERC20, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	return &ERC20{caller: caller, abi: parsed}, nil
}

// BalanceOf returns owner's balance of token.
func (e *ERC20) BalanceOf(ctx context.Context, token, owner common.Address) (*uint256.Int, error) {
	out, err := e.call(ctx, token, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return toU256(out[0])
}

// Allowance returns how much spender may pull from owner.
func (e *ERC20) Allowance(ctx context.Context, token, owner, spender common.Address) (*uint256.Int, error) {
	out, err := e.call(ctx, token, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return toU256(out[0])
}

// Decimals returns the token's decimals.
func (e *ERC20) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	out, err := e.call(ctx, token, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals: unexpected type %T", out[0])
	}
	return d, nil
}

// Symbol returns the token's symbol.
func (e *ERC20) Symbol(ctx context.Context, token common.Address) (string, error) {
	out, err := e.call(ctx, token, "symbol")
	if err != nil {
		return "", err
	}
	s, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("symbol: unexpected type %T", out[0])
	}
	return s, nil
}

// PackApprove encodes approve(spender, amount) calldata.
func (e *ERC20) PackApprove(spender common.Address, amount *uint256.Int) ([]byte, error) {
	data, err := e.abi.Pack("approve", spender, amount.ToBig())
	if err != nil {
		return nil, fmt.Errorf("pack approve: %w", err)
	}
	return data, nil
}

func (e *ERC20) call(ctx context.Context, token common.Address, method string, args ...any) ([]any, error) {
	data, err := e.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	ret, err := e.caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", method, token.Hex(), ClassifyCallError(err))
	}
	if len(ret) == 0 {
		// Calls to accounts without code succeed with empty output.
		return nil, fmt.Errorf("%s on %s: %w: empty return data", method, token.Hex(), ErrCallReverted)
	}
	out, err := e.abi.Unpack(method, ret)
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w: %v", method, token.Hex(), ErrCallReverted, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s on %s: no outputs", method, token.Hex())
	}
	return out, nil
}

func toU256(v any) (*uint256.Int, error) {
	b, ok := v.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected type %T", v)
	}
	u, overflow := uint256.FromBig(b)
	if overflow {
		return nil, fmt.Errorf("value %s overflows uint256", b)
	}
	return u, nil
}
