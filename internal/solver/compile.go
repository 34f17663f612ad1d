package solver

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"batch-solver/internal/buffers"
	"batch-solver/internal/metrics"
	"batch-solver/internal/model"
	"batch-solver/internal/settlement"
	"batch-solver/internal/tokeninfo"
	"batch-solver/pkg/types"
)

// maxScalingExponent bounds stable pool scaling exponents: tokens with more
// than 18 decimals are not supported.
const maxScalingExponent = 18

// Compiler turns orders and liquidity into an engine instance.
//
// Compilation is tolerant: a token whose metadata or buffer cannot be read,
// an order outside the fee-connected set or a pool that fails conversion is
// left out and logged. It only fails when ctx ends before the fetches
// complete.
type Compiler struct {
	nativeToken common.Address
	environment string
	tokenInfos  tokeninfo.Fetcher
	buffers     buffers.Retriever
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewCompiler creates a compiler. environment is stamped into the model
// metadata, usually the network name.
func NewCompiler(
	nativeToken common.Address,
	environment string,
	tokenInfos tokeninfo.Fetcher,
	bufferRetriever buffers.Retriever,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Compiler {
	return &Compiler{
		nativeToken: nativeToken,
		environment: environment,
		tokenInfos:  tokenInfos,
		buffers:     bufferRetriever,
		metrics:     m,
		logger:      logger.With("component", "compiler"),
	}
}

// Compile builds the model for one auction. Orders and pools are numbered
// densely in input order; the returned context holds exactly the orders and
// pools that made it into the model, at the same indices.
func (c *Compiler) Compile(
	ctx context.Context,
	auctionID uint64,
	orders []types.LimitOrder,
	liquidity []types.Liquidity,
	gasPrice float64,
	external types.ExternalPriceSource,
) (*model.BatchAuctionModel, settlement.Context, error) {
	liquidity = c.withoutEmpty(auctionID, liquidity)
	tokens := discoverTokens(orders, liquidity)

	var (
		wg         sync.WaitGroup
		infos      map[common.Address]tokeninfo.TokenInfo
		bufResults map[common.Address]buffers.Result
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		start := time.Now()
		infos = c.tokenInfos.GetTokenInfos(ctx, tokens)
		c.observeFetch("token_infos", time.Since(start))
	}()
	go func() {
		defer wg.Done()
		start := time.Now()
		bufResults = c.buffers.GetBuffers(ctx, tokens)
		c.observeFetch("buffers", time.Since(start))
	}()
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, settlement.Context{}, fmt.Errorf("compile auction %d: %w", auctionID, err)
	}

	internalBuffers := c.usableBuffers(bufResults)
	solverPrices := finitePrices(external)
	connected := FeeConnectedTokens(liquidity, c.nativeToken)
	gasModel := model.GasModel{NativeToken: c.nativeToken, GasPrice: gasPrice}

	var sc settlement.Context
	orderModels := c.orderModels(orders, connected, gasModel, &sc)
	ammModels := c.ammModels(liquidity, gasModel, &sc)

	environment := c.environment
	nativeToken := c.nativeToken
	m := &model.BatchAuctionModel{
		Tokens: c.tokenModels(tokens, infos, solverPrices, internalBuffers),
		Orders: orderModels,
		AMMs:   ammModels,
		Metadata: &model.MetadataModel{
			Environment: &environment,
			AuctionID:   &auctionID,
			GasPrice:    &gasPrice,
			NativeToken: &nativeToken,
		},
	}

	c.metrics.Compiled()
	c.logger.Debug("compiled instance",
		"auction_id", auctionID,
		"tokens", len(m.Tokens),
		"orders", len(m.Orders),
		"amms", len(m.AMMs),
		"fee_connected_tokens", len(connected),
	)
	return m, sc, nil
}

func (c *Compiler) observeFetch(call string, d time.Duration) {
	c.metrics.ObserveFetch(call, d)
	c.logger.Debug("fetch finished", "call", call, "duration", d)
}

// withoutEmpty drops nil liquidity entries.
func (c *Compiler) withoutEmpty(auctionID uint64, liquidity []types.Liquidity) []types.Liquidity {
	out := make([]types.Liquidity, 0, len(liquidity))
	for i, l := range liquidity {
		if l == nil {
			c.logger.Warn("skipping empty liquidity entry", "auction_id", auctionID, "index", i)
			c.metrics.PoolDropped()
			continue
		}
		out = append(out, l)
	}
	return out
}

// discoverTokens returns every token of the orders and liquidity, sorted.
func discoverTokens(orders []types.LimitOrder, liquidity []types.Liquidity) []common.Address {
	set := make(map[common.Address]struct{})
	for _, order := range orders {
		set[order.SellToken] = struct{}{}
		set[order.BuyToken] = struct{}{}
	}
	for _, l := range liquidity {
		for _, token := range types.Tokens(l) {
			set[token] = struct{}{}
		}
	}
	tokens := make([]common.Address, 0, len(set))
	for token := range set {
		tokens = append(tokens, token)
	}
	slices.SortFunc(tokens, func(a, b common.Address) int {
		return bytes.Compare(a[:], b[:])
	})
	return tokens
}

// usableBuffers keeps successful reads. Transient call failures are
// expected for odd tokens and only logged at debug level.
func (c *Compiler) usableBuffers(results map[common.Address]buffers.Result) map[common.Address]*uint256.Int {
	out := make(map[common.Address]*uint256.Int, len(results))
	for token, res := range results {
		switch {
		case res.Err == nil && res.Balance != nil:
			out[token] = res.Balance
		case res.Err == nil:
			c.logger.Debug("empty buffer balance", "token", token)
		case buffers.IsTransientCallFailure(res.Err):
			c.logger.Debug("failed to fetch buffer with call failure", "token", token, "error", res.Err)
			c.metrics.BufferFailure("transient")
		default:
			c.logger.Error("failed to fetch settlement contract buffer", "token", token, "error", res.Err)
			c.metrics.BufferFailure("other")
		}
	}
	return out
}

func finitePrices(external types.ExternalPriceSource) map[common.Address]float64 {
	out := make(map[common.Address]float64)
	if external == nil {
		return out
	}
	for token, price := range external.SolverPrices() {
		if math.IsInf(price, 0) || math.IsNaN(price) {
			continue
		}
		out[token] = price
	}
	return out
}

func (c *Compiler) tokenModels(
	tokens []common.Address,
	infos map[common.Address]tokeninfo.TokenInfo,
	solverPrices map[common.Address]float64,
	internalBuffers map[common.Address]*uint256.Int,
) map[common.Address]model.TokenInfoModel {
	out := make(map[common.Address]model.TokenInfoModel, len(tokens))
	for _, token := range tokens {
		info := infos[token]
		var priority uint64
		if token == c.nativeToken {
			priority = 1
		}
		tm := model.TokenInfoModel{
			Decimals:          info.Decimals,
			Alias:             info.Symbol,
			NormalizePriority: &priority,
			InternalBuffer:    internalBuffers[token],
		}
		if price, ok := solverPrices[token]; ok {
			tm.ExternalPrice = &price
		}
		out[token] = tm
	}
	return out
}

func (c *Compiler) orderModels(
	orders []types.LimitOrder,
	connected map[common.Address]struct{},
	gasModel model.GasModel,
	sc *settlement.Context,
) map[int]model.OrderModel {
	out := make(map[int]model.OrderModel, len(orders))
	for _, order := range orders {
		_, sellConnected := connected[order.SellToken]
		_, buyConnected := connected[order.BuyToken]
		if !sellConnected && !buyConnected {
			c.logger.Debug("skipping order without fee connected token",
				"order", order.ID,
				"sell_token", order.SellToken,
				"buy_token", order.BuyToken,
			)
			c.metrics.OrderUnconnected()
			continue
		}

		out[len(sc.Orders)] = orderModel(order, gasModel)
		sc.Orders = append(sc.Orders, order)
	}
	return out
}

func orderModel(order types.LimitOrder, gasModel model.GasModel) model.OrderModel {
	var cost model.CostModel
	switch order.Exchange {
	case types.ExchangeZeroEx:
		cost = gasModel.ZeroExOrderCost()
	default:
		cost = gasModel.GPOrderCost()
	}

	fee := order.ScaledUnsubsidizedFee
	if order.IsLiquidityOrder {
		fee = order.UnscaledSubsidizedFee
	}

	return model.OrderModel{
		SellToken:          order.SellToken,
		BuyToken:           order.BuyToken,
		SellAmount:         orZero(order.SellAmount),
		BuyAmount:          orZero(order.BuyAmount),
		AllowPartialFill:   order.PartiallyFillable,
		IsSellOrder:        order.Kind == types.OrderKindSell,
		Fee:                model.FeeModel{Amount: orZero(fee), Token: order.SellToken},
		Cost:               cost,
		IsLiquidityOrder:   order.IsLiquidityOrder,
		Mandatory:          false,
		HasAtomicExecution: order.Exchange != types.ExchangeGnosisProtocol,
	}
}

func (c *Compiler) ammModels(liquidity []types.Liquidity, gasModel model.GasModel, sc *settlement.Context) map[int]model.AMMModel {
	out := make(map[int]model.AMMModel)
	for _, l := range liquidity {
		if _, ok := l.(*types.LimitOrder); ok {
			continue
		}
		amm, err := ammModel(l, gasModel)
		if err != nil {
			c.logger.Error("error converting liquidity to solver model", "error", err)
			c.metrics.PoolDropped()
			continue
		}
		out[len(sc.AMMs)] = amm
		sc.AMMs = append(sc.AMMs, l)
	}
	return out
}

func ammModel(l types.Liquidity, gasModel model.GasModel) (model.AMMModel, error) {
	switch l := l.(type) {
	case *types.ConstantProductOrder:
		if l.Fee == nil {
			return model.AMMModel{}, fmt.Errorf("constant product pool %s has no fee", l.Address.Hex())
		}
		t0, t1 := l.Tokens.Get()
		return model.AMMModel{
			Parameters: model.ConstantProductPoolParameters{
				Reserves: map[common.Address]*uint256.Int{
					t0: orZero(l.Reserves[0]),
					t1: orZero(l.Reserves[1]),
				},
			},
			Fee:  model.NewRatio(l.Fee),
			Cost: gasModel.UniswapCost(),
		}, nil

	case *types.WeightedProductOrder:
		if l.Fee == nil {
			return model.AMMModel{}, fmt.Errorf("weighted pool %s has no fee", l.Address.Hex())
		}
		reserves := make(map[common.Address]model.WeightedPoolTokenData, len(l.Reserves))
		for token, state := range l.Reserves {
			if state.Weight == nil {
				return model.AMMModel{}, fmt.Errorf("weighted pool %s: token %s has no weight", l.Address.Hex(), token.Hex())
			}
			reserves[token] = model.WeightedPoolTokenData{
				Balance: orZero(state.Balance),
				Weight:  model.NewRatio(state.Weight),
			}
		}
		return model.AMMModel{
			Parameters: model.WeightedProductPoolParameters{Reserves: reserves},
			Fee:        model.NewRatio(l.Fee),
			Cost:       gasModel.BalancerCost(),
		}, nil

	case *types.StablePoolOrder:
		if l.Fee == nil {
			return model.AMMModel{}, fmt.Errorf("stable pool %s has no fee", l.Address.Hex())
		}
		amplification := l.AmplificationParameter.Rat()
		if amplification == nil {
			return model.AMMModel{}, fmt.Errorf("stable pool %s has zero amplification precision", l.Address.Hex())
		}
		reserves := make(map[common.Address]*uint256.Int, len(l.Reserves))
		rates := make(map[common.Address]*uint256.Int, len(l.Reserves))
		for token, state := range l.Reserves {
			rate, err := ScalingRate(state.ScalingExponent)
			if err != nil {
				return model.AMMModel{}, fmt.Errorf("error converting stable pool %s to solver model: %w", l.Address.Hex(), err)
			}
			reserves[token] = orZero(state.Balance)
			rates[token] = rate
		}
		return model.AMMModel{
			Parameters: model.StablePoolParameters{
				Reserves:               reserves,
				ScalingRates:           rates,
				AmplificationParameter: model.NewRatio(amplification),
			},
			Fee:  model.NewRatio(l.Fee),
			Cost: gasModel.BalancerCost(),
		}, nil

	case *types.LimitOrder:
		return model.AMMModel{}, fmt.Errorf("limit order %s is not a pool", l.ID)
	default:
		panic(fmt.Sprintf("solver: unknown liquidity %T", l))
	}
}

// ScalingRate returns 10^exponent, the factor that brings a token's amounts
// to 18 decimals.
func ScalingRate(exponent uint8) (*uint256.Int, error) {
	if exponent > maxScalingExponent {
		return nil, fmt.Errorf("scaling exponent %d exceeds %d", exponent, maxScalingExponent)
	}
	return new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(exponent))), nil
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
