package solver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/big"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"batch-solver/internal/allowances"
	"batch-solver/internal/buffers"
	"batch-solver/internal/chain"
	"batch-solver/internal/config"
	"batch-solver/internal/engine"
	"batch-solver/internal/metrics"
	"batch-solver/internal/model"
	"batch-solver/internal/prices"
	"batch-solver/internal/settlement"
	"batch-solver/internal/tokeninfo"
	"batch-solver/pkg/types"
)

var (
	native = common.BigToAddress(big.NewInt(0x100))
	tokenA = common.BigToAddress(big.NewInt(0x1))
	tokenB = common.BigToAddress(big.NewInt(0x2))
	tokenC = common.BigToAddress(big.NewInt(0x3))
	tokenD = common.BigToAddress(big.NewInt(0x4))
	router = common.BigToAddress(big.NewInt(0xbeef))
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func base(x uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(x), uint256.NewInt(1e18))
}

// ————————————————————————————————————————————————————————————————————————
// Fakes
// ————————————————————————————————————————————————————————————————————————

type fakeTokenInfos struct {
	calls atomic.Int64
	delay time.Duration
}

func (f *fakeTokenInfos) GetTokenInfos(_ context.Context, tokens []common.Address) map[common.Address]tokeninfo.TokenInfo {
	f.calls.Add(1)
	time.Sleep(f.delay)
	decimals := uint8(18)
	out := make(map[common.Address]tokeninfo.TokenInfo, len(tokens))
	for _, token := range tokens {
		symbol := fmt.Sprintf("T%x", token[19])
		out[token] = tokeninfo.TokenInfo{Decimals: &decimals, Symbol: &symbol}
	}
	return out
}

type fakeBuffers struct {
	calls  atomic.Int64
	errors map[common.Address]error
	empty  map[common.Address]bool
}

func (f *fakeBuffers) GetBuffers(_ context.Context, tokens []common.Address) map[common.Address]buffers.Result {
	f.calls.Add(1)
	out := make(map[common.Address]buffers.Result, len(tokens))
	for _, token := range tokens {
		if err := f.errors[token]; err != nil {
			out[token] = buffers.Result{Err: err}
			continue
		}
		if f.empty[token] {
			out[token] = buffers.Result{}
			continue
		}
		out[token] = buffers.Result{Balance: uint256.NewInt(42)}
	}
	return out
}

type fakeEngine struct {
	calls   atomic.Int64
	settled *model.SettledBatchAuctionModel
	err     error
	last    *model.BatchAuctionModel
	mu      sync.Mutex
}

func (e *fakeEngine) Solve(_ context.Context, m *model.BatchAuctionModel, _ time.Duration) (*model.SettledBatchAuctionModel, error) {
	e.calls.Add(1)
	e.mu.Lock()
	e.last = m
	e.mu.Unlock()
	return e.settled, e.err
}

type noApprovals struct{}

func (noApprovals) Approvals(context.Context, []allowances.Request) ([]allowances.Approval, error) {
	return nil, nil
}

type floatPrices map[common.Address]float64

func (p floatPrices) Price(common.Address) (*big.Rat, bool) { return nil, false }
func (p floatPrices) SolverPrices() map[common.Address]float64 { return p }

func cpPool(a, b common.Address) *types.ConstantProductOrder {
	pair, _ := types.NewTokenPair(a, b)
	return &types.ConstantProductOrder{
		Address:  common.BigToAddress(new(big.Int).SetBytes(append(a[18:], b[18:]...))),
		Spender:  router,
		Tokens:   pair,
		Reserves: [2]*uint256.Int{uint256.NewInt(0), uint256.NewInt(0)},
		Fee:      big.NewRat(0, 1),
	}
}

func sellOrder(id string, sell, buy common.Address) types.LimitOrder {
	return types.LimitOrder{
		ID:                    id,
		SellToken:             sell,
		BuyToken:              buy,
		SellAmount:            uint256.NewInt(1000),
		BuyAmount:             uint256.NewInt(900),
		Kind:                  types.OrderKindSell,
		UnscaledSubsidizedFee: uint256.NewInt(1),
		ScaledUnsubsidizedFee: uint256.NewInt(2),
		Exchange:              types.ExchangeGnosisProtocol,
	}
}

type harness struct {
	tokenInfos *fakeTokenInfos
	buffers    *fakeBuffers
	engine     *fakeEngine
	metrics    *metrics.Metrics
	solver     *Solver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		tokenInfos: &fakeTokenInfos{},
		buffers:    &fakeBuffers{},
		engine:     &fakeEngine{settled: &model.SettledBatchAuctionModel{}},
		metrics:    metrics.New("test"),
	}
	compiler := NewCompiler(native, "test", h.tokenInfos, h.buffers, h.metrics, testLogger())
	h.solver = New(compiler, h.engine, NewInstanceCache(), noApprovals{}, nil, h.metrics, testLogger())
	return h
}

func (h *harness) compiler() *Compiler {
	return h.solver.compiler
}

// ————————————————————————————————————————————————————————————————————————
// Reachability
// ————————————————————————————————————————————————————————————————————————

func TestFeeConnectedTokens(t *testing.T) {
	t.Parallel()

	liquidity := []types.Liquidity{
		cpPool(native, tokenA),
		cpPool(tokenA, tokenB),
		cpPool(tokenC, tokenD),
		&types.LimitOrder{SellToken: native, BuyToken: tokenC},
	}
	got := FeeConnectedTokens(liquidity, native)

	want := []common.Address{native, tokenA, tokenB}
	if len(got) != len(want) {
		t.Fatalf("connected = %v, want %v", got, want)
	}
	for _, token := range want {
		if _, ok := got[token]; !ok {
			t.Errorf("%s not connected", token.Hex())
		}
	}
}

func TestFeeConnectedTokensIndependentOfOrder(t *testing.T) {
	t.Parallel()

	// A chain native-1-2-...-8 plus a disjoint island.
	var liquidity []types.Liquidity
	prev := native
	for i := 1; i <= 8; i++ {
		next := common.BigToAddress(big.NewInt(int64(0x10 + i)))
		liquidity = append(liquidity, cpPool(prev, next))
		prev = next
	}
	liquidity = append(liquidity, cpPool(tokenC, tokenD))

	reference := FeeConnectedTokens(liquidity, native)
	if len(reference) != 9 {
		t.Fatalf("connected = %d tokens, want 9", len(reference))
	}

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 20; round++ {
		shuffled := append([]types.Liquidity(nil), liquidity...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		got := FeeConnectedTokens(shuffled, native)
		if len(got) != len(reference) {
			t.Fatalf("round %d: %d tokens, want %d", round, len(got), len(reference))
		}
		for token := range reference {
			if _, ok := got[token]; !ok {
				t.Fatalf("round %d: %s missing", round, token.Hex())
			}
		}
	}
}

func TestFeeConnectedTokensWeightedPool(t *testing.T) {
	t.Parallel()

	pool := &types.WeightedProductOrder{
		Reserves: map[common.Address]types.WeightedTokenState{
			tokenA: {}, tokenB: {}, native: {},
		},
		Fee: big.NewRat(1, 100),
	}
	got := FeeConnectedTokens([]types.Liquidity{pool}, native)
	if len(got) != 3 {
		t.Errorf("connected = %d tokens, want 3", len(got))
	}
}

// ————————————————————————————————————————————————————————————————————————
// Compiler
// ————————————————————————————————————————————————————————————————————————

func TestCompileRemovesOrdersWithoutNativeConnection(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	liquidity := []types.Liquidity{cpPool(native, tokenA), cpPool(tokenA, tokenB)}
	pairs := [][2]common.Address{
		{native, tokenA}, {native, tokenB}, {tokenA, tokenB}, {tokenB, tokenA},
		{tokenB, tokenC}, {tokenC, tokenB}, {tokenC, tokenD}, {tokenD, tokenC},
	}
	var orders []types.LimitOrder
	for i, p := range pairs {
		orders = append(orders, sellOrder(fmt.Sprint(i), p[0], p[1]))
	}

	m, sc, err := h.compiler().Compile(context.Background(), 1, orders, liquidity, 1e9, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(m.Orders) != 6 {
		t.Fatalf("order models = %d, want 6", len(m.Orders))
	}
	if len(sc.Orders) != len(m.Orders) {
		t.Fatalf("context orders = %d, model orders = %d", len(sc.Orders), len(m.Orders))
	}
	for i, om := range m.Orders {
		order := sc.Orders[i]
		if om.SellToken != order.SellToken || om.BuyToken != order.BuyToken {
			t.Errorf("order model %d does not match context order %s", i, order.ID)
		}
	}
	if sc.Orders[5].ID != "5" {
		t.Errorf("last kept order = %s, want 5", sc.Orders[5].ID)
	}
	if got := testutil.ToFloat64(h.metrics.OrdersDropped); got != 2 {
		t.Errorf("unconnected orders metric = %v, want 2", got)
	}
}

func TestCompileIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	external, err := prices.New(native, map[common.Address]*big.Rat{tokenA: big.NewRat(1, 3)})
	if err != nil {
		t.Fatal(err)
	}
	liquidity := []types.Liquidity{
		cpPool(native, tokenA),
		&types.WeightedProductOrder{
			Address: tokenD,
			Reserves: map[common.Address]types.WeightedTokenState{
				tokenA: {Balance: uint256.NewInt(5), Weight: big.NewRat(1, 2)},
				tokenB: {Balance: uint256.NewInt(7), Weight: big.NewRat(1, 2)},
			},
			Fee: big.NewRat(3, 1000),
		},
	}
	orders := []types.LimitOrder{sellOrder("x", native, tokenB), sellOrder("y", tokenA, tokenB)}

	first, _, err := h.compiler().Compile(context.Background(), 3, orders, liquidity, 2e9, external)
	if err != nil {
		t.Fatal(err)
	}
	second, _, err := h.compiler().Compile(context.Background(), 3, orders, liquidity, 2e9, external)
	if err != nil {
		t.Fatal(err)
	}

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Errorf("compilations differ:\n%s\n%s", a, b)
	}
}

func TestCompileTokenTable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.buffers.errors = map[common.Address]error{
		tokenA: fmt.Errorf("balanceOf: %w", chain.ErrCallReverted),
		tokenB: errors.New("node timeout"),
	}
	external := floatPrices{native: 1e18, tokenA: math.Inf(1), tokenB: 5e17}

	orders := []types.LimitOrder{sellOrder("o", tokenA, tokenB)}
	liquidity := []types.Liquidity{cpPool(native, tokenA), cpPool(tokenA, tokenB)}
	m, _, err := h.compiler().Compile(context.Background(), 9, orders, liquidity, 1e9, external)
	if err != nil {
		t.Fatal(err)
	}

	if len(m.Tokens) != 3 {
		t.Fatalf("tokens = %d, want 3", len(m.Tokens))
	}
	nat := m.Tokens[native]
	if nat.NormalizePriority == nil || *nat.NormalizePriority != 1 {
		t.Errorf("native normalize priority = %v, want 1", nat.NormalizePriority)
	}
	if nat.InternalBuffer == nil || nat.InternalBuffer.Uint64() != 42 {
		t.Errorf("native buffer = %v, want 42", nat.InternalBuffer)
	}
	a := m.Tokens[tokenA]
	if a.ExternalPrice != nil {
		t.Errorf("infinite price kept: %v", *a.ExternalPrice)
	}
	if a.InternalBuffer != nil || m.Tokens[tokenB].InternalBuffer != nil {
		t.Error("failed buffers must be omitted")
	}
	if *a.NormalizePriority != 0 {
		t.Errorf("token A normalize priority = %d, want 0", *a.NormalizePriority)
	}
	if p := m.Tokens[tokenB].ExternalPrice; p == nil || *p != 5e17 {
		t.Errorf("token B price = %v, want 5e17", p)
	}
	if a.Alias == nil || a.Decimals == nil {
		t.Error("token info missing from token table")
	}

	if got := testutil.ToFloat64(h.metrics.BufferFailures.WithLabelValues("transient")); got != 1 {
		t.Errorf("transient buffer failures = %v, want 1", got)
	}
	if got := testutil.ToFloat64(h.metrics.BufferFailures.WithLabelValues("other")); got != 1 {
		t.Errorf("other buffer failures = %v, want 1", got)
	}

	md := m.Metadata
	if md == nil || *md.AuctionID != 9 || *md.GasPrice != 1e9 || *md.NativeToken != native || *md.Environment != "test" {
		t.Errorf("metadata = %+v", md)
	}
}

func TestCompileIgnoresEmptyBufferBalance(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.buffers.empty = map[common.Address]bool{tokenA: true}

	liquidity := []types.Liquidity{cpPool(native, tokenA)}
	m, _, err := h.compiler().Compile(context.Background(), 1, nil, liquidity, 1e9, nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.Tokens[tokenA].InternalBuffer != nil {
		t.Errorf("empty buffer kept: %v", m.Tokens[tokenA].InternalBuffer)
	}
	if m.Tokens[native].InternalBuffer == nil {
		t.Error("native buffer missing")
	}
	for _, kind := range []string{"transient", "other"} {
		if got := testutil.ToFloat64(h.metrics.BufferFailures.WithLabelValues(kind)); got != 0 {
			t.Errorf("%s buffer failures = %v, want 0", kind, got)
		}
	}
}

func TestCompileSkipsEmptyLiquidity(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	orders := []types.LimitOrder{sellOrder("o", tokenA, native)}
	liquidity := []types.Liquidity{nil, cpPool(native, tokenA), nil}

	m, sc, err := h.compiler().Compile(context.Background(), 1, orders, liquidity, 1e9, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(m.AMMs) != 1 || len(sc.AMMs) != 1 {
		t.Fatalf("amms = %d/%d, want 1", len(m.AMMs), len(sc.AMMs))
	}
	if len(m.Orders) != 1 {
		t.Errorf("orders = %d, want 1", len(m.Orders))
	}
	if got := testutil.ToFloat64(h.metrics.PoolsDropped); got != 2 {
		t.Errorf("dropped pools = %v, want 2", got)
	}
}

func TestCompileOrderModels(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	user := sellOrder("user", native, tokenA)
	liq := sellOrder("liq", native, tokenA)
	liq.IsLiquidityOrder = true
	zeroEx := sellOrder("0x", tokenA, native)
	zeroEx.Exchange = types.ExchangeZeroEx
	zeroEx.Kind = types.OrderKindBuy

	gasPrice := 2.0
	m, _, err := h.compiler().Compile(context.Background(), 1,
		[]types.LimitOrder{user, liq, zeroEx}, []types.Liquidity{cpPool(native, tokenA)}, gasPrice, nil)
	if err != nil {
		t.Fatal(err)
	}

	if fee := m.Orders[0].Fee.Amount.Uint64(); fee != 2 {
		t.Errorf("user order fee = %d, want scaled unsubsidized 2", fee)
	}
	if fee := m.Orders[1].Fee.Amount.Uint64(); fee != 1 {
		t.Errorf("liquidity order fee = %d, want unscaled subsidized 1", fee)
	}
	if m.Orders[0].Cost.Amount.Uint64() != 2*model.GasPerOrder {
		t.Errorf("protocol order cost = %s", m.Orders[0].Cost.Amount.Dec())
	}
	if m.Orders[2].Cost.Amount.Uint64() != 2*model.GasPerZeroExOrder {
		t.Errorf("0x order cost = %s", m.Orders[2].Cost.Amount.Dec())
	}
	if m.Orders[0].HasAtomicExecution || !m.Orders[2].HasAtomicExecution {
		t.Error("has_atomic_execution must be set for non-protocol orders only")
	}
	if m.Orders[2].IsSellOrder {
		t.Error("buy order encoded as sell order")
	}
	for i, om := range m.Orders {
		if om.Mandatory {
			t.Errorf("order %d is mandatory", i)
		}
		if om.Fee.Token != om.SellToken {
			t.Errorf("order %d fee token = %s, want sell token", i, om.Fee.Token.Hex())
		}
	}
}

func TestCompilePoolModels(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	stable := func(exponent uint8) *types.StablePoolOrder {
		return &types.StablePoolOrder{
			Address: tokenC,
			Reserves: map[common.Address]types.StableTokenState{
				native: {Balance: uint256.NewInt(10), ScalingExponent: 0},
				tokenA: {Balance: uint256.NewInt(20), ScalingExponent: exponent},
			},
			Fee: big.NewRat(1, 10000),
			AmplificationParameter: types.AmplificationParameter{
				Factor: uint256.NewInt(200), Precision: uint256.NewInt(1),
			},
		}
	}
	liquidity := []types.Liquidity{
		stable(12),
		&types.LimitOrder{ID: "passthrough", SellToken: native, BuyToken: tokenA},
		stable(19), // unsupported, dropped
		cpPool(native, tokenA),
	}

	m, sc, err := h.compiler().Compile(context.Background(), 1,
		[]types.LimitOrder{sellOrder("o", native, tokenA)}, liquidity, 1, nil)
	if err != nil {
		t.Fatal(err)
	}

	if len(m.AMMs) != 2 || len(sc.AMMs) != 2 {
		t.Fatalf("amms = %d, context amms = %d, want 2", len(m.AMMs), len(sc.AMMs))
	}
	params, ok := m.AMMs[0].Parameters.(model.StablePoolParameters)
	if !ok {
		t.Fatalf("amm 0 = %T, want stable", m.AMMs[0].Parameters)
	}
	if rate := params.ScalingRates[tokenA]; rate.Cmp(new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(12))) != 0 {
		t.Errorf("scaling rate = %s, want 1e12", rate.Dec())
	}
	if params.AmplificationParameter.Rat().Cmp(big.NewRat(200, 1)) != 0 {
		t.Errorf("amplification = %v", params.AmplificationParameter)
	}
	if m.AMMs[0].Cost.Amount.Uint64() != model.GasPerBalancerSwap {
		t.Errorf("stable pool cost = %s", m.AMMs[0].Cost.Amount.Dec())
	}
	if m.AMMs[1].Parameters.Kind() != model.KindConstantProduct {
		t.Errorf("amm 1 kind = %s, want ConstantProduct", m.AMMs[1].Parameters.Kind())
	}
	if _, ok := sc.AMMs[1].(*types.ConstantProductOrder); !ok {
		t.Errorf("context amm 1 = %T, want constant product", sc.AMMs[1])
	}
	if got := testutil.ToFloat64(h.metrics.PoolsDropped); got != 1 {
		t.Errorf("dropped pools = %v, want 1", got)
	}
}

func TestScalingRate(t *testing.T) {
	t.Parallel()

	for exp := uint8(0); exp <= 18; exp++ {
		rate, err := ScalingRate(exp)
		if err != nil {
			t.Fatalf("ScalingRate(%d): %v", exp, err)
		}
		want := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
		if rate.ToBig().Cmp(want) != 0 {
			t.Errorf("ScalingRate(%d) = %s", exp, rate.Dec())
		}
	}
	if _, err := ScalingRate(19); err == nil {
		t.Error("ScalingRate(19) should fail")
	}
}

// ————————————————————————————————————————————————————————————————————————
// Cache
// ————————————————————————————————————————————————————————————————————————

func TestInstanceCacheCompilesOnceUnderConcurrency(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.tokenInfos.delay = 20 * time.Millisecond
	auction := types.Auction{
		ID:        1,
		Orders:    []types.LimitOrder{sellOrder("o", native, tokenA)},
		Liquidity: []types.Liquidity{cpPool(native, tokenA)},
		Deadline:  time.Now().Add(time.Minute),
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.solver.Solve(context.Background(), auction); err != nil {
				t.Errorf("Solve: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := h.tokenInfos.calls.Load(); got != 1 {
		t.Errorf("token info fetches = %d, want 1", got)
	}
	if got := h.buffers.calls.Load(); got != 1 {
		t.Errorf("buffer fetches = %d, want 1", got)
	}
	if got := testutil.ToFloat64(h.metrics.InstanceCacheHits); got != 15 {
		t.Errorf("cache hits = %v, want 15", got)
	}

	auction.ID = 2
	if _, err := h.solver.Solve(context.Background(), auction); err != nil {
		t.Fatal(err)
	}
	if got := h.tokenInfos.calls.Load(); got != 2 {
		t.Errorf("token info fetches after new auction = %d, want 2", got)
	}
	summary, ok := h.solver.Cache().Current()
	if !ok || summary.AuctionID != 2 || summary.Orders != 1 {
		t.Errorf("cache summary = %+v, %v", summary, ok)
	}
}

func TestInstanceCacheKeepsEntryOnFailure(t *testing.T) {
	t.Parallel()

	cache := NewInstanceCache()
	ok := func(context.Context) (*model.BatchAuctionModel, settlement.Context, error) {
		return &model.BatchAuctionModel{}, settlement.Context{}, nil
	}
	failing := func(context.Context) (*model.BatchAuctionModel, settlement.Context, error) {
		return nil, settlement.Context{}, errors.New("boom")
	}

	if _, _, _, err := cache.GetOrCompile(context.Background(), 1, ok); err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := cache.GetOrCompile(context.Background(), 2, failing); err == nil {
		t.Fatal("expected error")
	}
	if summary, _ := cache.Current(); summary.AuctionID != 1 {
		t.Errorf("cached auction = %d, want 1", summary.AuctionID)
	}
	if _, _, hit, _ := cache.GetOrCompile(context.Background(), 1, failing); !hit {
		t.Error("expected cache hit for auction 1")
	}
}

// ————————————————————————————————————————————————————————————————————————
// Orchestrator
// ————————————————————————————————————————————————————————————————————————

func TestSolveWithoutOrders(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	got, err := h.solver.Solve(context.Background(), types.Auction{
		ID:        1,
		Liquidity: []types.Liquidity{&types.LimitOrder{ID: "lo", SellToken: native, BuyToken: tokenA}},
		Deadline:  time.Now().Add(time.Minute),
	})
	if err != nil || got != nil {
		t.Fatalf("Solve = %v, %v; want nil, nil", got, err)
	}
	if h.tokenInfos.calls.Load() != 0 || h.engine.calls.Load() != 0 {
		t.Error("empty auction must not compile or call the engine")
	}
}

func TestSolvePastDeadline(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.solver.Solve(context.Background(), types.Auction{
		ID:        5,
		Orders:    []types.LimitOrder{sellOrder("o", native, tokenA)},
		Liquidity: []types.Liquidity{cpPool(native, tokenA)},
		Deadline:  time.Now().Add(-time.Second),
	})
	if !errors.Is(err, ErrNoTimeLeft) {
		t.Fatalf("err = %v, want ErrNoTimeLeft", err)
	}
	if got := h.engine.calls.Load(); got != 0 {
		t.Errorf("engine calls = %d, want 0", got)
	}
}

func TestSolveWithEmptyLiquidityEntry(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	got, err := h.solver.Solve(context.Background(), types.Auction{
		ID:        6,
		Orders:    []types.LimitOrder{sellOrder("o", native, tokenA)},
		Liquidity: []types.Liquidity{nil, cpPool(native, tokenA)},
		Deadline:  time.Now().Add(time.Minute),
	})
	if err != nil || got != nil {
		t.Fatalf("Solve = %v, %v; want nil, nil", got, err)
	}
	if calls := h.engine.calls.Load(); calls != 1 {
		t.Fatalf("engine calls = %d, want 1", calls)
	}
	h.engine.mu.Lock()
	defer h.engine.mu.Unlock()
	if len(h.engine.last.AMMs) != 1 {
		t.Errorf("amms sent = %d, want 1", len(h.engine.last.AMMs))
	}
}

func TestSolveAppendsPassthroughOrders(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	passthrough := &types.LimitOrder{
		ID: "0x-order", SellToken: tokenA, BuyToken: native,
		SellAmount: uint256.NewInt(5), BuyAmount: uint256.NewInt(5),
		Kind: types.OrderKindSell, Exchange: types.ExchangeZeroEx, IsLiquidityOrder: true,
	}
	_, err := h.solver.Solve(context.Background(), types.Auction{
		ID:        1,
		Orders:    []types.LimitOrder{sellOrder("user", native, tokenA)},
		Liquidity: []types.Liquidity{cpPool(native, tokenA), passthrough},
		Deadline:  time.Now().Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}

	h.engine.mu.Lock()
	sent := h.engine.last
	h.engine.mu.Unlock()
	if len(sent.Orders) != 2 || len(sent.AMMs) != 1 {
		t.Fatalf("sent %d orders and %d amms, want 2 and 1", len(sent.Orders), len(sent.AMMs))
	}
	if !sent.Orders[1].HasAtomicExecution || !sent.Orders[1].IsLiquidityOrder {
		t.Errorf("passthrough order model = %+v", sent.Orders[1])
	}
}

func TestSolveWithoutExecutionPlan(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.engine.settled = &model.SettledBatchAuctionModel{
		Orders: map[int]model.ExecutedOrderModel{0: {ExecSellAmount: uint256.NewInt(1000), ExecBuyAmount: uint256.NewInt(950)}},
		AMMs: map[int]model.UpdatedAMMModel{0: {Execution: []model.ExecutedAMMModel{{
			SellToken: tokenA, BuyToken: native,
			ExecSellAmount: uint256.NewInt(950), ExecBuyAmount: uint256.NewInt(1000),
		}}}},
	}
	got, err := h.solver.Solve(context.Background(), types.Auction{
		ID:        1,
		Orders:    []types.LimitOrder{sellOrder("o", native, tokenA)},
		Liquidity: []types.Liquidity{cpPool(native, tokenA)},
		Deadline:  time.Now().Add(time.Minute),
	})
	if err != nil || got != nil {
		t.Fatalf("Solve = %v, %v; want nil, nil", got, err)
	}
}

func TestSolveEngineFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.engine.err = errors.New("engine down")
	_, err := h.solver.Solve(context.Background(), types.Auction{
		ID:        77,
		Orders:    []types.LimitOrder{sellOrder("o", native, tokenA)},
		Liquidity: []types.Liquidity{cpPool(native, tokenA)},
		Deadline:  time.Now().Add(time.Minute),
	})
	if err == nil {
		t.Fatal("expected engine error")
	}
	if got := testutil.ToFloat64(h.metrics.SolveRuns.WithLabelValues("error")); got != 1 {
		t.Errorf("error runs = %v, want 1", got)
	}
}

// TestSolveConstantProductEndToEnd runs one order against one pool through a
// real engine client talking to a stub engine.
func TestSolveConstantProductEndToEnd(t *testing.T) {
	t.Parallel()

	buyToken := tokenA
	sellToken := native

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var instance model.BatchAuctionModel
		if err := json.Unmarshal(body, &instance); err != nil {
			t.Errorf("engine received invalid instance: %v", err)
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(instance.Orders) != 1 || len(instance.AMMs) != 1 {
			t.Errorf("instance has %d orders and %d amms", len(instance.Orders), len(instance.AMMs))
		}
		if instance.AMMs[0].Parameters.Kind() != model.KindConstantProduct {
			t.Errorf("amm kind = %s", instance.AMMs[0].Parameters.Kind())
		}

		out := base(2).Dec()
		got := "1960590157441330824"
		fmt.Fprintf(w, `{
			"orders": {"0": {"exec_sell_amount": %q, "exec_buy_amount": %q}},
			"amms": {"0": {"execution": [{
				"sell_token": %q, "buy_token": %q,
				"exec_sell_amount": %q, "exec_buy_amount": %q,
				"exec_plan": {"sequence": 0, "position": 0}
			}]}},
			"ref_token": %q,
			"prices": {%q: "1000000000000000000", %q: "1020000000000000000"}
		}`, out, got,
			buyToken.Hex(), sellToken.Hex(), got, out,
			sellToken.Hex(),
			sellToken.Hex(), buyToken.Hex(),
		)
	}))
	defer srv.Close()

	m := metrics.New("test")
	eng := engine.NewClient(config.EngineConfig{
		Name: "stub", BaseURL: srv.URL, NetworkName: "test", MaxNrExecOrders: 10,
	}, testLogger())
	compiler := NewCompiler(native, "test", &fakeTokenInfos{}, &fakeBuffers{}, m, testLogger())
	manager := &recordingManager{}
	s := New(compiler, eng, NewInstanceCache(), manager, nil, m, testLogger())

	pair, _ := types.NewTokenPair(buyToken, sellToken)
	pool := &types.ConstantProductOrder{
		Address:  common.BigToAddress(big.NewInt(0xa11)),
		Spender:  router,
		Tokens:   pair,
		Reserves: [2]*uint256.Int{base(100), base(100)},
		Fee:      big.NewRat(0, 1),
	}
	order := types.LimitOrder{
		ID:                    "0",
		SellToken:             sellToken,
		BuyToken:              buyToken,
		SellAmount:            base(2),
		BuyAmount:             base(1),
		Kind:                  types.OrderKindSell,
		UnscaledSubsidizedFee: new(uint256.Int),
		ScaledUnsubsidizedFee: new(uint256.Int),
		Exchange:              types.ExchangeGnosisProtocol,
	}

	settlements, err := s.Solve(context.Background(), types.Auction{
		ID:        1,
		Orders:    []types.LimitOrder{order},
		Liquidity: []types.Liquidity{pool},
		GasPrice:  100,
		Deadline:  time.Now().Add(30 * time.Second),
	})
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if len(settlements) != 1 {
		t.Fatalf("settlements = %d, want 1", len(settlements))
	}

	result := settlements[0]
	if len(result.Trades) != 1 || !result.Trades[0].ExecutedSellAmount.Eq(base(2)) {
		t.Errorf("trades = %+v", result.Trades)
	}
	if result.Trades[0].ExecutedBuyAmount.IsZero() {
		t.Error("order received nothing")
	}
	if len(result.Swaps) != 1 {
		t.Fatalf("swaps = %d, want 1", len(result.Swaps))
	}
	swap := result.Swaps[0]
	if swap.Pool != pool.Address || swap.TokenIn != sellToken || !swap.AmountIn.Eq(base(2)) {
		t.Errorf("swap = %+v", swap)
	}
	if len(manager.requests) != 1 || manager.requests[0].Spender != router {
		t.Errorf("approval requests = %+v", manager.requests)
	}
	if len(result.ClearingPrices) != 2 {
		t.Errorf("clearing prices = %d, want 2", len(result.ClearingPrices))
	}
}

type recordingManager struct {
	mu       sync.Mutex
	requests []allowances.Request
}

func (m *recordingManager) Approvals(_ context.Context, requests []allowances.Request) ([]allowances.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, requests...)
	return nil, nil
}
