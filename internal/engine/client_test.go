package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"batch-solver/internal/config"
	"batch-solver/internal/model"
)

var weth = common.HexToAddress("0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2")

func newTestClient(baseURL string, retries int) *Client {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	c := NewClient(config.EngineConfig{
		Name:               "test",
		BaseURL:            baseURL,
		APIKey:             "secret",
		NetworkName:        "mainnet",
		ChainID:            1,
		MaxNrExecOrders:    100,
		UseInternalBuffers: true,
		RetryCount:         retries,
	}, logger)
	c.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return c
}

func testModel() *model.BatchAuctionModel {
	id := uint64(7)
	return &model.BatchAuctionModel{
		Tokens: map[common.Address]model.TokenInfoModel{},
		Orders: map[int]model.OrderModel{},
		AMMs:   map[int]model.AMMModel{},
		Metadata: &model.MetadataModel{
			AuctionID: &id,
		},
	}
}

func TestSolveSendsInstance(t *testing.T) {
	t.Parallel()

	var gotQuery map[string]string
	var gotKey string
	var gotBody map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/solve" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotKey = r.Header.Get("X-API-KEY")
		gotQuery = map[string]string{}
		for k := range r.URL.Query() {
			gotQuery[k] = r.URL.Query().Get(k)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"orders": {"0": {"exec_sell_amount": "10", "exec_buy_amount": "9"}},
			"amms": {},
			"prices": {"0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2": "1000000000000000000"},
			"unknown": true
		}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 0)
	settled, err := c.Solve(context.Background(), testModel(), 2500*time.Millisecond)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}

	if gotKey != "secret" {
		t.Errorf("X-API-KEY = %q, want secret", gotKey)
	}
	want := map[string]string{
		"instance_name":        "2024-01-02_03:04:05.000_mainnet_1_7",
		"time_limit":           "2",
		"max_nr_exec_orders":   "100",
		"use_internal_buffers": "true",
	}
	for k, v := range want {
		if gotQuery[k] != v {
			t.Errorf("query %s = %q, want %q", k, gotQuery[k], v)
		}
	}
	for _, key := range []string{"tokens", "orders", "amms", "metadata"} {
		if _, ok := gotBody[key]; !ok {
			t.Errorf("request body missing %q", key)
		}
	}

	if len(settled.Orders) != 1 || settled.Orders[0].ExecBuyAmount.Uint64() != 9 {
		t.Errorf("orders = %+v", settled.Orders)
	}
	if p := settled.Prices[weth]; p == nil || !p.Eq(uint256.NewInt(1e18)) {
		t.Errorf("weth price = %v", p)
	}
}

func TestSolveMalformedResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"orders": "nope"`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 0).Solve(context.Background(), testModel(), time.Second)
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("err = %v, want ErrMalformedResponse", err)
	}
}

func TestSolveRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"orders": {}}`))
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL, 2).Solve(context.Background(), testModel(), 5*time.Second); err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestSolveClientErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad instance", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 3).Solve(context.Background(), testModel(), time.Second)
	if err == nil || !strings.Contains(err.Error(), "status 400") {
		t.Fatalf("err = %v, want status 400", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestSolveRejectsBudgetBelowOneSecond(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 0)
	for _, budget := range []time.Duration{0, -time.Second, 900 * time.Millisecond} {
		if _, err := c.Solve(context.Background(), testModel(), budget); !errors.Is(err, ErrBudgetTooSmall) {
			t.Errorf("budget %v: err = %v, want ErrBudgetTooSmall", budget, err)
		}
	}
	if got := calls.Load(); got != 0 {
		t.Errorf("engine calls = %d, want 0", got)
	}
}
