// Package engine is the HTTP client of the external optimization engine.
//
// The engine exposes a single endpoint:
//   - POST {base}/solve?instance_name=…&time_limit=…&max_nr_exec_orders=…&use_internal_buffers=…
//
// The body is a compiled BatchAuctionModel; the response a
// SettledBatchAuctionModel. The request is bounded by the solve budget and
// retried on 5xx only while budget remains.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"batch-solver/internal/config"
	"batch-solver/internal/model"
)

// ErrMalformedResponse is returned when the engine answers 200 with a body
// that is not a settled model.
var ErrMalformedResponse = errors.New("malformed engine response")

// ErrBudgetTooSmall is returned when less than one whole second of solve
// time remains. The engine takes its time limit in whole seconds.
var ErrBudgetTooSmall = errors.New("solve budget below one second")

// Solver is what the orchestrator needs from an optimization engine.
type Solver interface {
	Solve(ctx context.Context, m *model.BatchAuctionModel, timeout time.Duration) (*model.SettledBatchAuctionModel, error)
}

// Client is the optimization engine REST client.
type Client struct {
	http   *resty.Client
	cfg    config.EngineConfig
	now    func() time.Time
	logger *slog.Logger
}

// NewClient creates an engine client from configuration.
func NewClient(cfg config.EngineConfig, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled)
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		httpClient.SetHeader("X-API-KEY", cfg.APIKey)
	}

	return &Client{
		http:   httpClient,
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With("component", "engine", "engine", cfg.Name),
	}
}

// Name returns the configured engine name.
func (c *Client) Name() string {
	return c.cfg.Name
}

// Solve sends the model and waits at most timeout for a solution.
func (c *Client) Solve(ctx context.Context, m *model.BatchAuctionModel, timeout time.Duration) (*model.SettledBatchAuctionModel, error) {
	secs := int64(timeout / time.Second)
	if secs < 1 {
		return nil, fmt.Errorf("solve: %w (%v)", ErrBudgetTooSmall, timeout)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var auctionID uint64
	if m.Metadata != nil && m.Metadata.AuctionID != nil {
		auctionID = *m.Metadata.AuctionID
	}
	instance := c.instanceName(auctionID)

	params := map[string]string{
		"instance_name":        instance,
		"time_limit":           strconv.FormatInt(secs, 10),
		"max_nr_exec_orders":   strconv.Itoa(c.cfg.MaxNrExecOrders),
		"use_internal_buffers": strconv.FormatBool(c.cfg.UseInternalBuffers),
	}

	c.logger.Debug("sending instance to engine",
		"instance", instance,
		"orders", len(m.Orders),
		"amms", len(m.AMMs),
		"time_limit", timeout,
	)

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetBody(m).
		Post("/solve")
	if err != nil {
		return nil, fmt.Errorf("solve %s: %w", instance, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("solve %s: status %d: %s", instance, resp.StatusCode(), resp.String())
	}

	var settled model.SettledBatchAuctionModel
	if err := json.Unmarshal(resp.Body(), &settled); err != nil {
		return nil, fmt.Errorf("solve %s: %w: %v", instance, ErrMalformedResponse, err)
	}
	c.logger.Debug("engine responded",
		"instance", instance,
		"executed_orders", len(settled.Orders),
		"duration", resp.Time(),
	)
	return &settled, nil
}

// instanceName is <timestamp>_<network>_<chain id>_<auction id>.
func (c *Client) instanceName(auctionID uint64) string {
	return fmt.Sprintf("%s_%s_%d_%d",
		c.now().UTC().Format("2006-01-02_15:04:05.000"),
		c.cfg.NetworkName,
		c.cfg.ChainID,
		auctionID,
	)
}
