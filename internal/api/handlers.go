package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"

	"github.com/gorilla/websocket"

	"batch-solver/internal/config"
	"batch-solver/internal/driver"
	"batch-solver/internal/engine"
	"batch-solver/internal/settlement"
	"batch-solver/internal/solver"
)

// maxRequestBytes bounds the size of an auction body.
const maxRequestBytes = 64 << 20

// AuctionRunner runs auctions through the solving pipeline.
type AuctionRunner interface {
	Run(ctx context.Context, req driver.Request) ([]*settlement.Settlement, error)
}

// Handlers holds all HTTP handler dependencies
type Handlers struct {
	runner    AuctionRunner
	instances InstanceProvider
	cfg       config.Config
	hub       *Hub
	upgrader  websocket.Upgrader
	ctx       context.Context
	logger    *slog.Logger
}

// NewHandlers creates a new handlers instance. ctx bounds the lifetime of
// stream clients.
func NewHandlers(ctx context.Context, runner AuctionRunner, instances InstanceProvider, cfg config.Config, hub *Hub, logger *slog.Logger) *Handlers {
	h := &Handlers{
		runner:    runner,
		instances: instances,
		cfg:       cfg,
		hub:       hub,
		ctx:       ctx,
		logger:    logger.With("component", "api-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg.API, r.Host)
		},
	}
	return h
}

// isOriginAllowed admits requests without an Origin header, origins on the
// allowlist when one is configured, and otherwise local or same-host origins.
func isOriginAllowed(origin string, cfg config.APIConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		return slices.Contains(cfg.AllowedOrigins, origin)
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return u.Host == reqHost
}

// HandleHealth returns a simple health check response
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleInstance returns the current solver state
func (h *Handlers) HandleInstance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, BuildSnapshot(h.instances, h.cfg))
}

// HandleSolve runs the auction in the request body and returns its
// settlements.
func (h *Handlers) HandleSolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body AuctionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid auction: "+err.Error())
		return
	}
	req, err := body.ToRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid auction: "+err.Error())
		return
	}

	settlements, err := h.runner.Run(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, solver.ErrNoTimeLeft) || errors.Is(err, engine.ErrBudgetTooSmall) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		h.logger.Error("solve request failed", "auction_id", req.ID, "error", err)
		writeError(w, status, err.Error())
		return
	}

	if settlements == nil {
		settlements = []*settlement.Settlement{}
	}
	writeJSON(w, http.StatusOK, SolveResponse{AuctionID: req.ID, Settlements: settlements})
}

// HandleWebSocket upgrades the connection and creates a new WebSocket client
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	// Send initial snapshot to the client
	data, err := json.Marshal(NewSnapshotEvent(BuildSnapshot(h.instances, h.cfg)))
	if err != nil {
		h.logger.Error("failed to marshal initial snapshot", "error", err)
		conn.Close()
		return
	}

	NewClient(h.ctx, h.hub, conn, data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
