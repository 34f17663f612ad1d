package driver

import "time"

// EventType names a step of an auction run.
type EventType string

const (
	EventAuctionReceived EventType = "auction_received"
	EventOrdersFiltered  EventType = "orders_filtered"
	EventAuctionSkipped  EventType = "auction_skipped"
	EventAuctionSolved   EventType = "auction_solved"
	EventAuctionFailed   EventType = "auction_failed"
)

// Event is emitted for every step of an auction run.
type Event struct {
	Type      EventType
	Time      time.Time
	AuctionID uint64
	Data      any
}

// AuctionReceived describes the raw auction before any filtering.
type AuctionReceived struct {
	Orders    int       `json:"orders"`
	Liquidity int       `json:"liquidity"`
	Deadline  time.Time `json:"deadline"`
}

// OrdersFiltered reports how many orders survived the fee filter.
type OrdersFiltered struct {
	Before int `json:"before"`
	After  int `json:"after"`
}

// AuctionSkipped is emitted when nothing in the auction is worth solving.
type AuctionSkipped struct {
	Reason string `json:"reason"`
}

// AuctionSolved summarizes the settlements found for an auction.
type AuctionSolved struct {
	Settlements int     `json:"settlements"`
	Trades      int     `json:"trades"`
	Swaps       int     `json:"swaps"`
	Approvals   int     `json:"approvals"`
	DurationSec float64 `json:"duration_sec"`
}

// AuctionFailed carries the stage that failed and its error.
type AuctionFailed struct {
	Stage string `json:"stage"`
	Error string `json:"error"`
}
