package api

import (
	"time"

	"batch-solver/internal/driver"
)

// StreamEvent is the wrapper for all events sent to stream clients
type StreamEvent struct {
	Type      string    `json:"type"`                 // "snapshot" or a driver event type
	Timestamp time.Time `json:"timestamp"`            // Event time
	AuctionID uint64    `json:"auction_id,omitempty"` // Zero for snapshots
	Data      any       `json:"data"`                 // Event-specific payload
}

// NewStreamEvent wraps a driver event for the stream.
func NewStreamEvent(evt driver.Event) StreamEvent {
	return StreamEvent{
		Type:      string(evt.Type),
		Timestamp: evt.Time,
		AuctionID: evt.AuctionID,
		Data:      evt.Data,
	}
}

// NewSnapshotEvent wraps a snapshot for the stream.
func NewSnapshotEvent(snapshot Snapshot) StreamEvent {
	return StreamEvent{
		Type:      "snapshot",
		Timestamp: snapshot.Timestamp,
		Data:      snapshot,
	}
}
