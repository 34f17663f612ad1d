package api

import (
	"time"

	"batch-solver/internal/config"
	"batch-solver/internal/solver"
)

// InstanceProvider exposes the cached instance
type InstanceProvider interface {
	Current() (solver.InstanceSummary, bool)
}

// BuildSnapshot aggregates the solver state into a snapshot
func BuildSnapshot(provider InstanceProvider, cfg config.Config) Snapshot {
	snapshot := Snapshot{
		Timestamp: time.Now(),
		Config:    NewConfigSummary(cfg),
	}
	if summary, ok := provider.Current(); ok {
		snapshot.Instance = &summary
	}
	return snapshot
}
