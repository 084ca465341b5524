// Package stats computes the read-only snapshot served to a dashboard
// WebSocket client the moment it connects, ahead of the live event
// stream it then receives from the event bus.
package stats

import (
	"context"
	"fmt"

	"github.com/novahub/nova-hub/internal/catalog"
)

// Store is the subset of catalog.Store the snapshot depends on.
type Store interface {
	CountOpenAlerts(ctx context.Context) (int, error)
	GetProcessingRun(ctx context.Context, id int64) (*catalog.ProcessingRun, error)
}

// Snapshot is the initial_stats payload sent once per dashboard
// connection.
type Snapshot struct {
	OpenAlerts     int    `json:"open_alerts"`
	LastRunID      int64  `json:"last_run_id,omitempty"`
	LastRunStatus  string `json:"last_run_status,omitempty"`
	// PacketsToday is the PacketsProcessed count of the last run passed
	// to NoteRun; it is not a calendar-day total.
	PacketsToday   int    `json:"packets_processed_today,omitempty"`
}

// Aggregator builds a Snapshot on demand from the catalog.
type Aggregator struct {
	store     Store
	lastRunID int64
}

func New(store Store) *Aggregator {
	return &Aggregator{store: store}
}

// NoteRun records the most recently completed run's ID, so Snapshot
// can report its terminal status without a dedicated "latest run"
// query.
func (a *Aggregator) NoteRun(runID int64) {
	a.lastRunID = runID
}

func (a *Aggregator) Snapshot(ctx context.Context) (Snapshot, error) {
	open, err := a.store.CountOpenAlerts(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("count open alerts: %w", err)
	}
	snap := Snapshot{OpenAlerts: open}

	if a.lastRunID != 0 {
		run, err := a.store.GetProcessingRun(ctx, a.lastRunID)
		if err == nil && run != nil {
			snap.LastRunID = run.ID
			snap.LastRunStatus = string(run.Status)
			snap.PacketsToday = run.PacketsProcessed
		}
	}
	return snap, nil
}
