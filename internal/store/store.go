// Package store persists entry plans. PostgreSQL is the source of truth the
// engine recovers from after a restart; Redis mirrors live snapshots for
// dashboards and an active/standby pair; the memory store backs tests and
// dry-run mode.
package store

import (
	"context"
	"time"

	"ladder-trading-bot/internal/plan"
)

// Store is the plan persistence contract the engine depends on.
type Store interface {
	// Save upserts a plan. Called after every state change.
	Save(ctx context.Context, p *plan.EntryPlan) error

	// Delete removes a plan permanently.
	Delete(ctx context.Context, planID string) error

	// LoadActive returns all non-terminal plans, for startup recovery.
	LoadActive(ctx context.Context) ([]*plan.EntryPlan, error)

	// ListByUser returns a user's plans, optionally including terminal ones.
	ListByUser(ctx context.Context, userID string, includeTerminal bool) ([]*plan.EntryPlan, error)

	// PurgeTerminal deletes terminal plans older than the retention window
	// and returns how many were removed.
	PurgeTerminal(ctx context.Context, olderThan time.Duration) (int, error)
}
