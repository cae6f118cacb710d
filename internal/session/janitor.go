package session

import (
	"context"
	"time"

	"github.com/arture/agentstream/internal/logging"
)

const (
	// DefaultMaxAge is how long an idle session survives.
	DefaultMaxAge = time.Hour
	// DefaultSweepInterval is how often the janitor runs.
	DefaultSweepInterval = 5 * time.Minute
)

// Janitor periodically evicts stale sessions from a store.
type Janitor struct {
	store    *Store
	interval time.Duration
	maxAge   time.Duration
}

// NewJanitor creates a janitor for store. Non-positive durations fall
// back to the defaults.
func NewJanitor(store *Store, interval, maxAge time.Duration) *Janitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Janitor{store: store, interval: interval, maxAge: maxAge}
}

// Run sweeps until ctx is cancelled. Safe to run concurrently with
// active sessions: the sweep only removes sessions already idle past
// the threshold.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	logging.Debug().
		Dur("interval", j.interval).
		Dur("maxAge", j.maxAge).
		Msg("session janitor started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.store.EvictStale(j.maxAge)
		}
	}
}
