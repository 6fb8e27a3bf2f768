package presence

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/onnwee/presence-tracker/db"
	"github.com/onnwee/presence-tracker/telemetry"
	"github.com/onnwee/presence-tracker/tenant"
)

// Drainer runs one enrichment drain pass.
type Drainer interface {
	Drain(ctx context.Context) error
}

// StartPollJob runs reconciliation ticks for every registered tenant at the
// given interval until ctx is cancelled. Tenants are polled sequentially in
// stable order; one tenant's failure never reaches another's tick.
func StartPollJob(ctx context.Context, r *Reconciler, reg *tenant.Registry, interval time.Duration) {
	slog.Info("presence poll job starting", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("presence poll job stopped")
			return
		case <-ticker.C:
			tenants := reg.All()
			telemetry.SetTenants(len(tenants))
			for _, t := range tenants {
				if err := r.Tick(ctx, t); err != nil {
					_, channel := t.Channel()
					slog.Warn("presence tick failed",
						slog.String("channel", channel), slog.Any("err", err))
				}
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// StartEnrichJob drains the profile-enrichment queue at the given interval
// until ctx is cancelled.
func StartEnrichJob(ctx context.Context, d Drainer, interval time.Duration) {
	slog.Info("enrichment job starting", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("enrichment job stopped")
			return
		case <-ticker.C:
			if err := d.Drain(ctx); err != nil {
				slog.Warn("enrichment drain failed", slog.Any("err", err))
			}
		}
	}
}

// RetentionPolicy controls pruning of old presence events and closed sessions.
type RetentionPolicy struct {
	// KeepDays: rows older than this many days are pruned (0 = disabled)
	KeepDays int
	// Interval: how often the prune runs
	Interval time.Duration
}

// LoadRetentionPolicy reads the retention policy from environment variables.
func LoadRetentionPolicy() RetentionPolicy {
	policy := RetentionPolicy{Interval: 6 * time.Hour}
	if s := os.Getenv("RETENTION_KEEP_DAYS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			policy.KeepDays = n
		}
	}
	if s := os.Getenv("RETENTION_INTERVAL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			policy.Interval = d
		}
	}
	return policy
}

// StartRetentionJob periodically prunes presence events and closed sessions
// older than the configured window. Open sessions are never pruned.
func StartRetentionJob(ctx context.Context, dbc *sql.DB) {
	policy := LoadRetentionPolicy()
	if policy.KeepDays == 0 {
		slog.Info("retention job disabled (no policy configured)")
		return
	}

	slog.Info("retention job starting",
		slog.Int("keep_days", policy.KeepDays),
		slog.Duration("interval", policy.Interval))

	store := db.NewStore(dbc)
	run := func() {
		cutoff := time.Now().UTC().AddDate(0, 0, -policy.KeepDays)
		events, sessions, err := store.PruneOlderThan(ctx, cutoff)
		if err != nil {
			slog.Warn("retention prune failed", slog.Any("err", err))
			return
		}
		if events > 0 || sessions > 0 {
			slog.Info("retention prune complete",
				slog.Int64("events", events), slog.Int64("sessions", sessions))
		}
	}

	// Run immediately on start
	run()

	ticker := time.NewTicker(policy.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention job stopped")
			return
		case <-ticker.C:
			run()
		}
	}
}
