// Package control runs the background sweeps that keep the system
// self-healing without a client driving every transition: the
// heartbeat sweep, the stuck-task sweep, and idempotency-key GC
// (spec.md §4.6), plus an event-retention sweep when an event bus is
// supplied. Each sweep is an independently cancellable
// ticker loop, generalized from internal/server.go's backgroundTasks
// method (a single 30s ticker multiplexing checkAlerts/
// checkAgentHealth/TakeSnapshot over one stopChan) into one ticker per
// concern so a slow sweep never delays another's cadence.
package control

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/taskforge/coordinator/internal/alerting"
	"github.com/taskforge/coordinator/internal/dispatcher"
	"github.com/taskforge/coordinator/internal/eventbus"
	"github.com/taskforge/coordinator/internal/store"
	"github.com/taskforge/coordinator/internal/tasks"
)

// Config holds the sweep cadences and the global fallback timeout used
// when neither a task nor its type default specifies one.
type Config struct {
	HeartbeatInterval     time.Duration
	HeartbeatCutoff       time.Duration
	StuckSweepInterval    time.Duration
	DefaultTimeout        time.Duration
	IdempotencyGCInterval time.Duration
	IdempotencyTTL        time.Duration
	IdempotencyGCBatch    int
	// EventRetentionInterval and EventRetentionAge govern how often
	// and how far back delivered bus events are purged. Only takes
	// effect when New is given a non-nil *eventbus.Bus.
	EventRetentionInterval time.Duration
	EventRetentionAge      time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 60 * time.Second
	}
	if c.HeartbeatCutoff == 0 {
		c.HeartbeatCutoff = 90 * time.Second
	}
	if c.StuckSweepInterval == 0 {
		c.StuckSweepInterval = time.Minute
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = 30 * time.Minute
	}
	if c.IdempotencyGCInterval == 0 {
		c.IdempotencyGCInterval = time.Hour
	}
	if c.IdempotencyTTL == 0 {
		c.IdempotencyTTL = 24 * time.Hour
	}
	if c.IdempotencyGCBatch == 0 {
		c.IdempotencyGCBatch = 500
	}
	if c.EventRetentionInterval == 0 {
		c.EventRetentionInterval = time.Hour
	}
	if c.EventRetentionAge == 0 {
		c.EventRetentionAge = 72 * time.Hour
	}
	return c
}

// Loops owns the background sweeps and the subsystems they operate
// against. alerts and bus are both optional: when nil, the sweeps that
// depend on them (notification fan-out, event retention) simply don't
// run.
type Loops struct {
	cfg    Config
	store  *store.Store
	disp   *dispatcher.Dispatcher
	alerts *alerting.Manager
	bus    *eventbus.Bus
	logger *log.Logger
}

func New(s *store.Store, d *dispatcher.Dispatcher, cfg Config, alerts *alerting.Manager, bus *eventbus.Bus, logger *log.Logger) *Loops {
	if logger == nil {
		logger = log.Default()
	}
	return &Loops{cfg: cfg.withDefaults(), store: s, disp: d, alerts: alerts, bus: bus, logger: logger}
}

// Run starts every sweep and blocks until ctx is cancelled.
func (l *Loops) Run(ctx context.Context) {
	n := 3
	if l.bus != nil {
		n++
	}
	done := make(chan struct{}, n)
	go func() { l.runHeartbeatSweep(ctx); done <- struct{}{} }()
	go func() { l.runStuckTaskSweep(ctx); done <- struct{}{} }()
	go func() { l.runIdempotencyGC(ctx); done <- struct{}{} }()
	if l.bus != nil {
		go func() { l.runEventRetentionSweep(ctx); done <- struct{}{} }()
	}
	for i := 0; i < n; i++ {
		<-done
	}
}

func (l *Loops) runHeartbeatSweep(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-l.cfg.HeartbeatCutoff)
			names, err := l.store.MarkOffline(ctx, cutoff)
			if err != nil {
				l.logger.Printf("[control] heartbeat sweep: %v", err)
				continue
			}
			for _, n := range names {
				l.logger.Printf("[control] agent %q marked offline (no heartbeat since %s)", n, cutoff.Format(time.RFC3339))
				if l.alerts != nil {
					l.alerts.AgentOffline(n)
				}
			}
		}
	}
}

func (l *Loops) runStuckTaskSweep(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.StuckSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.sweepStuckTasks(ctx); err != nil {
				l.logger.Printf("[control] stuck-task sweep: %v", err)
			}
		}
	}
}

func (l *Loops) sweepStuckTasks(ctx context.Context) error {
	running, err := l.store.ListRunningTasks(ctx)
	if err != nil {
		return err
	}

	defaults := make(map[tasks.Type]*tasks.TypeDefaults)

	now := time.Now().UTC()
	for _, rt := range running {
		if !rt.StartedAt.Valid {
			continue
		}
		timeout, err := l.effectiveTimeout(ctx, rt.TaskType, rt.TimeoutMinutes, defaults)
		if err != nil {
			l.logger.Printf("[control] effective timeout lookup for task %d: %v", rt.ID, err)
			continue
		}
		if now.Sub(rt.StartedAt.Time) <= timeout {
			continue
		}

		runningFor := now.Sub(rt.StartedAt.Time)
		if err := l.reclaimStuck(ctx, rt.ID); err != nil {
			l.logger.Printf("[control] reclaim stuck task %d: %v", rt.ID, err)
			continue
		}
		l.logger.Printf("[control] reclaimed stuck task %d (running %s, timeout %s)", rt.ID, runningFor, timeout)
		if l.alerts != nil {
			l.alerts.TaskStuck(rt.ID, runningFor)
		}
	}
	return nil
}

// effectiveTimeout resolves task.timeout_minutes -> task_type_defaults
// -> DefaultTimeout, caching per-type lookups for the sweep's duration
// (spec.md §4.6). taskTimeoutMinutes is the task's own override, if any,
// and always wins over the type default and the global fallback.
func (l *Loops) effectiveTimeout(ctx context.Context, taskType tasks.Type, taskTimeoutMinutes *int, cache map[tasks.Type]*tasks.TypeDefaults) (time.Duration, error) {
	if taskTimeoutMinutes != nil {
		return time.Duration(*taskTimeoutMinutes) * time.Minute, nil
	}

	if d, ok := cache[taskType]; ok {
		if d != nil {
			return time.Duration(d.TimeoutMinutes) * time.Minute, nil
		}
		return l.cfg.DefaultTimeout, nil
	}

	d, err := l.store.GetTypeDefaults(ctx, taskType)
	if err != nil {
		return 0, err
	}
	cache[taskType] = d
	if d != nil {
		return time.Duration(d.TimeoutMinutes) * time.Minute, nil
	}
	return l.cfg.DefaultTimeout, nil
}

func (l *Loops) reclaimStuck(ctx context.Context, taskID int64) error {
	return l.store.Tx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRow(`SELECT `+store.TaskColumns+` FROM tasks WHERE id = ?`, taskID)
		t, err := store.ScanTaskRow(row)
		if err != nil {
			return err
		}
		if t.Status != tasks.StatusRunning {
			return nil
		}
		return dispatcher.ReclaimRunningTx(tx, t, "control")
	})
}

// runEventRetentionSweep purges delivered bus events older than
// EventRetentionAge, bounding how large the events table grows over a
// long-lived daemon's lifetime. It's a no-op when the Bus has no
// durable store configured (eventbus.Bus.PurgeDelivered handles that).
func (l *Loops) runEventRetentionSweep(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.EventRetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.bus.PurgeDelivered(l.cfg.EventRetentionAge); err != nil {
				l.logger.Printf("[control] event retention sweep: %v", err)
			}
		}
	}
}

func (l *Loops) runIdempotencyGC(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.IdempotencyGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := l.store.PurgeIdempotencyKeys(ctx, l.cfg.IdempotencyTTL, l.cfg.IdempotencyGCBatch)
			if err != nil {
				l.logger.Printf("[control] idempotency GC: %v", err)
				continue
			}
			if removed > 0 {
				l.logger.Printf("[control] idempotency GC removed %d expired key(s)", removed)
			}
		}
	}
}
