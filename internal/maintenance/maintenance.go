// Package maintenance owns the recurring upkeep jobs: retention pruning,
// best-line refresh sweeps, factor model rebuilds, and the one-shot
// bookmaker-name backfill. Wall-clock schedules fire through cron; the
// executions themselves run on the task scheduler so they are tracked,
// single-flighted, and cancellable.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/parlaylab/parlay-core/internal/correlation"
	"github.com/parlaylab/parlay-core/internal/oddsstore"
	"github.com/parlaylab/parlay-core/internal/scheduler"
	"github.com/parlaylab/parlay-core/pkg/config"
	"github.com/parlaylab/parlay-core/pkg/logger"
)

const (
	taskPrune           = "maintenance.prune"
	taskBestLineRefresh = "maintenance.best_line_refresh"
	taskFactorRebuild   = "maintenance.factor_rebuild"
	taskNameBackfill    = "maintenance.bookmaker_name_backfill"

	// factorWindow selects which props are active enough to model.
	factorWindow = 24 * time.Hour
)

// Manager registers and schedules the upkeep jobs.
type Manager struct {
	store     *oddsstore.Store
	corr      *correlation.Engine
	scheduler *scheduler.Scheduler
	cron      *cron.Cron
	cfg       *config.Config
	log       *logrus.Entry
}

// NewManager wires the maintenance jobs.
func NewManager(store *oddsstore.Store, corr *correlation.Engine, sched *scheduler.Scheduler, cfg *config.Config) *Manager {
	return &Manager{
		store:     store,
		corr:      corr,
		scheduler: sched,
		cron:      cron.New(),
		cfg:       cfg,
		log:       logger.WithComponent("maintenance"),
	}
}

// Start registers the task definitions, schedules them on cron, and fires
// the one-shot backfill.
func (m *Manager) Start() error {
	m.scheduler.Register(taskPrune, m.prune, 2, time.Minute, 5*time.Minute)
	m.scheduler.Register(taskBestLineRefresh, m.refreshBestLines, 1, 30*time.Second, 2*time.Minute)
	m.scheduler.Register(taskFactorRebuild, m.rebuildFactorModels, 1, 5*time.Minute, 10*time.Minute)
	m.scheduler.Register(taskNameBackfill, m.backfillBookmakerNames, 2, time.Minute, time.Minute)

	entries := []struct {
		spec string
		task string
	}{
		{m.everySpec(m.cfg.Maintenance.PruneInterval), taskPrune},
		{m.everySpec(m.cfg.Maintenance.BestLineRefresh), taskBestLineRefresh},
		{m.everySpec(m.cfg.Maintenance.FactorRebuild), taskFactorRebuild},
	}
	for _, e := range entries {
		task := e.task
		if _, err := m.cron.AddFunc(e.spec, func() { m.fire(task) }); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", task, err)
		}
	}
	m.cron.Start()

	// Denormalized names only need filling once per deploy.
	if _, err := m.scheduler.ScheduleOnce(taskNameBackfill, 30*time.Second); err != nil {
		m.log.WithError(err).Warn("Failed to schedule bookmaker name backfill")
	}

	m.log.WithFields(logrus.Fields{
		"prune":             m.cfg.Maintenance.PruneInterval,
		"best_line_refresh": m.cfg.Maintenance.BestLineRefresh,
		"factor_rebuild":    m.cfg.Maintenance.FactorRebuild,
	}).Info("Maintenance jobs scheduled")
	return nil
}

// Stop halts the cron triggers. In-flight executions drain through the
// scheduler's own shutdown.
func (m *Manager) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

func (m *Manager) everySpec(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}

// fire hands a job to the scheduler; single-flight there suppresses
// overlapping triggers.
func (m *Manager) fire(task string) {
	if _, err := m.scheduler.RunNow(task); err != nil {
		m.log.WithError(err).WithField("task", task).Warn("Maintenance trigger rejected")
	}
}

// prune enforces the snapshot and history retention windows.
func (m *Manager) prune(ctx context.Context) (interface{}, error) {
	snapshots, err := m.store.PruneSnapshots(ctx, m.cfg.Retention.Snapshots)
	if err != nil {
		return nil, err
	}
	history, err := m.store.PruneHistory(ctx, m.cfg.Retention.History)
	if err != nil {
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"snapshots": snapshots,
		"history":   history,
	}).Info("Retention pruning completed")
	return map[string]int64{"snapshots": snapshots, "history": history}, nil
}

// refreshBestLines recomputes aggregates for every recently active prop.
func (m *Manager) refreshBestLines(ctx context.Context) (interface{}, error) {
	active, err := m.store.ActiveProps(ctx, time.Hour)
	if err != nil {
		return nil, err
	}

	refreshed, failed := 0, 0
	for _, propIDs := range active {
		for _, propID := range propIDs {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if _, err := m.store.RefreshBestLine(ctx, propID); err != nil {
				failed++
				m.log.WithError(err).WithField("prop_id", propID).Debug("Best-line refresh failed")
				continue
			}
			refreshed++
		}
	}

	m.log.WithFields(logrus.Fields{
		"refreshed": refreshed,
		"failed":    failed,
	}).Info("Best-line sweep completed")
	return map[string]int{"refreshed": refreshed, "failed": failed}, nil
}

// rebuildFactorModels refreshes one factor model per active sport.
func (m *Manager) rebuildFactorModels(ctx context.Context) (interface{}, error) {
	active, err := m.store.ActiveProps(ctx, factorWindow)
	if err != nil {
		return nil, err
	}

	rebuilt := 0
	for sport, propIDs := range active {
		if len(propIDs) < 2 {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if _, err := m.corr.BuildFactorModel(ctx, correlation.FactorRequest{
			Sport:   sport,
			PropIDs: propIDs,
		}); err != nil {
			m.log.WithError(err).WithField("sport", sport).Warn("Factor rebuild failed")
			continue
		}
		rebuilt++
	}
	return map[string]int{"rebuilt": rebuilt}, nil
}

// backfillBookmakerNames fills missing denormalized names on aggregates.
func (m *Manager) backfillBookmakerNames(ctx context.Context) (interface{}, error) {
	filled, err := m.store.BackfillBookmakerNames(ctx)
	if err != nil {
		return nil, err
	}
	if filled > 0 {
		m.log.WithField("rows", filled).Info("Bookmaker names backfilled")
	}
	return map[string]int64{"rows": filled}, nil
}
