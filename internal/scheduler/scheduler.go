package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/leozw/partner-guardian/internal/checks"
	"github.com/leozw/partner-guardian/internal/config"
	"github.com/leozw/partner-guardian/internal/core"
)

// snapshotRetention is how long raw snapshots are kept.
const snapshotRetention = 7 * 24 * time.Hour

// Store is the subset of the repository the collector needs.
type Store interface {
	ListPartners(ctx context.Context, activeOnly bool) ([]*core.Partner, error)
	GetPartner(ctx context.Context, id string) (*core.Partner, error)
	LoadSettings(ctx context.Context) (core.Settings, error)
	SaveSnapshot(ctx context.Context, s *core.Snapshot) error
	SaveConnectionLog(ctx context.Context, l *core.ConnectionLogEntry) error
	UpdateSyncStatus(ctx context.Context, id string, status core.SyncStatus, errMsg *string, at time.Time) error
	UpdatePartnerLimit(ctx context.Context, id string, limit int) error
	PruneSnapshots(ctx context.Context, before time.Time) (int64, error)
}

type AlertEvaluator interface {
	Evaluate(ctx context.Context, p *core.Partner, snap *core.Snapshot, settings core.Settings) error
}

type Recorder interface {
	RecordSnapshot(p *core.Partner, s *core.Snapshot)
	RecordFetch(p *core.Partner, success bool, duration time.Duration)
	RecordPartnerCounts(total, active int)
	RecordConcurrencyChange(p *core.Partner, source string, synced bool)
}

// RunSummary describes one collection cycle.
type RunSummary struct {
	Partners  int           `json:"partners"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"-"`
}

type Scheduler struct {
	store   Store
	metrics Recorder
	logger  *zap.Logger
	config  config.CollectorConfig
	worker  *Worker

	// cycle serializes collection cycles; a manual refresh waits for the
	// timer-driven one in progress.
	cycle sync.Mutex
}

func NewScheduler(store Store, source checks.Source, alerts AlertEvaluator, metrics Recorder, logger *zap.Logger, cfg config.CollectorConfig) *Scheduler {
	return &Scheduler{
		store:   store,
		metrics: metrics,
		logger:  logger,
		config:  cfg,
		worker:  NewWorker(store, source, alerts, metrics, logger, cfg.SyncRemoteLimit),
	}
}

// Start runs a cycle immediately and then every configured interval until
// ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	interval := s.config.Interval
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	s.logger.Info("Starting scheduler", zap.Duration("interval", interval))

	s.runCycle(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping scheduler")
			return
		case <-ticker.C:
			s.runCycle(ctx)
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	summary, err := s.FetchAll(ctx)
	if err != nil {
		s.logger.Error("Collection cycle failed", zap.Error(err))
		return
	}
	s.logger.Info("Collection cycle completed",
		zap.Int("partners", summary.Partners),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", summary.Duration),
	)

	if _, err := s.store.PruneSnapshots(ctx, time.Now().Add(-snapshotRetention)); err != nil {
		s.logger.Warn("Failed to prune snapshots", zap.Error(err))
	}
}

// FetchAll collects every active partner, at most concurrentPartnerLimit at
// a time. Individual partner failures are recorded as ERROR snapshots and
// counted, not returned.
func (s *Scheduler) FetchAll(ctx context.Context) (RunSummary, error) {
	s.cycle.Lock()
	defer s.cycle.Unlock()

	start := time.Now()
	settings := s.loadSettings(ctx)

	partners, err := s.store.ListPartners(ctx, false)
	if err != nil {
		return RunSummary{}, err
	}

	active := make([]*core.Partner, 0, len(partners))
	for _, p := range partners {
		if p.IsActive {
			active = append(active, p)
		}
	}
	if s.metrics != nil {
		s.metrics.RecordPartnerCounts(len(partners), len(active))
	}

	s.logger.Debug("Fetching partners", zap.Int("count", len(active)))

	var mu sync.Mutex
	summary := RunSummary{Partners: len(active)}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(settings.ConcurrentPartnerLimit())
	for _, p := range active {
		g.Go(func() error {
			snap := s.worker.Process(gctx, p, settings)
			mu.Lock()
			if snap.Failed() {
				summary.Failed++
			} else {
				summary.Succeeded++
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	summary.Duration = time.Since(start)
	return summary, nil
}

// ForceSync collects a single partner regardless of its active flag.
func (s *Scheduler) ForceSync(ctx context.Context, partnerID string) (*core.Snapshot, error) {
	p, err := s.store.GetPartner(ctx, partnerID)
	if err != nil {
		return nil, err
	}
	return s.worker.Process(ctx, p, s.loadSettings(ctx)), nil
}

func (s *Scheduler) loadSettings(ctx context.Context) core.Settings {
	settings, err := s.store.LoadSettings(ctx)
	if err != nil {
		s.logger.Warn("Failed to load settings, using defaults", zap.Error(err))
		return core.DefaultSettings()
	}
	return settings
}
