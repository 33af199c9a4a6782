package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leozw/partner-guardian/internal/checks"
	"github.com/leozw/partner-guardian/internal/core"
	"github.com/leozw/partner-guardian/internal/health"
)

// Worker collects one partner at a time: fetch, classify, persist, alert.
type Worker struct {
	store           Store
	source          checks.Source
	alerts          AlertEvaluator
	metrics         Recorder
	logger          *zap.Logger
	syncRemoteLimit bool
	now             func() time.Time
}

func NewWorker(store Store, source checks.Source, alerts AlertEvaluator, metrics Recorder, logger *zap.Logger, syncRemoteLimit bool) *Worker {
	return &Worker{
		store:           store,
		source:          source,
		alerts:          alerts,
		metrics:         metrics,
		logger:          logger,
		syncRemoteLimit: syncRemoteLimit,
		now:             time.Now,
	}
}

// Process collects p and returns the snapshot it stored. It never fails: a
// partner that cannot be reached yields an ERROR snapshot.
func (w *Worker) Process(ctx context.Context, p *core.Partner, settings core.Settings) *core.Snapshot {
	start := w.now()
	logger := w.logger.With(zap.String("partner_id", p.ID), zap.String("partner_name", p.Name))

	if err := w.store.UpdateSyncStatus(ctx, p.ID, core.SyncInProgress, nil, start); err != nil {
		logger.Warn("Failed to mark sync in progress", zap.Error(err))
	}

	fetchCtx, cancel := context.WithTimeout(ctx, settings.ConnectionTimeout()+settings.QueryTimeout())
	m, fetchErr := w.source.Fetch(fetchCtx, p)
	cancel()
	elapsed := w.now().Sub(start)

	if w.metrics != nil {
		w.metrics.RecordFetch(p, fetchErr == nil, elapsed)
	}
	w.logConnection(ctx, p, fetchErr, elapsed)

	snap := &core.Snapshot{
		ID:              uuid.New().String(),
		PartnerID:       p.ID,
		SnapshotTime:    w.now(),
		DataFetchTimeMs: int(elapsed.Milliseconds()),
	}

	if fetchErr != nil {
		msg := fetchErr.Error()
		snap.CollectorError = &msg
		snap.ConcurrencyLimit = p.ConcurrencyLimit
		logger.Error("Failed to fetch partner metrics", zap.Error(fetchErr))
		if err := w.store.UpdateSyncStatus(ctx, p.ID, core.SyncFailed, &msg, snap.SnapshotTime); err != nil {
			logger.Warn("Failed to record sync failure", zap.Error(err))
		}
	} else {
		w.pullRemoteLimit(ctx, p, m, logger)

		snap.CampaignsToday = m.CampaignsToday
		snap.RunningCampaigns = m.RunningCampaigns
		snap.ActiveCalls = m.ActiveCalls
		snap.QueuedCalls = m.QueuedCalls
		snap.CompletedCallsToday = m.CompletedCallsToday
		snap.RemainingCalls = m.RemainingCalls
		snap.ConcurrencyLimit = p.ConcurrencyLimit
		snap.UtilizationPercent = health.Utilization(m.ActiveCalls, p.ConcurrencyLimit)

		if err := w.store.UpdateSyncStatus(ctx, p.ID, core.SyncSuccess, nil, snap.SnapshotTime); err != nil {
			logger.Warn("Failed to record sync success", zap.Error(err))
		}
	}

	level, message := health.Classify(*snap, health.ThresholdsFromSettings(settings))
	snap.AlertLevel = level
	snap.AlertMessage = &message

	if err := w.store.SaveSnapshot(ctx, snap); err != nil {
		logger.Error("Failed to save snapshot", zap.Error(err))
	}
	if w.metrics != nil {
		w.metrics.RecordSnapshot(p, snap)
	}
	if w.alerts != nil {
		if err := w.alerts.Evaluate(ctx, p, snap, settings); err != nil {
			logger.Error("Failed to process alert", zap.Error(err))
		}
	}

	logger.Debug("Partner collected",
		zap.String("alert_level", level.String()),
		zap.Int("active_calls", snap.ActiveCalls),
		zap.Int("queued_calls", snap.QueuedCalls),
		zap.Duration("elapsed", elapsed),
	)
	return snap
}

// pullRemoteLimit adopts the tenant's own limit when it differs from ours.
func (w *Worker) pullRemoteLimit(ctx context.Context, p *core.Partner, m *checks.Metrics, logger *zap.Logger) {
	if !w.syncRemoteLimit || m.RemoteLimit == nil || *m.RemoteLimit == p.ConcurrencyLimit {
		return
	}

	remote := *m.RemoteLimit
	if err := w.store.UpdatePartnerLimit(ctx, p.ID, remote); err != nil {
		logger.Warn("Failed to adopt partner concurrency", zap.Error(err))
		return
	}

	logger.Info("Adopted concurrency from partner",
		zap.Int("old_limit", p.ConcurrencyLimit),
		zap.Int("new_limit", remote),
	)
	p.ConcurrencyLimit = remote
	if w.metrics != nil {
		w.metrics.RecordConcurrencyChange(p, "tenant", true)
	}
}

func (w *Worker) logConnection(ctx context.Context, p *core.Partner, fetchErr error, elapsed time.Duration) {
	entry := &core.ConnectionLogEntry{
		ID:               uuid.New().String(),
		PartnerID:        p.ID,
		ConnectionStatus: core.ConnectionSuccess,
		ResponseTimeMs:   int(elapsed.Milliseconds()),
		QueryType:        "fetch",
		Timestamp:        w.now(),
	}
	if fetchErr != nil {
		msg := fetchErr.Error()
		entry.ConnectionStatus = core.ConnectionFailure
		entry.ErrorMessage = &msg
	}
	if err := w.store.SaveConnectionLog(ctx, entry); err != nil {
		w.logger.Warn("Failed to save connection log", zap.String("partner_id", p.ID), zap.Error(err))
	}
}
