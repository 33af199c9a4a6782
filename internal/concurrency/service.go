package concurrency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leozw/partner-guardian/internal/apperr"
	"github.com/leozw/partner-guardian/internal/core"
	"github.com/leozw/partner-guardian/internal/db"
)

const (
	DefaultSuggestion = 10
	minSuggestion     = 5
	maxSuggestion     = core.MaxConcurrencyLimit
)

type Store interface {
	ApplyConcurrencyChange(ctx context.Context, partnerID string, newLimit int, entry *core.ConcurrencyHistoryEntry) (*core.Partner, error)
	MarkHistorySynced(ctx context.Context, id string, synced bool, syncErr *string, at *time.Time) error
	LatestSnapshot(ctx context.Context, partnerID string) (*core.Snapshot, error)
	SetPauseNonPriority(ctx context.Context, partnerID string, enabled bool) (*core.Partner, error)
}

// Pusher writes settings to the partner tenant, which remains the system of
// record for them.
type Pusher interface {
	ApplyConcurrency(ctx context.Context, p *core.Partner, newLimit int) (string, error)
	ApplyPauseNonPriority(ctx context.Context, p *core.Partner, enabled bool) (string, error)
}

type Recorder interface {
	RecordConcurrencyChange(p *core.Partner, source string, synced bool)
}

type Service struct {
	store   Store
	pusher  Pusher
	metrics Recorder
	logger  *zap.Logger
}

func NewService(store Store, pusher Pusher, metrics Recorder, logger *zap.Logger) *Service {
	return &Service{
		store:   store,
		pusher:  pusher,
		metrics: metrics,
		logger:  logger,
	}
}

// Update changes a partner's limit, appends a history entry and pushes the
// new limit to the tenant. A failed push does not undo the change; it is
// reported through SyncedToPartner and the history entry.
func (s *Service) Update(ctx context.Context, partnerID string, upd core.ConcurrencyUpdate, changedBy string) (*core.ConcurrencyResult, error) {
	const op = "concurrency.update"

	if !core.ValidConcurrencyLimit(upd.NewLimit) {
		return nil, apperr.Validation(op, "concurrency limit must be between %d and %d",
			core.MinConcurrencyLimit, core.MaxConcurrencyLimit)
	}

	entry := &core.ConcurrencyHistoryEntry{
		ID:        uuid.New().String(),
		Reason:    upd.Reason,
		ChangedBy: changedBy,
	}
	partner, err := s.store.ApplyConcurrencyChange(ctx, partnerID, upd.NewLimit, entry)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		return nil, apperr.New(apperr.KindWriteFailure, op, fmt.Errorf("failed to apply change: %w", err))
	}

	syncMessage, pushErr := s.pusher.ApplyConcurrency(ctx, partner, upd.NewLimit)
	now := time.Now()
	if pushErr != nil {
		msg := pushErr.Error()
		entry.SyncError = &msg
		syncMessage = msg
		s.logger.Warn("Failed to sync concurrency to partner",
			zap.String("partner_id", partnerID),
			zap.Error(pushErr),
		)
	} else {
		entry.SyncedToPartner = true
		entry.SyncedAt = &now
	}

	if err := s.store.MarkHistorySynced(ctx, entry.ID, entry.SyncedToPartner, entry.SyncError, entry.SyncedAt); err != nil {
		s.logger.Error("Failed to record sync outcome",
			zap.String("history_id", entry.ID),
			zap.Error(err),
		)
	}

	if s.metrics != nil {
		s.metrics.RecordConcurrencyChange(partner, "operator", entry.SyncedToPartner)
	}

	s.logger.Info("Concurrency updated",
		zap.String("partner_id", partnerID),
		zap.Int("old_limit", entry.OldLimit),
		zap.Int("new_limit", entry.NewLimit),
		zap.Bool("synced", entry.SyncedToPartner),
	)

	return &core.ConcurrencyResult{
		Success:         true,
		Message:         fmt.Sprintf("Concurrency updated from %d to %d", entry.OldLimit, entry.NewLimit),
		Partner:         *partner,
		History:         *entry,
		SyncedToPartner: entry.SyncedToPartner,
		SyncMessage:     syncMessage,
	}, nil
}

// UpdateMany applies one limit to each listed partner in order. Every partner
// gets its own history entry; a failure for one partner is reported in its
// item and does not stop the others.
func (s *Service) UpdateMany(ctx context.Context, upd core.BulkConcurrencyUpdate, changedBy string) ([]core.BulkConcurrencyItem, error) {
	const op = "concurrency.bulk_update"

	if len(upd.PartnerIDs) == 0 {
		return nil, apperr.Validation(op, "partnerIds must not be empty")
	}
	if !core.ValidConcurrencyLimit(upd.NewLimit) {
		return nil, apperr.Validation(op, "concurrency limit must be between %d and %d",
			core.MinConcurrencyLimit, core.MaxConcurrencyLimit)
	}

	seen := make(map[string]bool, len(upd.PartnerIDs))
	items := make([]core.BulkConcurrencyItem, 0, len(upd.PartnerIDs))
	for _, id := range upd.PartnerIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		item := core.BulkConcurrencyItem{PartnerID: id}
		res, err := s.Update(ctx, id, core.ConcurrencyUpdate{NewLimit: upd.NewLimit, Reason: upd.Reason}, changedBy)
		switch {
		case errors.Is(err, db.ErrNotFound):
			item.Error = "partner not found"
		case err != nil:
			item.Error = err.Error()
		default:
			item.Success = true
			item.Result = res
		}
		items = append(items, item)
	}

	s.logger.Info("Bulk concurrency update",
		zap.Int("partners", len(items)),
		zap.Int("new_limit", upd.NewLimit),
	)
	return items, nil
}

// SetPauseNonPriority stores the toggle and pushes it to the tenant. As with
// limits, a failed push keeps the stored value and is reported in the result.
func (s *Service) SetPauseNonPriority(ctx context.Context, partnerID string, enabled bool, changedBy string) (*core.PauseNonPriorityResult, error) {
	const op = "concurrency.pause_non_priority"

	partner, err := s.store.SetPauseNonPriority(ctx, partnerID, enabled)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		return nil, apperr.New(apperr.KindWriteFailure, op, fmt.Errorf("failed to store toggle: %w", err))
	}

	state := "disabled"
	if enabled {
		state = "enabled"
	}
	res := &core.PauseNonPriorityResult{
		Success: true,
		Message: "pauseNonPriorityCampaigns " + state,
		Partner: *partner,
	}

	if _, err := s.pusher.ApplyPauseNonPriority(ctx, partner, enabled); err != nil {
		msg := err.Error()
		res.SyncError = &msg
		res.Message += " in admin only"
		s.logger.Warn("Failed to sync pauseNonPriorityCampaigns to partner",
			zap.String("partner_id", partnerID),
			zap.Error(err),
		)
	} else {
		res.SyncedToPartner = true
	}

	s.logger.Info("Non-priority campaign pause updated",
		zap.String("partner_id", partnerID),
		zap.Bool("enabled", enabled),
		zap.String("changed_by", changedBy),
		zap.Bool("synced", res.SyncedToPartner),
	)
	return res, nil
}

// SuggestFor loads the latest snapshot of a partner and derives a limit
// from it.
func (s *Service) SuggestFor(ctx context.Context, partnerID string) (core.ConcurrencySuggestion, error) {
	snap, err := s.store.LatestSnapshot(ctx, partnerID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return core.ConcurrencySuggestion{}, err
	}
	return Suggest(snap), nil
}

// Suggest takes the largest of three load-based estimates, clamped to
// [5, 100]. Without usable data it falls back to DefaultSuggestion.
func Suggest(snap *core.Snapshot) core.ConcurrencySuggestion {
	if snap == nil || snap.Failed() {
		return core.ConcurrencySuggestion{
			Suggested: DefaultSuggestion,
			Reason:    "No data available, using default",
		}
	}

	queued, running, active := snap.QueuedCalls, snap.RunningCampaigns, snap.ActiveCalls
	suggested := max(queued/20, running/3, active+queued/50)
	suggested = min(maxSuggestion, max(minSuggestion, suggested))

	return core.ConcurrencySuggestion{
		Suggested: suggested,
		Reason: fmt.Sprintf("Based on %d queued calls, %d running campaigns, %d active calls",
			queued, running, active),
	}
}
