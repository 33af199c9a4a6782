package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leozw/partner-guardian/internal/core"
	"github.com/leozw/partner-guardian/internal/db"
)

// Store is the subset of the repository the alert lifecycle needs.
type Store interface {
	ActiveAlert(ctx context.Context, partnerID string) (*core.AlertLog, error)
	CreateAlert(ctx context.Context, a *core.AlertLog) error
	ResolveAlert(ctx context.Context, id string, at time.Time) error
	MarkAlertEmailed(ctx context.Context, id string, at time.Time) error
	LastAlertEmail(ctx context.Context, partnerID string) (*time.Time, error)
}

type Recorder interface {
	RecordAlert(p *core.Partner, level core.AlertLevel)
	RecordNotificationSent(channel string, success bool)
}

type Service struct {
	store    Store
	notifier Notifier
	metrics  Recorder
	logger   *zap.Logger
	throttle time.Duration
	now      func() time.Time
}

// NewService builds the alert lifecycle. notifier may be nil, in which case
// no emails are sent. throttle bounds how often one partner can be emailed.
func NewService(store Store, notifier Notifier, metrics Recorder, logger *zap.Logger, throttle time.Duration) *Service {
	if throttle <= 0 {
		throttle = time.Hour
	}
	return &Service{
		store:    store,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		throttle: throttle,
		now:      time.Now,
	}
}

// Evaluate moves the alert of a partner along with its latest snapshot: an
// actionable level opens an alert (replacing one of a different level), a
// NORMAL or IDLE level resolves it.
func (s *Service) Evaluate(ctx context.Context, p *core.Partner, snap *core.Snapshot, settings core.Settings) error {
	existing, err := s.store.ActiveAlert(ctx, p.ID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("failed to get active alert: %w", err)
	}
	if errors.Is(err, db.ErrNotFound) {
		existing = nil
	}

	now := s.now()

	if !snap.AlertLevel.Actionable() {
		if existing == nil {
			return nil
		}
		if err := s.store.ResolveAlert(ctx, existing.ID, now); err != nil {
			return fmt.Errorf("failed to resolve alert: %w", err)
		}
		s.logger.Info("Resolved alert",
			zap.String("alert_id", existing.ID),
			zap.String("partner_id", p.ID),
		)
		return nil
	}

	if existing != nil && existing.AlertLevel == snap.AlertLevel {
		return nil
	}

	if existing != nil {
		if err := s.store.ResolveAlert(ctx, existing.ID, now); err != nil {
			return fmt.Errorf("failed to resolve previous alert: %w", err)
		}
	}

	message := "Alert triggered"
	if snap.AlertMessage != nil && *snap.AlertMessage != "" {
		message = *snap.AlertMessage
	}
	alert := &core.AlertLog{
		ID:           uuid.New().String(),
		PartnerID:    p.ID,
		AlertLevel:   snap.AlertLevel,
		AlertMessage: message,
		CreatedAt:    now,
	}
	if err := s.store.CreateAlert(ctx, alert); err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RecordAlert(p, alert.AlertLevel)
	}

	s.logger.Info("Created alert",
		zap.String("alert_id", alert.ID),
		zap.String("partner_id", p.ID),
		zap.String("level", alert.AlertLevel.String()),
	)

	if alert.AlertLevel == core.AlertCritical {
		s.maybeNotify(ctx, p, snap, alert, settings)
	}
	return nil
}

func (s *Service) maybeNotify(ctx context.Context, p *core.Partner, snap *core.Snapshot, alert *core.AlertLog, settings core.Settings) {
	if s.notifier == nil || !settings.Bool(core.SettingEmailAlertsEnabled, false) {
		return
	}

	recipients := settings.StringList(core.SettingEmailRecipients)
	if len(recipients) == 0 {
		s.logger.Warn("Email alerts enabled but no recipients configured")
		return
	}

	last, err := s.store.LastAlertEmail(ctx, p.ID)
	if err != nil {
		s.logger.Error("Failed to check last alert email", zap.Error(err))
		return
	}
	if last != nil && s.now().Sub(*last) < s.throttle {
		s.logger.Debug("Alert email throttled",
			zap.String("partner_id", p.ID),
			zap.Time("last_sent_at", *last),
		)
		return
	}

	err = s.notifier.SendAlert(ctx, Notification{
		Partner:    p,
		Snapshot:   snap,
		Message:    alert.AlertMessage,
		Recipients: recipients,
	})
	if s.metrics != nil {
		s.metrics.RecordNotificationSent("email", err == nil)
	}
	if err != nil {
		s.logger.Error("Failed to send alert email",
			zap.String("partner_id", p.ID),
			zap.Error(err),
		)
		return
	}

	if err := s.store.MarkAlertEmailed(ctx, alert.ID, s.now()); err != nil {
		s.logger.Error("Failed to mark alert emailed", zap.Error(err))
	}
}
