package db

import (
	"context"
	"time"

	"github.com/leozw/partner-guardian/internal/core"
)

// ActiveAlert returns the unresolved alert of a partner.
func (r *Repository) ActiveAlert(ctx context.Context, partnerID string) (*core.AlertLog, error) {
	var a core.AlertLog
	query := `
		SELECT * FROM alert_logs
		WHERE partner_id = $1 AND is_resolved = false
		ORDER BY created_at DESC
		LIMIT 1`
	if err := r.db.GetContext(ctx, &a, query, partnerID); err != nil {
		return nil, notFound(err, "alert")
	}
	return &a, nil
}

func (r *Repository) CreateAlert(ctx context.Context, a *core.AlertLog) error {
	query := `
		INSERT INTO alert_logs (
			id, partner_id, alert_level, alert_message, is_dismissed,
			is_resolved, email_sent, created_at
		) VALUES (
			:id, :partner_id, :alert_level, :alert_message, :is_dismissed,
			:is_resolved, :email_sent, :created_at
		)`
	_, err := r.db.NamedExecContext(ctx, query, a)
	return err
}

func (r *Repository) ResolveAlert(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE alert_logs SET is_resolved = true, resolved_at = $2 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, at)
	return err
}

func (r *Repository) MarkAlertEmailed(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE alert_logs SET email_sent = true, last_email_sent_at = $2 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, at)
	return err
}

// LastAlertEmail returns when a partner was last emailed about, across all of
// its alerts, or nil if never.
func (r *Repository) LastAlertEmail(ctx context.Context, partnerID string) (*time.Time, error) {
	var at *time.Time
	query := `SELECT MAX(last_email_sent_at) FROM alert_logs WHERE partner_id = $1`
	if err := r.db.GetContext(ctx, &at, query, partnerID); err != nil {
		return nil, err
	}
	return at, nil
}

// ListAlerts lists resolved or unresolved alerts. Dismissals that have not yet
// expired are hidden from the unresolved list.
func (r *Repository) ListAlerts(ctx context.Context, resolved bool, limit int) ([]*core.AlertLog, error) {
	alerts := []*core.AlertLog{}
	query := `
		SELECT * FROM alert_logs
		WHERE is_resolved = $1
		AND ($1 OR NOT is_dismissed OR dismissed_until < NOW())
		ORDER BY created_at DESC
		LIMIT $2`
	err := r.db.SelectContext(ctx, &alerts, query, resolved, limit)
	return alerts, err
}

func (r *Repository) DismissAlert(ctx context.Context, id, by string, until time.Time) (*core.AlertLog, error) {
	var a core.AlertLog
	query := `
		UPDATE alert_logs SET
			is_dismissed = true,
			dismissed_by = $2,
			dismissed_at = NOW(),
			dismissed_until = $3
		WHERE id = $1
		RETURNING *`
	if err := r.db.GetContext(ctx, &a, query, id, by, until); err != nil {
		return nil, notFound(err, "alert")
	}
	return &a, nil
}

// DismissedPartnerIDs lists partners whose open alert is dismissed past now.
func (r *Repository) DismissedPartnerIDs(ctx context.Context, now time.Time) ([]string, error) {
	ids := []string{}
	query := `
		SELECT DISTINCT partner_id FROM alert_logs
		WHERE is_resolved = false
		AND is_dismissed = true
		AND dismissed_until > $1`
	err := r.db.SelectContext(ctx, &ids, query, now)
	return ids, err
}
