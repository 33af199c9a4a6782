package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/leozw/partner-guardian/internal/core"
)

// NextChangedAt returns now, or the smallest instant after prev when now does
// not move past it. History timestamps of a partner are strictly increasing.
func NextChangedAt(prev *time.Time, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if prev != nil && !now.After(*prev) {
		return prev.UTC().Add(time.Microsecond)
	}
	return now
}

// ApplyConcurrencyChange sets the partner's limit and appends a history entry
// in one transaction. entry.OldLimit and entry.ChangedAt are filled in from
// the locked partner row.
func (r *Repository) ApplyConcurrencyChange(ctx context.Context, partnerID string, newLimit int, entry *core.ConcurrencyHistoryEntry) (*core.Partner, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var p core.Partner
	if err := tx.GetContext(ctx, &p, `SELECT * FROM partners WHERE id = $1 FOR UPDATE`, partnerID); err != nil {
		return nil, notFound(err, "partner")
	}

	var last sql.NullTime
	lastQuery := `SELECT MAX(changed_at) FROM concurrency_history WHERE partner_id = $1`
	if err := tx.GetContext(ctx, &last, lastQuery, partnerID); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read last history entry: %w", err)
	}
	var prev *time.Time
	if last.Valid {
		prev = &last.Time
	}

	now := time.Now()
	entry.PartnerID = partnerID
	entry.OldLimit = p.ConcurrencyLimit
	entry.NewLimit = newLimit
	entry.ChangedAt = NextChangedAt(prev, now)

	if _, err := tx.ExecContext(ctx,
		`UPDATE partners SET concurrency_limit = $2, updated_at = $3 WHERE id = $1`,
		partnerID, newLimit, now,
	); err != nil {
		return nil, fmt.Errorf("failed to update limit: %w", err)
	}

	insert := `
		INSERT INTO concurrency_history (
			id, partner_id, old_limit, new_limit, reason, changed_by,
			changed_at, synced_to_partner, sync_error, synced_at
		) VALUES (
			:id, :partner_id, :old_limit, :new_limit, :reason, :changed_by,
			:changed_at, :synced_to_partner, :sync_error, :synced_at
		)`
	if _, err := tx.NamedExecContext(ctx, insert, entry); err != nil {
		return nil, fmt.Errorf("failed to append history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	p.ConcurrencyLimit = newLimit
	p.UpdatedAt = now
	return &p, nil
}

// MarkHistorySynced records the outcome of pushing a limit to the tenant.
func (r *Repository) MarkHistorySynced(ctx context.Context, id string, synced bool, syncErr *string, at *time.Time) error {
	query := `
		UPDATE concurrency_history SET
			synced_to_partner = $2,
			sync_error = $3,
			synced_at = $4
		WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, synced, syncErr, at)
	return err
}

func (r *Repository) ListHistory(ctx context.Context, partnerID string, limit int) ([]*core.ConcurrencyHistoryEntry, error) {
	entries := []*core.ConcurrencyHistoryEntry{}
	query := `
		SELECT * FROM concurrency_history
		WHERE partner_id = $1
		ORDER BY changed_at DESC
		LIMIT $2`
	err := r.db.SelectContext(ctx, &entries, query, partnerID, limit)
	return entries, err
}
