package db

import (
	"context"
	"time"

	"github.com/leozw/partner-guardian/internal/core"
)

// Snapshot operations
func (r *Repository) SaveSnapshot(ctx context.Context, s *core.Snapshot) error {
	query := `
		INSERT INTO partner_snapshots (
			id, partner_id, campaigns_today, running_campaigns, active_calls,
			queued_calls, completed_calls_today, remaining_calls, concurrency_limit,
			utilization_percent, alert_level, alert_message, collector_error,
			snapshot_time, data_fetch_time_ms
		) VALUES (
			:id, :partner_id, :campaigns_today, :running_campaigns, :active_calls,
			:queued_calls, :completed_calls_today, :remaining_calls, :concurrency_limit,
			:utilization_percent, :alert_level, :alert_message, :collector_error,
			:snapshot_time, :data_fetch_time_ms
		)`

	_, err := r.db.NamedExecContext(ctx, query, s)
	return err
}

func (r *Repository) LatestSnapshot(ctx context.Context, partnerID string) (*core.Snapshot, error) {
	var s core.Snapshot
	query := `
		SELECT * FROM partner_snapshots
		WHERE partner_id = $1
		ORDER BY snapshot_time DESC
		LIMIT 1`
	if err := r.db.GetContext(ctx, &s, query, partnerID); err != nil {
		return nil, notFound(err, "snapshot")
	}
	return &s, nil
}

// LatestSnapshots returns the newest snapshot of every partner that has one.
func (r *Repository) LatestSnapshots(ctx context.Context) (map[string]*core.Snapshot, error) {
	rows := []*core.Snapshot{}
	query := `
		SELECT DISTINCT ON (partner_id) * FROM partner_snapshots
		ORDER BY partner_id, snapshot_time DESC`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, err
	}

	out := make(map[string]*core.Snapshot, len(rows))
	for _, s := range rows {
		out[s.PartnerID] = s
	}
	return out, nil
}

// PruneSnapshots removes snapshots older than the cutoff.
func (r *Repository) PruneSnapshots(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM partner_snapshots WHERE snapshot_time < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Connection log operations
func (r *Repository) SaveConnectionLog(ctx context.Context, l *core.ConnectionLogEntry) error {
	query := `
		INSERT INTO connection_logs (
			id, partner_id, connection_status, error_message,
			response_time_ms, query_type, timestamp
		) VALUES (
			:id, :partner_id, :connection_status, :error_message,
			:response_time_ms, :query_type, :timestamp
		)`
	_, err := r.db.NamedExecContext(ctx, query, l)
	return err
}

func (r *Repository) ListConnectionLogs(ctx context.Context, partnerID string, limit int) ([]*core.ConnectionLogEntry, error) {
	logs := []*core.ConnectionLogEntry{}
	query := `
		SELECT * FROM connection_logs
		WHERE partner_id = $1
		ORDER BY timestamp DESC
		LIMIT $2`
	err := r.db.SelectContext(ctx, &logs, query, partnerID, limit)
	return logs, err
}

func (r *Repository) DeleteConnectionLogs(ctx context.Context, partnerID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM connection_logs WHERE partner_id = $1`, partnerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
