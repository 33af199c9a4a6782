package checks

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/leozw/partner-guardian/internal/core"
)

const (
	queryCallsInPeriod = `
		SELECT COUNT(*) FROM calls
		WHERE DATE(createdAt) BETWEEN ? AND ?`
	queryCallsByStatus = `
		SELECT status, COUNT(*) AS count FROM calls
		WHERE DATE(createdAt) BETWEEN ? AND ?
		GROUP BY status`
	querySubmittalsInPeriod = `
		SELECT COUNT(*) FROM ats_submittals
		WHERE DATE(createdAt) BETWEEN ? AND ?`
	querySubmittalsByStatus = `
		SELECT status, COUNT(*) AS count FROM ats_submittals
		WHERE DATE(createdAt) BETWEEN ? AND ?
		GROUP BY status`

	unknownStatus = "UNKNOWN"
)

type statusRow struct {
	Status sql.NullString `db:"status"`
	Count  int            `db:"count"`
}

// PeriodStats counts the calls and ATS submittals a tenant created within
// the period, both dates inclusive, over one connection.
func (t *TunnelSource) PeriodStats(ctx context.Context, p *core.Partner, period core.Period) (*core.PeriodStats, error) {
	s, err := t.open(ctx, p)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(ctx, t.queryTimeout)
	defer cancel()

	stats := core.EmptyPeriodStats()
	tables := []struct {
		dest          *core.StatusCounts
		total, status string
	}{
		{&stats.Calls, queryCallsInPeriod, queryCallsByStatus},
		{&stats.Submittals, querySubmittalsInPeriod, querySubmittalsByStatus},
	}
	for _, tbl := range tables {
		var total int
		if err := s.db.GetContext(ctx, &total, tbl.total, period.StartDate, period.EndDate); err != nil {
			return nil, fmt.Errorf("query failed: %w", err)
		}
		var rows []statusRow
		if err := s.db.SelectContext(ctx, &rows, tbl.status, period.StartDate, period.EndDate); err != nil {
			return nil, fmt.Errorf("query failed: %w", err)
		}
		*tbl.dest = foldStatusRows(total, rows)
	}
	return &stats, nil
}

// foldStatusRows builds the breakdown; NULL statuses are counted as UNKNOWN.
func foldStatusRows(total int, rows []statusRow) core.StatusCounts {
	out := core.StatusCounts{Total: total, ByStatus: make(map[string]int, len(rows))}
	for _, r := range rows {
		status := unknownStatus
		if r.Status.Valid && r.Status.String != "" {
			status = r.Status.String
		}
		out.ByStatus[status] += r.Count
	}
	return out
}
