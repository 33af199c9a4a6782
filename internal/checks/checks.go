package checks

import (
	"context"

	"github.com/leozw/partner-guardian/internal/core"
)

// Metrics are the raw load figures read from a partner tenant.
type Metrics struct {
	CampaignsToday      int
	RunningCampaigns    int
	ActiveCalls         int
	QueuedCalls         int
	CompletedCallsToday int
	RemainingCalls      int

	// RemoteLimit is the tenant's own callConcurrency setting, nil when it
	// could not be read.
	RemoteLimit *int
}

// Source reads from and writes to partner tenant databases.
type Source interface {
	Fetch(ctx context.Context, p *core.Partner) (*Metrics, error)
	TestConnection(ctx context.Context, p *core.Partner) core.ConnectionTestResult
	// ApplyConcurrency writes the limit to the tenant and returns a short
	// human readable outcome.
	ApplyConcurrency(ctx context.Context, p *core.Partner, newLimit int) (string, error)
}

const (
	queryRunningCampaigns = `SELECT COUNT(*) FROM campaigns WHERE status = 'RUNNING' AND deleted = 0`
	queryCampaignsToday   = `SELECT COUNT(*) FROM campaigns WHERE DATE(createdAt) = CURDATE() AND deleted = 0`
	queryActiveCalls      = `SELECT COUNT(*) FROM calls WHERE status = 'INPROGRESS'`
	queryQueuedCalls      = `SELECT COUNT(*) FROM calls WHERE status = 'QUEUED'`
	queryCompletedToday   = `SELECT COUNT(*) FROM calls WHERE status = 'COMPLETED' AND DATE(updatedAt) = CURDATE()`
	queryRemainingCalls   = `
		SELECT COUNT(DISTINCT cc.contactid)
		FROM campaigncontacts cc
		INNER JOIN campaigns c ON cc.campaignid = c.id
		LEFT JOIN calls ca ON cc.contactid = ca.contactid AND cc.campaignid = ca.campaignid
		WHERE c.status = 'RUNNING'
		AND c.deleted = 0
		AND (ca.status IS NULL OR ca.status IN ('QUEUED', 'INPROGRESS'))`

	queryRemoteLimit    = `SELECT value FROM settings WHERE name = 'callConcurrency'`
	queryRemoteSetting  = `SELECT value FROM settings WHERE name = ?`
	updateRemoteSetting = `UPDATE settings SET value = ? WHERE name = ?`
	insertRemoteAudit   = `INSERT INTO settings_auditlogs (userid, oldvalue, newvalue, createdat) VALUES (?, ?, ?, NOW())`

	// Tenant setting names.
	settingCallConcurrency  = "callConcurrency"
	settingPauseNonPriority = "pauseNonPriorityCampaigns"

	// auditUserID marks audit rows written by the guardian rather than a
	// tenant user.
	auditUserID int64 = 9999999999
)
