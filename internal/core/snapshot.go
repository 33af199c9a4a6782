package core

import "time"

// Snapshot is one point-in-time measurement of a partner. It is immutable and
// superseded by the next poll. When the collector failed, CollectorError is
// set and the load figures are meaningless.
type Snapshot struct {
	ID                  string     `json:"id" db:"id"`
	PartnerID           string     `json:"partnerId" db:"partner_id"`
	CampaignsToday      int        `json:"campaignsToday" db:"campaigns_today"`
	RunningCampaigns    int        `json:"runningCampaigns" db:"running_campaigns"`
	ActiveCalls         int        `json:"activeCalls" db:"active_calls"`
	QueuedCalls         int        `json:"queuedCalls" db:"queued_calls"`
	CompletedCallsToday int        `json:"completedCallsToday" db:"completed_calls_today"`
	RemainingCalls      int        `json:"remainingCalls" db:"remaining_calls"`
	ConcurrencyLimit    int        `json:"concurrencyLimit" db:"concurrency_limit"`
	UtilizationPercent  float64    `json:"utilizationPercent" db:"utilization_percent"`
	AlertLevel          AlertLevel `json:"alertLevel" db:"alert_level"`
	AlertMessage        *string    `json:"alertMessage" db:"alert_message"`
	CollectorError      *string    `json:"collectorError,omitempty" db:"collector_error"`
	SnapshotTime        time.Time  `json:"snapshotTime" db:"snapshot_time"`
	DataFetchTimeMs     int        `json:"dataFetchTimeMs" db:"data_fetch_time_ms"`
}

// Failed reports whether the collector could not measure the partner.
func (s Snapshot) Failed() bool {
	return s.CollectorError != nil
}

// Age is the time elapsed since the snapshot was taken.
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.SnapshotTime)
}

// PartnerDashboard pairs a partner with its latest snapshot, if any.
type PartnerDashboard struct {
	Partner  Partner   `json:"partner"`
	Snapshot *Snapshot `json:"snapshot"`
}

// ConcurrencyHistoryEntry records one limit change. Entries are append-only.
type ConcurrencyHistoryEntry struct {
	ID              string     `json:"id" db:"id"`
	PartnerID       string     `json:"partnerId" db:"partner_id"`
	OldLimit        int        `json:"oldLimit" db:"old_limit"`
	NewLimit        int        `json:"newLimit" db:"new_limit"`
	Reason          *string    `json:"reason" db:"reason"`
	ChangedBy       string     `json:"changedBy" db:"changed_by"`
	ChangedAt       time.Time  `json:"changedAt" db:"changed_at"`
	SyncedToPartner bool       `json:"syncedToPartner" db:"synced_to_partner"`
	SyncError       *string    `json:"syncError" db:"sync_error"`
	SyncedAt        *time.Time `json:"syncedAt" db:"synced_at"`
}

type ConcurrencyUpdate struct {
	NewLimit int     `json:"newLimit"`
	Reason   *string `json:"reason,omitempty"`
}

// ConcurrencyResult is the outcome of a limit change. Acceptance of the new
// limit and its propagation to the tenant are reported separately.
type ConcurrencyResult struct {
	Success         bool                    `json:"success"`
	Message         string                  `json:"message"`
	Partner         Partner                 `json:"partner"`
	History         ConcurrencyHistoryEntry `json:"history"`
	SyncedToPartner bool                    `json:"syncedToPartner"`
	SyncMessage     string                  `json:"syncMessage,omitempty"`
}

// BulkConcurrencyUpdate applies one limit to several partners.
type BulkConcurrencyUpdate struct {
	PartnerIDs []string `json:"partnerIds"`
	NewLimit   int      `json:"newLimit"`
	Reason     *string  `json:"reason,omitempty"`
}

// BulkConcurrencyItem is the outcome for one partner of a bulk update.
type BulkConcurrencyItem struct {
	PartnerID string             `json:"partnerId"`
	Success   bool               `json:"success"`
	Result    *ConcurrencyResult `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
}

type PauseNonPriorityUpdate struct {
	Enabled *bool `json:"enabled"`
}

// PauseNonPriorityResult mirrors ConcurrencyResult for the non-priority
// campaign toggle.
type PauseNonPriorityResult struct {
	Success         bool    `json:"success"`
	Message         string  `json:"message"`
	Partner         Partner `json:"partner"`
	SyncedToPartner bool    `json:"syncedToPartner"`
	SyncError       *string `json:"syncError,omitempty"`
}

type ConcurrencySuggestion struct {
	Suggested int    `json:"suggested"`
	Reason    string `json:"reason"`
}
