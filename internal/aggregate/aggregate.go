// Package aggregate folds per-partner snapshots into dashboard counters and
// the alert-level histogram.
package aggregate

import (
	"time"

	"github.com/leozw/partner-guardian/internal/core"
	"github.com/leozw/partner-guardian/internal/health"
)

type Overview struct {
	CampaignsToday      int        `json:"campaignsToday"`
	RunningCampaigns    int        `json:"runningCampaigns"`
	ActiveCalls         int        `json:"activeCalls"`
	QueuedCalls         int        `json:"queuedCalls"`
	CompletedCallsToday int        `json:"completedCallsToday"`
	RemainingCalls      int        `json:"remainingCalls"`
	ActivePartners      int        `json:"activePartners"`
	TotalPartners       int        `json:"totalPartners"`
	AvgUtilization      float64    `json:"avgUtilization"`
	LastUpdated         *time.Time `json:"lastUpdated"`
}

// AlertCounts places every partner in exactly one bucket. Normal holds the
// NORMAL and IDLE partners that no summary card shows; Dismissed holds the
// partners whose alert an operator has silenced.
type AlertCounts struct {
	Critical  int `json:"critical"`
	High      int `json:"high"`
	Medium    int `json:"medium"`
	Offline   int `json:"offline"`
	Normal    int `json:"normal"`
	Dismissed int `json:"dismissed"`
}

func (c AlertCounts) Total() int {
	return c.Critical + c.High + c.Medium + c.Offline + c.Normal + c.Dismissed
}

// Dismiss moves one partner out of bucket b into Dismissed. Partners in the
// normal bucket have nothing to silence and stay where they are.
func (c *AlertCounts) Dismiss(b Bucket) bool {
	var n *int
	switch b {
	case BucketCritical:
		n = &c.Critical
	case BucketHigh:
		n = &c.High
	case BucketMedium:
		n = &c.Medium
	case BucketOffline:
		n = &c.Offline
	}
	if n == nil || *n == 0 {
		return false
	}
	*n--
	c.Dismissed++
	return true
}

type Summary struct {
	Overview    Overview    `json:"overview"`
	AlertCounts AlertCounts `json:"alertCounts"`
}

// Bucket is the summary card a partner falls into.
type Bucket string

const (
	BucketCritical Bucket = "critical"
	BucketHigh     Bucket = "high"
	BucketMedium   Bucket = "medium"
	BucketOffline  Bucket = "offline"
	BucketNormal   Bucket = "normal"
)

type Options struct {
	Now             time.Time
	StalenessWindow time.Duration
}

// Live reports whether snap is present, measured and within the staleness
// window. A zero window disables the age check.
func Live(snap *core.Snapshot, opts Options) bool {
	if snap == nil || snap.Failed() {
		return false
	}
	if opts.StalenessWindow > 0 && snap.Age(opts.Now) > opts.StalenessWindow {
		return false
	}
	return true
}

// BucketOf classifies one partner for the summary cards. Offline overrides
// whatever the evaluator would say.
func BucketOf(snap *core.Snapshot, t health.Thresholds, opts Options) Bucket {
	if !Live(snap, opts) {
		return BucketOffline
	}
	switch health.Level(*snap, t) {
	case core.AlertCritical:
		return BucketCritical
	case core.AlertHigh:
		return BucketHigh
	case core.AlertMedium:
		return BucketMedium
	case core.AlertError:
		return BucketOffline
	default:
		return BucketNormal
	}
}

// Summarize computes the overview and alert counts. It has no side effects
// and reclassifies every snapshot from t, so calling it twice on the same
// input yields the same result.
func Summarize(partners []core.Partner, snaps map[string]*core.Snapshot, t health.Thresholds, opts Options) Summary {
	var (
		out      Summary
		utilSum  float64
		liveSnap int
	)
	out.Overview.TotalPartners = len(partners)

	for _, p := range partners {
		if p.IsActive {
			out.Overview.ActivePartners++
		}
		snap := snaps[p.ID]

		switch BucketOf(snap, t, opts) {
		case BucketCritical:
			out.AlertCounts.Critical++
		case BucketHigh:
			out.AlertCounts.High++
		case BucketMedium:
			out.AlertCounts.Medium++
		case BucketOffline:
			out.AlertCounts.Offline++
		default:
			out.AlertCounts.Normal++
		}

		if !Live(snap, opts) {
			continue
		}
		ov := &out.Overview
		ov.CampaignsToday += snap.CampaignsToday
		ov.RunningCampaigns += snap.RunningCampaigns
		ov.ActiveCalls += snap.ActiveCalls
		ov.QueuedCalls += snap.QueuedCalls
		ov.CompletedCallsToday += snap.CompletedCallsToday
		ov.RemainingCalls += snap.RemainingCalls
		utilSum += snap.UtilizationPercent
		liveSnap++

		if ov.LastUpdated == nil || snap.SnapshotTime.After(*ov.LastUpdated) {
			ts := snap.SnapshotTime
			ov.LastUpdated = &ts
		}
	}

	if liveSnap > 0 {
		out.Overview.AvgUtilization = health.Round1(utilSum / float64(liveSnap))
	}
	return out
}

// SummarizeDashboard is Summarize over partner/snapshot pairs.
func SummarizeDashboard(rows []core.PartnerDashboard, t health.Thresholds, opts Options) Summary {
	partners := make([]core.Partner, 0, len(rows))
	snaps := make(map[string]*core.Snapshot, len(rows))
	for _, row := range rows {
		partners = append(partners, row.Partner)
		if row.Snapshot != nil {
			snaps[row.Partner.ID] = row.Snapshot
		}
	}
	return Summarize(partners, snaps, t, opts)
}
