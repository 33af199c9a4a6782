// Package health turns a partner snapshot into an alert level.
package health

import (
	"fmt"
	"math"

	"github.com/leozw/partner-guardian/internal/core"
)

// Thresholds are the operator-tunable cut points used by Classify.
type Thresholds struct {
	CriticalQueued      int
	CriticalUtilization float64
	HighQueuedMin       int
	HighQueuedMax       int
	MediumQueuedMin     int

	// At or over the limit with more than OverCapacityQueuedMin waiting is
	// CRITICAL; utilization above OverCapacityUtilization alone is HIGH.
	OverCapacityQueuedMin   int
	OverCapacityUtilization float64

	// Campaign bands: running campaigns competing for too few slots.
	CampaignsCriticalMin   int
	CampaignsCriticalLimit int
	CampaignsHighMin       int
	CampaignsHighLimit     int
	CampaignsMediumMin     int
	CampaignsMediumLimit   int
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		CriticalQueued:      200,
		CriticalUtilization: 30,
		HighQueuedMin:       100,
		HighQueuedMax:       200,
		MediumQueuedMin:     50,

		OverCapacityQueuedMin:   100,
		OverCapacityUtilization: 100,

		CampaignsCriticalMin:   50,
		CampaignsCriticalLimit: 10,
		CampaignsHighMin:       30,
		CampaignsHighLimit:     15,
		CampaignsMediumMin:     15,
		CampaignsMediumLimit:   20,
	}
}

// ThresholdsFromSettings reads the thresholds out of the settings map, falling
// back to the defaults for absent keys.
func ThresholdsFromSettings(s core.Settings) Thresholds {
	d := DefaultThresholds()
	return Thresholds{
		CriticalQueued:      s.Int(core.SettingCriticalQueuedThreshold, d.CriticalQueued),
		CriticalUtilization: s.Float(core.SettingCriticalUtilizationThreshold, d.CriticalUtilization),
		HighQueuedMin:       s.Int(core.SettingHighQueuedMin, d.HighQueuedMin),
		HighQueuedMax:       s.Int(core.SettingHighQueuedMax, d.HighQueuedMax),
		MediumQueuedMin:     s.Int(core.SettingMediumQueuedMin, d.MediumQueuedMin),

		OverCapacityQueuedMin:   s.Int(core.SettingOverCapacityQueuedMin, d.OverCapacityQueuedMin),
		OverCapacityUtilization: s.Float(core.SettingOverCapacityUtilization, d.OverCapacityUtilization),

		CampaignsCriticalMin:   s.Int(core.SettingCampaignsCriticalMin, d.CampaignsCriticalMin),
		CampaignsCriticalLimit: s.Int(core.SettingCampaignsCriticalLimit, d.CampaignsCriticalLimit),
		CampaignsHighMin:       s.Int(core.SettingCampaignsHighMin, d.CampaignsHighMin),
		CampaignsHighLimit:     s.Int(core.SettingCampaignsHighLimit, d.CampaignsHighLimit),
		CampaignsMediumMin:     s.Int(core.SettingCampaignsMediumMin, d.CampaignsMediumMin),
		CampaignsMediumLimit:   s.Int(core.SettingCampaignsMediumLimit, d.CampaignsMediumLimit),
	}
}

// Utilization is active/limit as a percentage rounded to one decimal. It is
// never negative but may exceed 100 when active calls overshoot the limit.
func Utilization(activeCalls, limit int) float64 {
	if limit <= 0 || activeCalls <= 0 {
		return 0
	}
	return Round1(float64(activeCalls) / float64(limit) * 100)
}

func Round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// Classify returns the alert level for a snapshot and a human readable reason.
// The first matching band wins: ERROR, CRITICAL, HIGH, MEDIUM, IDLE, NORMAL.
// Rules that compare against the limit only apply when the snapshot carries
// one.
func Classify(snap core.Snapshot, t Thresholds) (core.AlertLevel, string) {
	if snap.Failed() {
		return core.AlertError, fmt.Sprintf("Collector error: %s", *snap.CollectorError)
	}

	queued := snap.QueuedCalls
	active := snap.ActiveCalls
	running := snap.RunningCampaigns
	limit := snap.ConcurrencyLimit
	util := snap.UtilizationPercent
	limited := limit > 0

	switch {
	case queued > t.CriticalQueued && util < t.CriticalUtilization:
		return core.AlertCritical, fmt.Sprintf("%d calls queued with only %.1f%% utilization", queued, util)
	case limited && active >= limit && queued > t.OverCapacityQueuedMin:
		return core.AlertCritical, fmt.Sprintf("At max capacity with %d calls queued", queued)
	case limited && running > t.CampaignsCriticalMin && limit < t.CampaignsCriticalLimit:
		return core.AlertCritical, fmt.Sprintf("%d campaigns running with only %d concurrent slots", running, limit)
	case queued >= t.HighQueuedMin && queued <= t.HighQueuedMax:
		return core.AlertHigh, fmt.Sprintf("High queue volume: %d calls queued", queued)
	case util > t.OverCapacityUtilization:
		return core.AlertHigh, fmt.Sprintf("Over limit: %.1f%% of concurrency in use", util)
	case limited && running >= t.CampaignsHighMin && running <= t.CampaignsCriticalMin && limit < t.CampaignsHighLimit:
		return core.AlertHigh, fmt.Sprintf("%d campaigns with limited concurrency (%d)", running, limit)
	case queued >= t.MediumQueuedMin:
		return core.AlertMedium, fmt.Sprintf("Elevated queue: %d calls queued", queued)
	case limited && running >= t.CampaignsMediumMin && running <= t.CampaignsHighMin && limit < t.CampaignsMediumLimit:
		return core.AlertMedium, fmt.Sprintf("%d campaigns running, consider increasing concurrency", running)
	case queued == 0 && active == 0 && running == 0:
		return core.AlertIdle, "No active campaigns or calls"
	default:
		return core.AlertNormal, "Operating normally"
	}
}

// Level is Classify without the message.
func Level(snap core.Snapshot, t Thresholds) core.AlertLevel {
	level, _ := Classify(snap, t)
	return level
}
