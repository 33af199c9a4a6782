package health

import (
	"testing"

	"github.com/leozw/partner-guardian/internal/core"
	"github.com/stretchr/testify/assert"
)

func TestUtilization(t *testing.T) {
	tests := map[string]struct {
		active, limit int
		expected      float64
	}{
		"typical":        {active: 9, limit: 10, expected: 90},
		"rounds":         {active: 1, limit: 3, expected: 33.3},
		"over limit":     {active: 15, limit: 10, expected: 150},
		"zero limit":     {active: 5, limit: 0, expected: 0},
		"negative input": {active: -2, limit: 10, expected: 0},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, Utilization(tc.active, tc.limit))
		})
	}
}

func TestClassify(t *testing.T) {
	failure := "dial tcp: i/o timeout"
	th := DefaultThresholds()

	tests := map[string]struct {
		snap     core.Snapshot
		expected core.AlertLevel
	}{
		"collector failure": {
			snap:     core.Snapshot{QueuedCalls: 500, CollectorError: &failure},
			expected: core.AlertError,
		},
		"backlog with spare capacity": {
			snap:     core.Snapshot{QueuedCalls: 250, ActiveCalls: 2, UtilizationPercent: 20},
			expected: core.AlertCritical,
		},
		"backlog at utilization threshold is not critical": {
			snap:     core.Snapshot{QueuedCalls: 250, UtilizationPercent: 30},
			expected: core.AlertMedium,
		},
		"high band lower edge": {
			snap:     core.Snapshot{QueuedCalls: 100, UtilizationPercent: 90},
			expected: core.AlertHigh,
		},
		"high band upper edge": {
			snap:     core.Snapshot{QueuedCalls: 200, UtilizationPercent: 10},
			expected: core.AlertHigh,
		},
		"medium band": {
			snap:     core.Snapshot{QueuedCalls: 50, UtilizationPercent: 50},
			expected: core.AlertMedium,
		},
		"just below medium": {
			snap:     core.Snapshot{QueuedCalls: 49, ActiveCalls: 3, UtilizationPercent: 30},
			expected: core.AlertNormal,
		},
		"idle": {
			snap:     core.Snapshot{},
			expected: core.AlertIdle,
		},
		"over the limit without backlog": {
			snap:     core.Snapshot{ActiveCalls: 15, ConcurrencyLimit: 10, UtilizationPercent: 150},
			expected: core.AlertHigh,
		},
		"at capacity with backlog": {
			snap:     core.Snapshot{ActiveCalls: 10, ConcurrencyLimit: 10, QueuedCalls: 150, UtilizationPercent: 100},
			expected: core.AlertCritical,
		},
		"at capacity with small backlog": {
			snap:     core.Snapshot{ActiveCalls: 10, ConcurrencyLimit: 10, QueuedCalls: 100, UtilizationPercent: 100},
			expected: core.AlertHigh,
		},
		"many campaigns on few slots": {
			snap:     core.Snapshot{RunningCampaigns: 60, ActiveCalls: 5, ConcurrencyLimit: 5, UtilizationPercent: 100},
			expected: core.AlertCritical,
		},
		"campaigns high band": {
			snap:     core.Snapshot{RunningCampaigns: 40, ActiveCalls: 6, ConcurrencyLimit: 12, UtilizationPercent: 50},
			expected: core.AlertHigh,
		},
		"campaigns medium band": {
			snap:     core.Snapshot{RunningCampaigns: 20, ActiveCalls: 6, ConcurrencyLimit: 18, UtilizationPercent: 33.3},
			expected: core.AlertMedium,
		},
		"campaigns with enough slots": {
			snap:     core.Snapshot{RunningCampaigns: 20, ActiveCalls: 6, ConcurrencyLimit: 40, UtilizationPercent: 15},
			expected: core.AlertNormal,
		},
		"campaign rules need a limit": {
			snap:     core.Snapshot{RunningCampaigns: 60, ActiveCalls: 3},
			expected: core.AlertNormal,
		},
		"running campaign without calls is normal": {
			snap:     core.Snapshot{RunningCampaigns: 1},
			expected: core.AlertNormal,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			level, msg := Classify(tc.snap, th)
			assert.Equal(t, tc.expected, level)
			assert.NotEmpty(t, msg)
		})
	}
}

func TestClassifyFullLoadBacklogIsNotCritical(t *testing.T) {
	snap := core.Snapshot{ActiveCalls: 9, QueuedCalls: 250, ConcurrencyLimit: 10}
	snap.UtilizationPercent = Utilization(snap.ActiveCalls, snap.ConcurrencyLimit)

	assert.Equal(t, 90.0, snap.UtilizationPercent)
	level := Level(snap, DefaultThresholds())
	assert.NotEqual(t, core.AlertCritical, level)
	assert.Equal(t, core.AlertMedium, level)
}

func TestClassifyIsTotal(t *testing.T) {
	th := DefaultThresholds()
	for queued := 0; queued <= 400; queued += 7 {
		for util := 0.0; util <= 120; util += 9.5 {
			level := Level(core.Snapshot{QueuedCalls: queued, UtilizationPercent: util, ActiveCalls: int(util)}, th)
			assert.True(t, level.Valid(), "queued=%d util=%.1f", queued, util)
		}
	}
}

func TestClassifyUsesGivenThresholds(t *testing.T) {
	snap := core.Snapshot{QueuedCalls: 30, ActiveCalls: 5, UtilizationPercent: 50}
	assert.Equal(t, core.AlertNormal, Level(snap, DefaultThresholds()))

	tuned := DefaultThresholds()
	tuned.MediumQueuedMin = 20
	assert.Equal(t, core.AlertMedium, Level(snap, tuned))
}

func TestThresholdsFromSettings(t *testing.T) {
	s := core.DefaultSettings()
	s[core.SettingCriticalQueuedThreshold] = float64(300)
	s[core.SettingHighQueuedMin] = "120"
	delete(s, core.SettingMediumQueuedMin)

	th := ThresholdsFromSettings(s)
	assert.Equal(t, 300, th.CriticalQueued)
	assert.Equal(t, 120, th.HighQueuedMin)
	assert.Equal(t, 50, th.MediumQueuedMin)
	assert.Equal(t, 30.0, th.CriticalUtilization)
	assert.Equal(t, 100, th.OverCapacityQueuedMin)
	assert.Equal(t, 10, th.CampaignsCriticalLimit)
}

func TestClassifyCapacityBandsAreTunable(t *testing.T) {
	snap := core.Snapshot{ActiveCalls: 12, ConcurrencyLimit: 10, UtilizationPercent: 120}
	assert.Equal(t, core.AlertHigh, Level(snap, DefaultThresholds()))

	s := core.DefaultSettings()
	s[core.SettingOverCapacityUtilization] = float64(150)
	assert.Equal(t, core.AlertNormal, Level(snap, ThresholdsFromSettings(s)))

	snap.QueuedCalls = 60
	s[core.SettingOverCapacityQueuedMin] = float64(50)
	assert.Equal(t, core.AlertCritical, Level(snap, ThresholdsFromSettings(s)))
}
