package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/leozw/partner-guardian/internal/dashboard"
	"github.com/leozw/partner-guardian/internal/editor"
)

func render(out io.Writer, m dashboard.Model) {
	o := m.Summary.Overview
	c := m.Summary.AlertCounts

	auto := "off"
	if m.AutoRefresh {
		auto = "every " + m.Interval.String()
	}
	fmt.Fprintf(out, "Partners %d/%d active   Campaigns %d (%d running)   Calls %d active, %d queued   Avg utilization %.1f%%\n",
		o.ActivePartners, o.TotalPartners, o.CampaignsToday, o.RunningCampaigns, o.ActiveCalls, o.QueuedCalls, o.AvgUtilization)
	fmt.Fprintf(out, "Critical %d   High %d   Medium %d   Offline %d   Refresh %s   Updated %s\n\n",
		c.Critical, c.High, c.Medium, c.Offline, auto, formatTime(m.LastRefresh))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PARTNER\tLEVEL\tACTIVE\tQUEUED\tLIMIT\tUTIL%\tRUNNING\tSNAPSHOT\tSTATUS")
	for _, row := range m.Rows {
		level := "OFFLINE"
		if !row.Offline() {
			level = row.Level.String()
		}
		status := row.Message
		if row.Snapshot == nil {
			fmt.Fprintf(w, "%s\t%s\t-\t-\t%d\t-\t-\t-\t%s\n",
				row.Partner.Name, level, row.Partner.ConcurrencyLimit, status)
			continue
		}
		s := row.Snapshot
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%.1f\t%d\t%s\t%s\n",
			row.Partner.Name, level, s.ActiveCalls, s.QueuedCalls, row.Partner.ConcurrencyLimit,
			s.UtilizationPercent, s.RunningCampaigns, formatTime(s.SnapshotTime), status)
	}
	w.Flush()

	if m.Editor.Phase != editor.Viewing {
		fmt.Fprintf(out, "\nEditing: %s\n", m.Editor)
	}

	if len(m.History) > 0 {
		fmt.Fprintf(out, "\nConcurrency history for %s\n", m.HistoryPartner)
		hw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(hw, "CHANGED\tFROM\tTO\tBY\tSYNCED\tREASON")
		for _, h := range m.History {
			reason := ""
			if h.Reason != nil {
				reason = *h.Reason
			}
			synced := "yes"
			if !h.SyncedToPartner {
				synced = "no"
				if h.SyncError != nil {
					synced = "no (" + *h.SyncError + ")"
				}
			}
			fmt.Fprintf(hw, "%s\t%d\t%d\t%s\t%s\t%s\n",
				formatTime(h.ChangedAt), h.OldLimit, h.NewLimit, h.ChangedBy, synced, reason)
		}
		hw.Flush()
	}

	if len(m.Notifications) > 0 {
		fmt.Fprintln(out)
		for _, n := range m.Notifications {
			fmt.Fprintf(out, "[%s] %s\n", n.Kind, n.Message)
		}
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("15:04:05")
}
