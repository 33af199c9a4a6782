package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/leozw/partner-guardian/internal/aggregate"
	"github.com/leozw/partner-guardian/internal/api/middleware"
	"github.com/leozw/partner-guardian/internal/core"
	"github.com/leozw/partner-guardian/internal/health"
)

const (
	defaultDismissHours = 24
	maxDismissHours     = 24 * 30
	alertListLimit      = 100
)

// dashboardRows pairs every partner with its latest snapshot, in partner
// list order.
func (h *Handler) dashboardRows(ctx context.Context) ([]core.PartnerDashboard, error) {
	partners, err := h.store.ListPartners(ctx, false)
	if err != nil {
		return nil, err
	}
	snaps, err := h.store.LatestSnapshots(ctx)
	if err != nil {
		return nil, err
	}

	rows := make([]core.PartnerDashboard, 0, len(partners))
	for _, p := range partners {
		rows = append(rows, core.PartnerDashboard{Partner: *p, Snapshot: snaps[p.ID]})
	}
	return rows, nil
}

// classifier returns the thresholds and staleness options in effect now.
func (h *Handler) classifier(ctx context.Context) (health.Thresholds, aggregate.Options) {
	settings := h.settings(ctx)
	return health.ThresholdsFromSettings(settings), aggregate.Options{
		Now:             h.now(),
		StalenessWindow: settings.StalenessWindow(),
	}
}

func (h *Handler) summary(ctx context.Context) (aggregate.Summary, error) {
	rows, err := h.dashboardRows(ctx)
	if err != nil {
		return aggregate.Summary{}, err
	}
	th, opts := h.classifier(ctx)
	return aggregate.SummarizeDashboard(rows, th, opts), nil
}

func (h *Handler) DashboardOverview(c *gin.Context) {
	summary, err := h.summary(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to load overview")
		return
	}
	c.JSON(http.StatusOK, summary.Overview)
}

func (h *Handler) DashboardPartners(c *gin.Context) {
	rows, err := h.dashboardRows(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to load partners")
		return
	}
	c.JSON(http.StatusOK, rows)
}

// RefreshDashboard collects every active partner before answering.
func (h *Handler) RefreshDashboard(c *gin.Context) {
	summary, err := h.collector.FetchAll(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to refresh partners")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":   "Refresh completed",
		"partners":  summary.Partners,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
	})
}

// AlertSummary counts partners per card. Partners whose open alert is
// dismissed are reported under dismissed instead of their level.
func (h *Handler) AlertSummary(c *gin.Context) {
	ctx := c.Request.Context()
	rows, err := h.dashboardRows(ctx)
	if err != nil {
		h.respondError(c, err, "Failed to load alert summary")
		return
	}
	dismissed, err := h.store.DismissedPartnerIDs(ctx, h.now())
	if err != nil {
		h.respondError(c, err, "Failed to load alert summary")
		return
	}

	th, opts := h.classifier(ctx)
	counts := aggregate.SummarizeDashboard(rows, th, opts).AlertCounts

	silenced := make(map[string]bool, len(dismissed))
	for _, id := range dismissed {
		silenced[id] = true
	}
	for _, row := range rows {
		if silenced[row.Partner.ID] {
			counts.Dismiss(aggregate.BucketOf(row.Snapshot, th, opts))
		}
	}
	c.JSON(http.StatusOK, counts)
}

func (h *Handler) ListAlerts(c *gin.Context) {
	resolved, err := strconv.ParseBool(c.DefaultQuery("resolved", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "resolved must be true or false"})
		return
	}

	alerts, err := h.store.ListAlerts(c.Request.Context(), resolved, alertListLimit)
	if err != nil {
		h.respondError(c, err, "Failed to list alerts")
		return
	}
	c.JSON(http.StatusOK, alerts)
}

func (h *Handler) DismissAlert(c *gin.Context) {
	hours := defaultDismissHours
	if raw := c.Query("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxDismissHours {
			c.JSON(http.StatusBadRequest, gin.H{"error": "hours must be between 1 and 720"})
			return
		}
		hours = n
	}

	until := h.now().Add(time.Duration(hours) * time.Hour)
	alert, err := h.store.DismissAlert(c.Request.Context(), c.Param("id"), c.GetString(middleware.ContextUsername), until)
	if err != nil {
		h.respondError(c, err, "Failed to dismiss alert")
		return
	}
	c.JSON(http.StatusOK, alert)
}
