package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/leozw/partner-guardian/internal/core"
)

func (h *Handler) period(c *gin.Context) (core.Period, bool) {
	period, err := core.ParsePeriod(c.Query("start_date"), c.Query("end_date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return core.Period{}, false
	}
	return period, true
}

// PartnerPeriodStats reports one partner's calls and submittals over a date
// range. An unreachable tenant is reported in the body, not as a failure.
func (h *Handler) PartnerPeriodStats(c *gin.Context) {
	period, ok := h.period(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	partner, err := h.store.GetPartner(ctx, c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Failed to load period statistics")
		return
	}

	report := core.PeriodStatsReport{Success: true, Period: period, PeriodStats: core.EmptyPeriodStats()}
	stats, err := h.periods.PeriodStats(ctx, partner, period)
	if err != nil {
		h.logger.Warn("Failed to fetch period statistics",
			zap.String("partner_id", partner.ID),
			zap.Error(err))
		report.Success = false
		report.Error = err.Error()
	} else {
		report.PeriodStats = *stats
	}
	c.JSON(http.StatusOK, report)
}

// AllPartnersPeriodStats queries every active partner, a few at a time, and
// sums the results. Partners that fail appear in the breakdown with their
// error and zero counts.
func (h *Handler) AllPartnersPeriodStats(c *gin.Context) {
	period, ok := h.period(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	partners, err := h.store.ListPartners(ctx, true)
	if err != nil {
		h.respondError(c, err, "Failed to load period statistics")
		return
	}

	breakdown := h.collectPeriodStats(ctx, partners, period, h.settings(ctx).ConcurrentPartnerLimit())

	out := core.AllPartnersPeriodStats{
		Success:          true,
		Period:           period,
		TotalPartners:    len(partners),
		Aggregated:       core.EmptyPeriodStats(),
		PartnerBreakdown: breakdown,
	}
	for _, b := range breakdown {
		out.Aggregated.Add(b.PeriodStats)
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) collectPeriodStats(ctx context.Context, partners []*core.Partner, period core.Period, parallel int) []core.PartnerPeriodStats {
	breakdown := make([]core.PartnerPeriodStats, len(partners))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	for i, p := range partners {
		g.Go(func() error {
			entry := core.PartnerPeriodStats{PartnerID: p.ID, PartnerName: p.Name, PeriodStats: core.EmptyPeriodStats()}
			stats, err := h.periods.PeriodStats(gctx, p, period)
			if err != nil {
				h.logger.Warn("Failed to fetch period statistics",
					zap.String("partner_id", p.ID),
					zap.Error(err))
				entry.Error = err.Error()
			} else {
				entry.PeriodStats = *stats
			}
			breakdown[i] = entry
			return nil
		})
	}
	_ = g.Wait()
	return breakdown
}
