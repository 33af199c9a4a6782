package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leozw/partner-guardian/internal/api/middleware"
	"github.com/leozw/partner-guardian/internal/core"
	"github.com/leozw/partner-guardian/internal/db"
)

const (
	defaultLogLimit     = 50
	maxLogLimit         = 500
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	forceSyncTimeout    = 5 * time.Minute
)

func (h *Handler) ListPartners(c *gin.Context) {
	activeOnly := c.Query("active") == "true"

	partners, err := h.store.ListPartners(c.Request.Context(), activeOnly)
	if err != nil {
		h.respondError(c, err, "Failed to list partners")
		return
	}
	c.JSON(http.StatusOK, partners)
}

func (h *Handler) GetPartner(c *gin.Context) {
	partner, err := h.store.GetPartner(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Failed to get partner")
		return
	}
	c.JSON(http.StatusOK, partner)
}

func (h *Handler) CreatePartner(c *gin.Context) {
	var in core.PartnerInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	partner, err := core.NewPartner(in)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	now := h.now()
	partner.ID = uuid.New().String()
	partner.CreatedAt = now
	partner.UpdatedAt = now

	if err := h.store.CreatePartner(c.Request.Context(), partner); err != nil {
		h.respondError(c, err, "Failed to create partner")
		return
	}

	h.logger.Info("Partner created",
		zap.String("partner_id", partner.ID),
		zap.String("partner_name", partner.Name),
		zap.String("created_by", c.GetString(middleware.ContextUsername)))
	c.JSON(http.StatusCreated, partner)
}

func (h *Handler) UpdatePartner(c *gin.Context) {
	var upd core.PartnerUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	partner, err := h.store.GetPartner(ctx, c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Failed to update partner")
		return
	}
	if err := upd.Apply(partner); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	partner.UpdatedAt = h.now()

	if err := h.store.UpdatePartner(ctx, partner); err != nil {
		h.respondError(c, err, "Failed to update partner")
		return
	}
	c.JSON(http.StatusOK, partner)
}

func (h *Handler) DeletePartner(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.DeletePartner(c.Request.Context(), id); err != nil {
		h.respondError(c, err, "Failed to delete partner")
		return
	}
	if h.metrics != nil {
		h.metrics.ForgetPartner(id)
	}

	h.logger.Info("Partner deleted",
		zap.String("partner_id", id),
		zap.String("deleted_by", c.GetString(middleware.ContextUsername)))
	c.Status(http.StatusNoContent)
}

func (h *Handler) UpdateConcurrency(c *gin.Context) {
	var upd core.ConcurrencyUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "newLimit is required"})
		return
	}

	result, err := h.concurrency.Update(c.Request.Context(), c.Param("id"), upd, c.GetString(middleware.ContextUsername))
	if err != nil {
		h.respondError(c, err, "Failed to update concurrency")
		return
	}
	c.JSON(http.StatusOK, result)
}

// BulkUpdateConcurrency applies one limit to several partners and reports
// each outcome separately.
func (h *Handler) BulkUpdateConcurrency(c *gin.Context) {
	var upd core.BulkConcurrencyUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "partnerIds and newLimit are required"})
		return
	}

	results, err := h.concurrency.UpdateMany(c.Request.Context(), upd, c.GetString(middleware.ContextUsername))
	if err != nil {
		h.respondError(c, err, "Failed to update concurrency")
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *Handler) PauseNonPriority(c *gin.Context) {
	var upd core.PauseNonPriorityUpdate
	if err := c.ShouldBindJSON(&upd); err != nil || upd.Enabled == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled is required"})
		return
	}

	result, err := h.concurrency.SetPauseNonPriority(c.Request.Context(), c.Param("id"), *upd.Enabled, c.GetString(middleware.ContextUsername))
	if err != nil {
		h.respondError(c, err, "Failed to update pauseNonPriorityCampaigns")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) SuggestConcurrency(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.store.GetPartner(ctx, id); err != nil {
		h.respondError(c, err, "Failed to suggest concurrency")
		return
	}

	suggestion, err := h.concurrency.SuggestFor(ctx, id)
	if err != nil {
		h.respondError(c, err, "Failed to suggest concurrency")
		return
	}
	c.JSON(http.StatusOK, suggestion)
}

// TestConnection checks the partner connection synchronously and records the attempt.
func (h *Handler) TestConnection(c *gin.Context) {
	ctx := c.Request.Context()
	partner, err := h.store.GetPartner(ctx, c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Failed to test connection")
		return
	}

	result := h.tester.TestConnection(ctx, partner)

	entry := &core.ConnectionLogEntry{
		ID:               uuid.New().String(),
		PartnerID:        partner.ID,
		ConnectionStatus: core.ConnectionSuccess,
		ResponseTimeMs:   result.ResponseTimeMs,
		QueryType:        "test",
		Timestamp:        h.now(),
	}
	if !result.Success {
		msg := result.Message
		entry.ConnectionStatus = core.ConnectionFailure
		entry.ErrorMessage = &msg
	}
	if err := h.store.SaveConnectionLog(ctx, entry); err != nil {
		h.logger.Warn("Failed to save connection log", zap.String("partner_id", partner.ID), zap.Error(err))
	}

	c.JSON(http.StatusOK, result)
}

// ForceSync collects one partner in the background and answers immediately.
func (h *Handler) ForceSync(c *gin.Context) {
	partner, err := h.store.GetPartner(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Failed to sync partner")
		return
	}

	go h.forceSync(partner.ID)

	c.JSON(http.StatusAccepted, gin.H{
		"message":   "Sync started",
		"partnerId": partner.ID,
	})
}

func (h *Handler) forceSync(partnerID string) {
	ctx, cancel := context.WithTimeout(h.background, forceSyncTimeout)
	defer cancel()

	snap, err := h.collector.ForceSync(ctx, partnerID)
	if err != nil {
		h.logger.Error("Force sync failed", zap.String("partner_id", partnerID), zap.Error(err))
		return
	}
	h.logger.Info("Force sync completed",
		zap.String("partner_id", partnerID),
		zap.String("alert_level", snap.AlertLevel.String()))
}

// PartnerMetrics returns the latest snapshot, or null if none was taken yet.
func (h *Handler) PartnerMetrics(c *gin.Context) {
	snap, err := h.store.LatestSnapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusOK, nil)
			return
		}
		h.respondError(c, err, "Failed to get partner metrics")
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Handler) PartnerLogs(c *gin.Context) {
	logs, err := h.store.ListConnectionLogs(c.Request.Context(), c.Param("id"), queryLimit(c, defaultLogLimit, maxLogLimit))
	if err != nil {
		h.respondError(c, err, "Failed to list connection logs")
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (h *Handler) ClearPartnerLogs(c *gin.Context) {
	deleted, err := h.store.DeleteConnectionLogs(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "Failed to clear connection logs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (h *Handler) ConcurrencyHistory(c *gin.Context) {
	history, err := h.store.ListHistory(c.Request.Context(), c.Param("id"), queryLimit(c, defaultHistoryLimit, maxHistoryLimit))
	if err != nil {
		h.respondError(c, err, "Failed to list concurrency history")
		return
	}
	c.JSON(http.StatusOK, history)
}
