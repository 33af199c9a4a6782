package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/leozw/partner-guardian/internal/api/middleware"
	"github.com/leozw/partner-guardian/internal/core"
)

// numericRanges bounds the numeric settings an operator may store.
var numericRanges = map[string][2]float64{
	core.SettingRefreshInterval:              {core.MinRefreshInterval.Seconds(), core.MaxRefreshInterval.Seconds()},
	core.SettingQueryTimeout:                 {1, 600},
	core.SettingConnectionTimeout:            {1, 300},
	core.SettingConcurrentPartnerLimit:       {1, 50},
	core.SettingCriticalQueuedThreshold:      {0, 1e6},
	core.SettingCriticalUtilizationThreshold: {0, 100},
	core.SettingHighQueuedMin:                {0, 1e6},
	core.SettingHighQueuedMax:                {0, 1e6},
	core.SettingMediumQueuedMin:              {0, 1e6},
	core.SettingOverCapacityQueuedMin:        {0, 1e6},
	core.SettingOverCapacityUtilization:      {0, 1000},
	core.SettingCampaignsCriticalMin:         {0, 1e4},
	core.SettingCampaignsCriticalLimit:       {0, 1e4},
	core.SettingCampaignsHighMin:             {0, 1e4},
	core.SettingCampaignsHighLimit:           {0, 1e4},
	core.SettingCampaignsMediumMin:           {0, 1e4},
	core.SettingCampaignsMediumLimit:         {0, 1e4},
	core.SettingStalenessWindowSeconds:       {30, 86400},
}

var booleanSettings = map[string]bool{
	core.SettingAutoRefreshEnabled: true,
	core.SettingEmailAlertsEnabled: true,
}

func validateSetting(s core.Setting) error {
	if strings.TrimSpace(s.Key) == "" {
		return errors.New("settingKey is required")
	}
	var v interface{}
	if err := json.Unmarshal(s.Value, &v); err != nil {
		return fmt.Errorf("%s: settingValue is not valid JSON", s.Key)
	}

	if bounds, ok := numericRanges[s.Key]; ok {
		n, ok := v.(float64)
		if !ok {
			return fmt.Errorf("%s must be a number", s.Key)
		}
		if n < bounds[0] || n > bounds[1] {
			return fmt.Errorf("%s must be between %g and %g", s.Key, bounds[0], bounds[1])
		}
	}
	if booleanSettings[s.Key] {
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("%s must be a boolean", s.Key)
		}
	}
	return nil
}

func (h *Handler) ListSettings(c *gin.Context) {
	settings, err := h.store.ListSettings(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to list settings")
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (h *Handler) GetSetting(c *gin.Context) {
	setting, err := h.store.GetSetting(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.respondError(c, err, "Failed to get setting")
		return
	}
	c.JSON(http.StatusOK, setting)
}

// UpdateSettings upserts every setting in the body and refreshes the CORS
// allow-list, which is derived from publicApiAllowedDomains.
func (h *Handler) UpdateSettings(c *gin.Context) {
	var settings []core.Setting
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be an array of settings"})
		return
	}
	for _, s := range settings {
		if err := validateSetting(s); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	ctx := c.Request.Context()
	username := c.GetString(middleware.ContextUsername)
	if err := h.store.UpsertSettings(ctx, settings, username); err != nil {
		h.respondError(c, err, "Failed to update settings")
		return
	}

	updated, err := h.store.ListSettings(ctx)
	if err != nil {
		h.respondError(c, err, "Failed to list settings")
		return
	}
	if h.origins != nil {
		domains := core.SettingsFromList(updated).StringList(core.SettingPublicAPIAllowedDomains)
		h.origins.Update(domains)
	}

	h.logger.Info("Settings updated", zap.Int("count", len(settings)), zap.String("updated_by", username))
	c.JSON(http.StatusOK, updated)
}
