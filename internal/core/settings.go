package core

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	SettingRefreshInterval              = "refreshInterval"
	SettingAutoRefreshEnabled           = "autoRefreshEnabled"
	SettingQueryTimeout                 = "queryTimeout"
	SettingConnectionTimeout            = "connectionTimeout"
	SettingConcurrentPartnerLimit       = "concurrentPartnerLimit"
	SettingCriticalQueuedThreshold      = "criticalQueuedThreshold"
	SettingCriticalUtilizationThreshold = "criticalUtilizationThreshold"
	SettingHighQueuedMin                = "highQueuedMin"
	SettingHighQueuedMax                = "highQueuedMax"
	SettingMediumQueuedMin              = "mediumQueuedMin"
	SettingOverCapacityQueuedMin        = "overCapacityQueuedMin"
	SettingOverCapacityUtilization      = "overCapacityUtilization"
	SettingCampaignsCriticalMin         = "campaignsCriticalMin"
	SettingCampaignsCriticalLimit       = "campaignsCriticalLimit"
	SettingCampaignsHighMin             = "campaignsHighMin"
	SettingCampaignsHighLimit           = "campaignsHighLimit"
	SettingCampaignsMediumMin           = "campaignsMediumMin"
	SettingCampaignsMediumLimit         = "campaignsMediumLimit"
	SettingStalenessWindowSeconds       = "stalenessWindowSeconds"
	SettingEmailAlertsEnabled           = "emailAlertsEnabled"
	SettingEmailRecipients              = "emailRecipients"
	SettingPublicAPIAllowedDomains      = "publicApiAllowedDomains"
)

const (
	MinRefreshInterval = 30 * time.Second
	MaxRefreshInterval = 900 * time.Second
)

// DefaultSettings are the values used when a key is absent from the store.
func DefaultSettings() Settings {
	return Settings{
		SettingRefreshInterval:              float64(120),
		SettingAutoRefreshEnabled:           true,
		SettingQueryTimeout:                 float64(60),
		SettingConnectionTimeout:            float64(30),
		SettingConcurrentPartnerLimit:       float64(5),
		SettingCriticalQueuedThreshold:      float64(200),
		SettingCriticalUtilizationThreshold: float64(30),
		SettingHighQueuedMin:                float64(100),
		SettingHighQueuedMax:                float64(200),
		SettingMediumQueuedMin:              float64(50),
		SettingOverCapacityQueuedMin:        float64(100),
		SettingOverCapacityUtilization:      float64(100),
		SettingCampaignsCriticalMin:         float64(50),
		SettingCampaignsCriticalLimit:       float64(10),
		SettingCampaignsHighMin:             float64(30),
		SettingCampaignsHighLimit:           float64(15),
		SettingCampaignsMediumMin:           float64(15),
		SettingCampaignsMediumLimit:         float64(20),
		SettingStalenessWindowSeconds:       float64(600),
		SettingEmailAlertsEnabled:           false,
		SettingEmailRecipients:              "",
		SettingPublicAPIAllowedDomains:      "",
	}
}

// Settings is a flat key/value map. Values hold whatever JSON decoded into
// (float64, bool, string, []interface{}); accessors coerce and fall back to
// the supplied default.
type Settings map[string]interface{}

// SettingsFromList folds stored settings into a map on top of the defaults.
func SettingsFromList(list []Setting) Settings {
	s := DefaultSettings()
	for _, item := range list {
		var v interface{}
		if len(item.Value) == 0 {
			continue
		}
		if err := json.Unmarshal(item.Value, &v); err != nil {
			continue
		}
		s[item.Key] = v
	}
	return s
}

func (s Settings) Float(key string, def float64) float64 {
	if v, ok := s.number(key); ok {
		return v
	}
	return def
}

func (s Settings) Int(key string, def int) int {
	if v, ok := s.number(key); ok {
		return int(math.Round(v))
	}
	return def
}

func (s Settings) number(key string) (float64, bool) {
	switch v := s[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

func (s Settings) Bool(key string, def bool) bool {
	switch v := s[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err == nil {
			return b
		}
	case float64:
		return v != 0
	}
	return def
}

func (s Settings) String(key, def string) string {
	switch v := s[key].(type) {
	case string:
		return v
	case nil:
		return def
	default:
		return fmt.Sprint(v)
	}
}

// StringList reads a comma separated string or a JSON array of strings.
func (s Settings) StringList(key string) []string {
	var raw []string
	switch v := s[key].(type) {
	case string:
		raw = strings.Split(v, ",")
	case []interface{}:
		for _, item := range v {
			if str, ok := item.(string); ok {
				raw = append(raw, str)
			}
		}
	case []string:
		raw = v
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// RefreshInterval is the dashboard poll period, clamped to [30s, 900s].
func (s Settings) RefreshInterval() time.Duration {
	d := time.Duration(s.Float(SettingRefreshInterval, 120)) * time.Second
	if d < MinRefreshInterval {
		return MinRefreshInterval
	}
	if d > MaxRefreshInterval {
		return MaxRefreshInterval
	}
	return d
}

func (s Settings) AutoRefreshEnabled() bool {
	return s.Bool(SettingAutoRefreshEnabled, true)
}

func (s Settings) StalenessWindow() time.Duration {
	secs := s.Float(SettingStalenessWindowSeconds, 600)
	if secs <= 0 {
		secs = 600
	}
	return time.Duration(secs) * time.Second
}

func (s Settings) ConcurrentPartnerLimit() int {
	n := s.Int(SettingConcurrentPartnerLimit, 5)
	if n < 1 {
		return 1
	}
	return n
}

func (s Settings) QueryTimeout() time.Duration {
	return time.Duration(s.Float(SettingQueryTimeout, 60)) * time.Second
}

func (s Settings) ConnectionTimeout() time.Duration {
	return time.Duration(s.Float(SettingConnectionTimeout, 30)) * time.Second
}

// Setting is one stored key/value pair as exchanged over the API.
type Setting struct {
	Key         string       `json:"settingKey" db:"setting_key"`
	Value       SettingValue `json:"settingValue" db:"setting_value"`
	Description *string      `json:"description,omitempty" db:"description"`
	UpdatedAt   time.Time    `json:"updatedAt" db:"updated_at"`
	UpdatedBy   *string      `json:"updatedBy,omitempty" db:"updated_by"`
}

// SettingValue holds the raw JSON of a setting value.
type SettingValue []byte

func NewSettingValue(v interface{}) (SettingValue, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return SettingValue(data), nil
}

func (v SettingValue) MarshalJSON() ([]byte, error) {
	if len(v) == 0 {
		return []byte("null"), nil
	}
	return []byte(v), nil
}

func (v *SettingValue) UnmarshalJSON(data []byte) error {
	*v = append((*v)[0:0], data...)
	return nil
}

func (v SettingValue) Value() (driver.Value, error) {
	if len(v) == 0 {
		return "null", nil
	}
	return string(v), nil
}

func (v *SettingValue) Scan(value interface{}) error {
	switch src := value.(type) {
	case nil:
		*v = nil
	case []byte:
		*v = append(SettingValue(nil), src...)
	case string:
		*v = SettingValue(src)
	default:
		return fmt.Errorf("cannot scan %T into SettingValue", value)
	}
	return nil
}
