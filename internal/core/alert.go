package core

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// AlertLevel is the derived severity of a partner's load state. The zero value
// is not a valid level.
type AlertLevel int

const (
	AlertCritical AlertLevel = iota + 1
	AlertHigh
	AlertMedium
	AlertNormal
	AlertIdle
	AlertError
)

// AlertLevels lists every level in display order, most severe first.
var AlertLevels = []AlertLevel{AlertCritical, AlertHigh, AlertMedium, AlertNormal, AlertIdle, AlertError}

var alertLevelNames = map[AlertLevel]string{
	AlertCritical: "CRITICAL",
	AlertHigh:     "HIGH",
	AlertMedium:   "MEDIUM",
	AlertNormal:   "NORMAL",
	AlertIdle:     "IDLE",
	AlertError:    "ERROR",
}

func (l AlertLevel) String() string {
	if name, ok := alertLevelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("AlertLevel(%d)", int(l))
}

func (l AlertLevel) Valid() bool {
	_, ok := alertLevelNames[l]
	return ok
}

// Rank is the display position of the level; lower ranks sort first.
func (l AlertLevel) Rank() int {
	for i, level := range AlertLevels {
		if level == l {
			return i
		}
	}
	return len(AlertLevels)
}

// Actionable reports whether the level should open an alert log.
func (l AlertLevel) Actionable() bool {
	switch l {
	case AlertCritical, AlertHigh, AlertMedium, AlertError:
		return true
	default:
		return false
	}
}

func ParseAlertLevel(s string) (AlertLevel, error) {
	for level, name := range alertLevelNames {
		if name == s {
			return level, nil
		}
	}
	return 0, fmt.Errorf("unknown alert level %q", s)
}

func (l AlertLevel) MarshalJSON() ([]byte, error) {
	if !l.Valid() {
		return []byte("null"), nil
	}
	return json.Marshal(l.String())
}

func (l *AlertLevel) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*l = 0
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAlertLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

func (l AlertLevel) Value() (driver.Value, error) {
	if !l.Valid() {
		return nil, nil
	}
	return l.String(), nil
}

func (l *AlertLevel) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*l = 0
		return nil
	case string:
		parsed, err := ParseAlertLevel(v)
		if err != nil {
			return err
		}
		*l = parsed
		return nil
	case []byte:
		return l.Scan(string(v))
	default:
		return fmt.Errorf("cannot scan %T into AlertLevel", value)
	}
}

// AlertLog is an alert opened by the collector when a partner enters an
// actionable level. It is replaced when the level changes and resolved when
// the partner returns to NORMAL or IDLE.
type AlertLog struct {
	ID              string     `json:"id" db:"id"`
	PartnerID       string     `json:"partnerId" db:"partner_id"`
	AlertLevel      AlertLevel `json:"alertLevel" db:"alert_level"`
	AlertMessage    string     `json:"alertMessage" db:"alert_message"`
	IsDismissed     bool       `json:"isDismissed" db:"is_dismissed"`
	DismissedBy     *string    `json:"dismissedBy" db:"dismissed_by"`
	DismissedAt     *time.Time `json:"dismissedAt" db:"dismissed_at"`
	DismissedUntil  *time.Time `json:"dismissedUntil" db:"dismissed_until"`
	IsResolved      bool       `json:"isResolved" db:"is_resolved"`
	ResolvedAt      *time.Time `json:"resolvedAt" db:"resolved_at"`
	EmailSent       bool       `json:"emailSent" db:"email_sent"`
	LastEmailSentAt *time.Time `json:"lastEmailSentAt" db:"last_email_sent_at"`
	CreatedAt       time.Time  `json:"createdAt" db:"created_at"`
}
