package core

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	MinConcurrencyLimit = 1
	MaxConcurrencyLimit = 100
)

type SyncStatus string

const (
	SyncNeverSynced SyncStatus = "NEVER_SYNCED"
	SyncSuccess     SyncStatus = "SUCCESS"
	SyncFailed      SyncStatus = "FAILED"
	SyncInProgress  SyncStatus = "IN_PROGRESS"
)

const (
	DBTypeMySQL = "mysql"
)

// Partner is a remote tenant reachable through its own database connection,
// optionally tunneled over SSH. Credential fields are write-only: they are
// never serialized to JSON, only their presence is reported.
type Partner struct {
	ID               string     `json:"id" db:"id"`
	TenantID         int        `json:"tenantId" db:"tenant_id"`
	Name             string     `json:"partnerName" db:"partner_name"`
	DBType           string     `json:"dbType" db:"db_type"`
	DBHost           string     `json:"dbHost" db:"db_host"`
	DBPort           int        `json:"dbPort" db:"db_port"`
	DBName           string     `json:"dbName" db:"db_name"`
	DBUsername       string     `json:"dbUsername" db:"db_username"`
	DBPassword       string     `json:"-" db:"db_password"`
	HasDBPassword    bool       `json:"hasDbPassword" db:"-"`
	SSH              SSHConfig  `json:"sshConfig" db:"ssh_config"`
	ConcurrencyLimit int        `json:"concurrencyLimit" db:"concurrency_limit"`
	PauseNonPriority bool       `json:"pauseNonPriorityCampaigns" db:"pause_non_priority_campaigns"`
	IsActive         bool       `json:"isActive" db:"is_active"`
	LastSyncAt       *time.Time `json:"lastSyncAt" db:"last_sync_at"`
	LastSyncStatus   SyncStatus `json:"lastSyncStatus" db:"last_sync_status"`
	LastErrorMessage *string    `json:"lastErrorMessage" db:"last_error_message"`
	CreatedAt        time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time  `json:"updatedAt" db:"updated_at"`
}

func (p Partner) MarshalJSON() ([]byte, error) {
	type partnerJSON Partner
	out := partnerJSON(p)
	out.HasDBPassword = p.DBPassword != "" || p.HasDBPassword
	return json.Marshal(out)
}

// DatabaseAddr is the host:port of the partner database as seen from the
// tunnel endpoint (or directly when no tunnel is configured).
func (p Partner) DatabaseAddr() string {
	return fmt.Sprintf("%s:%d", p.DBHost, p.DBPort)
}

// SSHConfig describes the optional tunnel in front of a partner database.
type SSHConfig struct {
	Enabled       bool   `json:"enabled"`
	Host          string `json:"host,omitempty"`
	Port          int    `json:"port"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"-"`
	PrivateKey    string `json:"-"`
	Passphrase    string `json:"-"`
	HasPassword   bool   `json:"hasPassword"`
	HasPrivateKey bool   `json:"hasPrivateKey"`
}

// sshRecord is the storage form of SSHConfig; it keeps the credentials.
type sshRecord struct {
	Enabled       bool   `json:"enabled"`
	Host          string `json:"host,omitempty"`
	Port          int    `json:"port"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	PrivateKey    string `json:"privateKey,omitempty"`
	Passphrase    string `json:"passphrase,omitempty"`
	HasPassword   bool   `json:"-"`
	HasPrivateKey bool   `json:"-"`
}

func (c SSHConfig) MarshalJSON() ([]byte, error) {
	type sshJSON SSHConfig
	out := sshJSON(c)
	out.HasPassword = c.Password != "" || c.HasPassword
	out.HasPrivateKey = c.PrivateKey != "" || c.HasPrivateKey
	return json.Marshal(out)
}

func (c SSHConfig) Addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", c.Host, port)
}

func (c SSHConfig) Value() (driver.Value, error) {
	data, err := json.Marshal(sshRecord(c))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (c *SSHConfig) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*c = SSHConfig{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into SSHConfig", value)
	}
	var rec sshRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return err
	}
	*c = SSHConfig(rec)
	return nil
}

// PartnerInput is the create payload.
type PartnerInput struct {
	Name             string         `json:"partnerName"`
	TenantID         int            `json:"tenantId"`
	DBType           string         `json:"dbType"`
	DBHost           string         `json:"dbHost"`
	DBPort           int            `json:"dbPort"`
	DBName           string         `json:"dbName"`
	DBUsername       string         `json:"dbUsername"`
	DBPassword       string         `json:"dbPassword"`
	SSH              SSHConfigInput `json:"sshConfig"`
	ConcurrencyLimit int            `json:"concurrencyLimit"`
	IsActive         *bool          `json:"isActive"`
}

type SSHConfigInput struct {
	Enabled    bool   `json:"enabled"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// PartnerUpdate is the edit payload. A nil field means "keep the stored
// value"; this is the only way to leave a stored credential untouched.
type PartnerUpdate struct {
	Name             *string         `json:"partnerName,omitempty"`
	TenantID         *int            `json:"tenantId,omitempty"`
	DBHost           *string         `json:"dbHost,omitempty"`
	DBPort           *int            `json:"dbPort,omitempty"`
	DBName           *string         `json:"dbName,omitempty"`
	DBUsername       *string         `json:"dbUsername,omitempty"`
	DBPassword       *string         `json:"dbPassword,omitempty"`
	SSH              *SSHConfigPatch `json:"sshConfig,omitempty"`
	ConcurrencyLimit *int            `json:"concurrencyLimit,omitempty"`
	IsActive         *bool           `json:"isActive,omitempty"`
}

type SSHConfigPatch struct {
	Enabled    *bool   `json:"enabled,omitempty"`
	Host       *string `json:"host,omitempty"`
	Port       *int    `json:"port,omitempty"`
	Username   *string `json:"username,omitempty"`
	Password   *string `json:"password,omitempty"`
	PrivateKey *string `json:"privateKey,omitempty"`
	Passphrase *string `json:"passphrase,omitempty"`
}

var ErrAmbiguousCredential = errors.New("empty credential value is ambiguous; omit the field to keep the stored value")

func ValidConcurrencyLimit(limit int) bool {
	return limit >= MinConcurrencyLimit && limit <= MaxConcurrencyLimit
}

// NewPartner builds a partner from a create payload with defaults applied.
func NewPartner(in PartnerInput) (*Partner, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, errors.New("partnerName is required")
	}
	if in.DBHost == "" || in.DBName == "" || in.DBUsername == "" {
		return nil, errors.New("dbHost, dbName and dbUsername are required")
	}
	p := &Partner{
		TenantID:         in.TenantID,
		Name:             strings.TrimSpace(in.Name),
		DBType:           in.DBType,
		DBHost:           in.DBHost,
		DBPort:           in.DBPort,
		DBName:           in.DBName,
		DBUsername:       in.DBUsername,
		DBPassword:       in.DBPassword,
		ConcurrencyLimit: in.ConcurrencyLimit,
		IsActive:         true,
		LastSyncStatus:   SyncNeverSynced,
		SSH: SSHConfig{
			Enabled:    in.SSH.Enabled,
			Host:       in.SSH.Host,
			Port:       in.SSH.Port,
			Username:   in.SSH.Username,
			Password:   in.SSH.Password,
			PrivateKey: in.SSH.PrivateKey,
			Passphrase: in.SSH.Passphrase,
		},
	}
	if p.DBType == "" {
		p.DBType = DBTypeMySQL
	}
	if p.DBPort == 0 {
		p.DBPort = 3306
	}
	if p.SSH.Port == 0 {
		p.SSH.Port = 22
	}
	if p.ConcurrencyLimit == 0 {
		p.ConcurrencyLimit = 10
	}
	if !ValidConcurrencyLimit(p.ConcurrencyLimit) {
		return nil, fmt.Errorf("concurrencyLimit must be between %d and %d", MinConcurrencyLimit, MaxConcurrencyLimit)
	}
	if in.IsActive != nil {
		p.IsActive = *in.IsActive
	}
	return p, nil
}

// Apply merges an update into the partner in place.
func (u PartnerUpdate) Apply(p *Partner) error {
	if u.DBPassword != nil && *u.DBPassword == "" {
		return ErrAmbiguousCredential
	}
	if u.SSH != nil {
		for _, v := range []*string{u.SSH.Password, u.SSH.PrivateKey, u.SSH.Passphrase} {
			if v != nil && *v == "" {
				return ErrAmbiguousCredential
			}
		}
	}
	if u.ConcurrencyLimit != nil && !ValidConcurrencyLimit(*u.ConcurrencyLimit) {
		return fmt.Errorf("concurrencyLimit must be between %d and %d", MinConcurrencyLimit, MaxConcurrencyLimit)
	}

	setString(&p.Name, u.Name)
	setString(&p.DBHost, u.DBHost)
	setString(&p.DBName, u.DBName)
	setString(&p.DBUsername, u.DBUsername)
	setString(&p.DBPassword, u.DBPassword)
	setInt(&p.TenantID, u.TenantID)
	setInt(&p.DBPort, u.DBPort)
	setInt(&p.ConcurrencyLimit, u.ConcurrencyLimit)
	if u.IsActive != nil {
		p.IsActive = *u.IsActive
	}
	if u.SSH != nil {
		if u.SSH.Enabled != nil {
			p.SSH.Enabled = *u.SSH.Enabled
		}
		setString(&p.SSH.Host, u.SSH.Host)
		setInt(&p.SSH.Port, u.SSH.Port)
		setString(&p.SSH.Username, u.SSH.Username)
		setString(&p.SSH.Password, u.SSH.Password)
		setString(&p.SSH.PrivateKey, u.SSH.PrivateKey)
		setString(&p.SSH.Passphrase, u.SSH.Passphrase)
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

// ConnectionStatus is the outcome of one connection test against a partner.
type ConnectionStatus string

const (
	ConnectionSuccess ConnectionStatus = "SUCCESS"
	ConnectionFailure ConnectionStatus = "FAILURE"
)

type ConnectionLogEntry struct {
	ID               string           `json:"id" db:"id"`
	PartnerID        string           `json:"partnerId" db:"partner_id"`
	ConnectionStatus ConnectionStatus `json:"connectionStatus" db:"connection_status"`
	ErrorMessage     *string          `json:"errorMessage,omitempty" db:"error_message"`
	ResponseTimeMs   int              `json:"responseTimeMs" db:"response_time_ms"`
	QueryType        string           `json:"queryType" db:"query_type"`
	Timestamp        time.Time        `json:"timestamp" db:"timestamp"`
}

// ConnectionTestResult is returned by the synchronous connection test.
type ConnectionTestResult struct {
	Success        bool              `json:"success"`
	Message        string            `json:"message"`
	ResponseTimeMs int               `json:"responseTimeMs"`
	Details        map[string]string `json:"details,omitempty"`
}
