package checks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/leozw/partner-guardian/internal/core"
)

// tunnelNet is the network name under which SSH-tunneled connections are
// registered with the MySQL driver.
const tunnelNet = "guardian+ssh"

var (
	registerOnce sync.Once
	tunnels      sync.Map // session key -> *tunnel
	tunnelSeq    atomic.Uint64
)

type tunnel struct {
	client *ssh.Client
	target string
}

func registerTunnelDialer() {
	registerOnce.Do(func() {
		mysql.RegisterDialContext(tunnelNet, func(ctx context.Context, addr string) (net.Conn, error) {
			v, ok := tunnels.Load(addr)
			if !ok {
				return nil, fmt.Errorf("no ssh tunnel registered for %s", addr)
			}
			t := v.(*tunnel)
			return t.client.DialContext(ctx, "tcp", t.target)
		})
	})
}

type Stage string

const (
	StageSSH      Stage = "SSH"
	StageDatabase Stage = "Database"
)

// StageError tells which hop of the connection failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s connection failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

type Options struct {
	ConnectTimeout time.Duration
	QueryTimeout   time.Duration
}

// TunnelSource talks to partner MySQL databases, through an SSH tunnel when
// the partner has one configured. Every call opens and closes its own
// connection.
type TunnelSource struct {
	connectTimeout time.Duration
	queryTimeout   time.Duration
	logger         *zap.Logger
}

func NewTunnelSource(opts Options, logger *zap.Logger) *TunnelSource {
	registerTunnelDialer()
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 60 * time.Second
	}
	return &TunnelSource{
		connectTimeout: opts.ConnectTimeout,
		queryTimeout:   opts.QueryTimeout,
		logger:         logger,
	}
}

type session struct {
	db  *sqlx.DB
	ssh *ssh.Client
	key string
}

func (s *session) Close() error {
	var err error
	if s.db != nil {
		err = s.db.Close()
	}
	if s.key != "" {
		tunnels.Delete(s.key)
	}
	if s.ssh != nil {
		s.ssh.Close()
	}
	return err
}

func (t *TunnelSource) open(ctx context.Context, p *core.Partner) (*session, error) {
	cfg := t.mysqlConfig(p)
	s := &session{}

	if p.SSH.Enabled {
		client, err := t.dialSSH(ctx, p.SSH)
		if err != nil {
			return nil, &StageError{Stage: StageSSH, Err: err}
		}
		s.ssh = client
		s.key = fmt.Sprintf("%s#%d", p.ID, tunnelSeq.Add(1))
		tunnels.Store(s.key, &tunnel{client: client, target: p.DatabaseAddr()})
		cfg.Net = tunnelNet
		cfg.Addr = s.key
	}

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		s.Close()
		return nil, &StageError{Stage: StageDatabase, Err: err}
	}
	s.db = sqlx.NewDb(sql.OpenDB(connector), "mysql")
	s.db.SetMaxOpenConns(1)

	if err := s.db.PingContext(ctx); err != nil {
		s.Close()
		return nil, &StageError{Stage: StageDatabase, Err: err}
	}
	return s, nil
}

func (t *TunnelSource) mysqlConfig(p *core.Partner) *mysql.Config {
	cfg := mysql.NewConfig()
	cfg.User = p.DBUsername
	cfg.Passwd = p.DBPassword
	cfg.DBName = p.DBName
	cfg.Net = "tcp"
	cfg.Addr = p.DatabaseAddr()
	cfg.Timeout = t.connectTimeout
	cfg.ReadTimeout = t.queryTimeout
	cfg.WriteTimeout = t.queryTimeout
	// Count matched rows so re-applying the current limit is not reported
	// as a missing setting.
	cfg.ClientFoundRows = true
	return cfg
}

func (t *TunnelSource) dialSSH(ctx context.Context, c core.SSHConfig) (*ssh.Client, error) {
	auth, err := sshAuth(c)
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            c.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         t.connectTimeout,
	}

	dialer := net.Dialer{Timeout: t.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.Addr())
	if err != nil {
		return nil, err
	}

	conn.SetDeadline(time.Now().Add(t.connectTimeout))
	cc, chans, reqs, err := ssh.NewClientConn(conn, c.Addr(), config)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	return ssh.NewClient(cc, chans, reqs), nil
}

func sshAuth(c core.SSHConfig) ([]ssh.AuthMethod, error) {
	switch {
	case c.PrivateKey != "":
		var signer ssh.Signer
		var err error
		if c.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(c.PrivateKey), []byte(c.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(c.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case c.Password != "":
		return []ssh.AuthMethod{ssh.Password(c.Password)}, nil
	}
	return nil, errors.New("ssh tunnel has neither a password nor a private key")
}

func (t *TunnelSource) Fetch(ctx context.Context, p *core.Partner) (*Metrics, error) {
	s, err := t.open(ctx, p)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(ctx, t.queryTimeout)
	defer cancel()

	m := &Metrics{}
	counts := []struct {
		dest  *int
		query string
	}{
		{&m.RunningCampaigns, queryRunningCampaigns},
		{&m.CampaignsToday, queryCampaignsToday},
		{&m.ActiveCalls, queryActiveCalls},
		{&m.QueuedCalls, queryQueuedCalls},
		{&m.CompletedCallsToday, queryCompletedToday},
		{&m.RemainingCalls, queryRemainingCalls},
	}
	for _, c := range counts {
		if err := s.db.GetContext(ctx, c.dest, c.query); err != nil {
			return nil, fmt.Errorf("query failed: %w", err)
		}
	}

	var raw string
	if err := s.db.GetContext(ctx, &raw, queryRemoteLimit); err != nil {
		t.logger.Warn("Could not read tenant concurrency",
			zap.String("partner_id", p.ID),
			zap.Error(err))
		return m, nil
	}
	if limit, err := parseRemoteLimit(raw); err != nil {
		t.logger.Warn("Tenant concurrency is not a valid limit",
			zap.String("partner_id", p.ID),
			zap.String("value", raw))
	} else {
		m.RemoteLimit = &limit
	}

	return m, nil
}

func parseRemoteLimit(raw string) (int, error) {
	limit, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if !core.ValidConcurrencyLimit(limit) {
		return 0, fmt.Errorf("limit %d out of range", limit)
	}
	return limit, nil
}

func (t *TunnelSource) TestConnection(ctx context.Context, p *core.Partner) core.ConnectionTestResult {
	start := time.Now()

	s, err := t.open(ctx, p)
	elapsed := int(time.Since(start).Milliseconds())
	if err != nil {
		return core.ConnectionTestResult{
			Success:        false,
			Message:        err.Error(),
			ResponseTimeMs: elapsed,
		}
	}
	defer s.Close()

	via := "direct"
	if p.SSH.Enabled {
		via = "ssh"
	}
	return core.ConnectionTestResult{
		Success:        true,
		Message:        "Connection successful",
		ResponseTimeMs: elapsed,
		Details: map[string]string{
			"database": p.DBName,
			"via":      via,
		},
	}
}

func (t *TunnelSource) ApplyConcurrency(ctx context.Context, p *core.Partner, newLimit int) (string, error) {
	return t.applySetting(ctx, p, settingCallConcurrency, strconv.Itoa(newLimit))
}

// ApplyPauseNonPriority writes the non-priority campaign toggle to the tenant.
func (t *TunnelSource) ApplyPauseNonPriority(ctx context.Context, p *core.Partner, enabled bool) (string, error) {
	return t.applySetting(ctx, p, settingPauseNonPriority, strconv.FormatBool(enabled))
}

// applySetting updates one row of the tenant settings table and records the
// change in its audit log within a single transaction. A failed audit insert
// is reported in the message but does not fail the update.
func (t *TunnelSource) applySetting(ctx context.Context, p *core.Partner, name, value string) (string, error) {
	s, err := t.open(ctx, p)
	if err != nil {
		return "", err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(ctx, t.queryTimeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var old sql.NullString
	if err := tx.GetContext(ctx, &old, queryRemoteSetting, name); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to read current %s: %w", name, err)
	}

	res, err := tx.ExecContext(ctx, updateRemoteSetting, value, name)
	if err != nil {
		return "", fmt.Errorf("failed to update %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return "", fmt.Errorf("no rows updated, %s setting might not exist", name)
	}

	message := "Synced to partner database with audit log"
	if _, err := tx.ExecContext(ctx, insertRemoteAudit, auditUserID, old, value); err != nil {
		t.logger.Warn("Setting updated but audit log failed",
			zap.String("partner_id", p.ID),
			zap.String("setting", name),
			zap.Error(err))
		message = fmt.Sprintf("%s updated (audit log failed: %v)", name, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return message, nil
}
