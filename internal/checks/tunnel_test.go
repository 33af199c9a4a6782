package checks

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"encoding/pem"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/leozw/partner-guardian/internal/core"
)

func privateKeyPEM(t *testing.T, passphrase string) string {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(key, "")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(key, "", []byte(passphrase))
	}
	require.NoError(t, err)
	return string(pem.EncodeToMemory(block))
}

func TestSSHAuth(t *testing.T) {
	plain := privateKeyPEM(t, "")
	protected := privateKeyPEM(t, "s3cret")

	tests := map[string]struct {
		config  core.SSHConfig
		wantErr bool
	}{
		"password":              {config: core.SSHConfig{Password: "pw"}},
		"private key":           {config: core.SSHConfig{PrivateKey: plain}},
		"key with passphrase":   {config: core.SSHConfig{PrivateKey: protected, Passphrase: "s3cret"}},
		"key takes precedence":  {config: core.SSHConfig{PrivateKey: plain, Password: "pw"}},
		"wrong passphrase":      {config: core.SSHConfig{PrivateKey: protected, Passphrase: "nope"}, wantErr: true},
		"malformed key":         {config: core.SSHConfig{PrivateKey: "not a key"}, wantErr: true},
		"no credentials at all": {config: core.SSHConfig{}, wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			auth, err := sshAuth(tc.config)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, auth, 1)
		})
	}
}

func TestParseRemoteLimit(t *testing.T) {
	tests := map[string]struct {
		raw      string
		expected int
		wantErr  bool
	}{
		"plain":        {raw: "25", expected: 25},
		"padded":       {raw: " 40\n", expected: 40},
		"not a number": {raw: "lots", wantErr: true},
		"zero":         {raw: "0", wantErr: true},
		"above max":    {raw: "250", wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, err := parseRemoteLimit(tc.raw)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestStageError(t *testing.T) {
	cause := errors.New("connection refused")
	err := &StageError{Stage: StageDatabase, Err: cause}

	assert.Equal(t, "Database connection failed: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
}

// closedAddr returns an address on which nothing listens.
func closedAddr(t *testing.T) (string, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port, err := net.SplitHostPort(l.Addr().String())
	require.NoError(t, err)
	require.NoError(t, l.Close())
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return host, p
}

func TestConnectionTestReportsFailingHop(t *testing.T) {
	src := NewTunnelSource(Options{ConnectTimeout: time.Second, QueryTimeout: time.Second}, zap.NewNop())
	host, port := closedAddr(t)

	t.Run("database unreachable", func(t *testing.T) {
		p := &core.Partner{ID: "p1", DBHost: host, DBPort: port, DBName: "tenant", DBUsername: "u"}
		res := src.TestConnection(context.Background(), p)
		assert.False(t, res.Success)
		assert.Contains(t, res.Message, "Database connection failed")
	})

	t.Run("tunnel without credentials", func(t *testing.T) {
		p := &core.Partner{
			ID: "p1", DBHost: "10.0.0.5", DBPort: 3306, DBName: "tenant", DBUsername: "u",
			SSH: core.SSHConfig{Enabled: true, Host: host, Port: port, Username: "ops"},
		}
		res := src.TestConnection(context.Background(), p)
		assert.False(t, res.Success)
		assert.Contains(t, res.Message, "SSH connection failed")
	})
}

func TestFetchFailsOnUnreachableDatabase(t *testing.T) {
	src := NewTunnelSource(Options{ConnectTimeout: time.Second}, zap.NewNop())
	host, port := closedAddr(t)

	_, err := src.Fetch(context.Background(), &core.Partner{ID: "p1", DBHost: host, DBPort: port, DBName: "tenant"})

	var stage *StageError
	require.ErrorAs(t, err, &stage)
	assert.Equal(t, StageDatabase, stage.Stage)
}

func TestFoldStatusRows(t *testing.T) {
	rows := []statusRow{
		{Status: sql.NullString{String: "COMPLETED", Valid: true}, Count: 7},
		{Status: sql.NullString{String: "FAILED", Valid: true}, Count: 2},
		{Status: sql.NullString{}, Count: 1},
		{Status: sql.NullString{String: "", Valid: true}, Count: 3},
	}

	got := foldStatusRows(13, rows)
	assert.Equal(t, 13, got.Total)
	assert.Equal(t, map[string]int{"COMPLETED": 7, "FAILED": 2, unknownStatus: 4}, got.ByStatus)

	empty := foldStatusRows(0, nil)
	assert.NotNil(t, empty.ByStatus)
	assert.Empty(t, empty.ByStatus)
}

func TestTenantWritesFailOnUnreachableDatabase(t *testing.T) {
	src := NewTunnelSource(Options{ConnectTimeout: time.Second}, zap.NewNop())
	host, port := closedAddr(t)
	p := &core.Partner{ID: "p1", DBHost: host, DBPort: port, DBName: "tenant"}

	_, err := src.ApplyPauseNonPriority(context.Background(), p, true)
	var stage *StageError
	require.ErrorAs(t, err, &stage)
	assert.Equal(t, StageDatabase, stage.Stage)

	_, err = src.PeriodStats(context.Background(), p, core.Period{StartDate: "2026-01-01", EndDate: "2026-01-31"})
	require.ErrorAs(t, err, &stage)
}
