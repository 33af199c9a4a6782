package db

import (
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/leozw/partner-guardian/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextChangedAt(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	later := now.Add(time.Second)

	tests := map[string]struct {
		prev     *time.Time
		expected time.Time
	}{
		"first entry":       {prev: nil, expected: now},
		"previous is older": {prev: ptr(now.Add(-time.Minute)), expected: now},
		"same instant":      {prev: ptr(now), expected: now.Add(time.Microsecond)},
		"clock went back":   {prev: &later, expected: later.Add(time.Microsecond)},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got := NextChangedAt(tc.prev, now)
			assert.True(t, tc.expected.Equal(got), "expected %s, got %s", tc.expected, got)
			if tc.prev != nil {
				assert.True(t, got.After(*tc.prev))
			}
		})
	}
}

func TestMigrationsAreEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationFiles, "migrations")
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, "000001_init.up.sql")
	assert.Contains(t, names, "000001_init.down.sql")
	assert.Contains(t, names, "000002_default_settings.up.sql")
	assert.Contains(t, names, "000003_capacity_thresholds.up.sql")
}

func TestMigrationsSeedEveryDefaultSetting(t *testing.T) {
	var seeded strings.Builder
	for _, name := range []string{"000002_default_settings.up.sql", "000003_capacity_thresholds.up.sql"} {
		data, err := fs.ReadFile(migrationFiles, "migrations/"+name)
		require.NoError(t, err)
		seeded.Write(data)
	}
	for key := range core.DefaultSettings() {
		assert.Contains(t, seeded.String(), "'"+key+"'")
	}
}

func ptr(t time.Time) *time.Time {
	return &t
}
