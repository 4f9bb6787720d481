package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationFiles_PairedUpAndDown(t *testing.T) {
	names, err := MigrationFiles()
	require.NoError(t, err)
	require.NotEmpty(t, names)

	ups, downs := map[string]bool{}, map[string]bool{}
	for _, n := range names {
		switch {
		case strings.HasSuffix(n, ".up.sql"):
			ups[strings.TrimSuffix(n, ".up.sql")] = true
		case strings.HasSuffix(n, ".down.sql"):
			downs[strings.TrimSuffix(n, ".down.sql")] = true
		default:
			t.Errorf("unexpected file %s", n)
		}
	}
	assert.Equal(t, ups, downs)
}

func TestMigrations_AppointmentsSchema(t *testing.T) {
	data, err := migrationsFS.ReadFile("migrations/000001_create_appointments.up.sql")
	require.NoError(t, err)
	sql := string(data)
	for _, col := range []string{"local_id", "ledger_id", "patient_id", "provider_ref", "scheduled_at", "reason", "status", "booked_at", "created_at"} {
		assert.Contains(t, sql, col)
	}
	assert.Contains(t, sql, "ledger_id    BIGINT UNIQUE")
}
