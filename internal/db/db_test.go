package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	pg := &Database{Driver: DriverPostgres}
	assert.Equal(t, "SELECT 1 FROM users WHERE id = $1 AND email = $2", pg.Rebind("SELECT 1 FROM users WHERE id = ? AND email = ?"))

	lite := &Database{Driver: DriverSQLite}
	assert.Equal(t, "SELECT ? ", lite.Rebind("SELECT ? "))
}

func TestAutoMigrateSQLite(t *testing.T) {
	database, err := NewDatabase(DriverSQLite, ":memory:")
	require.NoError(t, err)
	defer database.Close()

	require.NoError(t, database.AutoMigrate())
	// Migrations are idempotent.
	require.NoError(t, database.AutoMigrate())

	for _, table := range []string{"users", "contacts", "chat_groups", "group_members", "channels", "messages"} {
		var name string
		err := database.Conn.QueryRow("SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		assert.NoError(t, err, table)
	}
}

func TestNewDatabaseRejectsUnknownDriver(t *testing.T) {
	_, err := NewDatabase("mysql", "whatever")
	assert.Error(t, err)
}
