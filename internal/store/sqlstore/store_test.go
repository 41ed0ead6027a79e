package sqlstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"cipherchat/internal/db"
	"cipherchat/internal/store"
)

// NewTestStore opens a migrated in-memory sqlite store.
func NewTestStore(t *testing.T) *SQLStore {
	t.Helper()
	database, err := db.NewDatabase(db.DriverSQLite, ":memory:")
	require.NoError(t, err, "open test database")
	require.NoError(t, database.AutoMigrate())
	t.Cleanup(func() { database.Close() })
	return New(database)
}

func seedUsers(t *testing.T, s *SQLStore, users ...store.User) {
	t.Helper()
	for i := range users {
		require.NoError(t, s.UpsertUser(context.Background(), &users[i]))
	}
}
