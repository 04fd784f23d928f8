// Package tests has helpers shared by package tests.
package tests

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Sqlite3URI returns a URI of a fresh in-memory SQLite database. Each call
// gets its own database so parallel tests won't clash. A connection is held
// open for the test's lifetime so the shared-cache database isn't destroyed
// when other connections close.
func Sqlite3URI(t *testing.T) string {
	t.Helper()
	dbURI := "file::" + uuid.NewString() + ":?mode=memory&cache=shared&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dbURI)
	require.NoError(t, err)
	conn, err := db.Conn(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = conn.Close()
		_ = db.Close()
	})

	return dbURI
}
