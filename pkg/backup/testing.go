package backup

import (
	"fmt"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/require"
)

func createControlDatabase(t *testing.T) DB {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "control_*.db")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	db, err := open(f.Name())
	require.NoError(t, err)

	_, err = db.Exec(`CREATE TABLE feed_messages (
		message_id TEXT PRIMARY KEY,
		feed_id TEXT NOT NULL,
		content BLOB NOT NULL
	)`)
	require.NoError(t, err)
	for i := 0; i < 500; i++ {
		_, err = db.Exec(
			"INSERT INTO feed_messages (message_id, feed_id, content) VALUES (?, ?, ?)",
			fmt.Sprintf("m%d", i), "f1", make([]byte, 512))
		require.NoError(t, err)
	}
	// leaves free pages behind so a later VACUUM has something to reclaim
	_, err = db.Exec("DELETE FROM feed_messages WHERE rowid % 2 = 0")
	require.NoError(t, err)

	return db
}

func backupDir(t *testing.T) string {
	return path.Clean(t.TempDir())
}

func requireFileCount(t *testing.T, dir string, want int) {
	t.Helper()
	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, want)
}
