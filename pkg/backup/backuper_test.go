package backup

import (
	"context"
	"path"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func TestBackuperDefault(t *testing.T) {
	t.Parallel()

	dir := backupDir(t)
	backuper, err := NewBackuper(createControlDatabase(t).Path(), dir)
	require.NoError(t, err)
	require.Equal(t, false, backuper.config.Vacuum)
	require.Equal(t, false, backuper.config.Pruning)
	require.Equal(t, false, backuper.config.Compression)

	result, err := backuper.Backup(context.Background())
	require.NoError(t, err)
	require.Greater(t, result.Size, int64(0))
	require.Equal(t, int64(0), result.SizeAfterVacuum)
	require.Equal(t, time.Duration(0), result.VacuumElapsedTime)
	require.True(t, strings.Contains(result.Path, BackupFilenamePrefix))
	require.FileExists(t, result.Path)

	require.NoError(t, backuper.Close())
}

func TestBackuperWithVacuum(t *testing.T) {
	t.Parallel()

	dir := backupDir(t)
	backuper, err := NewBackuper(createControlDatabase(t).Path(), dir, WithVacuum(true))
	require.NoError(t, err)

	result, err := backuper.Backup(context.Background())
	require.NoError(t, err)
	require.Greater(t, result.Size, int64(0))
	require.Greater(t, result.SizeAfterVacuum, int64(0))
	require.Less(t, result.SizeAfterVacuum, result.Size)
	require.Greater(t, result.VacuumElapsedTime, time.Duration(0))

	require.NoError(t, backuper.Close())
}

func TestBackuperWithCompression(t *testing.T) {
	t.Parallel()

	dir := backupDir(t)
	backuper, err := NewBackuper(createControlDatabase(t).Path(), dir, WithCompression(true))
	require.NoError(t, err)

	result, err := backuper.Backup(context.Background())
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(result.Path, ".zst"))
	require.Greater(t, result.SizeAfterCompression, int64(0))
	require.FileExists(t, result.Path)
	// the uncompressed intermediate file is gone
	requireFileCount(t, dir, 1)

	require.NoError(t, backuper.Close())
}

func TestBackuperWithPruning(t *testing.T) {
	t.Parallel()

	db, dir := createControlDatabase(t), backupDir(t)

	for i := 0; i < 3; i++ {
		backuper, err := NewBackuper(db.Path(), dir, WithPruning(true, 1))
		require.NoError(t, err)
		_, err = backuper.Backup(context.Background())
		require.NoError(t, err)
		require.NoError(t, backuper.Close())
		// backup filenames carry a second-resolution timestamp
		time.Sleep(time.Second + 50*time.Millisecond)
	}
	requireFileCount(t, dir, 1)
}

func TestBackuperBackupError(t *testing.T) {
	t.Parallel()

	dir := backupDir(t)
	backuper, err := NewBackuper(path.Join(t.TempDir(), "missing", "source.db"), dir)
	require.NoError(t, err)

	_, err = backuper.Backup(context.Background())
	require.Error(t, err)
	requireFileCount(t, dir, 0)
}
