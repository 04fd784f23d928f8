package backup

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// BackupFilenamePrefix is the prefix used in every backup file.
const BackupFilenamePrefix = "feedmesh_backup"

// BackupResult describes one finished backup.
type BackupResult struct {
	Timestamp time.Time
	Path      string

	ElapsedTime            time.Duration
	VacuumElapsedTime      time.Duration
	CompressionElapsedTime time.Duration
	Size                   int64
	SizeAfterVacuum        int64
	SizeAfterCompression   int64
}

// Backuper copies a SQLite database into timestamped files in a backup
// directory using the SQLite online backup API, optionally vacuuming,
// compressing and pruning the results.
type Backuper struct {
	sourcePath, dir string
	source          DB
	backup          DB
	config          *Config

	fileCreator func(string, time.Time) (string, error)
}

// NewBackuper creates a new Backuper. The backup directory is created if absent.
func NewBackuper(sourcePath string, backupDir string, opts ...Option) (*Backuper, error) {
	config := DefaultConfig()
	for _, o := range opts {
		if err := o(config); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return nil, errors.Errorf("os mkdir all: %s", err)
	}

	return &Backuper{
		sourcePath:  sourcePath,
		dir:         backupDir,
		config:      config,
		fileCreator: createBackupFile,
	}, nil
}

// Backup runs one full backup cycle and reports what it did. It can be
// called again after an error; every call opens fresh connections.
func (b *Backuper) Backup(ctx context.Context) (_ BackupResult, err error) {
	defer func() {
		// a half-written backup file is worse than none
		if err != nil && b.backup != nil {
			_ = os.Remove(b.backup.Path())
		}
	}()

	timestamp, err := b.openDatabases()
	if err != nil {
		return BackupResult{}, errors.Errorf("opening databases: %s", err)
	}
	result := BackupResult{Timestamp: timestamp, Path: b.backup.Path()}

	sourceConn, err := b.source.Conn(ctx)
	if err != nil {
		return BackupResult{}, errors.Errorf("getting source conn: %s", err)
	}
	backupConn, err := b.backup.Conn(ctx)
	if err != nil {
		return BackupResult{}, errors.Errorf("getting backup conn: %s", err)
	}

	copyStart := time.Now()
	if err := copyPages(sourceConn, backupConn); err != nil {
		return BackupResult{}, errors.Errorf("copying pages: %s", err)
	}
	result.ElapsedTime = time.Since(copyStart)

	if result.Size, err = fileSize(b.backup.Path()); err != nil {
		return BackupResult{}, errors.Errorf("sizing backup: %s", err)
	}

	if b.config.Vacuum {
		vacuumStart := time.Now()
		if _, err := backupConn.ExecContext(ctx, "VACUUM"); err != nil {
			return BackupResult{}, errors.Errorf("exec vacuum: %s", err)
		}
		result.VacuumElapsedTime = time.Since(vacuumStart)
		if result.SizeAfterVacuum, err = fileSize(b.backup.Path()); err != nil {
			return BackupResult{}, errors.Errorf("sizing vacuumed backup: %s", err)
		}
	}

	if err := sourceConn.Close(); err != nil {
		return BackupResult{}, errors.Errorf("closing source conn: %s", err)
	}
	if err := backupConn.Close(); err != nil {
		return BackupResult{}, errors.Errorf("closing backup conn: %s", err)
	}

	if b.config.Compression {
		compressStart := time.Now()
		compressedPath, err := Compress(b.backup.Path())
		if err != nil {
			return BackupResult{}, errors.Errorf("compressing backup: %s", err)
		}
		result.CompressionElapsedTime = time.Since(compressStart)
		if result.SizeAfterCompression, err = fileSize(compressedPath); err != nil {
			return BackupResult{}, errors.Errorf("sizing compressed backup: %s", err)
		}
		if err := os.Remove(b.backup.Path()); err != nil {
			return BackupResult{}, errors.Errorf("removing uncompressed backup: %s", err)
		}
		result.Path = compressedPath
	}

	if b.config.Pruning {
		if err := Prune(b.dir, b.config.KeepFiles); err != nil {
			return BackupResult{}, errors.Errorf("pruning old backups: %s", err)
		}
	}

	return result, nil
}

// Close closes the underlying databases. Backups cannot be taken afterwards.
func (b *Backuper) Close() error {
	if err := b.source.Close(); err != nil {
		return errors.Errorf("closing source db: %s", err)
	}
	if err := b.backup.Close(); err != nil {
		return errors.Errorf("closing backup db: %s", err)
	}
	return nil
}

func (b *Backuper) openDatabases() (time.Time, error) {
	source, err := open(b.sourcePath)
	if err != nil {
		return time.Time{}, errors.Errorf("opening source db: %s", err)
	}

	timestamp := time.Now().UTC()
	filename, err := b.fileCreator(b.dir, timestamp)
	if err != nil {
		return time.Time{}, errors.Errorf("creating backup file: %s", err)
	}
	backup, err := open(filename)
	if err != nil {
		return time.Time{}, errors.Errorf("opening backup db: %s", err)
	}

	b.source = source
	b.backup = backup
	return timestamp, nil
}

// copyPages runs the SQLite online backup API over the raw driver connections,
// copying every page in a single step.
func copyPages(in, out *sql.Conn) error {
	return in.Raw(func(rawIn interface{}) error {
		return out.Raw(func(rawOut interface{}) error {
			bk, err := rawOut.(*sqlite3.SQLiteConn).Backup("main", rawIn.(*sqlite3.SQLiteConn), "main")
			if err != nil {
				return errors.Errorf("initializing sqlite backup: %s", err)
			}
			done, err := bk.Step(-1)
			if err != nil {
				return errors.Errorf("backup step: %s", err)
			}
			if !done {
				return errors.New("backup is unexpectedly not done")
			}
			if remaining := bk.Remaining(); remaining != 0 {
				return errors.Errorf("unexpected remaining pages: %d", remaining)
			}
			if err := bk.Finish(); err != nil {
				return errors.Errorf("finishing backup: %s", err)
			}
			return nil
		})
	})
}

func fileSize(filename string) (int64, error) {
	fi, err := os.Stat(filename)
	if err != nil {
		return 0, errors.Errorf("os stat: %s", err)
	}
	return fi.Size(), nil
}

func open(uri string) (DB, error) {
	db, err := sql.Open("sqlite3", uri)
	if err != nil {
		return nil, errors.Errorf("opening db: %s", err)
	}
	// the backup API needs the same connection for every call
	db.SetMaxIdleConns(0)
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, errors.Errorf("pinging db: %s", err)
	}
	return &Database{uri, db}, nil
}

func createBackupFile(dir string, timestamp time.Time) (string, error) {
	filename := path.Join(dir, fmt.Sprintf("%s_%s.db", BackupFilenamePrefix, timestamp.Format(time.RFC3339)))
	backupFile, err := os.Create(filename)
	if err != nil {
		return "", errors.Errorf("os create: %s", err)
	}
	if err := backupFile.Close(); err != nil {
		return "", errors.Errorf("closing backup file: %s", err)
	}
	return filename, nil
}

// DB is the subset of *sql.DB the backuper needs, plus the file path. It
// exists so tests can build control databases.
type DB interface {
	Close() error
	Ping() error
	SetMaxOpenConns(n int)
	Conn(context.Context) (*sql.Conn, error)
	Exec(query string, args ...interface{}) (sql.Result, error)
	Path() string
}

// Database is a *sql.DB that remembers the file it was opened from.
type Database struct {
	path string
	*sql.DB
}

// Path returns the path of the database file.
func (db *Database) Path() string {
	return db.path
}

// Config contains configuration parameters for the backuper.
type Config struct {
	Compression bool
	Pruning     bool
	Vacuum      bool
	KeepFiles   int
}

// DefaultConfig returns the default configuration: a plain uncompressed copy.
func DefaultConfig() *Config {
	return &Config{
		Compression: false,
		Pruning:     false,
		Vacuum:      false,
		KeepFiles:   5,
	}
}

// Option modifies a configuration attribute.
type Option func(*Config) error

// WithCompression enables zstd compression of finished backups.
func WithCompression(v bool) Option {
	return func(c *Config) error {
		c.Compression = v
		return nil
	}
}

// WithPruning enables pruning, keeping only the `keep` most recent files.
func WithPruning(v bool, keep int) Option {
	return func(c *Config) error {
		c.Pruning = v
		c.KeepFiles = keep
		return nil
	}
}

// WithVacuum enables a VACUUM of the copy before compression.
func WithVacuum(v bool) Option {
	return func(c *Config) error {
		c.Vacuum = v
		return nil
	}
}
