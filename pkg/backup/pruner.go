package backup

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Prune deletes backup files from dir, keeping the `keep` most recent ones.
// Only files matching the backup naming scheme are considered.
func Prune(dir string, keep int) error {
	if keep < 1 {
		return errors.New("keep less than one")
	}

	files, err := readBackupFiles(dir)
	if err != nil {
		return fmt.Errorf("reading backup files: %s", err)
	}
	if len(files) <= keep {
		return nil
	}

	for _, file := range files[:len(files)-keep] {
		if err := os.Remove(path.Join(dir, file.Name())); err != nil {
			return errors.Errorf("os remove: %s", err)
		}
	}
	return nil
}

// readBackupFiles lists the backup files in dir ordered oldest first.
func readBackupFiles(dir string) ([]fs.FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir: %s", err)
	}

	backupFiles := []fs.FileInfo{}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), BackupFilenamePrefix) {
			continue
		}
		if !strings.HasSuffix(e.Name(), ".db") && !strings.HasSuffix(e.Name(), ".db."+compressedExtension) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("file info: %s", err)
		}
		backupFiles = append(backupFiles, fi)
	}

	sort.Slice(backupFiles, func(i, j int) bool { return backupFiles[i].ModTime().Before(backupFiles[j].ModTime()) })
	return backupFiles, nil
}
