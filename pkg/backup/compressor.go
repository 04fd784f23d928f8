package backup

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

const compressedExtension = "zst"

// Compress writes a zstd-compressed copy of the file next to it, suffixed
// with ".zst", and returns the new path. The original file is left in place.
func Compress(filepath string) (string, error) {
	source, err := os.Open(filepath)
	if err != nil {
		return "", errors.Errorf("opening source file: %s", err)
	}
	defer func() { _ = source.Close() }()

	compressedPath := fmt.Sprintf("%s.%s", filepath, compressedExtension)
	dest, err := os.OpenFile(compressedPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", errors.Errorf("opening dest file: %s", err)
	}

	zw, err := zstd.NewWriter(dest)
	if err != nil {
		_ = dest.Close()
		return "", errors.Errorf("creating zstd writer: %s", err)
	}
	if _, err := io.Copy(zw, source); err != nil {
		_ = zw.Close()
		_ = dest.Close()
		return "", errors.Errorf("compressing: %s", err)
	}
	if err := zw.Close(); err != nil {
		_ = dest.Close()
		return "", errors.Errorf("closing zstd writer: %s", err)
	}
	if err := dest.Close(); err != nil {
		return "", errors.Errorf("closing dest file: %s", err)
	}
	return compressedPath, nil
}
