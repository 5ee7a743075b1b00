package pool

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"
)

// dirSize sums the regular file sizes under root. Files deleted while the
// walk is running (an external consumer draining the pool) are skipped.
func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

// FileName builds the pool file name for a (package, version) pair. The
// package id is stripped to filesystem-safe characters.
func FileName(packageID string, versionCode int64) string {
	var b strings.Builder
	for _, r := range packageID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		}
	}
	return b.String() + "##" + strconv.FormatInt(versionCode, 10) + ".apk"
}
