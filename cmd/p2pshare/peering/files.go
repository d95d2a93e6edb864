package peering

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// ListShared returns the names of the regular files in dir ending in suffix.
// Hidden files, which include in-progress downloads, are skipped.
func ListShared(dir, suffix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, suffix) {
			continue
		}
		files = append(files, name)
	}
	slices.Sort(files)
	return files, nil
}

// sharedPath maps a requested file name to a path inside dir. Names that
// carry a directory component are rejected so requests cannot leave dir, and
// hidden names are rejected so partial downloads are never served.
func sharedPath(dir, name string) (string, error) {
	if name == "" || strings.HasPrefix(name, ".") || filepath.Base(name) != name || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}
	return filepath.Join(dir, name), nil
}
