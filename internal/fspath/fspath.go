// Package fspath holds the path predicates shared by the watcher and the
// root admission rules.
package fspath

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotDirectory is returned by Canonical when the path is not a directory.
var ErrNotDirectory = errors.New("fspath: not a directory")

// Within reports whether path equals root or lies beneath it. Both must be
// clean absolute paths.
func Within(path, root string) bool {
	if path == root {
		return true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}

// Canonical returns the absolute, symlink-free form of an existing directory.
func Canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("fspath: %q: %w", path, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", fmt.Errorf("fspath: %q: %w", path, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("fspath: %q: %w", path, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %q", ErrNotDirectory, resolved)
	}
	return resolved, nil
}
