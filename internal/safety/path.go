package safety

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// CleanLocalPath normalizes a host filesystem path.
func CleanLocalPath(p string) string {
	return filepath.Clean(filepath.FromSlash(p))
}

// CleanSlashPath normalizes a slash-separated remote path. Backslashes
// are treated as separators.
func CleanSlashPath(p string) string {
	return path.Clean(strings.ReplaceAll(p, `\`, "/"))
}

// EnsureUnderRoot verifies candidate resolves under root and returns
// an absolute normalized path.
func EnsureUnderRoot(root, candidate string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	candAbs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve candidate: %w", err)
	}

	rel, err := filepath.Rel(rootAbs, candAbs)
	if err != nil {
		return "", fmt.Errorf("compare paths: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root: %q", candidate)
	}
	return candAbs, nil
}

// EnsureUnderSlashRoot is EnsureUnderRoot for remote slash-separated paths,
// which are compared lexically without consulting the local filesystem.
func EnsureUnderSlashRoot(root, candidate string) (string, error) {
	cleanRoot := CleanSlashPath(root)
	cleanCand := CleanSlashPath(candidate)
	if cleanCand == cleanRoot {
		return cleanCand, nil
	}
	prefix := cleanRoot
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if !strings.HasPrefix(cleanCand, prefix) {
		return "", fmt.Errorf("path escapes root: %q", candidate)
	}
	return cleanCand, nil
}
