// Package pathutil provides safe path handling for lock files.
package pathutil

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrForbidden is returned for names that would escape their root.
var ErrForbidden = errors.New("path escapes lock root")

// Clean sanitizes a relative path so it stays below its root.
// It performs the following checks:
// 1. Rejects absolute paths
// 2. Rejects ".." segments that climb above the root
// 3. Normalizes the path for consistent handling
func Clean(path string) (string, error) {
	if path == "" {
		return "/", nil
	}

	if filepath.IsAbs(path) && path != "/" {
		return "", ErrForbidden
	}

	cleaned := filepath.Clean("/" + strings.TrimPrefix(path, "/"))
	if cleaned == "/" {
		return cleaned, nil
	}

	depth := 0
	for _, part := range strings.Split(strings.TrimPrefix(path, "/"), "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			depth--
			if depth < 0 {
				return "", ErrForbidden
			}
		default:
			depth++
		}
	}

	return cleaned, nil
}

// SafeJoin joins root and rel, ensuring the result stays within root.
func SafeJoin(root, rel string) (string, error) {
	cleanRoot := filepath.Clean(root)

	cleanRel, err := Clean(rel)
	if err != nil {
		return "", err
	}

	joined := filepath.Join(cleanRoot, strings.TrimPrefix(cleanRel, "/"))

	relPath, err := filepath.Rel(cleanRoot, joined)
	if err != nil || relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) {
		return "", ErrForbidden
	}
	return joined, nil
}

// ValidateSegment checks that a single file name segment is usable as part
// of a lock file name.
func ValidateSegment(segment string) error {
	if segment == "" {
		return fmt.Errorf("segment cannot be empty")
	}
	if segment == "." || segment == ".." {
		return ErrForbidden
	}
	for _, char := range segment {
		if char < 32 || char == '/' || char == '\\' {
			return ErrForbidden
		}
	}
	return nil
}
