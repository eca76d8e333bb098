// Package security validates filesystem paths built from document
// values, keeping archive writes inside their repository.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SanitizeComponent makes a safe path component from a document value.
// Runs of anything outside ASCII letters, digits, dot, underscore and
// dash collapse to a single underscore; leading and trailing dots and
// underscores are trimmed and the result is length-capped.
func SanitizeComponent(s string) string {
	const maxLen = 128

	var b strings.Builder
	underscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '.' || r == '_' || r == '-'
		if ok {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore {
			b.WriteRune('_')
			underscore = true
		}
	}

	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}

// WithinDirectory confirms that path resolves inside dir, following
// symlinks on the existing part of the path. dir must exist.
func WithinDirectory(path, dir string) error {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	canonicalDir, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", dir, err)
	}

	rel, err := filepath.Rel(canonicalDir, canonicalize(absPath))
	if err != nil {
		return fmt.Errorf("%s is outside %s: %w", path, dir, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%s escapes %s", path, dir)
	}
	return nil
}

// canonicalize resolves symlinks on the longest existing prefix of an
// absolute path and rejoins the remainder, so a not-yet-written file
// still resolves through any symlinked parent.
func canonicalize(abs string) string {
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	prefix := abs
	for {
		parent := filepath.Dir(prefix)
		if parent == prefix {
			return abs
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rest, err := filepath.Rel(parent, abs)
			if err != nil {
				return abs
			}
			return filepath.Join(resolved, rest)
		}
		prefix = parent
	}
}
