// Package security confines operator-supplied file names to the directories
// the kiosk is allowed to read from.
package security

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideDir is returned when a path resolves outside its base directory.
var ErrOutsideDir = errors.New("path escapes base directory")

// ValidatePathWithinDirectory reports whether filePath, after cleaning and
// symlink resolution, stays inside baseDir. A path that does not exist yet is
// checked through its nearest existing parent.
func ValidatePathWithinDirectory(filePath, baseDir string) error {
	absPath, err := filepath.Abs(filepath.Clean(filePath))
	if err != nil {
		return fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("failed to resolve base directory: %w", err)
	}
	canonicalBase, err := filepath.EvalSymlinks(absBase)
	if err != nil {
		return fmt.Errorf("failed to resolve base directory symlinks: %w", err)
	}

	canonical := absPath
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		canonical = resolved
	} else {
		for dir := filepath.Dir(absPath); ; dir = filepath.Dir(dir) {
			if resolved, err := filepath.EvalSymlinks(dir); err == nil {
				rest, _ := filepath.Rel(dir, absPath)
				canonical = filepath.Join(resolved, rest)
				break
			}
			if filepath.Dir(dir) == dir {
				break
			}
		}
	}

	rel, err := filepath.Rel(canonicalBase, canonical)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s not within %s", ErrOutsideDir, filePath, baseDir)
	}
	return nil
}

// ResolveMediaPath joins name onto dir and checks that the result is a
// regular file inside dir. Absolute names are accepted only when they already
// point inside dir. A missing file yields an error wrapping fs.ErrNotExist.
func ResolveMediaPath(dir, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty media name: %w", fs.ErrNotExist)
	}
	p := name
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, name)
	}
	if err := ValidatePathWithinDirectory(p, dir); err != nil {
		return "", err
	}
	info, err := os.Stat(p)
	if err != nil {
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a regular file: %w", p, fs.ErrNotExist)
	}
	return p, nil
}

// SanitizeFilename makes a safe file name from an arbitrary string such as a
// department name. Anything other than ASCII letters, digits, dot, underscore
// or dash becomes a single underscore.
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
			lastUnderscore = r == '_'
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
