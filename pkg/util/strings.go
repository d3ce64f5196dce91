// Package util provides shared utility functions for the plugin.
package util

import (
	"path/filepath"
	"strings"
)

// MaxLogBodySize is the default maximum body size for logging (10KB).
const MaxLogBodySize = 10 * 1024

// TruncateBody truncates a string to maxSize bytes, appending "...(truncated)" if truncated.
// If maxSize <= 0, uses MaxLogBodySize.
func TruncateBody(data string, maxSize int) string {
	if maxSize <= 0 {
		maxSize = MaxLogBodySize
	}
	if len(data) > maxSize {
		return data[:maxSize] + "...(truncated)"
	}
	return data
}

// SafeFilePath cleans a relative path and rejects it if it is absolute or
// escapes above its starting directory once cleaned.
func SafeFilePath(path string) (string, bool) {
	return safeFilePath(path, false)
}

// SafeFilePathAllowAbsolute is SafeFilePath but permits absolute paths,
// still rejecting any relative path that escapes above its starting
// directory once cleaned.
func SafeFilePathAllowAbsolute(path string) (string, bool) {
	return safeFilePath(path, true)
}

func safeFilePath(path string, allowAbsolute bool) (string, bool) {
	if path == "" {
		return "", false
	}
	if strings.ContainsRune(path, '\\') {
		return "", false
	}
	if filepath.IsAbs(path) {
		if !allowAbsolute {
			return "", false
		}
		return filepath.Clean(path), true
	}
	cleaned := filepath.Clean(path)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return cleaned, true
}
