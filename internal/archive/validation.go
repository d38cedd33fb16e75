package archive

import (
	"fmt"
	"path"
	"strings"
)

// Limits on untrusted archives.
const (
	MaxEntries      = 100_000
	MaxEntryNameLen = 4096
	MaxNPYHeaderLen = 64 * 1024
	MaxWeights      = 100_000
)

// ValidationError describes an archive member that is rejected.
type ValidationError struct {
	Type    string // e.g. "invalid_name", "too_many_entries"
	Entry   string
	Details string
}

func (e *ValidationError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("%s: entry %q: %s", e.Type, e.Entry, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Details)
}

// ValidateEntryName rejects member names that would escape the extraction
// directory.
func ValidateEntryName(name string) error {
	if len(name) > MaxEntryNameLen {
		return &ValidationError{Type: "name_too_long", Entry: name[:64] + "...",
			Details: fmt.Sprintf("length %d > max %d", len(name), MaxEntryNameLen)}
	}
	if name == "" {
		return &ValidationError{Type: "invalid_name", Details: "empty entry name"}
	}
	if strings.Contains(name, "\x00") {
		return &ValidationError{Type: "invalid_name", Entry: name, Details: "contains null byte"}
	}
	if strings.Contains(name, "\\") {
		return &ValidationError{Type: "invalid_name", Entry: name, Details: "contains backslash"}
	}
	if path.IsAbs(name) || (len(name) > 1 && name[1] == ':') {
		return &ValidationError{Type: "invalid_name", Entry: name, Details: "absolute path"}
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return &ValidationError{Type: "invalid_name", Entry: name, Details: "contains '..' (path traversal attempt)"}
		}
	}
	return nil
}
