// Package utils holds small presentation helpers shared by the CLI
// commands.
package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/goombaio/namegenerator"
)

// GenerateSessionLabel creates a random, memorable session label using
// namegenerator
func GenerateSessionLabel() string {
	seed := time.Now().UTC().UnixNano()
	nameGenerator := namegenerator.NewNameGenerator(seed)

	// Generate a name like "wispy-dust"
	name := nameGenerator.Generate()

	// Some names might have underscores; convert to hyphens for consistency
	name = strings.ReplaceAll(name, "_", "-")

	return name
}

// FormatVolume renders a byte count in a human-readable unit.
func FormatVolume(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatTimestamp renders a timestamp for table output, or a dash when
// the value is unset.
func FormatTimestamp(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}
