// Package ttsutils provides naming and display helpers shared by the service
// and the command-line client.
package ttsutils

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	invalidCharReplacement = "_"
	dot                    = "."
	extWAV                 = "wav"
	maxSegmentLength       = 128
)

// Data size constants.
const (
	byteUnit = 1
	kilobyte = byteUnit * 1024
	megabyte = kilobyte * 1024
	gigabyte = megabyte * 1024
)

// Time and size formatting constants.
const (
	secondsInMinute = 60
	secondsInHour   = 3600
	formatSeconds   = "%.1fs"
	formatMinutes   = "%dm %.1fs"
	formatHours     = "%dh %dm"
	formatGB        = "%.1f GB"
	formatMB        = "%.1f MB"
	formatKB        = "%.1f KB"
	formatBytes     = "%d B"
)

var filenameReplacer = strings.NewReplacer(
	"<", invalidCharReplacement,
	">", invalidCharReplacement,
	":", invalidCharReplacement,
	"\"", invalidCharReplacement,
	"/", invalidCharReplacement,
	"\\", invalidCharReplacement,
	"|", invalidCharReplacement,
	"?", invalidCharReplacement,
	"*", invalidCharReplacement,
	"#", invalidCharReplacement,
	"%", invalidCharReplacement,
)

// SanitizeFilename replaces characters that are invalid in filesystems or
// awkward in URLs, and drops control characters.
func SanitizeFilename(filename string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r < ' ' || r == 0x7f {
			return -1
		}

		return r
	}, filenameReplacer.Replace(strings.TrimSpace(filename)))

	cleaned = strings.Trim(cleaned, dot+" ")
	if len(cleaned) > maxSegmentLength {
		cut := maxSegmentLength
		for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
			cut--
		}

		cleaned = strings.TrimRight(cleaned[:cut], dot+" ")
	}

	return cleaned
}

// AudioFileName returns the stored file name for fileID, adding the WAV
// extension when it is missing. It returns "" when nothing usable is left of fileID.
func AudioFileName(fileID string) string {
	name := SanitizeFilename(fileID)
	if name == "" {
		return ""
	}

	if strings.EqualFold(GetFileExtension(name), extWAV) {
		return name
	}

	return name + dot + extWAV
}

// ObjectKey joins a folder path and a file name into a storage key. Each
// folder segment is sanitized; empty segments are dropped.
func ObjectKey(folder, name string) string {
	segments := make([]string, 0, strings.Count(folder, "/")+2)

	for _, segment := range strings.Split(folder, "/") {
		cleaned := SanitizeFilename(segment)
		if cleaned != "" {
			segments = append(segments, cleaned)
		}
	}

	segments = append(segments, SanitizeFilename(name))

	return path.Join(segments...)
}

// GetFileExtension returns the file extension without the leading dot.
func GetFileExtension(filename string) string {
	return strings.TrimPrefix(filepath.Ext(filename), dot)
}

// FormatDuration formats seconds as a human-readable string (e.g., "1h 15m",
// "5m 30.5s", "45.2s").
func FormatDuration(seconds float64) string {
	if seconds < secondsInMinute {
		return fmt.Sprintf(formatSeconds, seconds)
	}

	if seconds < secondsInHour {
		minutes := int(seconds / secondsInMinute)
		remainingSeconds := seconds - float64(minutes*secondsInMinute)

		return fmt.Sprintf(formatMinutes, minutes, remainingSeconds)
	}

	hours := int(seconds / secondsInHour)
	remainingSeconds := seconds - float64(hours*secondsInHour)
	remainingMinutes := int(remainingSeconds / secondsInMinute)

	return fmt.Sprintf(formatHours, hours, remainingMinutes)
}

// FormatFileSize formats a byte count (e.g., "1.2 GB", "500.5 MB").
func FormatFileSize(bytes int64) string {
	switch {
	case bytes >= gigabyte:
		return fmt.Sprintf(formatGB, float64(bytes)/gigabyte)
	case bytes >= megabyte:
		return fmt.Sprintf(formatMB, float64(bytes)/megabyte)
	case bytes >= kilobyte:
		return fmt.Sprintf(formatKB, float64(bytes)/kilobyte)
	default:
		return fmt.Sprintf(formatBytes, bytes)
	}
}
