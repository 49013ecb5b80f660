package monitors

import (
	"path/filepath"
	"strings"
)

// DetectFormatFromFilename detects log format from file extension.
func DetectFormatFromFilename(filename string) LogFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return LogFormatCSV
	case ".json":
		return LogFormatJSON
	case ".log":
		return LogFormatStderr
	default:
		return LogFormatUnknown
	}
}

// ResolveFormat maps a configured format name to a LogFormat. "auto" picks
// the format from the pattern's extension and falls back to stderr.
func ResolveFormat(name, pattern string) LogFormat {
	switch LogFormat(strings.ToLower(name)) {
	case LogFormatStderr:
		return LogFormatStderr
	case LogFormatJSON:
		return LogFormatJSON
	case LogFormatCSV:
		return LogFormatCSV
	}
	if f := DetectFormatFromFilename(pattern); f != LogFormatUnknown {
		return f
	}
	return LogFormatStderr
}

// ConvertLogFilenameToGlob converts a PostgreSQL log_filename pattern to a glob pattern.
// For example: "postgresql-%Y-%m-%d_%H%M%S.log" becomes "postgresql-*.log"
func ConvertLogFilenameToGlob(pattern string) string {
	result := pattern
	placeholders := []string{
		"%Y", "%m", "%d", "%H", "%M", "%S", "%a", "%b",
		"%j", "%W", "%y", "%I", "%p", "%e", "%c", "%n",
	}

	for _, ph := range placeholders {
		result = strings.ReplaceAll(result, ph, "*")
	}

	// Collapse multiple * into single *
	for strings.Contains(result, "**") {
		result = strings.ReplaceAll(result, "**", "*")
	}

	return result
}

// patternFor adjusts the glob to the extension PostgreSQL uses for format:
// with log_destination=jsonlog the files next to postgresql-*.log are .json.
func patternFor(format LogFormat, pattern string) string {
	if pattern == "" {
		pattern = "postgresql-*"
	}
	ext := filepath.Ext(pattern)
	base := strings.TrimSuffix(pattern, ext)
	switch {
	case format == LogFormatJSON && ext != ".json":
		return base + ".json"
	case format == LogFormatCSV && ext != ".csv":
		return base + ".csv"
	case format == LogFormatStderr && ext == "":
		return pattern + ".log"
	}
	return pattern
}
