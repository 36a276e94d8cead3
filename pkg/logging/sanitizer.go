package logging

import (
	"regexp"

	"go.uber.org/zap"
)

const (
	// MaxCellLogLength is the longest spreadsheet cell value written to logs.
	MaxCellLogLength = 40
	// MaxCellsLogged bounds how many cells of one row are logged.
	MaxCellsLogged = 12
	// RedactedText is the replacement text for sensitive data
	RedactedText = "[REDACTED]"
)

var (
	// password=xxx, pwd=xxx, pass=xxx (until next delimiter)
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// Bearer tokens (three base64 segments separated by dots)
	jwtPattern = regexp.MustCompile(`Bearer\s+[A-Za-z0-9-_]+\.[A-Za-z0-9-_]+\.[A-Za-z0-9-_]*`)

	// user:pass@host
	connStringPattern = regexp.MustCompile(`://[^:/\s]+:[^@\s]+@[^/\s]+`)
)

// SanitizeConnectionString removes credentials from Postgres and Redis URLs
// and key/value DSNs. Use this before logging any connection string.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}
	sanitized := passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
	return connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)
}

// SanitizeError returns the error text with credentials and bearer tokens removed.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	sanitized := passwordPattern.ReplaceAllString(err.Error(), "${1}="+RedactedText)
	sanitized = jwtPattern.ReplaceAllString(sanitized, "Bearer "+RedactedText)
	return connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)
}

// SafeError is zap.Error for errors that may carry connection details.
func SafeError(err error) zap.Field {
	return zap.String("error", SanitizeError(err))
}

// RowCells is a log field for an import row; long cells and wide rows are truncated.
func RowCells(cells []string) zap.Field {
	n := len(cells)
	if n > MaxCellsLogged {
		n = MaxCellsLogged
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = TruncateString(cells[i], MaxCellLogLength)
	}
	return zap.Strings("cells", out)
}

// TruncateString truncates s to maxLen runes and adds an ellipsis if needed.
func TruncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
