package logger

import (
	"bytes"
	"io"
	"regexp"
)

// RedactWriter wraps an io.Writer and masks sensitive values before writing.
// It redacts device API credentials, Basic/Bearer authorization values and
// PINs from log lines.
type RedactWriter struct {
	w          io.Writer
	patterns   []*regexp.Regexp
	redactWith string
}

// secretValue stops at quotes, commas and braces so JSON lines stay valid.
const secretValue = `[^\s"',}]+`

var defaultPatterns = []*regexp.Regexp{
	// Device credentials in key=value or "key":"value" form
	regexp.MustCompile(`(?i)(device_api_key["'\s:=]+)` + secretValue),
	regexp.MustCompile(`(?i)(device_api_secret["'\s:=]+)` + secretValue),
	regexp.MustCompile(`(?i)(api[_-]?secret["'\s:=]+)` + secretValue),
	regexp.MustCompile(`(?i)(password["'\s:=]+)` + secretValue),
	// API keys: long alphanumeric strings after "key", "apikey", "api_key"
	regexp.MustCompile(`(?i)(api[_-]?key["'\s:=]+)[A-Za-z0-9\-_+/=]{16,}`),
	// Authorization header values
	regexp.MustCompile(`(?i)(Basic\s+)[A-Za-z0-9+/=]+`),
	regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9\-_\.]+`),
	// PIN values ("pin":"1234", pin=1234); plain message text is left alone
	regexp.MustCompile(`(?i)(\b(?:pin|secret|candidate)["':=]+)` + secretValue),
}

// NewRedactWriter returns a RedactWriter that applies all default sensitive patterns.
func NewRedactWriter(w io.Writer) *RedactWriter {
	return &RedactWriter{
		w:          w,
		patterns:   defaultPatterns,
		redactWith: "[REDACTED]",
	}
}

// Write applies all redaction patterns before forwarding to the underlying writer.
func (r *RedactWriter) Write(p []byte) (int, error) {
	sanitized := p
	for _, re := range r.patterns {
		sanitized = re.ReplaceAll(sanitized, appendRedacted(r.redactWith))
	}
	n, err := r.w.Write(sanitized)
	// Return original length so callers don't get short-write errors
	// even if redaction changed the byte count.
	if n > len(sanitized) {
		n = len(sanitized)
	}
	if err != nil {
		return n, err
	}
	return len(p), nil
}

// appendRedacted builds a replacement []byte that keeps capture group $1 + redactWith.
func appendRedacted(redact string) []byte {
	var buf bytes.Buffer
	buf.WriteString("${1}")
	buf.WriteString(redact)
	return buf.Bytes()
}
