// Package errors turns internal errors into messages that are safe to return
// from the HTTP API.
package errors

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	// Linux and Windows absolute paths
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-.]+(?:/[a-zA-Z0-9_\-.]+)+)|([A-Z]:\\[a-zA-Z0-9_\-\\ ./]+)`)

	// host:port pairs name internal infrastructure
	hostPortPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}:\d{2,5}\b|\b[a-zA-Z][a-zA-Z0-9\-]*(?:\.[a-zA-Z0-9\-]+)*:\d{2,5}\b`)

	internalErrorPattern = regexp.MustCompile(`(?i)(sql:|clickhouse|redis:|code: \d+, message:|connection string|password=|secret=|token=|api[_-]?key=)`)
)

// Generic replacement messages.
const (
	MsgBackendFailure = "storage backend operation failed"
	MsgInternal       = "internal server error"
)

// userFacing lists phrases of errors whose text is meant for the caller.
var userFacing = []string{
	"unknown campaign",
	"invalid case",
	"invalid request",
	"unauthorized",
	"not found",
	"too many requests",
}

// Sanitizer rewrites error text. In development mode it returns errors
// unchanged.
type Sanitizer struct {
	production bool
}

// NewSanitizer creates a Sanitizer.
func NewSanitizer(production bool) *Sanitizer {
	return &Sanitizer{production: production}
}

// Production reports whether the sanitizer rewrites messages.
func (s *Sanitizer) Production() bool {
	return s.production
}

// SanitizeString removes infrastructure detail from a message: absolute
// paths shrink to their base name, host:port pairs are hidden, and anything
// that looks like a backend or credential error collapses to a generic
// message. Case identifiers and bare addresses pass through, since they are
// the subject of the analysis.
func (s *Sanitizer) SanitizeString(msg string) string {
	if !s.production {
		return msg
	}

	if strings.Contains(msg, "goroutine ") || strings.Count(msg, "\n") > 3 {
		return MsgInternal
	}
	if internalErrorPattern.MatchString(msg) {
		return MsgBackendFailure
	}

	msg = filePathPattern.ReplaceAllStringFunc(msg, filepath.Base)
	msg = hostPortPattern.ReplaceAllString(msg, "[host]")
	return msg
}

// SanitizeError returns an error carrying the sanitized message.
func (s *Sanitizer) SanitizeError(err error) error {
	if err == nil {
		return nil
	}
	if !s.production {
		return err
	}
	return errors.New(s.SanitizeString(err.Error()))
}

// WrapSanitized wraps an error with context and sanitizes the result.
func (s *Sanitizer) WrapSanitized(err error, message string) error {
	if err == nil {
		return nil
	}
	return s.SanitizeError(fmt.Errorf("%s: %w", message, err))
}

// SafeMessage returns a user-safe message for err. Errors whose text is
// addressed to the caller pass through; everything else is sanitized.
func (s *Sanitizer) SafeMessage(err error) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	lower := strings.ToLower(msg)
	for _, phrase := range userFacing {
		if strings.Contains(lower, phrase) {
			return msg
		}
	}
	return s.SanitizeString(msg)
}
