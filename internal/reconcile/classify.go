package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/positionengine/internal/domain"
)

// ErrorClass is how a failed exchange call is handled.
type ErrorClass int

const (
	ClassOther ErrorClass = iota
	ClassMissingOrder
	ClassInvalidCredentials
)

// Severity is the log level an exchange error deserves.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityWarning
	SeverityCritical
)

var missingOrderMessages = []string{
	"order does not exist",
	"unknown order",
	"order not found",
	"order_not_exist",
	"order is not exist",
	"-2011",
}

var credentialMessages = []string{
	"invalid api-key",
	"api-key format invalid",
	"invalid api key",
	"api key expired",
	"signature for this request is not valid",
	"invalid signature",
	"permission denied",
}

var warningMessages = []string{
	"timeout",
	"timed out",
	"rate limit",
	"too many requests",
	"service unavailable",
	"bad gateway",
	"connection reset",
	"502",
	"503",
	"504",
}

// Classify maps an exchange error to its handling class.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassOther
	case errors.Is(err, domain.ErrInvalidCredentials):
		return ClassInvalidCredentials
	case errors.Is(err, domain.ErrOrderNotFound):
		return ClassMissingOrder
	}
	msg := strings.ToLower(err.Error())
	if containsAny(msg, credentialMessages) {
		return ClassInvalidCredentials
	}
	if containsAny(msg, missingOrderMessages) {
		return ClassMissingOrder
	}
	return ClassOther
}

// SeverityOf maps an exchange error to a log severity.
func SeverityOf(err error) Severity {
	switch Classify(err) {
	case ClassMissingOrder:
		return SeverityDebug
	case ClassInvalidCredentials:
		return SeverityCritical
	}
	if errors.Is(err, context.DeadlineExceeded) || containsAny(strings.ToLower(err.Error()), warningMessages) {
		return SeverityWarning
	}
	return SeverityCritical
}

func (e *Engine) logExchangeError(ctx context.Context, msg string, err error, attrs ...slog.Attr) {
	level := slog.LevelError
	switch SeverityOf(err) {
	case SeverityDebug:
		level = slog.LevelDebug
	case SeverityWarning:
		level = slog.LevelWarn
	}
	attrs = append(attrs, slog.String("error", err.Error()))
	e.logger.LogAttrs(ctx, level, msg, attrs...)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
