package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnauthorized = errors.New("invalid or missing write key")
	ErrForbidden    = errors.New("origin not allowed")
	ErrInvalid      = errors.New("invalid payload")
)

// NotFoundError names every dangling reference at once so the caller can
// fix the whole payload in one round trip.
type NotFoundError struct {
	Missing []string
}

func (e *NotFoundError) Error() string {
	return "unknown references: " + strings.Join(e.Missing, ", ")
}

// RateLimitedError carries the retry hint surfaced as Retry-After.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %ds", int(e.RetryAfter.Seconds()))
}
