package portico

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrConfig reports a missing or unusable credential/setting. Construction
// surfaces it to the caller instead of crashing at first use.
type ErrConfig struct {
	Field   string
	Message string
}

func (e *ErrConfig) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Message)
}

// ErrVendor reports a bad status or payload from a model vendor. It ends
// the call that produced it, never the process.
type ErrVendor struct {
	Vendor  string
	Status  int // 0 when the failure was not an HTTP error
	Message string
	// RetryAfter is the vendor's requested backoff, parsed from the
	// Retry-After header when present. Zero means none was given.
	RetryAfter time.Duration
}

func (e *ErrVendor) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: http %d: %s", e.Vendor, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Vendor, e.Message)
}

// RetryAfterHeader parses a Retry-After header in delta-seconds form.
// HTTP-date values and absent headers yield zero. Adapters call this when
// building an ErrVendor so retry wrappers can honor the vendor's pacing.
func RetryAfterHeader(h http.Header) time.Duration {
	s := h.Get("Retry-After")
	if s == "" {
		return 0
	}
	secs, err := strconv.Atoi(s)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// ErrNotFound reports a typed record miss (document, conversation, agent).
// Callers branch on it with errors.As; there is nothing to retry.
type ErrNotFound struct {
	Kind string
	Key  string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

// NotFound constructs an ErrNotFound for the given record kind and key.
func NotFound(kind, key string) error {
	return &ErrNotFound{Kind: kind, Key: key}
}
