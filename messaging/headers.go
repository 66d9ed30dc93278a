package messaging

import (
	"fmt"
	"maps"
	"strconv"
	"time"
)

// Transport-level header names
const (
	HeaderCorrelationID     = "x-correlation-id"
	HeaderReplyRoute        = "x-reply-route"
	HeaderMessageLabel      = "x-message-type"
	HeaderTimeout           = "x-timeout"
	HeaderTTL               = "x-ttl"
	HeaderPersist           = "x-persist"
	HeaderBreadcrumbs       = "x-breadcrumbs"
	HeaderOriginalMessageID = "x-original-message-id"
	HeaderMessageID         = "x-message-id"
)

// Headers carries transport metadata alongside a payload
type Headers map[string]any

// Clone returns a shallow copy that is safe to modify
func (h Headers) Clone() Headers {
	if h == nil {
		return Headers{}
	}
	return maps.Clone(h)
}

// String returns the header as a string
func (h Headers) String(key string) (string, bool) {
	v, ok := h[key]
	if !ok || v == nil {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	case fmt.Stringer:
		return s.String(), true
	default:
		return fmt.Sprint(v), true
	}
}

// Duration returns the header as a duration. Integers are read as
// milliseconds, strings either as Go durations or as milliseconds.
func (h Headers) Duration(key string) (time.Duration, bool) {
	v, ok := h[key]
	if !ok || v == nil {
		return 0, false
	}
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case int:
		return time.Duration(d) * time.Millisecond, true
	case int32:
		return time.Duration(d) * time.Millisecond, true
	case int64:
		return time.Duration(d) * time.Millisecond, true
	case float64:
		return time.Duration(d * float64(time.Millisecond)), true
	case string:
		if parsed, err := time.ParseDuration(d); err == nil {
			return parsed, true
		}
		if ms, err := strconv.ParseInt(d, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond, true
		}
	}
	return 0, false
}

// Bool returns the header as a boolean
func (h Headers) Bool(key string) (bool, bool) {
	v, ok := h[key]
	if !ok || v == nil {
		return false, false
	}
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	}
	return false, false
}

// Breadcrumbs returns the ordered list of endpoints the message traversed
func (h Headers) Breadcrumbs() []string {
	v, ok := h[HeaderBreadcrumbs]
	if !ok || v == nil {
		return nil
	}
	switch b := v.(type) {
	case []string:
		return append([]string(nil), b...)
	case []any:
		crumbs := make([]string, 0, len(b))
		for _, item := range b {
			crumbs = append(crumbs, fmt.Sprint(item))
		}
		return crumbs
	case string:
		if b == "" {
			return nil
		}
		return []string{b}
	}
	return nil
}

// WithBreadcrumb returns the breadcrumbs with endpoint appended
func (h Headers) WithBreadcrumb(endpoint string) []string {
	return append(h.Breadcrumbs(), endpoint)
}
