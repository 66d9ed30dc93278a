package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Content types understood by the built-in converters
const (
	ContentTypeJSON   = "application/json"
	ContentTypeText   = "text/plain"
	ContentTypeBinary = "application/octet-stream"
)

// ErrNoConverter is returned when no converter handles a content type
var ErrNoConverter = errors.New("messaging: no payload converter for content type")

// PayloadConverter serializes payloads for one content type
type PayloadConverter interface {
	ContentType() string
	FromObject(payload any) ([]byte, error)
	ToObject(body []byte, target any) error
}

// ConverterResolver finds the converter for a content type
type ConverterResolver interface {
	Resolve(contentType string) (PayloadConverter, error)
	Default() PayloadConverter
}

// JSONConverter handles application/json payloads
type JSONConverter struct{}

// ContentType implements PayloadConverter
func (JSONConverter) ContentType() string { return ContentTypeJSON }

// FromObject implements PayloadConverter
func (JSONConverter) FromObject(payload any) ([]byte, error) {
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}

// ToObject implements PayloadConverter
func (JSONConverter) ToObject(body []byte, target any) error {
	return json.Unmarshal(body, target)
}

// TextConverter handles text/plain payloads
type TextConverter struct{}

// ContentType implements PayloadConverter
func (TextConverter) ContentType() string { return ContentTypeText }

// FromObject implements PayloadConverter
func (TextConverter) FromObject(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case string:
		return []byte(p), nil
	case []byte:
		return p, nil
	case fmt.Stringer:
		return []byte(p.String()), nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("text converter cannot serialize %T", payload)
}

// ToObject implements PayloadConverter
func (TextConverter) ToObject(body []byte, target any) error {
	switch t := target.(type) {
	case *string:
		*t = string(body)
	case *[]byte:
		*t = append([]byte(nil), body...)
	default:
		return fmt.Errorf("text converter cannot deserialize into %T", target)
	}
	return nil
}

// BinaryConverter passes byte payloads through untouched
type BinaryConverter struct{}

// ContentType implements PayloadConverter
func (BinaryConverter) ContentType() string { return ContentTypeBinary }

// FromObject implements PayloadConverter
func (BinaryConverter) FromObject(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("binary converter cannot serialize %T", payload)
}

// ToObject implements PayloadConverter
func (BinaryConverter) ToObject(body []byte, target any) error {
	t, ok := target.(*[]byte)
	if !ok {
		return fmt.Errorf("binary converter cannot deserialize into %T", target)
	}
	*t = append([]byte(nil), body...)
	return nil
}

// ConverterRegistry resolves converters by content type. The first
// registered converter is the default.
type ConverterRegistry struct {
	mu         sync.RWMutex
	converters map[string]PayloadConverter
	fallback   PayloadConverter
}

// NewConverterRegistry creates a registry. Without arguments it holds the
// JSON, text and binary converters with JSON as default.
func NewConverterRegistry(converters ...PayloadConverter) *ConverterRegistry {
	if len(converters) == 0 {
		converters = []PayloadConverter{JSONConverter{}, TextConverter{}, BinaryConverter{}}
	}
	r := &ConverterRegistry{converters: make(map[string]PayloadConverter)}
	for _, c := range converters {
		r.Register(c)
	}
	return r
}

// Register adds or replaces the converter for its content type
func (r *ConverterRegistry) Register(converter PayloadConverter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.converters[converter.ContentType()] = converter
	if r.fallback == nil {
		r.fallback = converter
	}
}

// Resolve implements ConverterResolver. An empty content type resolves to the default.
func (r *ConverterRegistry) Resolve(contentType string) (PayloadConverter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if contentType == "" && r.fallback != nil {
		return r.fallback, nil
	}
	c, ok := r.converters[contentType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoConverter, contentType)
	}
	return c, nil
}

// Default implements ConverterResolver
func (r *ConverterRegistry) Default() PayloadConverter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback
}
