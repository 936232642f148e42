// Package content provides the content-type codec layer for bus payloads.
//
// Every entry mailbridge appends to a topic carries its payload bytes plus a
// small set of string headers. The content_type header names the codec that
// produced the payload, so a replay can decode entries written by any
// producer version without guessing.
//
// # Header Convention
//
//   - content_type: MIME type (e.g., "application/json")
//   - schema: optional schema identifier (e.g., "mailbridge.email/v1")
//
// Entries without a content_type header are treated as raw bytes.
//
// # Codec Interface
//
// A [Codec] converts between raw bytes and a text-safe string:
//
//   - Text-safe formats (JSON, plain text) pass through unchanged.
//   - Binary formats are base64-encoded.
//
// # Usage
//
// Publishing:
//
//	data, _ := json.Marshal(record)
//	payload, headers, _ := content.Encode(content.JSON, data, content.WithSchema("mailbridge.email/v1"))
//	bus.Publish(ctx, topic, payload, headers)
//
// Replaying:
//
//	raw, _ := content.Decode(msg.Headers, msg.Payload, registry)
//	json.Unmarshal(raw, &record)
package content

import (
	"errors"
	"fmt"
	"sync"
)

// Headers are the string key-value pairs stored next to a payload.
type Headers map[string]string

// Header keys used by the codec convention.
const (
	// HeaderContentType is the header key for the MIME content type.
	HeaderContentType = "content_type"

	// HeaderSchema is the optional header key for a schema identifier.
	HeaderSchema = "schema"
)

// Sentinel errors.
var (
	// ErrUnsupportedContentType is returned when no codec is registered for a content type.
	ErrUnsupportedContentType = errors.New("content: unsupported content type")

	// ErrEncoding is returned when a codec fails to encode data.
	ErrEncoding = errors.New("content: encoding failed")

	// ErrDecoding is returned when a codec fails to decode a payload.
	ErrDecoding = errors.New("content: decoding failed")
)

// Codec converts between raw bytes and a text-safe string representation.
type Codec interface {
	// ContentType returns the MIME type this codec handles.
	ContentType() string

	// Encode converts raw bytes to a text-safe string.
	Encode(data []byte) (string, error)

	// Decode converts a text payload back to the original raw bytes.
	Decode(body string) ([]byte, error)
}

// Registry maps content types to codecs.
// It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	codecs map[string]Codec
}

// NewRegistry creates a registry pre-loaded with the given codecs.
func NewRegistry(codecs ...Codec) *Registry {
	r := &Registry{
		codecs: make(map[string]Codec, len(codecs)),
	}
	for _, c := range codecs {
		r.codecs[c.ContentType()] = c
	}
	return r
}

// Register adds a codec to the registry. If a codec for the same content type
// already exists, it is replaced.
func (r *Registry) Register(c Codec) {
	r.mu.Lock()
	r.codecs[c.ContentType()] = c
	r.mu.Unlock()
}

// Lookup returns the codec for the given content type.
func (r *Registry) Lookup(contentType string) (Codec, bool) {
	r.mu.RLock()
	c, ok := r.codecs[contentType]
	r.mu.RUnlock()
	return c, ok
}

// Encode encodes data using the codec and returns the payload together with
// the headers that must travel with it.
func Encode(codec Codec, data []byte, opts ...EncodeOption) ([]byte, Headers, error) {
	body, err := codec.Encode(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrEncoding, err)
	}

	headers := Headers{
		HeaderContentType: codec.ContentType(),
	}

	var o encodeOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.schema != "" {
		headers[HeaderSchema] = o.schema
	}

	return []byte(body), headers, nil
}

// Decode looks up the codec named by the content_type header and decodes the
// payload to raw bytes. A missing content_type returns the payload as is.
func Decode(headers Headers, payload []byte, registry *Registry) ([]byte, error) {
	ct := headers.ContentType()
	if ct == "" {
		return payload, nil
	}

	codec, ok := registry.Lookup(ct)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContentType, ct)
	}

	data, err := codec.Decode(string(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecoding, err)
	}
	return data, nil
}

// ContentType returns the content_type header, or "".
func (h Headers) ContentType() string {
	return h[HeaderContentType]
}

// Schema returns the schema header, or "".
func (h Headers) Schema() string {
	return h[HeaderSchema]
}

// EncodeOption configures Encode behavior.
type EncodeOption func(*encodeOptions)

type encodeOptions struct {
	schema string
}

// WithSchema sets the schema header on the payload.
func WithSchema(schema string) EncodeOption {
	return func(o *encodeOptions) {
		o.schema = schema
	}
}
