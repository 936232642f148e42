package content

import "encoding/base64"

// Built-in codecs.
var (
	// JSON is a pass-through codec for application/json content.
	JSON Codec = textCodec{ct: "application/json"}

	// Plain is a pass-through codec for text/plain content.
	Plain Codec = textCodec{ct: "text/plain"}

	// OctetStream is a base64 codec for application/octet-stream content.
	OctetStream Codec = binaryCodec{ct: "application/octet-stream"}
)

// DefaultRegistry returns a registry pre-loaded with all built-in codecs.
func DefaultRegistry() *Registry {
	return NewRegistry(JSON, Plain, OctetStream)
}

type textCodec struct {
	ct string
}

func (c textCodec) ContentType() string                { return c.ct }
func (c textCodec) Encode(data []byte) (string, error) { return string(data), nil }
func (c textCodec) Decode(body string) ([]byte, error) { return []byte(body), nil }

type binaryCodec struct {
	ct string
}

func (c binaryCodec) ContentType() string { return c.ct }

func (c binaryCodec) Encode(data []byte) (string, error) {
	return base64.StdEncoding.EncodeToString(data), nil
}

func (c binaryCodec) Decode(body string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(body)
}
