package content

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
)

func TestTextCodec_PassThrough(t *testing.T) {
	input := []byte(`{"uniqueId":7,"subject":"hi"}`)

	for _, c := range []Codec{JSON, Plain} {
		t.Run(c.ContentType(), func(t *testing.T) {
			encoded, err := c.Encode(input)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if encoded != string(input) {
				t.Errorf("Encode should pass through, got %q", encoded)
			}
			decoded, err := c.Decode(encoded)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if string(decoded) != string(input) {
				t.Errorf("Decode mismatch: got %q, want %q", decoded, input)
			}
		})
	}
}

func TestOctetStream(t *testing.T) {
	input := []byte{0x00, 0xFF, 0x10, 0x7F}

	encoded, err := OctetStream.Encode(input)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if want := base64.StdEncoding.EncodeToString(input); encoded != want {
		t.Errorf("Encode: got %q, want %q", encoded, want)
	}

	if _, err := OctetStream.Decode("not-valid-base64!!!"); err == nil {
		t.Error("expected error decoding invalid base64")
	}
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()

	for _, ct := range []string{"application/json", "text/plain", "application/octet-stream"} {
		if _, ok := r.Lookup(ct); !ok {
			t.Errorf("Lookup(%q): expected builtin codec", ct)
		}
	}
	if _, ok := r.Lookup("application/xml"); ok {
		t.Error("Lookup(application/xml): expected no codec")
	}

	r.Register(textCodec{ct: "application/xml"})
	if _, ok := r.Lookup("application/xml"); !ok {
		t.Error("Register did not add codec")
	}
}

func TestEncode(t *testing.T) {
	t.Run("sets content type", func(t *testing.T) {
		payload, headers, err := Encode(JSON, []byte(`{}`))
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if string(payload) != `{}` {
			t.Errorf("payload = %q", payload)
		}
		if headers.ContentType() != "application/json" {
			t.Errorf("content type = %q", headers.ContentType())
		}
		if headers.Schema() != "" {
			t.Errorf("schema should be unset, got %q", headers.Schema())
		}
	})

	t.Run("with schema", func(t *testing.T) {
		_, headers, err := Encode(JSON, []byte(`{}`), WithSchema("mailbridge.email/v1"))
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if headers.Schema() != "mailbridge.email/v1" {
			t.Errorf("schema = %q", headers.Schema())
		}
	})
}

func TestDecode(t *testing.T) {
	r := DefaultRegistry()

	t.Run("round trip json", func(t *testing.T) {
		type record struct {
			UniqueID int64  `json:"uniqueId"`
			Subject  string `json:"subject"`
		}
		in := record{UniqueID: 42, Subject: "Quarterly report"}
		data, err := json.Marshal(in)
		if err != nil {
			t.Fatal(err)
		}
		payload, headers, err := Encode(JSON, data)
		if err != nil {
			t.Fatal(err)
		}
		raw, err := Decode(headers, payload, r)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		var out record
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatal(err)
		}
		if out != in {
			t.Errorf("got %+v, want %+v", out, in)
		}
	})

	t.Run("round trip binary", func(t *testing.T) {
		data := []byte{0x01, 0x02, 0x03}
		payload, headers, err := Encode(OctetStream, data)
		if err != nil {
			t.Fatal(err)
		}
		raw, err := Decode(headers, payload, r)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if string(raw) != string(data) {
			t.Errorf("got %v, want %v", raw, data)
		}
	})

	t.Run("missing content type returns payload", func(t *testing.T) {
		raw, err := Decode(nil, []byte("hello"), r)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if string(raw) != "hello" {
			t.Errorf("got %q", raw)
		}
	})

	t.Run("unsupported content type", func(t *testing.T) {
		_, err := Decode(Headers{HeaderContentType: "application/x-unknown"}, []byte("x"), r)
		if !errors.Is(err, ErrUnsupportedContentType) {
			t.Errorf("expected ErrUnsupportedContentType, got %v", err)
		}
	})

	t.Run("decoding failure", func(t *testing.T) {
		_, err := Decode(Headers{HeaderContentType: "application/octet-stream"}, []byte("!!"), r)
		if !errors.Is(err, ErrDecoding) {
			t.Errorf("expected ErrDecoding, got %v", err)
		}
	})
}
