package otel

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/rbaliyan/mailbridge/store"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

type backend struct {
	uploaded string
	err      error
}

func (b *backend) Upload(_ context.Context, key store.AttachmentKey, _ string, r io.Reader) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	b.uploaded = string(data)
	return "mem://" + key.Path(), nil
}

func (b *backend) Load(_ context.Context, uri string) (io.ReadCloser, error) {
	if b.err != nil {
		return nil, b.err
	}
	return io.NopCloser(strings.NewReader(b.uploaded)), nil
}

func (b *backend) Delete(context.Context, string) error { return b.err }

func newStore(t *testing.T, b *backend, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{
		WithTracerProvider(tracenoop.NewTracerProvider()),
		WithMeterProvider(metricnoop.NewMeterProvider()),
	}, opts...)
	s, err := New(b, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestPassThrough(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts []Option
	}{
		{"enabled", nil},
		{"disabled", []Option{WithDisabled()}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := &backend{}
			s := newStore(t, b, tc.opts...)
			ctx := context.Background()

			uri, err := s.Upload(ctx, store.AttachmentKey{UID: 9, FileName: "f.bin"}, "application/octet-stream", strings.NewReader("abc"))
			if err != nil {
				t.Fatalf("Upload: %v", err)
			}
			if uri != "mem://9/f.bin" || b.uploaded != "abc" {
				t.Errorf("Upload = %q, backend saw %q", uri, b.uploaded)
			}

			rc, err := s.Load(ctx, uri)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			data, _ := io.ReadAll(rc)
			if err := rc.Close(); err != nil {
				t.Errorf("Close: %v", err)
			}
			if err := rc.Close(); err != nil {
				t.Errorf("second Close: %v", err)
			}
			if string(data) != "abc" {
				t.Errorf("Load = %q", data)
			}

			if err := s.Delete(ctx, uri); err != nil {
				t.Errorf("Delete: %v", err)
			}
		})
	}
}

func TestErrorsPropagate(t *testing.T) {
	want := errors.New("backend down")
	s := newStore(t, &backend{err: want})
	ctx := context.Background()

	if _, err := s.Upload(ctx, store.AttachmentKey{UID: 1, FileName: "a"}, "", strings.NewReader("")); !errors.Is(err, want) {
		t.Errorf("Upload error = %v", err)
	}
	if _, err := s.Load(ctx, "mem://1/a"); !errors.Is(err, want) {
		t.Errorf("Load error = %v", err)
	}
	if err := s.Delete(ctx, "mem://1/a"); !errors.Is(err, want) {
		t.Errorf("Delete error = %v", err)
	}
}
