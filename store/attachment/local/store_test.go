package local

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rbaliyan/mailbridge/store"
)

func TestUploadLayout(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	uri, err := s.Upload(ctx, store.AttachmentKey{UID: 42, FileName: "invoice.pdf"}, "application/pdf", strings.NewReader("pdf-bytes"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !strings.HasPrefix(uri, "file://") {
		t.Errorf("uri = %q, want file:// scheme", uri)
	}

	data, err := os.ReadFile(filepath.Join(root, "42", "invoice.pdf"))
	if err != nil {
		t.Fatalf("read stored file: %v", err)
	}
	if string(data) != "pdf-bytes" {
		t.Errorf("content = %q", data)
	}

	entries, err := os.ReadDir(filepath.Join(root, "42"))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, want 1 (temp file left behind?)", len(entries))
	}
}

func TestUploadNeverOverwrites(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	key := store.AttachmentKey{UID: 7, FileName: "a.txt"}

	uri, err := s.Upload(ctx, key, "text/plain", strings.NewReader("first"))
	if err != nil {
		t.Fatalf("first Upload: %v", err)
	}

	t.Run("identical content", func(t *testing.T) {
		_, err := s.Upload(ctx, key, "text/plain", strings.NewReader("first"))
		var exists *store.ExistsError
		if !errors.As(err, &exists) || !exists.Identical {
			t.Fatalf("Upload error = %v, want identical ExistsError", err)
		}
		if exists.URI != uri {
			t.Errorf("ExistsError.URI = %q, want %q", exists.URI, uri)
		}
		if !errors.Is(err, store.ErrAlreadyExists) {
			t.Errorf("error %v does not match ErrAlreadyExists", err)
		}
	})

	t.Run("different content", func(t *testing.T) {
		_, err := s.Upload(ctx, key, "text/plain", strings.NewReader("second"))
		var exists *store.ExistsError
		if !errors.As(err, &exists) || exists.Identical {
			t.Fatalf("Upload error = %v, want non-identical ExistsError", err)
		}
	})

	data, _ := os.ReadFile(filepath.Join(root, "7", "a.txt"))
	if string(data) != "first" {
		t.Errorf("content = %q, want original", data)
	}
	entries, _ := os.ReadDir(filepath.Join(root, "7"))
	if len(entries) != 1 {
		t.Errorf("directory holds %d entries, want 1", len(entries))
	}
}

func TestUploadInvalidKey(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, key := range []store.AttachmentKey{
		{UID: 0, FileName: "a"},
		{UID: 1, FileName: ""},
		{UID: 1, FileName: "../escape"},
	} {
		if _, err := s.Upload(context.Background(), key, "", strings.NewReader("x")); !store.IsInvalidKey(err) {
			t.Errorf("Upload(%+v) error = %v, want invalid key", key, err)
		}
	}
}

func TestLoadDelete(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	uri, err := s.Upload(ctx, store.AttachmentKey{UID: 3, FileName: "report (1).csv"}, "text/csv", strings.NewReader("a,b"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}

	rc, err := s.Load(ctx, uri)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "a,b" {
		t.Errorf("Load content = %q", data)
	}

	if err := s.Delete(ctx, uri); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "3")); !os.IsNotExist(err) {
		t.Errorf("uid directory still present after deleting its only file")
	}
	if _, err := s.Load(ctx, uri); !store.IsNotFound(err) {
		t.Errorf("Load after Delete error = %v, want not found", err)
	}
	if err := s.Delete(ctx, uri); !store.IsNotFound(err) {
		t.Errorf("second Delete error = %v, want not found", err)
	}
}

func TestResolveRejectsForeignURIs(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, uri := range []string{
		"s3://bucket/key",
		"file:///etc/passwd",
		"file://" + filepath.ToSlash(s.Root()),
		"not a uri",
	} {
		if _, err := s.Load(context.Background(), uri); !errors.Is(err, store.ErrInvalidURI) {
			t.Errorf("Load(%q) error = %v, want ErrInvalidURI", uri, err)
		}
	}
}
